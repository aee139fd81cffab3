// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads the bidistat configuration file.
//
// The file is optional. Every key left out keeps its default, and command
// line flags override whatever the file sets.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Thermoquad/bidistat/pkg/bidib"
)

// DefaultPath is the file looked up when --config is not given
const DefaultPath = "bidistat.toml"

// Connection selects the link to the interface node
type Connection struct {
	Port        string
	Baud        int
	URL         string
	Username    string
	NoSSLVerify bool
}

// Transport holds the tunables of the BiDiB transport
type Transport struct {
	PacketCapacity  int
	ResponseLimit   int
	ResponseTimeout time.Duration
	QueueCapacity   int
	FlushInterval   time.Duration
	ReadBackoff     time.Duration
}

// Log configures the process logger
type Log struct {
	Level  string
	Format string // "text" or "json"
	Syslog string // "", "local" or a host:port reached over UDP
}

// Config is the complete configuration
type Config struct {
	Connection Connection
	Transport  Transport
	Log        Log
}

// Default returns the built-in configuration
func Default() Config {
	tc := bidib.DefaultConfig()
	return Config{
		Connection: Connection{Baud: 115200},
		Transport: Transport{
			PacketCapacity:  tc.PacketCapacity,
			ResponseLimit:   tc.ResponseLimit,
			ResponseTimeout: tc.ResponseTimeout,
			QueueCapacity:   tc.QueueCapacity,
			FlushInterval:   tc.FlushInterval,
			ReadBackoff:     tc.ReadBackoff,
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

type fileConfig struct {
	Connection struct {
		Port        string `toml:"port"`
		Baud        int    `toml:"baud"`
		URL         string `toml:"url"`
		Username    string `toml:"username"`
		NoSSLVerify bool   `toml:"no_ssl_verify"`
	} `toml:"connection"`
	Transport struct {
		PacketCapacity  int    `toml:"packet_capacity"`
		ResponseLimit   int    `toml:"response_limit"`
		ResponseTimeout string `toml:"response_timeout"`
		QueueCapacity   int    `toml:"queue_capacity"`
		FlushInterval   string `toml:"flush_interval"`
		ReadBackoff     string `toml:"read_backoff"`
	} `toml:"transport"`
	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
		Syslog string `toml:"syslog"`
	} `toml:"log"`
}

// Load reads the file at path on top of the defaults
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return fromFile(raw, meta)
}

// Parse reads configuration from TOML text on top of the defaults
func Parse(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return fromFile(raw, meta)
}

func fromFile(raw fileConfig, meta toml.MetaData) (Config, error) {
	cfg := Default()

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}

	if meta.IsDefined("connection", "port") {
		cfg.Connection.Port = strings.TrimSpace(raw.Connection.Port)
	}
	if meta.IsDefined("connection", "baud") {
		cfg.Connection.Baud = raw.Connection.Baud
	}
	if meta.IsDefined("connection", "url") {
		cfg.Connection.URL = strings.TrimSpace(raw.Connection.URL)
	}
	if meta.IsDefined("connection", "username") {
		cfg.Connection.Username = raw.Connection.Username
	}
	if meta.IsDefined("connection", "no_ssl_verify") {
		cfg.Connection.NoSSLVerify = raw.Connection.NoSSLVerify
	}

	if meta.IsDefined("transport", "packet_capacity") {
		cfg.Transport.PacketCapacity = raw.Transport.PacketCapacity
	}
	if meta.IsDefined("transport", "response_limit") {
		cfg.Transport.ResponseLimit = raw.Transport.ResponseLimit
	}
	if meta.IsDefined("transport", "queue_capacity") {
		cfg.Transport.QueueCapacity = raw.Transport.QueueCapacity
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"response_timeout", raw.Transport.ResponseTimeout, &cfg.Transport.ResponseTimeout},
		{"flush_interval", raw.Transport.FlushInterval, &cfg.Transport.FlushInterval},
		{"read_backoff", raw.Transport.ReadBackoff, &cfg.Transport.ReadBackoff},
	}
	for _, d := range durations {
		if !meta.IsDefined("transport", d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse transport.%s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "format") {
		cfg.Log.Format = strings.TrimSpace(raw.Log.Format)
	}
	if meta.IsDefined("log", "syslog") {
		cfg.Log.Syslog = strings.TrimSpace(raw.Log.Syslog)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the transport cannot run with
func (c Config) Validate() error {
	t := c.Transport
	switch {
	case t.PacketCapacity <= 4 || t.PacketCapacity > bidib.MaxPacketCapacity:
		return fmt.Errorf("transport.packet_capacity %d out of range 5..%d", t.PacketCapacity, bidib.MaxPacketCapacity)
	case t.ResponseLimit <= 0:
		return fmt.Errorf("transport.response_limit must be positive")
	case t.ResponseTimeout <= 0:
		return fmt.Errorf("transport.response_timeout must be positive")
	case t.QueueCapacity <= 0:
		return fmt.Errorf("transport.queue_capacity must be positive")
	case t.FlushInterval < 0:
		return fmt.Errorf("transport.flush_interval must not be negative")
	case t.ReadBackoff <= 0:
		return fmt.Errorf("transport.read_backoff must be positive")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q: use text or json", c.Log.Format)
	}
	return nil
}

// TransportConfig converts the [transport] section into a transport
// configuration. Clock, handler, logger and capture are left for the caller.
func (c Config) TransportConfig() bidib.Config {
	cfg := bidib.DefaultConfig()
	cfg.PacketCapacity = c.Transport.PacketCapacity
	cfg.ResponseLimit = c.Transport.ResponseLimit
	cfg.ResponseTimeout = c.Transport.ResponseTimeout
	cfg.QueueCapacity = c.Transport.QueueCapacity
	cfg.FlushInterval = c.Transport.FlushInterval
	cfg.ReadBackoff = c.Transport.ReadBackoff
	return cfg
}
