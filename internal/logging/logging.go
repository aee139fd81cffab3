// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package logging builds the process logger from configuration and
// environment overrides.
package logging

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	EnvLogLevel  = "BIDISTAT_LOG_LEVEL"
	EnvLogFormat = "BIDISTAT_LOG_FORMAT"
	EnvLogSyslog = "BIDISTAT_LOG_SYSLOG"
	EnvLogQuiet  = "BIDISTAT_LOG_QUIET"
)

// Config selects level, output format and the optional syslog target
type Config struct {
	Level  string
	Format string // "text" or "json"
	Syslog string // "", "local" or host:port over UDP
	Quiet  bool   // discard output that is not sent to syslog
}

// ApplyEnv overrides cfg with the BIDISTAT_LOG_* variables that are set
func ApplyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Level = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFormat)); v != "" {
		cfg.Format = v
	}
	if v, ok := os.LookupEnv(EnvLogSyslog); ok {
		cfg.Syslog = strings.TrimSpace(v)
	}
	if v, ok := parseBool(os.Getenv(EnvLogQuiet)); ok {
		cfg.Quiet = v
	}
}

// New returns a logger writing to out
func New(cfg Config, out io.Writer) (*logrus.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(out)
	if cfg.Quiet {
		logger.SetOutput(io.Discard)
	}

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	if cfg.Syslog != "" {
		hook, err := newSyslogHook(cfg.Syslog)
		if err != nil {
			return nil, fmt.Errorf("syslog %s: %w", cfg.Syslog, err)
		}
		logger.AddHook(levelHook{Hook: hook, levels: SyslogLevels})
	}
	return logger, nil
}

// SyslogLevels are the levels forwarded to syslog
var SyslogLevels = []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel}

// levelHook restricts a hook to a subset of levels
type levelHook struct {
	logrus.Hook
	levels []logrus.Level
}

func (h levelHook) Levels() []logrus.Level {
	return h.levels
}

func parseLevel(raw string) (logrus.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return logrus.InfoLevel, nil
	case "off", "none", "disabled":
		return logrus.PanicLevel, nil
	}
	level, err := logrus.ParseLevel(raw)
	if err != nil {
		return logrus.InfoLevel, err
	}
	return level, nil
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
