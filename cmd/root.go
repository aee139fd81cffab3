// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/bidistat/internal/config"
	"github.com/Thermoquad/bidistat/internal/logging"
)

var (
	configPath string

	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// Logging flags
	logLevel  string
	logFormat string

	// Resolved at startup from file, flags and environment
	appConfig config.Config
	appLog    *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:   "bidistat",
	Short: "BiDiB Host Transport Analyzer",
	Long: `Bidistat - A CLI tool for talking to BiDiB model railway interfaces and
analyzing the traffic of a BiDiB bus.

Provides commands for raw message logging, node discovery, round trip tests
and a live monitor of the per-node flow control state.

Connection modes:
  Serial:    --port /dev/ttyUSB0 [--baud 115200]
  WebSocket: --url ws://host/path [--username user]

Settings are read from bidistat.toml (or --config) when present; command line
flags override the file. For WebSocket authentication, the password is read
from the BIDISTAT_PASSWORD environment variable, or prompted interactively if
not set. The --password flag is intentionally not provided to avoid leaking
credentials in shell history.`,
	Version:           "0.3.0",
	SilenceUsage:      true,
	PersistentPreRunE: loadSettings,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (default ./"+config.DefaultPath+" if present)")

	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 115200, "Baud rate (serial only)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	// Logging flags
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (text or json)")
}

// loadSettings merges the configuration file, the command line and the
// environment, then builds the logger
func loadSettings(cmd *cobra.Command, args []string) error {
	cfg := config.Default()

	path := configPath
	if path == "" {
		if _, err := os.Stat(config.DefaultPath); err == nil {
			path = config.DefaultPath
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Connection.Port = portName
	}
	if flags.Changed("baud") {
		cfg.Connection.Baud = baudRate
	}
	if flags.Changed("url") {
		cfg.Connection.URL = wsURL
	}
	if flags.Changed("username") {
		cfg.Connection.Username = wsUsername
	}
	if flags.Changed("no-ssl-verify") {
		cfg.Connection.NoSSLVerify = wsNoSSLVerify
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = logFormat
	}

	logCfg := logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Syslog: cfg.Log.Syslog,
	}
	logging.ApplyEnv(&logCfg)

	logger, err := logging.New(logCfg, os.Stderr)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}

	appConfig = cfg
	appLog = logger
	return nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
