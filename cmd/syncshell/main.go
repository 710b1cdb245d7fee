// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/syncshell/lib/config"
	"github.com/bureau-foundation/syncshell/lib/process"
	"github.com/bureau-foundation/syncshell/lib/version"
)

func main() {
	process.Exit("syncshell", run(os.Args[1:]))
}

func run(args []string) error {
	if len(args) == 0 {
		printUsage(os.Stderr)
		return errors.New("no command given")
	}
	command, rest := args[0], args[1:]
	switch command {
	case "keygen":
		return runKeygen(rest)
	case "run":
		return runDaemon(rest)
	case "relay":
		return runRelay(rest)
	case "--version":
		version.Print("syncshell")
		return nil
	case "version":
		fmt.Printf("syncshell %s\n", version.Full())
		return nil
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return nil
	default:
		return fmt.Errorf("unknown command %q (run 'syncshell help')", command)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `syncshell shares cosmetic component state among small groups of peers.

Usage:
  syncshell keygen [--config FILE] [--encrypt] [--force]
  syncshell run    [--config FILE] [--metrics-listen ADDR] [--manifest FILE] [--no-console]
  syncshell relay  [--config FILE] [--listen ADDR]
  syncshell version

The config file is taken from --config, then SYNCSHELL_CONFIG. With
neither, built-in defaults rooted at ~/.local/share/syncshell are used.
`)
}

// commonFlags are accepted by every subcommand.
type commonFlags struct {
	configPath string
	logLevel   string
}

func (f *commonFlags) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.configPath, "config", "", "path to syncshell.yaml (default: $SYNCSHELL_CONFIG)")
	flagSet.StringVar(&f.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
}

// load resolves the configuration and applies flag overrides.
func (f *commonFlags) load() (*config.Config, error) {
	var cfg *config.Config
	var err error
	switch {
	case f.configPath != "":
		cfg, err = config.LoadFile(f.configPath)
	case os.Getenv(config.EnvironmentVariable) != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
		cfg.ExpandVariables()
	}
	if err != nil {
		return nil, err
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger returns the JSON stderr logger for level.
func newLogger(level string) (*slog.Logger, error) {
	var parsed slog.Level
	if err := parsed.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parsed,
	})), nil
}
