// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/syncshell/lib/clock"
	"github.com/bureau-foundation/syncshell/lib/telemetry"
	"github.com/bureau-foundation/syncshell/transport"
)

func runRelay(args []string) error {
	var flags commonFlags
	var listen, metricsListen string

	flagSet := pflag.NewFlagSet("syncshell relay", pflag.ContinueOnError)
	flags.register(flagSet)
	flagSet.StringVar(&listen, "listen", "", "address to serve the relay on (overrides relay.listen)")
	flagSet.StringVar(&metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address (overrides metrics.listen)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cfg, err := flags.load()
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Relay.Listen = listen
	}
	if metricsListen != "" {
		cfg.Metrics.Listen = metricsListen
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log.Level)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := telemetry.New()
	relay := transport.NewRelayServer(transport.RelayConfig{
		MailboxTTL: cfg.Relay.MailboxTTL,
	}, clock.Real(), logger, metrics)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	if cfg.Metrics.Listen != "" {
		wg.Go(func() {
			if err := serveMetrics(ctx, cfg.Metrics.Listen, metrics); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		})
	}

	logger.Info("relay listening", "address", cfg.Relay.Listen, "mailbox_ttl", cfg.Relay.MailboxTTL)
	err = relay.ListenAndServe(ctx, cfg.Relay.Listen, shutdownGrace)
	cancel()
	wg.Wait()
	return err
}
