// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/syncshell/lib/clock"
	"github.com/bureau-foundation/syncshell/lib/componentcache"
	"github.com/bureau-foundation/syncshell/lib/config"
	"github.com/bureau-foundation/syncshell/lib/connection"
	"github.com/bureau-foundation/syncshell/lib/identity"
	"github.com/bureau-foundation/syncshell/lib/orchestrator"
	"github.com/bureau-foundation/syncshell/lib/provider"
	"github.com/bureau-foundation/syncshell/lib/security"
	"github.com/bureau-foundation/syncshell/lib/storage"
	"github.com/bureau-foundation/syncshell/lib/syncshell"
	"github.com/bureau-foundation/syncshell/lib/telemetry"
	"github.com/bureau-foundation/syncshell/transport"
)

// shutdownGrace bounds how long HTTP servers drain on shutdown.
const shutdownGrace = 5 * time.Second

func runDaemon(args []string) error {
	var flags commonFlags
	var metricsListen, manifest, backend string
	var noConsole bool

	flagSet := pflag.NewFlagSet("syncshell run", pflag.ContinueOnError)
	flags.register(flagSet)
	flagSet.StringVar(&metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address (overrides metrics.listen)")
	flagSet.StringVar(&manifest, "manifest", "", "component manifest to declare (overrides paths.manifest)")
	flagSet.StringVar(&backend, "backend", "", "transport backend: auto, webrtc, loopback (overrides transport.backend)")
	flagSet.BoolVar(&noConsole, "no-console", false, "do not read commands from stdin")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cfg, err := flags.load()
	if err != nil {
		return err
	}
	if metricsListen != "" {
		cfg.Metrics.Listen = metricsListen
	}
	if manifest != "" {
		cfg.Paths.Manifest = manifest
	}
	if backend != "" {
		cfg.Transport.Backend = backend
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log.Level)
	if err != nil {
		return err
	}
	local, err := loadIdentity(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := telemetry.New()
	node, err := newNode(cfg, local, metrics, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := node.Close(); err != nil {
			logger.Error("closing node", "error", err)
		}
	}()

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
	wg.Go(func() {
		if err := node.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("node stopped", "error", err)
		}
	})

	if cfg.Paths.Manifest != "" {
		if state, err := node.Refresh(ctx); err != nil {
			logger.Warn("declaring manifest components", "manifest", cfg.Paths.Manifest, "error", err)
		} else {
			logger.Info("declared local components", "components", len(state.Components), "state", state.StateHash)
		}
	}

	logger.Info("syncshell running",
		"peer", node.ID(),
		"groups", len(node.Groups()),
		"backend", cfg.Transport.Backend,
		"metrics", cfg.Metrics.Listen,
	)

	if noConsole {
		<-ctx.Done()
	} else {
		shell := &console{node: node, out: os.Stdout}
		interactive := term.IsTerminal(int(os.Stdin.Fd()))
		if err := shell.run(ctx, os.Stdin, interactive); err != nil {
			logger.Error("reading commands", "error", err)
		}
	}

	logger.Info("shutting down")
	cancel()
	wg.Wait()
	return nil
}

// newNode assembles a Node from the configuration.
func newNode(cfg *config.Config, local *identity.Identity, metrics *telemetry.Metrics, logger *slog.Logger) (*syncshell.Node, error) {
	store, err := storage.NewDirectory(cfg.Paths.State)
	if err != nil {
		return nil, err
	}
	target, err := provider.NewDirectory(cfg.Paths.Apply)
	if err != nil {
		return nil, err
	}

	turn := make([]transport.TURNServer, 0, len(cfg.Transport.TURN))
	for _, server := range cfg.Transport.TURN {
		turn = append(turn, transport.TURNServer{
			URLs:       server.URLs,
			Username:   server.Username,
			Credential: server.Credential,
		})
	}
	clk := clock.Real()
	backend, err := transport.NewBackend(cfg.Transport.Backend, transport.Options{
		Local:         local.ID(),
		ICE:           transport.NewICEConfig(cfg.Transport.STUN, turn),
		GatherTimeout: cfg.Transport.GatherTimeout,
		Clock:         clk,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	nodeConfig := syncshell.Config{
		Identity:            local,
		Store:               store,
		Backend:             backend,
		Target:              target,
		Clock:               clk,
		Logger:              logger,
		Metrics:             metrics,
		Address:             cfg.Transport.Address,
		Port:                uint16(cfg.Transport.Port),
		RelayURLs:           cfg.Relay.URLs,
		Quorum:              cfg.Membership.Quorum,
		TokenValidity:       cfg.Membership.TokenValidity,
		GossipInterval:      cfg.Membership.GossipInterval,
		MaintenanceInterval: cfg.Membership.MaintenanceInterval,
		MemberTTL:           cfg.Membership.MemberTTL,
		InviteTTL:           cfg.Membership.InviteTTL,
		HistoryDepth:        cfg.Sync.HistoryDepth,
		Cache: componentcache.Config{
			SoftLimit:   cfg.Cache.SoftLimit,
			HardLimit:   cfg.Cache.HardLimit,
			Compression: cfg.Cache.Compression,
		},
		Security: security.Config{
			RotationInterval: cfg.Membership.KeyRotation,
		},
		Connection: connection.Config{
			PollInterval: cfg.Transport.PollInterval,
		},
		Orchestrator: orchestrator.Config{
			Interval:    cfg.Sync.Interval,
			MinInterval: cfg.Sync.MinInterval,
		},
	}
	if cfg.Paths.Manifest != "" {
		nodeConfig.Provider = provider.NewManifest(cfg.Paths.Manifest)
	}
	node, err := syncshell.New(nodeConfig)
	if err != nil {
		return nil, fmt.Errorf("starting node: %w", err)
	}
	return node, nil
}

// serveMetrics serves the Prometheus registry until ctx is done.
func serveMetrics(ctx context.Context, address string, metrics *telemetry.Metrics) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() { errs <- server.ListenAndServe() }()

	select {
	case err := <-errs:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
