// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// tether-publisher is the isolated realtime publisher. It accepts
// side-effect frames from the daemon on a Unix socket, forwards each
// one to the vendor transport sidecar, and acks the outcome. Running
// it as a separate process keeps vendor network traffic out of the
// daemon's address space.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/tether-foundation/tether/lib/clock"
	"github.com/tether-foundation/tether/lib/config"
	"github.com/tether-foundation/tether/lib/process"
	"github.com/tether-foundation/tether/lib/version"
	"github.com/tether-foundation/tether/publisher"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	var debug bool
	var showVersion bool

	flagSet := pflag.NewFlagSet("tether-publisher", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to tether.yaml (overrides TETHER_CONFIG)")
	flagSet.BoolVar(&debug, "debug", false, "enable debug logging")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	if showVersion {
		version.Print("tether-publisher")
		return nil
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The sidecar is this process's reason to exist; without it no
	// frame can be acked OK.
	sidecarConn, err := net.Dial("unix", cfg.Publisher.SidecarSocketPath)
	if err != nil {
		return fmt.Errorf("dialing sidecar: %w", err)
	}
	transport, err := publisher.NewSidecar(publisher.SidecarConfig{
		Conn:           sidecarConn,
		PublishTimeout: time.Duration(cfg.Publisher.PublishTimeoutMS) * time.Millisecond,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer transport.Close()

	var routes *config.Routes
	if cfg.Publisher.RoutesFile != "" {
		routes, err = config.LoadRoutes(cfg.Publisher.RoutesFile)
		if err != nil {
			return err
		}
		logger.Info("loaded routes table", "file", cfg.Publisher.RoutesFile)
	}

	server, err := publisher.NewServer(publisher.ServerConfig{
		Transport: transport,
		Clock:     clock.Real(),
		Routes:    routes,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	// Replace any stale socket left by a previous run.
	os.Remove(cfg.Publisher.SocketPath)
	listener, err := net.Listen("unix", cfg.Publisher.SocketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Publisher.SocketPath, err)
	}
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	logger.Info("tether publisher running",
		"socket", cfg.Publisher.SocketPath,
		"sidecar", cfg.Publisher.SidecarSocketPath,
	)

	var wg sync.WaitGroup
	for {
		conn, err := listener.Accept()
		if err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Serve(ctx, conn); err != nil && ctx.Err() == nil {
				logger.Warn("daemon connection ended", "error", err)
			}
		}()
	}

	wg.Wait()
	logger.Info("shutting down")
	return nil
}
