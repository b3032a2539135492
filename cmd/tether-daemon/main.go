// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// tether-daemon is the device-local control process. It owns the
// device keystore and trust registry, the session commit log, the
// presence actor registry, and the fan-out pipeline feeding the
// isolated publisher process. A localhost HTTP API serves the device's
// own UI; the relay listener serves the account's other devices.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/tether-foundation/tether/commitlog"
	"github.com/tether-foundation/tether/fanout"
	"github.com/tether-foundation/tether/lib/accesstoken"
	"github.com/tether-foundation/tether/lib/clock"
	"github.com/tether-foundation/tether/lib/config"
	"github.com/tether-foundation/tether/lib/hybrid"
	"github.com/tether-foundation/tether/lib/keystore"
	"github.com/tether-foundation/tether/lib/process"
	"github.com/tether-foundation/tether/lib/sqlitepool"
	"github.com/tether-foundation/tether/lib/version"
	"github.com/tether-foundation/tether/presence"
	"github.com/tether-foundation/tether/publisher"
	"github.com/tether-foundation/tether/relay"
	"github.com/tether-foundation/tether/truststore"
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

	flagSet := pflag.NewFlagSet("tether-daemon", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to tether.yaml (overrides TETHER_CONFIG)")
	flagSet.BoolVar(&debug, "debug", false, "enable debug logging")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	if showVersion {
		version.Print("tether-daemon")
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()

	// Identity and trust.
	kv, err := keystore.Open(filepath.Join(cfg.Paths.State, "keystore.db"), logger)
	if err != nil {
		return err
	}
	defer kv.Close()

	trust, err := truststore.Open(ctx, kv, clk, logger)
	if err != nil {
		return err
	}
	defer trust.Close()

	if err := ensureIdentity(ctx, trust, logger); err != nil {
		return err
	}

	// Access-token signing keypair for the presence HTTP surface. The
	// login flow mints tokens with the private half; the daemon only
	// verifies.
	verifyKey, _, generated, err := accesstoken.LoadOrGenerateKeypair(cfg.Paths.State)
	if err != nil {
		return err
	}
	if generated {
		logger.Info("generated access-token signing keypair", "state_dir", cfg.Paths.State)
	}

	// Presence.
	presencePool, err := sqlitepool.Open(sqlitepool.Config{
		Path:      filepath.Join(cfg.Paths.State, "presence.db"),
		PoolSize:  4,
		Logger:    logger,
		OnConnect: presence.StoreSchemaHook,
	})
	if err != nil {
		return err
	}
	defer presencePool.Close()

	registry, err := presence.NewRegistry(presence.RegistryConfig{
		Store:       presence.NewSQLiteStore(presencePool),
		Clock:       clk,
		Logger:      logger,
		BatchWindow: time.Duration(cfg.Presence.BatchWindowMS) * time.Millisecond,
	})
	if err != nil {
		return err
	}

	presenceService, err := presence.NewService(presence.ServiceConfig{
		Registry:  registry,
		VerifyKey: verifyKey,
		Clock:     clk,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	// Commit log and fan-out.
	commitPool, err := sqlitepool.Open(sqlitepool.Config{
		Path:      filepath.Join(cfg.Paths.State, "commitlog.db"),
		PoolSize:  4,
		Logger:    logger,
		OnConnect: commitlog.SchemaHook,
	})
	if err != nil {
		return err
	}
	defer commitPool.Close()

	hot, err := dialPublisher(cfg, logger)
	if err != nil {
		return err
	}
	if hot != nil {
		defer hot.Close()
	}

	coldStore, err := openColdStore(cfg, logger)
	if err != nil {
		return err
	}

	sink, err := fanout.New(fanout.Config{
		ColdStore: coldStore,
		Publisher: hotPublisher(hot),
		Keys:      &fanout.TrustRootKeys{Store: trust},
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	if auth := loadAuth(cfg.Paths.State); auth != nil {
		sink.SetAuth(auth)
		logger.Info("cold path authenticated", "user_id", auth.UserID)
	} else {
		logger.Info("no stored session; cold path idle until login")
	}

	log, err := commitlog.New(commitlog.Config{
		Pool:   commitPool,
		Sink:   sink,
		Clock:  clk,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	// HTTP surface: presence endpoints plus the local session API.
	mux := http.NewServeMux()
	presenceService.Register(mux)
	api := &sessionAPI{log: log, trust: trust, logger: logger}
	api.register(mux)

	httpServer := &http.Server{Addr: cfg.Presence.HTTPListen, Handler: mux}
	httpDone := make(chan error, 1)
	go func() {
		httpDone <- httpServer.ListenAndServe()
	}()

	// Relay listener for the account's other devices.
	router, err := relay.NewRouter(relay.Config{Trust: trust, Logger: logger})
	if err != nil {
		return err
	}
	relayServer, err := relay.NewServer(relay.ServerConfig{Router: router, Logger: logger})
	if err != nil {
		return err
	}
	relayListener, err := net.Listen("tcp", cfg.Relay.Listen)
	if err != nil {
		return fmt.Errorf("relay listen: %w", err)
	}
	relayDone := make(chan error, 1)
	go func() {
		relayDone <- relayServer.Serve(ctx, relayListener)
	}()

	deviceID, _ := trust.Identity()
	logger.Info("tether daemon running",
		"device_id", deviceID,
		"http", cfg.Presence.HTTPListen,
		"relay", cfg.Relay.Listen,
		"environment", cfg.Environment,
	)

	select {
	case <-ctx.Done():
	case err := <-httpDone:
		return fmt.Errorf("http server: %w", err)
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Error("presence shutdown", "error", err)
	}
	sink.Close()
	<-relayDone

	return nil
}

// loadConfig resolves the --config flag against the TETHER_CONFIG
// environment variable and validates the result.
func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ensureIdentity generates and persists a device identity on first
// run. Paired devices already have one from the pairing flow.
func ensureIdentity(ctx context.Context, trust *truststore.Store, logger *slog.Logger) error {
	if _, ok := trust.Identity(); ok {
		return nil
	}
	private, public, err := hybrid.GenerateKeyPair()
	if err != nil {
		return err
	}
	deviceID := uuid.New()
	if err := trust.SetIdentity(ctx, deviceID, &private); err != nil {
		return err
	}
	logger.Info("generated device identity",
		"device_id", deviceID,
		"public_key", fmt.Sprintf("%x", public[:8]),
	)
	return nil
}

// dialPublisher connects to the publisher process. A missing socket
// disables the hot path in development and is fatal in production.
func dialPublisher(cfg *config.Config, logger *slog.Logger) (*publisher.Client, error) {
	conn, err := net.Dial("unix", cfg.Publisher.SocketPath)
	if err != nil {
		if cfg.Publisher.AllowMissingSidecar {
			logger.Warn("publisher unavailable; hot path disabled",
				"socket", cfg.Publisher.SocketPath,
				"error", err,
			)
			return nil, nil
		}
		return nil, fmt.Errorf("dialing publisher: %w", err)
	}
	return publisher.NewClient(publisher.ClientConfig{
		Conn:   conn,
		Logger: logger,
	})
}

// hotPublisher converts a possibly-nil client into the fan-out
// interface. A typed nil would defeat the sink's nil check.
func hotPublisher(client *publisher.Client) fanout.HotPublisher {
	if client == nil {
		return nil
	}
	return client
}

// loadAuth reads a stored remote session from the state directory, if
// the login flow has written one.
func loadAuth(stateDir string) *fanout.AuthContext {
	token, err := os.ReadFile(filepath.Join(stateDir, "session-token"))
	if err != nil {
		return nil
	}
	userID, err := os.ReadFile(filepath.Join(stateDir, "user-id"))
	if err != nil {
		return nil
	}
	return &fanout.AuthContext{
		SessionToken: string(trimNewline(token)),
		UserID:       string(trimNewline(userID)),
	}
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
