// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// tether-keygen is the operator key tool: device identity creation,
// escrow keypair generation, pairing QR payloads, and encrypted trust
// bundle export.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/tether-foundation/tether/lib/clock"
	"github.com/tether-foundation/tether/lib/hybrid"
	"github.com/tether-foundation/tether/lib/keystore"
	"github.com/tether-foundation/tether/lib/sealed"
	"github.com/tether-foundation/tether/lib/version"
	"github.com/tether-foundation/tether/pairing"
	"github.com/tether-foundation/tether/truststore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return fmt.Errorf("subcommand required")
	}

	subcommand := os.Args[1]
	switch subcommand {
	case "identity":
		return runIdentity(os.Args[2:])
	case "escrow":
		return runEscrow()
	case "qr":
		return runQR(os.Args[2:])
	case "export":
		return runExport(os.Args[2:])
	case "version":
		version.Print("tether-keygen")
		return nil
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand: %q", subcommand)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: tether-keygen <subcommand> [flags]

Subcommands:
  identity    Generate and store a device identity keypair
  escrow      Generate an age keypair (for operator escrow)
  qr          Print a pairing QR payload for this device
  export      Export the trust registry as an escrow-encrypted bundle
  version     Print version information

Run 'tether-keygen <subcommand> --help' for subcommand flags.
`)
}

// openTrustStore opens the keystore-backed trust registry under the
// given state directory.
func openTrustStore(ctx context.Context, stateDir string) (*truststore.Store, func(), error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	kv, err := keystore.Open(filepath.Join(stateDir, "keystore.db"), logger)
	if err != nil {
		return nil, nil, err
	}
	trust, err := truststore.Open(ctx, kv, clock.Real(), logger)
	if err != nil {
		kv.Close()
		return nil, nil, err
	}
	cleanup := func() {
		trust.Close()
		kv.Close()
	}
	return trust, cleanup, nil
}

// runIdentity generates an X25519 identity keypair and persists it in
// the device keystore. Fails if the device already has an identity.
func runIdentity(args []string) error {
	var stateDir string
	flagSet := pflag.NewFlagSet("tether-keygen identity", pflag.ContinueOnError)
	flagSet.StringVar(&stateDir, "state", "", "daemon state directory (required)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if stateDir == "" {
		return fmt.Errorf("--state is required")
	}

	ctx := context.Background()
	trust, cleanup, err := openTrustStore(ctx, stateDir)
	if err != nil {
		return err
	}
	defer cleanup()

	private, public, err := hybrid.GenerateKeyPair()
	if err != nil {
		return err
	}
	deviceID := uuid.New()
	if err := trust.SetIdentity(ctx, deviceID, &private); err != nil {
		return err
	}

	fmt.Printf("device_id: %s\n", deviceID)
	fmt.Printf("public_key: %x\n", public)
	return nil
}

// runEscrow generates a new age keypair and prints it.
// The public key goes to stdout (for sharing/embedding).
// The private key goes to stderr (for safekeeping).
func runEscrow() error {
	keypair, err := sealed.GenerateEscrowKeypair()
	if err != nil {
		return fmt.Errorf("generating keypair: %w", err)
	}
	defer keypair.Close()

	fmt.Fprintf(os.Stderr, "# Private key (keep this secret - store securely):\n")
	fmt.Fprintf(os.Stderr, "%s\n", keypair.PrivateKey.String())
	fmt.Fprintf(os.Stdout, "%s\n", keypair.PublicKey)
	return nil
}

// runQR prints a pairing QR payload for this device. The payload is
// the JSON a new device scans to start the pairing flow.
func runQR(args []string) error {
	var stateDir string
	var deviceName string
	var role string
	var ttl time.Duration
	flagSet := pflag.NewFlagSet("tether-keygen qr", pflag.ContinueOnError)
	flagSet.StringVar(&stateDir, "state", "", "daemon state directory (required)")
	flagSet.StringVar(&deviceName, "name", "", "human-readable device name (required)")
	flagSet.StringVar(&role, "role", string(truststore.RoleTrustedExecutor), "role offered to the paired device")
	flagSet.DurationVar(&ttl, "ttl", 5*time.Minute, "payload validity window")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if stateDir == "" || deviceName == "" {
		return fmt.Errorf("--state and --name are required")
	}

	ctx := context.Background()
	trust, cleanup, err := openTrustStore(ctx, stateDir)
	if err != nil {
		return err
	}
	defer cleanup()

	payload, err := pairing.GenerateQR(trust, deviceName, truststore.Role(role), ttl, time.Now())
	if err != nil {
		return err
	}
	fmt.Println(string(payload))
	return nil
}

// runExport prints the trust registry sealed to the given escrow
// public keys.
func runExport(args []string) error {
	var stateDir string
	var recipients []string
	flagSet := pflag.NewFlagSet("tether-keygen export", pflag.ContinueOnError)
	flagSet.StringVar(&stateDir, "state", "", "daemon state directory (required)")
	flagSet.StringSliceVar(&recipients, "recipient", nil, "escrow public key (repeatable, required)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if stateDir == "" || len(recipients) == 0 {
		return fmt.Errorf("--state and at least one --recipient are required")
	}
	for _, recipient := range recipients {
		if !strings.HasPrefix(recipient, "age1") {
			return fmt.Errorf("recipient %q is not an age public key", recipient)
		}
	}

	ctx := context.Background()
	trust, cleanup, err := openTrustStore(ctx, stateDir)
	if err != nil {
		return err
	}
	defer cleanup()

	bundle, err := sealed.ExportBundle(trust, recipients, time.Now())
	if err != nil {
		return err
	}
	fmt.Println(bundle)
	return nil
}
