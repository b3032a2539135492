// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package pairing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tether-foundation/tether/lib/clock"
	"github.com/tether-foundation/tether/truststore"
)

// ResponderConfig configures the QR-displaying side of a pairing
// exchange.
type ResponderConfig struct {
	// Store is this device's trust store.
	Store *truststore.Store

	// ViewerTTL bounds temporary_viewer trust, as in FlowConfig.
	ViewerTTL time.Duration

	// Clock supplies TrustedAt stamps.
	Clock clock.Clock

	// Logger receives exchange events. Nil discards.
	Logger *slog.Logger

	// OnTrustEstablished, if set, is called after a successful
	// pairing with the newly trusted device.
	OnTrustEstablished func(truststore.TrustedDevice)
}

// Respond runs the responder's half of a pairing exchange after this
// device has displayed its QR payload. It waits for the initiator's
// hello, runs the mutual proof, and on success persists the initiator
// to the trust store and returns it.
//
// A failed proof leaves the store untouched; the caller may simply
// keep the QR on screen and wait for another attempt while the payload
// is still valid.
func Respond(ctx context.Context, cfg ResponderConfig, transport Transport) (*truststore.TrustedDevice, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("pairing: ResponderConfig.Store is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("pairing: ResponderConfig.Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	raw, err := transport.Receive(ctx)
	if err != nil {
		return nil, fmt.Errorf("pairing: receiving hello: %w", err)
	}
	var hello helloMessage
	if err := json.Unmarshal(raw, &hello); err != nil {
		return nil, fmt.Errorf("pairing: decoding hello: %w", err)
	}
	if hello.DeviceID == uuid.Nil {
		return nil, fmt.Errorf("pairing: hello has zero device id")
	}
	if !hello.Role.Valid() {
		return nil, fmt.Errorf("pairing: hello role %q: %w", hello.Role, truststore.ErrInvalidRole)
	}

	ourPrivate, err := cfg.Store.PrivateKey()
	if err != nil {
		return nil, err
	}
	defer func() {
		for index := range ourPrivate {
			ourPrivate[index] = 0
		}
	}()
	ourPublic, err := cfg.Store.PublicKey()
	if err != nil {
		return nil, err
	}
	ourID, ok := cfg.Store.Identity()
	if !ok {
		return nil, truststore.ErrNoIdentity
	}

	handshake := transcript(hello.PublicKey, ourPublic, ourID)
	key, err := confirmationKey(ourPrivate, hello.PublicKey, handshake)
	if err != nil {
		return nil, err
	}

	if err := runResponderProof(ctx, transport, key); err != nil {
		logger.Warn("pairing proof failed",
			"peer_device_id", hello.DeviceID,
			"error", err,
		)
		return nil, err
	}

	now := cfg.Clock.Now()
	device := truststore.TrustedDevice{
		DeviceID:  hello.DeviceID,
		Name:      hello.DeviceName,
		PublicKey: hello.PublicKey,
		Role:      hello.Role,
		TrustedAt: now,
	}
	if hello.Role == truststore.RoleTemporaryViewer && cfg.ViewerTTL > 0 {
		expires := now.Add(cfg.ViewerTTL)
		device.ExpiresAt = &expires
	}
	if err := cfg.Store.Add(ctx, device); err != nil {
		return nil, fmt.Errorf("pairing: persisting trusted device: %w", err)
	}
	logger.Info("pairing succeeded",
		"peer_device_id", device.DeviceID,
		"peer_role", device.Role,
	)
	if cfg.OnTrustEstablished != nil {
		cfg.OnTrustEstablished(device)
	}
	return &device, nil
}
