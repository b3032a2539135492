// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tether-foundation/tether/lib/clock"
	"github.com/tether-foundation/tether/truststore"
)

// State is the observable phase of an initiator pairing flow.
type State string

const (
	// StateScanning waits for a QR payload.
	StateScanning State = "scanning"

	// StateScanned holds a decoded payload awaiting user
	// confirmation of the key fingerprint.
	StateScanned State = "scanned"

	// StateConfirming derives the confirmation key after the user
	// accepted the fingerprint.
	StateConfirming State = "confirming"

	// StatePairing runs the mutual proof exchange with the peer.
	StatePairing State = "pairing"

	// StateSuccess means the peer proved its key and was written to
	// the trust store.
	StateSuccess State = "success"

	// StateError is terminal for the attempt; Reset returns to
	// StateScanning for an explicit user retry.
	StateError State = "error"
)

// ErrInvalidTransition is returned when an operation is called in a
// state that does not permit it.
var ErrInvalidTransition = errors.New("pairing: invalid state transition")

// FlowConfig configures the initiator side of a pairing exchange.
type FlowConfig struct {
	// Store is this device's trust store. It supplies the local
	// identity and receives the peer on success.
	Store *truststore.Store

	// DeviceName is this device's human-readable name, shown on the
	// peer's confirmation screen.
	DeviceName string

	// Role is the role this device requests in the peer's trust
	// store.
	Role truststore.Role

	// ViewerTTL bounds temporary_viewer trust. Entries for that role
	// get ExpiresAt = now + ViewerTTL; zero means no expiry is set.
	ViewerTTL time.Duration

	// Clock supplies time for expiry checks and TrustedAt stamps.
	Clock clock.Clock

	// Logger receives flow transitions. Nil discards.
	Logger *slog.Logger

	// OnTrustEstablished, if set, is called after a successful
	// pairing with the newly trusted device. This is the
	// trust-established notification hook the UI subscribes to.
	OnTrustEstablished func(truststore.TrustedDevice)
}

// Flow is the initiator-side pairing state machine. All methods are
// safe for concurrent use; Confirm performs network round-trips and
// should be given a cancellable context.
type Flow struct {
	cfg FlowConfig

	mu      sync.Mutex
	state   State
	payload *QRPayload
	device  *truststore.TrustedDevice
	reason  string
}

// NewFlow validates the configuration and returns a flow in
// StateScanning.
func NewFlow(cfg FlowConfig) (*Flow, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("pairing: FlowConfig.Store is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("pairing: FlowConfig.Clock is required")
	}
	if !cfg.Role.Valid() {
		return nil, fmt.Errorf("pairing: FlowConfig.Role: %w: %q", truststore.ErrInvalidRole, cfg.Role)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Flow{cfg: cfg, state: StateScanning}, nil
}

// State returns the current phase.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// ErrorReason returns the failure message when the flow is in
// StateError, otherwise "".
func (f *Flow) ErrorReason() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reason
}

// Device returns the trusted peer after StateSuccess.
func (f *Flow) Device() (truststore.TrustedDevice, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.device == nil {
		return truststore.TrustedDevice{}, false
	}
	return *f.device, true
}

// Scan decodes a QR payload and moves Scanning to Scanned. A payload
// with an unsupported version or past its expiry moves to StateError;
// the user must Reset and rescan a fresh code.
func (f *Flow) Scan(qrJSON []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateScanning {
		return fmt.Errorf("%w: Scan in state %s", ErrInvalidTransition, f.state)
	}

	payload, err := DecodeQR(qrJSON, f.cfg.Clock.Now())
	if err != nil {
		f.toErrorLocked(err)
		return err
	}
	f.payload = payload
	f.state = StateScanned
	f.cfg.Logger.Info("pairing QR scanned",
		"peer_device_id", payload.DeviceID,
		"peer_role", payload.Role,
	)
	return nil
}

// Fingerprint returns the scanned peer key's display fingerprint for
// the user confirmation screen. Valid in StateScanned.
func (f *Flow) Fingerprint() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateScanned || f.payload == nil {
		return "", fmt.Errorf("%w: Fingerprint in state %s", ErrInvalidTransition, f.state)
	}
	return truststore.Fingerprint(f.payload.PublicKey), nil
}

// Confirm runs the authenticated key agreement after the user accepted
// the fingerprint. On success the peer is persisted to the trust store
// and the flow ends in StateSuccess. Any failure, cryptographic or
// transport, moves to StateError and leaves the store untouched.
func (f *Flow) Confirm(ctx context.Context, transport Transport) (*truststore.TrustedDevice, error) {
	f.mu.Lock()
	if f.state != StateScanned {
		state := f.state
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: Confirm in state %s", ErrInvalidTransition, state)
	}
	payload := f.payload
	f.state = StateConfirming
	f.mu.Unlock()

	device, err := f.confirm(ctx, transport, payload)

	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		// Cancel may have raced the exchange back to StateScanning;
		// that wins over the error.
		if f.state == StateConfirming || f.state == StatePairing {
			f.toErrorLocked(err)
		}
		return nil, err
	}
	f.device = device
	f.state = StateSuccess
	f.cfg.Logger.Info("pairing succeeded",
		"peer_device_id", device.DeviceID,
		"peer_role", device.Role,
	)
	if f.cfg.OnTrustEstablished != nil {
		f.cfg.OnTrustEstablished(*device)
	}
	return device, nil
}

func (f *Flow) confirm(ctx context.Context, transport Transport, payload *QRPayload) (*truststore.TrustedDevice, error) {
	ourPrivate, err := f.cfg.Store.PrivateKey()
	if err != nil {
		return nil, err
	}
	defer func() {
		for index := range ourPrivate {
			ourPrivate[index] = 0
		}
	}()
	ourPublic, err := f.cfg.Store.PublicKey()
	if err != nil {
		return nil, err
	}
	ourID, ok := f.cfg.Store.Identity()
	if !ok {
		return nil, truststore.ErrNoIdentity
	}

	handshake := transcript(ourPublic, payload.PublicKey, payload.DeviceID)
	key, err := confirmationKey(ourPrivate, payload.PublicKey, handshake)
	if err != nil {
		return nil, err
	}

	hello, err := json.Marshal(helloMessage{
		DeviceID:   ourID,
		DeviceName: f.cfg.DeviceName,
		PublicKey:  ourPublic,
		Role:       f.cfg.Role,
	})
	if err != nil {
		return nil, fmt.Errorf("pairing: encoding hello: %w", err)
	}
	if err := transport.Send(ctx, hello); err != nil {
		return nil, fmt.Errorf("pairing: sending hello: %w", err)
	}

	f.mu.Lock()
	if f.state != StateConfirming {
		state := f.state
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: flow left confirming state (%s)", ErrInvalidTransition, state)
	}
	f.state = StatePairing
	f.mu.Unlock()

	if err := runInitiatorProof(ctx, transport, key); err != nil {
		return nil, err
	}

	now := f.cfg.Clock.Now()
	device := truststore.TrustedDevice{
		DeviceID:  payload.DeviceID,
		Name:      payload.DeviceName,
		PublicKey: payload.PublicKey,
		Role:      payload.Role,
		TrustedAt: now,
	}
	if payload.Role == truststore.RoleTemporaryViewer && f.cfg.ViewerTTL > 0 {
		expires := now.Add(f.cfg.ViewerTTL)
		device.ExpiresAt = &expires
	}
	if err := f.cfg.Store.Add(ctx, device); err != nil {
		return nil, fmt.Errorf("pairing: persisting trusted device: %w", err)
	}
	return &device, nil
}

// Cancel abandons the current attempt and returns to StateScanning.
// Valid from Scanned, Confirming, and Pairing. Callers cancelling a
// running Confirm should also cancel its context.
func (f *Flow) Cancel() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.state {
	case StateScanned, StateConfirming, StatePairing:
		f.state = StateScanning
		f.payload = nil
		f.reason = ""
		return nil
	}
	return fmt.Errorf("%w: Cancel in state %s", ErrInvalidTransition, f.state)
}

// Reset returns an errored flow to StateScanning. Retry is always an
// explicit user action; the flow never re-arms itself.
func (f *Flow) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateError {
		return fmt.Errorf("%w: Reset in state %s", ErrInvalidTransition, f.state)
	}
	f.state = StateScanning
	f.payload = nil
	f.reason = ""
	return nil
}

func (f *Flow) toErrorLocked(err error) {
	f.state = StateError
	f.reason = err.Error()
	f.payload = nil
	f.cfg.Logger.Warn("pairing failed", "error", err)
}
