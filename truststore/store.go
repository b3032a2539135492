// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package truststore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/tether-foundation/tether/lib/clock"
	"github.com/tether-foundation/tether/lib/hybrid"
	"github.com/tether-foundation/tether/lib/keystore"
	"github.com/tether-foundation/tether/lib/secret"
)

// Errors returned by the store.
var (
	ErrInvalidRole    = errors.New("truststore: invalid role")
	ErrInvalidDevice  = errors.New("truststore: invalid device entry")
	ErrNoIdentity     = errors.New("truststore: device identity not set")
	ErrIdentityExists = errors.New("truststore: device identity already set")
)

// Store is the trust registry for one local device. All methods are
// safe for concurrent use. Mutations persist synchronously before they
// return, so a crash never observes a trust decision that was not
// durable.
type Store struct {
	kv     *keystore.Store
	clk    clock.Clock
	logger *slog.Logger

	mu             sync.Mutex
	devices        map[uuid.UUID]TrustedDevice
	deviceID       uuid.UUID
	hasIdentity    bool
	privateKey     *secret.Buffer
	linkCredential []byte
}

// Open loads the trust registry, identity, and linking credential from
// the keystore. Missing keys are treated as an empty store, the state
// of a device that has never linked or paired.
//
// The caller retains ownership of kv; Close releases only the secret
// material this store holds.
func Open(ctx context.Context, kv *keystore.Store, clk clock.Clock, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	store := &Store{
		kv:      kv,
		clk:     clk,
		logger:  logger,
		devices: make(map[uuid.UUID]TrustedDevice),
	}
	if err := store.load(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Store) load(ctx context.Context) error {
	raw, err := s.kv.Get(ctx, keystore.KeyTrustedDevices)
	switch {
	case errors.Is(err, keystore.ErrNotFound):
	case err != nil:
		return fmt.Errorf("truststore: loading devices: %w", err)
	default:
		var entries []TrustedDevice
		if err := json.Unmarshal(raw, &entries); err != nil {
			return fmt.Errorf("truststore: decoding devices: %w", err)
		}
		for _, entry := range entries {
			s.devices[entry.DeviceID] = entry
		}
	}

	idRaw, err := s.kv.Get(ctx, keystore.KeyDeviceID)
	if err == nil {
		deviceID, parseErr := uuid.Parse(string(idRaw))
		if parseErr != nil {
			return fmt.Errorf("truststore: decoding device id: %w", parseErr)
		}
		keyRaw, keyErr := s.kv.Get(ctx, keystore.KeyDevicePrivateKey)
		if keyErr != nil {
			return fmt.Errorf("truststore: device id present without private key: %w", keyErr)
		}
		if len(keyRaw) != hybrid.KeySize {
			return fmt.Errorf("truststore: private key is %d bytes, want %d", len(keyRaw), hybrid.KeySize)
		}
		buffer, bufErr := secret.NewFromBytes(keyRaw)
		if bufErr != nil {
			return fmt.Errorf("truststore: protecting private key: %w", bufErr)
		}
		s.deviceID = deviceID
		s.privateKey = buffer
		s.hasIdentity = true
	} else if !errors.Is(err, keystore.ErrNotFound) {
		return fmt.Errorf("truststore: loading device id: %w", err)
	}

	credential, err := s.kv.Get(ctx, keystore.KeyLinkCredential)
	if err == nil {
		s.linkCredential = credential
	} else if !errors.Is(err, keystore.ErrNotFound) {
		return fmt.Errorf("truststore: loading link credential: %w", err)
	}
	return nil
}

// Close releases the identity key's protected buffer. The store must
// not be used afterward.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.privateKey != nil {
		return s.privateKey.Close()
	}
	return nil
}

// Add upserts a device by DeviceID. Re-pairing replaces the previous
// entry wholesale; the last pairing wins.
func (s *Store) Add(ctx context.Context, device TrustedDevice) error {
	if device.DeviceID == uuid.Nil {
		return fmt.Errorf("%w: zero device id", ErrInvalidDevice)
	}
	if !device.Role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, device.Role)
	}
	if device.TrustedAt.IsZero() {
		return fmt.Errorf("%w: zero trustedAt", ErrInvalidDevice)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	previous, replacing := s.devices[device.DeviceID]
	s.devices[device.DeviceID] = device
	if err := s.persistDevicesLocked(ctx); err != nil {
		// Roll back the in-memory map so memory and disk agree.
		if replacing {
			s.devices[device.DeviceID] = previous
		} else {
			delete(s.devices, device.DeviceID)
		}
		return err
	}
	s.logger.Info("device trusted",
		"device_id", device.DeviceID,
		"role", device.Role,
		"replaced", replacing,
	)
	return nil
}

// Remove deletes a device from the registry. Returns true if an entry
// was present.
func (s *Store) Remove(ctx context.Context, deviceID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, present := s.devices[deviceID]
	if !present {
		return false, nil
	}
	delete(s.devices, deviceID)
	if err := s.persistDevicesLocked(ctx); err != nil {
		s.devices[deviceID] = previous
		return false, err
	}
	s.logger.Info("device trust revoked", "device_id", deviceID)
	return true, nil
}

// Get returns the entry for deviceID, expired or not.
func (s *Store) Get(deviceID uuid.UUID) (TrustedDevice, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	device, ok := s.devices[deviceID]
	return device, ok
}

// List returns all entries ordered by TrustedAt, then DeviceID. The
// order is deterministic so two calls over the same state agree.
func (s *Store) List() []TrustedDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked()
}

func (s *Store) sortedLocked() []TrustedDevice {
	entries := make([]TrustedDevice, 0, len(s.devices))
	for _, device := range s.devices {
		entries = append(entries, device)
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].TrustedAt.Equal(entries[j].TrustedAt) {
			return entries[i].TrustedAt.Before(entries[j].TrustedAt)
		}
		return entries[i].DeviceID.String() < entries[j].DeviceID.String()
	})
	return entries
}

// IsTrusted reports whether deviceID has a current, unexpired entry.
func (s *Store) IsTrusted(deviceID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	device, ok := s.devices[deviceID]
	return ok && !device.Expired(s.clk.Now())
}

// TrustRoot returns the trust root entry. With multiple trust_root
// records (possible after a migration import) the earliest TrustedAt
// wins, then the lowest DeviceID.
func (s *Store) TrustRoot() (TrustedDevice, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, device := range s.sortedLocked() {
		if device.Role == RoleTrustRoot {
			return device, true
		}
	}
	return TrustedDevice{}, false
}

func (s *Store) persistDevicesLocked(ctx context.Context) error {
	encoded, err := json.Marshal(s.sortedLocked())
	if err != nil {
		return fmt.Errorf("truststore: encoding devices: %w", err)
	}
	if err := s.kv.Put(ctx, keystore.KeyTrustedDevices, encoded); err != nil {
		return fmt.Errorf("truststore: persisting devices: %w", err)
	}
	return nil
}

// SetIdentity installs this device's ID and X25519 private key. The
// key bytes are moved into protected memory and the caller's array is
// zeroed. Identity is written once at link time; replacing it would
// orphan every existing trust entry, so a second call fails.
func (s *Store) SetIdentity(ctx context.Context, deviceID uuid.UUID, privateKey *[hybrid.KeySize]byte) error {
	if deviceID == uuid.Nil {
		return fmt.Errorf("%w: zero device id", ErrInvalidDevice)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasIdentity {
		return ErrIdentityExists
	}
	if err := s.kv.Put(ctx, keystore.KeyDevicePrivateKey, privateKey[:]); err != nil {
		return fmt.Errorf("truststore: persisting private key: %w", err)
	}
	if err := s.kv.Put(ctx, keystore.KeyDeviceID, []byte(deviceID.String())); err != nil {
		return fmt.Errorf("truststore: persisting device id: %w", err)
	}
	buffer, err := secret.NewFromBytes(privateKey[:])
	if err != nil {
		return fmt.Errorf("truststore: protecting private key: %w", err)
	}
	s.deviceID = deviceID
	s.privateKey = buffer
	s.hasIdentity = true
	s.logger.Info("device identity set", "device_id", deviceID)
	return nil
}

// Identity returns this device's ID, or false if no identity is set.
func (s *Store) Identity() (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID, s.hasIdentity
}

// PrivateKey copies the identity private key out of protected memory.
// Callers should zero the copy when done.
func (s *Store) PrivateKey() ([hybrid.KeySize]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var key [hybrid.KeySize]byte
	if !s.hasIdentity {
		return key, ErrNoIdentity
	}
	copy(key[:], s.privateKey.Bytes())
	return key, nil
}

// PublicKey rederives the identity public key.
func (s *Store) PublicKey() (PublicKey, error) {
	private, err := s.PrivateKey()
	if err != nil {
		return PublicKey{}, err
	}
	defer func() {
		for index := range private {
			private[index] = 0
		}
	}()
	derived, err := hybrid.PublicKeyFromPrivate(private)
	if err != nil {
		return PublicKey{}, err
	}
	return PublicKey(derived), nil
}

// SetLinkCredential stores the opaque credential issued when this
// device was linked to an account.
func (s *Store) SetLinkCredential(ctx context.Context, credential []byte) error {
	if len(credential) == 0 {
		return fmt.Errorf("%w: empty link credential", ErrInvalidDevice)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Put(ctx, keystore.KeyLinkCredential, credential); err != nil {
		return fmt.Errorf("truststore: persisting link credential: %w", err)
	}
	s.linkCredential = append([]byte(nil), credential...)
	return nil
}

// LinkCredential returns the stored credential, or false if unset.
func (s *Store) LinkCredential() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.linkCredential == nil {
		return nil, false
	}
	return append([]byte(nil), s.linkCredential...), true
}

// IsLinked reports whether the device has completed account linking:
// both an identity and a link credential are present.
func (s *Store) IsLinked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasIdentity && s.linkCredential != nil
}
