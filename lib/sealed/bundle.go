// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tether-foundation/tether/lib/hybrid"
	"github.com/tether-foundation/tether/lib/secret"
	"github.com/tether-foundation/tether/truststore"
)

// bundleVersion is the current trust-bundle format version. Import
// rejects versions it does not understand rather than guessing.
const bundleVersion = 1

// Bundle is the decrypted trust state carried between devices during
// migration. PrivateKey is the identity X25519 private key, base64;
// the JSON form only ever exists inside age ciphertext or a
// secret.Buffer.
type Bundle struct {
	Version        int                        `json:"version"`
	DeviceID       uuid.UUID                  `json:"deviceId"`
	PrivateKey     string                     `json:"privateKey"`
	LinkCredential []byte                     `json:"linkCredential,omitempty"`
	Devices        []truststore.TrustedDevice `json:"devices"`
	ExportedAt     time.Time                  `json:"exportedAt"`
}

// ExportBundle serializes the store's identity, linking credential,
// and trusted-device registry and seals the result to the given age
// recipients. The store must have an identity set.
func ExportBundle(store *truststore.Store, recipientKeys []string, now time.Time) (string, error) {
	deviceID, ok := store.Identity()
	if !ok {
		return "", fmt.Errorf("sealed: exporting bundle: %w", truststore.ErrNoIdentity)
	}
	privateKey, err := store.PrivateKey()
	if err != nil {
		return "", fmt.Errorf("sealed: exporting bundle: %w", err)
	}
	defer func() {
		for index := range privateKey {
			privateKey[index] = 0
		}
	}()

	bundle := Bundle{
		Version:    bundleVersion,
		DeviceID:   deviceID,
		PrivateKey: base64.StdEncoding.EncodeToString(privateKey[:]),
		Devices:    store.List(),
		ExportedAt: now.UTC(),
	}
	if credential, ok := store.LinkCredential(); ok {
		bundle.LinkCredential = credential
	}

	plaintext, err := json.Marshal(bundle)
	if err != nil {
		return "", fmt.Errorf("sealed: encoding bundle: %w", err)
	}
	ciphertext, err := Encrypt(plaintext, recipientKeys)
	// Zero the serialized copy; it contains the private key.
	for index := range plaintext {
		plaintext[index] = 0
	}
	if err != nil {
		return "", err
	}
	return ciphertext, nil
}

// ImportBundle decrypts an exported bundle with the escrow private key
// and returns the contained trust state. The escrow key is borrowed,
// not closed.
func ImportBundle(ciphertext string, escrowKey *secret.Buffer) (*Bundle, error) {
	plaintext, err := Decrypt(ciphertext, escrowKey)
	if err != nil {
		return nil, fmt.Errorf("sealed: importing bundle: %w", err)
	}
	defer plaintext.Close()

	var bundle Bundle
	if err := json.Unmarshal(plaintext.Bytes(), &bundle); err != nil {
		return nil, fmt.Errorf("sealed: decoding bundle: %w", err)
	}
	if bundle.Version != bundleVersion {
		return nil, fmt.Errorf("sealed: unsupported bundle version %d", bundle.Version)
	}
	return &bundle, nil
}

// Apply replays the bundle into a trust store on the importing device:
// identity and credential first, then every trusted-device entry. The
// target store must not already have an identity.
func (b *Bundle) Apply(ctx context.Context, store *truststore.Store) error {
	rawKey, err := base64.StdEncoding.DecodeString(b.PrivateKey)
	if err != nil {
		return fmt.Errorf("sealed: decoding bundle private key: %w", err)
	}
	if len(rawKey) != hybrid.KeySize {
		return fmt.Errorf("sealed: bundle private key is %d bytes, want %d", len(rawKey), hybrid.KeySize)
	}
	var privateKey [hybrid.KeySize]byte
	copy(privateKey[:], rawKey)
	for index := range rawKey {
		rawKey[index] = 0
	}

	if err := store.SetIdentity(ctx, b.DeviceID, &privateKey); err != nil {
		return fmt.Errorf("sealed: applying bundle identity: %w", err)
	}
	if len(b.LinkCredential) > 0 {
		if err := store.SetLinkCredential(ctx, b.LinkCredential); err != nil {
			return fmt.Errorf("sealed: applying bundle credential: %w", err)
		}
	}
	for _, device := range b.Devices {
		if err := store.Add(ctx, device); err != nil {
			return fmt.Errorf("sealed: applying bundle device %s: %w", device.DeviceID, err)
		}
	}
	return nil
}
