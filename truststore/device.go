// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package truststore

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// Role classifies what a trusted device may do.
type Role string

const (
	// RoleTrustRoot is the device that anchors the trust graph for an
	// account, normally the first device linked. It may pair further
	// devices and revoke any other device.
	RoleTrustRoot Role = "trust_root"

	// RoleTrustedExecutor may run agent sessions and exercise full
	// remote control over them.
	RoleTrustedExecutor Role = "trusted_executor"

	// RoleTemporaryViewer may observe sessions until its trust entry
	// expires. It cannot send control actions that mutate a session.
	RoleTemporaryViewer Role = "temporary_viewer"
)

// Valid reports whether r is one of the known roles. The set is
// closed; unknown role strings are rejected at the trust boundary
// rather than defaulted.
func (r Role) Valid() bool {
	switch r {
	case RoleTrustRoot, RoleTrustedExecutor, RoleTemporaryViewer:
		return true
	}
	return false
}

// PublicKey is a 32-byte X25519 public key. It marshals to standard
// base64 in JSON, the encoding the clients use inside QR payloads and
// the trusted-devices record.
type PublicKey [32]byte

// MarshalText implements encoding.TextMarshaler.
func (k PublicKey) MarshalText() ([]byte, error) {
	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(k)))
	base64.StdEncoding.Encode(encoded, k[:])
	return encoded, nil
}

// UnmarshalText implements encoding.TextUnmarshaler. The input must
// decode to exactly 32 bytes.
func (k *PublicKey) UnmarshalText(text []byte) error {
	decoded, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("truststore: decoding public key: %w", err)
	}
	if len(decoded) != len(k) {
		return fmt.Errorf("truststore: public key is %d bytes, want %d", len(decoded), len(k))
	}
	copy(k[:], decoded)
	return nil
}

// TrustedDevice is one entry in the trust registry.
type TrustedDevice struct {
	DeviceID  uuid.UUID  `json:"deviceId"`
	Name      string     `json:"name"`
	PublicKey PublicKey  `json:"publicKey"`
	Role      Role       `json:"role"`
	TrustedAt time.Time  `json:"trustedAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Expired reports whether the entry's validity window has passed at
// the given instant. Entries without an ExpiresAt never expire.
func (d TrustedDevice) Expired(now time.Time) bool {
	return d.ExpiresAt != nil && !now.Before(*d.ExpiresAt)
}

// Fingerprint renders a short human-checkable digest of a public key
// for display during pairing confirmation, for example
// "b3:94f1a0c2e37b5d18". Both devices show it; the user compares.
func Fingerprint(key PublicKey) string {
	sum := blake3.Sum256(key[:])
	return "b3:" + hex.EncodeToString(sum[:8])
}
