// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package pairing

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tether-foundation/tether/truststore"
)

// qrVersion is the QR payload format version this build understands.
const qrVersion = 1

// Errors returned by DecodeQR. Both are terminal for the scanned
// payload; the user must rescan a fresh code.
var (
	ErrUnsupportedVersion = errors.New("pairing: unsupported QR payload version")
	ErrPayloadExpired     = errors.New("pairing: QR payload has expired")
)

// QRPayload is the JSON document encoded into the pairing QR code. It
// is public information: the payload introduces a device, it does not
// authenticate it.
type QRPayload struct {
	DeviceID   uuid.UUID            `json:"deviceId"`
	DeviceName string               `json:"deviceName"`
	PublicKey  truststore.PublicKey `json:"publicKey"`
	Role       truststore.Role      `json:"role"`
	Version    int                  `json:"version"`
	ExpiresAt  time.Time            `json:"expiresAt"`
}

// DecodeQR parses and validates a scanned QR payload. Unknown versions
// and expired payloads are rejected; both require the user to rescan.
func DecodeQR(data []byte, now time.Time) (*QRPayload, error) {
	var payload QRPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("pairing: decoding QR payload: %w", err)
	}
	if payload.Version != qrVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, payload.Version)
	}
	if !now.Before(payload.ExpiresAt) {
		return nil, fmt.Errorf("%w: expired at %s", ErrPayloadExpired, payload.ExpiresAt.Format(time.RFC3339))
	}
	if payload.DeviceID == uuid.Nil {
		return nil, fmt.Errorf("pairing: QR payload has zero device id")
	}
	if !payload.Role.Valid() {
		return nil, fmt.Errorf("pairing: QR payload role %q: %w", payload.Role, truststore.ErrInvalidRole)
	}
	return &payload, nil
}

// GenerateQR produces this device's QR payload for display to the
// scanning device. role is the role this device asks to be trusted
// under; ttl bounds how long the displayed code stays valid.
func GenerateQR(store *truststore.Store, deviceName string, role truststore.Role, ttl time.Duration, now time.Time) ([]byte, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("pairing: generating QR: %w: %q", truststore.ErrInvalidRole, role)
	}
	deviceID, ok := store.Identity()
	if !ok {
		return nil, fmt.Errorf("pairing: generating QR: %w", truststore.ErrNoIdentity)
	}
	publicKey, err := store.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("pairing: generating QR: %w", err)
	}

	payload := QRPayload{
		DeviceID:   deviceID,
		DeviceName: deviceName,
		PublicKey:  publicKey,
		Role:       role,
		Version:    qrVersion,
		ExpiresAt:  now.Add(ttl).UTC(),
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("pairing: encoding QR payload: %w", err)
	}
	return encoded, nil
}
