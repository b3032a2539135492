// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package accesstoken

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tether-foundation/tether/lib/codec"
)

// signatureSize is the fixed size of an Ed25519 signature.
const signatureSize = ed25519.SignatureSize // 64 bytes

// Token is the CBOR-encoded payload of an access token.
type Token struct {
	// Subject is the account user ID the token acts for.
	Subject string `cbor:"1,keyasint"`

	// DeviceID is the trusted device the token was minted for. A
	// token minted for one device is not valid presented by another.
	DeviceID uuid.UUID `cbor:"2,keyasint"`

	// Scopes lists what the bearer may do, as "resource:verb"
	// strings ("presence:read") or a "resource:*" wildcard.
	Scopes []string `cbor:"3,keyasint,omitempty"`

	// ID is a unique token identifier (hex string) for audit logs.
	ID string `cbor:"4,keyasint"`

	// IssuedAt is a Unix timestamp (seconds) of minting.
	IssuedAt int64 `cbor:"5,keyasint"`

	// ExpiresAt is a Unix timestamp (seconds) after which the token
	// is no longer valid.
	ExpiresAt int64 `cbor:"6,keyasint"`
}

// Errors returned by the verification functions.
var (
	ErrTokenTooShort    = errors.New("accesstoken: token too short for signature")
	ErrInvalidSignature = errors.New("accesstoken: invalid Ed25519 signature")
	ErrTokenExpired     = errors.New("accesstoken: token has expired")
	ErrScopeMissing     = errors.New("accesstoken: required scope not granted")
	ErrSubjectMismatch  = errors.New("accesstoken: subject does not match")
)

// Mint signs a Token with the daemon's private key and returns the raw
// wire-format bytes: CBOR-encoded payload followed by the 64-byte
// Ed25519 signature.
func Mint(privateKey ed25519.PrivateKey, token *Token) ([]byte, error) {
	payload, err := codec.Marshal(token)
	if err != nil {
		return nil, fmt.Errorf("accesstoken: encoding token payload: %w", err)
	}

	signature := ed25519.Sign(privateKey, payload)

	result := make([]byte, len(payload)+signatureSize)
	copy(result, payload)
	copy(result[len(payload):], signature)

	return result, nil
}

// Verify splits the raw token bytes, verifies the Ed25519 signature,
// CBOR-decodes the payload, and checks expiry. Returns the decoded
// Token on success.
//
// The caller should additionally check scopes via HasScope or use
// VerifyScope for the combined path.
func Verify(publicKey ed25519.PublicKey, tokenBytes []byte) (*Token, error) {
	return VerifyAt(publicKey, tokenBytes, time.Now())
}

// VerifyAt is like Verify but accepts an explicit time for expiry
// checks. This supports deterministic testing.
func VerifyAt(publicKey ed25519.PublicKey, tokenBytes []byte, now time.Time) (*Token, error) {
	if len(tokenBytes) <= signatureSize {
		return nil, ErrTokenTooShort
	}

	splitPoint := len(tokenBytes) - signatureSize
	payload := tokenBytes[:splitPoint]
	signature := tokenBytes[splitPoint:]

	if !ed25519.Verify(publicKey, payload, signature) {
		return nil, ErrInvalidSignature
	}

	var token Token
	if err := codec.Unmarshal(payload, &token); err != nil {
		return nil, fmt.Errorf("accesstoken: decoding token payload: %w", err)
	}

	if now.Unix() >= token.ExpiresAt {
		return nil, ErrTokenExpired
	}

	return &token, nil
}

// VerifyScope combines Verify with subject and scope checks. This is
// the standard verification path for services: verify the signature,
// check expiry, confirm the token belongs to the expected subject, and
// confirm it grants the required scope.
func VerifyScope(publicKey ed25519.PublicKey, tokenBytes []byte, subject, scope string) (*Token, error) {
	return VerifyScopeAt(publicKey, tokenBytes, subject, scope, time.Now())
}

// VerifyScopeAt is like VerifyScope but accepts an explicit time.
func VerifyScopeAt(publicKey ed25519.PublicKey, tokenBytes []byte, subject, scope string, now time.Time) (*Token, error) {
	token, err := VerifyAt(publicKey, tokenBytes, now)
	if err != nil {
		return nil, err
	}

	if token.Subject != subject {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrSubjectMismatch, token.Subject, subject)
	}
	if !token.HasScope(scope) {
		return nil, fmt.Errorf("%w: %q", ErrScopeMissing, scope)
	}

	return token, nil
}

// HasScope reports whether the token grants the given "resource:verb"
// scope, either exactly or through the resource's "*" wildcard.
func (t *Token) HasScope(scope string) bool {
	resource, _, ok := strings.Cut(scope, ":")
	for _, granted := range t.Scopes {
		if granted == scope {
			return true
		}
		if ok && granted == resource+":*" {
			return true
		}
	}
	return false
}
