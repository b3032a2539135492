// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package hybrid

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of X25519 public/private keys and the
	// ChaCha20-Poly1305 symmetric key, in bytes.
	KeySize = 32

	// NonceSize is the ChaCha20-Poly1305 nonce size in bytes.
	NonceSize = chacha20poly1305.NonceSize // 12

	// TagSize is the Poly1305 authentication tag size in bytes.
	TagSize = chacha20poly1305.Overhead // 16

	// sessionKeyInfo is the HKDF info label for session key
	// derivation. It must match the mobile and desktop clients.
	sessionKeyInfo = "tether-session-secret-v1"
)

// Errors returned by this package. All decryption failures map to
// ErrAuthentication so callers cannot distinguish a wrong key from a
// tampered ciphertext.
var (
	ErrKeySize        = errors.New("hybrid: key must be 32 bytes")
	ErrNonceSize      = errors.New("hybrid: nonce must be 12 bytes")
	ErrCiphertextSize = errors.New("hybrid: ciphertext too short")
	ErrAuthentication = errors.New("hybrid: authentication failed")
	ErrSharedSecret   = errors.New("hybrid: degenerate shared secret")
)

// GenerateKeyPair generates a new X25519 keypair for device identity
// or ephemeral key agreement.
func GenerateKeyPair() (private, public [KeySize]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, private[:]); err != nil {
		return private, public, fmt.Errorf("hybrid: reading randomness: %w", err)
	}
	publicSlice, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return private, public, fmt.Errorf("hybrid: deriving public key: %w", err)
	}
	copy(public[:], publicSlice)
	return private, public, nil
}

// PublicKeyFromPrivate rederives the X25519 public key for a private
// key. Used when only the private half is persisted.
func PublicKeyFromPrivate(private [KeySize]byte) ([KeySize]byte, error) {
	var public [KeySize]byte
	publicSlice, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return public, fmt.Errorf("hybrid: deriving public key: %w", err)
	}
	copy(public[:], publicSlice)
	return public, nil
}

// ECDH computes the X25519 shared secret between a private key and a
// peer public key. Low-order peer keys that produce an all-zero shared
// secret are rejected with ErrSharedSecret.
func ECDH(private, peerPublic [KeySize]byte) ([KeySize]byte, error) {
	var shared [KeySize]byte
	sharedSlice, err := curve25519.X25519(private[:], peerPublic[:])
	if err != nil {
		// curve25519.X25519 already rejects the all-zero output.
		return shared, fmt.Errorf("%w: %v", ErrSharedSecret, err)
	}
	copy(shared[:], sharedSlice)
	return shared, nil
}

// DeriveKey expands a shared secret into key material with HKDF-SHA256.
// The salt provides domain separation (Tether uses the session ID or a
// pairing transcript); the info label names the purpose.
func DeriveKey(secret, salt, info []byte, length int) ([]byte, error) {
	if length <= 0 {
		return nil, fmt.Errorf("hybrid: non-positive key length %d", length)
	}
	reader := hkdf.New(sha256.New, secret, salt, info)
	key := make([]byte, length)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("hybrid: HKDF expand: %w", err)
	}
	return key, nil
}

// SessionKey derives the symmetric key for a session between this
// device and a peer. The derivation is deterministic: both sides of the
// pair compute the same key from their own private key and the peer's
// public key, so session keys are never stored or transmitted.
//
//	key = HKDF-SHA256(X25519(private, peerPublic), salt=sessionID, info="tether-session-secret-v1")
func SessionKey(private, peerPublic [KeySize]byte, sessionID string) ([]byte, error) {
	shared, err := ECDH(private, peerPublic)
	if err != nil {
		return nil, err
	}
	return DeriveKey(shared[:], []byte(sessionID), []byte(sessionKeyInfo), KeySize)
}

// Seal encrypts plaintext under key with a fresh random nonce. The
// returned box is ciphertext‖tag; the nonce is returned separately for
// payloads that carry it in a dedicated field. The additional data is
// authenticated but not encrypted and may be nil.
func Seal(plaintext, key, additionalData []byte) (nonce [NonceSize]byte, box []byte, err error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nonce, nil, err
	}
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nonce, nil, fmt.Errorf("hybrid: reading nonce randomness: %w", err)
	}
	box = aead.Seal(nil, nonce[:], plaintext, additionalData)
	return nonce, box, nil
}

// Open decrypts a box produced by Seal. Any authentication failure
// (wrong key, tampered ciphertext, wrong additional data) returns
// ErrAuthentication and no plaintext.
func Open(nonce, box, key, additionalData []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, ErrNonceSize
	}
	if len(box) < TagSize {
		return nil, ErrCiphertextSize
	}
	plaintext, err := aead.Open(nil, nonce, box, additionalData)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

// SealCombined encrypts plaintext and returns the combined
// nonce‖ciphertext‖tag layout used by the pairing proof exchange and
// the trust bundle.
func SealCombined(plaintext, key, additionalData []byte) ([]byte, error) {
	nonce, box, err := Seal(plaintext, key, additionalData)
	if err != nil {
		return nil, err
	}
	combined := make([]byte, 0, NonceSize+len(box))
	combined = append(combined, nonce[:]...)
	combined = append(combined, box...)
	return combined, nil
}

// OpenCombined decrypts a combined nonce‖ciphertext‖tag buffer.
// Buffers shorter than nonce+tag (28 bytes) are rejected before any
// cryptographic work.
func OpenCombined(combined, key, additionalData []byte) ([]byte, error) {
	if len(combined) < NonceSize+TagSize {
		return nil, ErrCiphertextSize
	}
	return Open(combined[:NonceSize], combined[NonceSize:], key, additionalData)
}

func newAEAD(key []byte) (aead interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}, err error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("hybrid: constructing AEAD: %w", err)
	}
	return cipher, nil
}
