// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package pairing

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/tether-foundation/tether/lib/hybrid"
	"github.com/tether-foundation/tether/truststore"
)

// Transport carries the pairing handshake between the two devices.
// The daemon backs it with a relay channel; tests use an in-memory
// pipe. Messages are delivered whole and in order.
type Transport interface {
	Send(ctx context.Context, message []byte) error
	Receive(ctx context.Context) ([]byte, error)
}

const (
	// confirmKeyInfo is the HKDF info label for the pairing
	// confirmation key. It must match the mobile and desktop clients.
	confirmKeyInfo = "tether-pairing-confirm-v1"

	// challengeSize is the length of each side's random challenge.
	challengeSize = 32
)

// Additional-data labels bound into each handshake message. Distinct
// labels per direction and phase prevent a message from one step being
// replayed or reflected as another.
var (
	aadChallengeInitiator = []byte("tether-pairing-1-challenge-initiator")
	aadChallengeResponder = []byte("tether-pairing-1-challenge-responder")
	aadProofInitiator     = []byte("tether-pairing-1-proof-initiator")
	aadProofResponder     = []byte("tether-pairing-1-proof-responder")
)

// ErrProofFailed is returned when the peer cannot prove possession of
// the private key matching its advertised public key. The trust store
// is left untouched.
var ErrProofFailed = errors.New("pairing: peer failed proof of key possession")

// helloMessage introduces the initiator to the responder. It is sent
// in the clear: like the QR payload it is public information, and the
// proof exchange that follows authenticates both sides.
type helloMessage struct {
	DeviceID   uuid.UUID            `json:"deviceId"`
	DeviceName string               `json:"deviceName"`
	PublicKey  truststore.PublicKey `json:"publicKey"`
	Role       truststore.Role      `json:"role"`
}

// transcript binds the confirmation key to both public keys and the
// responder's claimed device ID. Both sides compute it from the same
// inputs, so a substituted key on either side produces disagreeing
// keys and the proof exchange fails.
func transcript(initiatorKey, responderKey truststore.PublicKey, responderID uuid.UUID) [32]byte {
	hasher := blake3.New()
	hasher.Write(initiatorKey[:])
	hasher.Write(responderKey[:])
	hasher.Write(responderID[:])
	var digest [32]byte
	hasher.Sum(digest[:0])
	return digest
}

// confirmationKey derives the symmetric key for the proof exchange
// from the X25519 shared secret and the handshake transcript.
func confirmationKey(private [hybrid.KeySize]byte, peerKey truststore.PublicKey, handshake [32]byte) ([]byte, error) {
	shared, err := hybrid.ECDH(private, [hybrid.KeySize]byte(peerKey))
	if err != nil {
		return nil, fmt.Errorf("pairing: computing shared secret: %w", err)
	}
	key, err := hybrid.DeriveKey(shared[:], handshake[:], []byte(confirmKeyInfo), hybrid.KeySize)
	if err != nil {
		return nil, fmt.Errorf("pairing: deriving confirmation key: %w", err)
	}
	return key, nil
}

func newChallenge() ([]byte, error) {
	challenge := make([]byte, challengeSize)
	if _, err := io.ReadFull(rand.Reader, challenge); err != nil {
		return nil, fmt.Errorf("pairing: reading challenge randomness: %w", err)
	}
	return challenge, nil
}

// runInitiatorProof executes the initiator's half of the mutual proof
// exchange. Message order is fixed: the initiator speaks first at each
// phase, so the exchange cannot deadlock over a synchronous transport.
func runInitiatorProof(ctx context.Context, transport Transport, key []byte) error {
	challenge, err := newChallenge()
	if err != nil {
		return err
	}
	sealed, err := hybrid.SealCombined(challenge, key, aadChallengeInitiator)
	if err != nil {
		return fmt.Errorf("pairing: sealing challenge: %w", err)
	}
	if err := transport.Send(ctx, sealed); err != nil {
		return fmt.Errorf("pairing: sending challenge: %w", err)
	}

	peerSealed, err := transport.Receive(ctx)
	if err != nil {
		return fmt.Errorf("pairing: receiving peer challenge: %w", err)
	}
	peerChallenge, err := hybrid.OpenCombined(peerSealed, key, aadChallengeResponder)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProofFailed, err)
	}

	proof, err := hybrid.SealCombined(peerChallenge, key, aadProofInitiator)
	if err != nil {
		return fmt.Errorf("pairing: sealing proof: %w", err)
	}
	if err := transport.Send(ctx, proof); err != nil {
		return fmt.Errorf("pairing: sending proof: %w", err)
	}

	peerProof, err := transport.Receive(ctx)
	if err != nil {
		return fmt.Errorf("pairing: receiving peer proof: %w", err)
	}
	echoed, err := hybrid.OpenCombined(peerProof, key, aadProofResponder)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProofFailed, err)
	}
	if !bytes.Equal(echoed, challenge) {
		return fmt.Errorf("%w: challenge echo mismatch", ErrProofFailed)
	}
	return nil
}

// runResponderProof executes the responder's half. It verifies the
// initiator's proof before sending its own, so an impostor initiator
// learns nothing it can replay.
func runResponderProof(ctx context.Context, transport Transport, key []byte) error {
	peerSealed, err := transport.Receive(ctx)
	if err != nil {
		return fmt.Errorf("pairing: receiving peer challenge: %w", err)
	}
	peerChallenge, err := hybrid.OpenCombined(peerSealed, key, aadChallengeInitiator)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProofFailed, err)
	}

	challenge, err := newChallenge()
	if err != nil {
		return err
	}
	sealed, err := hybrid.SealCombined(challenge, key, aadChallengeResponder)
	if err != nil {
		return fmt.Errorf("pairing: sealing challenge: %w", err)
	}
	if err := transport.Send(ctx, sealed); err != nil {
		return fmt.Errorf("pairing: sending challenge: %w", err)
	}

	peerProof, err := transport.Receive(ctx)
	if err != nil {
		return fmt.Errorf("pairing: receiving peer proof: %w", err)
	}
	echoed, err := hybrid.OpenCombined(peerProof, key, aadProofInitiator)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProofFailed, err)
	}
	if !bytes.Equal(echoed, challenge) {
		return fmt.Errorf("%w: challenge echo mismatch", ErrProofFailed)
	}

	proof, err := hybrid.SealCombined(peerChallenge, key, aadProofResponder)
	if err != nil {
		return fmt.Errorf("pairing: sealing proof: %w", err)
	}
	if err := transport.Send(ctx, proof); err != nil {
		return fmt.Errorf("pairing: sending proof: %w", err)
	}
	return nil
}
