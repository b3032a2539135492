// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package fanout

import (
	"errors"
	"fmt"

	"github.com/tether-foundation/tether/lib/hybrid"
	"github.com/tether-foundation/tether/truststore"
)

// ErrNoSessionKey is returned when a session key cannot be derived.
var ErrNoSessionKey = errors.New("fanout: no session key available")

// KeyProvider derives the symmetric key a session's messages are
// sealed under. Both ends of the pair rederive the same key, so
// nothing is stored or transmitted.
type KeyProvider interface {
	SessionKey(sessionID string) ([]byte, error)
}

// TrustRootKeys derives session keys between this device and the
// account's trust root, the peer every device shares.
type TrustRootKeys struct {
	Store *truststore.Store
}

// SessionKey implements KeyProvider.
func (k TrustRootKeys) SessionKey(sessionID string) ([]byte, error) {
	private, err := k.Store.PrivateKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSessionKey, err)
	}
	root, ok := k.Store.TrustRoot()
	if !ok {
		return nil, fmt.Errorf("%w: no trust root", ErrNoSessionKey)
	}
	key, err := hybrid.SessionKey(private, [hybrid.KeySize]byte(root.PublicKey), sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSessionKey, err)
	}
	return key, nil
}
