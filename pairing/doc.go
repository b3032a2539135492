// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// Package pairing establishes trust between two devices through an
// out-of-band QR exchange followed by an authenticated key-agreement
// round.
//
// One device (the responder) displays a QR payload carrying its
// identity public key. The other device (the initiator) scans it and,
// after the user confirms the key fingerprint, runs a mutual proof
// exchange: both sides derive the same confirmation key from an X25519
// shared secret bound to a transcript of both public keys, then prove
// possession of their private keys by round-tripping sealed random
// challenges. Only when both proofs verify is the peer written to the
// trust store.
//
// A scanned QR alone never creates trust. The QR is just an
// introduction; an attacker who substitutes a QR image still cannot
// complete the proof exchange without the matching private key.
//
// The initiator side is driven through [Flow], a small state machine
// the UI layer observes (Scanning, Scanned, Confirming, Pairing,
// Success, Error). The responder side runs [Respond]. Both operate
// over a [Transport], which the daemon backs with the session relay.
package pairing
