// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// Package hybrid implements the device-to-device encryption primitives
// used throughout Tether: X25519 key agreement, HKDF-SHA256 key
// derivation, and ChaCha20-Poly1305 authenticated encryption.
//
// Every function in this package is pure and stateless; all of them are
// safe to call from multiple goroutines. Keys are fixed 32-byte values,
// nonces are fixed 12-byte values generated fresh per seal. Decryption
// fails closed: a tag mismatch or malformed input returns a typed error
// and never partial plaintext.
//
// Two sealing layouts are provided. [Seal]/[Open] keep the nonce
// separate from the ciphertext, matching the conversation message
// payload (contentEncrypted + contentNonce fields). [SealCombined]/
// [OpenCombined] use the nonce‖ciphertext‖tag layout carried by the
// pairing proof exchange and the trust bundle.
//
// [SessionKey] is the one derivation every component shares: the same
// (ourKey, theirKey, sessionID) triple always rederives the same
// 32-byte key on both devices, so no key material ever needs to be
// stored or transmitted for an established session.
package hybrid
