// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed implements trust-bundle escrow: exporting a device's
// trust state (identity key, linking credential, trusted-device
// registry) as an age-encrypted bundle for migration to a replacement
// device, and importing such a bundle back into a trust store.
//
// It wraps filippo.io/age for the operations Tether needs: generate
// x25519 escrow keypairs, encrypt a bundle to one or more recipients,
// decrypt with a private key. Ciphertext is base64-encoded so a bundle
// can travel through JSON transports and QR-sized chunks.
//
// Escrow private keys and decrypted bundle plaintext live in
// [secret.Buffer] values backed by mmap memory outside the Go heap
// (locked against swap, excluded from core dumps, zeroed on Close).
//
// Key exports:
//
//   - [GenerateEscrowKeypair] -- new age x25519 keypair in a secret.Buffer
//   - [ExportBundle] / [ImportBundle] -- trust-state migration
//   - [Encrypt] / [Decrypt] -- the underlying sealing primitives
//
// Depends on lib/secret for secure memory allocation.
package sealed
