// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// Package truststore is the device trust registry: which peer devices
// this device trusts, under what role, and for how long.
//
// The store also owns this device's local identity (device ID and
// X25519 private key, held in an mlock'd secret.Buffer) and the opaque
// linking credential issued at account link time. All of it persists
// through lib/keystore under fixed identifiers, so the mobile and
// desktop clients read the same layout.
//
// Entries are created by the pairing package on a successful mutual
// proof exchange and removed by explicit revocation. Re-pairing the
// same device replaces the previous entry. A record past its ExpiresAt
// is no longer trusted even before it is deleted.
//
// The store is the single writer of its keystore keys; no remote party
// can mutate trust directly.
package truststore
