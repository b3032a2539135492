// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// Package accesstoken implements the scoped bearer tokens the daemon
// mints for its local services. A token binds an account subject and a
// device to a set of scopes ("presence:read", "relay:control") for a
// bounded lifetime.
//
// Wire format: deterministic CBOR payload followed by a 64-byte
// Ed25519 signature over the payload. The daemon holds the signing
// key; services verify with the public half only. Tokens are opaque to
// clients and never cross the relay in plaintext frames.
package accesstoken
