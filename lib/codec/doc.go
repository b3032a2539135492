// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Tether's standard CBOR encoding configuration.
//
// Tether uses two serialization formats with a clear boundary:
//
//   - JSON for external interfaces: the pairing QR payload, relay
//     messages, the publish.v1 sidecar IPC, and CLI output.
//   - CBOR for internal artifacts: access token payloads and local
//     socket envelopes.
//
// This package provides the shared CBOR encoding and decoding modes so
// that every Tether package encodes identically without duplicating
// configuration. The encoder uses Core Deterministic Encoding (RFC 8949
// §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. Same logical data always produces identical
// bytes.
//
// For buffer-oriented operations (files, tokens):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (sockets, IPC):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// # Struct Tag Rules
//
// The struct tag on a type documents its serialization format:
//
//   - `cbor` tag: this type is ONLY ever serialized as CBOR. It will
//     never be marshaled to JSON or interact with CLI tooling.
//     Examples: access token payloads, local socket envelopes.
//   - `json` tag: this type may be serialized as BOTH JSON and CBOR.
//     fxamacker/cbor v2 reads `json` tags as fallback when `cbor`
//     tags are absent, so a single `json` tag controls field naming
//     and omitempty for both formats.
//
// Never use both `cbor` and `json` tags on the same field. The tag
// choice documents the contract — doubling up is noise that obscures
// whether a type participates in JSON serialization.
package codec
