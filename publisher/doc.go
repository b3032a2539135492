// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// Package publisher carries committed side-effects from the daemon to
// the isolated realtime publisher process over a local length-prefixed
// binary channel, and from there to the vendor transport sidecar.
//
// The daemon side ([Client]) writes side-effect frames and tracks
// unacknowledged effect ids; after a reconnect it resends identical
// frames, giving at-least-once delivery (the remote side deduplicates
// by effect id). The publisher side ([Server]) decodes each frame,
// resolves channel and event overrides, publishes through a
// [Transport] with bounded retries, and acknowledges success or
// failure per effect. Frames on one connection are processed serially,
// which preserves per-session publish order.
package publisher
