// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// Package presence tracks which of a user's devices are reachable.
//
// One [Actor] per user is the single authority for that user's
// presence. A goroutine owns all actor state; heartbeats, queries,
// subscriptions, and timer wakes arrive through a mailbox channel, so
// there is no lock ordering to reason about and readers never observe
// a half-applied update.
//
// Heartbeats carry a per-device sequence number. Stale sequences are
// rejected with a conflict error so a sender can detect it lost a
// race. Accepted heartbeats split into two classes: semantic changes
// (status flip, new source or TTL, first sight of a device) are
// persisted and broadcast before the ack; keep-alives update memory
// immediately but coalesce into one durable write per batch window.
// The flush deadline is fixed when the first keep-alive dirties the
// batch and does not slide under a steady heartbeat stream.
//
// A single wake timer per actor covers both the batch flush and the
// earliest device expiry. Rescheduling replaces the timer; wakes never
// stack. On expiry a device flips to offline and the transition is
// persisted and broadcast like any semantic change.
//
// External readers go through Snapshot or Subscribe. The backing
// [Store] is actor-private; reading it directly would see batched
// keep-alives late.
package presence
