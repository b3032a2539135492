// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// Package fanout dispatches committed side-effects from the commit log
// to the remote stores.
//
// The sink is the commit log's consumer and must never stall it:
// Enqueue hands the effect to a bounded FIFO queue and returns;
// overflow is logged and dropped. A single dispatcher goroutine drains
// the queue, so effects for one session leave in commit order.
//
// Every effect takes the cold path, an upsert or delete against the
// durable remote store. Cold sync needs an authenticated session
// context; without one the sync is skipped and logged, to be repaired
// by full-state reconciliation after the next login. Message-append
// effects additionally take the hot path: the content is sealed under
// the session's derived key and handed to the realtime publisher on a
// session-scoped channel. Plaintext message content never leaves this
// package.
package fanout
