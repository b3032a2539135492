// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// Package commitlog is the durable local write path for repositories,
// coding sessions, and session messages.
//
// Every mutation runs in one SQLite transaction and, once the
// transaction has committed, emits exactly one [Effect] to the
// configured [Sink]. An effect is never emitted for a change that did
// not durably land (publish-after-commit), and recovery or read paths
// emit nothing. Message sequence numbers are assigned inside the
// transaction, so they are gapless and monotonic per session.
//
// The sink runs on the caller's goroutine; implementations must not
// block. See the fanout package for the dispatching consumer.
package commitlog
