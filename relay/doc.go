// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay routes session-control traffic between the devices of
// one account.
//
// A connection starts unauthenticated; authentication checks the
// device against the trust store. Authenticated connections announce
// roles, join and leave session rooms, and exchange remote-control
// commands with the session's executor. A closed permission table
// gates which control actions each member may issue; a rejected action
// never reaches the executor.
//
// The router holds all membership and role state under one mutex.
// Broadcast targets are snapshotted under the lock and sent to outside
// it, so a slow connection cannot stall a concurrent join.
//
// [Server] is the network front end: newline-delimited JSON messages
// over a stream listener, one read loop per connection. Routing errors
// return to the sender as ERROR messages; a dropped connection is
// removed from every room it joined.
package relay
