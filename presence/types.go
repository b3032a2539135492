// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package presence

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Status is a device's reachability state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusAway    Status = "away"
)

// Valid reports whether s is a known status. The set is closed.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusAway:
		return true
	}
	return false
}

// Errors returned by Actor.Heartbeat.
var (
	// ErrInvalidHeartbeat rejects malformed input synchronously.
	ErrInvalidHeartbeat = errors.New("presence: invalid heartbeat")

	// ErrStaleSequence rejects a heartbeat whose Seq does not advance
	// the stored sequence. Distinct from validation errors so the
	// sender can tell it lost a race (or a duplicate was replayed).
	ErrStaleSequence = errors.New("presence: stale heartbeat sequence")

	// ErrActorClosed is returned once the actor has shut down.
	ErrActorClosed = errors.New("presence: actor closed")
)

// Heartbeat is one device's liveness report.
type Heartbeat struct {
	DeviceID uuid.UUID
	Seq      uint64
	Status   Status
	Source   string
	SentAtMS int64
	TTLMS    int64
}

// Validate checks the heartbeat's fields. Sequence comparison against
// stored state happens in the actor, not here.
func (h Heartbeat) Validate() error {
	if h.DeviceID == uuid.Nil {
		return fmt.Errorf("%w: zero device id", ErrInvalidHeartbeat)
	}
	if h.Seq == 0 {
		return fmt.Errorf("%w: sequence must be positive", ErrInvalidHeartbeat)
	}
	if !h.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidHeartbeat, h.Status)
	}
	if h.SentAtMS <= 0 {
		return fmt.Errorf("%w: sentAtMs must be positive", ErrInvalidHeartbeat)
	}
	if h.TTLMS <= 0 {
		return fmt.Errorf("%w: ttlMs must be positive", ErrInvalidHeartbeat)
	}
	return nil
}

// Record is the current presence state of one device.
type Record struct {
	DeviceID      uuid.UUID `json:"deviceId"`
	Status        Status    `json:"status"`
	Seq           uint64    `json:"seq"`
	SentAtMS      int64     `json:"sentAtMs"`
	TTLMS         int64     `json:"ttlMs"`
	Source        string    `json:"source"`
	LastOfflineMS int64     `json:"lastOfflineMs,omitempty"`
}

// expiresAtMS is the instant the record's TTL runs out.
func (r Record) expiresAtMS() int64 {
	return r.SentAtMS + r.TTLMS
}

// EventKind distinguishes subscription events.
type EventKind string

const (
	// EventSnapshot is the first event on every subscription: the
	// full in-memory state at subscribe time.
	EventSnapshot EventKind = "snapshot"

	// EventUpdate follows every accepted heartbeat or expiry
	// transition, carrying the affected record.
	EventUpdate EventKind = "update"
)

// Event is one message on a subscription channel.
type Event struct {
	Kind    EventKind `json:"kind"`
	Records []Record  `json:"records,omitempty"`
	Record  *Record   `json:"record,omitempty"`
}
