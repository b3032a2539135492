// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package commitlog

import (
	"sync"

	"github.com/google/uuid"
)

// EffectType identifies what kind of committed mutation an Effect
// describes.
type EffectType string

const (
	EffectRepositoryCreated  EffectType = "repository_created"
	EffectRepositoryDeleted  EffectType = "repository_deleted"
	EffectSessionCreated     EffectType = "session_created"
	EffectSessionUpdated     EffectType = "session_updated"
	EffectSessionClosed      EffectType = "session_closed"
	EffectSessionDeleted     EffectType = "session_deleted"
	EffectMessageAppended    EffectType = "message_appended"
	EffectAgentStatusChanged EffectType = "agent_status_changed"
)

// Effect is the side-effect envelope emitted after a mutation commits.
// Exactly one of Repository, Session, or Message is set, matching the
// effect type. EffectID is unique per emission and is the idempotency
// key for at-least-once delivery downstream.
type Effect struct {
	Type       EffectType  `json:"type"`
	EffectID   uuid.UUID   `json:"effectId"`
	Repository *Repository `json:"repository,omitempty"`
	Session    *Session    `json:"session,omitempty"`
	Message    *Message    `json:"message,omitempty"`

	// Channel, Event, and Payload override where and how the effect is
	// published. When empty the publisher uses its default
	// device-events channel and the effect type as the event name.
	Channel string `json:"channel,omitempty"`
	Event   string `json:"event,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}

// Sink receives effects after their transactions commit. Emit is
// called from the mutating goroutine and must not block.
type Sink interface {
	Emit(effect Effect)
}

// NullSink discards all effects.
type NullSink struct{}

// Emit implements Sink.
func (NullSink) Emit(Effect) {}

// RecordingSink collects emitted effects for tests.
type RecordingSink struct {
	mu      sync.Mutex
	effects []Effect
}

// Emit implements Sink.
func (s *RecordingSink) Emit(effect Effect) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.effects = append(s.effects, effect)
}

// Effects returns a copy of everything emitted so far, in order.
func (s *RecordingSink) Effects() []Effect {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Effect(nil), s.effects...)
}

// Reset discards recorded effects.
func (s *RecordingSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.effects = nil
}
