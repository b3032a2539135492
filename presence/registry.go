// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tether-foundation/tether/lib/clock"
)

// RegistryConfig configures a Registry and the actors it creates.
type RegistryConfig struct {
	Store       Store
	Clock       clock.Clock
	Logger      *slog.Logger
	BatchWindow time.Duration
}

// Registry is an addressable actor-per-user map with lazy creation.
type Registry struct {
	cfg RegistryConfig

	mu     sync.Mutex
	actors map[string]*Actor
	closed bool
}

// NewRegistry validates the configuration shared by all actors.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("presence: RegistryConfig.Store is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("presence: RegistryConfig.Clock is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		cfg:    cfg,
		actors: make(map[string]*Actor),
	}, nil
}

// Actor returns the user's actor, creating and rehydrating it on
// first use.
func (r *Registry) Actor(ctx context.Context, userID string) (*Actor, error) {
	if userID == "" {
		return nil, fmt.Errorf("presence: user id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrActorClosed
	}
	if actor, ok := r.actors[userID]; ok {
		return actor, nil
	}
	actor, err := NewActor(ctx, ActorConfig{
		UserID:      userID,
		Store:       r.cfg.Store,
		Clock:       r.cfg.Clock,
		Logger:      r.cfg.Logger,
		BatchWindow: r.cfg.BatchWindow,
	})
	if err != nil {
		return nil, err
	}
	r.actors[userID] = actor
	return actor, nil
}

// Shutdown stops every actor, flushing pending batches. The registry
// rejects new actors afterward.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	actors := make([]*Actor, 0, len(r.actors))
	for _, actor := range r.actors {
		actors = append(actors, actor)
	}
	r.actors = make(map[string]*Actor)
	r.mu.Unlock()

	var firstErr error
	for _, actor := range actors {
		if err := actor.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("presence: shutting down actor %s: %w", actor.UserID(), err)
		}
	}
	return firstErr
}
