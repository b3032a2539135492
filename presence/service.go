// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package presence

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/tether-foundation/tether/lib/accesstoken"
	"github.com/tether-foundation/tether/lib/clock"
)

// Scopes checked by the presence endpoints.
const (
	ScopeWrite = "presence:write"
	ScopeRead  = "presence:read"
)

// heartbeatSchemaVersion is the envelope version this build accepts.
const heartbeatSchemaVersion = 1

// ServiceConfig configures the presence HTTP service.
type ServiceConfig struct {
	// Registry supplies per-user actors.
	Registry *Registry

	// VerifyKey checks access token signatures.
	VerifyKey ed25519.PublicKey

	// Clock supplies time for token expiry checks.
	Clock clock.Clock

	// Logger receives request-level warnings. Nil discards.
	Logger *slog.Logger
}

// Service exposes heartbeat ingestion and the presence event stream
// over HTTP. Every request carries a bearer access token scoped to the
// user it reads or writes.
type Service struct {
	cfg ServiceConfig
}

// NewService validates the configuration.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("presence: ServiceConfig.Registry is required")
	}
	if len(cfg.VerifyKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("presence: ServiceConfig.VerifyKey must be %d bytes", ed25519.PublicKeySize)
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("presence: ServiceConfig.Clock is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Service{cfg: cfg}, nil
}

// Register installs the presence routes on a mux.
func (s *Service) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/presence/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("GET /v1/presence/stream", s.handleStream)
}

// heartbeatEnvelope is the client-facing heartbeat request body.
type heartbeatEnvelope struct {
	SchemaVersion int       `json:"schema_version"`
	UserID        string    `json:"user_id"`
	DeviceID      uuid.UUID `json:"device_id"`
	Status        Status    `json:"status"`
	Source        string    `json:"source"`
	SentAtMS      int64     `json:"sent_at_ms"`
	Seq           uint64    `json:"seq"`
	TTLMS         int64     `json:"ttl_ms"`
}

func (s *Service) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var envelope heartbeatEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		http.Error(w, "malformed heartbeat envelope", http.StatusBadRequest)
		return
	}
	if envelope.SchemaVersion != heartbeatSchemaVersion {
		http.Error(w, fmt.Sprintf("unsupported schema_version %d", envelope.SchemaVersion), http.StatusBadRequest)
		return
	}
	if envelope.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if !s.authorize(w, r, envelope.UserID, ScopeWrite) {
		return
	}

	actor, err := s.cfg.Registry.Actor(r.Context(), envelope.UserID)
	if err != nil {
		s.cfg.Logger.Error("presence actor unavailable",
			"user_id", envelope.UserID,
			"error", err,
		)
		http.Error(w, "presence unavailable", http.StatusInternalServerError)
		return
	}

	err = actor.Heartbeat(r.Context(), Heartbeat{
		DeviceID: envelope.DeviceID,
		Seq:      envelope.Seq,
		Status:   envelope.Status,
		Source:   envelope.Source,
		SentAtMS: envelope.SentAtMS,
		TTLMS:    envelope.TTLMS,
	})
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ErrStaleSequence):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrInvalidHeartbeat):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.cfg.Logger.Error("heartbeat failed",
			"user_id", envelope.UserID,
			"device_id", envelope.DeviceID,
			"error", err,
		)
		http.Error(w, "heartbeat failed", http.StatusInternalServerError)
	}
}

func (s *Service) handleStream(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if !s.authorize(w, r, userID, ScopeRead) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	actor, err := s.cfg.Registry.Actor(r.Context(), userID)
	if err != nil {
		http.Error(w, "presence unavailable", http.StatusInternalServerError)
		return
	}
	subscription, err := actor.Subscribe(r.Context(), 32)
	if err != nil {
		http.Error(w, "presence unavailable", http.StatusInternalServerError)
		return
	}
	defer actor.Unsubscribe(r.Context(), subscription.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case event, open := <-subscription.Events:
			if !open {
				// Actor shut down or this subscriber fell behind.
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				s.cfg.Logger.Error("encoding presence event", "error", err)
				return
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, payload); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// authorize verifies the bearer token for subject + scope. Writes the
// 401 itself and returns false on failure.
func (s *Service) authorize(w http.ResponseWriter, r *http.Request, subject, scope string) bool {
	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return false
	}
	tokenBytes, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		http.Error(w, "malformed bearer token", http.StatusUnauthorized)
		return false
	}
	if _, err := accesstoken.VerifyScopeAt(s.cfg.VerifyKey, tokenBytes, subject, scope, s.cfg.Clock.Now()); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}
