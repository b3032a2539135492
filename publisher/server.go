// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/tether-foundation/tether/lib/clock"
	"github.com/tether-foundation/tether/lib/config"
)

// DefaultChannel receives effects that carry no channel override.
const DefaultChannel = "device-events"

const (
	defaultMaxAttempts = 3
	defaultRetryDelay  = 500 * time.Millisecond
)

// Transport publishes one envelope to the realtime backend.
type Transport interface {
	Publish(ctx context.Context, channel, event string, payload []byte) error
}

// ServerConfig configures the publisher-process frame loop.
type ServerConfig struct {
	// Transport performs the remote publish.
	Transport Transport

	// Clock paces retry backoff.
	Clock clock.Clock

	// Routes maps effect types to channel and event overrides,
	// consulted when the effect itself carries none. Nil disables
	// route lookup.
	Routes *config.Routes

	// MaxAttempts bounds publish attempts per effect. Zero means 3.
	MaxAttempts int

	// RetryDelay separates attempts. Zero means 500ms.
	RetryDelay time.Duration

	// Logger receives per-effect outcomes. Nil discards.
	Logger *slog.Logger
}

// Server reads side-effect frames from daemon connections, publishes
// them, and writes acks. Each connection is processed serially, so
// effects keep their commit order.
type Server struct {
	cfg ServerConfig
}

// NewServer validates the configuration.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("publisher: ServerConfig.Transport is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("publisher: ServerConfig.Clock is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Server{cfg: cfg}, nil
}

// effectEnvelope is the subset of the side-effect JSON the publisher
// needs: the effect type and the optional publish overrides. Payload
// overrides are base64 in the JSON, matching []byte encoding on the
// daemon side.
type effectEnvelope struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Event   string `json:"event,omitempty"`
	Payload []byte `json:"payload,omitempty"`

	Session *struct {
		ID string `json:"id"`
	} `json:"session,omitempty"`
	Message *struct {
		SessionID string `json:"sessionId"`
	} `json:"message,omitempty"`
}

// sessionID returns the session the effect concerns, if any.
func (e *effectEnvelope) sessionID() string {
	if e.Session != nil {
		return e.Session.ID
	}
	if e.Message != nil {
		return e.Message.SessionID
	}
	return ""
}

// Serve processes frames from one daemon connection until the
// connection or the context ends.
func (s *Server) Serve(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := ReadFrame(conn)
		if err != nil {
			return err
		}
		frame, err := ParseSideEffect(data)
		if err != nil {
			// The stream is unframed garbage past this point.
			return fmt.Errorf("publisher: decoding side-effect frame: %w", err)
		}

		ack := s.publish(ctx, frame)
		encoded, err := ack.Encode()
		if err != nil {
			return err
		}
		if _, err := conn.Write(encoded); err != nil {
			return fmt.Errorf("publisher: writing ack for %s: %w", frame.EffectID, err)
		}
	}
}

// publish resolves the envelope's overrides and publishes with bounded
// retries. The returned ack always carries the frame's effect id.
func (s *Server) publish(ctx context.Context, frame *SideEffectFrame) PublishAckFrame {
	var envelope effectEnvelope
	if err := json.Unmarshal(frame.Payload, &envelope); err != nil {
		return PublishAckFrame{
			EffectID:     frame.EffectID,
			ErrorMessage: fmt.Sprintf("malformed effect envelope: %v", err),
		}
	}

	channel := envelope.Channel
	event := envelope.Event
	if channel == "" {
		if route, ok := s.cfg.Routes.Lookup(envelope.Type); ok {
			channel = strings.ReplaceAll(route.Channel, "{session_id}", envelope.sessionID())
			if event == "" {
				event = route.Event
			}
		}
	}
	if channel == "" {
		channel = DefaultChannel
	}
	if event == "" {
		event = envelope.Type
	}
	payload := envelope.Payload
	if payload == nil {
		payload = frame.Payload
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			s.cfg.Clock.Sleep(s.cfg.RetryDelay)
		}
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		lastErr = s.cfg.Transport.Publish(ctx, channel, event, payload)
		if lastErr == nil {
			s.cfg.Logger.Debug("published effect",
				"effect_id", frame.EffectID,
				"channel", channel,
				"event", event,
				"attempt", attempt,
			)
			return PublishAckFrame{EffectID: frame.EffectID, OK: true}
		}
		s.cfg.Logger.Warn("publish attempt failed",
			"effect_id", frame.EffectID,
			"channel", channel,
			"attempt", attempt,
			"error", lastErr,
		)
	}
	return PublishAckFrame{
		EffectID:     frame.EffectID,
		ErrorMessage: lastErr.Error(),
	}
}
