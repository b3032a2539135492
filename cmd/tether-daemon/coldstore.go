// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/tether-foundation/tether/fanout"
	"github.com/tether-foundation/tether/lib/config"
	"github.com/tether-foundation/tether/publisher"
)

// openColdStore connects the cold path to the network sidecar. A
// missing sidecar socket degrades to a dropping store in development
// and is fatal in production.
func openColdStore(cfg *config.Config, logger *slog.Logger) (fanout.ColdStore, error) {
	conn, err := net.Dial("unix", cfg.Publisher.SidecarSocketPath)
	if err != nil {
		if cfg.Publisher.AllowMissingSidecar {
			logger.Warn("sidecar unavailable; cold records will be dropped",
				"socket", cfg.Publisher.SidecarSocketPath,
				"error", err,
			)
			return &droppingColdStore{logger: logger}, nil
		}
		return nil, fmt.Errorf("dialing sidecar: %w", err)
	}

	transport, err := publisher.NewSidecar(publisher.SidecarConfig{
		Conn:           conn,
		PublishTimeout: time.Duration(cfg.Publisher.PublishTimeoutMS) * time.Millisecond,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	return &sidecarColdStore{transport: transport}, nil
}

// coldWireRecord is the sidecar body for one cold-store write. The
// session token rides inside the body so the remote store can enforce
// row ownership.
type coldWireRecord struct {
	UserID       string    `json:"userId"`
	SessionToken string    `json:"sessionToken"`
	EffectID     uuid.UUID `json:"effectId"`
	Type         string    `json:"type"`
	Payload      []byte    `json:"payload,omitempty"`
	Compressed   bool      `json:"compressed,omitempty"`
}

// sidecarColdStore sends cold records through the vendor sidecar, the
// daemon's single network egress for remote storage.
type sidecarColdStore struct {
	transport *publisher.Sidecar
}

func (s *sidecarColdStore) Upsert(ctx context.Context, auth fanout.AuthContext, record fanout.ColdRecord) error {
	return s.send(ctx, "upsert", auth, record)
}

func (s *sidecarColdStore) Delete(ctx context.Context, auth fanout.AuthContext, record fanout.ColdRecord) error {
	return s.send(ctx, "delete", auth, record)
}

func (s *sidecarColdStore) send(ctx context.Context, event string, auth fanout.AuthContext, record fanout.ColdRecord) error {
	body, err := json.Marshal(coldWireRecord{
		UserID:       auth.UserID,
		SessionToken: auth.SessionToken,
		EffectID:     record.EffectID,
		Type:         string(record.Type),
		Payload:      record.Payload,
		Compressed:   record.Compressed,
	})
	if err != nil {
		return err
	}
	return s.transport.Publish(ctx, "cold-store", event, body)
}

// droppingColdStore counts and discards cold records. Development
// only; reconciliation against the commit log repairs the remote store
// once a sidecar is available.
type droppingColdStore struct {
	logger *slog.Logger
}

func (d *droppingColdStore) Upsert(_ context.Context, _ fanout.AuthContext, record fanout.ColdRecord) error {
	d.logger.Debug("dropping cold upsert", "effect_id", record.EffectID, "type", record.Type)
	return nil
}

func (d *droppingColdStore) Delete(_ context.Context, _ fanout.AuthContext, record fanout.ColdRecord) error {
	d.logger.Debug("dropping cold delete", "effect_id", record.EffectID, "type", record.Type)
	return nil
}
