// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package fanout

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/tether-foundation/tether/commitlog"
	"github.com/tether-foundation/tether/lib/hybrid"
)

const (
	defaultQueueSize         = 256
	defaultCompressThreshold = 4096
)

// AuthContext is the remote-store session the cold path writes under.
type AuthContext struct {
	SessionToken string
	UserID       string
}

// ColdRecord is one effect prepared for the durable remote store.
// Payload is the JSON effect envelope, zstd-compressed when it
// exceeded the sink's threshold.
type ColdRecord struct {
	EffectID   uuid.UUID
	Type       commitlog.EffectType
	Payload    []byte
	Compressed bool
}

// ColdStore is the durable remote store behind the cold path.
type ColdStore interface {
	Upsert(ctx context.Context, auth AuthContext, record ColdRecord) error
	Delete(ctx context.Context, auth AuthContext, record ColdRecord) error
}

// HotPublisher hands a publish envelope to the realtime publisher.
// *publisher.Client satisfies it.
type HotPublisher interface {
	Send(effectID uuid.UUID, payload []byte) error
}

// Config configures a Sink.
type Config struct {
	// ColdStore receives every effect.
	ColdStore ColdStore

	// Publisher receives sealed message envelopes. Nil disables the
	// hot path.
	Publisher HotPublisher

	// Keys derives per-session sealing keys.
	Keys KeyProvider

	// QueueSize bounds the effect queue. Zero means 256.
	QueueSize int

	// CompressThreshold is the cold payload size above which zstd
	// compression applies. Zero means 4096.
	CompressThreshold int

	// Logger receives drop and dispatch warnings. Nil discards.
	Logger *slog.Logger
}

// Sink is the commit log's side-effect consumer. It implements
// commitlog.Sink.
type Sink struct {
	cfg     Config
	encoder *zstd.Encoder

	mu     sync.RWMutex
	auth   *AuthContext
	closed bool

	queue chan commitlog.Effect
	done  chan struct{}
}

// New starts the dispatcher goroutine.
func New(cfg Config) (*Sink, error) {
	if cfg.ColdStore == nil {
		return nil, fmt.Errorf("fanout: Config.ColdStore is required")
	}
	if cfg.Keys == nil {
		return nil, fmt.Errorf("fanout: Config.Keys is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.CompressThreshold <= 0 {
		cfg.CompressThreshold = defaultCompressThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("fanout: initializing zstd encoder: %w", err)
	}

	sink := &Sink{
		cfg:     cfg,
		encoder: encoder,
		queue:   make(chan commitlog.Effect, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	go sink.run()
	return sink, nil
}

// SetAuth installs the remote-store session context. Pass nil on
// logout; cold syncs are skipped until the next SetAuth.
func (s *Sink) SetAuth(auth *AuthContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if auth == nil {
		s.auth = nil
		return
	}
	copied := *auth
	s.auth = &copied
}

// Emit implements commitlog.Sink. It never blocks: when the queue is
// full the effect is dropped and logged, and reconciliation repairs
// the remote store later.
func (s *Sink) Emit(effect commitlog.Effect) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.cfg.Logger.Warn("dropping effect after close",
			"effect_id", effect.EffectID,
			"type", effect.Type,
		)
		return
	}
	select {
	case s.queue <- effect:
	default:
		s.cfg.Logger.Warn("effect queue full, dropping effect",
			"effect_id", effect.EffectID,
			"type", effect.Type,
		)
	}
}

// Close drains the queue and stops the dispatcher.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	<-s.done
}

// run is the single dispatcher goroutine. FIFO draining keeps
// per-session publish order equal to commit order.
func (s *Sink) run() {
	defer close(s.done)
	for effect := range s.queue {
		s.dispatchCold(effect)
		if effect.Type == commitlog.EffectMessageAppended {
			s.dispatchHot(effect)
		}
	}
}

func (s *Sink) dispatchCold(effect commitlog.Effect) {
	s.mu.RLock()
	auth := s.auth
	s.mu.RUnlock()
	if auth == nil {
		s.cfg.Logger.Info("no auth context, skipping cold sync",
			"effect_id", effect.EffectID,
			"type", effect.Type,
		)
		return
	}

	record, err := s.coldRecord(effect)
	if err != nil {
		s.cfg.Logger.Error("building cold record",
			"effect_id", effect.EffectID,
			"error", err,
		)
		return
	}

	ctx := context.Background()
	switch effect.Type {
	case commitlog.EffectRepositoryDeleted, commitlog.EffectSessionDeleted:
		err = s.cfg.ColdStore.Delete(ctx, *auth, record)
	default:
		err = s.cfg.ColdStore.Upsert(ctx, *auth, record)
	}
	if err != nil {
		s.cfg.Logger.Warn("cold sync failed",
			"effect_id", effect.EffectID,
			"type", effect.Type,
			"error", err,
		)
	}
}

// coldRecord serializes an effect for the remote store. Message
// content is sealed first; the plaintext never leaves the daemon.
func (s *Sink) coldRecord(effect commitlog.Effect) (ColdRecord, error) {
	if effect.Type == commitlog.EffectMessageAppended && effect.Message != nil {
		sealed, err := s.sealContent(effect.Message.SessionID.String(), effect.Message.Content)
		if err != nil {
			return ColdRecord{}, err
		}
		messageCopy := *effect.Message
		messageCopy.Content = sealed.combined()
		effect.Message = &messageCopy
	}

	payload, err := json.Marshal(effect)
	if err != nil {
		return ColdRecord{}, fmt.Errorf("encoding effect: %w", err)
	}

	record := ColdRecord{
		EffectID: effect.EffectID,
		Type:     effect.Type,
		Payload:  payload,
	}
	if len(payload) > s.cfg.CompressThreshold {
		record.Payload = s.encoder.EncodeAll(payload, nil)
		record.Compressed = true
	}
	return record, nil
}

// hotMessage is the realtime publish payload for one sealed message.
type hotMessage struct {
	SessionID        string `json:"sessionId"`
	MessageID        string `json:"messageId"`
	SequenceNumber   int64  `json:"sequenceNumber"`
	SenderDeviceID   string `json:"senderDeviceId"`
	CreatedAtMS      int64  `json:"createdAtMs"`
	EncryptionAlg    string `json:"encryptionAlg"`
	ContentEncrypted string `json:"contentEncrypted"`
	ContentNonce     string `json:"contentNonce"`
}

func (s *Sink) dispatchHot(effect commitlog.Effect) {
	if s.cfg.Publisher == nil || effect.Message == nil {
		return
	}
	message := effect.Message

	sealed, err := s.sealContent(message.SessionID.String(), message.Content)
	if err != nil {
		s.cfg.Logger.Error("sealing message for realtime publish",
			"effect_id", effect.EffectID,
			"session_id", message.SessionID,
			"error", err,
		)
		return
	}

	payload, err := json.Marshal(hotMessage{
		SessionID:        message.SessionID.String(),
		MessageID:        message.ID.String(),
		SequenceNumber:   message.SequenceNumber,
		SenderDeviceID:   message.SenderDeviceID.String(),
		CreatedAtMS:      message.CreatedAtMS,
		EncryptionAlg:    "chacha20poly1305",
		ContentEncrypted: base64.StdEncoding.EncodeToString(sealed.box),
		ContentNonce:     base64.StdEncoding.EncodeToString(sealed.nonce[:]),
	})
	if err != nil {
		s.cfg.Logger.Error("encoding realtime payload", "error", err)
		return
	}

	// Messages ride a session-scoped channel, not the generic
	// device-events channel.
	envelope, err := json.Marshal(commitlog.Effect{
		Type:     effect.Type,
		EffectID: effect.EffectID,
		Channel:  "session:" + message.SessionID.String(),
		Event:    "message",
		Payload:  payload,
	})
	if err != nil {
		s.cfg.Logger.Error("encoding publish envelope", "error", err)
		return
	}
	if err := s.cfg.Publisher.Send(effect.EffectID, envelope); err != nil {
		s.cfg.Logger.Warn("handing effect to publisher",
			"effect_id", effect.EffectID,
			"error", err,
		)
	}
}

type sealedContent struct {
	nonce [hybrid.NonceSize]byte
	box   []byte
}

// combined returns nonce‖ciphertext‖tag for single-field storage.
func (c sealedContent) combined() []byte {
	out := make([]byte, 0, len(c.nonce)+len(c.box))
	out = append(out, c.nonce[:]...)
	return append(out, c.box...)
}

func (s *Sink) sealContent(sessionID string, content []byte) (sealedContent, error) {
	key, err := s.cfg.Keys.SessionKey(sessionID)
	if err != nil {
		return sealedContent{}, err
	}
	nonce, box, err := hybrid.Seal(content, key, nil)
	if err != nil {
		return sealedContent{}, fmt.Errorf("sealing content: %w", err)
	}
	return sealedContent{nonce: nonce, box: box}, nil
}
