// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package fanout

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/tether-foundation/tether/commitlog"
	"github.com/tether-foundation/tether/lib/hybrid"
	"github.com/tether-foundation/tether/lib/testutil"
)

// fakeColdStore records cold-path calls and can block to back up the
// dispatcher.
type fakeColdStore struct {
	mu      sync.Mutex
	upserts []ColdRecord
	deletes []ColdRecord
	auths   []AuthContext
	calls   chan ColdRecord
	gate    chan struct{}
}

func newFakeColdStore() *fakeColdStore {
	return &fakeColdStore{calls: make(chan ColdRecord, 32)}
}

func (f *fakeColdStore) record(auth AuthContext, record ColdRecord, isDelete bool) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	f.auths = append(f.auths, auth)
	if isDelete {
		f.deletes = append(f.deletes, record)
	} else {
		f.upserts = append(f.upserts, record)
	}
	f.mu.Unlock()
	f.calls <- record
	return nil
}

func (f *fakeColdStore) Upsert(_ context.Context, auth AuthContext, record ColdRecord) error {
	return f.record(auth, record, false)
}

func (f *fakeColdStore) Delete(_ context.Context, auth AuthContext, record ColdRecord) error {
	return f.record(auth, record, true)
}

func (f *fakeColdStore) waitForCall(t *testing.T) ColdRecord {
	t.Helper()
	return testutil.RequireReceive(t, f.calls, 5*time.Second, "waiting for cold store call")
}

// fakePublisher collects hot-path envelopes.
type fakePublisher struct {
	sends chan sentEnvelope
}

type sentEnvelope struct {
	EffectID uuid.UUID
	Payload  []byte
}

func (f *fakePublisher) Send(effectID uuid.UUID, payload []byte) error {
	f.sends <- sentEnvelope{EffectID: effectID, Payload: payload}
	return nil
}

// fixedKeys returns the same 32-byte key for every session.
type fixedKeys struct{ key []byte }

func (k fixedKeys) SessionKey(string) ([]byte, error) {
	return k.key, nil
}

func testKey() []byte {
	key := make([]byte, hybrid.KeySize)
	for index := range key {
		key[index] = byte(index + 1)
	}
	return key
}

func newTestSink(t *testing.T, store ColdStore, pub HotPublisher, queueSize int) *Sink {
	t.Helper()
	sink, err := New(Config{
		ColdStore: store,
		Publisher: pub,
		Keys:      fixedKeys{key: testKey()},
		QueueSize: queueSize,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(sink.Close)
	return sink
}

func sessionEffect(effectType commitlog.EffectType) commitlog.Effect {
	return commitlog.Effect{
		Type:     effectType,
		EffectID: uuid.New(),
		Session:  &commitlog.Session{ID: uuid.New(), Title: "session"},
	}
}

func messageEffect(content []byte) commitlog.Effect {
	return commitlog.Effect{
		Type:     commitlog.EffectMessageAppended,
		EffectID: uuid.New(),
		Message: &commitlog.Message{
			ID:             uuid.New(),
			SessionID:      uuid.New(),
			SequenceNumber: 7,
			SenderDeviceID: uuid.New(),
			Content:        content,
			CreatedAtMS:    1234,
		},
	}
}

func TestColdSyncSkippedWithoutAuth(t *testing.T) {
	store := newFakeColdStore()
	sink := newTestSink(t, store, nil, 8)

	sink.Emit(sessionEffect(commitlog.EffectSessionCreated))
	sink.Close()

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.upserts)+len(store.deletes) != 0 {
		t.Fatalf("cold store called without auth: %d upserts, %d deletes",
			len(store.upserts), len(store.deletes))
	}
}

func TestColdSyncUpsertsAndDeletes(t *testing.T) {
	store := newFakeColdStore()
	sink := newTestSink(t, store, nil, 8)
	sink.SetAuth(&AuthContext{SessionToken: "tok", UserID: "user-1"})

	created := sessionEffect(commitlog.EffectSessionCreated)
	deleted := sessionEffect(commitlog.EffectSessionDeleted)
	sink.Emit(created)
	sink.Emit(deleted)
	store.waitForCall(t)
	store.waitForCall(t)

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.upserts) != 1 || store.upserts[0].EffectID != created.EffectID {
		t.Fatalf("upserts = %+v", store.upserts)
	}
	if len(store.deletes) != 1 || store.deletes[0].EffectID != deleted.EffectID {
		t.Fatalf("deletes = %+v", store.deletes)
	}
	for _, auth := range store.auths {
		if auth.UserID != "user-1" || auth.SessionToken != "tok" {
			t.Fatalf("auth = %+v", auth)
		}
	}

	// Small payloads stay uncompressed JSON.
	record := store.upserts[0]
	if record.Compressed {
		t.Fatal("small payload was compressed")
	}
	var effect commitlog.Effect
	if err := json.Unmarshal(record.Payload, &effect); err != nil {
		t.Fatalf("cold payload is not the effect JSON: %v", err)
	}
	if effect.Type != commitlog.EffectSessionCreated {
		t.Fatalf("cold payload type = %s", effect.Type)
	}
}

func TestColdPayloadCompression(t *testing.T) {
	store := newFakeColdStore()
	sink, err := New(Config{
		ColdStore:         store,
		Keys:              fixedKeys{key: testKey()},
		CompressThreshold: 64,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(sink.Close)
	sink.SetAuth(&AuthContext{SessionToken: "tok", UserID: "user-1"})

	effect := sessionEffect(commitlog.EffectSessionCreated)
	effect.Session.Title = string(bytes.Repeat([]byte("long title "), 50))
	sink.Emit(effect)
	record := store.waitForCall(t)

	if !record.Compressed {
		t.Fatal("large payload was not compressed")
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer decoder.Close()
	payload, err := decoder.DecodeAll(record.Payload, nil)
	if err != nil {
		t.Fatalf("decompressing cold payload: %v", err)
	}
	var decoded commitlog.Effect
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("decoding decompressed payload: %v", err)
	}
	if decoded.Session.Title != effect.Session.Title {
		t.Fatal("decompressed payload lost the title")
	}
}

func TestHotPathSealsMessageContent(t *testing.T) {
	store := newFakeColdStore()
	pub := &fakePublisher{sends: make(chan sentEnvelope, 8)}
	sink := newTestSink(t, store, pub, 8)
	sink.SetAuth(&AuthContext{SessionToken: "tok", UserID: "user-1"})

	plaintext := []byte("run the tests and report back")
	effect := messageEffect(plaintext)
	sink.Emit(effect)

	sent := testutil.RequireReceive(t, pub.sends, 5*time.Second, "waiting for hot publish")
	if sent.EffectID != effect.EffectID {
		t.Fatalf("publish effect id = %s, want %s", sent.EffectID, effect.EffectID)
	}

	var envelope commitlog.Effect
	if err := json.Unmarshal(sent.Payload, &envelope); err != nil {
		t.Fatalf("decoding publish envelope: %v", err)
	}
	wantChannel := "session:" + effect.Message.SessionID.String()
	if envelope.Channel != wantChannel || envelope.Event != "message" {
		t.Fatalf("override = %s/%s, want %s/message", envelope.Channel, envelope.Event, wantChannel)
	}
	if bytes.Contains(sent.Payload, plaintext) {
		t.Fatal("publish envelope contains plaintext")
	}

	var hot hotMessage
	if err := json.Unmarshal(envelope.Payload, &hot); err != nil {
		t.Fatalf("decoding hot payload: %v", err)
	}
	if hot.EncryptionAlg != "chacha20poly1305" {
		t.Fatalf("encryptionAlg = %s", hot.EncryptionAlg)
	}
	if hot.SessionID != effect.Message.SessionID.String() || hot.SequenceNumber != 7 {
		t.Fatalf("hot payload = %+v", hot)
	}

	nonce, err := base64.StdEncoding.DecodeString(hot.ContentNonce)
	if err != nil {
		t.Fatalf("decoding nonce: %v", err)
	}
	box, err := base64.StdEncoding.DecodeString(hot.ContentEncrypted)
	if err != nil {
		t.Fatalf("decoding ciphertext: %v", err)
	}
	opened, err := hybrid.Open(nonce, box, testKey(), nil)
	if err != nil {
		t.Fatalf("opening sealed content: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("opened = %q, want %q", opened, plaintext)
	}
}

func TestColdPathSealsMessageContent(t *testing.T) {
	store := newFakeColdStore()
	sink := newTestSink(t, store, nil, 8)
	sink.SetAuth(&AuthContext{SessionToken: "tok", UserID: "user-1"})

	plaintext := []byte("apply the migration")
	sink.Emit(messageEffect(plaintext))
	record := store.waitForCall(t)

	if bytes.Contains(record.Payload, plaintext) {
		t.Fatal("cold payload contains plaintext")
	}
	var effect commitlog.Effect
	if err := json.Unmarshal(record.Payload, &effect); err != nil {
		t.Fatalf("decoding cold payload: %v", err)
	}
	content := effect.Message.Content
	if len(content) <= hybrid.NonceSize {
		t.Fatalf("sealed content is %d bytes", len(content))
	}
	opened, err := hybrid.Open(content[:hybrid.NonceSize], content[hybrid.NonceSize:], testKey(), nil)
	if err != nil {
		t.Fatalf("opening sealed content: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("opened = %q, want %q", opened, plaintext)
	}
}

func TestHotPublishOrderMatchesCommitOrder(t *testing.T) {
	store := newFakeColdStore()
	pub := &fakePublisher{sends: make(chan sentEnvelope, 16)}
	sink := newTestSink(t, store, pub, 16)
	sink.SetAuth(&AuthContext{SessionToken: "tok", UserID: "user-1"})

	sessionID := uuid.New()
	for seq := int64(1); seq <= 5; seq++ {
		effect := messageEffect([]byte("m"))
		effect.Message.SessionID = sessionID
		effect.Message.SequenceNumber = seq
		sink.Emit(effect)
	}

	for want := int64(1); want <= 5; want++ {
		sent := testutil.RequireReceive(t, pub.sends, 5*time.Second, "waiting for publish %d", want)
		var envelope commitlog.Effect
		if err := json.Unmarshal(sent.Payload, &envelope); err != nil {
			t.Fatalf("decoding envelope: %v", err)
		}
		var hot hotMessage
		if err := json.Unmarshal(envelope.Payload, &hot); err != nil {
			t.Fatalf("decoding hot payload: %v", err)
		}
		if hot.SequenceNumber != want {
			t.Fatalf("publish order: got seq %d, want %d", hot.SequenceNumber, want)
		}
	}
}

func TestEnqueueOverflowDropsWithoutBlocking(t *testing.T) {
	store := newFakeColdStore()
	store.gate = make(chan struct{})
	sink := newTestSink(t, store, nil, 1)
	sink.SetAuth(&AuthContext{SessionToken: "tok", UserID: "user-1"})

	// First effect occupies the dispatcher (blocked in the cold
	// store), second fills the queue, third must drop immediately.
	sink.Emit(sessionEffect(commitlog.EffectSessionCreated))
	// Give the dispatcher time to pick up the first effect and block,
	// freeing the queue slot for the second.
	time.Sleep(10 * time.Millisecond)
	sink.Emit(sessionEffect(commitlog.EffectSessionUpdated))

	done := make(chan struct{})
	go func() {
		sink.Emit(sessionEffect(commitlog.EffectSessionClosed))
		close(done)
	}()
	testutil.RequireClosed(t, done, time.Second, "Emit blocked on a full queue")

	close(store.gate)
	store.waitForCall(t)
	store.waitForCall(t)
	sink.Close()

	store.mu.Lock()
	defer store.mu.Unlock()
	if total := len(store.upserts) + len(store.deletes); total != 2 {
		t.Fatalf("cold calls = %d, want 2 (third effect dropped)", total)
	}
}

func TestCloseDrainsQueue(t *testing.T) {
	store := newFakeColdStore()
	sink := newTestSink(t, store, nil, 32)
	sink.SetAuth(&AuthContext{SessionToken: "tok", UserID: "user-1"})

	for index := 0; index < 10; index++ {
		sink.Emit(sessionEffect(commitlog.EffectSessionUpdated))
	}
	sink.Close()

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.upserts) != 10 {
		t.Fatalf("upserts after Close = %d, want 10", len(store.upserts))
	}
}
