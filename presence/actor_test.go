// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tether-foundation/tether/lib/clock"
	"github.com/tether-foundation/tether/lib/testutil"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeStore is an in-memory Store that records every Save call and
// signals them on a channel so tests can wait for timer-driven writes.
type fakeStore struct {
	mu      sync.Mutex
	records map[string]map[uuid.UUID]Record
	saves   [][]Record
	saveCh  chan []Record
	failing bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records: make(map[string]map[uuid.UUID]Record),
		saveCh:  make(chan []Record, 16),
	}
}

func (s *fakeStore) Load(_ context.Context, userID string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var records []Record
	for _, record := range s.records[userID] {
		records = append(records, record)
	}
	return records, nil
}

func (s *fakeStore) Save(_ context.Context, userID string, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("fake store unavailable")
	}
	if s.records[userID] == nil {
		s.records[userID] = make(map[uuid.UUID]Record)
	}
	for _, record := range records {
		s.records[userID][record.DeviceID] = record
	}
	batch := append([]Record(nil), records...)
	s.saves = append(s.saves, batch)
	select {
	case s.saveCh <- batch:
	default:
	}
	return nil
}

func (s *fakeStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saves)
}

func (s *fakeStore) waitForSave(t *testing.T) []Record {
	t.Helper()
	return testutil.RequireReceive(t, s.saveCh, 5*time.Second, "waiting for a durable write")
}

func newTestActor(t *testing.T, store Store, clk clock.Clock, window time.Duration) *Actor {
	t.Helper()
	actor, err := NewActor(context.Background(), ActorConfig{
		UserID:      "user-1",
		Store:       store,
		Clock:       clk,
		BatchWindow: window,
	})
	if err != nil {
		t.Fatalf("NewActor: %v", err)
	}
	t.Cleanup(func() { actor.Shutdown(context.Background()) })
	return actor
}

func onlineHeartbeat(deviceID uuid.UUID, seq uint64, sentAtMS int64) Heartbeat {
	return Heartbeat{
		DeviceID: deviceID,
		Seq:      seq,
		Status:   StatusOnline,
		Source:   "mobile",
		SentAtMS: sentAtMS,
		TTLMS:    60_000,
	}
}

func TestHeartbeatMonotonicity(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(testEpoch)
	actor := newTestActor(t, newFakeStore(), clk, time.Second)
	deviceID := uuid.New()
	nowMS := clk.Now().UnixMilli()

	if err := actor.Heartbeat(ctx, onlineHeartbeat(deviceID, 2, nowMS)); err != nil {
		t.Fatalf("Heartbeat seq=2: %v", err)
	}
	if err := actor.Heartbeat(ctx, onlineHeartbeat(deviceID, 2, nowMS+1)); !errors.Is(err, ErrStaleSequence) {
		t.Fatalf("replayed seq=2: got %v, want ErrStaleSequence", err)
	}
	if err := actor.Heartbeat(ctx, onlineHeartbeat(deviceID, 1, nowMS+2)); !errors.Is(err, ErrStaleSequence) {
		t.Fatalf("out-of-order seq=1: got %v, want ErrStaleSequence", err)
	}
	if err := actor.Heartbeat(ctx, onlineHeartbeat(deviceID, 3, nowMS+3)); err != nil {
		t.Fatalf("Heartbeat seq=3: %v", err)
	}

	snapshot, err := actor.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snapshot) != 1 || snapshot[0].Seq != 3 {
		t.Fatalf("snapshot = %+v, want single record at seq=3", snapshot)
	}
}

func TestHeartbeatValidation(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(testEpoch)
	actor := newTestActor(t, newFakeStore(), clk, time.Second)
	nowMS := clk.Now().UnixMilli()

	bad := []Heartbeat{
		{DeviceID: uuid.Nil, Seq: 1, Status: StatusOnline, SentAtMS: nowMS, TTLMS: 1000},
		{DeviceID: uuid.New(), Seq: 0, Status: StatusOnline, SentAtMS: nowMS, TTLMS: 1000},
		{DeviceID: uuid.New(), Seq: 1, Status: "busy", SentAtMS: nowMS, TTLMS: 1000},
		{DeviceID: uuid.New(), Seq: 1, Status: StatusOnline, SentAtMS: 0, TTLMS: 1000},
		{DeviceID: uuid.New(), Seq: 1, Status: StatusOnline, SentAtMS: nowMS, TTLMS: 0},
	}
	for index, hb := range bad {
		if err := actor.Heartbeat(ctx, hb); !errors.Is(err, ErrInvalidHeartbeat) {
			t.Errorf("heartbeat %d: got %v, want ErrInvalidHeartbeat", index, err)
		}
	}
}

func TestSemanticChangeWritesThroughImmediately(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(testEpoch)
	store := newFakeStore()
	actor := newTestActor(t, store, clk, time.Minute)
	deviceID := uuid.New()
	nowMS := clk.Now().UnixMilli()

	// First heartbeat is a semantic change: durable before the ack,
	// no timer wait involved.
	if err := actor.Heartbeat(ctx, onlineHeartbeat(deviceID, 1, nowMS)); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if store.saveCount() != 1 {
		t.Fatalf("saves after first heartbeat = %d, want 1", store.saveCount())
	}

	// Status flip writes through as well.
	away := onlineHeartbeat(deviceID, 2, nowMS+10)
	away.Status = StatusAway
	if err := actor.Heartbeat(ctx, away); err != nil {
		t.Fatalf("Heartbeat (away): %v", err)
	}
	if store.saveCount() != 2 {
		t.Fatalf("saves after status flip = %d, want 2", store.saveCount())
	}
}

func TestSemanticChangeFailedPersistRejectsHeartbeat(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(testEpoch)
	store := newFakeStore()
	actor := newTestActor(t, store, clk, time.Minute)
	deviceID := uuid.New()
	nowMS := clk.Now().UnixMilli()

	store.mu.Lock()
	store.failing = true
	store.mu.Unlock()
	if err := actor.Heartbeat(ctx, onlineHeartbeat(deviceID, 1, nowMS)); err == nil {
		t.Fatal("heartbeat acknowledged despite failed durable write")
	}

	// The in-memory state rolled back: the device is unknown, so the
	// same heartbeat succeeds once the store recovers.
	store.mu.Lock()
	store.failing = false
	store.mu.Unlock()
	if err := actor.Heartbeat(ctx, onlineHeartbeat(deviceID, 1, nowMS)); err != nil {
		t.Fatalf("Heartbeat after recovery: %v", err)
	}
}

func TestKeepAlivesCoalesceIntoOneWrite(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(testEpoch)
	store := newFakeStore()
	window := 120 * time.Millisecond
	actor := newTestActor(t, store, clk, window)
	deviceID := uuid.New()
	nowMS := clk.Now().UnixMilli()

	// seq=1 is first contact: one write-through.
	if err := actor.Heartbeat(ctx, onlineHeartbeat(deviceID, 1, nowMS)); err != nil {
		t.Fatalf("Heartbeat seq=1: %v", err)
	}
	<-store.saveCh

	// seq=2..5 are keep-alives inside one batching window.
	for seq := uint64(2); seq <= 5; seq++ {
		if err := actor.Heartbeat(ctx, onlineHeartbeat(deviceID, seq, nowMS+int64(seq))); err != nil {
			t.Fatalf("Heartbeat seq=%d: %v", seq, err)
		}
	}
	if store.saveCount() != 1 {
		t.Fatalf("saves before flush = %d, want 1 (keep-alives must defer)", store.saveCount())
	}

	// Reads see the latest in-memory state before the flush.
	snapshot, err := actor.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snapshot[0].Seq != 5 {
		t.Fatalf("snapshot seq = %d, want 5", snapshot[0].Seq)
	}

	clk.Advance(window)
	batch := store.waitForSave(t)
	if len(batch) != 1 || batch[0].Seq != 5 {
		t.Fatalf("flushed batch = %+v, want single record at seq=5", batch)
	}
	if store.saveCount() != 2 {
		t.Fatalf("total saves = %d, want 2 (exactly one write for the keep-alives)", store.saveCount())
	}

	// Restart: the durable state carries seq=5.
	restarted := newTestActor(t, store, clk, window)
	snapshot, err = restarted.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot after restart: %v", err)
	}
	if len(snapshot) != 1 || snapshot[0].Seq != 5 {
		t.Fatalf("restarted snapshot = %+v, want seq=5", snapshot)
	}
}

func TestFlushDeadlineDoesNotSlide(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(testEpoch)
	store := newFakeStore()
	window := time.Second
	actor := newTestActor(t, store, clk, window)
	deviceID := uuid.New()
	nowMS := clk.Now().UnixMilli()

	if err := actor.Heartbeat(ctx, onlineHeartbeat(deviceID, 1, nowMS)); err != nil {
		t.Fatalf("Heartbeat seq=1: %v", err)
	}
	<-store.saveCh

	// A steady keep-alive stream: one every 600ms. The flush deadline
	// is fixed at first-dirty + window, so the write lands after 1s
	// even though heartbeats keep arriving.
	seq := uint64(2)
	if err := actor.Heartbeat(ctx, onlineHeartbeat(deviceID, seq, clk.Now().UnixMilli())); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	clk.Advance(600 * time.Millisecond)
	seq++
	if err := actor.Heartbeat(ctx, onlineHeartbeat(deviceID, seq, clk.Now().UnixMilli())); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	clk.Advance(400 * time.Millisecond)

	batch := store.waitForSave(t)
	if len(batch) != 1 || batch[0].Seq != 3 {
		t.Fatalf("flushed batch = %+v, want single record at seq=3", batch)
	}
}

func TestTTLExpiryFlipsOffline(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(testEpoch)
	store := newFakeStore()
	actor := newTestActor(t, store, clk, time.Minute)
	deviceID := uuid.New()
	nowMS := clk.Now().UnixMilli()

	hb := onlineHeartbeat(deviceID, 1, nowMS)
	hb.TTLMS = 10_000
	if err := actor.Heartbeat(ctx, hb); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	<-store.saveCh

	subscription, err := actor.Subscribe(ctx, 8)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	<-subscription.Events // snapshot

	clk.Advance(10 * time.Second)
	batch := store.waitForSave(t)
	if len(batch) != 1 {
		t.Fatalf("expiry batch length = %d, want 1", len(batch))
	}
	expired := batch[0]
	if expired.Status != StatusOffline {
		t.Fatalf("status after expiry = %s, want offline", expired.Status)
	}
	if want := nowMS + 10_000; expired.LastOfflineMS != want {
		t.Fatalf("LastOfflineMS = %d, want %d", expired.LastOfflineMS, want)
	}

	event := <-subscription.Events
	if event.Kind != EventUpdate || event.Record.Status != StatusOffline {
		t.Fatalf("subscriber event = %+v, want offline update", event)
	}

	// The record is retained for lastOfflineMs until explicit
	// cleanup; it just reads offline.
	snapshot, err := actor.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snapshot) != 1 || snapshot[0].Status != StatusOffline {
		t.Fatalf("snapshot after expiry = %+v", snapshot)
	}
}

func TestCrashAndRehydrate(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(testEpoch)
	store := newFakeStore()
	window := time.Minute
	actor := newTestActor(t, store, clk, window)
	deviceID := uuid.New()
	nowMS := clk.Now().UnixMilli()

	// seq=1 semantic (flushed), seq=2 keep-alive (batched, never
	// flushed because the "crash" happens before the window ends).
	if err := actor.Heartbeat(ctx, onlineHeartbeat(deviceID, 1, nowMS)); err != nil {
		t.Fatalf("Heartbeat seq=1: %v", err)
	}
	if err := actor.Heartbeat(ctx, onlineHeartbeat(deviceID, 2, nowMS+1)); err != nil {
		t.Fatalf("Heartbeat seq=2: %v", err)
	}

	// Simulated crash: a fresh actor over the same store, no
	// shutdown flush.
	rehydrated := newTestActor(t, store, clk, window)
	snapshot, err := rehydrated.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snapshot) != 1 || snapshot[0].Seq != 1 {
		t.Fatalf("rehydrated snapshot = %+v, want seq=1", snapshot)
	}

	// The lost keep-alive replays cleanly; the flushed seq is stale.
	if err := rehydrated.Heartbeat(ctx, onlineHeartbeat(deviceID, 2, nowMS+2)); err != nil {
		t.Fatalf("replay seq=2 after restart: %v", err)
	}
	if err := rehydrated.Heartbeat(ctx, onlineHeartbeat(deviceID, 1, nowMS+3)); !errors.Is(err, ErrStaleSequence) {
		t.Fatalf("replay seq=1 after restart: got %v, want ErrStaleSequence", err)
	}
}

func TestSubscribersReceiveIdenticalSequences(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(testEpoch)
	actor := newTestActor(t, newFakeStore(), clk, time.Minute)
	deviceID := uuid.New()
	nowMS := clk.Now().UnixMilli()

	first, err := actor.Subscribe(ctx, 16)
	if err != nil {
		t.Fatalf("Subscribe (first): %v", err)
	}
	second, err := actor.Subscribe(ctx, 16)
	if err != nil {
		t.Fatalf("Subscribe (second): %v", err)
	}

	for _, subscription := range []*Subscription{first, second} {
		event := <-subscription.Events
		if event.Kind != EventSnapshot {
			t.Fatalf("first event kind = %s, want snapshot", event.Kind)
		}
	}

	hb := onlineHeartbeat(deviceID, 1, nowMS)
	if err := actor.Heartbeat(ctx, hb); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	away := onlineHeartbeat(deviceID, 2, nowMS+1)
	away.Status = StatusAway
	if err := actor.Heartbeat(ctx, away); err != nil {
		t.Fatalf("Heartbeat (away): %v", err)
	}

	for name, subscription := range map[string]*Subscription{"first": first, "second": second} {
		online := <-subscription.Events
		if online.Kind != EventUpdate || online.Record.Seq != 1 || online.Record.Status != StatusOnline {
			t.Fatalf("%s subscriber event 1 = %+v", name, online)
		}
		awayEvent := <-subscription.Events
		if awayEvent.Kind != EventUpdate || awayEvent.Record.Seq != 2 || awayEvent.Record.Status != StatusAway {
			t.Fatalf("%s subscriber event 2 = %+v", name, awayEvent)
		}
	}
}

func TestSnapshotSeesUnflushedKeepAlive(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(testEpoch)
	actor := newTestActor(t, newFakeStore(), clk, time.Minute)
	deviceID := uuid.New()
	nowMS := clk.Now().UnixMilli()

	if err := actor.Heartbeat(ctx, onlineHeartbeat(deviceID, 1, nowMS)); err != nil {
		t.Fatalf("Heartbeat seq=1: %v", err)
	}
	if err := actor.Heartbeat(ctx, onlineHeartbeat(deviceID, 2, nowMS+1)); err != nil {
		t.Fatalf("Heartbeat seq=2: %v", err)
	}

	subscription, err := actor.Subscribe(ctx, 4)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	event := <-subscription.Events
	if event.Kind != EventSnapshot || len(event.Records) != 1 || event.Records[0].Seq != 2 {
		t.Fatalf("snapshot event = %+v, want unflushed seq=2", event)
	}
}

func TestSingleWakeTimer(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(testEpoch)
	actor := newTestActor(t, newFakeStore(), clk, time.Minute)
	nowMS := clk.Now().UnixMilli()

	// Several online devices plus a dirty batch: still one timer.
	for index := 0; index < 3; index++ {
		if err := actor.Heartbeat(ctx, onlineHeartbeat(uuid.New(), 1, nowMS)); err != nil {
			t.Fatalf("Heartbeat: %v", err)
		}
	}
	if pending := clk.PendingCount(); pending != 1 {
		t.Fatalf("pending timers = %d, want 1", pending)
	}
}

func TestShutdownFlushesPendingBatch(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(testEpoch)
	store := newFakeStore()
	actor := newTestActor(t, store, clk, time.Minute)
	deviceID := uuid.New()
	nowMS := clk.Now().UnixMilli()

	if err := actor.Heartbeat(ctx, onlineHeartbeat(deviceID, 1, nowMS)); err != nil {
		t.Fatalf("Heartbeat seq=1: %v", err)
	}
	if err := actor.Heartbeat(ctx, onlineHeartbeat(deviceID, 2, nowMS+1)); err != nil {
		t.Fatalf("Heartbeat seq=2: %v", err)
	}

	if err := actor.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	store.mu.Lock()
	final := store.records["user-1"][deviceID]
	store.mu.Unlock()
	if final.Seq != 2 {
		t.Fatalf("durable seq after shutdown = %d, want 2", final.Seq)
	}

	if err := actor.Heartbeat(ctx, onlineHeartbeat(deviceID, 3, nowMS+2)); !errors.Is(err, ErrActorClosed) {
		t.Fatalf("heartbeat after shutdown: got %v, want ErrActorClosed", err)
	}
	if err := actor.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestRegistryLazyCreateAndShutdown(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(testEpoch)
	store := newFakeStore()
	registry, err := NewRegistry(RegistryConfig{Store: store, Clock: clk})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	actor, err := registry.Actor(ctx, "user-a")
	if err != nil {
		t.Fatalf("Actor: %v", err)
	}
	again, err := registry.Actor(ctx, "user-a")
	if err != nil {
		t.Fatalf("Actor (again): %v", err)
	}
	if actor != again {
		t.Fatal("registry created a second actor for the same user")
	}

	deviceID := uuid.New()
	if err := actor.Heartbeat(ctx, onlineHeartbeat(deviceID, 1, clk.Now().UnixMilli())); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	if err := registry.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, err := registry.Actor(ctx, "user-b"); !errors.Is(err, ErrActorClosed) {
		t.Fatalf("Actor after Shutdown: got %v, want ErrActorClosed", err)
	}
}
