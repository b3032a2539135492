// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package presence

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/tether-foundation/tether/lib/sqlitepool"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:      filepath.Join(t.TempDir(), "presence.db"),
		PoolSize:  2,
		OnConnect: StoreSchemaHook,
	})
	if err != nil {
		t.Fatalf("opening pool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return NewSQLiteStore(pool)
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	first := Record{
		DeviceID: uuid.New(),
		Status:   StatusOnline,
		Seq:      3,
		SentAtMS: 1000,
		TTLMS:    60_000,
		Source:   "mobile",
	}
	second := Record{
		DeviceID:      uuid.New(),
		Status:        StatusOffline,
		Seq:           9,
		SentAtMS:      2000,
		TTLMS:         30_000,
		Source:        "desktop",
		LastOfflineMS: 32_000,
	}
	if err := store.Save(ctx, "user-1", []Record{first, second}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	records, err := store.Load(ctx, "user-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}
	byDevice := map[uuid.UUID]Record{}
	for _, record := range records {
		byDevice[record.DeviceID] = record
	}
	if got := byDevice[first.DeviceID]; got != first {
		t.Errorf("first record = %+v, want %+v", got, first)
	}
	if got := byDevice[second.DeviceID]; got != second {
		t.Errorf("second record = %+v, want %+v", got, second)
	}
}

func TestSQLiteStoreUpsertReplaces(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)
	deviceID := uuid.New()

	initial := Record{DeviceID: deviceID, Status: StatusOnline, Seq: 1, SentAtMS: 1000, TTLMS: 60_000, Source: "mobile"}
	if err := store.Save(ctx, "user-1", []Record{initial}); err != nil {
		t.Fatalf("Save (initial): %v", err)
	}
	updated := initial
	updated.Status = StatusAway
	updated.Seq = 4
	updated.SentAtMS = 5000
	if err := store.Save(ctx, "user-1", []Record{updated}); err != nil {
		t.Fatalf("Save (updated): %v", err)
	}

	records, err := store.Load(ctx, "user-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(records) != 1 || records[0] != updated {
		t.Fatalf("records = %+v, want single %+v", records, updated)
	}
}

func TestSQLiteStoreIsolatesUsers(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	record := Record{DeviceID: uuid.New(), Status: StatusOnline, Seq: 1, SentAtMS: 1000, TTLMS: 60_000, Source: "mobile"}
	if err := store.Save(ctx, "user-a", []Record{record}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	records, err := store.Load(ctx, "user-b")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("user-b records = %+v, want none", records)
	}
}

func TestSQLiteStoreSaveEmptyIsNoop(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)
	if err := store.Save(ctx, "user-1", nil); err != nil {
		t.Fatalf("Save(nil): %v", err)
	}
}
