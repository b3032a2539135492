// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package presence

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tether-foundation/tether/lib/sqlitepool"
)

// Store is the durable half of a presence actor. Implementations must
// be safe for concurrent use across actors; a single actor calls its
// own user's rows from one goroutine.
type Store interface {
	// Load returns all records for a user, in any order.
	Load(ctx context.Context, userID string) ([]Record, error)

	// Save upserts the given records for a user in one transaction.
	Save(ctx context.Context, userID string, records []Record) error
}

// Schema is applied by the pool's OnConnect hook.
const storeSchema = `
CREATE TABLE IF NOT EXISTS presence (
	user_id         TEXT NOT NULL,
	device_id       TEXT NOT NULL,
	status          TEXT NOT NULL,
	seq             INTEGER NOT NULL,
	sent_at_ms      INTEGER NOT NULL,
	ttl_ms          INTEGER NOT NULL,
	source          TEXT NOT NULL,
	last_offline_ms INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, device_id)
);
`

// SQLiteStore implements Store on a lib/sqlitepool database.
type SQLiteStore struct {
	pool *sqlitepool.Pool
}

// NewSQLiteStore wraps an open pool. The presence table is created by
// [StoreSchemaHook], which the pool's owner must pass as (or call
// from) its OnConnect hook.
func NewSQLiteStore(pool *sqlitepool.Pool) *SQLiteStore {
	return &SQLiteStore{pool: pool}
}

// StoreSchemaHook creates the presence table. Suitable as a
// sqlitepool OnConnect hook.
func StoreSchemaHook(conn *sqlite.Conn) error {
	return sqlitex.ExecuteScript(conn, storeSchema, nil)
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, userID string) ([]Record, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var records []Record
	err = sqlitex.Execute(conn,
		`SELECT device_id, status, seq, sent_at_ms, ttl_ms, source, last_offline_ms
		 FROM presence WHERE user_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{userID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				deviceID, parseErr := uuid.Parse(stmt.ColumnText(0))
				if parseErr != nil {
					return fmt.Errorf("row device_id %q: %w", stmt.ColumnText(0), parseErr)
				}
				records = append(records, Record{
					DeviceID:      deviceID,
					Status:        Status(stmt.ColumnText(1)),
					Seq:           uint64(stmt.ColumnInt64(2)),
					SentAtMS:      stmt.ColumnInt64(3),
					TTLMS:         stmt.ColumnInt64(4),
					Source:        stmt.ColumnText(5),
					LastOfflineMS: stmt.ColumnInt64(6),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("presence: loading records for %s: %w", userID, err)
	}
	return records, nil
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, userID string, records []Record) (err error) {
	if len(records) == 0 {
		return nil
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("presence: beginning save for %s: %w", userID, err)
	}
	defer endTransaction(&err)
	for _, record := range records {
		err = sqlitex.Execute(conn,
			`INSERT INTO presence
			   (user_id, device_id, status, seq, sent_at_ms, ttl_ms, source, last_offline_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(user_id, device_id) DO UPDATE SET
			   status = excluded.status,
			   seq = excluded.seq,
			   sent_at_ms = excluded.sent_at_ms,
			   ttl_ms = excluded.ttl_ms,
			   source = excluded.source,
			   last_offline_ms = excluded.last_offline_ms`,
			&sqlitex.ExecOptions{Args: []any{
				userID,
				record.DeviceID.String(),
				string(record.Status),
				int64(record.Seq),
				record.SentAtMS,
				record.TTLMS,
				record.Source,
				record.LastOfflineMS,
			}})
		if err != nil {
			return fmt.Errorf("presence: saving record %s/%s: %w", userID, record.DeviceID, err)
		}
	}
	return nil
}
