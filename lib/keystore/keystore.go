// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// Package keystore is the local secure-storage namespace for a Tether
// device. It holds the small set of values that define the device's
// identity and trust state, each under a fixed string identifier.
//
// The store is a single SQLite table managed through lib/sqlitepool.
// Values are opaque byte blobs; truststore owns their encoding. The
// daemon is the only writer — no remote party can reach this store.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tether-foundation/tether/lib/sqlitepool"
)

// Fixed storage identifiers. These names are part of the on-disk
// contract shared with the mobile and desktop clients; do not rename.
const (
	KeyDeviceID         = "device_id"
	KeyDevicePrivateKey = "device_private_key"
	KeyTrustedDevices   = "trusted_devices"
	KeyLinkCredential   = "link_credential"
)

// ErrNotFound is returned by Get when no value exists for the key.
var ErrNotFound = errors.New("keystore: key not found")

const schema = `
CREATE TABLE IF NOT EXISTS secure_store (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
`

// Store is a key-value secure-storage namespace backed by SQLite.
// Safe for concurrent use.
type Store struct {
	pool *sqlitepool.Pool
}

// Open opens (creating if necessary) the secure store at path.
// The caller must Close the store when done.
func Open(path string, logger *slog.Logger) (*Store, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path: path,
		// The store holds a handful of tiny values; one connection
		// is enough.
		PoolSize: 1,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("keystore: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Get returns the value stored under key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var value []byte
	found := false
	err = sqlitex.Execute(conn, `SELECT value FROM secure_store WHERE key = ?`, &sqlitex.ExecOptions{
		Args: []any{key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			value = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, value)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("keystore: get %q: %w", key, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	return value, nil
}

// Put stores value under key, replacing any existing value.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO secure_store (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		&sqlitex.ExecOptions{Args: []any{key, value}})
	if err != nil {
		return fmt.Errorf("keystore: put %q: %w", key, err)
	}
	return nil
}

// Delete removes the value stored under key. Returns true if a value
// was present.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM secure_store WHERE key = ?`,
		&sqlitex.ExecOptions{Args: []any{key}})
	if err != nil {
		return false, fmt.Errorf("keystore: delete %q: %w", key, err)
	}
	return conn.Changes() > 0, nil
}

// Keys lists the identifiers currently present in the namespace,
// sorted lexically.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var keys []string
	err = sqlitex.Execute(conn, `SELECT key FROM secure_store ORDER BY key`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			keys = append(keys, stmt.ColumnText(0))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("keystore: listing keys: %w", err)
	}
	return keys, nil
}
