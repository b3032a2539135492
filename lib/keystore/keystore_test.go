// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package keystore_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/tether-foundation/tether/lib/keystore"
)

func openTestStore(t *testing.T) *keystore.Store {
	t.Helper()
	store, err := keystore.Open(filepath.Join(t.TempDir(), "keystore.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return store
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	value := []byte{0x01, 0x02, 0x00, 0xff}
	if err := store.Put(ctx, keystore.KeyDevicePrivateKey, value); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := store.Get(ctx, keystore.KeyDevicePrivateKey)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, value) {
		t.Fatalf("Get = %x, want %x", got, value)
	}
}

func TestGetMissingKey(t *testing.T) {
	store := openTestStore(t)

	if _, err := store.Get(context.Background(), keystore.KeyLinkCredential); !errors.Is(err, keystore.ErrNotFound) {
		t.Fatalf("Get missing key: got %v, want ErrNotFound", err)
	}
}

func TestPutReplacesExistingValue(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	if err := store.Put(ctx, keystore.KeyDeviceID, []byte("first")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Put(ctx, keystore.KeyDeviceID, []byte("second")); err != nil {
		t.Fatalf("Put (replace): %v", err)
	}
	got, err := store.Get(ctx, keystore.KeyDeviceID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "second" {
		t.Fatalf("Get = %q, want %q", got, "second")
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	if err := store.Put(ctx, keystore.KeyTrustedDevices, []byte("{}")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	deleted, err := store.Delete(ctx, keystore.KeyTrustedDevices)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !deleted {
		t.Fatal("Delete of present key reported nothing deleted")
	}
	if _, err := store.Get(ctx, keystore.KeyTrustedDevices); !errors.Is(err, keystore.ErrNotFound) {
		t.Fatalf("Get after Delete: got %v, want ErrNotFound", err)
	}

	deleted, err = store.Delete(ctx, keystore.KeyTrustedDevices)
	if err != nil {
		t.Fatalf("Delete (again): %v", err)
	}
	if deleted {
		t.Fatal("Delete of absent key reported a deletion")
	}
}

func TestKeysSorted(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	for _, key := range []string{keystore.KeyTrustedDevices, keystore.KeyDeviceID, keystore.KeyDevicePrivateKey} {
		if err := store.Put(ctx, key, []byte("v")); err != nil {
			t.Fatalf("Put %q: %v", key, err)
		}
	}
	keys, err := store.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	want := []string{keystore.KeyDeviceID, keystore.KeyDevicePrivateKey, keystore.KeyTrustedDevices}
	if !reflect.DeepEqual(keys, want) {
		t.Fatalf("Keys = %v, want %v", keys, want)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "keystore.db")

	store, err := keystore.Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.Put(ctx, keystore.KeyDeviceID, []byte("device-7")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := keystore.Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.Get(ctx, keystore.KeyDeviceID)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(got) != "device-7" {
		t.Fatalf("Get = %q, want %q", got, "device-7")
	}
}
