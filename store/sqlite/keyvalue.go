package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/basilsync/engine/capability"
)

// KVStore is the reference capability.KeyValueStore implementation. It
// shares Store's underlying connection rather than embedding Store
// itself, since capability.LocalStore and capability.KeyValueStore both
// declare a method named Get with different signatures — no single Go
// type can implement both.
type KVStore struct {
	store *Store
}

var _ capability.KeyValueStore = (*KVStore)(nil)

// NewKeyValueStore wraps store's connection as a capability.KeyValueStore.
func NewKeyValueStore(store *Store) *KVStore {
	return &KVStore{store: store}
}

func (k *KVStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := k.store.sqlDB.QueryRowContext(ctx, `SELECT value FROM key_value WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sqlite: reading key %q: %w", key, err)
	}
	return value, true, nil
}

func (k *KVStore) Set(ctx context.Context, key, value string) error {
	_, err := k.store.sqlDB.ExecContext(ctx, `INSERT INTO key_value (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("sqlite: writing key %q: %w", key, err)
	}
	return nil
}

func (k *KVStore) Remove(ctx context.Context, key string) error {
	if _, err := k.store.sqlDB.ExecContext(ctx, `DELETE FROM key_value WHERE key = ?`, key); err != nil {
		return fmt.Errorf("sqlite: removing key %q: %w", key, err)
	}
	return nil
}
