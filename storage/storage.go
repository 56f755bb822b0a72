// Package storage is the encrypted embedded key-value store backing the
// document cache, credential record, settings copy and device keyring.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/jarmo-productory/ritemark-sync/kdf"
	"github.com/jarmo-productory/ritemark-sync/log"
	"github.com/jarmo-productory/ritemark-sync/metrics"
)

// Store is a JSON-valued view over a badger database.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the encrypted database under dataPath. The key is
// derived from seed with params; an existing database must have been created
// with equal params.
func Open(ctx context.Context, dataPath string, seed []byte, params kdf.Params) (*Store, error) {
	if err := os.MkdirAll(dataPath, dirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	exists, err := paramsFileExists(dataPath)
	if err != nil {
		return nil, err
	}

	var paramsFile *ParamsFile

	if exists {
		paramsFile, err = ReadParamsFile(dataPath)
		if err != nil {
			return nil, err
		}

		current, err := paramsFile.Params()
		if err != nil {
			return nil, err
		}

		if !current.Equal(params) {
			return nil, fmt.Errorf("%w: database uses %s, configured %s",
				ErrParamsMismatch, kdf.String(current), kdf.String(params))
		}
	} else {
		log.Info(ctx, "Creating new database", "kdf", kdf.String(params))

		paramsFile, err = NewParamsFile(params)
		if err != nil {
			return nil, err
		}
	}

	encryptionKey, err := paramsFile.DeriveKey(seed)
	if err != nil {
		return nil, err
	}

	store, err := NewStore(filepath.Join(dataPath, DatabaseSubdir), encryptionKey)
	if err != nil {
		return nil, err
	}

	if !exists {
		if err := paramsFile.WriteTo(dataPath); err != nil {
			_ = store.Close()

			return nil, err
		}
	}

	return store, nil
}

// NewStore opens a badger database at dbPath, encrypted when encryptionKey is set.
func NewStore(dbPath string, encryptionKey []byte) (*Store, error) {
	if err := os.MkdirAll(dbPath, dirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	opts := badger.DefaultOptions(dbPath)

	if len(encryptionKey) > 0 {
		opts = opts.WithEncryptionKey(encryptionKey).
			WithEncryptionKeyRotationDuration(DefaultEncryptionKeyRotation).
			WithIndexCacheSize(DefaultIndexCacheSize)
	}

	// Saves are durability points, so writes are synced.
	opts = opts.WithSyncWrites(true).
		WithLogger(nil).
		WithCompression(options.Snappy)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewInMemoryStore returns a non-persistent store.
func NewInMemoryStore() (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

func record(ctx context.Context, operation string, start time.Time) {
	metrics.RecordCounter(ctx, "storage_operations_total", 1, "operation", operation)
	metrics.RecordDuration(ctx, "storage_operation_duration_ms", start, "operation", operation)
}

// Set stores value as JSON under key. A positive expiry sets a TTL.
func (s *Store) Set(ctx context.Context, key string, value any, expiry time.Duration) error {
	defer record(ctx, "set", time.Now())

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	if err := s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), data)
		if expiry > 0 {
			entry = entry.WithTTL(expiry)
		}

		return txn.SetEntry(entry)
	}); err != nil {
		return fmt.Errorf("failed to update database: %w", err)
	}

	return nil
}

// Get unmarshals the value under key into value. Missing keys return an
// error wrapping ErrKeyNotFound.
func (s *Store) Get(ctx context.Context, key string, value any) error {
	defer record(ctx, "get", time.Now())

	var data []byte

	if err := s.db.View(func(txn *badger.Txn) error {
		var err error

		data, err = readValue(txn, key)

		return err
	}); err != nil {
		return err
	}

	if err := json.Unmarshal(data, value); err != nil {
		return fmt.Errorf("failed to unmarshal value for key %s: %w", key, err)
	}

	return nil
}

// Modify reads key into value inside one transaction, lets mutate change it,
// and writes it back when mutate returns true. found reports whether the key
// existed before. A transaction that lost a write conflict is re-run from a
// fresh read, so mutate may be called more than once.
func (s *Store) Modify(
	ctx context.Context,
	key string,
	value any,
	mutate func(found bool) (bool, error),
) error {
	defer record(ctx, "modify", time.Now())

	var err error

	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		err = s.db.Update(func(txn *badger.Txn) error {
			return modifyTxn(txn, key, value, mutate)
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}

		log.Debug(ctx, "Retrying modify after write conflict", "key", key, "attempt", attempt+1)
	}

	if err != nil {
		return fmt.Errorf("failed to modify key %s: %w", key, err)
	}

	return nil
}

func modifyTxn(txn *badger.Txn, key string, value any, mutate func(found bool) (bool, error)) error {
	if target := reflect.ValueOf(value); target.Kind() == reflect.Pointer && !target.IsNil() {
		target.Elem().SetZero()
	}

	data, err := readValue(txn, key)

	found := err == nil
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		return err
	}

	if found {
		if err := json.Unmarshal(data, value); err != nil {
			return fmt.Errorf("failed to unmarshal value for key %s: %w", key, err)
		}
	}

	write, err := mutate(found)
	if err != nil || !write {
		return err
	}

	updated, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	return txn.Set([]byte(key), updated)
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	defer record(ctx, "delete", time.Now())

	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	}); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}

	return nil
}

// List returns all keys with the given prefix.
func (s *Store) List(prefix string) ([]string, error) {
	var keys []string

	if err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}

		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to list keys with prefix %s: %w", prefix, err)
	}

	return keys, nil
}

// Scan calls visit with the raw JSON of every key under prefix.
func (s *Store) Scan(prefix string, visit func(key string, raw []byte) error) error {
	if err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()

			raw, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("failed to copy value for key %s: %w", item.Key(), err)
			}

			if err := visit(string(item.KeyCopy(nil)), raw); err != nil {
				return err
			}
		}

		return nil
	}); err != nil {
		return fmt.Errorf("failed to scan prefix %s: %w", prefix, err)
	}

	return nil
}

// RunGC runs value log garbage collection. badger.ErrNoRewrite is not an error.
func (s *Store) RunGC() error {
	err := s.db.RunValueLogGC(DefaultGCThreshold)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrGCInMemoryMode) {
		return fmt.Errorf("failed to run garbage collection: %w", err)
	}

	return nil
}

func readValue(txn *badger.Txn, key string) ([]byte, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}

	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to copy value for key %s: %w", key, err)
	}

	return data, nil
}
