package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"github.com/ruteri/attribute-key-manager/interfaces"
)

// OpenBadger opens a Badger database at path, or an in-memory one when
// path is empty.
func OpenBadger(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR)
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open badger: %v", interfaces.ErrBackendUnavailable, err)
	}
	return db, nil
}

// BadgerBackend stores records in an embedded Badger database under a key
// namespace. Batch writes and prefix deletes run in one transaction.
type BadgerBackend struct {
	db        *badger.DB
	namespace []byte
	ownsDB    bool
	path      string
	log       *slog.Logger
}

// NewBadgerBackend opens its own database at path (in memory when empty).
func NewBadgerBackend(path string, log *slog.Logger) (*BadgerBackend, error) {
	db, err := OpenBadger(path)
	if err != nil {
		return nil, err
	}
	b := NewBadgerBackendWithDB(db, "keys/", log)
	b.ownsDB = true
	b.path = path
	return b, nil
}

// NewBadgerBackendWithDB shares db with other components; namespace
// separates this backend's keys.
func NewBadgerBackendWithDB(db *badger.DB, namespace string, log *slog.Logger) *BadgerBackend {
	return &BadgerBackend{
		db:        db,
		namespace: []byte(namespace),
		log:       log,
	}
}

// DB returns the underlying database for components sharing it.
func (b *BadgerBackend) DB() *badger.DB {
	return b.db
}

// Path returns the database directory, empty for in-memory databases.
func (b *BadgerBackend) Path() string {
	return b.path
}

func (b *BadgerBackend) key(key string) []byte {
	return append(bytes.Clone(b.namespace), key...)
}

func (b *BadgerBackend) Put(ctx context.Context, key string, data []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(b.key(key), data)
	})
	if err != nil {
		return fmt.Errorf("badger put %s: %w", key, err)
	}
	return nil
}

// PutBatch writes all entries in one transaction.
func (b *BadgerBackend) PutBatch(ctx context.Context, entries map[string][]byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		for key, data := range entries {
			if err := txn.Set(b.key(key), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("badger batch put: %w", err)
	}
	return nil
}

func (b *BadgerBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.key(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrKeyNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("badger get %s: %w", key, err)
	}
	return data, nil
}

func (b *BadgerBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		keys = listKeys(txn, b.key(prefix), len(b.namespace))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger list %s: %w", prefix, err)
	}
	return keys, nil
}

// DeletePrefix deletes every key under prefix in one transaction.
func (b *BadgerBackend) DeletePrefix(ctx context.Context, prefix string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, key := range listKeys(txn, b.key(prefix), 0) {
			if err := txn.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("badger delete %s: %w", prefix, err)
	}
	return nil
}

// listKeys returns the keys under prefix with the first trim bytes removed.
func listKeys(txn *badger.Txn, prefix []byte, trim int) []string {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix

	it := txn.NewIterator(opts)
	defer it.Close()

	var keys []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, string(it.Item().Key()[trim:]))
	}
	return keys
}

func (b *BadgerBackend) Available(ctx context.Context) bool {
	return !b.db.IsClosed()
}

func (b *BadgerBackend) Name() string {
	return "badger-" + string(bytes.TrimSuffix(b.namespace, []byte("/")))
}

func (b *BadgerBackend) LocationURI() string {
	return "badger://" + b.path
}

// Close closes the database when this backend opened it.
func (b *BadgerBackend) Close() error {
	if !b.ownsDB {
		return nil
	}
	return b.db.Close()
}
