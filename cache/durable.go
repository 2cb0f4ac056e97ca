// ABOUTME: Durable cache tier backed by BadgerDB
// ABOUTME: Authoritative across sessions; one key per organization scope

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v3"
)

const keyPrefix = "deals/"

// Durable stores entries in a BadgerDB directory.
type Durable struct {
	db *badger.DB
}

// OpenDurable opens (or creates) the badger store at dir.
// An empty dir opens an in-memory store.
func OpenDurable(dir string) (*Durable, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(nil) // badger is chatty; our logger reports failures
	if dir == "" {
		opts = opts.WithInMemory(true)
	} else if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &Durable{db: db}, nil
}

func scopeKey(scope string) []byte {
	return []byte(keyPrefix + scope)
}

func (d *Durable) Load(ctx context.Context, scope string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(scopeKey(scope))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read durable entry: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode durable entry: %w", err)
	}
	return &entry, nil
}

func (d *Durable) Save(ctx context.Context, scope string, entry *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode durable entry: %w", err)
	}
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(scopeKey(scope), data)
	})
}

func (d *Durable) Delete(ctx context.Context, scope string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(scopeKey(scope))
	})
}

func (d *Durable) Close() error {
	return d.db.Close()
}
