package kv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltEngine is an Engine backed by a bbolt file, one bucket per table.
// bbolt allows a single writer, which matches the store's model.
//
// OFF and MEMORY skip the fsync on commit; every other mode syncs.
type BoltEngine struct {
	db     *bolt.DB
	bucket []byte
	tx     *bolt.Tx
}

// OpenBolt opens or creates the bbolt file at path, creating parent
// directories as needed.
func OpenBolt(ctx context.Context, path string, opts ...EngineOption) (*BoltEngine, error) {
	cfg := newEngineConfig(opts)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create bolt directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open BoltDB: %w", err)
	}

	return &BoltEngine{db: db, bucket: []byte(cfg.table)}, nil
}

// view runs fn in the open transaction, or a read-only one.
func (e *BoltEngine) view(fn func(b *bolt.Bucket) error) error {
	if e.tx != nil {
		return fn(e.tx.Bucket(e.bucket))
	}
	return e.db.View(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(e.bucket))
	})
}

// update runs fn in the open transaction, or a new read-write one.
func (e *BoltEngine) update(fn func(b *bolt.Bucket) error) error {
	if e.tx != nil {
		return fn(e.tx.Bucket(e.bucket))
	}
	return e.db.Update(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(e.bucket))
	})
}

func (e *BoltEngine) Init(ctx context.Context) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(e.bucket); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", e.bucket, err)
		}
		return nil
	})
}

func (e *BoltEngine) Lookup(ctx context.Context, key string) ([]byte, bool, error) {
	var data []byte
	var found bool
	err := e.view(func(b *bolt.Bucket) error {
		// Bytes returned by bbolt are only valid inside the transaction.
		if v := b.Get([]byte(key)); v != nil {
			data, found = append([]byte{}, v...), true
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return data, found, nil
}

func (e *BoltEngine) Upsert(ctx context.Context, key string, value []byte) error {
	return e.update(func(b *bolt.Bucket) error {
		return b.Put([]byte(key), value)
	})
}

func (e *BoltEngine) Remove(ctx context.Context, key string) ([]byte, bool, error) {
	var data []byte
	var found bool
	err := e.update(func(b *bolt.Bucket) error {
		v := b.Get([]byte(key))
		if v == nil {
			return nil
		}
		data, found = append([]byte{}, v...), true
		return b.Delete([]byte(key))
	})
	if err != nil {
		return nil, false, err
	}
	return data, found, nil
}

// Scan walks the bucket with a cursor in key order.
func (e *BoltEngine) Scan(ctx context.Context, fn func(key string, value []byte) error) error {
	return e.view(func(b *bolt.Bucket) error {
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err := fn(string(k), append([]byte(nil), v...)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *BoltEngine) Truncate(ctx context.Context) error {
	reset := func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(e.bucket); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket(e.bucket)
		return err
	}

	if e.tx != nil {
		return reset(e.tx)
	}
	return e.db.Update(reset)
}

func (e *BoltEngine) Begin(ctx context.Context) error {
	if e.tx != nil {
		return errors.New("kv: bolt transaction already open")
	}

	tx, err := e.db.Begin(true)
	if err != nil {
		return err
	}
	e.tx = tx
	return nil
}

// Commit forgets the open tx before committing; a failed bolt commit has
// already rolled back, so the Rollback that follows has nothing to do.
func (e *BoltEngine) Commit(ctx context.Context) error {
	tx := e.tx
	e.tx = nil
	if tx == nil {
		return bolt.ErrTxClosed
	}
	return tx.Commit()
}

func (e *BoltEngine) Rollback(ctx context.Context) error {
	tx := e.tx
	e.tx = nil
	if tx == nil {
		return nil
	}
	return tx.Rollback()
}

func (e *BoltEngine) SetDurabilityMode(ctx context.Context, mode DurabilityMode) (DurabilityMode, error) {
	e.db.NoSync = !mode.Synchronous()
	return mode, nil
}

func (e *BoltEngine) InMemory() bool {
	return false
}

func (e *BoltEngine) Close() error {
	if e.tx != nil {
		e.tx.Rollback()
		e.tx = nil
	}
	return e.db.Close()
}
