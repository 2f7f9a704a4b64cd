package kv

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// PebbleEngine is an Engine backed by a Pebble LSM store. Keys are stored
// under the table name as a prefix so several tables can share one store.
//
// Transactions are indexed batches: reads see the batch's own writes on top
// of the committed state and nothing is visible until Commit.
//
// OFF and MEMORY commit without syncing the WAL; every other mode syncs.
type PebbleEngine struct {
	db       *pebble.DB
	batch    *pebble.Batch
	prefix   []byte
	sync     *pebble.WriteOptions
	inMemory bool
}

// OpenPebble opens the store in dir. MemoryLocation keeps everything in an
// in-memory filesystem.
func OpenPebble(ctx context.Context, dir string, opts ...EngineOption) (*PebbleEngine, error) {
	cfg := newEngineConfig(opts)

	pebbleOpts := &pebble.Options{
		Cache:        pebble.NewCache(8 * 1024 * 1024),
		MemTableSize: 4 * 1024 * 1024,
	}
	defer pebbleOpts.Cache.Unref()

	inMemory := dir == MemoryLocation
	if inMemory {
		pebbleOpts.FS = vfs.NewMem()
		dir = ""
	}

	db, err := pebble.Open(dir, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}

	return &PebbleEngine{
		db:       db,
		prefix:   append([]byte(cfg.table), 0),
		sync:     pebble.Sync,
		inMemory: inMemory,
	}, nil
}

func (e *PebbleEngine) rowKey(key string) []byte {
	return append(append([]byte(nil), e.prefix...), key...)
}

// bounds covers every row of the table.
func (e *PebbleEngine) bounds() *pebble.IterOptions {
	upper := append([]byte(nil), e.prefix...)
	upper[len(upper)-1]++
	return &pebble.IterOptions{LowerBound: e.prefix, UpperBound: upper}
}

// Init has nothing to create; the table exists as soon as it has a key.
func (e *PebbleEngine) Init(ctx context.Context) error {
	return nil
}

func (e *PebbleEngine) Lookup(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var closer io.Closer
	var err error

	if e.batch != nil {
		value, closer, err = e.batch.Get(e.rowKey(key))
	} else {
		value, closer, err = e.db.Get(e.rowKey(key))
	}
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()

	return append([]byte(nil), value...), true, nil
}

func (e *PebbleEngine) Upsert(ctx context.Context, key string, value []byte) error {
	if e.batch != nil {
		return e.batch.Set(e.rowKey(key), value, nil)
	}
	return e.db.Set(e.rowKey(key), value, e.sync)
}

func (e *PebbleEngine) Remove(ctx context.Context, key string) ([]byte, bool, error) {
	prev, found, err := e.Lookup(ctx, key)
	if err != nil || !found {
		return nil, false, err
	}

	if e.batch != nil {
		err = e.batch.Delete(e.rowKey(key), nil)
	} else {
		err = e.db.Delete(e.rowKey(key), e.sync)
	}
	if err != nil {
		return nil, false, err
	}
	return prev, true, nil
}

func (e *PebbleEngine) Scan(ctx context.Context, fn func(key string, value []byte) error) error {
	var iter *pebble.Iterator
	var err error
	if e.batch != nil {
		iter, err = e.batch.NewIter(e.bounds())
	} else {
		iter, err = e.db.NewIter(e.bounds())
	}
	if err != nil {
		return fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()

	for valid := iter.First(); valid; valid = iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		key := string(iter.Key()[len(e.prefix):])
		if err := fn(key, append([]byte(nil), value...)); err != nil {
			return err
		}
	}

	return iter.Error()
}

func (e *PebbleEngine) Truncate(ctx context.Context) error {
	b := e.bounds()
	if e.batch != nil {
		return e.batch.DeleteRange(b.LowerBound, b.UpperBound, nil)
	}
	return e.db.DeleteRange(b.LowerBound, b.UpperBound, e.sync)
}

func (e *PebbleEngine) Begin(ctx context.Context) error {
	if e.batch != nil {
		return errors.New("kv: pebble transaction already open")
	}

	e.batch = e.db.NewIndexedBatch()
	return nil
}

func (e *PebbleEngine) Commit(ctx context.Context) error {
	b := e.batch
	e.batch = nil
	if b == nil {
		return errors.New("kv: no pebble transaction open")
	}
	defer b.Close()

	return b.Commit(e.sync)
}

func (e *PebbleEngine) Rollback(ctx context.Context) error {
	b := e.batch
	e.batch = nil
	if b == nil {
		return nil
	}
	return b.Close()
}

func (e *PebbleEngine) SetDurabilityMode(ctx context.Context, mode DurabilityMode) (DurabilityMode, error) {
	if mode.Synchronous() {
		e.sync = pebble.Sync
	} else {
		e.sync = pebble.NoSync
	}
	return mode, nil
}

func (e *PebbleEngine) InMemory() bool {
	return e.inMemory
}

func (e *PebbleEngine) Close() error {
	if e.batch != nil {
		e.batch.Close()
		e.batch = nil
	}
	return e.db.Close()
}
