package kv

import (
	"context"
	"errors"

	"github.com/google/btree"
)

// item is one row of the memory engine.
type item struct {
	key   string
	value []byte
}

// MemoryEngine is an Engine that keeps rows in an in-process B-tree. It
// scans in key order. Transactions snapshot the tree with a copy-on-write
// clone, so rollback is a pointer swap.
type MemoryEngine struct {
	tree     *btree.BTreeG[item]
	snapshot *btree.BTreeG[item]
	mode     DurabilityMode
	closed   bool
}

// NewMemoryEngine creates an empty memory engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		tree: btree.NewG(16, func(a, b item) bool {
			return a.key < b.key
		}),
	}
}

var errMemoryClosed = errors.New("kv: memory engine is closed")

func (e *MemoryEngine) Init(ctx context.Context) error {
	if e.closed {
		return errMemoryClosed
	}
	return nil
}

func (e *MemoryEngine) Lookup(ctx context.Context, key string) ([]byte, bool, error) {
	if e.closed {
		return nil, false, errMemoryClosed
	}

	it, ok := e.tree.Get(item{key: key})
	if !ok {
		return nil, false, nil
	}
	return it.value, true, nil
}

func (e *MemoryEngine) Upsert(ctx context.Context, key string, value []byte) error {
	if e.closed {
		return errMemoryClosed
	}

	// Copy value in case the caller reuses it.
	e.tree.ReplaceOrInsert(item{key: key, value: append([]byte(nil), value...)})
	return nil
}

func (e *MemoryEngine) Remove(ctx context.Context, key string) ([]byte, bool, error) {
	if e.closed {
		return nil, false, errMemoryClosed
	}

	it, ok := e.tree.Delete(item{key: key})
	if !ok {
		return nil, false, nil
	}
	return it.value, true, nil
}

func (e *MemoryEngine) Scan(ctx context.Context, fn func(key string, value []byte) error) error {
	if e.closed {
		return errMemoryClosed
	}

	var scanErr error
	e.tree.Ascend(func(it item) bool {
		if err := ctx.Err(); err != nil {
			scanErr = err
			return false
		}
		if err := fn(it.key, it.value); err != nil {
			scanErr = err
			return false
		}
		return true
	})
	return scanErr
}

func (e *MemoryEngine) Truncate(ctx context.Context) error {
	if e.closed {
		return errMemoryClosed
	}

	e.tree.Clear(false)
	return nil
}

func (e *MemoryEngine) Begin(ctx context.Context) error {
	if e.closed {
		return errMemoryClosed
	}
	if e.snapshot != nil {
		return errors.New("kv: memory transaction already open")
	}

	e.snapshot = e.tree.Clone()
	return nil
}

func (e *MemoryEngine) Commit(ctx context.Context) error {
	if e.snapshot == nil {
		return errors.New("kv: no memory transaction open")
	}

	e.snapshot = nil
	return nil
}

func (e *MemoryEngine) Rollback(ctx context.Context) error {
	if e.snapshot == nil {
		return nil
	}

	e.tree = e.snapshot
	e.snapshot = nil
	return nil
}

// SetDurabilityMode only records the mode; nothing is ever written to disk.
func (e *MemoryEngine) SetDurabilityMode(ctx context.Context, mode DurabilityMode) (DurabilityMode, error) {
	if e.closed {
		return "", errMemoryClosed
	}

	e.mode = mode
	return mode, nil
}

func (e *MemoryEngine) InMemory() bool {
	return true
}

func (e *MemoryEngine) Close() error {
	e.closed = true
	e.snapshot = nil
	e.tree.Clear(false)
	return nil
}
