package kv

import (
	"context"
	"time"

	"github.com/erlorenz/go-kvstore/changefeed"
	"github.com/google/uuid"
)

// Tx stages writes for one call to Store.Transaction. Nothing reaches the
// store until the routine returns; a Tx is only valid inside its routine
// and returns ErrTxDone afterwards.
type Tx[V any] struct {
	id    string
	ctx   context.Context
	store *Store[V]
	done  bool

	// failed is the first engine or codec error hit while staging. It aborts
	// the transaction even if the routine ignores it.
	failed error

	// order holds keys by first touch. prior and intents each have exactly
	// one entry per key in order.
	order   []string
	prior   map[string]Change[V]
	intents map[string]intent[V]
}

type intent[V any] struct {
	value   V
	deleted bool
}

// ID identifies the transaction in logs and change events.
func (tx *Tx[V]) ID() string {
	return tx.id
}

// Set stages value under key and returns it. A later Set or Delete of the
// same key replaces this one.
func (tx *Tx[V]) Set(key string, value V) (V, error) {
	var zero V
	if tx.done {
		return zero, ErrTxDone
	}
	if err := validKey(key); err != nil {
		return zero, err
	}
	if isUndefined(value) {
		return zero, ErrUndefinedValue
	}

	if err := tx.touch(key); err != nil {
		return zero, err
	}
	tx.intents[key] = intent[V]{value: value}

	return value, nil
}

// Delete stages the removal of key. Deleting a key that does not exist is
// not an error.
func (tx *Tx[V]) Delete(key string) error {
	if tx.done {
		return ErrTxDone
	}
	if err := validKey(key); err != nil {
		return err
	}

	if err := tx.touch(key); err != nil {
		return err
	}
	tx.intents[key] = intent[V]{deleted: true}

	return nil
}

// touch records the committed value of key the first time it is seen.
// The read bypasses staged intents and goes to the engine.
func (tx *Tx[V]) touch(key string) error {
	if _, ok := tx.prior[key]; ok {
		return nil
	}

	value, found, err := tx.store.lookup(tx.ctx, key)
	if err != nil {
		if tx.failed == nil {
			tx.failed = err
		}
		return err
	}

	tx.prior[key] = Change[V]{Key: key, Value: value, Exists: found}
	tx.order = append(tx.order, key)
	return nil
}

// Transaction runs fn against a staging Tx and then applies every staged
// write in one engine transaction.
//
// If fn returns an error, panics, or any engine call fails, the engine
// transaction is rolled back and nothing is applied; the error from fn or
// the engine is returned unchanged. A panic is re-raised after rollback.
//
// The report lists, per touched key in first-touch order, the value before
// the transaction and the value after it.
func (s *Store[V]) Transaction(ctx context.Context, fn func(tx *Tx[V]) error) (Report[V], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Report[V]{}, ErrNotOpen
	}
	if fn == nil {
		return Report[V]{}, ErrMissingCallback
	}

	tx := &Tx[V]{
		id:      uuid.NewString(),
		ctx:     ctx,
		store:   s,
		prior:   make(map[string]Change[V]),
		intents: make(map[string]intent[V]),
	}
	defer func() { tx.done = true }()

	if err := s.engine.Begin(ctx); err != nil {
		return Report[V]{}, err
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := s.engine.Rollback(ctx); rbErr != nil {
			s.logger.Warn("kv transaction rollback failed", "tx", tx.id, "error", rbErr)
		}
		s.logger.Debug("kv transaction rolled back", "tx", tx.id, "keys", len(tx.order))
	}()

	if err := fn(tx); err != nil {
		return Report[V]{}, err
	}
	tx.done = true
	if tx.failed != nil {
		return Report[V]{}, tx.failed
	}

	if err := s.apply(ctx, tx); err != nil {
		return Report[V]{}, err
	}

	if err := s.engine.Commit(ctx); err != nil {
		return Report[V]{}, err
	}
	committed = true

	s.logger.Debug("kv transaction committed", "tx", tx.id, "keys", len(tx.order))
	s.publishTx(ctx, tx)

	return tx.report(), nil
}

// apply replays staged intents in first-touch order.
func (s *Store[V]) apply(ctx context.Context, tx *Tx[V]) error {
	for _, key := range tx.order {
		in := tx.intents[key]
		if in.deleted {
			if _, _, err := s.engine.Remove(ctx, key); err != nil {
				return err
			}
			continue
		}
		if err := s.put(ctx, key, in.value); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store[V]) publishTx(ctx context.Context, tx *Tx[V]) {
	if s.publisher == nil || len(tx.order) == 0 {
		return
	}

	now := time.Now()
	changes := make([]changefeed.Change, 0, len(tx.order))
	for _, key := range tx.order {
		op := changefeed.OpSet
		if tx.intents[key].deleted {
			op = changefeed.OpDelete
		}
		changes = append(changes, changefeed.Change{TxID: tx.id, Op: op, Key: key, At: now})
	}

	s.publish(ctx, changes...)
}

func (tx *Tx[V]) report() Report[V] {
	r := Report[V]{
		OldValues: make([]Change[V], 0, len(tx.order)),
		NewValues: make([]Change[V], 0, len(tx.order)),
	}

	for _, key := range tx.order {
		r.OldValues = append(r.OldValues, tx.prior[key])

		in := tx.intents[key]
		if in.deleted {
			r.NewValues = append(r.NewValues, Change[V]{Key: key})
			continue
		}
		r.NewValues = append(r.NewValues, Change[V]{Key: key, Value: in.value, Exists: true})
	}

	return r
}

