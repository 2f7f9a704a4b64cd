package kv

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/erlorenz/go-kvstore/changefeed"
)

// Store is a typed key-value store over a single Engine.
//
// Every method is serialized on one mutex, so calls from different
// goroutines are applied strictly in the order they acquire the store.
// A transaction holds the store for the whole of its routine.
type Store[V any] struct {
	mu        sync.Mutex
	engine    Engine
	codec     Codec[V]
	encryptor Encryptor
	mode      DurabilityMode
	logger    *slog.Logger
	publisher changefeed.Publisher
	topic     string
	closed    bool
}

// New creates a store that takes ownership of engine. It makes sure the
// backing table exists and applies the durability mode. The engine is
// closed if any of that fails.
func New[V any](ctx context.Context, engine Engine, codec Codec[V], opts ...Option) (*Store[V], error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	if o.mode == "" {
		o.mode = defaultDurability(engine.InMemory())
	}
	if !o.mode.Valid() {
		engine.Close()
		return nil, fmt.Errorf("%w: %q", ErrInvalidDurabilityMode, o.mode)
	}

	if err := engine.Init(ctx); err != nil {
		engine.Close()
		return nil, fmt.Errorf("init table: %w", err)
	}

	applied, err := engine.SetDurabilityMode(ctx, o.mode)
	if err != nil {
		engine.Close()
		return nil, fmt.Errorf("apply durability mode %s: %w", o.mode, err)
	}

	o.logger.Debug("kv store opened", "durability", applied, "requested", o.mode, "in_memory", engine.InMemory())

	return &Store[V]{
		engine:    engine,
		codec:     codec,
		encryptor: o.encryptor,
		mode:      applied,
		logger:    o.logger,
		publisher: o.publisher,
		topic:     o.topic,
	}, nil
}

// Open creates a SQLite backed store at location, which is either
// MemoryLocation or a file path. Parent directories of a file path are
// created as needed.
func Open[V any](ctx context.Context, location string, codec Codec[V], opts ...Option) (*Store[V], error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	engine, err := OpenSQLite(ctx, location, o.engineOpts...)
	if err != nil {
		return nil, err
	}

	return New(ctx, engine, codec, opts...)
}

// Set stores value under key, replacing any existing value, and returns
// value as given.
func (s *Store[V]) Set(ctx context.Context, key string, value V) (V, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero V
	if s.closed {
		return zero, ErrNotOpen
	}
	if err := validKey(key); err != nil {
		return zero, err
	}
	if isUndefined(value) {
		return zero, ErrUndefinedValue
	}

	if err := s.put(ctx, key, value); err != nil {
		return zero, err
	}

	s.publish(ctx, changefeed.Change{Op: changefeed.OpSet, Key: key, At: time.Now()})
	return value, nil
}

// Get returns the value stored under key. The boolean is false when the
// key does not exist.
func (s *Store[V]) Get(ctx context.Context, key string) (V, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero V
	if s.closed {
		return zero, false, ErrNotOpen
	}
	if err := validKey(key); err != nil {
		return zero, false, err
	}

	return s.lookup(ctx, key)
}

// Delete removes key and returns the value it held. Deleting a missing key
// is not an error; the boolean reports whether anything was removed.
//
// The previous value is decoded before the row is removed, so a value that
// cannot be decoded is left in place and the error is returned.
func (s *Store[V]) Delete(ctx context.Context, key string) (V, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero V
	if s.closed {
		return zero, false, ErrNotOpen
	}
	if err := validKey(key); err != nil {
		return zero, false, err
	}

	prev, found, err := s.lookup(ctx, key)
	if err != nil || !found {
		return zero, false, err
	}

	if _, _, err := s.engine.Remove(ctx, key); err != nil {
		return zero, false, err
	}

	s.publish(ctx, changefeed.Change{Op: changefeed.OpDelete, Key: key, At: time.Now()})
	return prev, true, nil
}

// All returns every entry for which filter returns true, in engine scan
// order. A nil filter returns every entry. Rows are decoded one at a time
// as the engine produces them.
func (s *Store[V]) All(ctx context.Context, filter func(key string, value V) bool) ([]Entry[V], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrNotOpen
	}

	entries := make([]Entry[V], 0)
	err := s.engine.Scan(ctx, func(key string, data []byte) error {
		value, err := s.decode(ctx, key, data)
		if err != nil {
			return err
		}
		if filter == nil || filter(key, value) {
			entries = append(entries, Entry[V]{Key: key, Value: value})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// Clear deletes every entry. It is not wrapped in a transaction; use
// Transaction when the clear must be atomic with other writes.
func (s *Store[V]) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrNotOpen
	}

	if err := s.engine.Truncate(ctx); err != nil {
		return err
	}

	s.publish(ctx, changefeed.Change{Op: changefeed.OpClear, At: time.Now()})
	return nil
}

// SetDurabilityMode applies mode to the whole store immediately. An
// unrecognized mode returns ErrInvalidDurabilityMode and leaves the current
// mode in place. DurabilityMode reports what the engine actually applied.
func (s *Store[V]) SetDurabilityMode(ctx context.Context, mode DurabilityMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrNotOpen
	}
	if !mode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidDurabilityMode, mode)
	}

	applied, err := s.engine.SetDurabilityMode(ctx, mode)
	if err != nil {
		return err
	}

	s.logger.Debug("kv durability mode changed", "from", s.mode, "to", applied, "requested", mode)
	s.mode = applied
	return nil
}

// DurabilityMode returns the mode the engine has in effect. An in-memory
// SQLite database reports MEMORY for requests it cannot honor.
func (s *Store[V]) DurabilityMode() DurabilityMode {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mode
}

// Close releases the engine. Every later call returns ErrNotOpen.
// The changefeed publisher is not closed as it may be shared.
func (s *Store[V]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrNotOpen
	}
	s.closed = true

	return s.engine.Close()
}

func (s *Store[V]) put(ctx context.Context, key string, value V) error {
	data, err := s.encode(ctx, key, value)
	if err != nil {
		return err
	}
	return s.engine.Upsert(ctx, key, data)
}

func (s *Store[V]) lookup(ctx context.Context, key string) (V, bool, error) {
	var zero V

	data, found, err := s.engine.Lookup(ctx, key)
	if err != nil || !found {
		return zero, false, err
	}

	value, err := s.decode(ctx, key, data)
	if err != nil {
		return zero, false, err
	}
	return value, true, nil
}

func (s *Store[V]) encode(ctx context.Context, key string, value V) ([]byte, error) {
	data, err := s.codec.Encode(value)
	if err != nil {
		return nil, err
	}

	if s.encryptor != nil {
		encrypted, err := s.encryptor.Encrypt(ctx, key, data)
		if err != nil {
			return nil, fmt.Errorf("encryption failed: %w", err)
		}
		data = encrypted
	}

	return data, nil
}

func (s *Store[V]) decode(ctx context.Context, key string, data []byte) (V, error) {
	if s.encryptor != nil {
		decrypted, err := s.encryptor.Decrypt(ctx, key, data)
		if err != nil {
			var zero V
			return zero, err
		}
		data = decrypted
	}

	return s.codec.Decode(data)
}

// publish reports committed writes. The write already happened, so a
// failure is only logged.
func (s *Store[V]) publish(ctx context.Context, changes ...changefeed.Change) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, s.topic, changes...); err != nil {
		s.logger.Warn("kv changefeed publish failed", "topic", s.topic, "error", err)
	}
}

// isUndefined reports whether v is a nil pointer, interface, map, slice,
// func or chan.
func isUndefined[V any](v V) bool {
	rv := reflect.ValueOf(any(v))
	if !rv.IsValid() {
		return true
	}

	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
