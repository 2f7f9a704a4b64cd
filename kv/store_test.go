package kv_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/erlorenz/go-kvstore/changefeed"
	"github.com/erlorenz/go-kvstore/kv"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string    `json:"name"`
	Count int       `json:"count"`
	At    time.Time `json:"at"`
}

type engineFactory struct {
	name string
	open func(t *testing.T) kv.Engine
}

var pgTableSeq atomic.Int64

// engineFactories lists every engine the store contract is checked against.
// Postgres joins when KV_POSTGRES_URL points at a database.
func engineFactories(t *testing.T) []engineFactory {
	t.Helper()
	ctx := context.Background()

	factories := []engineFactory{
		{"SQLiteMemory", func(t *testing.T) kv.Engine {
			e, err := kv.OpenSQLite(ctx, kv.MemoryLocation)
			require.NoError(t, err)
			return e
		}},
		{"SQLiteFile", func(t *testing.T) kv.Engine {
			path := filepath.Join(t.TempDir(), "nested", "dir", "kv.db")
			e, err := kv.OpenSQLite(ctx, path)
			require.NoError(t, err)
			return e
		}},
		{"Memory", func(t *testing.T) kv.Engine {
			return kv.NewMemoryEngine()
		}},
		{"Bolt", func(t *testing.T) kv.Engine {
			e, err := kv.OpenBolt(ctx, filepath.Join(t.TempDir(), "kv.bolt"))
			require.NoError(t, err)
			return e
		}},
		{"Pebble", func(t *testing.T) kv.Engine {
			e, err := kv.OpenPebble(ctx, kv.MemoryLocation)
			require.NoError(t, err)
			return e
		}},
	}

	if url := os.Getenv("KV_POSTGRES_URL"); url != "" {
		factories = append(factories, engineFactory{"Postgres", func(t *testing.T) kv.Engine {
			table := fmt.Sprintf("kv_test_%d_%d", time.Now().UnixNano(), pgTableSeq.Add(1))
			e, err := kv.OpenPostgres(ctx, url, kv.WithTable(table))
			require.NoError(t, err)
			return e
		}})
	}

	return factories
}

// forEachEngine runs test once per engine with a fresh store.
func forEachEngine(t *testing.T, test func(t *testing.T, store *kv.Store[record])) {
	t.Helper()

	for _, f := range engineFactories(t) {
		t.Run(f.name, func(t *testing.T) {
			store, err := kv.New(context.Background(), f.open(t), kv.JSONCodec[record]{})
			require.NoError(t, err)
			t.Cleanup(func() {
				store.Clear(context.Background())
				store.Close()
			})
			test(t, store)
		})
	}
}

func TestStore(t *testing.T) {
	tests := []struct {
		name string
		test func(t *testing.T, store *kv.Store[record])
	}{
		{"SetAndGet", testSetAndGet},
		{"GetMissing", testGetMissing},
		{"DeleteIdempotent", testDeleteIdempotent},
		{"LastWriteWins", testLastWriteWins},
		{"AllWithFilter", testAllWithFilter},
		{"Clear", testClear},
		{"InvalidKey", testInvalidKey},
		{"DurabilityMode", testDurabilityMode},
		{"NotOpenAfterClose", testNotOpenAfterClose},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			forEachEngine(t, tt.test)
		})
	}
}

func testSetAndGet(t *testing.T, store *kv.Store[record]) {
	ctx := context.Background()
	want := record{Name: "alice", Count: 3, At: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}

	got, err := store.Set(ctx, "user:1", want)
	require.NoError(t, err)
	require.Equal(t, want, got)

	got, found, err := store.Get(ctx, "user:1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, want.Name, got.Name)
	require.Equal(t, want.Count, got.Count)
	require.True(t, want.At.Equal(got.At))
}

func testGetMissing(t *testing.T, store *kv.Store[record]) {
	ctx := context.Background()

	_, found, err := store.Get(ctx, "never")
	require.NoError(t, err)
	require.False(t, found)

	_, err = store.Set(ctx, "gone", record{Name: "x"})
	require.NoError(t, err)
	_, _, err = store.Delete(ctx, "gone")
	require.NoError(t, err)

	_, found, err = store.Get(ctx, "gone")
	require.NoError(t, err)
	require.False(t, found)
}

func testDeleteIdempotent(t *testing.T, store *kv.Store[record]) {
	ctx := context.Background()

	_, err := store.Set(ctx, "k", record{Name: "v"})
	require.NoError(t, err)

	prev, found, err := store.Delete(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v", prev.Name)

	_, found, err = store.Delete(ctx, "k")
	require.NoError(t, err)
	require.False(t, found)

	entries, err := store.All(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func testLastWriteWins(t *testing.T, store *kv.Store[record]) {
	ctx := context.Background()

	_, err := store.Set(ctx, "k", record{Name: "v1"})
	require.NoError(t, err)
	_, err = store.Set(ctx, "k", record{Name: "v2"})
	require.NoError(t, err)

	got, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v2", got.Name)

	entries, err := store.All(ctx, nil)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "k", entries[0].Key)
	require.Equal(t, "v2", entries[0].Value.Name)
}

func testAllWithFilter(t *testing.T, store *kv.Store[record]) {
	ctx := context.Background()

	for i := range 10 {
		_, err := store.Set(ctx, fmt.Sprintf("item:%d", i), record{Count: i})
		require.NoError(t, err)
	}

	entries, err := store.All(ctx, func(key string, v record) bool {
		return v.Count%2 == 0
	})
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for _, e := range entries {
		require.Zero(t, e.Value.Count%2, "key %s", e.Key)
	}
}

func testClear(t *testing.T, store *kv.Store[record]) {
	ctx := context.Background()

	for i := range 3 {
		_, err := store.Set(ctx, fmt.Sprintf("k%d", i), record{Count: i})
		require.NoError(t, err)
	}

	require.NoError(t, store.Clear(ctx))

	entries, err := store.All(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, entries)

	// Clearing an empty store is fine too.
	require.NoError(t, store.Clear(ctx))
}

func testInvalidKey(t *testing.T, store *kv.Store[record]) {
	ctx := context.Background()

	_, err := store.Set(ctx, "", record{Name: "x"})
	require.ErrorIs(t, err, kv.ErrInvalidKey)

	_, _, err = store.Get(ctx, "")
	require.ErrorIs(t, err, kv.ErrInvalidKey)

	_, _, err = store.Delete(ctx, "")
	require.ErrorIs(t, err, kv.ErrInvalidKey)

	entries, err := store.All(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func testDurabilityMode(t *testing.T, store *kv.Store[record]) {
	ctx := context.Background()
	before := store.DurabilityMode()
	require.True(t, before.Valid())

	err := store.SetDurabilityMode(ctx, kv.DurabilityMode("BOGUS"))
	require.ErrorIs(t, err, kv.ErrInvalidDurabilityMode)
	require.Equal(t, before, store.DurabilityMode())

	require.NoError(t, store.SetDurabilityMode(ctx, kv.DurabilityOff))
	require.Equal(t, kv.DurabilityOff, store.DurabilityMode())

	// Writes keep working in the new mode.
	_, err = store.Set(ctx, "k", record{Name: "v"})
	require.NoError(t, err)
}

func testNotOpenAfterClose(t *testing.T, store *kv.Store[record]) {
	ctx := context.Background()
	require.NoError(t, store.Close())

	_, err := store.Set(ctx, "k", record{})
	require.ErrorIs(t, err, kv.ErrNotOpen)
	_, _, err = store.Get(ctx, "k")
	require.ErrorIs(t, err, kv.ErrNotOpen)
	_, _, err = store.Delete(ctx, "k")
	require.ErrorIs(t, err, kv.ErrNotOpen)
	_, err = store.All(ctx, nil)
	require.ErrorIs(t, err, kv.ErrNotOpen)
	require.ErrorIs(t, store.Clear(ctx), kv.ErrNotOpen)
	require.ErrorIs(t, store.SetDurabilityMode(ctx, kv.DurabilityWAL), kv.ErrNotOpen)
	_, err = store.Transaction(ctx, func(tx *kv.Tx[record]) error { return nil })
	require.ErrorIs(t, err, kv.ErrNotOpen)
	require.ErrorIs(t, store.Close(), kv.ErrNotOpen)
}

func TestUndefinedValue(t *testing.T) {
	ctx := context.Background()

	store, err := kv.New(ctx, kv.NewMemoryEngine(), kv.JSONCodec[*record]{})
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Set(ctx, "k", nil)
	require.ErrorIs(t, err, kv.ErrUndefinedValue)

	_, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, found)

	_, err = store.Transaction(ctx, func(tx *kv.Tx[*record]) error {
		_, err := tx.Set("k", nil)
		return err
	})
	require.ErrorIs(t, err, kv.ErrUndefinedValue)
}

func TestOpenDefaults(t *testing.T) {
	ctx := context.Background()

	t.Run("InMemory", func(t *testing.T) {
		store, err := kv.New(ctx, kv.NewMemoryEngine(), kv.JSONCodec[record]{})
		require.NoError(t, err)
		defer store.Close()

		require.Equal(t, kv.DurabilityDelete, store.DurabilityMode())
	})

	// SQLite keeps an in-memory database in MEMORY journal mode whatever is
	// requested, and the store reports that.
	t.Run("SQLiteInMemoryReportsApplied", func(t *testing.T) {
		store, err := kv.Open(ctx, kv.MemoryLocation, kv.JSONCodec[record]{})
		require.NoError(t, err)
		defer store.Close()

		require.Equal(t, kv.DurabilityMemory, store.DurabilityMode())

		require.NoError(t, store.SetDurabilityMode(ctx, kv.DurabilityWAL))
		require.Equal(t, kv.DurabilityMemory, store.DurabilityMode())

		require.NoError(t, store.SetDurabilityMode(ctx, kv.DurabilityOff))
		require.Equal(t, kv.DurabilityOff, store.DurabilityMode())
	})

	t.Run("NilLogger", func(t *testing.T) {
		store, err := kv.New(ctx, kv.NewMemoryEngine(), kv.JSONCodec[record]{}, kv.WithLogger(nil))
		require.NoError(t, err)
		defer store.Close()

		_, err = store.Transaction(ctx, func(tx *kv.Tx[record]) error {
			_, err := tx.Set("k", record{Name: "v"})
			return err
		})
		require.NoError(t, err)
		require.NoError(t, store.SetDurabilityMode(ctx, kv.DurabilityOff))
	})

	t.Run("FileCreatesDirectories", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "a", "b", "store.db")

		store, err := kv.Open(ctx, path, kv.JSONCodec[record]{})
		require.NoError(t, err)
		require.Equal(t, kv.DurabilityWAL, store.DurabilityMode())

		_, err = store.Set(ctx, "k", record{Name: "persisted"})
		require.NoError(t, err)
		require.NoError(t, store.Close())

		_, err = os.Stat(path)
		require.NoError(t, err)

		reopened, err := kv.Open(ctx, path, kv.JSONCodec[record]{})
		require.NoError(t, err)
		defer reopened.Close()

		got, found, err := reopened.Get(ctx, "k")
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, "persisted", got.Name)
	})

	t.Run("ExplicitModeAndTable", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "store.db")

		store, err := kv.Open(ctx, path, kv.JSONCodec[record]{},
			kv.WithDurabilityMode(kv.DurabilityTruncate),
			kv.WithEngineOptions(kv.WithTable("custom")),
		)
		require.NoError(t, err)
		defer store.Close()

		require.Equal(t, kv.DurabilityTruncate, store.DurabilityMode())
	})

	t.Run("InvalidMode", func(t *testing.T) {
		_, err := kv.Open(ctx, kv.MemoryLocation, kv.JSONCodec[record]{},
			kv.WithDurabilityMode(kv.DurabilityMode("nope")),
		)
		require.ErrorIs(t, err, kv.ErrInvalidDurabilityMode)
	})
}

// A value that no longer decodes, say after the codec changed, must survive
// a failed Delete untouched.
func TestDeleteUndecodableValue(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.db")

	raw, err := kv.Open(ctx, path, kv.RawCodec{})
	require.NoError(t, err)
	_, err = raw.Set(ctx, "k", []byte("not-json"))
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	broker := changefeed.NewInMemory()
	defer broker.Close()
	received := make(chan []changefeed.Change, 1)
	require.NoError(t, broker.Subscribe(ctx, "kv", func(batch []changefeed.Change) {
		received <- batch
	}))

	typed, err := kv.Open(ctx, path, kv.JSONCodec[int]{}, kv.WithChangefeed(broker, "kv"))
	require.NoError(t, err)

	_, found, err := typed.Delete(ctx, "k")
	require.Error(t, err)
	require.False(t, found)
	require.NoError(t, typed.Close())

	select {
	case batch := <-received:
		t.Fatalf("unexpected change published: %+v", batch)
	case <-time.After(50 * time.Millisecond):
	}

	raw, err = kv.Open(ctx, path, kv.RawCodec{})
	require.NoError(t, err)
	defer raw.Close()

	got, found, err := raw.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("not-json"), got)
}
