package kv_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/erlorenz/go-kvstore/changefeed"
	"github.com/erlorenz/go-kvstore/kv"
	"github.com/stretchr/testify/require"
)

func TestStoreChangefeed(t *testing.T) {
	ctx := context.Background()

	broker := changefeed.NewInMemory()
	defer broker.Close()

	received := make(chan []changefeed.Change, 10)
	require.NoError(t, broker.Subscribe(ctx, "entries", func(batch []changefeed.Change) {
		received <- batch
	}))

	store, err := kv.Open(ctx, kv.MemoryLocation, kv.JSONCodec[string]{},
		kv.WithChangefeed(broker, "entries"),
	)
	require.NoError(t, err)
	defer store.Close()

	next := func() []changefeed.Change {
		t.Helper()
		select {
		case batch := <-received:
			return batch
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for changes")
			return nil
		}
	}

	_, err = store.Set(ctx, "a", "1")
	require.NoError(t, err)
	batch := next()
	require.Len(t, batch, 1)
	require.Equal(t, changefeed.OpSet, batch[0].Op)
	require.Equal(t, "a", batch[0].Key)
	require.Empty(t, batch[0].TxID)

	// Deleting a missing key publishes nothing; the next batch is the real delete.
	_, _, err = store.Delete(ctx, "missing")
	require.NoError(t, err)
	_, _, err = store.Delete(ctx, "a")
	require.NoError(t, err)
	batch = next()
	require.Equal(t, changefeed.OpDelete, batch[0].Op)
	require.Equal(t, "a", batch[0].Key)

	// A rolled back transaction publishes nothing.
	_, err = store.Transaction(ctx, func(tx *kv.Tx[string]) error {
		tx.Set("x", "1")
		return errors.New("abort")
	})
	require.Error(t, err)

	var txID string
	_, err = store.Transaction(ctx, func(tx *kv.Tx[string]) error {
		txID = tx.ID()
		if _, err := tx.Set("y", "2"); err != nil {
			return err
		}
		return tx.Delete("z")
	})
	require.NoError(t, err)
	batch = next()
	require.Len(t, batch, 2)
	require.Equal(t, txID, batch[0].TxID)
	require.Equal(t, changefeed.OpSet, batch[0].Op)
	require.Equal(t, "y", batch[0].Key)
	require.Equal(t, changefeed.OpDelete, batch[1].Op)
	require.Equal(t, "z", batch[1].Key)

	require.NoError(t, store.Clear(ctx))
	batch = next()
	require.Equal(t, changefeed.OpClear, batch[0].Op)
}

func TestStoreChangefeedPublishFailure(t *testing.T) {
	ctx := context.Background()

	broker := changefeed.NewInMemory()
	require.NoError(t, broker.Close())

	store, err := kv.Open(ctx, kv.MemoryLocation, kv.JSONCodec[string]{},
		kv.WithChangefeed(broker, "entries"),
	)
	require.NoError(t, err)
	defer store.Close()

	// The write stands even though the broker refuses it.
	_, err = store.Set(ctx, "k", "v")
	require.NoError(t, err)

	got, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v", got)
}
