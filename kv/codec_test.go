package kv_test

import (
	"testing"
	"time"

	"github.com/erlorenz/go-kvstore/kv"
	"github.com/stretchr/testify/require"
)

func TestJSONCodec(t *testing.T) {
	t.Run("Struct", func(t *testing.T) {
		codec := kv.JSONCodec[record]{}
		want := record{Name: "n", Count: 7, At: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}

		data, err := codec.Encode(want)
		require.NoError(t, err)
		require.JSONEq(t, `{"name":"n","count":7,"at":"2025-06-01T12:00:00Z"}`, string(data))

		got, err := codec.Decode(data)
		require.NoError(t, err)
		require.Equal(t, want.Name, got.Name)
		require.True(t, want.At.Equal(got.At))
	})

	t.Run("Dynamic", func(t *testing.T) {
		codec := kv.JSONCodec[any]{}

		data, err := codec.Encode(map[string]any{"list": []any{1, "two"}, "ok": true})
		require.NoError(t, err)

		got, err := codec.Decode(data)
		require.NoError(t, err)
		require.Equal(t, map[string]any{"list": []any{float64(1), "two"}, "ok": true}, got)
	})

	t.Run("DecodeError", func(t *testing.T) {
		_, err := kv.JSONCodec[record]{}.Decode([]byte("{"))
		require.Error(t, err)
	})

	t.Run("EncodeError", func(t *testing.T) {
		_, err := kv.JSONCodec[any]{}.Encode(make(chan int))
		require.Error(t, err)
	})
}

func TestRawCodec(t *testing.T) {
	in := []byte("abc")

	data, err := kv.RawCodec{}.Encode(in)
	require.NoError(t, err)

	out, err := kv.RawCodec{}.Decode(data)
	require.NoError(t, err)
	require.Equal(t, in, out)

	out[0] = 'z'
	require.Equal(t, byte('a'), data[0])
}
