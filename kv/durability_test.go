package kv_test

import (
	"testing"

	"github.com/erlorenz/go-kvstore/kv"
	"github.com/stretchr/testify/require"
)

func TestParseDurabilityMode(t *testing.T) {
	tests := []struct {
		in      string
		want    kv.DurabilityMode
		wantErr bool
	}{
		{"DELETE", kv.DurabilityDelete, false},
		{"wal", kv.DurabilityWAL, false},
		{" Truncate ", kv.DurabilityTruncate, false},
		{"persist", kv.DurabilityPersist, false},
		{"memory", kv.DurabilityMemory, false},
		{"OFF", kv.DurabilityOff, false},
		{"", "", true},
		{"journal", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := kv.ParseDurabilityMode(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, kv.ErrInvalidDurabilityMode)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestDurabilityModeSynchronous(t *testing.T) {
	require.True(t, kv.DurabilityWAL.Synchronous())
	require.True(t, kv.DurabilityDelete.Synchronous())
	require.False(t, kv.DurabilityOff.Synchronous())
	require.False(t, kv.DurabilityMemory.Synchronous())
}

func TestDurabilityModeUnmarshalText(t *testing.T) {
	var m kv.DurabilityMode
	require.NoError(t, m.UnmarshalText([]byte("truncate")))
	require.Equal(t, kv.DurabilityTruncate, m)

	require.ErrorIs(t, m.UnmarshalText([]byte("bogus")), kv.ErrInvalidDurabilityMode)
	require.Equal(t, kv.DurabilityTruncate, m)
}
