package kv

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// Codec turns values into the opaque bytes an Engine stores and back.
// Decode(Encode(v)) must yield a value equal to v.
type Codec[V any] interface {
	Encode(v V) ([]byte, error)
	Decode(data []byte) (V, error)
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONCodec encodes values as JSON. Concrete types round-trip exactly,
// including time.Time fields; values held in an interface decode into the
// generic JSON shapes (map[string]any, []any, float64, string, bool).
type JSONCodec[V any] struct{}

func (JSONCodec[V]) Encode(v V) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("kv: encode: %w", err)
	}
	return data, nil
}

func (JSONCodec[V]) Decode(data []byte) (V, error) {
	var v V
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("kv: decode: %w", err)
	}
	return v, nil
}

// RawCodec stores byte slices as-is, for callers that serialize themselves.
type RawCodec struct{}

func (RawCodec) Encode(v []byte) ([]byte, error) {
	return v, nil
}

func (RawCodec) Decode(data []byte) ([]byte, error) {
	return append([]byte(nil), data...), nil
}
