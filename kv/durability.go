package kv

import (
	"fmt"
	"strings"
)

// DurabilityMode is the engine's write-durability or journaling strategy.
// The names follow SQLite's journal modes; other engines map them onto
// their own knobs.
type DurabilityMode string

const (
	DurabilityDelete   DurabilityMode = "DELETE"
	DurabilityMemory   DurabilityMode = "MEMORY"
	DurabilityOff      DurabilityMode = "OFF"
	DurabilityPersist  DurabilityMode = "PERSIST"
	DurabilityTruncate DurabilityMode = "TRUNCATE"
	DurabilityWAL      DurabilityMode = "WAL"
)

// Valid reports whether m is one of the recognized modes.
func (m DurabilityMode) Valid() bool {
	switch m {
	case DurabilityDelete, DurabilityMemory, DurabilityOff,
		DurabilityPersist, DurabilityTruncate, DurabilityWAL:
		return true
	}
	return false
}

// Synchronous reports whether writes in this mode are flushed to stable
// storage on commit.
func (m DurabilityMode) Synchronous() bool {
	return m != DurabilityOff && m != DurabilityMemory
}

func (m DurabilityMode) String() string {
	return string(m)
}

// ParseDurabilityMode parses a mode name case-insensitively.
func ParseDurabilityMode(s string) (DurabilityMode, error) {
	m := DurabilityMode(strings.ToUpper(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidDurabilityMode, s)
	}
	return m, nil
}

// UnmarshalText lets a DurabilityMode be filled from configuration.
func (m *DurabilityMode) UnmarshalText(text []byte) error {
	parsed, err := ParseDurabilityMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// defaultDurability is DELETE for in-memory engines and write-ahead logging
// for everything on disk.
func defaultDurability(inMemory bool) DurabilityMode {
	if inMemory {
		return DurabilityDelete
	}
	return DurabilityWAL
}
