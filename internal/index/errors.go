package index

import (
	"errors"
	"fmt"
)

// Common errors returned by the chunker and the vector index.
var (
	ErrConfiguration     = errors.New("invalid configuration")
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	ErrEmptyVector       = errors.New("empty or zero vector")
	ErrDuplicateChunk    = errors.New("duplicate chunk id")
)

// ConfigError reports an invalid chunker or index setting.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrConfiguration
}

// DimensionError reports a vector whose length differs from the index dimension.
type DimensionError struct {
	ChunkID string
	Got     int
	Want    int
}

func (e *DimensionError) Error() string {
	if e.ChunkID == "" {
		return fmt.Sprintf("vector dimension mismatch: got %d, expected %d", e.Got, e.Want)
	}
	return fmt.Sprintf("vector dimension mismatch for %s: got %d, expected %d", e.ChunkID, e.Got, e.Want)
}

func (e *DimensionError) Unwrap() error {
	return ErrDimensionMismatch
}
