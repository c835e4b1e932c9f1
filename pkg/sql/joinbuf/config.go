// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package joinbuf

import (
	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
)

// ByteSize is a size in bytes. It unmarshals from humanized strings such as
// "256 KiB" or plain integers.
type ByteSize int64

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *ByteSize) UnmarshalText(text []byte) error {
	n, err := humanize.ParseBytes(string(text))
	if err != nil {
		return errors.Wrapf(err, "invalid byte size %q", text)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Config holds the engine-wide settings of join buffers. Per-join decisions
// (strategy, columns, capacity) are passed in Spec.
type Config struct {
	// BufferSize is the capacity used when Spec.Capacity is zero.
	BufferSize ByteSize `yaml:"buffer_size" toml:"buffer_size"`
	// MemoryLimit bounds the capacity of a single buffer.
	MemoryLimit ByteSize `yaml:"memory_limit" toml:"memory_limit"`
	// ScratchPerKey overrides the lookup protocol's estimate of the scratch
	// memory needed per submitted key when positive.
	ScratchPerKey int `yaml:"scratch_per_key" toml:"scratch_per_key"`
	// DeferBlobs allows the last record of a batch to leave its large object
	// payloads in the live row instead of copying them.
	DeferBlobs bool `yaml:"defer_blobs" toml:"defer_blobs"`
	// EstimatedKeys is the distinct key estimate used to size the hash table
	// of the deduplicated strategy when Spec.EstimatedKeys is zero.
	EstimatedKeys int `yaml:"estimated_keys" toml:"estimated_keys"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BufferSize:    256 << 10,
		MemoryLimit:   64 << 20,
		DeferBlobs:    true,
		EstimatedKeys: 128,
	}
}

// Validate checks the configuration for consistency.
func (cfg Config) Validate() error {
	if cfg.BufferSize <= 0 {
		return errors.Newf("buffer size must be positive, got %d", cfg.BufferSize)
	}
	if cfg.MemoryLimit < cfg.BufferSize {
		return errors.WithHintf(
			errors.Newf("memory limit %s is smaller than the buffer size %s", cfg.MemoryLimit, cfg.BufferSize),
			"raise memory_limit to at least %s", cfg.BufferSize)
	}
	if cfg.ScratchPerKey < 0 {
		return errors.Newf("scratch per key must not be negative, got %d", cfg.ScratchPerKey)
	}
	if cfg.EstimatedKeys < 0 {
		return errors.Newf("estimated keys must not be negative, got %d", cfg.EstimatedKeys)
	}
	return nil
}
