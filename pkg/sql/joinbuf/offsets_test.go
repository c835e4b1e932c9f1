// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package joinbuf

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestOffsetWidth(t *testing.T) {
	for _, tc := range []struct {
		max      uint64
		expected int
	}{
		{0, 1},
		{255, 1},
		{256, 2},
		{4096, 2},
		{math.MaxUint16, 2},
		{math.MaxUint16 + 1, 4},
		{math.MaxUint32, 4},
		{math.MaxUint32 + 1, 8},
		{math.MaxUint64, 8},
	} {
		require.Equal(t, tc.expected, offsetWidth(tc.max), "max %d", tc.max)
	}
}

func TestOffsetWidthProperties(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	properties.Property("width is minimal and holds capacity-1", prop.ForAll(
		func(capacity uint64) bool {
			w := offsetWidth(capacity)
			// The next smaller width must not cover capacity.
			if w > 1 && capacity < uint64(1)<<(8*(w/2)) {
				return false
			}
			b := make([]byte, 8)
			putOffset(b, w, capacity-1)
			return getOffset(b, w) == capacity-1
		},
		gen.UInt64Range(1, math.MaxUint64),
	))
	properties.Property("round trip", prop.ForAll(
		func(v uint64) bool {
			w := offsetWidth(v)
			b := make([]byte, w)
			putOffset(b, w, v)
			return getOffset(b, w) == v
		},
		gen.UInt64(),
	))
	properties.TestingRun(t)
}
