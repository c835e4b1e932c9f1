// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/cockroachdb/joinbuf/pkg/sql/joinbuf"
	"github.com/stretchr/testify/require"
)

func TestLoadWorkload(t *testing.T) {
	w, err := loadWorkload("testdata/outer.toml")
	require.NoError(t, err)
	require.Equal(t, "keyed", w.Strategy)
	require.Equal(t, "pebble", w.Storage)
	require.Equal(t, joinbuf.ByteSize(2<<10), w.Config.BufferSize)
	require.Len(t, w.Outer.Cols, 2)
	require.Equal(t, "blob", w.Outer.Cols[1].Type)

	w, err = loadWorkload("testdata/dedup.yaml")
	require.NoError(t, err)
	require.Equal(t, joinbuf.ByteSize(4<<10), w.Config.BufferSize)
	require.Equal(t, 16, w.Config.EstimatedKeys)
	require.True(t, w.Outer.Cols[1].Nullable)
}

func TestRunWorkload(t *testing.T) {
	ctx := context.Background()

	t.Run("dedup", func(t *testing.T) {
		w, err := loadWorkload("testdata/dedup.yaml")
		require.NoError(t, err)
		res, err := runWorkload(ctx, w)
		require.NoError(t, err)
		require.Equal(t, 500, res.outputs)
		require.Zero(t, res.nullComplemented)
		require.False(t, res.fellBack)
		require.Equal(t, 500, res.stats.KeysSubmitted+res.stats.DedupHits)
		require.Greater(t, res.stats.DedupHits, 0)

		var buf bytes.Buffer
		res.render(&buf)
		require.Contains(t, buf.String(), "output rows")
	})

	for _, storage := range []string{"memory", "pebble"} {
		t.Run("outer/"+storage, func(t *testing.T) {
			w, err := loadWorkload("testdata/outer.toml")
			require.NoError(t, err)
			w.Storage = storage
			res, err := runWorkload(ctx, w)
			require.NoError(t, err)
			require.Equal(t, 100, res.outputs)
			require.Equal(t, 30, res.nullComplemented)
			require.Equal(t, 100, res.stats.KeysSubmitted)
		})
	}

	t.Run("plain", func(t *testing.T) {
		w, err := loadWorkload("testdata/dedup.yaml")
		require.NoError(t, err)
		w.Strategy = joinbuf.Plain.String()
		res, err := runWorkload(ctx, w)
		require.NoError(t, err)
		require.Equal(t, 500, res.outputs)
		require.Zero(t, res.stats.KeysSubmitted)
	})
}
