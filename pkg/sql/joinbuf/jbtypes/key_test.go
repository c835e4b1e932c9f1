// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package jbtypes

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendKeyPart(t *testing.T) {
	for _, tc := range []struct {
		c        ColumnSpec
		v        string
		expected []byte
	}{
		{ColumnSpec{Type: Fixed, MaxLen: 3}, "ab", []byte("ab\x00")},
		{ColumnSpec{Type: Fixed, MaxLen: 2}, "abc", []byte("ab")},
		{ColumnSpec{Type: Stripped, MaxLen: 4}, "ab  ", []byte("ab  ")},
		{ColumnSpec{Type: Stripped, MaxLen: 4}, "ab", []byte("ab  ")},
		{ColumnSpec{Type: VarShort, MaxLen: 3}, "a", []byte("\x01\x00a\x00\x00")},
		{ColumnSpec{Type: VarLong, MaxLen: 2}, "abc", []byte("\x02\x00ab")},
	} {
		got := AppendKeyPart(nil, tc.c, []byte(tc.v))
		require.Equal(t, tc.expected, got, "%s(%d) %q", tc.c.Type, tc.c.MaxLen, tc.v)
		w, err := KeyPartWidth(tc.c)
		require.NoError(t, err)
		require.Len(t, got, w)
	}
	_, err := KeyPartWidth(ColumnSpec{Name: "b", Type: Blob, MaxLen: 10})
	require.Error(t, err)
}

func TestAppendKey(t *testing.T) {
	cols := []ColumnSpec{{Type: Fixed, MaxLen: 1}, {Type: Stripped, MaxLen: 2, Nullable: true}}
	row := MakeTableRow(3)
	row.Vals[0], row.Vals[2] = []byte("x"), []byte("k")
	row.Nulls[1] = true

	key, ok := AppendKey([]byte("p"), cols, &row, []int{2, 0})
	require.True(t, ok)
	require.Equal(t, []byte("pkx "), key)

	_, ok = AppendKey(nil, cols, &row, []int{0, 1})
	require.False(t, ok)

	w, err := KeyWidth(cols)
	require.NoError(t, err)
	require.Equal(t, 3, w)

	// Keys differing only in trailing spaces of stripped parts are equal.
	a := AppendKeyPart(nil, cols[1], []byte("a "))
	b := AppendKeyPart(nil, cols[1], []byte("a"))
	require.True(t, bytes.Equal(a, b))
}

func TestTableRow(t *testing.T) {
	row := MakeTableRow(2)
	row.Vals[0] = []byte("v")
	row.Nulls[1] = true
	cp := row.Copy()
	row.Vals[0][0] = 'w'
	require.Equal(t, "v", string(cp.Vals[0]))
	require.True(t, cp.IsNull(1))
	require.False(t, cp.IsNull(0))

	cp.Absent = true
	require.True(t, cp.IsNull(0))
	require.False(t, (&TableRow{Vals: make([][]byte, 1)}).IsNull(0))

	require.Equal(t, "@2.3", ColRef{Table: 1, Col: 2}.String())
	typ, ok := ParseFieldType("varlong")
	require.True(t, ok)
	require.Equal(t, VarLong, typ)
	_, ok = ParseFieldType("text")
	require.False(t, ok)
}
