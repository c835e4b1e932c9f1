// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package kvindex

import (
	"context"
	"sort"
	"testing"

	"github.com/cockroachdb/joinbuf/pkg/sql/joinbuf"
	"github.com/cockroachdb/joinbuf/pkg/sql/joinbuf/jbtypes"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

var devices = jbtypes.TableSpec{Name: "devices", Cols: []jbtypes.ColumnSpec{
	{Name: "id", Type: jbtypes.Fixed, MaxLen: 2},
	{Name: "model", Type: jbtypes.VarLong, MaxLen: 64, Nullable: true},
}}

func row(vals ...string) jbtypes.TableRow {
	r := jbtypes.MakeTableRow(len(vals))
	for i, v := range vals {
		if v == "NULL" {
			r.Nulls[i] = true
			continue
		}
		r.Vals[i] = []byte(v)
	}
	return r
}

func format(r jbtypes.TableRow) []string {
	res := make([]string, len(r.Vals))
	for i, v := range r.Vals {
		if r.IsNull(i) {
			res[i] = "NULL"
		} else {
			res[i] = string(v)
		}
	}
	return res
}

func openDevices(t *testing.T, rows ...jbtypes.TableRow) *Store {
	t.Helper()
	s, err := Open(devices, []int{0})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	for _, r := range rows {
		require.NoError(t, s.Insert(r))
	}
	return s
}

func TestScan(t *testing.T) {
	ctx := context.Background()
	s := openDevices(t, row("01", "alpha"), row("02", "NULL"), row("03", ""))
	it, err := s.Scan(ctx)
	require.NoError(t, err)
	defer it.Close()
	var got [][]string
	for {
		r, ok, err := it.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, format(r))
	}
	// Rows come back in insertion order.
	expected := [][]string{{"01", "alpha"}, {"02", "NULL"}, {"03", ""}}
	if diff := cmp.Diff(expected, got); diff != "" {
		t.Errorf("unexpected rows (-want +got):\n%s", diff)
	}
	it.Close()
	_, ok, err := it.Next(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.Error(t, s.Insert(row("04")))
}

func TestLookup(t *testing.T) {
	ctx := context.Background()
	s := openDevices(t, row("02", "b1"), row("01", "a"), row("02", "b2"), row("04", "d"))
	key := func(id string) []byte {
		return jbtypes.AppendKeyPart(nil, devices.Cols[0], []byte(id))
	}
	require.Equal(t, 1+2+8, s.ScratchPerKey(2))

	_, err := s.Begin(ctx, jbtypes.LookupArgs{KeyWidth: 3})
	require.Error(t, err)

	for _, scratch := range []int{0, 64} {
		lk, err := s.Begin(ctx, jbtypes.LookupArgs{KeyCount: 3, KeyWidth: 2, Scratch: make([]byte, scratch)})
		require.NoError(t, err)
		require.NoError(t, lk.Submit(key("02"), 7))
		require.NoError(t, lk.Submit(key("03"), 8))
		require.NoError(t, lk.Submit(key("01"), 9))

		type result struct {
			Tok  jbtypes.Token
			Vals []string
		}
		var got []result
		for {
			r, tok, ok, err := lk.Next(ctx)
			require.NoError(t, err)
			if !ok {
				break
			}
			got = append(got, result{tok, format(r)})
		}
		require.Error(t, lk.Submit(key("04"), 10))
		lk.Abort()
		lk.Abort()

		// Keys are resolved in index order.
		expected := []result{
			{9, []string{"01", "a"}},
			{7, []string{"02", "b1"}},
			{7, []string{"02", "b2"}},
		}
		if diff := cmp.Diff(expected, got); diff != "" {
			t.Errorf("scratch %d: unexpected rows (-want +got):\n%s", scratch, diff)
		}
	}
}

func TestPrefixEnd(t *testing.T) {
	for _, tc := range []struct {
		p, expected []byte
	}{
		{[]byte("i"), []byte("j")},
		{[]byte{'i', 0xff}, []byte{'j'}},
		{[]byte{'i', 'a', 0xff, 0xff}, []byte{'i', 'b'}},
		{[]byte{0xff}, nil},
	} {
		require.Equal(t, tc.expected, prefixEnd(tc.p), "%q", tc.p)
	}
}

// TestJoinBuffer joins a buffered table against the store with both the
// keyed strategy and the fallback scan.
func TestJoinBuffer(t *testing.T) {
	ctx := context.Background()
	s := openDevices(t, row("01", "a"), row("02", "b"), row("02", "NULL"))
	events := jbtypes.TableSpec{Name: "events", Cols: []jbtypes.ColumnSpec{
		{Name: "device", Type: jbtypes.Fixed, MaxLen: 2},
		{Name: "seq", Type: jbtypes.VarShort, MaxLen: 4},
	}}
	for _, strategy := range []joinbuf.Strategy{joinbuf.Plain, joinbuf.Keyed, joinbuf.KeyedDeduped} {
		t.Run(strategy.String(), func(t *testing.T) {
			spec := joinbuf.Spec{
				Name:     "events",
				Strategy: strategy,
				JoinType: joinbuf.LeftOuterJoin,
				Capacity: 1 << 10,
				Outer:    []jbtypes.TableSpec{events},
				Inner:    devices,
				Scanner:  s,
			}
			if strategy == joinbuf.Plain {
				spec.Condition = jbtypes.ConditionFunc(func(outer jbtypes.Row, inner *jbtypes.TableRow) (bool, error) {
					return string(outer[0].Vals[0]) == string(inner.Vals[0]), nil
				})
			} else {
				spec.Lookup = s
				spec.KeyParts = []jbtypes.ColRef{{Table: 0, Col: 0}}
				spec.InnerKey = []int{0}
			}
			c, err := joinbuf.New(ctx, joinbuf.DefaultConfig(), spec)
			require.NoError(t, err)
			defer c.Close()
			for _, r := range []jbtypes.TableRow{row("02", "1"), row("03", "2"), row("02", "3"), row("01", "4")} {
				status, err := c.Put(ctx, jbtypes.Row{r})
				require.NoError(t, err)
				require.Equal(t, joinbuf.Buffered, status)
			}

			d := c.Drain(ctx)
			defer d.Close()
			var got []string
			for {
				jr, ok, err := d.Next(ctx)
				require.NoError(t, err)
				if !ok {
					break
				}
				out := string(jr.Outer[0].Vals[0]) + "/" + string(jr.Outer[0].Vals[1]) + ":"
				if jr.Inner != nil {
					out += format(*jr.Inner)[1]
				} else {
					out += "-"
				}
				got = append(got, out)
			}
			sort.Strings(got)
			require.Equal(t, []string{"01/4:a", "02/1:NULL", "02/1:b", "02/3:NULL", "02/3:b", "03/2:-"}, got)
		})
	}
}
