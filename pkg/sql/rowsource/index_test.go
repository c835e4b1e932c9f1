// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package rowsource

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/joinbuf/pkg/sql/joinbuf/jbtypes"
	"github.com/kr/pretty"
	"github.com/stretchr/testify/require"
)

var customers = jbtypes.TableSpec{Name: "customers", Cols: []jbtypes.ColumnSpec{
	{Name: "id", Type: jbtypes.Fixed, MaxLen: 2},
	{Name: "name", Type: jbtypes.Stripped, MaxLen: 8},
	{Name: "region", Type: jbtypes.VarShort, MaxLen: 4, Nullable: true},
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

func newCustomers(t *testing.T) *Table {
	t.Helper()
	tab := NewTable(customers)
	for _, r := range []jbtypes.TableRow{
		row("02", "bob", "eu"),
		row("01", "alice", "us"),
		row("03", "carol", "NULL"),
		row("02", "bill", "eu"),
	} {
		require.NoError(t, tab.Insert(r))
	}
	return tab
}

func TestTable(t *testing.T) {
	ctx := context.Background()
	tab := newCustomers(t)
	require.Equal(t, 4, tab.Len())
	require.Equal(t, "customers", tab.Spec().Name)

	// Inserted rows are copied.
	r := row("04", "dave", "us")
	require.NoError(t, tab.Insert(r))
	r.Vals[1][0] = 'X'
	require.Equal(t, "dave", string(tab.Row(4).Vals[1]))

	for _, bad := range []jbtypes.TableRow{
		row("05", "eve"),
		row("05", "NULL", "us"),
		row("05", "evelyn-the-great", "us"),
	} {
		require.Error(t, tab.Insert(bad), "%s", pretty.Sprint(bad))
	}

	it, err := tab.Scan(ctx)
	require.NoError(t, err)
	defer it.Close()
	var ids []string
	for {
		r, ok, err := it.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		ids = append(ids, string(r.Vals[0]))
	}
	require.Equal(t, []string{"02", "01", "03", "02", "04"}, ids)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	it, err = tab.Scan(cctx)
	require.NoError(t, err)
	_, _, err = it.Next(cctx)
	require.True(t, errors.Is(err, context.Canceled))
}

type lookupResult struct {
	Tok  jbtypes.Token
	Name string
}

func runLookup(
	t *testing.T, idx *Index, args jbtypes.LookupArgs, keys [][]byte, toks []jbtypes.Token,
) []lookupResult {
	t.Helper()
	ctx := context.Background()
	lk, err := idx.Begin(ctx, args)
	require.NoError(t, err)
	defer lk.Abort()
	for i, k := range keys {
		require.NoError(t, lk.Submit(k, toks[i]))
	}
	var res []lookupResult
	for {
		r, tok, ok, err := lk.Next(ctx)
		require.NoError(t, err)
		if !ok {
			return res
		}
		res = append(res, lookupResult{tok, string(r.Vals[1])})
	}
}

func TestIndexLookup(t *testing.T) {
	tab := newCustomers(t)
	idx, err := NewIndex(tab, []int{0}, IndexOptions{})
	require.NoError(t, err)
	// Rows inserted after the index was created are indexed too.
	require.NoError(t, tab.Insert(row("01", "amy", "NULL")))

	key := func(id string) []byte { return jbtypes.AppendKeyPart(nil, customers.Cols[0], []byte(id)) }
	args := jbtypes.LookupArgs{KeyCount: 3, KeyWidth: 2, Scratch: make([]byte, 4)}
	got := runLookup(t, idx, args, [][]byte{key("02"), key("09"), key("01")}, []jbtypes.Token{5, 6, 7})
	require.Equal(t, []lookupResult{
		{7, "alice"}, {7, "amy"}, {5, "bob"}, {5, "bill"},
	}, got, "%s", pretty.Sprint(got))

	s := idx.Stats()
	require.Equal(t, 1, s.Lookups)
	require.Equal(t, 3, s.Keys)
	require.Equal(t, 4, s.Rows)
	// The scratch memory holds the first two keys.
	require.Equal(t, 2, s.Scratched)
	require.Equal(t, 2, idx.ScratchPerKey(2))

	_, err = idx.Begin(context.Background(), jbtypes.LookupArgs{KeyWidth: 3})
	require.Error(t, err)
}

func TestIndexOmitTokens(t *testing.T) {
	tab := newCustomers(t)
	idx, err := NewIndex(tab, []int{0}, IndexOptions{OmitTokens: true, ScratchPerKey: 16})
	require.NoError(t, err)
	require.Equal(t, 16, idx.ScratchPerKey(2))
	key := func(id string) []byte { return jbtypes.AppendKeyPart(nil, customers.Cols[0], []byte(id)) }
	keys := [][]byte{key("02"), key("01"), key("02")}
	toks := []jbtypes.Token{1, 2, 3}

	// Tokens are kept unless the caller allows untagged rows.
	got := runLookup(t, idx, jbtypes.LookupArgs{KeyWidth: 2}, keys, toks)
	require.Equal(t, []lookupResult{{2, "alice"}, {1, "bob"}, {1, "bill"}, {3, "bob"}, {3, "bill"}}, got)

	// Keys submitted once come back untagged.
	got = runLookup(t, idx, jbtypes.LookupArgs{KeyWidth: 2, AllowUntagged: true}, keys, toks)
	require.Equal(t, []lookupResult{
		{jbtypes.NoToken, "alice"}, {1, "bob"}, {1, "bill"}, {3, "bob"}, {3, "bill"},
	}, got)
	require.Equal(t, 1, idx.Stats().Untagged)
}

func TestIndexNullKeys(t *testing.T) {
	tab := newCustomers(t)
	idx, err := NewIndex(tab, []int{2}, IndexOptions{})
	require.NoError(t, err)
	// carol's region is NULL and is not indexed.
	require.Equal(t, 3, idx.tree.Len())

	beginErr := errors.New("unavailable")
	failing, err := NewIndex(tab, []int{0}, IndexOptions{BeginError: beginErr})
	require.NoError(t, err)
	_, err = failing.Begin(context.Background(), jbtypes.LookupArgs{KeyWidth: 2})
	require.True(t, errors.Is(err, beginErr))

	_, err = NewIndex(tab, []int{7}, IndexOptions{})
	require.Error(t, err)
}
