// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package rowsource

import (
	"bytes"
	"context"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/joinbuf/pkg/sql/joinbuf/jbtypes"
	"github.com/google/btree"
)

// IndexOptions tune the behavior of the lookups of an Index.
type IndexOptions struct {
	// OmitTokens makes lookups return rows without their token when the
	// caller allows it and the key was submitted once.
	OmitTokens bool
	// BeginError, when set, is returned by every Begin.
	BeginError error
	// ScratchPerKey is reported as the scratch needed per key. Zero means the
	// key width.
	ScratchPerKey int
}

// IndexStats count the activity of an index.
type IndexStats struct {
	Lookups   int
	Keys      int
	Rows      int
	Untagged  int
	Scratched int
}

type indexEntry struct {
	key []byte
	row int
}

func lessEntry(a, b indexEntry) bool {
	if c := bytes.Compare(a.key, b.key); c != 0 {
		return c < 0
	}
	return a.row < b.row
}

// Index is an ordered secondary index over some columns of a Table. It
// implements the batched lookup protocol for join buffers.
type Index struct {
	t        *Table
	cols     []int
	specs    []jbtypes.ColumnSpec
	keyWidth int
	opts     IndexOptions
	tree     *btree.BTreeG[indexEntry]
	stats    IndexStats
}

var _ jbtypes.LookupProtocol = (*Index)(nil)

// NewIndex indexes the given columns of t. Rows inserted later are indexed
// as well. Rows with a NULL key column are not indexed.
func NewIndex(t *Table, cols []int, opts IndexOptions) (*Index, error) {
	idx := &Index{t: t, cols: cols, opts: opts, tree: btree.NewG[indexEntry](8, lessEntry)}
	for _, ord := range cols {
		if ord < 0 || ord >= len(t.spec.Cols) {
			return nil, errors.Newf("index column %d out of range", ord)
		}
		idx.specs = append(idx.specs, t.spec.Cols[ord])
	}
	w, err := jbtypes.KeyWidth(idx.specs)
	if err != nil {
		return nil, err
	}
	idx.keyWidth = w
	for i := range t.rows {
		idx.insert(i)
	}
	t.indexes = append(t.indexes, idx)
	return idx, nil
}

func (idx *Index) insert(i int) {
	key, ok := jbtypes.AppendKey(nil, idx.specs, &idx.t.rows[i], idx.cols)
	if ok {
		idx.tree.ReplaceOrInsert(indexEntry{key: key, row: i})
	}
}

// Stats returns the counters of the index.
func (idx *Index) Stats() IndexStats { return idx.stats }

// ScratchPerKey implements jbtypes.LookupProtocol.
func (idx *Index) ScratchPerKey(keyWidth int) int {
	if idx.opts.ScratchPerKey > 0 {
		return idx.opts.ScratchPerKey
	}
	return keyWidth
}

// Begin implements jbtypes.LookupProtocol.
func (idx *Index) Begin(_ context.Context, args jbtypes.LookupArgs) (jbtypes.Lookup, error) {
	if idx.opts.BeginError != nil {
		return nil, idx.opts.BeginError
	}
	if args.KeyWidth != idx.keyWidth {
		return nil, errors.Newf("lookup key width %d does not match index key width %d", args.KeyWidth, idx.keyWidth)
	}
	idx.stats.Lookups++
	return &indexLookup{idx: idx, args: args, scratch: args.Scratch[:0]}, nil
}

type submittedKey struct {
	key []byte
	tok jbtypes.Token
}

type indexLookup struct {
	idx  *Index
	args jbtypes.LookupArgs
	// scratch holds copies of the submitted keys while it has room.
	scratch []byte
	keys    []submittedKey
	started bool

	// Matches of keys[cur].
	cur     int
	matches []int
	pos     int
	tok     jbtypes.Token
}

func (l *indexLookup) Submit(key []byte, tok jbtypes.Token) error {
	if l.started {
		return errors.AssertionFailedf("key submitted after the lookup started")
	}
	if len(key) != l.idx.keyWidth {
		return errors.Newf("key of %d bytes, expected %d", len(key), l.idx.keyWidth)
	}
	var k []byte
	if n := len(l.scratch); cap(l.scratch)-n >= len(key) {
		l.scratch = append(l.scratch, key...)
		k = l.scratch[n:len(l.scratch):len(l.scratch)]
		l.idx.stats.Scratched++
	} else {
		k = append([]byte(nil), key...)
	}
	l.keys = append(l.keys, submittedKey{key: k, tok: tok})
	l.idx.stats.Keys++
	return nil
}

func (l *indexLookup) start() {
	l.started = true
	// Keys are resolved in index order, not submission order.
	sort.SliceStable(l.keys, func(i, j int) bool { return bytes.Compare(l.keys[i].key, l.keys[j].key) < 0 })
	l.cur = -1
}

// seek loads the matches of the next key.
func (l *indexLookup) seek() bool {
	for l.cur+1 < len(l.keys) {
		l.cur++
		k := l.keys[l.cur]
		l.matches, l.pos = l.matches[:0], 0
		l.idx.tree.AscendGreaterOrEqual(indexEntry{key: k.key, row: -1}, func(e indexEntry) bool {
			if !bytes.Equal(e.key, k.key) {
				return false
			}
			l.matches = append(l.matches, e.row)
			return true
		})
		l.tok = k.tok
		if l.idx.opts.OmitTokens && l.args.AllowUntagged && !l.duplicate(l.cur) {
			l.tok = jbtypes.NoToken
		}
		if len(l.matches) > 0 {
			return true
		}
	}
	return false
}

// duplicate returns whether the i-th key was submitted more than once. Keys
// are sorted, so duplicates are adjacent.
func (l *indexLookup) duplicate(i int) bool {
	return (i > 0 && bytes.Equal(l.keys[i-1].key, l.keys[i].key)) ||
		(i+1 < len(l.keys) && bytes.Equal(l.keys[i+1].key, l.keys[i].key))
}

func (l *indexLookup) Next(ctx context.Context) (jbtypes.TableRow, jbtypes.Token, bool, error) {
	if err := ctx.Err(); err != nil {
		return jbtypes.TableRow{}, 0, false, err
	}
	if !l.started {
		l.start()
	}
	for l.pos >= len(l.matches) {
		if !l.seek() {
			return jbtypes.TableRow{}, 0, false, nil
		}
	}
	row := l.idx.t.rows[l.matches[l.pos]]
	l.pos++
	l.idx.stats.Rows++
	if l.tok == jbtypes.NoToken {
		l.idx.stats.Untagged++
	}
	return row, l.tok, true, nil
}

func (l *indexLookup) Abort() {
	l.keys, l.matches = nil, nil
	l.cur = len(l.keys)
	l.started = true
}
