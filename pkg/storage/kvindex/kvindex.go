// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package kvindex stores an inner table of a join in a pebble engine and
// serves scans and batched key lookups from it.
//
// Rows are stored under /r/<row id> and index entries under
// /i/<lookup key>/<row id> with an empty value. The engine lives in memory.
package kvindex

import (
	"bytes"
	"context"
	"encoding/binary"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/joinbuf/pkg/sql/joinbuf/jbtypes"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

const (
	rowPrefix   byte = 'r'
	indexPrefix byte = 'i'
	rowIDLen         = 8
)

// Store is a table backed by pebble with one secondary index.
type Store struct {
	db       *pebble.DB
	spec     jbtypes.TableSpec
	keyCols  []int
	keySpecs []jbtypes.ColumnSpec
	keyWidth int
	nextID   uint64
}

var _ jbtypes.Scanner = (*Store)(nil)
var _ jbtypes.LookupProtocol = (*Store)(nil)

// Open creates an empty in-memory store for rows of spec indexed on keyCols.
func Open(spec jbtypes.TableSpec, keyCols []int) (*Store, error) {
	s := &Store{spec: spec, keyCols: keyCols}
	for _, ord := range keyCols {
		if ord < 0 || ord >= len(spec.Cols) {
			return nil, errors.Newf("index column %d out of range", ord)
		}
		s.keySpecs = append(s.keySpecs, spec.Cols[ord])
	}
	w, err := jbtypes.KeyWidth(s.keySpecs)
	if err != nil {
		return nil, err
	}
	s.keyWidth = w
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, errors.Wrap(err, "opening pebble")
	}
	s.db = db
	return s, nil
}

// Close closes the engine.
func (s *Store) Close() error {
	return s.db.Close()
}

func rowKey(id uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte{rowPrefix}, id)
}

// Insert adds a row.
func (s *Store) Insert(row jbtypes.TableRow) error {
	if len(row.Vals) != len(s.spec.Cols) {
		return errors.Newf("table %q: row has %d columns, expected %d", s.spec.Name, len(row.Vals), len(s.spec.Cols))
	}
	id := s.nextID
	s.nextID++
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(rowKey(id), encodeRow(nil, row), nil); err != nil {
		return err
	}
	if key, ok := jbtypes.AppendKey([]byte{indexPrefix}, s.keySpecs, &row, s.keyCols); ok {
		key = binary.BigEndian.AppendUint64(key, id)
		if err := b.Set(key, nil, nil); err != nil {
			return err
		}
	}
	return errors.Wrap(b.Commit(pebble.NoSync), "inserting row")
}

// encodeRow appends the encoding of row: per column a null byte followed,
// for non-NULL values, by a uvarint length and the value.
func encodeRow(dst []byte, row jbtypes.TableRow) []byte {
	for i, v := range row.Vals {
		if row.IsNull(i) {
			dst = append(dst, 1)
			continue
		}
		dst = append(dst, 0)
		dst = binary.AppendUvarint(dst, uint64(len(v)))
		dst = append(dst, v...)
	}
	return dst
}

// decodeRow decodes into row, copying every value out of src.
func decodeRow(src []byte, row *jbtypes.TableRow) error {
	for i := range row.Vals {
		if len(src) == 0 {
			return errors.AssertionFailedf("truncated row at column %d", i)
		}
		null := src[0] == 1
		src = src[1:]
		row.Nulls[i] = null
		if null {
			row.Vals[i] = nil
			continue
		}
		n, w := binary.Uvarint(src)
		if w <= 0 || uint64(len(src)-w) < n {
			return errors.AssertionFailedf("corrupt value at column %d", i)
		}
		row.Vals[i] = append(row.Vals[i][:0], src[w:w+int(n)]...)
		src = src[w+int(n):]
	}
	return nil
}

// Scan implements jbtypes.Scanner.
func (s *Store) Scan(ctx context.Context) (jbtypes.RowIterator, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{rowPrefix},
		UpperBound: []byte{rowPrefix + 1},
	})
	if err != nil {
		return nil, err
	}
	return &scanIterator{it: it, row: jbtypes.MakeTableRow(len(s.spec.Cols))}, nil
}

type scanIterator struct {
	it      *pebble.Iterator
	row     jbtypes.TableRow
	started bool
}

func (si *scanIterator) Next(ctx context.Context) (jbtypes.TableRow, bool, error) {
	if si.it == nil {
		return jbtypes.TableRow{}, false, nil
	}
	if err := ctx.Err(); err != nil {
		return jbtypes.TableRow{}, false, err
	}
	var valid bool
	if !si.started {
		si.started = true
		valid = si.it.First()
	} else {
		valid = si.it.Next()
	}
	if !valid {
		return jbtypes.TableRow{}, false, si.it.Error()
	}
	if err := decodeRow(si.it.Value(), &si.row); err != nil {
		return jbtypes.TableRow{}, false, err
	}
	return si.row, true, nil
}

func (si *scanIterator) Close() {
	if si.it != nil {
		_ = si.it.Close()
		si.it = nil
	}
}

// ScratchPerKey implements jbtypes.LookupProtocol.
func (s *Store) ScratchPerKey(keyWidth int) int {
	return 1 + keyWidth + rowIDLen
}

// Begin implements jbtypes.LookupProtocol.
func (s *Store) Begin(_ context.Context, args jbtypes.LookupArgs) (jbtypes.Lookup, error) {
	if args.KeyWidth != s.keyWidth {
		return nil, errors.Newf("lookup key width %d does not match index key width %d", args.KeyWidth, s.keyWidth)
	}
	return &storeLookup{
		s:       s,
		scratch: args.Scratch[:0],
		row:     jbtypes.MakeTableRow(len(s.spec.Cols)),
	}, nil
}

type storeLookup struct {
	s       *Store
	scratch []byte
	keys    []submittedKey
	sorted  bool
	cur     int
	it      *pebble.Iterator
	row     jbtypes.TableRow
}

type submittedKey struct {
	// prefix is the index prefix of the key: the index marker and the key.
	prefix []byte
	tok    jbtypes.Token
}

func (l *storeLookup) Submit(key []byte, tok jbtypes.Token) error {
	if l.sorted {
		return errors.AssertionFailedf("key submitted after the lookup started")
	}
	var p []byte
	if n := len(l.scratch); cap(l.scratch)-n >= 1+len(key) {
		l.scratch = append(append(l.scratch, indexPrefix), key...)
		p = l.scratch[n:len(l.scratch):len(l.scratch)]
	} else {
		p = append([]byte{indexPrefix}, key...)
	}
	l.keys = append(l.keys, submittedKey{prefix: p, tok: tok})
	return nil
}

func (l *storeLookup) Next(ctx context.Context) (jbtypes.TableRow, jbtypes.Token, bool, error) {
	if err := ctx.Err(); err != nil {
		return jbtypes.TableRow{}, 0, false, err
	}
	if !l.sorted {
		l.sorted = true
		sort.Slice(l.keys, func(i, j int) bool { return bytes.Compare(l.keys[i].prefix, l.keys[j].prefix) < 0 })
		l.cur = -1
	}
	for {
		if l.it != nil {
			if l.it.Valid() {
				id := l.it.Key()[len(l.it.Key())-rowIDLen:]
				if err := l.fetch(id); err != nil {
					return jbtypes.TableRow{}, 0, false, err
				}
				l.it.Next()
				return l.row, l.keys[l.cur].tok, true, nil
			}
			err := l.it.Error()
			_ = l.it.Close()
			l.it = nil
			if err != nil {
				return jbtypes.TableRow{}, 0, false, err
			}
		}
		if l.cur+1 >= len(l.keys) {
			return jbtypes.TableRow{}, 0, false, nil
		}
		l.cur++
		p := l.keys[l.cur].prefix
		it, err := l.s.db.NewIter(&pebble.IterOptions{
			LowerBound: p,
			UpperBound: prefixEnd(p),
		})
		if err != nil {
			return jbtypes.TableRow{}, 0, false, err
		}
		it.First()
		l.it = it
	}
}

func (l *storeLookup) fetch(id []byte) error {
	v, closer, err := l.s.db.Get(append([]byte{rowPrefix}, id...))
	if err != nil {
		return errors.Wrap(err, "fetching indexed row")
	}
	defer closer.Close()
	return decodeRow(v, &l.row)
}

func (l *storeLookup) Abort() {
	if l.it != nil {
		_ = l.it.Close()
		l.it = nil
	}
	l.sorted = true
	l.cur = len(l.keys)
}

// prefixEnd returns the smallest key greater than every key with prefix p.
func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
