// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package rowsource provides in-memory inner tables for join buffers: a
// scannable row store and ordered secondary indexes implementing the batched
// lookup protocol.
package rowsource

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/joinbuf/pkg/sql/joinbuf/jbtypes"
)

// Table is an append-only in-memory table.
type Table struct {
	spec    jbtypes.TableSpec
	rows    []jbtypes.TableRow
	indexes []*Index
}

var _ jbtypes.Scanner = (*Table)(nil)

// NewTable returns an empty table.
func NewTable(spec jbtypes.TableSpec) *Table {
	return &Table{spec: spec}
}

// Spec returns the schema of the table.
func (t *Table) Spec() jbtypes.TableSpec { return t.spec }

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.rows) }

// Row returns the i-th inserted row.
func (t *Table) Row(i int) *jbtypes.TableRow { return &t.rows[i] }

// Insert copies row into the table and every index on it.
func (t *Table) Insert(row jbtypes.TableRow) error {
	if len(row.Vals) != len(t.spec.Cols) {
		return errors.Newf("table %q: row has %d columns, expected %d", t.spec.Name, len(row.Vals), len(t.spec.Cols))
	}
	for i, c := range t.spec.Cols {
		if row.IsNull(i) {
			if !c.Nullable {
				return errors.Newf("table %q: NULL in non-nullable column %q", t.spec.Name, c.Name)
			}
			continue
		}
		if len(row.Vals[i]) > c.MaxLen && c.Type != jbtypes.Fixed {
			return errors.Newf("table %q: value of %d bytes exceeds column %q", t.spec.Name, len(row.Vals[i]), c.Name)
		}
	}
	if row.Nulls == nil {
		row.Nulls = make([]bool, len(row.Vals))
	}
	t.rows = append(t.rows, row.Copy())
	for _, idx := range t.indexes {
		idx.insert(len(t.rows) - 1)
	}
	return nil
}

// Scan implements jbtypes.Scanner.
func (t *Table) Scan(context.Context) (jbtypes.RowIterator, error) {
	return &tableIterator{rows: t.rows}, nil
}

type tableIterator struct {
	rows []jbtypes.TableRow
	pos  int
}

func (it *tableIterator) Next(ctx context.Context) (jbtypes.TableRow, bool, error) {
	if it.pos >= len(it.rows) {
		return jbtypes.TableRow{}, false, nil
	}
	if err := ctx.Err(); err != nil {
		return jbtypes.TableRow{}, false, err
	}
	it.pos++
	return it.rows[it.pos-1], true, nil
}

func (it *tableIterator) Close() { it.rows = nil }
