// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package jbtypes contains the row and schema model shared by the join
// buffer and the row sources it is joined against.
package jbtypes

import (
	"fmt"
	"math"

	"github.com/cockroachdb/redact"
)

// FieldType is the packing category of a buffered column.
type FieldType uint8

const (
	// Fixed fields are stored verbatim in exactly MaxLen bytes. Shorter values
	// are zero padded.
	Fixed FieldType = iota
	// Stripped fields have trailing spaces removed before they are stored and
	// are padded back to MaxLen with spaces when read.
	Stripped
	// VarShort fields carry a 1-byte length prefix.
	VarShort
	// VarLong fields carry a 2-byte length prefix.
	VarLong
	// Blob fields carry a length prefix sized for MaxLen. The payload of the
	// last record of a batch may be left in the live row.
	Blob
)

var fieldTypeNames = [...]string{
	Fixed:    "fixed",
	Stripped: "stripped",
	VarShort: "varshort",
	VarLong:  "varlong",
	Blob:     "blob",
}

func (t FieldType) String() string {
	if int(t) < len(fieldTypeNames) {
		return fieldTypeNames[t]
	}
	return fmt.Sprintf("FieldType(%d)", uint8(t))
}

// SafeValue implements the redact.SafeValue interface.
func (FieldType) SafeValue() {}

var _ redact.SafeValue = Fixed

// ParseFieldType returns the FieldType with the given name.
func ParseFieldType(s string) (FieldType, bool) {
	for i, n := range fieldTypeNames {
		if n == s {
			return FieldType(i), true
		}
	}
	return 0, false
}

// ColumnSpec describes one column of a source table.
type ColumnSpec struct {
	Name     string
	Type     FieldType
	MaxLen   int
	Nullable bool
}

// TableSpec describes the columns of a source table that take part in the
// join.
type TableSpec struct {
	Name string
	Cols []ColumnSpec
	// MaybeAbsent is set when the table is the inner side of an outer join and
	// its row can therefore be NULL-complemented as a whole.
	MaybeAbsent bool
}

// ColRef addresses one column of a partial join row: Table is the position of
// the table within the Row and Col is the column ordinal within the table.
type ColRef struct {
	Table int
	Col   int
}

func (r ColRef) String() string {
	return fmt.Sprintf("@%d.%d", r.Table+1, r.Col+1)
}

// TableRow is the live row of one table. Vals holds one value per column. A
// nil Nulls slice means no value is NULL.
type TableRow struct {
	Vals   [][]byte
	Nulls  []bool
	Absent bool
}

// MakeTableRow returns a TableRow with room for n columns.
func MakeTableRow(n int) TableRow {
	return TableRow{Vals: make([][]byte, n), Nulls: make([]bool, n)}
}

// IsNull returns whether the value of the given column is NULL.
func (r *TableRow) IsNull(col int) bool {
	return r.Absent || (r.Nulls != nil && r.Nulls[col])
}

// Copy returns a deep copy of the row that does not alias any buffer.
func (r *TableRow) Copy() TableRow {
	res := TableRow{Absent: r.Absent, Vals: make([][]byte, len(r.Vals))}
	if r.Nulls != nil {
		res.Nulls = append([]bool(nil), r.Nulls...)
	}
	for i, v := range r.Vals {
		if v != nil {
			res.Vals[i] = append([]byte{}, v...)
		}
	}
	return res
}

// Row is a partial join row: one TableRow per table of the join prefix.
type Row []TableRow

// Copy returns a deep copy of the row.
func (r Row) Copy() Row {
	res := make(Row, len(r))
	for i := range r {
		res[i] = r[i].Copy()
	}
	return res
}

// Token associates a key submitted to a batched lookup with the buffered
// record(s) it was built from.
type Token uint64

// NoToken is returned by a Lookup for rows it does not associate with a
// submitted key.
const NoToken Token = math.MaxUint64

// SafeValue implements the redact.SafeValue interface.
func (Token) SafeValue() {}
