// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package jbtypes

import (
	"bytes"
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// varKeyLenSize is the size of the length prefix of variable-length key parts.
const varKeyLenSize = 2

// KeyPartWidth returns the number of bytes the column occupies in a lookup
// key. Lookup keys are fixed width so that they can be compared bytewise.
func KeyPartWidth(c ColumnSpec) (int, error) {
	switch c.Type {
	case Fixed, Stripped:
		return c.MaxLen, nil
	case VarShort, VarLong:
		return varKeyLenSize + c.MaxLen, nil
	case Blob:
		return 0, errors.Newf("column %q: large objects cannot be part of a lookup key", c.Name)
	default:
		return 0, errors.AssertionFailedf("unknown field type %d", c.Type)
	}
}

// KeyWidth returns the width of a key made of the given columns.
func KeyWidth(cols []ColumnSpec) (int, error) {
	w := 0
	for _, c := range cols {
		pw, err := KeyPartWidth(c)
		if err != nil {
			return 0, err
		}
		w += pw
	}
	return w, nil
}

// AppendKeyPart appends the key encoding of v, a value of column c, to dst.
// Values longer than the declared maximum are truncated.
func AppendKeyPart(dst []byte, c ColumnSpec, v []byte) []byte {
	if len(v) > c.MaxLen {
		v = v[:c.MaxLen]
	}
	switch c.Type {
	case Fixed:
		dst = append(dst, v...)
		return appendN(dst, 0, c.MaxLen-len(v))
	case Stripped:
		v = bytes.TrimRight(v, " ")
		dst = append(dst, v...)
		return appendN(dst, ' ', c.MaxLen-len(v))
	case VarShort, VarLong:
		dst = binary.LittleEndian.AppendUint16(dst, uint16(len(v)))
		dst = append(dst, v...)
		return appendN(dst, 0, c.MaxLen-len(v))
	}
	return dst
}

// AppendKey appends the key made of the given columns of row to dst. The
// second return value is false if one of the key parts is NULL, in which
// case the key can't match anything.
func AppendKey(dst []byte, cols []ColumnSpec, row *TableRow, ords []int) ([]byte, bool) {
	for i, ord := range ords {
		if row.IsNull(ord) {
			return dst, false
		}
		dst = AppendKeyPart(dst, cols[i], row.Vals[ord])
	}
	return dst, true
}

func appendN(dst []byte, b byte, n int) []byte {
	for ; n > 0; n-- {
		dst = append(dst, b)
	}
	return dst
}
