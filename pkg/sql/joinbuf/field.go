// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package joinbuf

import (
	"bytes"

	"github.com/cockroachdb/joinbuf/pkg/sql/joinbuf/jbtypes"
)

// field describes how one column value is packed into a record.
type field struct {
	// ref is the location of the column in the partial join row.
	ref jbtypes.ColRef
	// own is the index of the column's table among the cache's own tables.
	own  int
	spec jbtypes.ColumnSpec
	// lenWidth is the size of the length prefix, 0 for fixed fields.
	lenWidth int
	// nullBit is the position of the column in its table's null bitmap, -1 if
	// the column is not nullable.
	nullBit int
	// refSlot is the index of the trailing offset that points at this field,
	// -1 if no later cache references it.
	refSlot int
}

// lengthWidth returns the size of the length prefix of a value of the given
// category.
func lengthWidth(t jbtypes.FieldType, maxLen int) int {
	switch t {
	case jbtypes.Fixed:
		return 0
	case jbtypes.VarShort:
		return 1
	case jbtypes.VarLong:
		return 2
	default:
		return offsetWidth(uint64(maxLen))
	}
}

// stored returns the part of v that is written into the buffer.
func (f *field) stored(v []byte) []byte {
	if len(v) > f.spec.MaxLen {
		v = v[:f.spec.MaxLen]
	}
	if f.spec.Type == jbtypes.Stripped {
		v = bytes.TrimRight(v, " ")
	}
	return v
}

func (f *field) isBlob() bool {
	return f.spec.Type == jbtypes.Blob
}

// packedLen returns the number of bytes encode writes for v.
func (f *field) packedLen(v []byte, copyPayload bool) int {
	if f.spec.Type == jbtypes.Fixed {
		return f.spec.MaxLen
	}
	if f.isBlob() && !copyPayload {
		return f.lenWidth
	}
	return f.lenWidth + len(f.stored(v))
}

// maxPackedLen is the largest packed length of a value of the field.
func (f *field) maxPackedLen() int {
	if f.spec.Type == jbtypes.Fixed {
		return f.spec.MaxLen
	}
	return f.lenWidth + f.spec.MaxLen
}

// maxPackedLenDeferred is the largest packed length of a value of the field
// when large object payloads stay in the live row.
func (f *field) maxPackedLenDeferred() int {
	if f.isBlob() {
		return f.lenWidth
	}
	return f.maxPackedLen()
}

// encode writes v at the start of dst, which must have room for
// packedLen(v, copyPayload) bytes, and returns the number of bytes written.
// Values longer than the declared maximum are truncated.
func (f *field) encode(dst []byte, v []byte, copyPayload bool) int {
	if f.spec.Type == jbtypes.Fixed {
		n := copy(dst[:f.spec.MaxLen], v)
		clear(dst[n:f.spec.MaxLen])
		return f.spec.MaxLen
	}
	v = f.stored(v)
	putOffset(dst, f.lenWidth, uint64(len(v)))
	if f.isBlob() && !copyPayload {
		return f.lenWidth
	}
	return f.lenWidth + copy(dst[f.lenWidth:], v)
}

// decode reads the value stored at the start of src and returns it along
// with the number of bytes it occupies. Stripped values are padded back to
// their declared width into pad, which is returned extended. When deferred is
// set the payload of a large object is taken from live instead of src. ok is
// false if the stored value does not fit in src.
func (f *field) decode(
	src []byte, pad []byte, deferred bool, live []byte,
) (val []byte, n int, _ []byte, ok bool) {
	if f.spec.Type == jbtypes.Fixed {
		if len(src) < f.spec.MaxLen {
			return nil, 0, pad, false
		}
		return src[:f.spec.MaxLen:f.spec.MaxLen], f.spec.MaxLen, pad, true
	}
	if len(src) < f.lenWidth {
		return nil, 0, pad, false
	}
	l := int(getOffset(src, f.lenWidth))
	if l > f.spec.MaxLen {
		return nil, 0, pad, false
	}
	if f.isBlob() && deferred {
		if l > len(live) {
			return nil, 0, pad, false
		}
		return live[:l:l], f.lenWidth, pad, true
	}
	end := f.lenWidth + l
	if len(src) < end {
		return nil, 0, pad, false
	}
	val = src[f.lenWidth:end:end]
	if f.spec.Type == jbtypes.Stripped {
		start := len(pad)
		pad = append(pad, val...)
		for i := l; i < f.spec.MaxLen; i++ {
			pad = append(pad, ' ')
		}
		val = pad[start:len(pad):len(pad)]
	}
	return val, end, pad, true
}
