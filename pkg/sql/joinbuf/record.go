// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package joinbuf

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/joinbuf/pkg/sql/joinbuf/jbtypes"
)

// RecordRef is the position of a record within the buffer of the cache that
// holds it. It is only meaningful relative to that cache and only until the
// cache is reset for writing.
type RecordRef int

// SafeValue implements redact.SafeValue.
func (RecordRef) SafeValue() {}

// rowReader decodes records into a reusable row. Values of stripped fields
// are re-padded into pad, so the row is only valid until pad is reset.
type rowReader struct {
	outer jbtypes.Row
	pad   []byte
}

func (c *Cache) newRowReader() *rowReader {
	r := &rowReader{outer: make(jbtypes.Row, len(c.tables))}
	for i, t := range c.tables {
		r.outer[i] = jbtypes.MakeTableRow(len(t.Cols))
	}
	return r
}

// recordLength returns the packed length of a record holding the given rows
// of the cache's own tables.
func (l *layout) recordLength(own []jbtypes.TableRow, copyPayload bool) int {
	if !l.withLength {
		return l.fixedLen
	}
	n := l.headerLen + l.fldOfsWidth*len(l.referenced)
	for i := range l.fields {
		f := &l.fields[i]
		t := &own[f.own]
		if t.IsNull(f.ref.Col) {
			continue
		}
		n += f.packedLen(t.Vals[f.ref.Col], copyPayload)
	}
	return n
}

// writeRecord packs a record of length n at the write cursor. The caller has
// checked that it fits. When copyPayload is false the large object payloads
// are left in own and the buffer is sealed until the next reset.
func (c *Cache) writeRecord(
	own []jbtypes.TableRow, prev RecordRef, n int, copyPayload bool,
) RecordRef {
	a, l := &c.arena, c.layout
	rec := RecordRef(a.end)
	b := a.buf[a.end : a.end+n]
	clear(b[:l.headerLen])
	if l.chainLink {
		putOffset(b, l.recRefWidth, uint64(rec))
	}
	if l.withLength {
		putOffset(b[l.lenOff:], l.recLenWidth, uint64(n))
	}
	if l.prevRefWidth > 0 {
		putOffset(b[l.prevOff:], l.prevRefWidth, uint64(prev))
	}
	deferred := l.hasBlobs && !copyPayload
	if l.hasBlobs {
		b[l.blobTagOff] = blobsCopied
		if deferred {
			b[l.blobTagOff] = blobsDeferred
		}
	}
	for i := range l.tables {
		if tl := &l.tables[i]; tl.absentOff >= 0 && own[i].Absent {
			b[tl.absentOff] = 1
		}
	}

	trailer := n - l.fldOfsWidth*len(l.referenced)
	clear(b[trailer:])
	off := l.headerLen
	for i := range l.fields {
		f := &l.fields[i]
		t := &own[f.own]
		if t.IsNull(f.ref.Col) {
			if f.nullBit >= 0 && !t.Absent {
				tl := &l.tables[f.own]
				b[tl.nullOff+f.nullBit/8] |= 1 << (f.nullBit % 8)
			}
			continue
		}
		v := t.Vals[f.ref.Col]
		if f.refSlot >= 0 {
			putOffset(b[trailer+f.refSlot*l.fldOfsWidth:], l.fldOfsWidth, uint64(off))
		}
		off += f.encode(b[off:], v, copyPayload)
		if deferred && f.isBlob() {
			a.deferredVals[i] = v
		}
	}
	if deferred {
		a.sealed = true
		a.deferredRec = int(rec)
	}
	a.end += n
	return rec
}

// recordHeader returns the header of rec and the record's length.
func (c *Cache) recordHeader(rec RecordRef) ([]byte, int, error) {
	a, l := &c.arena, c.layout
	h, ok := a.record(int(rec), l.headerLen)
	if !ok {
		return nil, 0, errors.AssertionFailedf("record %d out of bounds", rec)
	}
	n := l.fixedLen
	if l.withLength {
		n = int(getOffset(h[l.lenOff:], l.recLenWidth))
	}
	if n < l.headerLen {
		return nil, 0, errors.AssertionFailedf("record %d: invalid length %d", rec, n)
	}
	if _, ok := a.record(int(rec), n); !ok {
		return nil, 0, errors.AssertionFailedf("record %d: length %d out of bounds", rec, n)
	}
	return h, n, nil
}

// isDeferred returns whether the payloads of rec were left in the live row,
// checking that rec is the record they belong to.
func (c *Cache) isDeferred(rec RecordRef, h []byte) (bool, error) {
	l := c.layout
	if !l.hasBlobs {
		return false, nil
	}
	switch h[l.blobTagOff] {
	case blobsCopied:
		return false, nil
	case blobsDeferred:
		if int(rec) != c.arena.deferredRec {
			return false, errors.AssertionFailedf(
				"record %d: large object payload deferred to a row that is no longer live", rec)
		}
		return true, nil
	default:
		return false, errors.AssertionFailedf("record %d: invalid large object tag %d", rec, h[l.blobTagOff])
	}
}

// readRecord decodes the own tables of rec into r. With withPrev set, the
// records of earlier caches are decoded as well so that r holds the whole
// partial join row. It returns the length of rec.
func (c *Cache) readRecord(rec RecordRef, r *rowReader, withPrev bool) (int, error) {
	a, l := &c.arena, c.layout
	h, n, err := c.recordHeader(rec)
	if err != nil {
		return 0, err
	}
	deferred, err := c.isDeferred(rec, h)
	if err != nil {
		return 0, err
	}
	b := a.buf[int(rec) : int(rec)+n]
	for i := range l.tables {
		row := &r.outer[l.base+i]
		tl := &l.tables[i]
		row.Absent = tl.absentOff >= 0 && b[tl.absentOff] != 0
	}
	end := n - l.fldOfsWidth*len(l.referenced)
	if end < l.headerLen {
		return 0, errors.AssertionFailedf("record %d: length %d shorter than its trailer", rec, n)
	}
	off := l.headerLen
	for i := range l.fields {
		f := &l.fields[i]
		row := &r.outer[f.ref.Table]
		switch {
		case row.Absent:
			row.Vals[f.ref.Col], row.Nulls[f.ref.Col] = nil, true
			continue
		case f.nullBit >= 0 && b[l.tables[f.own].nullOff+f.nullBit/8]&(1<<(f.nullBit%8)) != 0:
			row.Vals[f.ref.Col], row.Nulls[f.ref.Col] = nil, true
			continue
		}
		var live []byte
		if deferred {
			live = a.deferredVals[i]
		}
		v, fn, pad, ok := f.decode(b[off:end], r.pad, deferred, live)
		if !ok {
			return 0, errors.AssertionFailedf("record %d: field %s out of bounds", rec, f.ref)
		}
		r.pad = pad
		row.Vals[f.ref.Col], row.Nulls[f.ref.Col] = v, false
		off += fn
	}
	if off != end {
		return 0, errors.AssertionFailedf("record %d: fields end at %d, expected %d", rec, off, end)
	}
	if withPrev && c.prev != nil {
		prev, err := c.prevRef(rec)
		if err != nil {
			return 0, err
		}
		if _, err := c.prev.readRecord(prev, r, true); err != nil {
			return 0, err
		}
	}
	return n, nil
}

// prevRef returns the record of the earlier cache that rec extends.
func (c *Cache) prevRef(rec RecordRef) (RecordRef, error) {
	l := c.layout
	if l.prevRefWidth == 0 {
		return 0, errors.AssertionFailedf("record %d has no earlier record", rec)
	}
	h, _, err := c.recordHeader(rec)
	if err != nil {
		return 0, err
	}
	return RecordRef(getOffset(h[l.prevOff:], l.prevRefWidth)), nil
}

func (c *Cache) isMatched(rec RecordRef) (bool, error) {
	b, ok := c.arena.record(int(rec)+c.layout.matchOff, 1)
	if !c.layout.matchFlag || !ok {
		return false, errors.AssertionFailedf("record %d: no match flag", rec)
	}
	return b[0] != 0, nil
}

func (c *Cache) setMatched(rec RecordRef) error {
	b, ok := c.arena.record(int(rec)+c.layout.matchOff, 1)
	if !c.layout.matchFlag || !ok {
		return errors.AssertionFailedf("record %d: no match flag", rec)
	}
	b[0] = 1
	return nil
}

// clearMatches unsets the match flag of every record.
func (c *Cache) clearMatches(ctx context.Context) {
	l := c.layout
	if !l.matchFlag {
		return
	}
	for p := 0; p < c.arena.end; {
		_, n, err := c.recordHeader(RecordRef(p))
		if err != nil {
			c.reportInternal(ctx, err)
			return
		}
		c.arena.buf[p+l.matchOff] = 0
		p += n
	}
}

// referencedValue returns the value of column ref for the partial join row
// ending in rec, following the chain of earlier records as needed. The column
// must be one a later cache declared as referenced.
func (c *Cache) referencedValue(
	rec RecordRef, ref jbtypes.ColRef, pad []byte,
) (val []byte, null bool, _ []byte, _ error) {
	l := c.layout
	if ref.Table < l.base {
		if c.prev == nil {
			return nil, false, pad, errors.AssertionFailedf("column %s is not buffered", ref)
		}
		prev, err := c.prevRef(rec)
		if err != nil {
			return nil, false, pad, err
		}
		return c.prev.referencedValue(prev, ref, pad)
	}
	idx := l.fieldIndex(ref)
	if idx < 0 || l.fields[idx].refSlot < 0 {
		return nil, false, pad, errors.AssertionFailedf("column %s is not referenced", ref)
	}
	f := &l.fields[idx]
	h, n, err := c.recordHeader(rec)
	if err != nil {
		return nil, false, pad, err
	}
	trailer := n - l.fldOfsWidth*len(l.referenced)
	b := c.arena.buf[int(rec) : int(rec)+n]
	off := int(getOffset(b[trailer+f.refSlot*l.fldOfsWidth:], l.fldOfsWidth))
	if off == 0 && l.mayBeNull(f) {
		return nil, true, pad, nil
	}
	if off < l.headerLen || off > trailer {
		return nil, false, pad, errors.AssertionFailedf("record %d: offset %d of %s out of bounds", rec, off, ref)
	}
	deferred, err := c.isDeferred(rec, h)
	if err != nil {
		return nil, false, pad, err
	}
	var live []byte
	if deferred {
		live = c.arena.deferredVals[idx]
	}
	v, _, pad, ok := f.decode(b[off:trailer], pad, deferred, live)
	if !ok {
		return nil, false, pad, errors.AssertionFailedf("record %d: field %s out of bounds", rec, ref)
	}
	return v, false, pad, nil
}

// appendLiveKey appends the lookup key of full, the partial join row being
// put, to dst. It returns false if a key part is NULL.
func (c *Cache) appendLiveKey(dst []byte, full jbtypes.Row) ([]byte, bool) {
	for _, kp := range c.layout.keyParts {
		row := &full[kp.ref.Table]
		if row.IsNull(kp.ref.Col) {
			return dst, false
		}
		dst = jbtypes.AppendKeyPart(dst, kp.spec, row.Vals[kp.ref.Col])
	}
	return dst, true
}

// recordKey returns the lookup key of rec. Embedded keys are returned in
// place; other keys are built into dst using r to decode the record. It
// returns false if a key part is NULL.
func (c *Cache) recordKey(rec RecordRef, dst []byte, r *rowReader) ([]byte, bool, error) {
	l := c.layout
	if l.embeddedKey {
		key, ok := c.arena.record(int(rec)+l.keyOff, l.keyWidth)
		if !ok {
			return nil, false, errors.AssertionFailedf("record %d: embedded key out of bounds", rec)
		}
		return key, true, nil
	}
	if _, err := c.readRecord(rec, r, false); err != nil {
		return nil, false, err
	}
	var prev RecordRef
	if c.prev != nil {
		var err error
		if prev, err = c.prevRef(rec); err != nil {
			return nil, false, err
		}
	}
	for _, kp := range l.keyParts {
		if kp.field >= 0 {
			row := &r.outer[kp.ref.Table]
			if row.IsNull(kp.ref.Col) {
				return dst, false, nil
			}
			dst = jbtypes.AppendKeyPart(dst, kp.spec, row.Vals[kp.ref.Col])
			continue
		}
		v, null, pad, err := c.prev.referencedValue(prev, kp.ref, r.pad)
		if err != nil {
			return nil, false, err
		}
		r.pad = pad
		if null {
			return dst, false, nil
		}
		dst = jbtypes.AppendKeyPart(dst, kp.spec, v)
	}
	return dst, true, nil
}

// appendInnerKey appends the key of a row of the inner table to dst.
func (c *Cache) appendInnerKey(dst []byte, inner *jbtypes.TableRow) ([]byte, bool) {
	return jbtypes.AppendKey(dst, c.keySpecs, inner, c.innerKey)
}
