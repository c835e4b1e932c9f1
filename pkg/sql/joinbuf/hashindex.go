// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package joinbuf

import (
	"bytes"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
)

// keyRef is the position of a key entry within the buffer.
type keyRef int

// hashIndex is a chained hash table stored at the high end of the arena. It
// maps every distinct lookup key to the chain of records sharing it, so that
// one key is submitted per chain.
//
// The bucket headers occupy the last nBuckets*refWidth bytes of the buffer.
// Key entries are allocated below them, growing towards the records. A key
// entry is laid out as
//
//	[next entry in bucket][last record of chain][key or first record]
//
// where the last field is the key itself, or a reference to the record
// holding it when the key is embedded in records. Entry references are
// stored as the distance from the end of the buffer, so that zero means
// "none". Record chains are circular: every record starts with a link to the
// next record of its chain, and the entry points at the tail, whose link
// leads back to the head.
type hashIndex struct {
	a *arena
	l *layout

	refWidth  int
	entrySize int
	nBuckets  int
	// bucketsOff is the position of the first bucket header.
	bucketsOff int
	// numKeys is the number of distinct keys inserted since the last reset.
	numKeys int
}

// Offsets within a key entry.
func (h *hashIndex) nextOff() int { return 0 }
func (h *hashIndex) lastOff() int { return h.refWidth }
func (h *hashIndex) keyOff() int  { return 2 * h.refWidth }

// bucketCount returns the number of bucket headers for the given distinct key
// estimate: 10/7 of the estimate, so that chains stay short, while headers use
// at most a quarter of the buffer.
func bucketCount(estimatedKeys int, capacity int, refWidth int) int {
	n := estimatedKeys * 10 / 7
	if max := capacity / 4 / refWidth; n > max {
		n = max
	}
	if n < 1 {
		n = 1
	}
	return n
}

func newHashIndex(a *arena, l *layout, estimatedKeys int) *hashIndex {
	h := &hashIndex{a: a, l: l, refWidth: l.recRefWidth}
	h.entrySize = 2 * h.refWidth
	if l.embeddedKey {
		h.entrySize += h.refWidth
	} else {
		h.entrySize += l.keyWidth
	}
	h.nBuckets = bucketCount(estimatedKeys, len(a.buf), h.refWidth)
	h.bucketsOff = len(a.buf) - h.nBuckets*h.refWidth
	return h
}

// reset empties the table. It returns the low end of the hash table region.
func (h *hashIndex) reset() int {
	clear(h.a.buf[h.bucketsOff:])
	h.numKeys = 0
	return h.bucketsOff
}

func (h *hashIndex) bucketPos(key []byte) int {
	return h.bucketsOff + int(xxhash.Sum64(key)%uint64(h.nBuckets))*h.refWidth
}

func (h *hashIndex) decodeEntryRef(v uint64) keyRef {
	return keyRef(len(h.a.buf) - int(v))
}

func (h *hashIndex) encodeEntryRef(e keyRef) uint64 {
	return uint64(len(h.a.buf) - int(e))
}

// validEntry returns whether e is the position of a key entry.
func (h *hashIndex) validEntry(e keyRef) bool {
	p := int(e)
	return p >= h.a.lastKeyEntry && p+h.entrySize <= h.bucketsOff &&
		(h.bucketsOff-p)%h.entrySize == 0
}

func (h *hashIndex) entry(e keyRef) ([]byte, error) {
	if !h.validEntry(e) {
		return nil, errors.AssertionFailedf("key entry %d out of bounds", e)
	}
	b, _ := h.a.table(int(e), h.entrySize)
	return b, nil
}

// entryKey returns the key of entry e.
func (h *hashIndex) entryKey(e keyRef) ([]byte, error) {
	b, err := h.entry(e)
	if err != nil {
		return nil, err
	}
	if !h.l.embeddedKey {
		return b[h.keyOff():], nil
	}
	first := int(getOffset(b[h.keyOff():], h.refWidth))
	key, ok := h.a.record(first+h.l.keyOff, h.l.keyWidth)
	if !ok {
		return nil, errors.AssertionFailedf("embedded key of record %d out of bounds", first)
	}
	return key, nil
}

// find returns the entry holding key.
func (h *hashIndex) find(key []byte) (keyRef, bool, error) {
	v := getOffset(h.a.buf[h.bucketPos(key):], h.refWidth)
	for v != 0 {
		e := h.decodeEntryRef(v)
		k, err := h.entryKey(e)
		if err != nil {
			return 0, false, err
		}
		if bytes.Equal(k, key) {
			return e, true, nil
		}
		b, _ := h.entry(e)
		v = getOffset(b[h.nextOff():], h.refWidth)
	}
	return 0, false, nil
}

// add allocates a new entry for key with rec as its only record. The caller
// has checked that the entry fits.
func (h *hashIndex) add(key []byte, rec RecordRef) keyRef {
	h.a.lastKeyEntry -= h.entrySize
	e := keyRef(h.a.lastKeyEntry)
	b := h.a.buf[e : int(e)+h.entrySize]
	bucket := h.a.buf[h.bucketPos(key):]
	putOffset(b[h.nextOff():], h.refWidth, getOffset(bucket, h.refWidth))
	putOffset(bucket, h.refWidth, h.encodeEntryRef(e))
	putOffset(b[h.lastOff():], h.refWidth, uint64(rec))
	if h.l.embeddedKey {
		putOffset(b[h.keyOff():], h.refWidth, uint64(rec))
	} else {
		copy(b[h.keyOff():], key)
	}
	h.setChainNext(rec, rec)
	h.numKeys++
	return e
}

// appendRecord adds rec at the tail of the chain of entry e.
func (h *hashIndex) appendRecord(e keyRef, rec RecordRef) error {
	b, err := h.entry(e)
	if err != nil {
		return err
	}
	last := RecordRef(getOffset(b[h.lastOff():], h.refWidth))
	first, err := h.chainNext(last)
	if err != nil {
		return err
	}
	h.setChainNext(rec, first)
	h.setChainNext(last, rec)
	putOffset(b[h.lastOff():], h.refWidth, uint64(rec))
	return nil
}

// chainHead returns the first record of the chain of entry e.
func (h *hashIndex) chainHead(e keyRef) (RecordRef, error) {
	b, err := h.entry(e)
	if err != nil {
		return 0, err
	}
	return h.chainNext(RecordRef(getOffset(b[h.lastOff():], h.refWidth)))
}

// chainTail returns the last record of the chain of entry e.
func (h *hashIndex) chainTail(e keyRef) (RecordRef, error) {
	b, err := h.entry(e)
	if err != nil {
		return 0, err
	}
	return RecordRef(getOffset(b[h.lastOff():], h.refWidth)), nil
}

func (h *hashIndex) chainNext(rec RecordRef) (RecordRef, error) {
	b, ok := h.a.record(int(rec), h.refWidth)
	if !ok {
		return 0, errors.AssertionFailedf("record %d out of bounds", rec)
	}
	return RecordRef(getOffset(b, h.refWidth)), nil
}

// setChainNext links rec to next. rec may be the record being written, which
// is not yet covered by the write cursor.
func (h *hashIndex) setChainNext(rec, next RecordRef) {
	putOffset(h.a.buf[rec:], h.refWidth, uint64(next))
}

// entries calls fn for every key entry, most recently inserted first.
func (h *hashIndex) entries(fn func(e keyRef) error) error {
	for p := h.a.lastKeyEntry; p < h.bucketsOff; p += h.entrySize {
		if err := fn(keyRef(p)); err != nil {
			return err
		}
	}
	return nil
}

// chainLen returns the number of records in the chain of entry e.
func (h *hashIndex) chainLen(e keyRef) (int, error) {
	tail, err := h.chainTail(e)
	if err != nil {
		return 0, err
	}
	n := 0
	for rec := tail; ; {
		n++
		if rec, err = h.chainNext(rec); err != nil {
			return 0, err
		}
		if rec == tail {
			return n, nil
		}
		if n > h.a.end {
			return 0, errors.AssertionFailedf("record chain of entry %d does not loop", e)
		}
	}
}
