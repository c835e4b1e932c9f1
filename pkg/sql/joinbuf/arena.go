// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package joinbuf

import "github.com/cockroachdb/joinbuf/pkg/util/buildutil"

// arena is the flat memory region of a cache. Records are written from the
// low end towards the high end. The hash table of the deduplicated strategy
// occupies the high end and its key entries grow towards the low end. The
// space between the two is free; part of it is reserved for the scratch
// memory of the lookup protocol.
//
//	0          end                        lastKeyEntry      len(buf)
//	| records   |  scratch + free space    | key entries | buckets |
type arena struct {
	buf []byte
	// end is the write cursor: the position right after the last record.
	end int
	// pos is the read cursor used by sequential passes over the records.
	pos int
	// lastKeyEntry is the lowest position used by the hash table, len(buf)
	// when there is no hash table.
	lastKeyEntry int
	// scratchReserved is the part of the free space that must stay available
	// to the lookup protocol.
	scratchReserved int

	// sealed is set once a record deferred its large object payloads to the
	// live row. No record may be written after that one until reset.
	sealed bool
	// deferredRec is the position of the record whose payloads are deferred,
	// -1 if none.
	deferredRec int
	// deferredVals holds, per field, the live values of the deferred record.
	// They alias the row passed to the put.
	deferredVals [][]byte
}

func makeArena(capacity int, numFields int) arena {
	return arena{
		buf:          make([]byte, capacity),
		lastKeyEntry: capacity,
		deferredRec:  -1,
		deferredVals: make([][]byte, numFields),
	}
}

// reset discards all records. hashLow is the low end of the hash table right
// after its initialization.
func (a *arena) reset(hashLow int) {
	a.end, a.pos = 0, 0
	a.lastKeyEntry = hashLow
	a.scratchReserved = 0
	a.sealed = false
	a.deferredRec = -1
	clear(a.deferredVals)
}

// remaining returns the number of bytes available for records and key
// entries.
func (a *arena) remaining() int {
	r := a.lastKeyEntry - a.end - a.scratchReserved
	if r < 0 {
		if buildutil.Invariants {
			panic("join buffer: negative remaining capacity")
		}
		return 0
	}
	return r
}

// reserveScratch grows the scratch reservation by n bytes.
func (a *arena) reserveScratch(n int) {
	a.scratchReserved += n
}

// scratch returns the free space between the records and the hash table.
func (a *arena) scratch() []byte {
	return a.buf[a.end:a.lastKeyEntry:a.lastKeyEntry]
}

// record returns the n bytes at off if they lie within the record region.
func (a *arena) record(off, n int) ([]byte, bool) {
	if off < 0 || n < 0 || off+n > a.end {
		return nil, false
	}
	return a.buf[off : off+n : off+n], true
}

// table returns the n bytes at off if they lie within the hash table region.
func (a *arena) table(off, n int) ([]byte, bool) {
	if off < a.lastKeyEntry || n < 0 || off+n > len(a.buf) {
		return nil, false
	}
	return a.buf[off : off+n : off+n], true
}
