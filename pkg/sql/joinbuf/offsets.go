// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package joinbuf

import "encoding/binary"

// offsetWidth returns the number of bytes used to store integers that are
// never larger than max: the smallest of 1, 2, 4 and 8 such that max fits.
//
// Offsets are stored with the same width throughout one cache instance, so
// the width is chosen once from the largest value of each offset kind (the
// buffer capacity for positions, the maximum record length for record
// lengths and field offsets).
func offsetWidth(max uint64) int {
	switch {
	case max < 1<<8:
		return 1
	case max < 1<<16:
		return 2
	case max < 1<<32:
		return 4
	default:
		return 8
	}
}

// putOffset stores v in the first w bytes of b.
func putOffset(b []byte, w int, v uint64) {
	switch w {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(b, v)
	}
}

// getOffset loads an offset stored with putOffset.
func getOffset(b []byte, w int) uint64 {
	switch w {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	case 8:
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}
