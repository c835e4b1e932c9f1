// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package jbtypes

import "context"

// RowIterator iterates over the rows of a table.
type RowIterator interface {
	// Next returns the next row. The row is only valid until the following
	// call to Next. The second return value is false once the iterator is
	// exhausted.
	Next(ctx context.Context) (TableRow, bool, error)
	// Close releases the resources held by the iterator. It is always safe to
	// call.
	Close()
}

// Scanner performs full scans of a table.
type Scanner interface {
	Scan(ctx context.Context) (RowIterator, error)
}

// LookupArgs are passed to LookupProtocol.Begin.
type LookupArgs struct {
	// KeyCount is the number of keys that will be submitted.
	KeyCount int
	// KeyWidth is the width of every submitted key.
	KeyWidth int
	// Scratch is memory the lookup may use until it is aborted or exhausted.
	// Its length is the scratch budget.
	Scratch []byte
	// AllowUntagged permits the lookup to return NoToken for rows whose key
	// is unambiguous. The caller then re-derives the key from the row.
	AllowUntagged bool
}

// Lookup is one batched multi-key lookup.
type Lookup interface {
	// Submit adds a key to the batch. All keys are submitted before the first
	// call to Next. Duplicate keys are allowed. key is only valid for the
	// duration of the call.
	Submit(key []byte, tok Token) error
	// Next returns the next row matching one of the submitted keys along
	// with the token of that key, or NoToken. Rows are not returned in
	// submission order. The row is only valid until the following call.
	Next(ctx context.Context) (TableRow, Token, bool, error)
	// Abort releases the lookup. It is always safe to call, including after
	// Next reported exhaustion.
	Abort()
}

// LookupProtocol issues batched multi-key lookups against an index of a
// table.
type LookupProtocol interface {
	Begin(ctx context.Context, args LookupArgs) (Lookup, error)
	// ScratchPerKey returns the worst case scratch memory needed for the
	// result of one key of the given width.
	ScratchPerKey(keyWidth int) int
}

// Condition is a predicate over a buffered partial row and a row of the
// table it is joined against.
type Condition interface {
	Eval(outer Row, inner *TableRow) (bool, error)
}

// ConditionFunc adapts a function to the Condition interface.
type ConditionFunc func(outer Row, inner *TableRow) (bool, error)

// Eval implements the Condition interface.
func (f ConditionFunc) Eval(outer Row, inner *TableRow) (bool, error) {
	return f(outer, inner)
}
