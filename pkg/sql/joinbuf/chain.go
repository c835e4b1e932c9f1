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

// Chain drives a pipeline of caches, each buffering the output of the
// previous one. Rows put into the chain enter the first cache; the rows
// produced by draining the last cache are passed to emit.
//
// Records of a cache are referenced by the records of the next cache, so a
// cache is only reset once every later cache has been drained.
type Chain struct {
	caches []*Cache
	emit   func(JoinedRow) error
}

// NewChain returns a chain over caches, which must have been set up with
// each cache's Prev pointing at the one before it.
func NewChain(caches []*Cache, emit func(JoinedRow) error) (*Chain, error) {
	if len(caches) == 0 {
		return nil, errors.New("empty chain")
	}
	if caches[0].prev != nil {
		return nil, errors.Newf("cache %q is not the first of its chain", caches[0].name)
	}
	for i := 1; i < len(caches); i++ {
		if caches[i].prev != caches[i-1] {
			return nil, errors.Newf("cache %q does not extend cache %q", caches[i].name, caches[i-1].name)
		}
	}
	return &Chain{caches: caches, emit: emit}, nil
}

// Put adds a row to the first cache, flushing the pipeline first if the
// cache is full.
func (ch *Chain) Put(ctx context.Context, row jbtypes.Row) error {
	head := ch.caches[0]
	status, err := head.Put(ctx, row)
	if err != nil {
		return err
	}
	if status == FlushRequired {
		if err := ch.flush(ctx, 0); err != nil {
			return err
		}
		if status, err = head.Put(ctx, row); err == nil && status != Buffered {
			err = errors.AssertionFailedf("row does not fit in empty cache %q", head.name)
		}
		if err != nil {
			return err
		}
	}
	if head.Sealed() {
		// The last record references row, which the caller may reuse.
		return ch.flush(ctx, 0)
	}
	return nil
}

// Finish flushes every row still buffered in the pipeline.
func (ch *Chain) Finish(ctx context.Context) error {
	return ch.flush(ctx, 0)
}

// flush drains cache i into the next cache, or into emit for the last cache,
// then flushes the later caches and resets cache i for writing.
func (ch *Chain) flush(ctx context.Context, i int) error {
	c := ch.caches[i]
	last := i == len(ch.caches)-1
	d := c.Drain(ctx)
	defer d.Close()
	for {
		jr, ok, err := d.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if last {
			if err := ch.emit(jr); err != nil {
				return err
			}
			continue
		}
		next := ch.caches[i+1]
		status, err := next.PutJoined(ctx, jr)
		if err != nil {
			return err
		}
		if status == FlushRequired {
			if err := ch.flush(ctx, i+1); err != nil {
				return err
			}
			if status, err = next.PutJoined(ctx, jr); err == nil && status != Buffered {
				err = errors.AssertionFailedf("row does not fit in empty cache %q", next.name)
			}
			if err != nil {
				return err
			}
		}
		if next.Sealed() {
			// jr is only valid until the next row is drained.
			if err := ch.flush(ctx, i+1); err != nil {
				return err
			}
		}
	}
	if !last {
		if err := ch.flush(ctx, i+1); err != nil {
			return err
		}
	}
	c.Reset(true)
	return nil
}
