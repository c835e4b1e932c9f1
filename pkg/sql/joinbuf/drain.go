// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package joinbuf

import (
	"bytes"
	"context"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/joinbuf/pkg/sql/joinbuf/jbtypes"
	"github.com/cockroachdb/joinbuf/pkg/util/log"
)

// JoinedRow is a row produced by draining a cache.
type JoinedRow struct {
	// Outer is the buffered partial join row.
	Outer jbtypes.Row
	// Inner is the matching row of the inner table, nil for a
	// NULL-complemented row.
	Inner *jbtypes.TableRow
	// Record is the buffered record Outer was decoded from.
	Record RecordRef
}

type drainState uint8

const (
	drainStart drainState = iota
	// drainScan replays every record against each row of the inner table.
	drainScan
	// drainLookup resolves the rows returned by the batched lookup.
	drainLookup
	// drainChain walks the record chain of the key of the current row.
	drainChain
	// drainUnmatched emits the NULL-complemented rows of an outer join.
	drainUnmatched
	drainDone
)

// Drainer produces the joined rows of one batch. The rows it returns alias
// memory of the drainer and the cache and are only valid until the next call
// to Next.
type Drainer struct {
	c     *Cache
	state drainState
	err   error
	r     *rowReader

	// checkKey is set when a keyed cache fell back to scanning, in which case
	// every pair must also agree on the key.
	checkKey bool
	keyBuf   []byte
	innerBuf []byte

	it     jbtypes.RowIterator
	lookup jbtypes.Lookup
	// inner is the current row of the scan or the lookup.
	inner     jbtypes.TableRow
	haveInner bool

	chainRec  RecordRef
	chainTail RecordRef
	// submitted holds, in ascending order, the records whose keys a Keyed
	// cache submitted. Tokens returned by the lookup must be among them.
	submitted []RecordRef
}

// Drain starts replaying the buffered records against the inner table. A
// cache can be drained once per reset.
func (c *Cache) Drain(ctx context.Context) *Drainer {
	d := &Drainer{c: c, r: c.newRowReader()}
	if c.drained {
		d.err = errors.AssertionFailedf("cache %q drained twice without a reset", c.name)
		return d
	}
	c.drained = true
	if c.layout.keyWidth > 0 {
		d.keyBuf = make([]byte, 0, c.layout.keyWidth)
		d.innerBuf = make([]byte, 0, c.layout.keyWidth)
	}
	return d
}

// Next returns the next joined row. The second return value is false once the
// batch is exhausted.
func (d *Drainer) Next(ctx context.Context) (JoinedRow, bool, error) {
	ctx = d.c.annotate(ctx)
	for d.err == nil {
		var out JoinedRow
		var ok bool
		switch d.state {
		case drainStart:
			d.err = d.start(ctx)
		case drainScan:
			out, ok, d.err = d.nextScan(ctx)
		case drainLookup:
			d.err = d.nextLookup(ctx)
		case drainChain:
			out, ok, d.err = d.nextChained(ctx)
		case drainUnmatched:
			out, ok, d.err = d.nextUnmatched(ctx)
		case drainDone:
			return JoinedRow{}, false, nil
		}
		if ok {
			d.c.metrics.OutputRows.Inc()
			return out, true, nil
		}
	}
	d.Close()
	return JoinedRow{}, false, d.err
}

// Close releases the scan or lookup of the drainer. It is safe to call at any
// time and more than once.
func (d *Drainer) Close() {
	if d.it != nil {
		d.it.Close()
		d.it = nil
	}
	if d.lookup != nil {
		d.lookup.Abort()
		d.lookup = nil
	}
	d.state = drainDone
}

func (d *Drainer) start(ctx context.Context) error {
	c := d.c
	if c.Empty() {
		d.state = drainDone
		return nil
	}
	c.stats.Flushes++
	c.metrics.Flushes.Inc()
	c.arena.pos = 0
	log.VEventf(ctx, 2, "draining %d records", c.stats.Records)
	if c.strategy == Plain {
		return d.startScan(ctx, false)
	}
	if c.fellBack {
		return d.startScan(ctx, true)
	}
	return d.startLookup(ctx)
}

func (d *Drainer) startScan(ctx context.Context, checkKey bool) error {
	it, err := d.c.scan.Scan(ctx)
	if err != nil {
		return errors.Wrapf(err, "scanning inner table of join buffer %q", d.c.name)
	}
	d.it, d.checkKey, d.state = it, checkKey, drainScan
	return nil
}

func (d *Drainer) startLookup(ctx context.Context) error {
	c := d.c
	if c.pendingKeys == 0 {
		d.state = drainUnmatched
		return nil
	}
	lk, err := c.lookup.Begin(ctx, jbtypes.LookupArgs{
		KeyCount:      c.pendingKeys,
		KeyWidth:      c.layout.keyWidth,
		Scratch:       c.arena.scratch(),
		AllowUntagged: c.strategy == KeyedDeduped,
	})
	if err != nil {
		err = errors.Wrapf(err, "starting batched lookup of join buffer %q", c.name)
		if c.scan == nil {
			return err
		}
		log.Warningf(ctx, "falling back to scanning: %v", err)
		c.fellBack = true
		c.metrics.LookupFallbacks.Inc()
		return d.startScan(ctx, true)
	}
	d.lookup = lk
	if err := d.submitKeys(ctx); err != nil {
		return err
	}
	c.stats.KeysSubmitted += c.pendingKeys
	c.metrics.KeysSubmitted.Add(float64(c.pendingKeys))
	d.state = drainLookup
	return nil
}

func (d *Drainer) submitKeys(ctx context.Context) error {
	c := d.c
	if c.strategy == KeyedDeduped {
		return c.hash.entries(func(e keyRef) error {
			key, err := c.hash.entryKey(e)
			if err != nil {
				return err
			}
			return d.lookup.Submit(key, jbtypes.Token(e))
		})
	}
	d.submitted = make([]RecordRef, 0, c.pendingKeys)
	for p := 0; p < c.arena.end; {
		rec := RecordRef(p)
		_, n, err := c.recordHeader(rec)
		if err != nil {
			return err
		}
		p += n
		d.r.pad = d.r.pad[:0]
		key, ok, err := c.recordKey(rec, d.keyBuf[:0], d.r)
		if err != nil {
			c.reportInternal(ctx, err)
			continue
		}
		if ok {
			if err := d.lookup.Submit(key, jbtypes.Token(rec)); err != nil {
				return err
			}
			d.submitted = append(d.submitted, rec)
		}
	}
	return nil
}

// match evaluates the pair of rec and inner. It returns whether the pair
// produces a row, in which case the row is decoded in d.r.
func (d *Drainer) match(ctx context.Context, rec RecordRef, inner *jbtypes.TableRow) (bool, error) {
	c := d.c
	if c.joinType == LeftSemiJoin {
		matched, err := c.isMatched(rec)
		if err != nil {
			c.reportInternal(ctx, err)
			return false, nil
		}
		if matched {
			return false, nil
		}
	}
	d.r.pad = d.r.pad[:0]
	if d.checkKey {
		key, ok, err := c.recordKey(rec, d.keyBuf[:0], d.r)
		if err != nil {
			c.reportInternal(ctx, err)
			return false, nil
		}
		if !ok {
			return false, nil
		}
		innerKey, ok := c.appendInnerKey(d.innerBuf[:0], inner)
		if !ok || !bytes.Equal(key, innerKey) {
			return false, nil
		}
	}
	if _, err := c.readRecord(rec, d.r, true); err != nil {
		c.reportInternal(ctx, err)
		return false, nil
	}
	if c.cond != nil {
		ok, err := c.cond.Eval(d.r.outer, inner)
		if err != nil || !ok {
			return false, err
		}
	}
	if c.layout.matchFlag {
		if err := c.setMatched(rec); err != nil {
			c.reportInternal(ctx, err)
			return false, nil
		}
	}
	return true, nil
}

func (d *Drainer) nextScan(ctx context.Context) (JoinedRow, bool, error) {
	a := &d.c.arena
	if d.haveInner {
		for a.pos < a.end {
			rec := RecordRef(a.pos)
			_, n, err := d.c.recordHeader(rec)
			if err != nil {
				// The rest of the records cannot be located.
				d.c.reportInternal(ctx, err)
				a.pos = a.end
				break
			}
			a.pos += n
			ok, err := d.match(ctx, rec, &d.inner)
			if err != nil {
				return JoinedRow{}, false, err
			}
			if ok {
				return JoinedRow{Outer: d.r.outer, Inner: &d.inner, Record: rec}, true, nil
			}
		}
		d.haveInner = false
	}
	row, ok, err := d.it.Next(ctx)
	if err != nil {
		return JoinedRow{}, false, err
	}
	if !ok {
		d.it.Close()
		d.it = nil
		d.state = drainUnmatched
		a.pos = 0
		return JoinedRow{}, false, nil
	}
	d.inner, d.haveInner = row, true
	a.pos = 0
	return JoinedRow{}, false, nil
}

func (d *Drainer) nextLookup(ctx context.Context) error {
	c := d.c
	row, tok, ok, err := d.lookup.Next(ctx)
	if err != nil {
		return err
	}
	if !ok {
		d.lookup.Abort()
		d.lookup = nil
		d.state = drainUnmatched
		c.arena.pos = 0
		return nil
	}
	d.inner = row
	if c.strategy == Keyed {
		if tok == jbtypes.NoToken {
			c.reportInternal(ctx, errors.AssertionFailedf("untagged row returned to a keyed join buffer"))
			return nil
		}
		if !d.wasSubmitted(RecordRef(tok)) {
			c.reportInternal(ctx, errors.AssertionFailedf(
				"token %d does not refer to a record whose key was submitted", tok))
			return nil
		}
		d.chainRec, d.chainTail = RecordRef(tok), RecordRef(tok)
		d.state = drainChain
		return nil
	}

	var e keyRef
	if tok == jbtypes.NoToken {
		key, ok := c.appendInnerKey(d.innerBuf[:0], &d.inner)
		if !ok {
			c.reportInternal(ctx, errors.AssertionFailedf("lookup returned a row with a NULL key"))
			return nil
		}
		var found bool
		if e, found, err = c.hash.find(key); err != nil || !found {
			if err == nil {
				err = errors.AssertionFailedf("lookup returned a row whose key is not buffered")
			}
			c.reportInternal(ctx, err)
			return nil
		}
	} else {
		e = keyRef(tok)
		if !c.hash.validEntry(e) {
			c.reportInternal(ctx, errors.AssertionFailedf("token %d does not refer to a key entry", tok))
			return nil
		}
	}
	if d.chainRec, err = c.hash.chainHead(e); err == nil {
		d.chainTail, err = c.hash.chainTail(e)
	}
	if err != nil {
		c.reportInternal(ctx, err)
		return nil
	}
	d.state = drainChain
	return nil
}

// nextChained evaluates the remaining records associated with the current
// lookup row: a single record for Keyed, a whole chain for KeyedDeduped.
func (d *Drainer) nextChained(ctx context.Context) (JoinedRow, bool, error) {
	c := d.c
	for {
		rec := d.chainRec
		last := rec == d.chainTail
		if !last {
			next, err := c.hash.chainNext(rec)
			if err != nil {
				c.reportInternal(ctx, err)
				last = true
			}
			d.chainRec = next
		}
		if last {
			d.state = drainLookup
		}
		ok, err := d.match(ctx, rec, &d.inner)
		if err != nil {
			return JoinedRow{}, false, err
		}
		if ok {
			return JoinedRow{Outer: d.r.outer, Inner: &d.inner, Record: rec}, true, nil
		}
		if last {
			return JoinedRow{}, false, nil
		}
	}
}

func (d *Drainer) nextUnmatched(ctx context.Context) (JoinedRow, bool, error) {
	c := d.c
	a := &c.arena
	if c.joinType != LeftOuterJoin {
		d.state = drainDone
		return JoinedRow{}, false, nil
	}
	for a.pos < a.end {
		rec := RecordRef(a.pos)
		_, n, err := c.recordHeader(rec)
		if err != nil {
			c.reportInternal(ctx, err)
			break
		}
		a.pos += n
		matched, err := c.isMatched(rec)
		if err != nil {
			c.reportInternal(ctx, err)
			continue
		}
		if matched {
			continue
		}
		d.r.pad = d.r.pad[:0]
		if _, err := c.readRecord(rec, d.r, true); err != nil {
			c.reportInternal(ctx, err)
			continue
		}
		return JoinedRow{Outer: d.r.outer, Record: rec}, true, nil
	}
	d.state = drainDone
	return JoinedRow{}, false, nil
}

func (d *Drainer) wasSubmitted(rec RecordRef) bool {
	i := sort.Search(len(d.submitted), func(i int) bool { return d.submitted[i] >= rec })
	return i < len(d.submitted) && d.submitted[i] == rec
}
