// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package joinbuf implements join buffers: memory-resident accumulators that
// batch the rows produced by one stage of a join and replay them against the
// next table. The next table is then scanned (block nested loop) or probed
// with one batched multi-key lookup (batched key access) once per batch
// instead of once per row.
//
// Rows are packed into a single byte buffer per cache. The deduplicated
// batched key access strategy additionally builds a hash table at the high
// end of the same buffer so that buffered rows sharing a key produce a single
// lookup.
package joinbuf

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/joinbuf/pkg/sql/joinbuf/jbtypes"
	"github.com/cockroachdb/joinbuf/pkg/util/log"
	"github.com/cockroachdb/logtags"
	"github.com/cockroachdb/redact"
	"github.com/dustin/go-humanize"
)

// Strategy is the buffering algorithm of a cache. It is decided by the
// planner and fixed for the lifetime of the cache.
type Strategy uint8

const (
	// Plain buffers rows and scans the inner table once per batch (block
	// nested loop).
	Plain Strategy = iota
	// Keyed buffers rows and submits one lookup key per buffered row to the
	// batched lookup protocol (batched key access).
	Keyed
	// KeyedDeduped is Keyed with buffered rows grouped by key in a hash
	// table, so that one key is submitted per distinct key.
	KeyedDeduped
)

func (s Strategy) String() string {
	switch s {
	case Plain:
		return "plain"
	case Keyed:
		return "keyed"
	case KeyedDeduped:
		return "keyed-deduped"
	default:
		return fmt.Sprintf("Strategy(%d)", uint8(s))
	}
}

// SafeValue implements redact.SafeValue.
func (Strategy) SafeValue() {}

// ParseStrategy parses the String form of a strategy.
func ParseStrategy(s string) (Strategy, error) {
	for st := Plain; st <= KeyedDeduped; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, errors.Newf("unknown strategy %q", s)
}

// JoinType determines what a buffered row produces when it matches zero or
// several inner rows.
type JoinType uint8

const (
	// InnerJoin emits one row per matching pair.
	InnerJoin JoinType = iota
	// LeftOuterJoin additionally emits one NULL-complemented row for every
	// buffered row that matched nothing.
	LeftOuterJoin
	// LeftSemiJoin emits a buffered row once, with its first match.
	LeftSemiJoin
)

func (t JoinType) String() string {
	switch t {
	case InnerJoin:
		return "inner"
	case LeftOuterJoin:
		return "left-outer"
	case LeftSemiJoin:
		return "left-semi"
	default:
		return fmt.Sprintf("JoinType(%d)", uint8(t))
	}
}

// SafeValue implements redact.SafeValue.
func (JoinType) SafeValue() {}

// ParseJoinType parses the String form of a join type.
func ParseJoinType(s string) (JoinType, error) {
	for t := InnerJoin; t <= LeftSemiJoin; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, errors.Newf("unknown join type %q", s)
}

// PutStatus is the result of putting a row into a cache.
type PutStatus uint8

const (
	// Buffered means the row was accepted. A row whose lookup key is NULL is
	// also reported as buffered when it cannot produce any output.
	Buffered PutStatus = iota
	// FlushRequired means the row was not accepted. The cache must be drained
	// and reset for writing before the row is put again.
	FlushRequired
)

func (s PutStatus) String() string {
	if s == FlushRequired {
		return "flush-required"
	}
	return "buffered"
}

// SafeValue implements redact.SafeValue.
func (PutStatus) SafeValue() {}

// Spec describes one cache. All decisions are made by the caller; the cache
// only executes them.
type Spec struct {
	// Name identifies the cache in logs.
	Name     string
	Strategy Strategy
	JoinType JoinType
	// Capacity is the size of the buffer. Zero means Config.BufferSize.
	Capacity ByteSize

	// Outer lists the tables of the rows put into the first cache of a chain.
	// It must be empty when Prev is set.
	Outer []jbtypes.TableSpec
	// Inner is the table joined with the buffered rows on drain.
	Inner jbtypes.TableSpec
	// Prev is the earlier cache of a chain. Each of this cache's records then
	// extends a record of Prev with a row of Prev's inner table.
	Prev *Cache
	// Referenced lists the columns of this cache's tables that later caches
	// read through trailing offsets, typically their lookup key parts.
	Referenced []jbtypes.ColRef

	// Condition is evaluated for every candidate pair. Nil means true.
	Condition jbtypes.Condition
	// Scanner scans the inner table. It is required by Plain and serves as
	// the fallback of the keyed strategies.
	Scanner jbtypes.Scanner
	// Lookup is the batched lookup protocol of the keyed strategies.
	Lookup jbtypes.LookupProtocol
	// KeyParts are the columns of the partial join row forming the lookup key,
	// matched positionally against the InnerKey columns of the inner table.
	KeyParts []jbtypes.ColRef
	InnerKey []int
	// EstimatedKeys sizes the hash table of KeyedDeduped. Zero means
	// Config.EstimatedKeys.
	EstimatedKeys int

	// Metrics receives the cache's counters. Nil means private metrics.
	Metrics *Metrics
}

// Stats summarize the activity of a cache.
type Stats struct {
	Capacity       int
	Records        int
	BytesUsed      int
	DistinctKeys   int
	KeysSubmitted  int
	DedupHits      int
	NullKeys       int
	Flushes        int
	InternalErrors int
}

// Cache is a join buffer. It is not safe for concurrent use.
type Cache struct {
	name     string
	strategy Strategy
	joinType JoinType
	cfg      Config

	tables []jbtypes.TableSpec
	inner  jbtypes.TableSpec
	cond   jbtypes.Condition
	scan   jbtypes.Scanner
	lookup jbtypes.LookupProtocol

	prev *Cache
	next *Cache

	layout *layout
	arena  arena
	hash   *hashIndex

	keySpecs      []jbtypes.ColumnSpec
	innerKey      []int
	scratchPerKey int

	// fellBack is set once the lookup protocol failed to start; the cache
	// then uses the plain driver for good.
	fellBack bool
	// drained is set once Drain was called since the last reset.
	drained bool
	// pendingKeys is the number of keys the next drain submits.
	pendingKeys int

	keyBuf    []byte
	full      jbtypes.Row
	absentRow jbtypes.TableRow

	metrics *Metrics
	stats   Stats
	// internalErrorEvery rate limits the logs of internal faults.
	internalErrorEvery log.EveryN
}

// New sets up a cache. It lays out records, allocates the buffer and, for
// KeyedDeduped, the hash table. Errors are marked with ErrBadSpec or
// ErrOutOfMemory; no cache is returned with them.
func New(ctx context.Context, cfg Config, spec Spec) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Mark(err, ErrBadSpec)
	}
	capacity := int(spec.Capacity)
	if capacity == 0 {
		capacity = int(cfg.BufferSize)
	}
	if capacity < 0 {
		return nil, badSpec("negative capacity %d", capacity)
	}
	if ByteSize(capacity) > cfg.MemoryLimit {
		return nil, errors.Mark(errors.WithHintf(
			errors.Newf("join buffer of %s exceeds the memory limit of %s", ByteSize(capacity), cfg.MemoryLimit),
			"lower the buffer capacity or raise memory_limit"), ErrOutOfMemory)
	}
	if spec.Strategy > KeyedDeduped {
		return nil, badSpec("unknown strategy %d", spec.Strategy)
	}
	if spec.JoinType > LeftSemiJoin {
		return nil, badSpec("unknown join type %d", spec.JoinType)
	}

	c := &Cache{
		name:     spec.Name,
		strategy: spec.Strategy,
		joinType: spec.JoinType,
		cfg:      cfg,
		inner:    spec.Inner,
		cond:     spec.Condition,
		scan:     spec.Scanner,
		lookup:   spec.Lookup,
		prev:     spec.Prev,
		metrics:  spec.Metrics,

		internalErrorEvery: log.Every(internalErrorInterval),
	}
	if c.metrics == nil {
		c.metrics = NewMetrics()
	}

	args := layoutArgs{
		strategy:   spec.Strategy,
		joinType:   spec.JoinType,
		capacity:   capacity,
		referenced: spec.Referenced,
		keyParts:   spec.KeyParts,
		keySpec:    c.earlierKeySpec,
	}
	if p := spec.Prev; p != nil {
		if len(spec.Outer) > 0 {
			return nil, badSpec("a chained cache takes its tables from the earlier cache")
		}
		if p.next != nil {
			return nil, badSpec("cache %q already has a later cache", p.name)
		}
		own := p.inner
		own.MaybeAbsent = p.joinType == LeftOuterJoin
		args.own = []jbtypes.TableSpec{own}
		args.base = len(p.tables)
		args.prevRefWidth = p.layout.recRefWidth
		c.tables = append(append(c.tables, p.tables...), own)
	} else {
		args.own = spec.Outer
		c.tables = append(c.tables, spec.Outer...)
	}
	l, err := computeLayout(args)
	if err != nil {
		return nil, err
	}
	c.layout = l

	if spec.Strategy == Plain {
		if spec.Scanner == nil {
			return nil, badSpec("plain strategy requires a scanner")
		}
	} else {
		if spec.Lookup == nil {
			return nil, badSpec("%s strategy requires a lookup protocol", spec.Strategy)
		}
		if err := c.initKey(spec); err != nil {
			return nil, err
		}
	}

	c.arena = makeArena(capacity, len(l.fields))
	hashLow := capacity
	entrySize := 0
	if spec.Strategy == KeyedDeduped {
		est := spec.EstimatedKeys
		if est == 0 {
			est = cfg.EstimatedKeys
		}
		c.hash = newHashIndex(&c.arena, l, est)
		hashLow = c.hash.reset()
		entrySize = c.hash.entrySize
	}
	minRecord := l.maxLen
	if l.hasBlobs && cfg.DeferBlobs {
		minRecord = l.maxLenDeferred
	}
	if need := minRecord + entrySize + c.scratchPerKey; need > hashLow {
		return nil, errors.Mark(errors.WithHintf(
			errors.Newf("join buffer of %s cannot hold a single record of up to %s",
				ByteSize(capacity), ByteSize(need+capacity-hashLow)),
			"raise the buffer capacity"), ErrOutOfMemory)
	}
	c.arena.reset(hashLow)

	c.full = make(jbtypes.Row, len(c.tables))
	c.absentRow = jbtypes.MakeTableRow(len(c.inner.Cols))
	c.absentRow.Absent = true
	c.stats.Capacity = capacity
	if c.prev != nil {
		c.prev.next = c
	}
	c.metrics.BufferBytes.Add(float64(capacity))
	log.VEventf(c.annotate(ctx), 2, "join buffer set up: %s\n%s", redact.Safe(c.strategy), redact.Safe(l.String()))
	return c, nil
}

// earlierKeySpec resolves a key part held by an earlier cache of the chain.
// The earlier cache must have declared the column as referenced.
func (c *Cache) earlierKeySpec(ref jbtypes.ColRef) (jbtypes.ColumnSpec, error) {
	for p := c.prev; p != nil; p = p.prev {
		if ref.Table < p.layout.base {
			continue
		}
		f := p.layout.fieldFor(ref)
		if f == nil {
			return jbtypes.ColumnSpec{}, badSpec("key part %s: invalid column", ref)
		}
		if f.refSlot < 0 {
			return jbtypes.ColumnSpec{}, errors.WithHintf(
				badSpec("key part %s is not referenced by cache %q", ref, p.name),
				"add %s to the Referenced columns of the earlier cache", ref)
		}
		return f.spec, nil
	}
	return jbtypes.ColumnSpec{}, badSpec("key part %s: invalid table", ref)
}

func (c *Cache) initKey(spec Spec) error {
	l := c.layout
	if len(spec.InnerKey) != len(l.keyParts) {
		return badSpec("%d key parts but %d inner key columns", len(l.keyParts), len(spec.InnerKey))
	}
	c.innerKey = spec.InnerKey
	c.keySpecs = make([]jbtypes.ColumnSpec, len(l.keyParts))
	for i, kp := range l.keyParts {
		ord := spec.InnerKey[i]
		if ord < 0 || ord >= len(c.inner.Cols) {
			return badSpec("inner key column %d out of range", ord)
		}
		ic := c.inner.Cols[ord]
		if ic.Type != kp.spec.Type || ic.MaxLen != kp.spec.MaxLen {
			return badSpec("key part %s is %s(%d) but inner column %q is %s(%d)",
				kp.ref, kp.spec.Type, kp.spec.MaxLen, ic.Name, ic.Type, ic.MaxLen)
		}
		c.keySpecs[i] = kp.spec
	}
	c.scratchPerKey = c.cfg.ScratchPerKey
	if c.scratchPerKey == 0 {
		c.scratchPerKey = spec.Lookup.ScratchPerKey(l.keyWidth)
	}
	if c.scratchPerKey < 0 {
		return badSpec("negative scratch per key %d", c.scratchPerKey)
	}
	c.keyBuf = make([]byte, 0, l.keyWidth)
	return nil
}

func (c *Cache) annotate(ctx context.Context) context.Context {
	return logtags.AddTag(ctx, "jcache", c.name)
}

// Strategy returns the configured strategy. It does not change when the
// cache falls back to the plain driver; see FellBack.
func (c *Cache) Strategy() Strategy { return c.strategy }

// JoinType returns the configured join type.
func (c *Cache) JoinType() JoinType { return c.joinType }

// FellBack returns whether the lookup protocol failed to start and the cache
// now joins by scanning the inner table.
func (c *Cache) FellBack() bool { return c.fellBack }

// Tables returns the tables of the partial join rows held by the cache.
func (c *Cache) Tables() []jbtypes.TableSpec { return c.tables }

// Stats returns a snapshot of the cache's counters.
func (c *Cache) Stats() Stats {
	s := c.stats
	s.BytesUsed = c.arena.end + len(c.arena.buf) - c.arena.lastKeyEntry
	if c.hash != nil {
		s.DistinctKeys = c.hash.numKeys
	}
	return s
}

// SafeFormat implements redact.SafeFormatter.
func (c *Cache) SafeFormat(w redact.SafePrinter, _ rune) {
	s := c.Stats()
	w.Printf("%s %s join buffer %q: %d records, %s of %s used",
		c.strategy, c.joinType, c.name, s.Records,
		redact.Safe(humanize.IBytes(uint64(s.BytesUsed))), redact.Safe(humanize.IBytes(uint64(s.Capacity))))
	if c.hash != nil {
		w.Printf(", %d distinct keys", s.DistinctKeys)
	}
	if c.fellBack {
		w.SafeString(", fell back to plain")
	}
}

func (c *Cache) String() string {
	return redact.StringWithoutMarkers(c)
}

// Put buffers a row of the first cache of a chain. row holds one TableRow
// per Outer table. The cache keeps references to large object values of the
// row until it is reset, and copies everything else.
func (c *Cache) Put(ctx context.Context, row jbtypes.Row) (PutStatus, error) {
	if c.prev != nil {
		return 0, errors.AssertionFailedf("Put on chained cache %q, use PutJoined", c.name)
	}
	if len(row) != len(c.tables) {
		return 0, errors.AssertionFailedf("row has %d tables, expected %d", len(row), len(c.tables))
	}
	return c.put(ctx, row, row, 0)
}

// PutJoined buffers a row produced by draining the earlier cache of a chain.
// jr.Outer must still be backed by that cache's records.
func (c *Cache) PutJoined(ctx context.Context, jr JoinedRow) (PutStatus, error) {
	if c.prev == nil {
		return 0, errors.AssertionFailedf("PutJoined on cache %q which has no earlier cache", c.name)
	}
	own := &c.absentRow
	if jr.Inner != nil {
		own = jr.Inner
	}
	copy(c.full, jr.Outer)
	c.full[c.layout.base] = *own
	return c.put(ctx, c.full[c.layout.base:], c.full, jr.Record)
}

func (c *Cache) put(
	ctx context.Context, own []jbtypes.TableRow, full jbtypes.Row, prev RecordRef,
) (PutStatus, error) {
	a, l := &c.arena, c.layout
	if a.sealed {
		return FlushRequired, nil
	}
	var key []byte
	hasKey := false
	if c.strategy != Plain {
		c.keyBuf, hasKey = c.appendLiveKey(c.keyBuf[:0], full)
		key = c.keyBuf
		if !hasKey {
			c.stats.NullKeys++
			if c.joinType != LeftOuterJoin {
				// The row cannot match anything nor produce a NULL-complemented
				// row.
				return Buffered, nil
			}
		}
	}
	var entry keyRef
	found := false
	extra := 0
	// Once fallen back, keys are only checked while scanning: no scratch
	// memory nor key entries are needed for them.
	if c.fellBack {
		hasKey = false
	}
	if hasKey {
		switch c.strategy {
		case Keyed:
			extra = c.scratchPerKey
		case KeyedDeduped:
			var err error
			entry, found, err = c.hash.find(key)
			if err != nil {
				c.reportInternal(ctx, err)
				found = false
			}
			if !found {
				extra = c.hash.entrySize + c.scratchPerKey
			}
		}
	}

	copyPayload := true
	n := l.recordLength(own, true)
	if rem := a.remaining(); n+extra > rem {
		if !l.hasBlobs || !c.cfg.DeferBlobs {
			return FlushRequired, nil
		}
		if n = l.recordLength(own, false); n+extra > rem {
			return FlushRequired, nil
		}
		copyPayload = false
	}
	rec := c.writeRecord(own, prev, n, copyPayload)
	if hasKey {
		switch {
		case c.strategy == Keyed:
			a.reserveScratch(c.scratchPerKey)
			c.pendingKeys++
		case found:
			if err := c.hash.appendRecord(entry, rec); err != nil {
				c.reportInternal(ctx, err)
			}
			c.stats.DedupHits++
			c.metrics.DedupHits.Inc()
		default:
			c.hash.add(key, rec)
			a.reserveScratch(c.scratchPerKey)
			c.pendingKeys++
		}
	}
	c.stats.Records++
	c.metrics.RecordsBuffered.Inc()
	if !copyPayload && log.V(2) {
		log.VEventf(c.annotate(ctx), 2, "record %d defers its large objects, buffer sealed", rec)
	}
	return Buffered, nil
}

// Sealed returns whether the last record left its large object payloads in
// the row that was put. The cache accepts no more records until it is reset,
// and the row must stay unchanged until then.
func (c *Cache) Sealed() bool { return c.arena.sealed }

// Empty returns whether the cache holds no records.
func (c *Cache) Empty() bool { return c.arena.end == 0 }

// Reset prepares the cache for a new batch when forWriting is set, dropping
// every record and the hash table. Otherwise it only rewinds the cache so
// that its records can be drained again.
//
// A cache must not be reset for writing while a later cache still holds
// records extending its own.
func (c *Cache) Reset(forWriting bool) {
	c.drained = false
	if !forWriting {
		c.arena.pos = 0
		c.clearMatches(context.Background())
		return
	}
	if c.next != nil && !c.next.Empty() {
		c.reportInternal(context.Background(), errors.AssertionFailedf(
			"cache %q reset while cache %q holds %d records extending it",
			c.name, c.next.name, c.next.stats.Records))
		c.next.Reset(true)
	}
	hashLow := len(c.arena.buf)
	if c.hash != nil {
		hashLow = c.hash.reset()
	}
	c.arena.reset(hashLow)
	c.stats.Records = 0
	c.pendingKeys = 0
}

// Close releases the cache. It detaches the cache from its chain.
func (c *Cache) Close() {
	if c.arena.buf == nil {
		return
	}
	c.metrics.BufferBytes.Sub(float64(len(c.arena.buf)))
	c.arena.buf = nil
	c.arena.end, c.arena.lastKeyEntry = 0, 0
	if c.prev != nil && c.prev.next == c {
		c.prev.next = nil
	}
}
