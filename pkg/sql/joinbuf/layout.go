// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package joinbuf

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/joinbuf/pkg/sql/joinbuf/jbtypes"
)

// Values of the large object tag byte of a record.
const (
	blobsCopied   byte = 0
	blobsDeferred byte = 1
)

// tableLayout describes the flag bytes of one of the cache's own tables.
type tableLayout struct {
	// nullOff is the offset of the null bitmap within the record.
	nullOff   int
	nullBytes int
	// absentOff is the offset of the absence byte, -1 if the table is never
	// NULL-complemented.
	absentOff int
}

// keyPart is one column of the lookup key.
type keyPart struct {
	ref  jbtypes.ColRef
	spec jbtypes.ColumnSpec
	// field is the index of the field holding the key part when it belongs to
	// one of the cache's own tables, -1 when it is read from an earlier cache.
	field int
}

// layout is the record format of one cache instance. It is computed once at
// setup and never changes.
//
// A record is laid out as follows; every part but the fields is optional:
//
//	[next in chain][length][earlier record][match][blob tag]
//	[null bitmap, absence byte]... [fields]... [referenced field offsets]...
type layout struct {
	// base is the number of tables buffered by earlier caches of the chain.
	base   int
	tables []tableLayout
	fields []field

	recRefWidth  int
	recLenWidth  int
	prevRefWidth int
	fldOfsWidth  int

	chainLink  bool
	withLength bool
	matchFlag  bool
	hasBlobs   bool

	lenOff     int
	prevOff    int
	matchOff   int
	blobTagOff int
	headerLen  int

	// referenced maps each trailing offset slot to its field.
	referenced []int
	// fixedLen is the length of every record when withLength is false.
	fixedLen int
	// maxLen bounds the length of records with large objects copied, and
	// maxLenDeferred with large objects deferred.
	maxLen, maxLenDeferred int

	keyParts    []keyPart
	keyWidth    int
	embeddedKey bool
	// keyOff is the offset of the key within records when embeddedKey is set.
	keyOff int
}

// layoutArgs are the inputs of computeLayout.
type layoutArgs struct {
	strategy     Strategy
	joinType     JoinType
	capacity     int
	base         int
	own          []jbtypes.TableSpec
	prevRefWidth int
	referenced   []jbtypes.ColRef
	keyParts     []jbtypes.ColRef
	// keySpec resolves key parts that are not part of the own tables.
	keySpec func(jbtypes.ColRef) (jbtypes.ColumnSpec, error)
}

func badSpec(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrBadSpec)
}

func computeLayout(args layoutArgs) (*layout, error) {
	l := &layout{
		base:         args.base,
		recRefWidth:  offsetWidth(uint64(args.capacity)),
		prevRefWidth: args.prevRefWidth,
		chainLink:    args.strategy == KeyedDeduped,
		matchFlag:    args.joinType != InnerJoin,
	}
	if len(args.own) == 0 {
		return nil, badSpec("no tables to buffer")
	}

	// Resolve the key parts and decide whether the key can be read in place.
	keyed := args.strategy != Plain
	if keyed && len(args.keyParts) == 0 {
		return nil, badSpec("%s strategy requires key parts", args.strategy)
	}
	l.embeddedKey = keyed
	isKeyField := make(map[jbtypes.ColRef]int)
	for i, ref := range args.keyParts {
		var spec jbtypes.ColumnSpec
		own := ref.Table - args.base
		switch {
		case ref.Table < 0:
			return nil, badSpec("key part %s: invalid table", ref)
		case own < len(args.own):
			if own < 0 {
				var err error
				if spec, err = args.keySpec(ref); err != nil {
					return nil, err
				}
				l.embeddedKey = false
				break
			}
			t := &args.own[own]
			if ref.Col < 0 || ref.Col >= len(t.Cols) {
				return nil, badSpec("key part %s: invalid column", ref)
			}
			spec = t.Cols[ref.Col]
			if spec.Type != jbtypes.Fixed || spec.Nullable || t.MaybeAbsent {
				l.embeddedKey = false
			}
		default:
			return nil, badSpec("key part %s: invalid table", ref)
		}
		if _, ok := isKeyField[ref]; ok {
			l.embeddedKey = false
		}
		isKeyField[ref] = i
		w, err := jbtypes.KeyPartWidth(spec)
		if err != nil {
			return nil, errors.Mark(err, ErrBadSpec)
		}
		l.keyParts = append(l.keyParts, keyPart{ref: ref, spec: spec, field: -1})
		l.keyWidth += w
	}

	// Flag bytes.
	off := 0
	if l.chainLink {
		off += l.recRefWidth
	}
	for _, t := range args.own {
		for _, c := range t.Cols {
			if c.Type != jbtypes.Fixed || c.Nullable {
				l.withLength = true
			}
			if c.Type == jbtypes.Blob {
				l.hasBlobs = true
			}
		}
		if t.MaybeAbsent {
			l.withLength = true
		}
	}
	// The length prefix width depends on the maximum record length, which
	// includes the prefix. It is settled below; reserve its position first.
	l.lenOff = off
	flagsLen := 0
	if l.matchFlag {
		flagsLen++
	}
	if l.hasBlobs {
		flagsLen++
	}
	tableFlags := make([]int, len(args.own))
	for i, t := range args.own {
		nullable := 0
		for _, c := range t.Cols {
			if c.Nullable {
				nullable++
			}
		}
		tableFlags[i] = (nullable + 7) / 8
		if t.MaybeAbsent {
			tableFlags[i]++
		}
		flagsLen += tableFlags[i]
	}

	// Fields: the key first when it is embedded, then everything else in
	// table order.
	addField := func(own, col int) {
		spec := args.own[own].Cols[col]
		l.fields = append(l.fields, field{
			ref:      jbtypes.ColRef{Table: args.base + own, Col: col},
			own:      own,
			spec:     spec,
			lenWidth: lengthWidth(spec.Type, spec.MaxLen),
			nullBit:  -1,
			refSlot:  -1,
		})
	}
	if l.embeddedKey {
		for _, kp := range args.keyParts {
			addField(kp.Table-args.base, kp.Col)
		}
	}
	for i, t := range args.own {
		nullBit := 0
		for j := range t.Cols {
			ref := jbtypes.ColRef{Table: args.base + i, Col: j}
			if _, ok := isKeyField[ref]; !ok || !l.embeddedKey {
				addField(i, j)
			}
			if t.Cols[j].Nullable {
				l.fieldFor(ref).nullBit = nullBit
				nullBit++
			}
		}
	}
	for i := range l.keyParts {
		kp := &l.keyParts[i]
		if kp.ref.Table >= args.base {
			kp.field = l.fieldIndex(kp.ref)
		}
	}
	for _, f := range l.fields {
		if f.spec.MaxLen < 0 || (f.spec.Type != jbtypes.Fixed && f.spec.MaxLen == 0) {
			return nil, badSpec("column %q: invalid maximum length %d", f.spec.Name, f.spec.MaxLen)
		}
		if (f.spec.Type == jbtypes.VarShort && f.spec.MaxLen > 1<<8-1) ||
			(f.spec.Type == jbtypes.VarLong && f.spec.MaxLen > 1<<16-1) {
			return nil, badSpec("column %q: maximum length %d does not fit %s length prefix",
				f.spec.Name, f.spec.MaxLen, f.spec.Type)
		}
	}

	for _, ref := range args.referenced {
		idx := l.fieldIndex(ref)
		if idx < 0 {
			return nil, badSpec("referenced column %s is not buffered by this cache", ref)
		}
		if l.fields[idx].refSlot < 0 {
			l.fields[idx].refSlot = len(l.referenced)
			l.referenced = append(l.referenced, idx)
		}
	}

	// Settle the widths of the length prefix and of the field offsets. Both
	// depend on the maximum record length, which includes them.
	body, bodyDeferred := flagsLen+l.prevRefWidth, flagsLen+l.prevRefWidth
	if l.chainLink {
		body += l.recRefWidth
		bodyDeferred += l.recRefWidth
	}
	for i := range l.fields {
		body += l.fields[i].maxPackedLen()
		bodyDeferred += l.fields[i].maxPackedLenDeferred()
	}
	capLen := func(n int) uint64 {
		if n > args.capacity {
			n = args.capacity
		}
		return uint64(n)
	}
	for {
		total := body + l.recLenWidth + l.fldOfsWidth*len(l.referenced)
		lw, fw := 0, 0
		if l.withLength {
			lw = offsetWidth(capLen(total))
		}
		if len(l.referenced) > 0 {
			fw = offsetWidth(capLen(total))
		}
		if lw == l.recLenWidth && fw == l.fldOfsWidth {
			break
		}
		l.recLenWidth, l.fldOfsWidth = lw, fw
	}
	trailer := l.fldOfsWidth * len(l.referenced)
	l.maxLen = body + l.recLenWidth + trailer
	l.maxLenDeferred = bodyDeferred + l.recLenWidth + trailer

	off += l.recLenWidth
	l.prevOff = off
	off += l.prevRefWidth
	l.matchOff, l.blobTagOff = -1, -1
	if l.matchFlag {
		l.matchOff = off
		off++
	}
	if l.hasBlobs {
		l.blobTagOff = off
		off++
	}
	l.tables = make([]tableLayout, len(args.own))
	for i, t := range args.own {
		tl := &l.tables[i]
		tl.nullOff = off
		tl.nullBytes = tableFlags[i]
		tl.absentOff = -1
		if t.MaybeAbsent {
			tl.nullBytes--
			tl.absentOff = off + tl.nullBytes
		}
		off += tableFlags[i]
	}
	l.headerLen = off
	l.keyOff = off
	if !l.withLength {
		l.fixedLen = l.maxLen
	}
	return l, nil
}

// fieldIndex returns the index of the field holding the given column, -1 if
// the column is not buffered by this cache.
func (l *layout) fieldIndex(ref jbtypes.ColRef) int {
	for i := range l.fields {
		if l.fields[i].ref == ref {
			return i
		}
	}
	return -1
}

func (l *layout) fieldFor(ref jbtypes.ColRef) *field {
	if i := l.fieldIndex(ref); i >= 0 {
		return &l.fields[i]
	}
	return nil
}

// mayBeNull returns whether the field can be left out of a record.
func (l *layout) mayBeNull(f *field) bool {
	return f.spec.Nullable || l.tables[f.own].absentOff >= 0
}

// String renders the layout for debugging and tests.
func (l *layout) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "widths: rec-ref=%d rec-len=%d prev-ref=%d field-offset=%d\n",
		l.recRefWidth, l.recLenWidth, l.prevRefWidth, l.fldOfsWidth)
	fmt.Fprintf(&b, "header: %d bytes", l.headerLen)
	if l.chainLink {
		b.WriteString(" chain-link")
	}
	if l.matchFlag {
		fmt.Fprintf(&b, " match@%d", l.matchOff)
	}
	if l.hasBlobs {
		fmt.Fprintf(&b, " blob-tag@%d", l.blobTagOff)
	}
	b.WriteString("\n")
	for _, f := range l.fields {
		fmt.Fprintf(&b, "field %s %s(%d)", f.ref, f.spec.Type, f.spec.MaxLen)
		if f.nullBit >= 0 {
			fmt.Fprintf(&b, " null-bit=%d", f.nullBit)
		}
		if f.refSlot >= 0 {
			fmt.Fprintf(&b, " ref-slot=%d", f.refSlot)
		}
		b.WriteString("\n")
	}
	if l.withLength {
		fmt.Fprintf(&b, "length: variable, max %d", l.maxLen)
		if l.hasBlobs {
			fmt.Fprintf(&b, ", max %d deferred", l.maxLenDeferred)
		}
	} else {
		fmt.Fprintf(&b, "length: fixed %d", l.fixedLen)
	}
	if len(l.keyParts) > 0 {
		fmt.Fprintf(&b, "\nkey: width %d", l.keyWidth)
		if l.embeddedKey {
			fmt.Fprintf(&b, ", embedded at %d", l.keyOff)
		}
	}
	return b.String()
}
