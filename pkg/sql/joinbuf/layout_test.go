// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package joinbuf

import (
	"testing"

	"github.com/cockroachdb/datadriven"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/joinbuf/pkg/sql/joinbuf/jbtypes"
	"github.com/stretchr/testify/require"
)

// TestLayout computes record layouts. Arguments:
//
//	layout strategy=<s> join=<j> capacity=<n> [key=@t.c,...] [referenced=@t.c,...]
func TestLayout(t *testing.T) {
	datadriven.RunTest(t, "testdata/layout", func(t *testing.T, d *datadriven.TestData) string {
		switch d.Cmd {
		case "layout":
			var strategy, join string
			var capacity int
			d.ScanArgs(t, "strategy", &strategy)
			d.ScanArgs(t, "join", &join)
			d.ScanArgs(t, "capacity", &capacity)
			st, err := ParseStrategy(strategy)
			require.NoError(t, err)
			jt, err := ParseJoinType(join)
			require.NoError(t, err)
			args := layoutArgs{
				strategy: st,
				joinType: jt,
				capacity: capacity,
				own:      parseTables(t, d.Input),
			}
			if d.HasArg("key") {
				var keys []string
				d.ScanArgs(t, "key", &keys)
				for _, k := range keys {
					args.keyParts = append(args.keyParts, parseColRef(t, k))
				}
			}
			if d.HasArg("referenced") {
				var refs []string
				d.ScanArgs(t, "referenced", &refs)
				for _, r := range refs {
					args.referenced = append(args.referenced, parseColRef(t, r))
				}
			}
			l, err := computeLayout(args)
			if err != nil {
				require.True(t, errors.Is(err, ErrBadSpec), "%v", err)
				return "error: " + err.Error()
			}
			return l.String()
		default:
			d.Fatalf(t, "unknown command %s", d.Cmd)
			return ""
		}
	})
}

func TestRecordLength(t *testing.T) {
	l, err := computeLayout(layoutArgs{
		strategy: Plain,
		joinType: InnerJoin,
		capacity: 1 << 10,
		own:      []jbtypes.TableSpec{t1Spec},
	})
	require.NoError(t, err)

	// Length prefix, null bitmap, fixed k, length of v.
	const overhead = 1 + 1 + 1 + 1
	for _, tc := range []struct {
		row      jbtypes.TableRow
		expected int
	}{
		{mkRow("a", "NULL"), overhead - 1},
		{mkRow("a", ""), overhead},
		{mkRow("a", "abc"), overhead + 3},
		// Truncated to the maximum length of v.
		{mkRow("a", "0123456789"), overhead + 8},
	} {
		require.Equal(t, tc.expected, l.recordLength([]jbtypes.TableRow{tc.row}, true))
	}
	require.Equal(t, overhead+8, l.maxLen)
}
