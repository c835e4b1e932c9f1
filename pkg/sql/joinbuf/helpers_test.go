// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package joinbuf

import (
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/cockroachdb/joinbuf/pkg/sql/joinbuf/jbtypes"
	"github.com/stretchr/testify/require"
)

func col(name string, typ jbtypes.FieldType, maxLen int) jbtypes.ColumnSpec {
	return jbtypes.ColumnSpec{Name: name, Type: typ, MaxLen: maxLen}
}

func nullable(c jbtypes.ColumnSpec) jbtypes.ColumnSpec {
	c.Nullable = true
	return c
}

// Tables shared by the join tests. t1 is buffered, t2 and t3 are joined.
var (
	t1Spec = jbtypes.TableSpec{Name: "t1", Cols: []jbtypes.ColumnSpec{
		col("k", jbtypes.Fixed, 1),
		nullable(col("v", jbtypes.VarShort, 8)),
	}}
	t2Spec = jbtypes.TableSpec{Name: "t2", Cols: []jbtypes.ColumnSpec{
		col("k", jbtypes.Fixed, 1),
		col("w", jbtypes.Stripped, 4),
		nullable(col("v", jbtypes.VarShort, 8)),
	}}
	t3Spec = jbtypes.TableSpec{Name: "t3", Cols: []jbtypes.ColumnSpec{
		col("v", jbtypes.VarShort, 8),
		col("z", jbtypes.Stripped, 4),
	}}
)

// mkRow builds a table row from its values, NULL standing for a NULL value.
func mkRow(vals ...string) jbtypes.TableRow {
	row := jbtypes.MakeTableRow(len(vals))
	for i, v := range vals {
		if v == "NULL" {
			row.Nulls[i] = true
			continue
		}
		row.Vals[i] = []byte(v)
	}
	return row
}

func formatTableRow(row *jbtypes.TableRow) string {
	if row == nil || row.Absent {
		return "NULL"
	}
	parts := make([]string, len(row.Vals))
	for i, v := range row.Vals {
		if row.IsNull(i) {
			parts[i] = "NULL"
		} else {
			parts[i] = strconv.Quote(string(v))
		}
	}
	return "(" + strings.Join(parts, " ") + ")"
}

func formatJoinedRow(jr JoinedRow) string {
	var b strings.Builder
	for i := range jr.Outer {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(formatTableRow(&jr.Outer[i]))
	}
	b.WriteString(" | ")
	b.WriteString(formatTableRow(jr.Inner))
	return b.String()
}

// drainAll drains c and returns its rows formatted.
func drainAll(t *testing.T, c *Cache) []string {
	t.Helper()
	ctx := testCtx()
	d := c.Drain(ctx)
	defer d.Close()
	var res []string
	for {
		jr, ok, err := d.Next(ctx)
		require.NoError(t, err)
		if !ok {
			return res
		}
		res = append(res, formatJoinedRow(jr))
	}
}

// parseColRef parses the @table.column form of ColRef.String.
func parseColRef(t *testing.T, s string) jbtypes.ColRef {
	t.Helper()
	var ref jbtypes.ColRef
	_, err := fmt.Sscanf(s, "@%d.%d", &ref.Table, &ref.Col)
	require.NoError(t, err, "column reference %q", s)
	ref.Table--
	ref.Col--
	return ref
}

// parseTables parses table definitions, one per line:
//
//	<name> [maybe-absent]: <col>:<type>:<max-len>[:null] ...
func parseTables(t *testing.T, input string) []jbtypes.TableSpec {
	t.Helper()
	var specs []jbtypes.TableSpec
	for _, line := range strings.Split(strings.TrimSpace(input), "\n") {
		head, cols, ok := strings.Cut(line, ":")
		require.True(t, ok, "malformed table %q", line)
		fields := strings.Fields(head)
		spec := jbtypes.TableSpec{Name: fields[0]}
		spec.MaybeAbsent = len(fields) > 1 && fields[1] == "maybe-absent"
		for _, c := range strings.Fields(cols) {
			parts := strings.Split(c, ":")
			require.GreaterOrEqual(t, len(parts), 3, "malformed column %q", c)
			typ, ok := jbtypes.ParseFieldType(parts[1])
			require.True(t, ok, "unknown type %q", parts[1])
			maxLen, err := strconv.Atoi(parts[2])
			require.NoError(t, err)
			cs := col(parts[0], typ, maxLen)
			cs.Nullable = len(parts) > 3 && parts[3] == "null"
			spec.Cols = append(spec.Cols, cs)
		}
		specs = append(specs, spec)
	}
	return specs
}

// parseRows parses rows, one per line, with space separated values.
func parseRows(input string) []jbtypes.TableRow {
	var rows []jbtypes.TableRow
	for _, line := range strings.Split(strings.TrimSpace(input), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			rows = append(rows, mkRow(strings.Fields(line)...))
		}
	}
	return rows
}
