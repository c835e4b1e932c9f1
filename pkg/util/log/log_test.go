// Copyright 2015 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package log

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/logtags"
	"github.com/cockroachdb/redact"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T) *bytes.Buffer {
	var buf bytes.Buffer
	prev := SetOutput(&buf)
	t.Cleanup(func() { SetOutput(prev) })
	return &buf
}

func TestOutput(t *testing.T) {
	buf := capture(t)
	ctx := logtags.AddTag(context.Background(), "jcache", "orders")
	ctx = logtags.AddTag(ctx, "n", 1)
	Warningf(ctx, "buffer %s is full", "orders")

	line := buf.String()
	require.True(t, strings.HasPrefix(line, "W"), line)
	require.Contains(t, line, "[jcache=orders,n1] log_test.go:")
	require.True(t, strings.HasSuffix(line, "buffer orders is full\n"), line)
}

func TestRedactable(t *testing.T) {
	buf := capture(t)
	defer SetRedactable(false)
	ctx := context.Background()

	Infof(ctx, "key %s in %s", "secret", redact.Safe("bucket"))
	require.Contains(t, buf.String(), "key secret in bucket")

	buf.Reset()
	SetRedactable(true)
	Infof(ctx, "key %s in %s", "secret", redact.Safe("bucket"))
	require.Contains(t, buf.String(), "key ‹secret› in bucket")
}

func TestVerbosity(t *testing.T) {
	buf := capture(t)
	defer SetVerbosity(SetVerbosity(1))
	require.True(t, V(1))
	require.False(t, V(2))
	VEventf(context.Background(), 2, "hidden")
	require.Empty(t, buf.String())
	VEventf(context.Background(), 1, "shown")
	require.Contains(t, buf.String(), "shown")
}

func TestFatal(t *testing.T) {
	capture(t)
	var code int
	SetExitFunc(func(c int) { code = c })
	defer ResetExitFunc()
	Fatalf(context.Background(), "boom")
	require.Equal(t, 2, code)
}

func TestEveryN(t *testing.T) {
	start := time.Now()
	e := Every(time.Minute)
	require.True(t, e.shouldLog(start))
	require.False(t, e.shouldLog(start.Add(time.Second)))
	require.True(t, e.shouldLog(start.Add(time.Minute)))

	defer SetVerbosity(SetVerbosity(2))
	require.True(t, e.shouldLog(start.Add(time.Minute+time.Second)))
}

func TestFormatWithContextTags(t *testing.T) {
	ctx := logtags.AddTag(context.Background(), "s", 3)
	require.Equal(t, "[s3] range split", FormatWithContextTags(ctx, "range %s", "split"))
	require.Equal(t, "100%", FormatWithContextTags(context.Background(), "100%"))
}
