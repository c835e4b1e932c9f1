// Copyright 2015 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package log

import (
	"context"
	"strings"

	"github.com/cockroachdb/logtags"
	"github.com/cockroachdb/redact"
)

// FormatWithContextTags formats the string and prepends the context
// tags.
//
// Redaction markers are *not* inserted. The resulting
// string is generally unsafe for reporting.
func FormatWithContextTags(ctx context.Context, format string, args ...interface{}) string {
	var buf strings.Builder
	buf.WriteString(formatTags(ctx))
	buf.WriteString(renderArgs(false /* redactable */, format, args...))
	return buf.String()
}

// formatTags renders the log tags of ctx in brackets followed by a space, or
// returns the empty string when ctx carries no tags.
func formatTags(ctx context.Context) string {
	tags := logtags.FromContext(ctx)
	if tags == nil || len(tags.Get()) == 0 {
		return ""
	}
	return "[" + tags.String() + "] "
}

func renderArgs(redactable bool, format string, args ...interface{}) string {
	var s redact.RedactableString
	if len(args) == 0 {
		s = redact.Sprint(redact.Safe(format))
	} else {
		s = redact.Sprintf(format, args...)
	}
	if redactable {
		return string(s)
	}
	return s.StripMarkers()
}
