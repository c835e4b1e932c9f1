// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package joinbuf

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/joinbuf/pkg/util/buildutil"
	"github.com/cockroachdb/joinbuf/pkg/util/log"
)

// ErrOutOfMemory marks setup errors caused by the buffer not fitting in the
// memory limit or the memory limit not fitting a single record.
var ErrOutOfMemory = errors.New("join buffer: out of memory")

// ErrBadSpec marks setup errors caused by an invalid Spec.
var ErrBadSpec = errors.New("join buffer: invalid spec")

// internalErrorInterval is the minimum time between two internal fault logs
// of a cache.
const internalErrorInterval = 10 * time.Second

// reportInternal handles an internal consistency violation. In builds with
// invariants enabled it panics. Otherwise the fault is logged and counted and
// the caller degrades to "no match".
func (c *Cache) reportInternal(ctx context.Context, err error) {
	if buildutil.Invariants {
		panic(err)
	}
	c.metrics.InternalErrors.Inc()
	c.stats.InternalErrors++
	if c.internalErrorEvery.ShouldLog() {
		log.Errorf(ctx, "%v", err)
	}
}
