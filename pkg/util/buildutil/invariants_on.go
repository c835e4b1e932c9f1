// Copyright 2023 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

//go:build invariants || race

package buildutil

// Invariants is enabled when built with the invariants or race build tags.
// Internal consistency violations in the join buffer panic instead of being
// logged and degraded to "no match".
const Invariants = true
