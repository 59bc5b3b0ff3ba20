// Copyright 2026 The kvsched Authors
// This file is part of the kvsched library.
//
// The kvsched library is free software: you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

// Package policy provides concrete scheduler.PolicyIface implementations.
package policy

import (
	"sort"

	"github.com/kvsched/kvsched/core/scheduler"
)

// FCFS orders sequence groups by arrival timestamp ascending: first come,
// first served. This is the scheduler's baseline policy (spec.md 4.2) and
// the one P6 (FCFS forward progress) is defined against.
type FCFS struct{}

// SortByPriority implements scheduler.PolicyIface.
func (FCFS) SortByPriority(now int64, queue []*scheduler.SequenceGroup) []*scheduler.SequenceGroup {
	out := make([]*scheduler.SequenceGroup, len(queue))
	copy(out, queue)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Arrival < out[j].Arrival
	})
	return out
}
