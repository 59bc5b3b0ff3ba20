// Copyright 2026 The kvsched Authors
// This file is part of the kvsched library.
//
// The kvsched library is free software: you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

package scheduler

// CowMap aggregates copy-on-write instructions across a batch: source
// block id -> ordered list of destination block ids that must each
// receive a clone of src before the step runs (spec.md 3, 4.5).
type CowMap map[BlockID][]BlockID

func (m CowMap) add(src, dst BlockID) {
	m[src] = append(m[src], dst)
}

// SchedulerOutputs is the immutable plan record produced fresh by every
// tick (spec.md 3). Zero value is the empty plan.
type SchedulerOutputs struct {
	// ScheduledSeqGroups is the ordered list of groups that will execute
	// this step.
	ScheduledSeqGroups []*SequenceGroup
	// PromptRun is true iff this is a prompt-admission step, false iff a
	// decode step.
	PromptRun bool
	// NumBatchedTokens is, for prompt runs, count * max_prompt_len (the
	// padded rectangle); for decode runs, the count of running
	// sequences.
	NumBatchedTokens int

	RetrievalBlocksToSwapIn  map[BlockID]BlockID
	RetrievalBlocksToSwapOut map[BlockID]BlockID
	RetrievalBlocksToCopy    CowMap

	StreamingBlocksToSwapIn  map[BlockID]BlockID
	StreamingBlocksToSwapOut map[BlockID]BlockID
	StreamingBlocksToCopy    CowMap

	// IgnoredSeqGroups are groups rejected at admission; their sequences
	// have already been set to SeqFinishedIgnored.
	IgnoredSeqGroups []*SequenceGroup
}

// newEmptyOutputs returns a SchedulerOutputs with every map initialized
// (never nil), which keeps callers (and P3) from having to nil-check.
func newEmptyOutputs() *SchedulerOutputs {
	return &SchedulerOutputs{
		RetrievalBlocksToSwapIn:  map[BlockID]BlockID{},
		RetrievalBlocksToSwapOut: map[BlockID]BlockID{},
		RetrievalBlocksToCopy:    CowMap{},
		StreamingBlocksToSwapIn:  map[BlockID]BlockID{},
		StreamingBlocksToSwapOut: map[BlockID]BlockID{},
		StreamingBlocksToCopy:    CowMap{},
	}
}

// IsEmpty reports whether the plan schedules or moves nothing — the
// boundary case of an empty-queues tick (spec.md 8). Ignored groups are
// deliberately excluded, matching the original scheduler's is_empty(),
// which does not consider them either.
func (o *SchedulerOutputs) IsEmpty() bool {
	return len(o.ScheduledSeqGroups) == 0 && o.IsEmptyMovement()
}

// IsEmptyMovement reports whether the plan requests no block movement at
// all, independent of whether any groups were scheduled or ignored - a
// fresh admission tick with no running/swapped history moves no blocks.
func (o *SchedulerOutputs) IsEmptyMovement() bool {
	return len(o.RetrievalBlocksToSwapIn) == 0 &&
		len(o.RetrievalBlocksToSwapOut) == 0 &&
		len(o.RetrievalBlocksToCopy) == 0 &&
		len(o.StreamingBlocksToSwapIn) == 0 &&
		len(o.StreamingBlocksToSwapOut) == 0 &&
		len(o.StreamingBlocksToCopy) == 0
}
