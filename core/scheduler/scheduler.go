// Copyright 2026 The kvsched Authors
// This file is part of the kvsched library.
//
// The kvsched library is free software: you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

// Package scheduler implements the request scheduler for a batched
// token-generation serving system sharing a two-tier, two-class KV cache
// across many concurrent requests. See SPEC_FULL.md for the full design;
// this file implements spec.md 4.3-4.5, the tick algorithm and
// preemption policy.
package scheduler

import (
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/kvsched/kvsched/internal/xlog"
)

var log = xlog.New("scheduler")

// PreemptMode selects how Scheduler.preempt evicts a group from running.
// PreemptAuto (the default used by every internal call site) chooses by
// group shape, matching spec.md 4.5's "mode=None" default; the explicit
// variants exist so callers (and tests covering the "invalid state"
// failure kind of spec.md 7) can force a mode and observe the assertion
// failure when it is invalid for the group's shape.
type PreemptMode int

const (
	PreemptAuto PreemptMode = iota
	PreemptRecompute
	PreemptSwap
)

// Scheduler is the three-queue state machine described by spec.md 4.
// It is single-threaded cooperative (spec.md 5): callers must externally
// serialize AddSeqGroup, AbortSeqGroup, Schedule, PrepareInput and
// FreeSeq.
type Scheduler struct {
	config      Config
	cacheConfig CacheConfig
	ifbConfig   IFBConfig

	blockManager BlockManagerIface
	policy       PolicyIface

	waiting *groupDeque
	running *groupDeque
	swapped *groupDeque

	initNumBlocks int

	// clock stands in for spec.md 4.4's monotonic_time(); overridable by
	// tests, matching the teacher's common/mclock mockable-clock idiom.
	clock func() int64
}

// NewScheduler constructs a Scheduler over the given configuration,
// block-space manager, and priority policy.
func NewScheduler(cfg Config, cacheCfg CacheConfig, ifbCfg IFBConfig, bm BlockManagerIface, pol PolicyIface) *Scheduler {
	return &Scheduler{
		config:       cfg,
		cacheConfig:  cacheCfg,
		ifbConfig:    ifbCfg,
		blockManager: bm,
		policy:       pol,
		waiting:      newGroupDeque(16),
		running:      newGroupDeque(16),
		swapped:      newGroupDeque(16),
		clock:        func() int64 { return time.Now().UnixNano() },
	}
}

// AddSeqGroup appends group to the waiting queue. No synchronous
// admission check is performed (spec.md 4.3); admission happens on the
// next Schedule/PrepareInput tick.
func (s *Scheduler) AddSeqGroup(group *SequenceGroup) {
	s.waiting.PushBack(group)
}

// AbortSeqGroup removes every group whose RequestID is in ids from
// whichever queue currently holds it. Every still-live sequence in a
// removed group is set to SeqFinishedAborted and freed. Idempotent;
// unknown ids are silently ignored (spec.md 4.3, 7).
func (s *Scheduler) AbortSeqGroup(ids []RequestID) {
	remaining := make(map[RequestID]bool, len(ids))
	for _, id := range ids {
		remaining[id] = true
	}
	s.abortFromQueue(s.waiting, remaining)
	s.abortFromQueue(s.running, remaining)
	s.abortFromQueue(s.swapped, remaining)
}

// abortFromQueue drops every group in q matching remaining, aborting its
// live sequences. Preserves spec.md 9's documented quirk: once remaining
// empties mid-scan, the scan of this queue's still-unvisited tail stops
// immediately (that tail is kept untouched) rather than continuing to
// check elements that cannot possibly match an empty set. Functionally
// equivalent to scanning to the end, just a shortcut - preserved for
// fidelity rather than "fixed" into a plain filter.
func (s *Scheduler) abortFromQueue(q *groupDeque, remaining map[RequestID]bool) {
	if len(remaining) == 0 {
		return
	}
	src := q.ToSlice()
	kept := make([]*SequenceGroup, 0, len(src))
	i := 0
	for ; i < len(src); i++ {
		g := src[i]
		if !remaining[g.RequestID] {
			kept = append(kept, g)
			continue
		}
		s.abortGroup(g)
		delete(remaining, g.RequestID)
		if len(remaining) == 0 {
			i++
			break
		}
	}
	kept = append(kept, src[i:]...)
	q.Reset(kept)
}

func (s *Scheduler) abortGroup(g *SequenceGroup) {
	for _, seq := range g.Seqs {
		if !seq.Status.IsFinished() {
			seq.Status = SeqFinishedAborted
			s.blockManager.Free(seq)
		}
	}
}

// HasUnfinishedSeqs reports whether any group remains in any of the three
// queues.
func (s *Scheduler) HasUnfinishedSeqs() bool {
	return s.waiting.Len()+s.running.Len()+s.swapped.Len() > 0
}

// GetNumUnfinishedSeqGroups returns the total group count across all
// three queues.
func (s *Scheduler) GetNumUnfinishedSeqGroups() int {
	return s.waiting.Len() + s.running.Len() + s.swapped.Len()
}

// UpdateInitNumBlocks sets the non-IFB-mode fixed allocation size used by
// CanAllocate/Allocate (spec.md 4.3, 6).
func (s *Scheduler) UpdateInitNumBlocks(n int) {
	s.initNumBlocks = n
}

// ForkSeq passes through to the block manager's Fork.
func (s *Scheduler) ForkSeq(parent, child *Sequence) {
	s.blockManager.Fork(parent, child)
}

// FreeSeq passes through to the block manager's Free.
func (s *Scheduler) FreeSeq(seq *Sequence) {
	s.blockManager.Free(seq)
}

// FreeFinishedSeqGroups rebuilds the running queue, keeping only groups
// that are not yet finished.
func (s *Scheduler) FreeFinishedSeqGroups() {
	src := s.running.ToSlice()
	kept := make([]*SequenceGroup, 0, len(src))
	for _, g := range src {
		if !g.IsFinished() {
			kept = append(kept, g)
		}
	}
	s.running.Reset(kept)
}

// NumWaiting, NumRunning and NumSwapped are observation-only accessors
// (SPEC_FULL.md 4.3); they never participate in the tick algorithm.
func (s *Scheduler) NumWaiting() int { return s.waiting.Len() }
func (s *Scheduler) NumRunning() int { return s.running.Len() }
func (s *Scheduler) NumSwapped() int { return s.swapped.Len() }

// Schedule runs one tick and returns execution metadata with block
// tables populated (spec.md 4.3).
func (s *Scheduler) Schedule() ([]*SequenceGroupMetadata, *SchedulerOutputs, error) {
	return s.tick(true)
}

// PrepareInput runs the same tick logic as Schedule but emits metadata
// without block tables, for pre-cache-warmup or accounting-only ticks
// (spec.md 4.3).
func (s *Scheduler) PrepareInput() ([]*SequenceGroupMetadata, *SchedulerOutputs, error) {
	return s.tick(false)
}

func (s *Scheduler) tick(withBlockTables bool) ([]*SequenceGroupMetadata, *SchedulerOutputs, error) {
	outputs, err := s.scheduleTick()
	if err != nil {
		return nil, nil, err
	}
	if err := s.checkQueueDisjointness(); err != nil {
		return nil, nil, err
	}
	md := s.buildMetadata(outputs.ScheduledSeqGroups, outputs.PromptRun, withBlockTables)
	return md, outputs, nil
}

// scheduleTick runs exactly one of the two mutually exclusive modes
// described by spec.md 4.4.
func (s *Scheduler) scheduleTick() (*SchedulerOutputs, error) {
	now := s.clock()
	if s.swapped.Empty() {
		outputs, err := s.scheduleModeA(now)
		if err != nil {
			return nil, err
		}
		if outputs != nil {
			return outputs, nil
		}
		// Mode A produced nothing: fall through to Mode B (spec.md 4.4).
	}
	return s.scheduleModeB(now)
}

// scheduleModeA is prompt admission. It returns (nil, nil) when it
// produced nothing, signaling the caller to proceed to Mode B.
func (s *Scheduler) scheduleModeA(now int64) (*SchedulerOutputs, error) {
	var scheduled, ignored []*SequenceGroup
	var seqLens []int
	numCurrSeqs := s.numRunningSeqs()

admission:
	for {
		g := s.waiting.Front()
		if g == nil {
			break
		}
		if len(g.Seqs) != 1 {
			return nil, newFatalErr(g.RequestID, ErrInvalidWaitingGroup)
		}

		promptLen := g.promptLen()
		if promptLen > s.config.PromptLimit() {
			s.waiting.PopFront()
			g.setAllStatus(SeqFinishedIgnored)
			ignored = append(ignored, g)
			continue
		}

		switch s.blockManager.CanAllocate(g, s.ifbConfig.IFBMode, s.initNumBlocks) {
		case AllocLater:
			break admission
		case AllocNever:
			s.waiting.PopFront()
			g.setAllStatus(SeqFinishedIgnored)
			ignored = append(ignored, g)
			continue
		}

		if sumInts(seqLens)+promptLen > s.config.MaxNumBatchedTokens {
			break admission
		}
		if numCurrSeqs+g.GetMaxNumRunningSeqs() > s.config.MaxNumSeqs {
			break admission
		}

		seqLens = append(seqLens, promptLen)
		s.waiting.PopFront()
		if err := s.allocate(g); err != nil {
			return nil, err
		}
		s.running.PushBack(g)
		scheduled = append(scheduled, g)
		numCurrSeqs += g.GetMaxNumRunningSeqs()
	}

	if len(scheduled) == 0 && len(ignored) == 0 {
		return nil, nil
	}

	outputs := newEmptyOutputs()
	outputs.ScheduledSeqGroups = scheduled
	outputs.PromptRun = true
	outputs.IgnoredSeqGroups = ignored
	if len(seqLens) > 0 {
		outputs.NumBatchedTokens = len(seqLens) * maxInt(seqLens)
	}
	log.Info("prompt admission tick", "admitted", len(scheduled), "ignored", len(ignored), "batched_tokens", outputs.NumBatchedTokens)
	return outputs, nil
}

// allocate reserves blocks for group's prompt and flips its sequences to
// running (the internal "_allocate" of spec.md 4.4 step 5).
func (s *Scheduler) allocate(group *SequenceGroup) error {
	if err := s.blockManager.Allocate(group, s.ifbConfig.IFBMode, s.initNumBlocks); err != nil {
		return newFatalErr(group.RequestID, fmt.Errorf("%w: %v", ErrAllocateFailed, err))
	}
	group.setAllStatus(SeqRunning)
	return nil
}

// scheduleModeB is decode continuation: advance every running group by
// one token, preempting as needed to satisfy append-slot capacity, then
// swap back in as much of the swapped queue as fits (spec.md 4.4 steps
// 1-6).
func (s *Scheduler) scheduleModeB(now int64) (*SchedulerOutputs, error) {
	outputs := newEmptyOutputs()
	outputs.PromptRun = false

	sortedRunning := s.policy.SortByPriority(now, s.running.ToSlice())
	remaining := newGroupDeque(len(sortedRunning))
	remaining.Reset(sortedRunning)

	newRunning := newGroupDeque(len(sortedRunning))
	var preempted []*SequenceGroup

	for !remaining.Empty() {
		g := remaining.PopFront()
		fit := true
		for !s.blockManager.CanAppendSlot(g) {
			if !remaining.Empty() {
				victim := remaining.PopBack()
				if err := s.preempt(victim, PreemptAuto, outputs); err != nil {
					return nil, err
				}
				preempted = append(preempted, victim)
				continue
			}
			if err := s.preempt(g, PreemptAuto, outputs); err != nil {
				return nil, err
			}
			preempted = append(preempted, g)
			fit = false
			break
		}
		if !fit {
			continue
		}
		s.appendSlot(g, outputs)
		newRunning.PushBack(g)
	}

	if len(preempted) == 0 {
		sortedSwapped := s.policy.SortByPriority(now, s.swapped.ToSlice())
		numCurrSeqs := numRunningSeqsOf(newRunning.ToSlice())
		i := 0
		for i < len(sortedSwapped) {
			g := sortedSwapped[i]
			if !s.blockManager.CanSwapIn(g) {
				break
			}
			if numCurrSeqs+g.GetMaxNumRunningSeqs() > s.config.MaxNumSeqs {
				break
			}
			i++
			if err := s.swapIn(g, outputs); err != nil {
				return nil, err
			}
			s.appendSlot(g, outputs)
			numCurrSeqs += g.GetMaxNumRunningSeqs()
			newRunning.PushBack(g)
		}
		s.swapped.Reset(sortedSwapped[i:])
	}

	s.running.Reset(newRunning.ToSlice())

	outputs.ScheduledSeqGroups = s.running.ToSlice()
	outputs.NumBatchedTokens = 0
	for _, g := range outputs.ScheduledSeqGroups {
		outputs.NumBatchedTokens += g.NumSeqsWithStatus(SeqRunning)
	}
	log.Info("decode tick", "running", len(outputs.ScheduledSeqGroups), "preempted", len(preempted), "swapped", s.swapped.Len())
	return outputs, nil
}

// preempt evicts group from running, choosing RECOMPUTE or SWAP by group
// shape when mode is PreemptAuto (spec.md 4.5).
func (s *Scheduler) preempt(group *SequenceGroup, mode PreemptMode, outputs *SchedulerOutputs) error {
	runningSeqs := group.SeqsWithStatus(SeqRunning)
	if mode == PreemptAuto {
		if len(runningSeqs) == 1 {
			mode = PreemptRecompute
		} else {
			mode = PreemptSwap
		}
	}
	switch mode {
	case PreemptRecompute:
		if len(runningSeqs) != 1 {
			return newFatalErr(group.RequestID, ErrInvalidRecompute)
		}
		seq := runningSeqs[0]
		seq.Status = SeqWaiting
		s.blockManager.Free(seq)
		s.waiting.PushFront(group)
		return nil
	case PreemptSwap:
		if err := s.swapOut(group, outputs); err != nil {
			return err
		}
		s.swapped.PushBack(group)
		return nil
	default:
		return newFatalErr(group.RequestID, fmt.Errorf("scheduler: unknown preempt mode %d", mode))
	}
}

// swapOut migrates group's cache to the CPU tier (the internal
// "_swap_out" of spec.md 4.5). A !CanSwapOut answer is fatal: CPU swap
// space is finite and misconfigured, and silently dropping the request
// would corrupt it in flight (spec.md 7).
func (s *Scheduler) swapOut(group *SequenceGroup, outputs *SchedulerOutputs) error {
	if !s.blockManager.CanSwapOut(group) {
		return newFatalErr(group.RequestID, ErrSwapOutCapacity)
	}
	retrieval, streaming := s.blockManager.SwapOut(group)
	for gpu, cpu := range retrieval {
		outputs.RetrievalBlocksToSwapOut[gpu] = cpu
	}
	for gpu, cpu := range streaming {
		outputs.StreamingBlocksToSwapOut[gpu] = cpu
	}
	for _, seq := range group.SeqsWithStatus(SeqRunning) {
		seq.Status = SeqSwapped
	}
	return nil
}

// swapIn migrates group's cache back onto the GPU tier (the internal
// "_swap_in" of spec.md 4.5). Capacity is the caller's responsibility
// (checked via CanSwapIn before this is invoked).
func (s *Scheduler) swapIn(group *SequenceGroup, outputs *SchedulerOutputs) error {
	retrieval, streaming := s.blockManager.SwapIn(group)
	for cpu, gpu := range retrieval {
		outputs.RetrievalBlocksToSwapIn[cpu] = gpu
	}
	for cpu, gpu := range streaming {
		outputs.StreamingBlocksToSwapIn[cpu] = gpu
	}
	for _, seq := range group.SeqsWithStatus(SeqSwapped) {
		seq.Status = SeqRunning
	}
	return nil
}

// appendSlot extends every running sequence in group by one decode slot,
// aggregating any resulting copy-on-write instructions into outputs
// (the internal "_append_slot" of spec.md 4.5).
func (s *Scheduler) appendSlot(group *SequenceGroup, outputs *SchedulerOutputs) {
	for _, seq := range group.SeqsWithStatus(SeqRunning) {
		retrieval, streaming := s.blockManager.AppendSlot(seq)
		if retrieval != nil {
			outputs.RetrievalBlocksToCopy.add(retrieval.Src, retrieval.Dst)
		}
		if streaming != nil {
			outputs.StreamingBlocksToCopy.add(streaming.Src, streaming.Dst)
		}
	}
}

func (s *Scheduler) numRunningSeqs() int {
	return numRunningSeqsOf(s.running.ToSlice())
}

func numRunningSeqsOf(groups []*SequenceGroup) int {
	total := 0
	for _, g := range groups {
		total += g.GetMaxNumRunningSeqs()
	}
	return total
}

func sumInts(xs []int) int {
	total := 0
	for _, x := range xs {
		total += x
	}
	return total
}

func maxInt(xs []int) int {
	m := xs[0]
	for _, x := range xs[1:] {
		if x > m {
			m = x
		}
	}
	return m
}

// checkQueueDisjointness verifies P1 (a group resides in at most one of
// waiting/running/swapped) after every tick. golang-set's Intersect gives
// an O(n) check against the three queues' current membership, exercised
// on the hot path rather than only from tests, since a violation here
// indicates the block manager and scheduler have fallen out of sync in a
// way that would otherwise corrupt the next tick silently.
func (s *Scheduler) checkQueueDisjointness() error {
	w := idSet(s.waiting.ToSlice())
	r := idSet(s.running.ToSlice())
	sw := idSet(s.swapped.ToSlice())

	if bad := w.Intersect(r); bad.Cardinality() > 0 {
		return fmt.Errorf("scheduler: queue disjointness violated (waiting/running): %v", bad.ToSlice())
	}
	if bad := w.Intersect(sw); bad.Cardinality() > 0 {
		return fmt.Errorf("scheduler: queue disjointness violated (waiting/swapped): %v", bad.ToSlice())
	}
	if bad := r.Intersect(sw); bad.Cardinality() > 0 {
		return fmt.Errorf("scheduler: queue disjointness violated (running/swapped): %v", bad.ToSlice())
	}
	return nil
}

func idSet(groups []*SequenceGroup) mapset.Set[RequestID] {
	s := mapset.NewThreadUnsafeSet[RequestID]()
	for _, g := range groups {
		s.Add(g.RequestID)
	}
	return s
}
