// Copyright 2026 The kvsched Authors
// This file is part of the kvsched library.
//
// The kvsched library is free software: you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

package blockspace

import (
	"testing"

	"github.com/kvsched/kvsched/core/scheduler"
)

type fakeSeqData int

func (d fakeSeqData) Len() int { return int(d) }

func promptGroup(id scheduler.RequestID, seqID scheduler.SeqID, tokens int) *scheduler.SequenceGroup {
	return &scheduler.SequenceGroup{
		RequestID: id,
		Seqs: []*scheduler.Sequence{
			{SeqID: seqID, Status: scheduler.SeqWaiting, Data: fakeSeqData(tokens)},
		},
	}
}

func TestCanAllocateNeverWhenPromptExceedsTotalCapacity(t *testing.T) {
	m := NewManager(scheduler.CacheConfig{BlockSize: 4, NumRetrievalGPUBlocks: 2})
	g := promptGroup("g1", 1, 100)
	if got := m.CanAllocate(g, false, 0); got != scheduler.AllocNever {
		t.Fatalf("expected AllocNever, got %v", got)
	}
}

func TestCanAllocateLaterWhenFreePoolExhausted(t *testing.T) {
	m := NewManager(scheduler.CacheConfig{BlockSize: 4, NumRetrievalGPUBlocks: 2})
	first := promptGroup("first", 1, 8) // needs 2 blocks, exactly drains the pool
	if err := m.Allocate(first, false, 0); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	g := promptGroup("g2", 2, 4)
	if got := m.CanAllocate(g, false, 0); got != scheduler.AllocLater {
		t.Fatalf("expected AllocLater, got %v", got)
	}
}

func TestAllocateAssignsDistinctBlocksPerSequence(t *testing.T) {
	m := NewManager(scheduler.CacheConfig{BlockSize: 4, NumRetrievalGPUBlocks: 16})
	g := &scheduler.SequenceGroup{
		RequestID: "g1",
		Seqs: []*scheduler.Sequence{
			{SeqID: 1, Status: scheduler.SeqWaiting, Data: fakeSeqData(8)},
			{SeqID: 2, Status: scheduler.SeqWaiting, Data: fakeSeqData(8)},
		},
	}
	if err := m.Allocate(g, false, 0); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	t1 := m.GetRetrievalBlockTable(g.Seqs[0])
	t2 := m.GetRetrievalBlockTable(g.Seqs[1])
	if len(t1) != 2 || len(t2) != 2 {
		t.Fatalf("expected 2 blocks per sequence (8 tokens / block size 4), got %d and %d", len(t1), len(t2))
	}
	seen := map[scheduler.BlockID]bool{}
	for _, id := range append(append([]scheduler.BlockID{}, t1...), t2...) {
		if seen[id] {
			t.Fatalf("block id %d assigned to more than one sequence", id)
		}
		seen[id] = true
	}
}

func TestAppendSlotAllocatesNewBlockAtBoundary(t *testing.T) {
	m := NewManager(scheduler.CacheConfig{BlockSize: 4, NumRetrievalGPUBlocks: 16})
	g := promptGroup("g1", 1, 4) // exactly one full block
	if err := m.Allocate(g, false, 0); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	seq := g.Seqs[0]
	seq.Status = scheduler.SeqRunning
	before := len(m.GetRetrievalBlockTable(seq))

	seq.Data = fakeSeqData(4) // last block exactly full: the next token needs a second block
	cow, _ := m.AppendSlot(seq)
	after := len(m.GetRetrievalBlockTable(seq))
	if after != before+1 {
		t.Fatalf("expected a new block at the boundary, before=%d after=%d", before, after)
	}
	if cow != nil {
		t.Fatalf("expected no CoW pair for an unshared new block, got %+v", cow)
	}
}

func TestAppendSlotNoNewBlockMidBlock(t *testing.T) {
	m := NewManager(scheduler.CacheConfig{BlockSize: 4, NumRetrievalGPUBlocks: 16})
	g := promptGroup("g1", 1, 4) // one full block
	if err := m.Allocate(g, false, 0); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	seq := g.Seqs[0]
	seq.Status = scheduler.SeqRunning

	seq.Data = fakeSeqData(5) // mid-block: 5%4 != 0
	before := len(m.GetRetrievalBlockTable(seq))
	m.AppendSlot(seq)
	after := len(m.GetRetrievalBlockTable(seq))
	if after != before {
		t.Fatalf("expected no new block mid-block, before=%d after=%d", before, after)
	}

	seq.Data = fakeSeqData(6) // still mid-block
	m.AppendSlot(seq)
	if got := len(m.GetRetrievalBlockTable(seq)); got != before {
		t.Fatalf("expected no new block mid-block, before=%d after=%d", before, got)
	}
}

func TestForkSharesBlocksAndAppendTriggersCoW(t *testing.T) {
	m := NewManager(scheduler.CacheConfig{BlockSize: 4, NumRetrievalGPUBlocks: 16})
	parent := promptGroup("g1", 1, 4)
	if err := m.Allocate(parent, false, 0); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	parentSeq := parent.Seqs[0]
	parentSeq.Status = scheduler.SeqRunning

	child := &scheduler.Sequence{SeqID: 2, Status: scheduler.SeqRunning, Data: fakeSeqData(4)}
	m.Fork(parentSeq, child)

	parentTable := m.GetRetrievalBlockTable(parentSeq)
	childTable := m.GetRetrievalBlockTable(child)
	if len(parentTable) != 1 || len(childTable) != 1 || parentTable[0] != childTable[0] {
		t.Fatalf("expected parent and child to share one block after fork, got %v and %v", parentTable, childTable)
	}

	// Grow only the child past the full-block boundary (5%4 != 0, so no
	// new block is needed by length alone) while it still shares the tail
	// block with the parent: AppendSlot must clone it rather than mutate
	// the parent's copy in place.
	child.Data = fakeSeqData(5)
	cow, _ := m.AppendSlot(child)
	if cow == nil {
		t.Fatalf("expected a CoW pair when the child mutates a block it still shares with the parent")
	}
	if cow.Src != parentTable[0] {
		t.Fatalf("expected CoW source to be the originally shared block %d, got %d", parentTable[0], cow.Src)
	}
	if got := m.GetRetrievalBlockTable(parentSeq); len(got) != 1 || got[0] != parentTable[0] {
		t.Fatalf("expected the parent's own table to be untouched by the child's CoW clone")
	}
}

func TestSwapOutThenSwapInRoundTrip(t *testing.T) {
	m := NewManager(scheduler.CacheConfig{BlockSize: 4, NumRetrievalGPUBlocks: 16, NumRetrievalCPUBlocks: 16})
	g := promptGroup("g1", 1, 8)
	if err := m.Allocate(g, false, 0); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	g.Seqs[0].Status = scheduler.SeqRunning
	originalTable := m.GetRetrievalBlockTable(g.Seqs[0])

	if !m.CanSwapOut(g) {
		t.Fatalf("expected swap-out capacity to be available")
	}
	outMap, _ := m.SwapOut(g)
	if len(outMap) != len(originalTable) {
		t.Fatalf("expected one swap-out entry per block, got %d", len(outMap))
	}
	g.Seqs[0].Status = scheduler.SeqSwapped

	if !m.CanSwapIn(g) {
		t.Fatalf("expected swap-in capacity to be available")
	}
	inMap, _ := m.SwapIn(g)
	if len(inMap) != len(originalTable) {
		t.Fatalf("expected one swap-in entry per block, got %d", len(inMap))
	}
	g.Seqs[0].Status = scheduler.SeqRunning

	roundTripped := m.GetRetrievalBlockTable(g.Seqs[0])
	if len(roundTripped) != len(originalTable) {
		t.Fatalf("expected the same number of blocks after a swap round trip")
	}
}

func TestFreeReleasesSharedBlockOnlyWhenRefcountHitsZero(t *testing.T) {
	m := NewManager(scheduler.CacheConfig{BlockSize: 4, NumRetrievalGPUBlocks: 1})
	parent := promptGroup("g1", 1, 4) // takes the pool's only block
	if err := m.Allocate(parent, false, 0); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	parentSeq := parent.Seqs[0]
	child := &scheduler.Sequence{SeqID: 2, Status: scheduler.SeqRunning, Data: fakeSeqData(4)}
	m.Fork(parentSeq, child)

	m.Free(parentSeq)
	other := promptGroup("g2", 3, 4)
	if got := m.CanAllocate(other, false, 0); got != scheduler.AllocLater {
		t.Fatalf("expected the shared block to still be held by the child, got %v", got)
	}

	m.Free(child)
	if got := m.CanAllocate(other, false, 0); got != scheduler.AllocOK {
		t.Fatalf("expected the block to be released once both owners freed it, got %v", got)
	}
}

func TestNoStreamingTierReportsAbsent(t *testing.T) {
	m := NewManager(scheduler.CacheConfig{BlockSize: 4, NumRetrievalGPUBlocks: 16})
	g := promptGroup("g1", 1, 4)
	if err := m.Allocate(g, false, 0); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if _, ok := m.GetStreamingBlockTable(g.Seqs[0]); ok {
		t.Fatalf("expected no streaming block table when no streaming tier is configured")
	}
}

func TestStreamingTierAllocatesAlongsideRetrieval(t *testing.T) {
	m := NewManager(scheduler.CacheConfig{
		BlockSize:             4,
		NumRetrievalGPUBlocks: 16,
		NumStreamingGPUBlocks: 16,
	})
	g := promptGroup("g1", 1, 8)
	if err := m.Allocate(g, false, 0); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	retrievalTable := m.GetRetrievalBlockTable(g.Seqs[0])
	streamingTable, ok := m.GetStreamingBlockTable(g.Seqs[0])
	if !ok {
		t.Fatalf("expected a streaming block table when a streaming tier is configured")
	}
	if len(retrievalTable) != len(streamingTable) {
		t.Fatalf("expected matching block counts across classes, got %d and %d", len(retrievalTable), len(streamingTable))
	}
}

func TestIFBModeUsesInitNumBlocksInsteadOfPromptLen(t *testing.T) {
	m := NewManager(scheduler.CacheConfig{BlockSize: 4, NumRetrievalGPUBlocks: 16})
	g := promptGroup("g1", 1, 4) // would need 1 block under prompt-len sizing
	if got := m.CanAllocate(g, true, 5); got != scheduler.AllocOK {
		t.Fatalf("expected AllocOK with 5 blocks available, got %v", got)
	}
	if err := m.Allocate(g, true, 5); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if got := len(m.GetRetrievalBlockTable(g.Seqs[0])); got != 5 {
		t.Fatalf("expected ifb_mode to size the allocation from init_num_blocks (5), got %d", got)
	}
}
