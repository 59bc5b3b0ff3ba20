// Copyright 2026 The kvsched Authors
// This file is part of the kvsched library.
//
// The kvsched library is free software: you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

// Package blockspace is a concrete, in-process implementation of
// scheduler.BlockManagerIface: it owns physical block allocation, fork,
// free, swap, and copy-on-write mechanics over two independent classes
// (retrieval, streaming), each split into a GPU region and a CPU region
// (spec.md 4.1, SPEC_FULL.md 4.1).
package blockspace

import (
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"github.com/kvsched/kvsched/core/scheduler"
	"github.com/kvsched/kvsched/internal/xlog"
)

var log = xlog.New("blockspace")

// ErrNoStreamingTier names the case where CacheConfig provisions no
// streaming blocks. No Manager method returns it: without a streaming tier,
// GetStreamingBlockTable reports false and the swap maps for the streaming
// class come back empty.
var ErrNoStreamingTier = errors.New("blockspace: no streaming tier provisioned")

// freeList is an age-ordered set of free physical block ids. It is backed
// by hashicorp/golang-lru's doubly-linked bookkeeping (RemoveOldest),
// repurposed here not as a bounded cache but as a deterministic,
// oldest-freed-first recycling queue: Release marks a block as most
// recently freed, Take hands out the block that has sat free the longest.
// This mirrors the teacher's use of an LRU structure for its trie/state
// caches (see DESIGN.md), adapted to a different recycling policy.
type freeList struct {
	c *lru.Cache
}

func newFreeList(ids []scheduler.BlockID) *freeList {
	c, err := lru.New(len(ids) + 1)
	if err != nil {
		// Only fails for a non-positive size, which len(ids)+1 never is.
		panic(err)
	}
	for _, id := range ids {
		c.Add(id, struct{}{})
	}
	return &freeList{c: c}
}

func (f *freeList) take() (scheduler.BlockID, bool) {
	k, _, ok := f.c.RemoveOldest()
	if !ok {
		return 0, false
	}
	return k.(scheduler.BlockID), true
}

func (f *freeList) release(id scheduler.BlockID) {
	f.c.Add(id, struct{}{})
}

func (f *freeList) len() int {
	return f.c.Len()
}

// classPool is one KV cache class's (retrieval or streaming) two-device
// arena: a fixed set of GPU block ids and a fixed set of CPU block ids,
// free lists over each, per-GPU-block refcounts for copy-on-write
// sharing, and the current per-sequence block table (values are physical
// ids in whichever device the sequence currently resides on).
type classPool struct {
	gpuTotal int
	cpuTotal int
	gpuFree  *freeList
	cpuFree  *freeList
	refcount map[scheduler.BlockID]int
	table    map[scheduler.SeqID][]scheduler.BlockID
	onCPU    map[scheduler.SeqID]bool
}

func newClassPool(numGPU, numCPU int) *classPool {
	gpuIDs := make([]scheduler.BlockID, numGPU)
	for i := range gpuIDs {
		gpuIDs[i] = scheduler.BlockID(i)
	}
	cpuIDs := make([]scheduler.BlockID, numCPU)
	for i := range cpuIDs {
		// CPU ids share the same numeric space conceptually but are
		// distinguished by the caller always looking them up through
		// this class's own cpuFree/table bookkeeping, never mixed with
		// gpu ids in the same map.
		cpuIDs[i] = scheduler.BlockID(i)
	}
	return &classPool{
		gpuTotal: numGPU,
		cpuTotal: numCPU,
		gpuFree:  newFreeList(gpuIDs),
		cpuFree:  newFreeList(cpuIDs),
		refcount: map[scheduler.BlockID]int{},
		table:    map[scheduler.SeqID][]scheduler.BlockID{},
		onCPU:    map[scheduler.SeqID]bool{},
	}
}

func blocksNeeded(tokens, blockSize int) int {
	if tokens <= 0 {
		return 1
	}
	return (tokens + blockSize - 1) / blockSize
}

// Manager implements scheduler.BlockManagerIface.
type Manager struct {
	blockSize int
	retrieval *classPool
	streaming *classPool // nil when CacheConfig provisions no streaming tier
}

// NewManager constructs a Manager sized from cfg.
func NewManager(cfg scheduler.CacheConfig) *Manager {
	m := &Manager{
		blockSize: cfg.BlockSize,
		retrieval: newClassPool(cfg.NumRetrievalGPUBlocks, cfg.NumRetrievalCPUBlocks),
	}
	if cfg.HasStreamingTier() {
		m.streaming = newClassPool(cfg.NumStreamingGPUBlocks, cfg.NumStreamingCPUBlocks)
	}
	return m
}

func (m *Manager) promptBlocksNeeded(group *scheduler.SequenceGroup, ifbMode bool, initNumBlocks int) int {
	if ifbMode {
		return initNumBlocks
	}
	tokens := 0
	if len(group.Seqs) > 0 {
		tokens = group.Seqs[0].Len()
	}
	return blocksNeeded(tokens, m.blockSize)
}

// CanAllocate implements scheduler.BlockManagerIface.
func (m *Manager) CanAllocate(group *scheduler.SequenceGroup, ifbMode bool, initNumBlocks int) scheduler.AllocStatus {
	needed := m.promptBlocksNeeded(group, ifbMode, initNumBlocks)
	if needed > m.retrieval.gpuTotal {
		return scheduler.AllocNever
	}
	if m.streaming != nil && needed > m.streaming.gpuTotal {
		return scheduler.AllocNever
	}
	if needed > m.retrieval.gpuFree.len() {
		return scheduler.AllocLater
	}
	if m.streaming != nil && needed > m.streaming.gpuFree.len() {
		return scheduler.AllocLater
	}
	return scheduler.AllocOK
}

// Allocate implements scheduler.BlockManagerIface.
func (m *Manager) Allocate(group *scheduler.SequenceGroup, ifbMode bool, initNumBlocks int) error {
	needed := m.promptBlocksNeeded(group, ifbMode, initNumBlocks)
	for _, seq := range group.Seqs {
		blocks, err := m.takeGPUBlocks(m.retrieval, needed)
		if err != nil {
			return fmt.Errorf("blockspace: allocate retrieval blocks for seq %d: %w", seq.SeqID, err)
		}
		m.retrieval.table[seq.SeqID] = blocks
		for _, b := range blocks {
			m.retrieval.refcount[b] = 1
		}
		if m.streaming != nil {
			sblocks, err := m.takeGPUBlocks(m.streaming, needed)
			if err != nil {
				return fmt.Errorf("blockspace: allocate streaming blocks for seq %d: %w", seq.SeqID, err)
			}
			m.streaming.table[seq.SeqID] = sblocks
			for _, b := range sblocks {
				m.streaming.refcount[b] = 1
			}
		}
	}
	log.Debug("allocated prompt blocks", "request_id", group.RequestID, "blocks", needed)
	return nil
}

func (m *Manager) takeGPUBlocks(cp *classPool, n int) ([]scheduler.BlockID, error) {
	out := make([]scheduler.BlockID, 0, n)
	for i := 0; i < n; i++ {
		id, ok := cp.gpuFree.take()
		if !ok {
			// Roll back what we already took this call.
			for _, b := range out {
				cp.gpuFree.release(b)
			}
			return nil, fmt.Errorf("out of GPU blocks")
		}
		out = append(out, id)
	}
	return out, nil
}

// CanAppendSlot implements scheduler.BlockManagerIface. A running
// sequence needs a fresh block exactly when its current length is a
// multiple of the block size (its last block is exactly full).
func (m *Manager) CanAppendSlot(group *scheduler.SequenceGroup) bool {
	needRetrieval, needStreaming := 0, 0
	for _, seq := range group.SeqsWithStatus(scheduler.SeqRunning) {
		if m.needsNewBlock(seq) {
			needRetrieval++
			if m.streaming != nil {
				needStreaming++
			}
		}
	}
	if needRetrieval > m.retrieval.gpuFree.len() {
		return false
	}
	if m.streaming != nil && needStreaming > m.streaming.gpuFree.len() {
		return false
	}
	return true
}

func (m *Manager) needsNewBlock(seq *scheduler.Sequence) bool {
	return seq.Len()%m.blockSize == 0
}

// AppendSlot implements scheduler.BlockManagerIface.
func (m *Manager) AppendSlot(seq *scheduler.Sequence) (retrieval, streaming *scheduler.CowPair) {
	retrieval = m.appendSlotClass(m.retrieval, seq)
	if m.streaming != nil {
		streaming = m.appendSlotClass(m.streaming, seq)
	}
	return retrieval, streaming
}

func (m *Manager) appendSlotClass(cp *classPool, seq *scheduler.Sequence) *scheduler.CowPair {
	table := cp.table[seq.SeqID]
	if len(table) == 0 {
		return nil
	}
	if m.needsNewBlock(seq) {
		if id, ok := cp.gpuFree.take(); ok {
			cp.table[seq.SeqID] = append(table, id)
			cp.refcount[id] = 1
		}
		return nil
	}
	// No new block needed; check whether the tail block is shared and
	// must be cloned before this sequence mutates it (copy-on-write).
	tail := table[len(table)-1]
	if cp.refcount[tail] <= 1 {
		return nil
	}
	clone, ok := cp.gpuFree.take()
	if !ok {
		return nil
	}
	cp.refcount[tail]--
	cp.refcount[clone] = 1
	table[len(table)-1] = clone
	cp.table[seq.SeqID] = table
	return &scheduler.CowPair{Src: tail, Dst: clone}
}

// CanSwapIn implements scheduler.BlockManagerIface: every live sequence's
// full footprint must fit in the GPU free pool.
func (m *Manager) CanSwapIn(group *scheduler.SequenceGroup) bool {
	needRetrieval, needStreaming := m.footprint(m.retrieval, group), 0
	if needRetrieval > m.retrieval.gpuFree.len() {
		return false
	}
	if m.streaming != nil {
		needStreaming = m.footprint(m.streaming, group)
		if needStreaming > m.streaming.gpuFree.len() {
			return false
		}
	}
	return true
}

func (m *Manager) footprint(cp *classPool, group *scheduler.SequenceGroup) int {
	n := 0
	for _, seq := range group.Seqs {
		n += len(cp.table[seq.SeqID])
	}
	return n
}

// SwapIn implements scheduler.BlockManagerIface.
func (m *Manager) SwapIn(group *scheduler.SequenceGroup) (retrieval, streaming map[scheduler.BlockID]scheduler.BlockID) {
	retrieval = m.swapClassIn(m.retrieval, group)
	if m.streaming != nil {
		streaming = m.swapClassIn(m.streaming, group)
	} else {
		streaming = map[scheduler.BlockID]scheduler.BlockID{}
	}
	for _, seq := range group.SeqsWithStatus(scheduler.SeqSwapped) {
		m.retrieval.onCPU[seq.SeqID] = false
		if m.streaming != nil {
			m.streaming.onCPU[seq.SeqID] = false
		}
	}
	return retrieval, streaming
}

func (m *Manager) swapClassIn(cp *classPool, group *scheduler.SequenceGroup) map[scheduler.BlockID]scheduler.BlockID {
	out := map[scheduler.BlockID]scheduler.BlockID{}
	for _, seq := range group.Seqs {
		cpuTable := cp.table[seq.SeqID]
		gpuTable := make([]scheduler.BlockID, len(cpuTable))
		for i, cpuID := range cpuTable {
			gpuID, ok := cp.gpuFree.take()
			if !ok {
				// CanSwapIn already verified capacity; this only fires
				// on a programming error in the capacity check itself.
				panic("blockspace: swap-in ran out of GPU blocks after CanSwapIn approved")
			}
			cp.cpuFree.release(cpuID)
			cp.refcount[gpuID] = 1
			gpuTable[i] = gpuID
			out[cpuID] = gpuID
		}
		cp.table[seq.SeqID] = gpuTable
	}
	return out
}

// CanSwapOut implements scheduler.BlockManagerIface: every live
// sequence's footprint must fit in the CPU free pool.
func (m *Manager) CanSwapOut(group *scheduler.SequenceGroup) bool {
	if m.footprint(m.retrieval, group) > m.retrieval.cpuFree.len() {
		return false
	}
	if m.streaming != nil && m.footprint(m.streaming, group) > m.streaming.cpuFree.len() {
		return false
	}
	return true
}

// SwapOut implements scheduler.BlockManagerIface.
func (m *Manager) SwapOut(group *scheduler.SequenceGroup) (retrieval, streaming map[scheduler.BlockID]scheduler.BlockID) {
	retrieval = m.swapClassOut(m.retrieval, group)
	if m.streaming != nil {
		streaming = m.swapClassOut(m.streaming, group)
	} else {
		streaming = map[scheduler.BlockID]scheduler.BlockID{}
	}
	for _, seq := range group.SeqsWithStatus(scheduler.SeqRunning) {
		m.retrieval.onCPU[seq.SeqID] = true
		if m.streaming != nil {
			m.streaming.onCPU[seq.SeqID] = true
		}
	}
	return retrieval, streaming
}

func (m *Manager) swapClassOut(cp *classPool, group *scheduler.SequenceGroup) map[scheduler.BlockID]scheduler.BlockID {
	out := map[scheduler.BlockID]scheduler.BlockID{}
	for _, seq := range group.Seqs {
		gpuTable := cp.table[seq.SeqID]
		cpuTable := make([]scheduler.BlockID, len(gpuTable))
		for i, gpuID := range gpuTable {
			cpuID, ok := cp.cpuFree.take()
			if !ok {
				panic("blockspace: swap-out ran out of CPU blocks after CanSwapOut approved")
			}
			delete(cp.refcount, gpuID)
			cp.gpuFree.release(gpuID)
			cpuTable[i] = cpuID
			out[gpuID] = cpuID
		}
		cp.table[seq.SeqID] = cpuTable
	}
	return out
}

// Fork implements scheduler.BlockManagerIface: child shares parent's
// blocks by reference (copy-on-write), bumping each shared block's
// refcount.
func (m *Manager) Fork(parent, child *scheduler.Sequence) {
	m.forkClass(m.retrieval, parent, child)
	if m.streaming != nil {
		m.forkClass(m.streaming, parent, child)
	}
}

func (m *Manager) forkClass(cp *classPool, parent, child *scheduler.Sequence) {
	table := cp.table[parent.SeqID]
	childTable := make([]scheduler.BlockID, len(table))
	copy(childTable, table)
	cp.table[child.SeqID] = childTable
	for _, b := range table {
		cp.refcount[b]++
	}
}

// Free implements scheduler.BlockManagerIface.
func (m *Manager) Free(seq *scheduler.Sequence) {
	m.freeClass(m.retrieval, seq)
	if m.streaming != nil {
		m.freeClass(m.streaming, seq)
	}
}

func (m *Manager) freeClass(cp *classPool, seq *scheduler.Sequence) {
	table, ok := cp.table[seq.SeqID]
	if !ok {
		return
	}
	onCPU := cp.onCPU[seq.SeqID]
	for _, b := range table {
		if onCPU {
			cp.cpuFree.release(b)
			continue
		}
		cp.refcount[b]--
		if cp.refcount[b] <= 0 {
			delete(cp.refcount, b)
			cp.gpuFree.release(b)
		}
	}
	delete(cp.table, seq.SeqID)
	delete(cp.onCPU, seq.SeqID)
}

// GetRetrievalBlockTable implements scheduler.BlockManagerIface.
func (m *Manager) GetRetrievalBlockTable(seq *scheduler.Sequence) []scheduler.BlockID {
	return append([]scheduler.BlockID(nil), m.retrieval.table[seq.SeqID]...)
}

// GetStreamingBlockTable implements scheduler.BlockManagerIface.
func (m *Manager) GetStreamingBlockTable(seq *scheduler.Sequence) ([]scheduler.BlockID, bool) {
	if m.streaming == nil {
		return nil, false
	}
	table, ok := m.streaming.table[seq.SeqID]
	if !ok {
		return nil, false
	}
	return append([]scheduler.BlockID(nil), table...), true
}
