// Copyright 2026 The kvsched Authors
// This file is part of the kvsched library.
//
// The kvsched library is free software: you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

package scheduler

// fakeSeqData is the simplest possible SeqData: a fixed token count. Real
// generation grows it between ticks by reassigning the Sequence.Data
// field to a new fakeSeqData with Len+1, simulating the model producing
// one token per decode step.
type fakeSeqData int

func (d fakeSeqData) Len() int { return int(d) }

// fakeBlockManager is a hand-controllable BlockManagerIface test double,
// in the shape of the teacher's testBlockChain/mockSubPool fakes
// (core/txpool/txpool_test.go, core/txpool/txpool_setgastip_test.go):
// exported knobs the test sets directly rather than a generic mocking
// framework, matching the pack's plain-testing idiom.
type fakeBlockManager struct {
	allocStatus     AllocStatus
	allocErr        error
	canAppendSlot   map[RequestID]bool
	canSwapIn       map[RequestID]bool
	canSwapOut      map[RequestID]bool
	cowOnAppend     map[SeqID]bool // if true, AppendSlot returns a CoW pair
	nextBlockID     BlockID
	retrievalTables map[SeqID][]BlockID
	streamingTables map[SeqID][]BlockID
	hasStreaming    bool

	allocateCalls []RequestID
	freeCalls     []SeqID
	forkCalls     int
}

func newFakeBlockManager() *fakeBlockManager {
	return &fakeBlockManager{
		allocStatus:     AllocOK,
		canAppendSlot:   map[RequestID]bool{},
		canSwapIn:       map[RequestID]bool{},
		canSwapOut:      map[RequestID]bool{},
		cowOnAppend:     map[SeqID]bool{},
		retrievalTables: map[SeqID][]BlockID{},
		streamingTables: map[SeqID][]BlockID{},
	}
}

func (f *fakeBlockManager) CanAllocate(group *SequenceGroup, ifbMode bool, initNumBlocks int) AllocStatus {
	return f.allocStatus
}

func (f *fakeBlockManager) Allocate(group *SequenceGroup, ifbMode bool, initNumBlocks int) error {
	f.allocateCalls = append(f.allocateCalls, group.RequestID)
	if f.allocErr != nil {
		return f.allocErr
	}
	for _, seq := range group.Seqs {
		f.nextBlockID++
		f.retrievalTables[seq.SeqID] = []BlockID{f.nextBlockID}
		if f.hasStreaming {
			f.nextBlockID++
			f.streamingTables[seq.SeqID] = []BlockID{f.nextBlockID}
		}
	}
	return nil
}

func (f *fakeBlockManager) CanAppendSlot(group *SequenceGroup) bool {
	if v, ok := f.canAppendSlot[group.RequestID]; ok {
		return v
	}
	return true
}

func (f *fakeBlockManager) AppendSlot(seq *Sequence) (retrieval, streaming *CowPair) {
	if f.cowOnAppend[seq.SeqID] {
		f.nextBlockID++
		retrieval = &CowPair{Src: 1, Dst: f.nextBlockID}
	}
	return retrieval, nil
}

func (f *fakeBlockManager) CanSwapIn(group *SequenceGroup) bool {
	if v, ok := f.canSwapIn[group.RequestID]; ok {
		return v
	}
	return true
}

func (f *fakeBlockManager) SwapIn(group *SequenceGroup) (retrieval, streaming map[BlockID]BlockID) {
	retrieval = map[BlockID]BlockID{}
	streaming = map[BlockID]BlockID{}
	for _, seq := range group.Seqs {
		f.nextBlockID++
		retrieval[BlockID(seq.SeqID)] = f.nextBlockID
	}
	return retrieval, streaming
}

func (f *fakeBlockManager) CanSwapOut(group *SequenceGroup) bool {
	if v, ok := f.canSwapOut[group.RequestID]; ok {
		return v
	}
	return true
}

func (f *fakeBlockManager) SwapOut(group *SequenceGroup) (retrieval, streaming map[BlockID]BlockID) {
	retrieval = map[BlockID]BlockID{}
	streaming = map[BlockID]BlockID{}
	for _, seq := range group.Seqs {
		f.nextBlockID++
		retrieval[BlockID(seq.SeqID)] = f.nextBlockID
	}
	return retrieval, streaming
}

func (f *fakeBlockManager) Fork(parent, child *Sequence) {
	f.forkCalls++
	f.retrievalTables[child.SeqID] = append([]BlockID(nil), f.retrievalTables[parent.SeqID]...)
}

func (f *fakeBlockManager) Free(seq *Sequence) {
	f.freeCalls = append(f.freeCalls, seq.SeqID)
	delete(f.retrievalTables, seq.SeqID)
	delete(f.streamingTables, seq.SeqID)
}

func (f *fakeBlockManager) GetRetrievalBlockTable(seq *Sequence) []BlockID {
	return f.retrievalTables[seq.SeqID]
}

func (f *fakeBlockManager) GetStreamingBlockTable(seq *Sequence) ([]BlockID, bool) {
	t, ok := f.streamingTables[seq.SeqID]
	return t, ok
}

// newGroup builds a single-sequence waiting-queue group with a prompt of
// promptLen tokens, the shape every admission-path test needs.
func newGroup(id RequestID, seqID SeqID, promptLen int, arrival int64) *SequenceGroup {
	return &SequenceGroup{
		RequestID: id,
		Arrival:   arrival,
		Seqs: []*Sequence{
			{SeqID: seqID, Status: SeqWaiting, Data: fakeSeqData(promptLen)},
		},
	}
}

// newRunningGroup builds an already-running single-sequence group, as
// would exist after a prior prompt-admission tick.
func newRunningGroup(id RequestID, seqID SeqID, curLen int, arrival int64) *SequenceGroup {
	return &SequenceGroup{
		RequestID: id,
		Arrival:   arrival,
		Seqs: []*Sequence{
			{SeqID: seqID, Status: SeqRunning, Data: fakeSeqData(curLen)},
		},
	}
}

// newMultiSeqGroup builds a running group with n parallel sequences (e.g.
// beam search), for exercising SWAP preemption and IsFinished checks.
func newMultiSeqGroup(id RequestID, firstSeqID SeqID, n int, curLen int, arrival int64) *SequenceGroup {
	g := &SequenceGroup{
		RequestID:      id,
		Arrival:        arrival,
		SamplingParams: SamplingParams{N: n},
	}
	for i := 0; i < n; i++ {
		g.Seqs = append(g.Seqs, &Sequence{
			SeqID:  firstSeqID + SeqID(i),
			Status: SeqRunning,
			Data:   fakeSeqData(curLen),
		})
	}
	return g
}

type fcfsPolicy struct{}

func (fcfsPolicy) SortByPriority(now int64, queue []*SequenceGroup) []*SequenceGroup {
	out := append([]*SequenceGroup(nil), queue...)
	// Stable insertion sort by Arrival ascending: small N in tests, and
	// avoids importing sort here purely for test-double plumbing.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Arrival < out[j-1].Arrival; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
