// Copyright 2026 The kvsched Authors
// This file is part of the kvsched library.
//
// The kvsched library is free software: you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

package scheduler

// SequenceGroupMetadata is the per-group execution metadata the scheduler
// hands to the execution engine alongside SchedulerOutputs (spec.md 4.6).
type SequenceGroupMetadata struct {
	RequestID RequestID
	IsPrompt  bool

	// SeqData is restricted to sequences whose status is SeqRunning
	// after scheduling.
	SeqData map[SeqID]SeqData

	// RetrievalBlockTables and StreamingBlockTables are omitted (left
	// nil) by PrepareInput; Schedule populates them.
	RetrievalBlockTables map[SeqID][]BlockID
	StreamingBlockTables map[SeqID][]BlockID

	SamplingParams SamplingParams
	Prefix         *PrefixHandle

	// BlockSize is copied from CacheConfig so the execution engine can
	// interpret the block tables without a side channel back to the
	// scheduler's config (SPEC_FULL.md 4.6).
	BlockSize int
}

// buildMetadata translates the groups chosen for this tick into execution
// metadata. withBlockTables is false for PrepareInput (spec.md 4.3, 4.6).
func (s *Scheduler) buildMetadata(groups []*SequenceGroup, promptRun bool, withBlockTables bool) []*SequenceGroupMetadata {
	out := make([]*SequenceGroupMetadata, 0, len(groups))
	for _, g := range groups {
		md := &SequenceGroupMetadata{
			RequestID:      g.RequestID,
			IsPrompt:       promptRun,
			SeqData:        map[SeqID]SeqData{},
			SamplingParams: g.SamplingParams,
			Prefix:         g.Prefix,
			BlockSize:      s.cacheConfig.BlockSize,
		}
		var retrieval, streaming map[SeqID][]BlockID
		if withBlockTables {
			retrieval = map[SeqID][]BlockID{}
			streaming = map[SeqID][]BlockID{}
		}
		for _, seq := range g.Seqs {
			if seq.Status != SeqRunning {
				continue
			}
			md.SeqData[seq.SeqID] = seq.Data
			if withBlockTables {
				retrieval[seq.SeqID] = s.blockManager.GetRetrievalBlockTable(seq)
				if tbl, ok := s.blockManager.GetStreamingBlockTable(seq); ok {
					streaming[seq.SeqID] = tbl
				}
			}
		}
		md.RetrievalBlockTables = retrieval
		md.StreamingBlockTables = streaming
		out = append(out, md)
	}
	return out
}
