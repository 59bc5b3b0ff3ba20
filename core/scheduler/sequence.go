// Copyright 2026 The kvsched Authors
// This file is part of the kvsched library.
//
// The kvsched library is free software: you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

package scheduler

import "fmt"

// SeqID identifies a single generation stream, stable for its lifetime.
type SeqID uint64

// RequestID identifies a request (SequenceGroup), stable for its lifetime.
type RequestID string

// SeqStatus is the lifecycle state of a Sequence. The terminal variants
// are collectively referred to as "finished".
type SeqStatus int

const (
	SeqWaiting SeqStatus = iota
	SeqRunning
	SeqSwapped
	SeqFinishedStopped
	SeqFinishedAborted
	SeqFinishedIgnored
)

func (s SeqStatus) String() string {
	switch s {
	case SeqWaiting:
		return "WAITING"
	case SeqRunning:
		return "RUNNING"
	case SeqSwapped:
		return "SWAPPED"
	case SeqFinishedStopped:
		return "FINISHED_STOPPED"
	case SeqFinishedAborted:
		return "FINISHED_ABORTED"
	case SeqFinishedIgnored:
		return "FINISHED_IGNORED"
	default:
		return fmt.Sprintf("SeqStatus(%d)", int(s))
	}
}

// IsFinished reports whether s is one of the terminal statuses.
func (s SeqStatus) IsFinished() bool {
	switch s {
	case SeqFinishedStopped, SeqFinishedAborted, SeqFinishedIgnored:
		return true
	default:
		return false
	}
}

// SeqData is the opaque per-sequence token handle the scheduler passes
// through to the execution engine untouched. Its contents (token ids,
// generated-so-far length) are owned by the model runtime, not by this
// package; the scheduler only needs Len().
type SeqData interface {
	Len() int
}

// Sequence is a single generation stream owned by exactly one
// SequenceGroup.
type Sequence struct {
	SeqID  SeqID
	Status SeqStatus
	Data   SeqData
}

// Len returns the sequence's current token count.
func (s *Sequence) Len() int {
	if s.Data == nil {
		return 0
	}
	return s.Data.Len()
}

// SamplingParams are the request's immutable sampling configuration,
// opaque to the scheduler.
type SamplingParams struct {
	BestOf int
	// N is the number of parallel sequences the group fans into. A value
	// >1 marks the group as a multi-sequence (e.g. beam-search) group,
	// which RECOMPUTE preemption refuses to handle (spec.md 4.5).
	N int
}

// SequenceGroup is a single request, possibly fanning into multiple
// parallel sequences.
type SequenceGroup struct {
	RequestID      RequestID
	Seqs           []*Sequence
	SamplingParams SamplingParams
	Prefix         *PrefixHandle

	// Priority is consumed only by the Priority policy; FCFS ignores it.
	Priority int
	// Arrival is the arrival timestamp used by FCFS and as the Priority
	// policy's tie-break.
	Arrival int64
}

// PrefixHandle is the opaque shape of a shared-prefix handle, owned by the
// out-of-scope prefix pool collaborator (spec.md 2). The scheduler only
// threads it through to MetadataBuilder.
type PrefixHandle struct {
	ID string
}

// GetMaxNumRunningSeqs returns the upper bound on concurrently running
// sequences for this group (spec.md 3).
func (g *SequenceGroup) GetMaxNumRunningSeqs() int {
	if g.SamplingParams.N > 1 {
		return g.SamplingParams.N
	}
	return 1
}

// IsFinished reports whether every sequence in the group has reached a
// terminal status.
func (g *SequenceGroup) IsFinished() bool {
	for _, s := range g.Seqs {
		if !s.Status.IsFinished() {
			return false
		}
	}
	return true
}

// SeqsWithStatus returns the subset of the group's sequences currently in
// status st, in stable order.
func (g *SequenceGroup) SeqsWithStatus(st SeqStatus) []*Sequence {
	var out []*Sequence
	for _, s := range g.Seqs {
		if s.Status == st {
			out = append(out, s)
		}
	}
	return out
}

// NumSeqsWithStatus counts sequences currently in status st.
func (g *SequenceGroup) NumSeqsWithStatus(st SeqStatus) int {
	n := 0
	for _, s := range g.Seqs {
		if s.Status == st {
			n++
		}
	}
	return n
}

// setAllStatus transitions every non-finished sequence in the group to st.
func (g *SequenceGroup) setAllStatus(st SeqStatus) {
	for _, s := range g.Seqs {
		if !s.Status.IsFinished() {
			s.Status = st
		}
	}
}

// promptLen returns the token length of the group's sole prompt sequence.
// Callers must only invoke this on a group known to have exactly one
// sequence (the waiting-queue invariant from spec.md 4.4 step 1).
func (g *SequenceGroup) promptLen() int {
	if len(g.Seqs) == 0 {
		return 0
	}
	return g.Seqs[0].Len()
}
