// Copyright 2026 The kvsched Authors
// This file is part of the kvsched library.
//
// The kvsched library is free software: you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

package scheduler

import (
	"errors"
	"fmt"
)

// ErrSwapOutCapacity is the sentinel wrapped by FatalSchedulerError when
// _swap_out is invoked on a group the block manager reports it can no
// longer swap out (spec.md 4.5, 7). The engine must treat this as
// non-recoverable: CPU swap space is finite and a configuration error
// here should not be silently papered over.
var ErrSwapOutCapacity = errors.New("scheduler: block manager cannot swap out group")

// ErrInvalidRecompute is the sentinel wrapped when RECOMPUTE preemption
// is invoked on a multi-sequence group, for which recompute is undefined
// (spec.md 4.5, 7).
var ErrInvalidRecompute = errors.New("scheduler: recompute preemption requires exactly one sequence")

// ErrInvalidWaitingGroup is the sentinel wrapped when a waiting-queue
// group does not hold exactly one prompt sequence (spec.md 4.4 step 1).
var ErrInvalidWaitingGroup = errors.New("scheduler: waiting group must have exactly one sequence")

// ErrAllocateFailed is the sentinel wrapped when the block manager's
// Allocate call fails after CanAllocate already reported AllocOK — an
// inconsistency between the two, and therefore a programming error in
// the block manager implementation, not a capacity condition.
var ErrAllocateFailed = errors.New("scheduler: allocate failed after CanAllocate reported OK")

// FatalSchedulerError wraps a non-recoverable scheduling error. Per
// spec.md 7, fatal errors abort the tick and the engine; the caller
// should surface Err via errors.Is/errors.As and stop, not retry.
type FatalSchedulerError struct {
	RequestID RequestID
	Err       error
}

func (e *FatalSchedulerError) Error() string {
	return fmt.Sprintf("kvsched: fatal scheduling error for request %s: %v", e.RequestID, e.Err)
}

func (e *FatalSchedulerError) Unwrap() error {
	return e.Err
}

func newFatalErr(requestID RequestID, err error) *FatalSchedulerError {
	return &FatalSchedulerError{RequestID: requestID, Err: err}
}
