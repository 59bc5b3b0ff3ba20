// Copyright 2026 The kvsched Authors
// This file is part of the kvsched library.
//
// The kvsched library is free software: you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

package main

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/JekaMas/workerpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/kvsched/kvsched/core/blockspace"
	"github.com/kvsched/kvsched/core/scheduler"
	"github.com/kvsched/kvsched/policy"
)

// tokenCounter is the harness's stand-in for a real execution engine's
// per-sequence token buffer: the scheduler only ever needs its Len().
type tokenCounter int

func (t tokenCounter) Len() int { return int(t) }

// syntheticRequest is the harness's description of one request to submit,
// generated up front so ingress concurrency never races on request shape.
type syntheticRequest struct {
	id        scheduler.RequestID
	promptLen int
	targetLen int
}

func generateWorkload(n int, maxModelLen int) []syntheticRequest {
	half := maxModelLen / 2
	if half < 1 {
		half = 1
	}
	reqs := make([]syntheticRequest, n)
	for i := 0; i < n; i++ {
		promptLen := 1 + rand.Intn(half)
		reqs[i] = syntheticRequest{
			id:        scheduler.RequestID(fmt.Sprintf("req-%04d", i)),
			promptLen: promptLen,
			targetLen: promptLen + 1 + rand.Intn(32),
		}
	}
	return reqs
}

// runSim is the CLI Action: build the scheduler from flags/config, submit
// a synthetic workload through a bounded, mutex-guarded ingress pool (the
// serialization discipline spec.md 5 requires of every caller), then drive
// ticks until the workload drains or the tick budget is exhausted.
func runSim(c *cli.Context) error {
	cfg, cacheCfg, ifbCfg, err := resolveConfig(c)
	if err != nil {
		return err
	}

	bm := blockspace.NewManager(cacheCfg)
	sched := scheduler.NewScheduler(cfg, cacheCfg, ifbCfg, bm, policy.FCFS{})

	reg := prometheus.NewRegistry()
	metrics := newSimMetrics(reg)
	serveMetrics(c.String("metrics-addr"), reg)

	workload := generateWorkload(c.Int("requests"), cfg.MaxModelLen)
	targets := make(map[scheduler.RequestID]int, len(workload))

	var mu sync.Mutex
	var arrivalSeq int64
	pool := workerpool.New(c.Int("ingress-workers"))
	var g errgroup.Group
	for _, req := range workload {
		req := req
		g.Go(func() error {
			pool.Submit(func() {
				mu.Lock()
				arrivalSeq++
				group := &scheduler.SequenceGroup{
					RequestID: req.id,
					Arrival:   arrivalSeq,
					Seqs: []*scheduler.Sequence{
						{SeqID: scheduler.SeqID(rand.Uint64()), Status: scheduler.SeqWaiting, Data: tokenCounter(req.promptLen)},
					},
				}
				targets[req.id] = req.targetLen
				sched.AddSeqGroup(group)
				mu.Unlock()
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	pool.StopWait()

	log.Info("workload submitted", "requests", len(workload))

	maxTicks := c.Int("ticks")
	for tick := 0; tick < maxTicks && sched.HasUnfinishedSeqs(); tick++ {
		mu.Lock()
		_, outputs, err := sched.Schedule()
		if err != nil {
			mu.Unlock()
			return fmt.Errorf("schedsim: tick %d: %w", tick, err)
		}
		advanceAndReap(sched, outputs, targets)
		mu.Unlock()

		metrics.ticksTotal.Inc()
		if outputs.PromptRun {
			metrics.admittedTotal.Add(float64(len(outputs.ScheduledSeqGroups)))
		}
		metrics.ignoredTotal.Add(float64(len(outputs.IgnoredSeqGroups)))
		metrics.runningGauge.Set(float64(sched.NumRunning()))
		metrics.swappedGauge.Set(float64(sched.NumSwapped()))

		log.Info("tick",
			"n", tick,
			"prompt_run", outputs.PromptRun,
			"scheduled", len(outputs.ScheduledSeqGroups),
			"ignored", len(outputs.IgnoredSeqGroups),
			"num_batched_tokens", outputs.NumBatchedTokens,
			"running", sched.NumRunning(),
			"waiting", sched.NumWaiting(),
			"swapped", sched.NumSwapped(),
		)
	}

	if sched.HasUnfinishedSeqs() {
		log.Warn("tick budget exhausted with unfinished requests",
			"waiting", sched.NumWaiting(), "running", sched.NumRunning(), "swapped", sched.NumSwapped())
	} else {
		log.Info("workload drained", "ticks", maxTicks)
	}
	return nil
}

// advanceAndReap simulates one decode step of the execution engine: every
// running sequence grows by one token, and any sequence that has reached
// its synthetic target length is marked finished so the next
// FreeFinishedSeqGroups call (and the scheduler's own bookkeeping) can
// reclaim it.
func advanceAndReap(sched *scheduler.Scheduler, outputs *scheduler.SchedulerOutputs, targets map[scheduler.RequestID]int) {
	if outputs.PromptRun {
		return
	}
	for _, g := range outputs.ScheduledSeqGroups {
		target := targets[g.RequestID]
		for _, seq := range g.SeqsWithStatus(scheduler.SeqRunning) {
			grown := tokenCounter(seq.Len() + 1)
			seq.Data = grown
			if int(grown) >= target {
				seq.Status = scheduler.SeqFinishedStopped
				sched.FreeSeq(seq)
			}
		}
	}
	sched.FreeFinishedSeqGroups()
}
