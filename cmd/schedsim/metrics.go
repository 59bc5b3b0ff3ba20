// Copyright 2026 The kvsched Authors
// This file is part of the kvsched library.
//
// The kvsched library is free software: you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// simMetrics are the counters the simulation updates after every tick,
// exported for scraping so an operator can watch admission and preemption
// behavior the same way they would a real engine.
type simMetrics struct {
	ticksTotal    prometheus.Counter
	admittedTotal prometheus.Counter
	ignoredTotal  prometheus.Counter
	runningGauge  prometheus.Gauge
	swappedGauge  prometheus.Gauge
}

func newSimMetrics(reg prometheus.Registerer) *simMetrics {
	factory := promauto.With(reg)
	return &simMetrics{
		ticksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "kvsched_sim_ticks_total",
			Help: "Total number of scheduler ticks run.",
		}),
		admittedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "kvsched_sim_admitted_total",
			Help: "Total number of sequence groups admitted from the waiting queue.",
		}),
		ignoredTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "kvsched_sim_ignored_total",
			Help: "Total number of sequence groups rejected as unschedulable.",
		}),
		runningGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kvsched_sim_running_groups",
			Help: "Current number of groups in the running queue.",
		}),
		swappedGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kvsched_sim_swapped_groups",
			Help: "Current number of groups in the swapped queue.",
		}),
	}
}

// serveMetrics starts a background HTTP server exposing /metrics, if addr
// is non-empty. It never blocks the caller; server errors are logged.
func serveMetrics(addr string, reg *prometheus.Registry) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error("metrics server stopped", "err", err)
		}
	}()
	log.Info("serving metrics", "addr", addr)
}
