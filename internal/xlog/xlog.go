// Copyright 2026 The kvsched Authors
// This file is part of the kvsched library.
//
// The kvsched library is free software: you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

// Package xlog is a small leveled-logging wrapper over log/slog, in the
// shape of the teacher's own log package: a package-level root logger,
// New() for component-scoped children, and Info/Warn/Error/Debug methods
// taking alternating key-value pairs. No third-party logging library
// appears anywhere in the example pack's dependency lists (the teacher
// rolls its own atop the standard library), so this package does the
// same rather than reaching for an ecosystem logger with no grounding.
package xlog

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
)

// Logger is a component-scoped logger.
type Logger struct {
	s *slog.Logger
}

// handlerOp replays one With{Attrs,Group} call against whatever handler is
// live at record time, so a component Logger's handler is rebuilt on top
// of a later SetOutput instead of being fixed to the one live at New().
type handlerOp struct {
	attrs []slog.Attr // applied via WithAttrs when group == ""
	group string      // applied via WithGroup otherwise
}

// dynamicHandler indirects every record through whatever base handler
// SetOutput last installed, replaying this handler's own ops (its
// accumulated New()/With attrs) on top of it each time. This is what lets
// Loggers created (via New, at package init time in scheduler/blockspace)
// before a later SetOutput call still pick it up.
type dynamicHandler struct {
	base *atomic.Pointer[slog.Handler]
	ops  []handlerOp
}

func newDynamicHandler(h slog.Handler) *dynamicHandler {
	base := &atomic.Pointer[slog.Handler]{}
	base.Store(&h)
	return &dynamicHandler{base: base}
}

func (d *dynamicHandler) resolve() slog.Handler {
	h := *d.base.Load()
	for _, op := range d.ops {
		if op.group != "" {
			h = h.WithGroup(op.group)
		} else {
			h = h.WithAttrs(op.attrs)
		}
	}
	return h
}

func (d *dynamicHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return d.resolve().Enabled(ctx, level)
}

func (d *dynamicHandler) Handle(ctx context.Context, r slog.Record) error {
	return d.resolve().Handle(ctx, r)
}

func (d *dynamicHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	ops := append(append([]handlerOp{}, d.ops...), handlerOp{attrs: attrs})
	return &dynamicHandler{base: d.base, ops: ops}
}

func (d *dynamicHandler) WithGroup(name string) slog.Handler {
	ops := append(append([]handlerOp{}, d.ops...), handlerOp{group: name})
	return &dynamicHandler{base: d.base, ops: ops}
}

var rootHandler = newDynamicHandler(slog.NewTextHandler(os.Stderr, nil))

var root = &Logger{s: slog.New(rootHandler)}

// New returns a Logger scoped to component, carrying it as a "component"
// attribute on every record.
func New(component string) *Logger {
	return &Logger{s: root.s.With("component", component)}
}

// SetOutput swaps the handler backing every Logger, including ones already
// created by New, so cmd/schedsim can wire it to a different writer or
// level at startup regardless of package-init ordering.
func SetOutput(h slog.Handler) {
	rootHandler.base.Store(&h)
}

func (l *Logger) Debug(msg string, kv ...any) { l.s.Debug(msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)  { l.s.Info(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.s.Warn(msg, kv...) }
func (l *Logger) Error(msg string, kv ...any) { l.s.Error(msg, kv...) }
