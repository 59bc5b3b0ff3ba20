// Copyright 2026 The kvsched Authors
// This file is part of the kvsched library.
//
// The kvsched library is free software: you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

package main

import (
	"github.com/urfave/cli/v2"

	"github.com/kvsched/kvsched/core/scheduler"
)

// defaultConfig is used whenever --config is not given, sized generously
// enough that the default synthetic workload admits and decodes without
// exercising AllocNever on a freshly started harness.
func defaultConfig() (scheduler.Config, scheduler.CacheConfig, scheduler.IFBConfig) {
	cfg := scheduler.Config{
		MaxModelLen:         2048,
		MaxNumBatchedTokens: 4096,
		MaxNumSeqs:          32,
	}
	cacheCfg := scheduler.CacheConfig{
		BlockSize:             16,
		NumRetrievalGPUBlocks: 4096,
		NumRetrievalCPUBlocks: 8192,
	}
	return cfg, cacheCfg, scheduler.IFBConfig{}
}

// resolveConfig loads the scheduler/cache/ifb config from --config when
// set, falling back to defaultConfig otherwise.
func resolveConfig(c *cli.Context) (scheduler.Config, scheduler.CacheConfig, scheduler.IFBConfig, error) {
	path := c.String("config")
	if path == "" {
		cfg, cacheCfg, ifbCfg := defaultConfig()
		return cfg, cacheCfg, ifbCfg, nil
	}
	fc, err := scheduler.LoadConfigFile(path)
	if err != nil {
		return scheduler.Config{}, scheduler.CacheConfig{}, scheduler.IFBConfig{}, err
	}
	return fc.Scheduler, fc.Cache, fc.IFB, nil
}
