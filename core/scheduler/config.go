// Copyright 2026 The kvsched Authors
// This file is part of the kvsched library.
//
// The kvsched library is free software: you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

package scheduler

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the scheduler's tunable surface (spec.md 6, SchedulerConfig).
type Config struct {
	// MaxModelLen bounds an admissible prompt's token count.
	MaxModelLen int `toml:"max_model_len"`
	// MaxNumBatchedTokens bounds the per-tick token budget.
	MaxNumBatchedTokens int `toml:"max_num_batched_tokens"`
	// MaxNumSeqs bounds concurrently running sequences.
	MaxNumSeqs int `toml:"max_num_seqs"`
}

// PromptLimit is the effective prompt-length cap: the lesser of the
// model's max length and the batched-token cap (spec.md 4.4 step 1).
func (c Config) PromptLimit() int {
	if c.MaxModelLen < c.MaxNumBatchedTokens {
		return c.MaxModelLen
	}
	return c.MaxNumBatchedTokens
}

func (c Config) Validate() error {
	if c.MaxModelLen <= 0 {
		return fmt.Errorf("kvsched: max_model_len must be positive, got %d", c.MaxModelLen)
	}
	if c.MaxNumBatchedTokens <= 0 {
		return fmt.Errorf("kvsched: max_num_batched_tokens must be positive, got %d", c.MaxNumBatchedTokens)
	}
	if c.MaxNumSeqs <= 0 {
		return fmt.Errorf("kvsched: max_num_seqs must be positive, got %d", c.MaxNumSeqs)
	}
	return nil
}

// SparseAttnConfig is the sparse-attention layout, passed opaquely to the
// block manager (spec.md 6). Its fields are not interpreted by the
// scheduler core.
type SparseAttnConfig struct {
	PatternName string `toml:"pattern_name"`
	WindowSize  int    `toml:"window_size"`
}

// CacheConfig configures the two-tier, two-class KV cache (spec.md 6).
type CacheConfig struct {
	BlockSize             int              `toml:"block_size"`
	NumRetrievalGPUBlocks int              `toml:"num_retrieval_gpu_blocks"`
	NumRetrievalCPUBlocks int              `toml:"num_retrieval_cpu_blocks"`
	NumStreamingGPUBlocks int              `toml:"num_streaming_gpu_blocks"`
	NumStreamingCPUBlocks int              `toml:"num_streaming_cpu_blocks"`
	SpAttnConfig          SparseAttnConfig `toml:"sp_attn_config"`
}

// HasStreamingTier reports whether this cache config provisions any
// streaming-class blocks at all.
func (c CacheConfig) HasStreamingTier() bool {
	return c.NumStreamingGPUBlocks > 0 || c.NumStreamingCPUBlocks > 0
}

func (c CacheConfig) Validate() error {
	if c.BlockSize <= 0 {
		return fmt.Errorf("kvsched: block_size must be positive, got %d", c.BlockSize)
	}
	if c.NumRetrievalGPUBlocks <= 0 {
		return fmt.Errorf("kvsched: num_retrieval_gpu_blocks must be positive, got %d", c.NumRetrievalGPUBlocks)
	}
	return nil
}

// IFBConfig toggles in-flight batching, which changes how CanAllocate and
// Allocate interpret prompt sizing vs. InitNumBlocks (spec.md 6).
type IFBConfig struct {
	IFBMode bool `toml:"ifb_mode"`
}

// FileConfig is the top-level shape loaded from a TOML config file
// (SPEC_FULL.md 6), mirroring the teacher's cmd/geth --config convention.
// Programmatic struct construction remains the primary path; this is an
// additive convenience for cmd/schedsim.
type FileConfig struct {
	Scheduler Config      `toml:"scheduler"`
	Cache     CacheConfig `toml:"cache"`
	IFB       IFBConfig   `toml:"ifb"`
}

// LoadConfigFile decodes a FileConfig from path.
func LoadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("kvsched: reading config file %s: %w", path, err)
	}
	var fc FileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("kvsched: parsing config file %s: %w", path, err)
	}
	if err := fc.Scheduler.Validate(); err != nil {
		return nil, err
	}
	if err := fc.Cache.Validate(); err != nil {
		return nil, err
	}
	return &fc, nil
}
