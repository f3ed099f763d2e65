// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package generator builds Quicken tables for whole binaries and for
// single address ranges, and keeps the tables of loaded binaries.
package generator // import "github.com/quickenunwind/quicken/generator"

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quickenunwind/quicken/internal/log"
	"github.com/quickenunwind/quicken/quicken"
	"github.com/quickenunwind/quicken/quicken/table"
)

// ErrNoUnwindInfo is returned when a binary has no usable unwind section.
var ErrNoUnwindInfo = errors.New("no unwind information")

// DefaultMemoryLimit caps the decoded entries held by one generation.
const DefaultMemoryLimit = 256 << 20

// Stats describes one table generation.
type Stats struct {
	// Sources holds the decoder counters of each source kind.
	Sources [numSources]quicken.DecodeStats
	// Merged is the number of entries after merging all sources.
	Merged int
	Pack   table.PackStats
	// MemoryUsed is the estimated peak memory of the decoded entries.
	MemoryUsed uint64
	Duration   time.Duration
}

// Total sums the decoder counters of all sources.
func (s *Stats) Total() quicken.DecodeStats {
	var total quicken.DecodeStats
	for _, st := range s.Sources {
		total = total.Add(st)
	}
	return total
}

// Generator decodes and merges the unwind sections of binaries.
type Generator struct {
	// MemoryLimit is the ceiling of one generation in bytes, zero disables it.
	MemoryLimit uint64
}

// New returns a generator with the given memory ceiling.
func New(memoryLimit uint64) *Generator {
	return &Generator{MemoryLimit: memoryLimit}
}

// Entries decodes all present sources concurrently and merges them with
// the precedence of their SourceKind. Extra entries of src win over all
// sources.
func (g *Generator) Entries(ctx context.Context, src *Sources) (quicken.EntryArray, Stats, error) {
	var stats Stats
	decs, err := src.Decoders()
	if err != nil {
		return nil, stats, err
	}

	present := false
	for _, d := range decs {
		present = present || d != nil
	}
	if !present && len(src.Extra) == 0 {
		return nil, stats, ErrNoUnwindInfo
	}

	budget := quicken.NewBudget(g.MemoryLimit)
	var results [numSources]quicken.EntryArray

	eg, ctx := errgroup.WithContext(ctx)
	for kind, d := range decs {
		if d == nil {
			continue
		}
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			entries, err := d.DecodeAll(budget)
			stats.Sources[kind] = d.GetAndResetStatistics()
			if err != nil {
				return fmt.Errorf("%v: %w", SourceKind(kind), err)
			}
			results[kind] = entries
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, stats, err
	}
	stats.MemoryUsed = budget.Used()

	merged := src.Extra
	for kind := range numSources {
		merged = quicken.Merge(merged, results[kind])
	}
	stats.Merged = len(merged)
	return merged, stats, nil
}

// Generate builds the table of one binary. When the memory ceiling is hit
// it returns quicken.ErrMemoryExceeded and no table.
func (g *Generator) Generate(ctx context.Context, src *Sources) (*table.Table, Stats, error) {
	start := time.Now()
	entries, stats, err := g.Entries(ctx, src)
	if err != nil {
		return nil, stats, err
	}

	t, packStats, err := table.Pack(src.Arch, entries)
	stats.Pack = packStats
	stats.Duration = time.Since(start)
	if err != nil {
		return nil, stats, err
	}
	total := stats.Total()
	log.Debugf("Generated %v with %d entries (%d bad, %d unsupported) in %v",
		t, total.Entries, total.BadEntries, total.Unsupported, stats.Duration)
	return t, stats, nil
}
