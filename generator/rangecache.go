// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package generator // import "github.com/quickenunwind/quicken/generator"

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/quickenunwind/quicken/quicken"
	"github.com/quickenunwind/quicken/quicken/table"
	"github.com/quickenunwind/quicken/unwind"
)

// rangeTable is the table generated for the single entry [start, end).
type rangeTable struct {
	start, end uint64
	table      *table.Table
}

// RangeStats holds the counters of a RangeCache.
type RangeStats struct {
	Hits, Misses, Generated, Failed uint64
}

// RangeCache holds tables generated for single entries of a binary whose
// full table does not exist, such as JIT code or a binary that was not
// generated yet. Ranges are only ever added and published tables are never
// modified.
type RangeCache struct {
	arch    quicken.Arch
	decoder quicken.Decoder

	// ranges is sorted by start and free of overlaps. Published slices are
	// never modified, insert replaces them with a copy.
	ranges atomic.Pointer[[]rangeTable]
	// generate serializes GenerateForRange and guards the writers of ranges.
	generate sync.Mutex

	hits, misses, generated, failed atomic.Uint64
}

var _ unwind.TableProvider = (*RangeCache)(nil)

// NewRangeCache creates a cache generating tables from decoder.
func NewRangeCache(arch quicken.Arch, decoder quicken.Decoder) *RangeCache {
	rc := &RangeCache{
		arch:    arch,
		decoder: decoder,
	}
	rc.ranges.Store(&[]rangeTable{})
	return rc
}

// find returns the index of the range containing pc.
func find(ranges []rangeTable, pc uint64) (int, bool) {
	i, _ := slices.BinarySearchFunc(ranges, pc, func(r rangeTable, pc uint64) int {
		if r.start > pc {
			return 1
		}
		return -1
	})
	if i > 0 && pc < ranges[i-1].end {
		return i - 1, true
	}
	return i, false
}

// Lookup returns the cached table of the range containing pc.
func (rc *RangeCache) Lookup(pc uint64) (*table.Table, bool) {
	ranges := *rc.ranges.Load()
	if i, ok := find(ranges, pc); ok {
		rc.hits.Add(1)
		return ranges[i].table, true
	}
	rc.misses.Add(1)
	return nil, false
}

// TableFor implements unwind.TableProvider. It never generates.
func (rc *RangeCache) TableFor(pc uint64) (*table.Table, bool) {
	return rc.Lookup(pc)
}

// GenerateForRange returns the table of the entry covering pc, decoding
// and caching it on a miss.
func (rc *RangeCache) GenerateForRange(pc uint64) (*table.Table, error) {
	if t, ok := rc.Lookup(pc); ok {
		return t, nil
	}

	rc.generate.Lock()
	defer rc.generate.Unlock()
	// Another caller may have generated the range meanwhile.
	if t, ok := rc.Lookup(pc); ok {
		return t, nil
	}

	e, err := rc.decoder.DecodeOne(pc)
	if err != nil {
		rc.failed.Add(1)
		return nil, err
	}
	t, _, err := table.Pack(rc.arch, quicken.EntryArray{e})
	if err != nil {
		rc.failed.Add(1)
		return nil, fmt.Errorf("packing %v: %w", e, err)
	}
	rc.generated.Add(1)
	rc.insert(rangeTable{start: e.Start, end: e.End, table: t})
	return t, nil
}

// insert adds r unless it overlaps a cached range. The caller holds
// rc.generate.
func (rc *RangeCache) insert(r rangeTable) {
	ranges := *rc.ranges.Load()
	i, ok := find(ranges, r.start)
	if ok || (i < len(ranges) && ranges[i].start < r.end) {
		return
	}
	updated := slices.Insert(slices.Clone(ranges), i, r)
	rc.ranges.Store(&updated)
}

// Len returns the number of cached ranges.
func (rc *RangeCache) Len() int {
	return len(*rc.ranges.Load())
}

// GetAndResetStatistics returns the cache counters and zeroes them.
func (rc *RangeCache) GetAndResetStatistics() RangeStats {
	return RangeStats{
		Hits:      rc.hits.Swap(0),
		Misses:    rc.misses.Swap(0),
		Generated: rc.generated.Swap(0),
		Failed:    rc.failed.Swap(0),
	}
}
