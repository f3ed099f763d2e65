// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package quicken

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	insA = Instructions{{OpVSPOffset, 8}, {OpLROffset, 4}}
	insB = Instructions{{OpVSPOffset, 16}, {OpLROffset, 4}, {OpR11Offset, 8}}
	insC = Instructions{{Op: OpFinish}}
)

func TestEntryArrayAdd(t *testing.T) {
	var entries EntryArray
	entries.Add(Entry{Start: 0x100, End: 0x110, Instructions: insA})
	entries.Add(Entry{Start: 0x110, End: 0x120, Instructions: insA})
	entries.Add(Entry{Start: 0x118, End: 0x130, Instructions: insB})
	entries.Add(Entry{Start: 0x120, End: 0x128, Instructions: insC})
	entries.Add(Entry{Start: 0x140, End: 0x140, Instructions: insC})
	entries.Add(Entry{Start: 0x140, End: 0x150, Instructions: insB})

	assert.Equal(t, EntryArray{
		{Start: 0x100, End: 0x120, Instructions: insA},
		{Start: 0x120, End: 0x130, Instructions: insB},
		{Start: 0x140, End: 0x150, Instructions: insB},
	}, entries)

	e, ok := entries.Find(0x12f)
	require.True(t, ok)
	assert.Equal(t, insB, e.Instructions)
	_, ok = entries.Find(0x130)
	assert.False(t, ok)
	assert.Equal(t, 8, entries.InstructionCount())
}

func TestMerge(t *testing.T) {
	tests := map[string]struct {
		to, from EntryArray
		merged   EntryArray
	}{
		"disjoint": {
			to: EntryArray{
				{Start: 0x100, End: 0x200, Instructions: insA},
				{Start: 0x400, End: 0x500, Instructions: insA},
			},
			from: EntryArray{
				{Start: 0x200, End: 0x300, Instructions: insB},
				{Start: 0x600, End: 0x700, Instructions: insC},
			},
			merged: EntryArray{
				{Start: 0x100, End: 0x200, Instructions: insA},
				{Start: 0x200, End: 0x300, Instructions: insB},
				{Start: 0x400, End: 0x500, Instructions: insA},
				{Start: 0x600, End: 0x700, Instructions: insC},
			},
		},
		"full overlap keeps precedence": {
			to: EntryArray{
				{Start: 0x100, End: 0x180, Instructions: insA},
				{Start: 0x180, End: 0x200, Instructions: insB},
			},
			from: EntryArray{
				{Start: 0x100, End: 0x140, Instructions: insC},
				{Start: 0x140, End: 0x200, Instructions: insA},
			},
			merged: EntryArray{
				{Start: 0x100, End: 0x180, Instructions: insA},
				{Start: 0x180, End: 0x200, Instructions: insB},
			},
		},
		"clipped into gaps": {
			to: EntryArray{
				{Start: 0x140, End: 0x160, Instructions: insA},
				{Start: 0x180, End: 0x1a0, Instructions: insA},
			},
			from: EntryArray{
				{Start: 0x100, End: 0x200, Instructions: insB},
			},
			merged: EntryArray{
				{Start: 0x100, End: 0x140, Instructions: insB},
				{Start: 0x140, End: 0x160, Instructions: insA},
				{Start: 0x160, End: 0x180, Instructions: insB},
				{Start: 0x180, End: 0x1a0, Instructions: insA},
				{Start: 0x1a0, End: 0x200, Instructions: insB},
			},
		},
		"empty from": {
			to:     EntryArray{{Start: 0x100, End: 0x200, Instructions: insA}},
			merged: EntryArray{{Start: 0x100, End: 0x200, Instructions: insA}},
		},
		"empty to": {
			from:   EntryArray{{Start: 0x100, End: 0x200, Instructions: insA}},
			merged: EntryArray{{Start: 0x100, End: 0x200, Instructions: insA}},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			merged := Merge(test.to, test.from)
			assert.Equal(t, test.merged, merged)
			for i := 1; i < len(merged); i++ {
				assert.LessOrEqual(t, merged[i-1].End, merged[i].Start)
			}
		})
	}
}

func TestBudget(t *testing.T) {
	b := NewBudget(100)
	e := Entry{Start: 0, End: 4, Instructions: insA}
	require.NoError(t, b.ChargeEntry(&e))
	assert.Equal(t, uint64(entryCost+2*instructionCost), b.Used())
	require.ErrorIs(t, b.ChargeEntry(&e), ErrMemoryExceeded)
	assert.True(t, b.Exceeded())

	var unlimited *Budget
	require.NoError(t, unlimited.Charge(1<<40))
	assert.False(t, unlimited.Exceeded())
}

// randomEntries covers parts of [0, limit) with entries of 16 byte units.
func randomEntries(rng *rand.Rand, limit uint64) EntryArray {
	choices := []Instructions{insA, insB, insC}
	var entries EntryArray
	for pos := uint64(0); pos < limit; {
		size := 16 * (1 + rng.Uint64N(8))
		if rng.IntN(3) == 0 {
			pos += size
			continue
		}
		end := min(pos+size, limit)
		entries.Add(Entry{Start: pos, End: end, Instructions: choices[rng.IntN(len(choices))]})
		pos = end
	}
	return entries
}

func TestMergeCoverage(t *testing.T) {
	const limit = 0x800
	rng := rand.New(rand.NewPCG(1, 2))

	for round := range 50 {
		sources := make([]EntryArray, 3)
		for i := range sources {
			sources[i] = randomEntries(rng, limit)
		}
		var merged EntryArray
		for _, src := range sources {
			merged = Merge(merged, src)
		}

		for i := 1; i < len(merged); i++ {
			require.LessOrEqual(t, merged[i-1].End, merged[i].Start, "round %d", round)
		}
		for pc := uint64(0); pc < limit; pc += 8 {
			var want Entry
			covered := false
			for _, src := range sources {
				if want, covered = src.Find(pc); covered {
					break
				}
			}
			got, ok := merged.Find(pc)
			require.Equal(t, covered, ok, "round %d pc %#x", round, pc)
			if covered {
				require.Equal(t, want.Instructions, got.Instructions,
					"round %d pc %#x", round, pc)
			}
		}
	}
}
