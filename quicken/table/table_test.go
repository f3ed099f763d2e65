// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package table

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickenunwind/quicken/quicken"
)

func armEntries() quicken.EntryArray {
	return quicken.EntryArray{
		{Start: 0x1000, End: 0x1010, Instructions: quicken.Instructions{
			{Op: quicken.OpVSPOffset, Imm: 8}, {Op: quicken.OpLROffset, Imm: 4},
		}},
		{Start: 0x1010, End: 0x1020, Instructions: quicken.Instructions{
			{Op: quicken.OpVSPSetByR7}, {Op: quicken.OpVSPOffset, Imm: 16},
			{Op: quicken.OpLROffset, Imm: 12}, {Op: quicken.OpR7Offset, Imm: 16},
			{Op: quicken.OpR4Offset, Imm: 0},
		}},
		{Start: 0x1030, End: 0x1040, Instructions: quicken.Instructions{
			{Op: quicken.OpFinish},
		}},
	}
}

func TestPackARM(t *testing.T) {
	tbl, stats, err := Pack(quicken.ArchARM, armEntries())
	require.NoError(t, err)

	assert.Equal(t, []uint64{
		0x1000, 0x8002e199,
		0x1010, 0x02000000,
		0x1020, 0x80999999,
		0x1030, 0x809f9999,
		0x1040, 0x80999999,
	}, tbl.Index)
	assert.Equal(t, []uint64{0x8004e3b4, 0xa0999999}, tbl.Rows)
	assert.Equal(t, PackStats{Entries: 5, Compact: 4, Rows: 2, Gaps: 2}, stats)

	assert.Equal(t, []byte{0x80, 0x04, 0xe3, 0xb4, 0xa0, 0x99, 0x99, 0x99}, tbl.Code(1))
	assert.Equal(t, []byte{0x02, 0xe1, 0x99}, tbl.Code(0))

	offset, count := RowRef(quicken.ArchARM, tbl.Payload(1))
	assert.Equal(t, 0, offset)
	assert.Equal(t, 2, count)
}

func TestPackARM64Compact(t *testing.T) {
	tbl, stats, err := Pack(quicken.ArchARM64, quicken.EntryArray{
		{Start: 0x4000, End: ^uint64(0), Instructions: quicken.Instructions{
			{Op: quicken.OpVSPOffset, Imm: 16},
		}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, tbl.Len())
	assert.Zero(t, stats.Gaps)
	assert.True(t, IsCompact(quicken.ArchARM64, tbl.Payload(0)))
	assert.Equal(t, uint64(0x8004999999999999), tbl.Payload(0))
	assert.Equal(t, []byte{0x04, 0x99, 0x99, 0x99, 0x99, 0x99, 0x99}, tbl.Code(0))
}

func TestPackBadEntry(t *testing.T) {
	tbl, stats, err := Pack(quicken.ArchARM, quicken.EntryArray{
		{Start: 0x100, End: 0x200, Instructions: quicken.Instructions{
			{Op: quicken.OpR4Offset, Imm: 0x40},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.BadEntries)
	assert.Equal(t, []byte{0x99, 0x99, 0x99}, tbl.Code(0))
}

func TestPackUnsorted(t *testing.T) {
	entries := armEntries()
	entries[0], entries[2] = entries[2], entries[0]
	_, _, err := Pack(quicken.ArchARM, entries)
	require.ErrorIs(t, err, ErrUnsorted)
}

func TestPackRowCountLimit(t *testing.T) {
	tests := map[string]struct {
		arch quicken.Arch
		size int
		err  error
	}{
		"arm at limit":     {arch: quicken.ArchARM, size: 4 * maxRowCount},
		"arm over limit":   {arch: quicken.ArchARM, size: 4*maxRowCount + 1, err: ErrTableOverflow},
		"arm64 at limit":   {arch: quicken.ArchARM64, size: 8 * maxRowCount},
		"arm64 over limit": {arch: quicken.ArchARM64, size: 8*maxRowCount + 1, err: ErrTableOverflow},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			// Every small stack adjustment encodes to one byte.
			ins := make(quicken.Instructions, tc.size)
			for i := range ins {
				ins[i] = quicken.Instruction{Op: quicken.OpVSPOffset, Imm: 4}
			}
			tbl, _, err := Pack(tc.arch, quicken.EntryArray{
				{Start: 0x1000, End: 0x1010, Instructions: ins},
			})
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				assert.Nil(t, tbl)
				return
			}
			require.NoError(t, err)
			_, count := RowRef(tc.arch, tbl.Payload(0))
			assert.Equal(t, maxRowCount, count)
		})
	}
}

func TestLookupIntervalStability(t *testing.T) {
	tbl, _, err := Pack(quicken.ArchARM, armEntries())
	require.NoError(t, err)

	_, ok := tbl.Lookup(0xfff)
	assert.False(t, ok)

	for i := 0; i < tbl.Len(); i++ {
		start := tbl.EntryPC(i)
		end := start + 0x10
		if i+1 < tbl.Len() {
			end = tbl.EntryPC(i + 1)
		}
		for pc := start; pc < end; pc++ {
			idx, ok := tbl.Lookup(pc)
			require.True(t, ok, "pc %#x", pc)
			require.Equal(t, i, idx, "pc %#x", pc)
		}
	}

	idx, ok := tbl.Lookup(0xffffff)
	require.True(t, ok)
	assert.Equal(t, tbl.Len()-1, idx)
}

func TestEmptyTable(t *testing.T) {
	tbl, _, err := Pack(quicken.ArchARM64, nil)
	require.NoError(t, err)
	_, ok := tbl.Lookup(0x1000)
	assert.False(t, ok)
}
