// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package exidx

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickenunwind/quicken/quicken"
	"github.com/quickenunwind/quicken/quicken/table"
	"github.com/quickenunwind/quicken/remotememory"
	"github.com/quickenunwind/quicken/unwind"
)

const (
	indexOffset = 0x100
	extabOffset = 0x200
)

// image is a file holding an index at indexOffset and its out-of-line
// programs at extabOffset, mapped without bias.
type image struct {
	buf     []byte
	entries int
}

func (im *image) put32(off int, v uint32) {
	if need := off + 4; need > len(im.buf) {
		im.buf = append(im.buf, make([]byte, need-len(im.buf))...)
	}
	binary.LittleEndian.PutUint32(im.buf[off:], v)
}

func prel(from int, to uint32) uint32 {
	return (to - uint32(from)) & 0x7fffffff
}

// add appends an index entry for the function at fn.
func (im *image) add(fn, data uint32) {
	off := indexOffset + im.entries*entrySize
	im.put32(off, prel(off, fn))
	im.put32(off+4, data)
	im.entries++
}

// addExtab appends an index entry whose program is the words at extab.
func (im *image) addExtab(fn uint32, extab int, words ...uint32) {
	off := indexOffset + im.entries*entrySize
	im.add(fn, prel(off+4, uint32(extab)))
	for i, w := range words {
		im.put32(extab+4*i, w)
	}
}

func (im *image) decoder(t *testing.T, textEnd uint64) *Decoder {
	t.Helper()
	d, err := New(quicken.FrameInfo{
		Offset: indexOffset,
		Size:   uint64(im.entries * entrySize),
	}, bytes.NewReader(im.buf), textEnd)
	require.NoError(t, err)
	return d
}

// pop {r4, r7, r11, lr}
var popFrame = quicken.Instructions{
	{Op: quicken.OpVSPOffset, Imm: 16},
	{Op: quicken.OpLROffset, Imm: 4},
	{Op: quicken.OpR11Offset, Imm: 8},
	{Op: quicken.OpR7Offset, Imm: 12},
	{Op: quicken.OpR4Offset, Imm: 16},
}

var fpFrame = quicken.Instructions{
	{Op: quicken.OpVSPSetByR11},
	{Op: quicken.OpVSPOffset, Imm: 12},
	{Op: quicken.OpLROffset, Imm: 4},
	{Op: quicken.OpR4Offset, Imm: 8},
}

func newImage() *image {
	im := &image{}
	im.add(0x1000, 0x808489b0)
	im.add(0x1100, 0x808489b0)
	im.add(0x1200, cantUnwind)
	// Personality 1 with one extra word: vsp = r11, vsp += 4, pop {r4, lr}.
	im.addExtab(0x1300, extabOffset, 0x81019b00, 0xa8b0b0b0)
	im.add(0x1400, cantUnwind)
	return im
}

func TestDecodeAll(t *testing.T) {
	tests := map[string]struct {
		textEnd uint64
	}{
		"unknown text end": {},
		"text end":         {textEnd: 0x1500},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			d := newImage().decoder(t, tc.textEnd)
			entries, err := d.DecodeAll(nil)
			require.NoError(t, err)
			assert.Equal(t, quicken.EntryArray{
				{Start: 0x1000, End: 0x1200, Instructions: popFrame},
				{Start: 0x1300, End: 0x1400, Instructions: fpFrame},
			}, entries)
		})
	}
}

func TestDecodeAllStatistics(t *testing.T) {
	im := &image{}
	im.add(0x1000, 0x808489b0)
	// Inline programs only exist for personality 0.
	im.add(0x1100, 0x818489b0)
	// vsp = r5
	im.add(0x1200, 0x8095b0b0)
	im.add(0x1300, 0x8002b0b0)
	im.add(0x1400, cantUnwind)

	tests := map[string]struct {
		textEnd uint64
		stats   quicken.DecodeStats
	}{
		// The last entry only bounds the one before it.
		"unknown text end": {stats: quicken.DecodeStats{Entries: 2, BadEntries: 1, Unsupported: 1}},
		"text end": {textEnd: 0x1500,
			stats: quicken.DecodeStats{Entries: 3, BadEntries: 1, Unsupported: 1}},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			d := im.decoder(t, tc.textEnd)
			entries, err := d.DecodeAll(nil)
			require.NoError(t, err)
			assert.Equal(t, quicken.EntryArray{
				{Start: 0x1000, End: 0x1100, Instructions: popFrame},
				{Start: 0x1300, End: 0x1400,
					Instructions: quicken.Instructions{{Op: quicken.OpVSPOffset, Imm: 12}}},
			}, entries)
			assert.Equal(t, tc.stats, d.GetAndResetStatistics())
		})
	}
}

func TestDecodeAllBudget(t *testing.T) {
	d := newImage().decoder(t, 0)
	_, err := d.DecodeAll(quicken.NewBudget(1))
	require.ErrorIs(t, err, quicken.ErrMemoryExceeded)
}

func TestDecodeOne(t *testing.T) {
	tests := map[string]struct {
		pc       uint64
		textEnd  uint64
		expected quicken.Entry
		err      error
	}{
		"first": {
			pc:       0x1000,
			expected: quicken.Entry{Start: 0x1000, End: 0x1100, Instructions: popFrame},
		},
		"second": {
			pc:       0x11fe,
			expected: quicken.Entry{Start: 0x1100, End: 0x1200, Instructions: popFrame},
		},
		"out of line": {
			pc:       0x1320,
			expected: quicken.Entry{Start: 0x1300, End: 0x1400, Instructions: fpFrame},
		},
		"cant unwind": {pc: 0x1250, err: ErrCantUnwind},
		"before":      {pc: 0xfff, err: quicken.ErrNoEntry},
		"last":        {pc: 0x1400, err: quicken.ErrNoEntry},
		"after text end": {
			pc:      0x1500,
			textEnd: 0x1500,
			err:     quicken.ErrNoEntry,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			d := newImage().decoder(t, tc.textEnd)
			e, err := d.DecodeOne(tc.pc)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, e)
		})
	}
}

func TestExtractEntry(t *testing.T) {
	tests := map[string]struct {
		data     uint32
		extab    []uint32
		expected []byte
		err      error
	}{
		"inline": {
			data:     0x80a8b000,
			expected: []byte{0xa8, 0xb0, 0x00, 0xb0},
		},
		"inline finish": {
			data:     0x8002b0b0,
			expected: []byte{0x02, 0xb0, 0xb0},
		},
		"cant unwind": {data: cantUnwind, err: ErrCantUnwind},
		"inline personality": {
			data: 0x8102b0b0,
			err:  ErrPersonality,
		},
		"personality 0": {
			extab:    []uint32{0x8002a8b0},
			expected: []byte{0x02, 0xa8, 0xb0},
		},
		"personality 2": {
			extab:    []uint32{0x82020102, 0x03040506, 0x0708b0b0},
			expected: []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0xb0, 0xb0},
		},
		"personality 3": {
			extab: []uint32{0x83000102},
			err:   ErrPersonality,
		},
		"too many words": {
			extab: []uint32{0x81060102},
			err:   ErrMalformed,
		},
		"generic": {
			extab:    []uint32{0x12345678, 0x0002a8b0},
			expected: []byte{0x02, 0xa8, 0xb0},
		},
		"generic extra words": {
			extab:    []uint32{0x12345678, 0x01a80000, 0x02030405},
			expected: []byte{0xa8, 0x00, 0x00, 0x02, 0x03, 0x04, 0x05, 0xb0},
		},
		"truncated program": {
			extab: []uint32{0x81020102, 0x03040506},
			err:   ErrRead,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			im := &image{}
			if tc.extab != nil {
				im.addExtab(0x1000, extabOffset, tc.extab...)
			} else {
				im.add(0x1000, tc.data)
			}
			prog, err := im.decoder(t, 0).ExtractEntry(indexOffset)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, prog)
		})
	}
}

func TestPrel31(t *testing.T) {
	assert.Equal(t, int64(0x10), prel31(0x10))
	assert.Equal(t, int64(-4), prel31(0x7ffffffc))
	assert.Equal(t, int64(-4), prel31(0xfffffffc))
}

// TestStep unwinds `pop {r4, r7, r11, lr}` through a packed table.
func TestStep(t *testing.T) {
	d := newImage().decoder(t, 0)
	entries, err := d.DecodeAll(nil)
	require.NoError(t, err)
	tbl, _, err := table.Pack(quicken.ArchARM, entries)
	require.NoError(t, err)

	var stack []byte
	for _, w := range []uint32{0x44, 0x77, 0xbb, 0x5678} {
		stack = binary.LittleEndian.AppendUint32(stack, w)
	}
	ctx := unwind.StepContext{Regs: unwind.Regs{unwind.RegSP: 0x7000}}
	require.NoError(t, unwind.Step(tbl, 0x1180, &ctx, remotememory.NewStackMemory(0x7000, stack)))
	assert.Equal(t, unwind.Regs{
		unwind.RegR4:  0x44,
		unwind.RegR7:  0x77,
		unwind.RegR11: 0xbb,
		unwind.RegSP:  0x7010,
		unwind.RegLR:  0x5678,
		unwind.RegPC:  0x5678,
	}, ctx.Regs)

	ctx = unwind.StepContext{Regs: unwind.Regs{unwind.RegSP: 0x7000}}
	require.ErrorIs(t, unwind.Step(tbl, 0x1280, &ctx,
		remotememory.NewStackMemory(0x7000, stack)), unwind.ErrNoEntryData)
}
