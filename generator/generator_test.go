// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package generator

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickenunwind/quicken/quicken"
)

// frames builds an arm32 .eh_frame or .debug_frame section with one CIE
// (code alignment 2, data alignment -4, CFA at sp) and FDEs whose only rule
// is the CFA offset.
type frames struct {
	buf        []byte
	debugFrame bool
}

func (f *frames) u32(v uint32) {
	f.buf = binary.LittleEndian.AppendUint32(f.buf, v)
}

func (f *frames) finish(start int) {
	for len(f.buf)%4 != 0 {
		f.buf = append(f.buf, 0)
	}
	binary.LittleEndian.PutUint32(f.buf[start:], uint32(len(f.buf)-start-4))
}

func newFrames(debugFrame bool) *frames {
	f := &frames{debugFrame: debugFrame}
	f.u32(0)
	if debugFrame {
		f.u32(0xffffffff)
		f.buf = append(f.buf, 1, 0, 2, 0x7c, 14)
	} else {
		f.u32(0)
		f.buf = append(f.buf, 1, 'z', 'R', 0, 2, 0x7c, 14, 1, 0x1b)
	}
	f.buf = append(f.buf, 0x0c, 13, 0)
	f.finish(0)
	return f
}

// fde adds [start, start+size) with CFA = sp + cfa.
func (f *frames) fde(start, size uint32, cfa byte) *frames {
	pos := len(f.buf)
	f.u32(0)
	if f.debugFrame {
		f.u32(0)
		f.u32(start)
		f.u32(size)
	} else {
		f.u32(uint32(len(f.buf)))
		f.u32(start - uint32(len(f.buf)))
		f.u32(size)
		f.buf = append(f.buf, 0)
	}
	f.buf = append(f.buf, 0x0e, cfa)
	f.finish(pos)
	return f
}

func (f *frames) section() Section {
	return Section{
		Info: FrameInfo{Size: uint64(len(f.buf))},
		Data: bytes.NewReader(f.buf),
	}
}

// exidxSection builds an index at offset 0 from (function, inline data)
// pairs.
func exidxSection(pairs ...[2]uint32) Section {
	var buf []byte
	for i, p := range pairs {
		off := uint32(i * 8)
		buf = binary.LittleEndian.AppendUint32(buf, (p[0]-off)&0x7fffffff)
		buf = binary.LittleEndian.AppendUint32(buf, p[1])
	}
	return Section{
		Info: FrameInfo{Size: uint64(len(buf))},
		Data: bytes.NewReader(buf),
	}
}

func vsp(imm int32) quicken.Instructions {
	return quicken.Instructions{{Op: quicken.OpVSPOffset, Imm: imm}}
}

// pop {r4, r7, r11, lr}
var popFrame = quicken.Instructions{
	{Op: quicken.OpVSPOffset, Imm: 16},
	{Op: quicken.OpLROffset, Imm: 4},
	{Op: quicken.OpR11Offset, Imm: 8},
	{Op: quicken.OpR7Offset, Imm: 12},
	{Op: quicken.OpR4Offset, Imm: 16},
}

func testSources() *Sources {
	return &Sources{
		Arch:       quicken.ArchARM,
		DebugFrame: newFrames(true).fde(0x1000, 0x20, 8).section(),
		EhFrame:    newFrames(false).fde(0x1000, 0x40, 16).fde(0x2000, 0x10, 24).section(),
		ArmExidx: exidxSection(
			[2]uint32{0x1000, 0x808489b0},
			[2]uint32{0x3000, 1}),
	}
}

func TestEntries(t *testing.T) {
	tests := map[string]struct {
		src      func() *Sources
		expected quicken.EntryArray
	}{
		"precedence": {
			src: testSources,
			expected: quicken.EntryArray{
				{Start: 0x1000, End: 0x1020, Instructions: vsp(8)},
				{Start: 0x1020, End: 0x1040, Instructions: vsp(16)},
				{Start: 0x1040, End: 0x2000, Instructions: popFrame},
				{Start: 0x2000, End: 0x2010, Instructions: vsp(24)},
				{Start: 0x2010, End: 0x3000, Instructions: popFrame},
			},
		},
		"extra wins": {
			src: func() *Sources {
				src := testSources()
				src.Extra = quicken.EntryArray{{Start: 0x1000, End: 0x1008,
					Instructions: quicken.Instructions{{Op: quicken.OpFinish}}}}
				return src
			},
			expected: quicken.EntryArray{
				{Start: 0x1000, End: 0x1008,
					Instructions: quicken.Instructions{{Op: quicken.OpFinish}}},
				{Start: 0x1008, End: 0x1020, Instructions: vsp(8)},
				{Start: 0x1020, End: 0x1040, Instructions: vsp(16)},
				{Start: 0x1040, End: 0x2000, Instructions: popFrame},
				{Start: 0x2000, End: 0x2010, Instructions: vsp(24)},
				{Start: 0x2010, End: 0x3000, Instructions: popFrame},
			},
		},
		"gnu debugdata below eh_frame": {
			src: func() *Sources {
				return &Sources{
					Arch:       quicken.ArchARM,
					EhFrame:    newFrames(false).fde(0x1000, 0x10, 8).section(),
					GnuEhFrame: newFrames(false).fde(0x1000, 0x20, 16).section(),
				}
			},
			expected: quicken.EntryArray{
				{Start: 0x1000, End: 0x1010, Instructions: vsp(8)},
				{Start: 0x1010, End: 0x1020, Instructions: vsp(16)},
			},
		},
		"exidx ignored on arm64": {
			src: func() *Sources {
				src := testSources()
				src.Arch = quicken.ArchARM64
				src.DebugFrame = Section{}
				src.EhFrame = Section{}
				src.Extra = quicken.EntryArray{{Start: 0x10, End: 0x20}}
				return src
			},
			expected: quicken.EntryArray{{Start: 0x10, End: 0x20}},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			entries, _, err := New(0).Entries(context.Background(), tc.src())
			require.NoError(t, err)
			assert.Equal(t, tc.expected, entries)
		})
	}
}

func TestGenerate(t *testing.T) {
	tbl, stats, err := New(DefaultMemoryLimit).Generate(context.Background(), testSources())
	require.NoError(t, err)

	assert.Equal(t, quicken.DecodeStats{Entries: 1}, stats.Sources[SourceExidx])
	assert.Equal(t, 5, stats.Merged)
	assert.NotZero(t, stats.MemoryUsed)
	assert.Equal(t, uint64(6), stats.Pack.Entries)
	assert.Equal(t, uint64(1), stats.Pack.Gaps)

	tests := map[string]struct {
		pc       uint64
		expected uint64
	}{
		"debug_frame": {pc: 0x1010, expected: 0x1000},
		"eh_frame":    {pc: 0x1030, expected: 0x1020},
		"exidx":       {pc: 0x1800, expected: 0x1040},
		"last":        {pc: 0x2fff, expected: 0x2010},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			i, ok := tbl.Lookup(tc.pc)
			require.True(t, ok)
			assert.Equal(t, tc.expected, tbl.EntryPC(i))
		})
	}

	// The gap marker after the last entry ends the covered range.
	i, ok := tbl.Lookup(0x3000)
	require.True(t, ok)
	assert.Equal(t, uint64(0x3000), tbl.EntryPC(i))
}

func TestGenerateErrors(t *testing.T) {
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := map[string]struct {
		ctx   context.Context
		limit uint64
		src   *Sources
		err   error
	}{
		"memory ceiling": {
			ctx:   context.Background(),
			limit: 64,
			src:   testSources(),
			err:   quicken.ErrMemoryExceeded,
		},
		"no sources": {
			ctx: context.Background(),
			src: &Sources{Arch: quicken.ArchARM},
			err: ErrNoUnwindInfo,
		},
		"canceled": {
			ctx: canceled,
			src: testSources(),
			err: context.Canceled,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			tbl, _, err := New(tc.limit).Generate(tc.ctx, tc.src)
			require.ErrorIs(t, err, tc.err)
			assert.Nil(t, tbl)
		})
	}
}

func TestSourceKind(t *testing.T) {
	assert.Equal(t, "debug_frame", SourceDebugFrame.String())
	assert.Equal(t, "exidx", SourceExidx.String())
	assert.Equal(t, "source(9)", SourceKind(9).String())
}
