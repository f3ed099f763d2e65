// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwind

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickenunwind/quicken/quicken"
)

func arm64Module(t *testing.T) *Module {
	tbl := pack(t, quicken.ArchARM64, quicken.EntryArray{
		{Start: 0x0, End: 0x200, Instructions: quicken.Instructions{
			{Op: quicken.OpDexPCSet}, {Op: quicken.OpVSPOffset, Imm: 16},
			{Op: quicken.OpLROffset, Imm: 8},
		}},
		{Start: 0x200, End: 0x300, Instructions: quicken.Instructions{
			{Op: quicken.OpVSPOffset, Imm: 16}, {Op: quicken.OpLROffset, Imm: 8},
		}},
		{Start: 0x300, End: 0x400, Instructions: quicken.Instructions{
			{Op: quicken.OpVSPOffset, Imm: 0},
		}},
	})
	return &Module{
		Name:   "libtest.so",
		Start:  0x10000,
		End:    0x20000,
		Tables: StaticTable{Table: tbl},
	}
}

func TestUnwind(t *testing.T) {
	mod := arm64Module(t)
	stackMem := newStack(quicken.ArchARM64, 0x100, 0, 0x10204, 0, 0)

	tests := map[string]struct {
		regs      Regs
		maxFrames int
		want      []Frame
		err       error
	}{
		"two frames": {
			regs: Regs{RegPC: 0x10210, RegSP: 0x100, RegLR: 0x10204},
			want: []Frame{
				{PC: 0x10210, RelPC: 0x210, SP: 0x100, Module: mod},
				{PC: 0x10200, RelPC: 0x200, SP: 0x110, Module: mod},
			},
		},
		"dex frame": {
			regs: Regs{RegPC: 0x10100, RegSP: 0x100, RegX20: 0x7777},
			want: []Frame{
				{PC: 0x10100, RelPC: 0x100, SP: 0x100, Module: mod},
				{PC: 0x7777, SP: 0x110, IsDexPC: true, Module: mod},
				{PC: 0x10200, RelPC: 0x200, SP: 0x110, Module: mod},
			},
		},
		"max frames": {
			regs:      Regs{RegPC: 0x10210, RegSP: 0x100},
			maxFrames: 1,
			want: []Frame{
				{PC: 0x10210, RelPC: 0x210, SP: 0x100, Module: mod},
			},
			err: ErrMaxFrames,
		},
		"repeated frame": {
			regs: Regs{RegPC: 0x10300, RegSP: 0x100, RegLR: 0x10300},
			want: []Frame{
				{PC: 0x10300, RelPC: 0x300, SP: 0x100, Module: mod},
			},
			err: ErrRepeatedFrame,
		},
		"unknown mapping": {
			regs: Regs{RegPC: 0x30000, RegSP: 0x100},
			want: []Frame{},
			err:  ErrInvalidMap,
		},
		"no unwind info": {
			regs: Regs{RegPC: 0x10500, RegSP: 0x100},
			want: []Frame{
				{PC: 0x10500, RelPC: 0x500, SP: 0x100, Module: mod},
			},
			err: ErrNoEntryData,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			u := Unwinder{
				Arch:      quicken.ArchARM64,
				Modules:   Modules{mod},
				Stack:     stackMem,
				MaxFrames: tc.maxFrames,
			}
			frames, err := u.Unwind(tc.regs)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tc.want, frames)
		})
	}
}

func TestModulesFind(t *testing.T) {
	a := &Module{Name: "a", Start: 0x1000, End: 0x2000}
	b := &Module{Name: "b", Start: 0x3000, End: 0x4000}
	ms := Modules{b, a}
	ms.Sort()

	tests := map[string]struct {
		pc   uint64
		want *Module
	}{
		"first":      {pc: 0x1000, want: a},
		"second":     {pc: 0x3fff, want: b},
		"between":    {pc: 0x2000},
		"below":      {pc: 0x10},
		"above last": {pc: 0x4000},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			m, ok := ms.Find(tc.pc)
			assert.Equal(t, tc.want != nil, ok)
			assert.Equal(t, tc.want, m)
		})
	}
}

type codeMemory map[uint64]uint32

func (c codeMemory) ReadUint32(addr uint64) (uint32, bool) {
	v, ok := c[addr]
	return v, ok
}

func (c codeMemory) ReadUint64(uint64) (uint64, bool) {
	return 0, false
}

func TestPCAdjustment(t *testing.T) {
	mod := &Module{Start: 0x1000, End: 0x2000}
	code := codeMemory{
		0x10fc: 0xf800f000,
		0x11fc: 0x46c04770,
	}

	tests := map[string]struct {
		arch quicken.Arch
		pc   uint64
		want uint64
	}{
		"arm64":             {arch: quicken.ArchARM64, pc: 0x1100, want: 4},
		"arm64 near start":  {arch: quicken.ArchARM64, pc: 0x1002, want: 0},
		"arm":               {arch: quicken.ArchARM, pc: 0x1100, want: 4},
		"thumb2 call":       {arch: quicken.ArchARM, pc: 0x1101, want: 4},
		"thumb call":        {arch: quicken.ArchARM, pc: 0x1201, want: 2},
		"unreadable thumb":  {arch: quicken.ArchARM, pc: 0x1301, want: 2},
		"arm near start":    {arch: quicken.ArchARM, pc: 0x1003, want: 2},
		"arm at first word": {arch: quicken.ArchARM, pc: 0x1001, want: 0},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			u := Unwinder{Arch: tc.arch, Code: code}
			assert.Equal(t, tc.want, u.pcAdjustment(mod, tc.pc, mod.RelPC(tc.pc)))
		})
	}
}
