// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quickenunwind/quicken/quicken"
)

func TestSymbolizer(t *testing.T) {
	fn := elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC)
	syms := symbolizerFrom([]elf.Symbol{
		{Name: "_ZN3foo3barEv", Info: fn, Value: 0x3000},
		{Name: "alpha", Info: fn, Value: 0x1000, Size: 0x100},
		{Name: "data", Info: elf.ST_INFO(elf.STB_GLOBAL, elf.STT_OBJECT), Value: 0x1050,
			Size: 4},
		{Name: "thumb", Info: fn, Value: 0x2001, Size: 0x10},
	}, quicken.ArchARM)

	tests := map[string]struct {
		pc     uint64
		name   string
		offset uint64
		ok     bool
	}{
		"inside":        {pc: 0x1010, name: "alpha", offset: 0x10, ok: true},
		"object symbol": {pc: 0x1054, name: "alpha", offset: 0x54, ok: true},
		"past end":      {pc: 0x1100},
		"below all":     {pc: 0x10},
		"thumb bit":     {pc: 0x2004, name: "thumb", offset: 4, ok: true},
		"demangled":     {pc: 0x3008, name: "foo::bar()", offset: 8, ok: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			gotName, gotOffset, ok := syms.lookup(tc.pc)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.name, gotName)
			assert.Equal(t, tc.offset, gotOffset)
		})
	}
}
