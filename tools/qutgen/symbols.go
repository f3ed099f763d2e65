// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"debug/elf"
	"sort"

	"github.com/ianlancetaylor/demangle"

	"github.com/quickenunwind/quicken/quicken"
)

// symbolizer maps addresses to the function symbols of one binary.
type symbolizer struct {
	syms []elf.Symbol
}

// newSymbolizer collects the function symbols of f. Thumb functions have
// bit 0 of their value set, it is cleared on arm.
func newSymbolizer(f *elf.File, arch quicken.Arch) *symbolizer {
	var all []elf.Symbol
	if syms, err := f.Symbols(); err == nil {
		all = append(all, syms...)
	}
	if syms, err := f.DynamicSymbols(); err == nil {
		all = append(all, syms...)
	}
	return symbolizerFrom(all, arch)
}

func symbolizerFrom(all []elf.Symbol, arch quicken.Arch) *symbolizer {
	s := &symbolizer{}
	for _, sym := range all {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Value == 0 {
			continue
		}
		if arch == quicken.ArchARM {
			sym.Value &^= 1
		}
		s.syms = append(s.syms, sym)
	}
	sort.Slice(s.syms, func(i, j int) bool {
		return s.syms[i].Value < s.syms[j].Value
	})
	return s
}

// lookup returns the demangled name of the function containing pc and the
// offset of pc into it.
func (s *symbolizer) lookup(pc uint64) (name string, offset uint64, ok bool) {
	i := sort.Search(len(s.syms), func(i int) bool {
		return s.syms[i].Value > pc
	}) - 1
	for ; i >= 0; i-- {
		sym := s.syms[i]
		if sym.Size == 0 && i+1 < len(s.syms) && s.syms[i+1].Value <= pc {
			break
		}
		if sym.Size != 0 && pc >= sym.Value+sym.Size {
			// Nested or aliased symbols may still cover pc.
			continue
		}
		return demangle.Filter(sym.Name), pc - sym.Value, true
	}
	return "", 0, false
}
