// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwind // import "github.com/quickenunwind/quicken/unwind"

import (
	"sort"

	"github.com/quickenunwind/quicken/quicken/table"
)

// TableProvider resolves the table covering a module relative pc. It is
// implemented by the per binary table registry and the JIT range cache.
type TableProvider interface {
	// TableFor must not block on table generation.
	TableFor(relPC uint64) (*table.Table, bool)
}

// Module is one executable mapping of a binary in the unwound process.
type Module struct {
	Name string
	// Start and End delimit the mapped address range.
	Start, End uint64
	// Offset is the file offset the mapping starts at.
	Offset uint64
	// LoadBias is the ELF load bias of the binary.
	LoadBias uint64
	// Tables provides the unwind tables of the binary.
	Tables TableProvider
}

// Contains reports if pc is inside the mapping.
func (m *Module) Contains(pc uint64) bool {
	return pc >= m.Start && pc < m.End
}

// RelPC converts an absolute pc into the address space of the binary.
func (m *Module) RelPC(pc uint64) uint64 {
	return pc - m.Start + m.Offset + m.LoadBias
}

// Step performs one unwind step for the module relative pc.
func (m *Module) Step(relPC uint64, ctx *StepContext, mem Memory) error {
	if relPC < m.LoadBias || m.Tables == nil {
		return ErrUnwindInfo
	}
	t, ok := m.Tables.TableFor(relPC)
	if !ok {
		return ErrUnwindInfo
	}
	return Step(t, relPC, ctx, mem)
}

// Modules is a list of modules sorted by start address.
type Modules []*Module

// Sort orders the modules by start address.
func (ms Modules) Sort() {
	sort.Slice(ms, func(i, j int) bool { return ms[i].Start < ms[j].Start })
}

// Find returns the module mapping pc.
func (ms Modules) Find(pc uint64) (*Module, bool) {
	i := sort.Search(len(ms), func(i int) bool { return ms[i].End > pc })
	if i < len(ms) && ms[i].Contains(pc) {
		return ms[i], true
	}
	return nil, false
}

// StaticTable serves one table for every pc.
type StaticTable struct {
	Table *table.Table
}

// TableFor implements TableProvider.
func (s StaticTable) TableFor(uint64) (*table.Table, bool) {
	return s.Table, s.Table != nil
}
