// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package table implements the packed Quicken table: a sorted index of
// (entry pc, payload) word pairs and an instruction table of lane packed
// rows for programs too long to be inlined into the payload.
package table // import "github.com/quickenunwind/quicken/quicken/table"

import (
	"fmt"

	"github.com/quickenunwind/quicken/quicken"
)

const (
	// maxRowCount is the largest number of rows one entry can reference.
	maxRowCount = 0x7f
	// maxRowOffset is the largest row offset a payload can hold.
	maxRowOffset = 0xffffff
)

// Table is an immutable Quicken table of one architecture. Words are kept
// in uint64 and hold values of the architecture word width.
type Table struct {
	Arch quicken.Arch
	// Index holds (entry pc, payload) pairs sorted by entry pc.
	Index []uint64
	// Rows holds the instruction table.
	Rows []uint64
}

// Len returns the number of index entries.
func (t *Table) Len() int {
	return len(t.Index) / 2
}

// EntryPC returns the start address of entry i.
func (t *Table) EntryPC(i int) uint64 {
	return t.Index[2*i]
}

// Payload returns the payload word of entry i.
func (t *Table) Payload(i int) uint64 {
	return t.Index[2*i+1]
}

// compactShift is the bit position of the payload marker byte.
func compactShift(arch quicken.Arch) uint {
	return uint(arch.CompactLanes()) * 8
}

// IsCompact reports if the payload holds the instructions inline.
func IsCompact(arch quicken.Arch, payload uint64) bool {
	return payload>>compactShift(arch)&0x80 != 0
}

// RowRef returns the instruction table rows referenced by a payload.
func RowRef(arch quicken.Arch, payload uint64) (offset, count int) {
	return int(payload & maxRowOffset), int(payload >> compactShift(arch) & maxRowCount)
}

// Cursor iterates the encoded instruction bytes of one entry without
// allocating.
type Cursor struct {
	t       *Table
	payload uint64
	compact bool
	lanes   int
	lane    int
	row     int
	rowEnd  int
}

// Cursor returns a cursor over the instructions of entry i.
func (t *Table) Cursor(i int) Cursor {
	payload := t.Payload(i)
	c := Cursor{t: t, payload: payload}
	if IsCompact(t.Arch, payload) {
		c.compact = true
		c.lanes = t.Arch.CompactLanes()
	} else {
		c.row, c.rowEnd = RowRef(t.Arch, payload)
		c.rowEnd += c.row
		c.lanes = t.Arch.WordSize()
	}
	c.lane = c.lanes
	return c
}

// Next returns the next instruction byte. It reports false once all lanes
// are consumed or the referenced rows are out of range.
func (c *Cursor) Next() (byte, bool) {
	if c.compact {
		if c.lane == 0 {
			return 0, false
		}
		c.lane--
		return byte(c.payload >> (uint(c.lane) * 8)), true
	}
	if c.lane == 0 {
		c.row++
		c.lane = c.lanes
	}
	if c.row >= c.rowEnd || c.row >= len(c.t.Rows) {
		return 0, false
	}
	c.lane--
	return byte(c.t.Rows[c.row] >> (uint(c.lane) * 8)), true
}

// Code returns a copy of the encoded bytes of entry i, padding included.
func (t *Table) Code(i int) []byte {
	var code []byte
	c := t.Cursor(i)
	for b, ok := c.Next(); ok; b, ok = c.Next() {
		code = append(code, b)
	}
	return code
}

// Lookup returns the entry with the largest entry pc not above pc.
func (t *Table) Lookup(pc uint64) (int, bool) {
	first, last := 0, len(t.Index)
	for first < last {
		cur := ((first + last) / 2) &^ 1
		addr := t.Index[cur]
		if pc == addr {
			return cur / 2, true
		}
		if pc < addr {
			last = cur
		} else {
			first = cur + 2
		}
	}
	if last != 0 {
		return (last - 2) / 2, true
	}
	return 0, false
}

func (t *Table) String() string {
	return fmt.Sprintf("%v table: %d entries, %d rows", t.Arch, t.Len(), len(t.Rows))
}
