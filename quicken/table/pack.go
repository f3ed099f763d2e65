// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package table // import "github.com/quickenunwind/quicken/quicken/table"

import (
	"errors"
	"fmt"

	"github.com/quickenunwind/quicken/internal/log"
	"github.com/quickenunwind/quicken/quicken"
)

var (
	// ErrUnsorted is returned when Pack gets entries out of address order.
	ErrUnsorted = errors.New("entries not sorted by address")
	// ErrTableOverflow is returned when a table exceeds the payload limits.
	ErrTableOverflow = errors.New("instruction table too large")
)

// PackStats contains the counters of one Pack call.
type PackStats struct {
	// Entries is the number of index entries written, gap markers included.
	Entries uint64
	// Compact counts entries inlined into their payload.
	Compact uint64
	// Rows is the size of the instruction table.
	Rows uint64
	// BadEntries counts entries that failed to encode.
	BadEntries uint64
	// Prologues counts entries with a collapsed frame pointer prologue.
	Prologues uint64
	// Gaps counts markers inserted for uncovered address ranges.
	Gaps uint64
}

type encodedEntry struct {
	pc   uint64
	code []byte
}

// Pack encodes entries and lays them out into a table. Entries must be
// sorted by address and must not overlap. Addresses between the end of an
// entry and the start of the next one get an entry without instructions,
// so lookups there fail instead of using the preceding entry.
func Pack(arch quicken.Arch, entries quicken.EntryArray) (*Table, PackStats, error) {
	var stats PackStats
	lanes := arch.CompactLanes()
	word := arch.WordSize()
	mask := arch.WordMask()

	encoded := make([]encodedEntry, 0, 2*len(entries))
	numRows := 0
	for i, e := range entries {
		if i > 0 && e.Start < entries[i-1].End {
			return nil, stats, fmt.Errorf("%w: %v after %v", ErrUnsorted, e, entries[i-1])
		}
		if e.Start > mask {
			return nil, stats, fmt.Errorf("entry %v beyond %v address space", e, arch)
		}
		code, prologue, err := quicken.Encode(arch, e.Instructions)
		if err != nil {
			log.Debugf("Failed to encode %v: %v", e, err)
			stats.BadEntries++
		}
		if prologue {
			stats.Prologues++
		}
		encoded = append(encoded, encodedEntry{pc: e.Start, code: code})
		if len(code) > lanes {
			numRows += (len(code) + word - 1) / word
		}

		gapEnd := mask
		if i+1 < len(entries) {
			gapEnd = entries[i+1].Start
		}
		if e.End < gapEnd {
			encoded = append(encoded, encodedEntry{pc: e.End})
			stats.Gaps++
		}
	}

	t := &Table{
		Arch:  arch,
		Index: make([]uint64, 0, 2*len(encoded)),
		Rows:  make([]uint64, 0, numRows),
	}
	shift := compactShift(arch)
	for _, e := range encoded {
		t.Index = append(t.Index, e.pc)
		if len(e.code) <= lanes {
			compact := uint64(0x80) << shift
			for lane := 0; lane < lanes; lane++ {
				b := quicken.CodeEndOfInstructions
				if lane < len(e.code) {
					b = e.code[lane]
				}
				compact |= uint64(b) << (uint(lanes-1-lane) * 8)
			}
			t.Index = append(t.Index, compact)
			stats.Compact++
			continue
		}

		offset := len(t.Rows)
		for pos := 0; pos < len(e.code); pos += word {
			var row uint64
			for lane := 0; lane < word; lane++ {
				b := quicken.CodeEndOfInstructions
				if pos+lane < len(e.code) {
					b = e.code[pos+lane]
				}
				row |= uint64(b) << (uint(word-1-lane) * 8)
			}
			t.Rows = append(t.Rows, row)
		}
		count := len(t.Rows) - offset
		if count > maxRowCount || offset > maxRowOffset {
			return nil, stats, fmt.Errorf("%w: %d rows at offset %d", ErrTableOverflow,
				count, offset)
		}
		t.Index = append(t.Index, uint64(count)<<shift|uint64(offset))
	}

	stats.Entries = uint64(t.Len())
	stats.Rows = uint64(len(t.Rows))
	return t, stats, nil
}
