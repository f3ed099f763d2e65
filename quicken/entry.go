// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package quicken // import "github.com/quickenunwind/quicken/quicken"

import "fmt"

// Entry describes how to unwind the address range [Start, End). An entry
// without instructions marks a range that cannot be unwound.
type Entry struct {
	Start, End   uint64
	Instructions Instructions
}

func (e Entry) String() string {
	return fmt.Sprintf("[%#x, %#x) %v", e.Start, e.End, e.Instructions)
}

// Contains reports if pc is inside the entry range.
func (e Entry) Contains(pc uint64) bool {
	return pc >= e.Start && pc < e.End
}

// EntryArray is a list of entries sorted by Start with no overlaps.
type EntryArray []Entry

// Add appends an entry that starts at or after the previous one. Entries
// continuing the previous range with the same instructions extend it, and
// the part of e overlapping the previous entry is dropped.
func (entries *EntryArray) Add(e Entry) {
	if e.End <= e.Start {
		return
	}
	num := len(*entries)
	if num > 0 {
		prev := &(*entries)[num-1]
		if e.Start < prev.End {
			if e.End <= prev.End {
				return
			}
			e.Start = prev.End
		}
		if prev.End == e.Start && prev.Instructions.Equal(e.Instructions) {
			prev.End = e.End
			return
		}
	}
	*entries = append(*entries, e)
}

// Find returns the entry containing pc.
func (entries EntryArray) Find(pc uint64) (Entry, bool) {
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		switch e := entries[mid]; {
		case pc < e.Start:
			hi = mid
		case pc >= e.End:
			lo = mid + 1
		default:
			return e, true
		}
	}
	return Entry{}, false
}

// InstructionCount returns the number of instructions of all entries.
func (entries EntryArray) InstructionCount() int {
	n := 0
	for _, e := range entries {
		n += len(e.Instructions)
	}
	return n
}

// Merge combines two entry arrays. Entries of to are kept whole and the
// entries of from only fill the address ranges to does not cover. The
// result is built with Add, so adjacent entries with identical
// instructions coalesce even when they come from different arrays: the
// entry count is not preserved, the instructions resolved for each pc are.
func Merge(to, from EntryArray) EntryArray {
	if len(from) == 0 {
		return to
	}
	if len(to) == 0 {
		return from
	}

	out := make(EntryArray, 0, len(to)+len(from))
	i := 0
	for _, f := range from {
		pos := f.Start
		for pos < f.End {
			for i < len(to) && to[i].End <= pos {
				out.Add(to[i])
				i++
			}
			if i < len(to) && to[i].Start <= pos {
				pos = to[i].End
				continue
			}
			end := f.End
			if i < len(to) && to[i].Start < end {
				end = to[i].Start
			}
			out.Add(Entry{Start: pos, End: end, Instructions: f.Instructions})
			pos = end
		}
	}
	for ; i < len(to); i++ {
		out.Add(to[i])
	}
	return out
}
