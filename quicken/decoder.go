// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package quicken // import "github.com/quickenunwind/quicken/quicken"

import (
	"errors"
	"sync/atomic"
)

// ErrNoEntry is returned when no unwind entry covers an address.
var ErrNoEntry = errors.New("no unwind entry for address")

// Decoder turns one section of compiler emitted unwind information into
// Quicken entries. The DWARF CFI and the ARM EXIDX decoders implement it.
type Decoder interface {
	// DecodeAll decodes every entry of the section. Entries are charged to
	// budget and decoding stops with ErrMemoryExceeded once it is exhausted.
	DecodeAll(budget *Budget) (EntryArray, error)
	// DecodeOne decodes only the entry covering pc.
	DecodeOne(pc uint64) (Entry, error)
	// GetAndResetStatistics returns the decoder counters and zeroes them.
	GetAndResetStatistics() DecodeStats
}

// DecodeStats contains decoder counters.
type DecodeStats struct {
	// Entries is the number of entries read from the section. A final
	// EXIDX entry that only bounds its predecessor, because the end of the
	// text is unknown, is not counted.
	Entries uint64
	// BadEntries counts malformed entries that were skipped.
	BadEntries uint64
	// Unsupported counts ranges using rules Quicken cannot express.
	Unsupported uint64
}

// Add sums two sets of counters.
func (s DecodeStats) Add(other DecodeStats) DecodeStats {
	return DecodeStats{
		Entries:     s.Entries + other.Entries,
		BadEntries:  s.BadEntries + other.BadEntries,
		Unsupported: s.Unsupported + other.Unsupported,
	}
}

// DecodeCounters is the concurrency safe accumulator behind DecodeStats.
type DecodeCounters struct {
	entries     atomic.Uint64
	badEntries  atomic.Uint64
	unsupported atomic.Uint64
}

func (c *DecodeCounters) Entry()       { c.entries.Add(1) }
func (c *DecodeCounters) BadEntry()    { c.badEntries.Add(1) }
func (c *DecodeCounters) Unsupported() { c.unsupported.Add(1) }

// GetAndReset returns the counters and zeroes them.
func (c *DecodeCounters) GetAndReset() DecodeStats {
	return DecodeStats{
		Entries:     c.entries.Swap(0),
		BadEntries:  c.badEntries.Swap(0),
		Unsupported: c.unsupported.Swap(0),
	}
}
