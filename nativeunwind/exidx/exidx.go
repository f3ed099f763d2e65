// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package exidx converts the ARM exception index (.ARM.exidx) of 32-bit
// binaries into Quicken entries.
package exidx // import "github.com/quickenunwind/quicken/nativeunwind/exidx"

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/quickenunwind/quicken/internal/log"
	"github.com/quickenunwind/quicken/quicken"
)

// entrySize is the size of one index entry: the prel31 function start and
// the inline program or prel31 program pointer.
const entrySize = 8

// Decoder decodes one .ARM.exidx section. It implements quicken.Decoder.
type Decoder struct {
	section quicken.FrameInfo
	data    io.ReaderAt
	count   int64
	// textEnd closes the range of the last entry, zero when unknown.
	textEnd uint64

	counters quicken.DecodeCounters
}

var _ quicken.Decoder = (*Decoder)(nil)

// New binds a decoder to the index located by section in data. textEnd is
// the end address of the code the index covers, or zero if unknown.
func New(section quicken.FrameInfo, data io.ReaderAt, textEnd uint64) (*Decoder, error) {
	count := int64(section.Size / entrySize)
	if count == 0 {
		return nil, errors.New("empty exidx section")
	}
	return &Decoder{
		section: section,
		data:    data,
		count:   count,
		textEnd: textEnd,
	}, nil
}

func (d *Decoder) entryOffset(i int64) int64 {
	return int64(d.section.Offset) + i*entrySize
}

// decode extracts and evaluates the program of entry i.
func (d *Decoder) decode(i int64) (quicken.Instructions, error) {
	prog, err := d.ExtractEntry(d.entryOffset(i))
	if err != nil {
		return nil, err
	}
	return Evaluate(prog)
}

// tally counts the outcome of decoding one entry.
func (d *Decoder) tally(err error) {
	switch {
	case err == nil, errors.Is(err, ErrCantUnwind):
		d.counters.Entry()
	case errors.Is(err, ErrUnsupported):
		d.counters.Unsupported()
	default:
		d.counters.BadEntry()
	}
}

// DecodeAll implements quicken.Decoder. Consecutive entries with the same
// program share one range. Entries that fail to decode end the range of
// the preceding entry and leave their own range uncovered.
func (d *Decoder) DecodeAll(budget *quicken.Budget) (quicken.EntryArray, error) {
	var entries quicken.EntryArray
	var cur quicken.Entry
	open := false
	closeAt := func(addr uint64) error {
		if !open {
			return nil
		}
		open = false
		cur.End = addr
		if err := budget.ChargeEntry(&cur); err != nil {
			return err
		}
		entries.Add(cur)
		return nil
	}

	for i := range d.count {
		addr, err := d.entryAddress(d.entryOffset(i))
		if err != nil {
			d.counters.BadEntry()
			log.Debugf("Skipping exidx entry %d: %v", i, err)
			continue
		}
		if i == d.count-1 && d.textEnd == 0 {
			// Nothing bounds the last entry, it only ends the previous one.
			if err := closeAt(addr); err != nil {
				return nil, err
			}
			break
		}

		ins, err := d.decode(i)
		d.tally(err)
		if err != nil {
			log.Debugf("Exidx entry %d at %#x: %v", i, addr, err)
			if err := closeAt(addr); err != nil {
				return nil, err
			}
			continue
		}
		if open && cur.Instructions.Equal(ins) {
			continue
		}
		if err := closeAt(addr); err != nil {
			return nil, err
		}
		cur = quicken.Entry{Start: addr, Instructions: ins}
		open = true
	}
	if err := closeAt(d.textEnd); err != nil {
		return nil, err
	}
	return entries, nil
}

// DecodeOne implements quicken.Decoder. The entry covering pc ends where
// the next index entry starts.
func (d *Decoder) DecodeOne(pc uint64) (quicken.Entry, error) {
	var searchErr error
	n := sort.Search(int(d.count), func(i int) bool {
		addr, err := d.entryAddress(d.entryOffset(int64(i)))
		if err != nil {
			searchErr = err
			return true
		}
		return addr > pc
	})
	if searchErr != nil {
		return quicken.Entry{}, searchErr
	}
	if n == 0 {
		return quicken.Entry{}, fmt.Errorf("%w: %#x", quicken.ErrNoEntry, pc)
	}

	i := int64(n - 1)
	start, err := d.entryAddress(d.entryOffset(i))
	if err != nil {
		return quicken.Entry{}, err
	}
	end := d.textEnd
	if i+1 < d.count {
		if end, err = d.entryAddress(d.entryOffset(i + 1)); err != nil {
			return quicken.Entry{}, err
		}
	}
	if pc >= end {
		return quicken.Entry{}, fmt.Errorf("%w: %#x", quicken.ErrNoEntry, pc)
	}

	ins, err := d.decode(i)
	d.tally(err)
	if errors.Is(err, ErrCantUnwind) {
		return quicken.Entry{}, fmt.Errorf("%w: %#x: %w", quicken.ErrNoEntry, pc, err)
	}
	if err != nil {
		return quicken.Entry{}, fmt.Errorf("exidx entry %d: %w", i, err)
	}
	return quicken.Entry{Start: start, End: end, Instructions: ins}, nil
}

// GetAndResetStatistics implements quicken.Decoder.
func (d *Decoder) GetAndResetStatistics() quicken.DecodeStats {
	return d.counters.GetAndReset()
}
