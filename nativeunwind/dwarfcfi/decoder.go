// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package dwarfcfi converts DWARF call frame information (.eh_frame,
// .debug_frame) into Quicken entries.
package dwarfcfi // import "github.com/quickenunwind/quicken/nativeunwind/dwarfcfi"

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sort"

	lru "github.com/elastic/go-freelru"

	"github.com/quickenunwind/quicken/internal/hash"
	"github.com/quickenunwind/quicken/internal/log"
	"github.com/quickenunwind/quicken/quicken"
)

// Most files have single CIE, and all FDEs use that. But multiple CIEs are needed
// in some cases.
const cieCacheSize = 256

// Kind selects the flavor of the section given to New.
type Kind uint8

const (
	// KindEhFrame is a .eh_frame section walked linearly.
	KindEhFrame Kind = iota
	// KindDebugFrame is a .debug_frame section.
	KindDebugFrame
	// KindEhFrameHdr is a .eh_frame_hdr section. The .eh_frame it points
	// to is reached through the same reader, and pc lookups use its binary
	// search table.
	KindEhFrameHdr
)

func (k Kind) String() string {
	switch k {
	case KindEhFrame:
		return "eh_frame"
	case KindDebugFrame:
		return "debug_frame"
	case KindEhFrameHdr:
		return "eh_frame_hdr"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ErrInvalidHeader is returned for .eh_frame_hdr sections in a format that
// can't be used.
var ErrInvalidHeader = errors.New("unsupported eh_frame_hdr")

// searchTable is the binary search table of .eh_frame_hdr.
type searchTable struct {
	table reader
	count uint64
}

// Decoder decodes one DWARF CFI section. It implements quicken.Decoder.
type Decoder struct {
	arch    quicken.Arch
	kind    Kind
	section quicken.FrameInfo
	data    io.ReaderAt

	cies     *lru.SyncedLRU[uint64, *cieInfo]
	hdr      *searchTable
	counters quicken.DecodeCounters
}

var _ quicken.Decoder = (*Decoder)(nil)

// New binds a decoder to one section. data gives access to the whole
// binary, section locates the unwind section in it.
func New(arch quicken.Arch, section quicken.FrameInfo, data io.ReaderAt,
	kind Kind) (*Decoder, error) {
	if !section.Valid() {
		return nil, fmt.Errorf("empty %v section", kind)
	}
	cies, err := lru.NewSynced[uint64, *cieInfo](cieCacheSize, hash.Uint64Key)
	if err != nil {
		return nil, err
	}
	d := &Decoder{
		arch:    arch,
		kind:    kind,
		section: section,
		data:    data,
		cies:    cies,
	}
	if kind == KindEhFrameHdr {
		if d.hdr, err = d.readSearchTable(); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *Decoder) sectionReader() reader {
	start := int64(d.section.Offset)
	return newReader(d.data, start, start+int64(d.section.Size), d.section.SectionBias,
		d.arch.Is64(), d.kind == KindDebugFrame)
}

// fdeReader returns a reader for the FDE at the virtual address vaddr.
// The extent of .eh_frame is unknown in header mode, the entry lengths
// and the backing reader bound the reads.
func (d *Decoder) fdeReader(vaddr uint64) reader {
	pos := int64(vaddr) - d.section.SectionBias
	r := newReader(d.data, pos, math.MaxInt64, d.section.SectionBias, d.arch.Is64(), false)
	r.secStart = 0
	return r
}

// readSearchTable reads and validates the given `.eh_frame_hdr` section.
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/ehframechpt.html
func (d *Decoder) readSearchTable() (*searchTable, error) {
	r := d.sectionReader()
	version := r.u8()
	ehFramePtrEnc := encoding(r.u8())
	fdeCountEnc := encoding(r.u8())
	tableEnc := encoding(r.u8())
	if !r.isValid() || version != 1 {
		return nil, fmt.Errorf("%w: version %d", ErrInvalidHeader, version)
	}
	// Only the table format emitted by the linkers is supported.
	if tableEnc != encAdjustDataRel|encSignedMask|encFormatData4 {
		return nil, fmt.Errorf("%w: table encoding %#x", ErrInvalidHeader, tableEnc)
	}
	if _, err := r.ptr(ehFramePtrEnc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	count, err := r.ptr(fdeCountEnc)
	if err != nil || !r.isValid() {
		return nil, fmt.Errorf("%w: fde count: %v", ErrInvalidHeader, err)
	}
	if uint64(r.end-r.pos)/8 < count {
		return nil, fmt.Errorf("%w: %d entries overflow the section", ErrInvalidHeader, count)
	}
	r.setBase()
	return &searchTable{table: r, count: count}, nil
}

// tableEntry returns the start address and the FDE address of entry i.
func (st *searchTable) tableEntry(i uint64) (start, fde uint64, err error) {
	r := st.table.at(st.table.base + int64(i)*8)
	const enc = encAdjustDataRel | encSignedMask | encFormatData4
	if start, err = r.ptr(enc); err != nil {
		return 0, 0, err
	}
	if fde, err = r.ptr(enc); err != nil {
		return 0, 0, err
	}
	if !r.isValid() {
		return 0, 0, fmt.Errorf("search table entry %d truncated", i)
	}
	return start, fde, nil
}

// decodeFDE runs the program of the FDE read from fdeReader and returns its
// rows as merged entries.
func (d *Decoder) decodeFDE(fdeReader *reader, ipStart uint64) (
	fdeInfo, quicken.EntryArray, error) {
	r, fde, cie, err := d.parseFDEHeader(fdeReader, ipStart)
	if err != nil {
		return fde, nil, err
	}

	end := fde.ipStart + fde.ipLen
	st := state{arch: d.arch, cie: cie, cur: cie.initialState, loc: fde.ipStart}
	var entries quicken.EntryArray
	emit := func(start, stop uint64) {
		if stop <= start {
			return
		}
		rs := st.ruleSet(start, min(stop, end))
		entries.Add(d.toEntry(&rs))
	}
	for r.hasData() {
		ip := st.loc
		if err := st.step(&r); err != nil {
			return fde, nil, err
		}
		emit(ip, st.loc)
	}
	if !r.isValid() {
		return fde, nil, fmt.Errorf("FDE at %#x parsing failed", fde.ipStart)
	}
	emit(st.loc, end)
	return fde, entries, nil
}

// toEntry converts one row. Rules Quicken can't express produce an entry
// without instructions.
func (d *Decoder) toEntry(rs *quicken.RuleSet) quicken.Entry {
	e := quicken.Entry{Start: rs.PCStart, End: rs.PCEnd}
	ins, err := toInstructions(d.arch, rs)
	if err != nil {
		d.counters.Unsupported()
		log.Debugf("Unsupported rules %v: %v", rs, err)
		return e
	}
	e.Instructions = ins
	return e
}

// walk calls fn for every FDE of the section in section order.
func (d *Decoder) walk(fn func(fde fdeInfo, entries quicken.EntryArray) error) error {
	if d.hdr != nil {
		for i := range d.hdr.count {
			start, fdeAddr, err := d.hdr.tableEntry(i)
			if err != nil {
				return err
			}
			fr := d.fdeReader(fdeAddr)
			fde, entries, err := d.decodeFDE(&fr, start)
			if err != nil {
				d.counters.BadEntry()
				log.Debugf("Skipping FDE %#x: %v", fdeAddr, err)
				continue
			}
			d.counters.Entry()
			if err := fn(fde, entries); err != nil {
				return err
			}
		}
		return nil
	}

	r := d.sectionReader()
	for r.hasData() {
		pos := r.pos
		fde, entries, err := d.decodeFDE(&r, 0)
		switch {
		case err == nil:
			d.counters.Entry()
			if err := fn(fde, entries); err != nil {
				return err
			}
		case errors.Is(err, errUnexpectedType):
			// CIE, handled through the FDEs referencing it.
		case errors.Is(err, errEmptyEntry):
			// A zero terminator ends .eh_frame.
			if !r.debugFrame {
				return nil
			}
		case errors.Is(err, errSyncLost):
			d.counters.BadEntry()
			return fmt.Errorf("entry at %#x: %w", pos, err)
		default:
			d.counters.BadEntry()
			log.Debugf("Skipping FDE %#x: %v", pos, err)
		}
	}
	return nil
}

// DecodeAll implements quicken.Decoder. Overlapping FDEs are clipped: the
// one starting first keeps the overlap, on equal starts the one earlier in
// the section.
func (d *Decoder) DecodeAll(budget *quicken.Budget) (quicken.EntryArray, error) {
	var all []quicken.Entry
	err := d.walk(func(_ fdeInfo, entries quicken.EntryArray) error {
		for i := range entries {
			if err := budget.ChargeEntry(&entries[i]); err != nil {
				return err
			}
		}
		all = append(all, entries...)
		return nil
	})
	if errors.Is(err, quicken.ErrMemoryExceeded) {
		return nil, err
	}
	if err != nil {
		// Entries decoded before sync was lost are still usable.
		log.Warnf("Decoding %v stopped early: %v", d.kind, err)
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].Start < all[j].Start })
	out := make(quicken.EntryArray, 0, len(all))
	for _, e := range all {
		out.Add(e)
	}
	return out, nil
}

// DecodeOne implements quicken.Decoder.
func (d *Decoder) DecodeOne(pc uint64) (quicken.Entry, error) {
	if d.hdr != nil {
		return d.decodeOneIndexed(pc)
	}

	var found quicken.Entry
	errFound := errors.New("found")
	err := d.walk(func(fde fdeInfo, entries quicken.EntryArray) error {
		if pc < fde.ipStart || pc-fde.ipStart >= fde.ipLen {
			return nil
		}
		if e, ok := entries.Find(pc); ok {
			found = e
			return errFound
		}
		return nil
	})
	if errors.Is(err, errFound) {
		return found, nil
	}
	if err != nil {
		return quicken.Entry{}, err
	}
	return quicken.Entry{}, fmt.Errorf("%w: %#x", quicken.ErrNoEntry, pc)
}

func (d *Decoder) decodeOneIndexed(pc uint64) (quicken.Entry, error) {
	var searchErr error
	n := sort.Search(int(d.hdr.count), func(i int) bool {
		start, _, err := d.hdr.tableEntry(uint64(i))
		if err != nil {
			searchErr = err
			return true
		}
		return start > pc
	})
	if searchErr != nil {
		return quicken.Entry{}, searchErr
	}
	if n == 0 {
		return quicken.Entry{}, fmt.Errorf("%w: %#x", quicken.ErrNoEntry, pc)
	}
	start, fdeAddr, err := d.hdr.tableEntry(uint64(n - 1))
	if err != nil {
		return quicken.Entry{}, err
	}
	fr := d.fdeReader(fdeAddr)
	fde, entries, err := d.decodeFDE(&fr, start)
	if err != nil {
		d.counters.BadEntry()
		return quicken.Entry{}, err
	}
	d.counters.Entry()
	if pc-fde.ipStart >= fde.ipLen {
		return quicken.Entry{}, fmt.Errorf("%w: %#x", quicken.ErrNoEntry, pc)
	}
	if e, ok := entries.Find(pc); ok {
		return e, nil
	}
	return quicken.Entry{}, fmt.Errorf("%w: %#x", quicken.ErrNoEntry, pc)
}

// GetAndResetStatistics implements quicken.Decoder.
func (d *Decoder) GetAndResetStatistics() quicken.DecodeStats {
	return d.counters.GetAndReset()
}
