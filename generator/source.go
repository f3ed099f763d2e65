// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package generator // import "github.com/quickenunwind/quicken/generator"

import (
	"fmt"
	"io"

	"github.com/quickenunwind/quicken/nativeunwind/dwarfcfi"
	"github.com/quickenunwind/quicken/nativeunwind/exidx"
	"github.com/quickenunwind/quicken/quicken"
)

// FrameInfo locates one unwind section inside a binary.
type FrameInfo = quicken.FrameInfo

// Section is one unwind section together with the bytes it lives in.
type Section struct {
	Info FrameInfo
	// Data reads the file the section offsets refer to.
	Data io.ReaderAt
}

// Valid reports if the section was found.
func (s Section) Valid() bool {
	return s.Data != nil && s.Info.Valid()
}

// SourceKind names one unwind information source of a binary. The order of
// the constants is the merge precedence, highest first.
type SourceKind int

const (
	SourceDebugFrame SourceKind = iota
	SourceEhFrame
	SourceGnuDebugFrame
	SourceGnuEhFrame
	SourceExidx
	numSources
)

var sourceNames = [numSources]string{
	SourceDebugFrame:    "debug_frame",
	SourceEhFrame:       "eh_frame",
	SourceGnuDebugFrame: "gnu_debugdata debug_frame",
	SourceGnuEhFrame:    "gnu_debugdata eh_frame",
	SourceExidx:         "exidx",
}

func (k SourceKind) String() string {
	if k >= 0 && k < numSources {
		return sourceNames[k]
	}
	return fmt.Sprintf("source(%d)", int(k))
}

// Sources are the unwind sections found for one binary. Sections that are
// absent are left zero.
type Sources struct {
	Arch quicken.Arch

	EhFrameHdr    Section
	EhFrame       Section
	DebugFrame    Section
	GnuEhFrameHdr Section
	GnuEhFrame    Section
	GnuDebugFrame Section
	ArmExidx      Section

	// TextEnd is the end address of the code covered by ArmExidx, zero
	// when unknown.
	TextEnd uint64

	// Extra entries take precedence over every decoded source. The ELF
	// layer uses it for the entry point stub.
	Extra quicken.EntryArray
}

// ehFrameDecoder prefers the binary search table of .eh_frame_hdr and falls
// back to a linear walk of .eh_frame.
func ehFrameDecoder(arch quicken.Arch, hdr, frame Section) (quicken.Decoder, error) {
	if hdr.Valid() {
		d, err := dwarfcfi.New(arch, hdr.Info, hdr.Data, dwarfcfi.KindEhFrameHdr)
		if err == nil {
			return d, nil
		}
		if !frame.Valid() {
			return nil, err
		}
	}
	if !frame.Valid() {
		return nil, nil
	}
	d, err := dwarfcfi.New(arch, frame.Info, frame.Data, dwarfcfi.KindEhFrame)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Decoders returns the decoders of all present sections indexed by kind.
// Absent sources are nil.
func (s *Sources) Decoders() ([numSources]quicken.Decoder, error) {
	var decs [numSources]quicken.Decoder
	var err error

	if s.DebugFrame.Valid() {
		if decs[SourceDebugFrame], err = dwarfcfi.New(s.Arch, s.DebugFrame.Info,
			s.DebugFrame.Data, dwarfcfi.KindDebugFrame); err != nil {
			return decs, fmt.Errorf("%v: %w", SourceDebugFrame, err)
		}
	}
	if decs[SourceEhFrame], err = ehFrameDecoder(s.Arch, s.EhFrameHdr, s.EhFrame); err != nil {
		return decs, fmt.Errorf("%v: %w", SourceEhFrame, err)
	}
	if s.GnuDebugFrame.Valid() {
		if decs[SourceGnuDebugFrame], err = dwarfcfi.New(s.Arch, s.GnuDebugFrame.Info,
			s.GnuDebugFrame.Data, dwarfcfi.KindDebugFrame); err != nil {
			return decs, fmt.Errorf("%v: %w", SourceGnuDebugFrame, err)
		}
	}
	if decs[SourceGnuEhFrame], err = ehFrameDecoder(s.Arch, s.GnuEhFrameHdr,
		s.GnuEhFrame); err != nil {
		return decs, fmt.Errorf("%v: %w", SourceGnuEhFrame, err)
	}
	if s.ArmExidx.Valid() && !s.Arch.Is64() {
		if decs[SourceExidx], err = exidx.New(s.ArmExidx.Info, s.ArmExidx.Data,
			s.TextEnd); err != nil {
			return decs, fmt.Errorf("%v: %w", SourceExidx, err)
		}
	}
	return decs, nil
}
