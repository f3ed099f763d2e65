// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package dwarfcfi // import "github.com/quickenunwind/quicken/nativeunwind/dwarfcfi"

import (
	"errors"
	"fmt"
)

// errUnexpectedType is used internally to detect inconsistent FDE/CIE types
var errUnexpectedType = errors.New("unexpected FDE/CIE type")

// errEmptyEntry is used internally to report FDEs/CIEs of length 0.
var errEmptyEntry = errors.New("FDE/CIE empty")

// errSyncLost is returned when the entry length cannot be trusted and the
// walk of the section has to stop.
var errSyncLost = errors.New("lost sync with entry lengths")

// cieInfo describes the contents of one Common Information Entry (CIE)
type cieInfo struct {
	dataAlign       int64
	codeAlign       uint64
	regRA           uint64
	enc             encoding
	lsdaEnc         encoding
	hasAugmentation bool
	isSignalHandler bool

	// initialState is the register state after running the CIE opcodes
	initialState regState
}

// fdeInfo contains one Frame Description Entry (FDE)
type fdeInfo struct {
	ciePos  int64
	ipStart uint64
	ipLen   uint64
}

// parseHDR parses the common part of CIE and FDE blocks
// http://dwarfstd.org/doc/DWARF5.pdf §6.4.1
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/ehframechpt.html
func (r *reader) parseHDR(expectCIE bool) (data reader, ciePos int64, err error) {
	var idPos int64
	var cieID, cieMarker uint64
	dlen := uint64(r.u32())
	if !r.isValid() {
		return reader{}, 0, errSyncLost
	}
	switch {
	case dlen == 0:
		return reader{}, 0, errEmptyEntry
	case dlen < 0xfffffff0:
		// Normal 32-bit dwarf
		idPos = r.pos
		cieID = uint64(r.u32())
		cieMarker = 0xffffffff
		dlen -= 4
	case dlen == 0xffffffff:
		// 64-bit dwarf
		dlen = r.u64()
		idPos = r.pos
		cieID = r.u64()
		cieMarker = 0xffffffffffffffff
		dlen -= 8
	default:
		r.pos = r.end
		return reader{}, 0, fmt.Errorf("%w: initial length %#x", errSyncLost, dlen)
	}

	data = r.bytes(dlen)
	if !data.isValid() {
		return reader{}, 0, fmt.Errorf("%w: entry at %#x extends beyond section end",
			errSyncLost, idPos)
	}
	if !r.debugFrame {
		// In .eh_frame's the CIE marker pointer value is zero
		cieMarker = 0
	}
	isCIE := cieID == cieMarker
	if isCIE != expectCIE {
		return data, 0, errUnexpectedType
	}
	if isCIE {
		return data, 0, nil
	}
	if r.debugFrame {
		ciePos = r.secStart + int64(cieID)
	} else {
		// In .eh_frame, the CIE pointer is relative to its own position.
		ciePos = idPos - int64(cieID)
	}
	if ciePos < r.secStart || ciePos >= r.end {
		return data, 0, fmt.Errorf("CIE pointer %#x outside section", ciePos)
	}
	return data, ciePos, nil
}

// parseCIE reads and processes one Common Information Entry
// http://dwarfstd.org/doc/DWARF5.pdf §6.4.1
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/ehframechpt.html
func (r *reader) parseCIE(cie *cieInfo) (data reader, err error) {
	data, _, err = r.parseHDR(true)
	if err != nil {
		return reader{}, err
	}

	ver := data.u8()
	if ver != 1 && ver != 3 && ver != 4 {
		return reader{}, fmt.Errorf("CIE version %d not supported", ver)
	}

	*cie = cieInfo{
		enc:     encFormatNative | encAdjustAbs,
		lsdaEnc: encFormatNative | encAdjustAbs,
	}

	augmentation := data.str()
	if ver == 4 {
		// Skip the address_size and segment_selector_size fields.
		data.skip(2)
	}

	cie.codeAlign = data.uleb()
	cie.dataAlign = data.sleb()
	if ver == 1 {
		cie.regRA = uint64(data.u8())
	} else {
		cie.regRA = data.uleb()
	}

	// A zero length string indicates that no augmentation data is present.
	if len(augmentation) > 0 {
		if augmentation[0] != 'z' {
			return reader{}, fmt.Errorf("unsupported augmentation string '%s'", augmentation)
		}
		augLen := data.uleb()
		aug := data.bytes(augLen)
		cie.hasAugmentation = true

		for _, ch := range augmentation[1:] {
			switch ch {
			case 'L':
				cie.lsdaEnc = encoding(aug.u8())
			case 'R':
				cie.enc = encoding(aug.u8())
			case 'P':
				// The personality routine is not needed, only skipped.
				enc := encoding(aug.u8()) &^ encIndirect
				if _, err = aug.ptr(enc); err != nil {
					return reader{}, err
				}
			case 'S':
				cie.isSignalHandler = true
			case 'B', 'G':
				// arm64 branch target and memory tagging markers carry no data.
			default:
				return reader{}, fmt.Errorf("unsupported augmentation string '%s'",
					augmentation)
			}
		}
		if !aug.isValid() {
			return reader{}, errors.New("CIE augmentation data truncated")
		}
	}

	if !data.isValid() {
		return reader{}, errors.New("CIE not valid after header")
	}
	if cie.codeAlign == 0 {
		return reader{}, errors.New("CIE code alignment is zero")
	}
	return data, nil
}

// parseFDEHeader parses the CIE independent fields of one FDE, and resolves
// its CIE through the decoder cache. ipStart is checked against the FDE
// when non zero.
func (d *Decoder) parseFDEHeader(fdeReader *reader, ipStart uint64) (
	r reader, fde fdeInfo, cie *cieInfo, err error) {
	fdeID := fdeReader.pos
	r, fde.ciePos, err = fdeReader.parseHDR(false)
	if err != nil {
		return r, fde, nil, err
	}

	cie, err = d.cie(fdeReader, fde.ciePos)
	if err != nil {
		return r, fde, nil, err
	}

	fde.ipStart, err = r.ptr(cie.enc)
	if err != nil {
		return r, fde, nil, err
	}
	if ipStart != 0 && fde.ipStart != ipStart {
		return r, fde, nil, fmt.Errorf(
			"FDE ipStart (%x) not matching search table FDE ipStart (%x)",
			fde.ipStart, ipStart)
	}
	fde.ipLen, err = r.ptr(cie.enc & (encFormatMask | encSignedMask))
	if err != nil {
		return r, fde, nil, err
	}

	if cie.hasAugmentation {
		r.skip(int64(r.uleb()))
	}
	if !r.isValid() {
		return r, fde, nil, fmt.Errorf("FDE %#x not valid after header", fdeID)
	}
	return r, fde, cie, nil
}

// cie returns the parsed CIE at pos, from the cache when possible.
func (d *Decoder) cie(from *reader, pos int64) (*cieInfo, error) {
	if cie, ok := d.cies.Get(uint64(pos)); ok {
		return cie, nil
	}

	cie := &cieInfo{}
	cr := from.at(pos)
	cr, err := cr.parseCIE(cie)
	if err != nil {
		return nil, fmt.Errorf("CIE %#x failed: %w", pos, err)
	}

	// The restore opcodes inside the CIE program use the empty state.
	cie.initialState = newRegState()
	st := state{
		cie: cie,
		cur: newRegState(),
		arch: d.arch,
	}
	for cr.hasData() {
		if err = st.step(&cr); err != nil {
			return nil, fmt.Errorf("CIE %#x program: %w", pos, err)
		}
	}
	if !cr.isValid() {
		return nil, fmt.Errorf("CIE %#x parsing failed", pos)
	}
	cie.initialState = st.cur
	d.cies.Add(uint64(pos), cie)
	return cie, nil
}
