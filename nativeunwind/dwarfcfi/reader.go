// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package dwarfcfi // import "github.com/quickenunwind/quicken/nativeunwind/dwarfcfi"

import (
	"encoding/binary"
	"fmt"
	"io"
)

// reader provides bounds checked access to an unwind section. Positions are
// file offsets. Reads past the end or failing reads return zero and mark the
// reader invalid instead of failing each call.
type reader struct {
	debugFrame bool
	// is64 selects the size of native pointers.
	is64 bool

	rd io.ReaderAt
	// bias converts file offsets into virtual addresses.
	bias int64
	// dataRel is the base of data relative pointer encodings.
	dataRel uint64
	// scratch is shared by the sub-readers to avoid per read allocations.
	scratch *[8]byte
	// secStart is the file offset of the section, debug_frame CIE
	// pointers are relative to it.
	secStart int64

	base int64
	pos  int64
	end  int64
	bad  bool
}

func newReader(rd io.ReaderAt, pos, end, bias int64, is64, debugFrame bool) reader {
	return reader{
		debugFrame: debugFrame,
		is64:       is64,
		rd:         rd,
		bias:       bias,
		dataRel:    uint64(pos + bias),
		scratch:    new([8]byte),
		secStart:   pos,
		pos:        pos,
		end:        end,
	}
}

func (r *reader) setBase() {
	r.base = r.pos
}

// at creates a reader positioned at the file offset pos.
func (r *reader) at(pos int64) reader {
	n := *r
	n.pos = pos
	n.bad = false
	return n
}

// hasData reports if unread data remains.
func (r *reader) hasData() bool {
	return !r.bad && r.pos < r.end
}

// isValid reports if all reads so far succeeded.
func (r *reader) isValid() bool {
	return r.rd != nil && !r.bad && r.pos <= r.end
}

func (r *reader) skip(num int64) {
	r.pos += num
	if r.pos > r.end || num < 0 {
		r.bad = true
	}
}

// fill reads n bytes into the scratch buffer.
func (r *reader) fill(n int) []byte {
	buf := r.scratch[:n]
	if r.bad || r.pos+int64(n) > r.end {
		r.bad = true
		clear(buf)
		return buf
	}
	if _, err := r.rd.ReadAt(buf, r.pos); err != nil {
		r.bad = true
		clear(buf)
	}
	r.pos += int64(n)
	return buf
}

func (r *reader) u8() uint8 {
	return r.fill(1)[0]
}

func (r *reader) u16() uint16 {
	return binary.LittleEndian.Uint16(r.fill(2))
}

func (r *reader) u32() uint32 {
	return binary.LittleEndian.Uint32(r.fill(4))
}

func (r *reader) u64() uint64 {
	return binary.LittleEndian.Uint64(r.fill(8))
}

// uleb reads one unsigned little endian base-128 encoded value.
func (r *reader) uleb() uint64 {
	var val uint64
	for shift := uint(0); ; shift += 7 {
		b := r.u8()
		if shift < 64 {
			val |= uint64(b&0x7f) << shift
		}
		if b&0x80 == 0 || r.bad {
			return val
		}
	}
}

// sleb reads one signed little endian base-128 encoded value.
func (r *reader) sleb() int64 {
	var val int64
	shift := uint(0)
	for {
		b := r.u8()
		if shift < 64 {
			val |= int64(b&0x7f) << shift
		}
		shift += 7
		if b&0x80 == 0 || r.bad {
			if shift < 64 && b&0x40 != 0 {
				val |= -1 << shift
			}
			return val
		}
	}
}

// str reads one zero-terminated string. It is only used for augmentation
// strings which are short.
func (r *reader) str() string {
	var s []byte
	for len(s) < 64 {
		b := r.u8()
		if b == 0 || r.bad {
			return string(s)
		}
		s = append(s, b)
	}
	r.bad = true
	return ""
}

// bytes reads a num byte block and returns a reader limited to it.
func (r *reader) bytes(num uint64) reader {
	sub := *r
	sub.end = r.pos + int64(num)
	if num > uint64(r.end-r.pos) || r.bad {
		r.pos = r.end
		r.bad = true
		sub.bad = true
		return sub
	}
	r.pos = sub.end
	return sub
}

// block copies num bytes out of the section.
func (r *reader) block(num uint64) []byte {
	if r.bad || num > uint64(r.end-r.pos) {
		r.bad = true
		return nil
	}
	buf := make([]byte, num)
	if _, err := r.rd.ReadAt(buf, r.pos); err != nil {
		r.bad = true
		return nil
	}
	r.pos += int64(num)
	return buf
}

// ptr reads one pointer value encoded with enc encoding.
func (r *reader) ptr(enc encoding) (uint64, error) {
	if enc == encOmit {
		return 0, nil
	}
	pos := uint64(r.pos + r.bias)
	var val uint64
	switch enc & (encFormatMask | encSignedMask) {
	case encFormatData2:
		val = uint64(r.u16())
	case encFormatData4:
		val = uint64(r.u32())
	case encFormatNative, encFormatNative | encSignedMask:
		if r.is64 {
			val = r.u64()
		} else {
			val = uint64(r.u32())
		}
	case encFormatData8, encFormatData8 | encSignedMask:
		val = r.u64()
	case encFormatLeb128:
		val = r.uleb()
	case encFormatLeb128 | encSignedMask:
		val = uint64(r.sleb())
	case encFormatData2 | encSignedMask:
		val = uint64(int64(int16(r.u16())))
	case encFormatData4 | encSignedMask:
		val = uint64(int64(int32(r.u32())))
	default:
		return 0, fmt.Errorf("unsupported format encoding %#02x", enc)
	}

	switch enc & encAdjustMask {
	case encAdjustAbs:
	case encAdjustPcRel:
		val += pos
	case encAdjustDataRel:
		val += r.dataRel
	default:
		return 0, fmt.Errorf("unsupported adjust encoding %#02x", enc)
	}

	if enc&encIndirect != 0 {
		return 0, fmt.Errorf("unsupported indirect encoding %#02x", enc)
	}
	if !r.is64 {
		val &= 0xffffffff
	}
	return val, nil
}
