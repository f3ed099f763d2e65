// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package exidx // import "github.com/quickenunwind/quicken/nativeunwind/exidx"

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// cantUnwind marks functions that must not be unwound through.
	cantUnwind = 0x1
	// maxTableWords bounds the extra words of an out-of-line program.
	maxTableWords = 5
	opFinish      = 0xb0
)

var (
	// ErrCantUnwind is returned for EXIDX_CANTUNWIND entries.
	ErrCantUnwind = errors.New("entry marked cannot unwind")
	// ErrPersonality is returned for compact entries with a personality
	// routine other than the ARM defined ones.
	ErrPersonality = errors.New("unsupported personality routine")
	// ErrMalformed is returned for entries with an impossible layout.
	ErrMalformed = errors.New("malformed exidx entry")
	// ErrRead is returned when the entry or its program cannot be read.
	ErrRead = errors.New("exidx read failed")
)

// read32 reads the little endian word at file offset off.
func (d *Decoder) read32(off int64) (uint32, error) {
	var buf [4]byte
	if _, err := d.data.ReadAt(buf[:], off); err != nil {
		return 0, fmt.Errorf("%w at %#x: %v", ErrRead, off, err)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// prel31 sign extends a 31-bit place relative offset.
func prel31(v uint32) int64 {
	return int64(int32(v<<1) >> 1)
}

// entryAddress returns the function start of the index entry at file
// offset off, as a virtual address.
func (d *Decoder) entryAddress(off int64) (uint64, error) {
	v, err := d.read32(off)
	if err != nil {
		return 0, err
	}
	return uint64(off+d.section.SectionBias+prel31(v)) & 0xffffffff, nil
}

// ExtractEntry returns the unwind program of the index entry at file
// offset off. The program always ends with a finish opcode.
func (d *Decoder) ExtractEntry(off int64) ([]byte, error) {
	if off&1 != 0 {
		return nil, fmt.Errorf("%w: entry %#x not aligned", ErrMalformed, off)
	}
	data, err := d.read32(off + 4)
	if err != nil {
		return nil, err
	}
	if data == cantUnwind {
		return nil, ErrCantUnwind
	}

	if data&(1<<31) != 0 {
		// Inline compact program, only personality 0 fits in the word.
		if (data>>24)&0xf != 0 {
			return nil, fmt.Errorf("%w: inline index %d", ErrPersonality, (data>>24)&0xf)
		}
		prog := []byte{byte(data >> 16), byte(data >> 8), byte(data)}
		return finish(prog), nil
	}

	// The program lives in .ARM.extab, in the same segment as the index.
	addr := off + 4 + prel31(data)
	if data, err = d.read32(addr); err != nil {
		return nil, err
	}

	var prog []byte
	var words uint32
	if data&(1<<31) != 0 {
		switch index := (data >> 24) & 0xf; index {
		case 0:
			prog = append(prog, byte(data>>16))
		case 1, 2:
			words = (data >> 16) & 0xff
		default:
			return nil, fmt.Errorf("%w: index %d", ErrPersonality, index)
		}
		prog = append(prog, byte(data>>8), byte(data))
		addr += 4
	} else {
		// Generic model: skip the personality routine pointer.
		addr += 4
		if data, err = d.read32(addr); err != nil {
			return nil, err
		}
		words = data >> 24
		prog = append(prog, byte(data>>16), byte(data>>8), byte(data))
		addr += 4
	}

	if words > maxTableWords {
		return nil, fmt.Errorf("%w: %d extra words", ErrMalformed, words)
	}
	for range words {
		if data, err = d.read32(addr); err != nil {
			return nil, err
		}
		prog = binary.BigEndian.AppendUint32(prog, data)
		addr += 4
	}
	return finish(prog), nil
}

func finish(prog []byte) []byte {
	if prog[len(prog)-1] != opFinish {
		prog = append(prog, opFinish)
	}
	return prog
}
