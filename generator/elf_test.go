// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package generator

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickenunwind/quicken/quicken"
)

var le = binary.LittleEndian

func note(name string, typ uint32, desc []byte) []byte {
	var b []byte
	b = le.AppendUint32(b, uint32(len(name)+1))
	b = le.AppendUint32(b, uint32(len(desc)))
	b = le.AppendUint32(b, typ)
	b = append(b, name...)
	b = append(b, 0)
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	b = append(b, desc...)
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	return b
}

func TestFindNote(t *testing.T) {
	id := []byte{0xde, 0xad, 0xbe, 0xef, 0x01}
	tests := map[string]struct {
		data     []byte
		expected []byte
	}{
		"single":    {data: note("GNU", 3, id), expected: id},
		"second":    {data: append(note("GNU", 1, []byte{1, 2, 3, 4}), note("GNU", 3, id)...), expected: id},
		"owner":     {data: note("Go", 3, id)},
		"type":      {data: note("GNU", 4, id)},
		"truncated": {data: note("GNU", 3, id)[:18]},
		"empty":     {},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			desc, ok := findNote(tc.data, le, "GNU", noteTypeGNUBuildID)
			assert.Equal(t, tc.expected != nil, ok)
			assert.Equal(t, tc.expected, desc)
		})
	}
}

func code(words ...uint32) []byte {
	var b []byte
	for _, w := range words {
		b = le.AppendUint32(b, w)
	}
	return b
}

const (
	movX29Zero = 0xd280001d
	movX30Zero = 0xd280001e
	movX0SP    = 0x910003e0
	nop        = 0xd503201f
	branchLink = 0x94000000
	branch     = 0x14000000
)

func TestScanStub(t *testing.T) {
	tests := map[string]struct {
		code []byte
		end  uint64
	}{
		"glibc":      {code: code(movX29Zero, movX30Zero, nop, branchLink), end: 0x410},
		"bionic":     {code: code(movX0SP, branch), end: 0x408},
		"plain call": {code: code(nop, branchLink)},
		"no branch":  {code: code(movX29Zero, nop)},
		"undecoded":  {code: code(movX29Zero, 0)},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			e, ok := scanStub(0x400, tc.code)
			if tc.end == 0 {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, quicken.Entry{Start: 0x400, End: tc.end,
				Instructions: quicken.Instructions{{Op: quicken.OpFinish}}}, e)
		})
	}
}

// armELF writes a 32-bit ARM shared object without section headers. It
// has one executable segment, a build id note and an exception index for
// 0x1000 (pop {r4, r7, r11, lr}) and 0x3000 (cantunwind).
func armELF(t *testing.T) string {
	t.Helper()
	const (
		phoff     = 52
		noteOff   = 0x100
		exidxOff  = 0x200
		fileSize  = 0x400
		textEnd   = 0x4000
		phentsize = 32
	)
	buf := make([]byte, fileSize)
	copy(buf, []byte{0x7f, 'E', 'L', 'F', 1, 1, 1})
	le.PutUint16(buf[16:], uint16(elf.ET_DYN))
	le.PutUint16(buf[18:], uint16(elf.EM_ARM))
	le.PutUint32(buf[20:], 1)
	le.PutUint32(buf[28:], phoff)
	le.PutUint16(buf[40:], 52)
	le.PutUint16(buf[42:], phentsize)
	le.PutUint16(buf[44:], 3)
	le.PutUint16(buf[46:], 40)

	phdr := func(i int, typ elf.ProgType, off, vaddr, filesz, memsz uint32, flags elf.ProgFlag) {
		p := buf[phoff+i*phentsize:]
		for j, v := range []uint32{uint32(typ), off, vaddr, vaddr, filesz, memsz,
			uint32(flags), 4} {
			le.PutUint32(p[4*j:], v)
		}
	}
	n := note("GNU", 3, []byte{0xca, 0xfe, 0xba, 0xbe})
	copy(buf[noteOff:], n)
	le.PutUint32(buf[exidxOff:], 0x1000-exidxOff)
	le.PutUint32(buf[exidxOff+4:], 0x808489b0)
	le.PutUint32(buf[exidxOff+8:], 0x3000-exidxOff-8)
	le.PutUint32(buf[exidxOff+12:], 1)

	phdr(0, elf.PT_LOAD, 0, 0, fileSize, textEnd, elf.PF_R|elf.PF_X)
	phdr(1, elf.PT_NOTE, noteOff, noteOff, uint32(len(n)), uint32(len(n)), elf.PF_R)
	phdr(2, elf.PT_ARM_EXIDX, exidxOff, exidxOff, 16, 16, elf.PF_R)

	path := filepath.Join(t.TempDir(), "libarm.so")
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

func TestOpenELF(t *testing.T) {
	path := armELF(t)
	ef, err := OpenELF(path)
	require.NoError(t, err)
	defer ef.Close()

	assert.Equal(t, "libarm.so", ef.Binary.Soname)
	assert.Equal(t, "cafebabe", ef.Binary.BuildID)
	assert.Len(t, ef.Binary.Hash, 32)
	assert.Equal(t, quicken.ArchARM, ef.Sources.Arch)
	assert.Equal(t, uint64(0x4000), ef.Sources.TextEnd)
	assert.True(t, ef.Sources.ArmExidx.Valid())
	assert.False(t, ef.Sources.EhFrame.Valid())
	assert.Empty(t, ef.Sources.Extra)

	entries, _, err := New(0).Entries(context.Background(), &ef.Sources)
	require.NoError(t, err)
	assert.Equal(t, quicken.EntryArray{{Start: 0x1000, End: 0x3000, Instructions: popFrame}},
		entries)
}

func TestOpenELFErrors(t *testing.T) {
	dir := t.TempDir()
	text := filepath.Join(dir, "text")
	require.NoError(t, os.WriteFile(text, []byte("not an elf file"), 0o644))
	_, err := OpenELF(text)
	require.ErrorIs(t, err, ErrNotELF)

	_, err = OpenELF(filepath.Join(dir, "missing"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestContentHash(t *testing.T) {
	data := bytes.Repeat([]byte{1, 2, 3}, 5000)
	h1, err := contentHash(bytes.NewReader(data))
	require.NoError(t, err)
	h2, err := contentHash(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	h3, err := contentHash(bytes.NewReader(data[:len(data)-1]))
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}
