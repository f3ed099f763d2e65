// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"context"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickenunwind/quicken/generator"
	"github.com/quickenunwind/quicken/quicken"
	"github.com/quickenunwind/quicken/quicken/table"
	"github.com/quickenunwind/quicken/unwind"
)

// writeELF writes a 32-bit ARM shared object with one executable segment
// at vaddr 0x10000 (file offset 0) and a GNU build id note.
func writeELF(t *testing.T, dir, name string) string {
	t.Helper()
	le := binary.LittleEndian
	buf := make([]byte, 0x200)
	copy(buf, []byte{0x7f, 'E', 'L', 'F', 1, 1, 1})
	le.PutUint16(buf[16:], uint16(elf.ET_DYN))
	le.PutUint16(buf[18:], uint16(elf.EM_ARM))
	le.PutUint32(buf[20:], 1)
	le.PutUint32(buf[28:], 52)
	le.PutUint16(buf[40:], 52)
	le.PutUint16(buf[42:], 32)
	le.PutUint16(buf[44:], 2)
	le.PutUint16(buf[46:], 40)

	// namesz, descsz, type, "GNU\0", desc
	note := []byte{4, 0, 0, 0, 4, 0, 0, 0, 3, 0, 0, 0, 'G', 'N', 'U', 0, 0xab, 0xcd, 0x12, 0x34}
	copy(buf[0x100:], note)

	phdrs := [][8]uint32{
		{uint32(elf.PT_LOAD), 0, 0x10000, 0x10000, 0x200, 0x8000, uint32(elf.PF_R | elf.PF_X), 4},
		{uint32(elf.PT_NOTE), 0x100, 0x10100, 0x10100, uint32(len(note)), uint32(len(note)),
			uint32(elf.PF_R), 4},
	}
	for i, p := range phdrs {
		for j, v := range p {
			le.PutUint32(buf[52+32*i+4*j:], v)
		}
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

type requests struct {
	binaries []generator.Binary
}

func (r *requests) RequestGeneration(_ context.Context, req generator.Request) error {
	r.binaries = append(r.binaries, req.Binary)
	return nil
}

func TestResolverModules(t *testing.T) {
	root := t.TempDir()
	writeELF(t, root, "system/lib/libfoo.so")
	require.NoError(t, os.WriteFile(filepath.Join(root, "notelf"), []byte("text"), 0o644))

	delegate := &requests{}
	manager, err := generator.NewManager(generator.ManagerConfig{Delegate: delegate})
	require.NoError(t, err)
	jit := unwind.StaticTable{}
	r, err := NewResolver(ResolverConfig{Manager: manager, JIT: jit, Root: root})
	require.NoError(t, err)

	mappings := []Mapping{
		{Vaddr: 0x40000, Length: 0x1000, Flags: elf.PF_R | elf.PF_X, Path: "/notelf", Inode: 2},
		{Vaddr: 0x20000, Length: 0x8000, Flags: elf.PF_R | elf.PF_X, FileOffset: 0,
			Inode: 1, Path: "/system/lib/libfoo.so"},
		{Vaddr: 0x28000, Length: 0x1000, Flags: elf.PF_R | elf.PF_W, FileOffset: 0x8000,
			Inode: 1, Path: "/system/lib/libfoo.so"},
		{Vaddr: 0x30000, Length: 0x4000, Flags: elf.PF_R | elf.PF_X,
			Path: "[anon:dalvik-jit-code-cache]"},
		{Vaddr: 0x50000, Length: 0x1000, Flags: elf.PF_R | elf.PF_X, Path: VdsoPathName},
		{Vaddr: 0x60000, Length: 0x1000, Flags: elf.PF_R | elf.PF_X, FileOffset: 0x1000,
			Inode: 1, Path: "/system/lib/libfoo.so"},
	}
	modules := r.Modules(context.Background(), mappings)
	require.Len(t, modules, 4)

	foo := modules[0]
	assert.Equal(t, "libfoo.so", foo.Name)
	assert.Equal(t, uint64(0x20000), foo.Start)
	assert.Equal(t, uint64(0x28000), foo.End)
	assert.Equal(t, uint64(0x10000), foo.LoadBias)
	assert.Equal(t, uint64(0x10100), foo.RelPC(0x20100))

	assert.Equal(t, JITModuleName, modules[1].Name)
	assert.Equal(t, uint64(0x30010), modules[1].RelPC(0x30010))
	assert.Equal(t, unwind.TableProvider(jit), modules[1].Tables)

	assert.Equal(t, "notelf", modules[2].Name)
	assert.Nil(t, modules[2].Tables)

	assert.Equal(t, "libfoo.so", modules[3].Name)
	assert.Equal(t, uint64(0x11000), modules[3].RelPC(0x60000))

	// One request for both mappings of libfoo.so.
	require.Len(t, delegate.binaries, 1)
	assert.Equal(t, "abcd1234", delegate.binaries[0].BuildID)

	_, ok := foo.Tables.TableFor(0x10100)
	assert.False(t, ok)
	tbl, _, err := table.Pack(quicken.ArchARM, quicken.EntryArray{{Start: 0x10000, End: 0x10200,
		Instructions: quicken.Instructions{{Op: quicken.OpVSPOffset, Imm: 8}}}})
	require.NoError(t, err)
	manager.Insert(delegate.binaries[0], tbl)
	got, ok := foo.Tables.TableFor(0x10100)
	require.True(t, ok)
	assert.Same(t, tbl, got)
}

func TestNewResolverErrors(t *testing.T) {
	_, err := NewResolver(ResolverConfig{})
	require.Error(t, err)
}
