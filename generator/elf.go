// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package generator // import "github.com/quickenunwind/quicken/generator"

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	aa "golang.org/x/arch/arm64/arm64asm"

	sha256 "github.com/minio/sha256-simd"
	"github.com/ulikunitz/xz"

	"github.com/quickenunwind/quicken/internal/log"
	"github.com/quickenunwind/quicken/internal/readatbuf"
	"github.com/quickenunwind/quicken/quicken"
)

const (
	// pageSize and pageCount size the read cache of each section reader.
	pageSize  = 4096
	pageCount = 64

	// maxDebugDataSize bounds the decompressed .gnu_debugdata image.
	maxDebugDataSize = 64 << 20

	// maxStubInstructions bounds the entry point stub scan.
	maxStubInstructions = 16

	noteTypeGNUBuildID = 3
	// maxBuildIDSize is the largest build id accepted.
	maxBuildIDSize = 64
)

// ErrNotELF is returned for files that are not ELF images.
var ErrNotELF = errors.New("not an ELF file")

// ELFFile is an opened binary with its unwind sources.
type ELFFile struct {
	Binary  Binary
	Sources Sources
	// LoadBias is the virtual address the first executable segment starts
	// at minus its file offset.
	LoadBias uint64

	file *os.File
	elf  *elf.File
}

// Close releases the file.
func (f *ELFFile) Close() error {
	return f.file.Close()
}

// ELF returns the parsed headers of the file.
func (f *ELFFile) ELF() *elf.File {
	return f.elf
}

// OpenELF opens the binary at path and locates its unwind sections.
func OpenELF(path string) (*ELFFile, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	ef, err := newELFFile(file, path)
	if err != nil {
		file.Close()
		return nil, err
	}
	return ef, nil
}

// SourcesFromFile is a SourceFunc reading the sources from bin.Path.
func SourcesFromFile(bin Binary) (*Sources, func(), error) {
	ef, err := OpenELF(bin.Path)
	if err != nil {
		return nil, nil, err
	}
	return &ef.Sources, func() { ef.Close() }, nil
}

func newELFFile(file *os.File, path string) (*ELFFile, error) {
	f, err := elf.NewFile(file)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotELF, path, err)
	}
	arch, err := quicken.ArchFromMachine(f.Machine)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	ef := &ELFFile{
		Binary: Binary{Soname: filepath.Base(path), Path: path},
		file:   file,
		elf:    f,
	}
	ef.Sources.Arch = arch

	if ef.Binary.BuildID, err = buildID(f); err != nil {
		log.Debugf("No build id in %s: %v", path, err)
	}
	if ef.Binary.Hash, err = contentHash(file); err != nil {
		return nil, err
	}

	text := false
	for _, p := range f.Progs {
		switch p.Type {
		case elf.PT_LOAD:
			if p.Flags&elf.PF_X != 0 && !text {
				text = true
				ef.LoadBias = p.Vaddr - p.Off
				ef.Sources.TextEnd = p.Vaddr + p.Memsz
			}
		case elf.PT_GNU_EH_FRAME:
			ef.Sources.EhFrameHdr = progSection(file, p)
		case elf.PT_ARM_EXIDX:
			ef.Sources.ArmExidx = progSection(file, p)
		}
	}

	ef.Sources.EhFrame = findSection(f, file, ".eh_frame")
	ef.Sources.DebugFrame = findSection(f, file, ".debug_frame")
	if !ef.Sources.EhFrameHdr.Valid() {
		ef.Sources.EhFrameHdr = findSection(f, file, ".eh_frame_hdr")
	}

	if err := ef.loadDebugData(); err != nil {
		log.Warnf("Ignoring .gnu_debugdata of %s: %v", path, err)
	}
	if e, ok := entryStub(f); ok {
		ef.Sources.Extra = quicken.EntryArray{e}
	}
	return ef, nil
}

// sectionReader gives every section its own page cache, the decoders of
// different sections run concurrently.
func sectionReader(r io.ReaderAt) io.ReaderAt {
	buffered, err := readatbuf.New(r, pageSize, pageCount)
	if err != nil {
		return r
	}
	return buffered
}

func progSection(r io.ReaderAt, p *elf.Prog) Section {
	return Section{
		Info: FrameInfo{
			Offset:      p.Off,
			Size:        p.Filesz,
			SectionBias: int64(p.Vaddr) - int64(p.Off),
		},
		Data: sectionReader(r),
	}
}

func findSection(f *elf.File, r io.ReaderAt, name string) Section {
	s := f.Section(name)
	if s == nil || s.Type == elf.SHT_NOBITS || s.Size == 0 {
		return Section{}
	}
	var bias int64
	if s.Flags&elf.SHF_ALLOC != 0 {
		bias = int64(s.Addr) - int64(s.Offset)
	}
	return Section{
		Info: FrameInfo{Offset: s.Offset, Size: s.Size, SectionBias: bias},
		Data: sectionReader(r),
	}
}

// loadDebugData decompresses the MiniDebugInfo image of .gnu_debugdata and
// adds its unwind sections.
func (ef *ELFFile) loadDebugData() error {
	s := ef.elf.Section(".gnu_debugdata")
	if s == nil || s.Type == elf.SHT_NOBITS {
		return nil
	}
	xr, err := xz.NewReader(s.Open())
	if err != nil {
		return err
	}
	image, err := io.ReadAll(io.LimitReader(xr, maxDebugDataSize+1))
	if err != nil {
		return err
	}
	if len(image) > maxDebugDataSize {
		return fmt.Errorf("image larger than %d bytes", maxDebugDataSize)
	}

	rd := bytes.NewReader(image)
	f, err := elf.NewFile(rd)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotELF, err)
	}
	ef.Sources.GnuEhFrameHdr = findSection(f, rd, ".eh_frame_hdr")
	ef.Sources.GnuEhFrame = findSection(f, rd, ".eh_frame")
	ef.Sources.GnuDebugFrame = findSection(f, rd, ".debug_frame")
	return nil
}

// buildID returns the hex GNU build id of f.
func buildID(f *elf.File) (string, error) {
	if s := f.Section(".note.gnu.build-id"); s != nil {
		data, err := s.Data()
		if err != nil {
			return "", err
		}
		if id, ok := findNote(data, f.ByteOrder, "GNU", noteTypeGNUBuildID); ok {
			return hex.EncodeToString(id), nil
		}
	}
	for _, p := range f.Progs {
		if p.Type != elf.PT_NOTE {
			continue
		}
		data := make([]byte, p.Filesz)
		if _, err := p.ReadAt(data, 0); err != nil {
			return "", err
		}
		if id, ok := findNote(data, f.ByteOrder, "GNU", noteTypeGNUBuildID); ok {
			return hex.EncodeToString(id), nil
		}
	}
	return "", errors.New("build id note not found")
}

// findNote returns the descriptor of the note with the given owner and
// type. Notes are a sequence of namesz, descsz and type words followed by
// the 4 byte aligned name and descriptor.
func findNote(data []byte, order binary.ByteOrder, name string, noteType uint32) ([]byte, bool) {
	align := func(n uint64) uint64 { return (n + 3) &^ 3 }
	for len(data) >= 12 {
		nameSize := uint64(order.Uint32(data))
		descSize := uint64(order.Uint32(data[4:]))
		typ := order.Uint32(data[8:])
		data = data[12:]

		nameEnd := align(nameSize)
		descEnd := nameEnd + align(descSize)
		if nameEnd+descSize > uint64(len(data)) {
			return nil, false
		}
		owner := string(bytes.TrimRight(data[:nameSize], "\x00"))
		if typ == noteType && owner == name && descSize <= maxBuildIDSize {
			return data[nameEnd : nameEnd+descSize], true
		}
		data = data[min(descEnd, uint64(len(data))):]
	}
	return nil, false
}

// contentHash identifies a file by the SHA-256 of its first and last
// 4 KiB and its length.
func contentHash(r io.ReadSeeker) (string, error) {
	h := sha256.New()
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	if _, err := io.Copy(h, io.LimitReader(r, 4096)); err != nil {
		return "", fmt.Errorf("failed to hash file header: %w", err)
	}
	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return "", err
	}
	if _, err = r.Seek(-min(size, 4096), io.SeekEnd); err != nil {
		return "", err
	}
	if _, err = io.Copy(h, r); err != nil {
		return "", fmt.Errorf("failed to hash file trailer: %w", err)
	}
	var length [8]byte
	binary.BigEndian.PutUint64(length[:], uint64(size))
	h.Write(length[:])
	return hex.EncodeToString(h.Sum(nil)[:16]), nil
}

// entryStub returns a finish entry for the process entry point of arm64
// executables. The stub ends with the first branch and either clears the
// frame record registers or hands the initial sp to the C runtime.
func entryStub(f *elf.File) (quicken.Entry, bool) {
	if f.Machine != elf.EM_AARCH64 || f.Entry == 0 {
		return quicken.Entry{}, false
	}
	code, ok := readVaddr(f, f.Entry, maxStubInstructions*4)
	if !ok {
		return quicken.Entry{}, false
	}
	return scanStub(f.Entry, code)
}

func scanStub(entry uint64, code []byte) (quicken.Entry, bool) {
	outermost := false
	for i := 0; i+4 <= len(code); i += 4 {
		inst, err := aa.Decode(code[i:])
		if err != nil {
			return quicken.Entry{}, false
		}
		switch inst.Op {
		case aa.MOV:
			if isZeroMove(inst) || isSPToX0(inst) {
				outermost = true
			}
		case aa.B, aa.BL, aa.BR, aa.BLR:
			if !outermost {
				return quicken.Entry{}, false
			}
			return quicken.Entry{
				Start:        entry,
				End:          entry + uint64(i) + 4,
				Instructions: quicken.Instructions{{Op: quicken.OpFinish}},
			}, true
		}
	}
	return quicken.Entry{}, false
}

func argReg(a aa.Arg) (aa.Reg, bool) {
	switch r := a.(type) {
	case aa.Reg:
		return r, true
	case aa.RegSP:
		return aa.Reg(r), true
	}
	return 0, false
}

// isZeroMove matches `mov x29, #0` and `mov x30, #0` in their immediate
// and xzr forms.
func isZeroMove(inst aa.Inst) bool {
	if reg, ok := argReg(inst.Args[0]); !ok || (reg != aa.X29 && reg != aa.X30) {
		return false
	}
	switch src := inst.Args[1].(type) {
	case aa.Imm64:
		return src.Imm == 0
	case aa.Imm:
		return src.Imm == 0
	case aa.Reg:
		return src == aa.XZR
	}
	return false
}

// isSPToX0 matches `mov x0, sp`.
func isSPToX0(inst aa.Inst) bool {
	reg, ok := argReg(inst.Args[0])
	return ok && reg == aa.X0 && inst.Args[1] == aa.RegSP(aa.SP)
}

// readVaddr reads n bytes at the virtual address vaddr from the loadable
// segment containing it.
func readVaddr(f *elf.File, vaddr uint64, n int) ([]byte, bool) {
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || vaddr < p.Vaddr || vaddr >= p.Vaddr+p.Filesz {
			continue
		}
		n = int(min(uint64(n), p.Vaddr+p.Filesz-vaddr))
		buf := make([]byte, n)
		if _, err := p.ReadAt(buf, int64(vaddr-p.Vaddr)); err != nil {
			return nil, false
		}
		return buf, true
	}
	return nil, false
}
