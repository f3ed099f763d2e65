// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// remotememory provides access to the stack and code of the unwound process.
// The ReaderAt interface is used for the basic access, and fixed width reads
// are provided on top of it in the form the unwinder consumes.
package remotememory // import "github.com/quickenunwind/quicken/remotememory"

import (
	"encoding/binary"
	"errors"
	"io"
)

// ErrOutOfSnapshot is returned for reads outside a captured stack.
var ErrOutOfSnapshot = errors.New("address outside stack snapshot")

// RemoteMemory implements word reads over a ReaderAt.
type RemoteMemory struct {
	io.ReaderAt
	// Bias is subtracted from every address before reading. It maps
	// addresses of a captured stack back into the snapshot.
	Bias uint64
}

// Valid determines if this RemoteMemory instance has a backing reader.
func (rm RemoteMemory) Valid() bool {
	return rm.ReaderAt != nil
}

// Read fills p with data from remote memory at address addr.
func (rm RemoteMemory) Read(addr uint64, p []byte) error {
	_, err := rm.ReadAt(p, int64(addr-rm.Bias))
	return err
}

// ReadUint32 reads a 32-bit little endian word.
func (rm RemoteMemory) ReadUint32(addr uint64) (uint32, bool) {
	if s, ok := rm.ReaderAt.(*StackSnapshot); ok {
		return s.ReadUint32(addr - rm.Bias)
	}
	var buf [4]byte
	if rm.Read(addr, buf[:]) != nil {
		return 0, false
	}
	return binary.LittleEndian.Uint32(buf[:]), true
}

// ReadUint64 reads a 64-bit little endian word.
func (rm RemoteMemory) ReadUint64(addr uint64) (uint64, bool) {
	if s, ok := rm.ReaderAt.(*StackSnapshot); ok {
		return s.ReadUint64(addr - rm.Bias)
	}
	var buf [8]byte
	if rm.Read(addr, buf[:]) != nil {
		return 0, false
	}
	return binary.LittleEndian.Uint64(buf[:]), true
}

// ProcessVirtualMemory implements RemoteMemory by using process_vm_readv syscalls
// to read the remote memory.
type ProcessVirtualMemory struct {
	pid int
}

// NewProcessVirtualMemory returns ProcessVirtualMemory implementation of RemoteMemory.
func NewProcessVirtualMemory(pid int) RemoteMemory {
	return RemoteMemory{ReaderAt: ProcessVirtualMemory{pid}}
}

// StackSnapshot is a copy of a thread stack taken at sample time.
type StackSnapshot struct {
	// Base is the address of Data[0], the stack pointer at capture time.
	Base uint64
	Data []byte
}

// slice returns the n bytes at addr, nil when they are not all captured.
func (s *StackSnapshot) slice(addr, n uint64) []byte {
	if addr < s.Base {
		return nil
	}
	off := addr - s.Base
	if off > uint64(len(s.Data)) || uint64(len(s.Data))-off < n {
		return nil
	}
	return s.Data[off : off+n]
}

// ReadUint32 reads a 32-bit little endian word without allocating.
func (s *StackSnapshot) ReadUint32(addr uint64) (uint32, bool) {
	b := s.slice(addr, 4)
	if b == nil {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

// ReadUint64 reads a 64-bit little endian word without allocating.
func (s *StackSnapshot) ReadUint64(addr uint64) (uint64, bool) {
	b := s.slice(addr, 8)
	if b == nil {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}

// ReadAt implements io.ReaderAt with addresses of the captured thread.
func (s *StackSnapshot) ReadAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	if addr < s.Base || addr-s.Base >= uint64(len(s.Data)) {
		return 0, ErrOutOfSnapshot
	}
	n := copy(p, s.Data[addr-s.Base:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// NewStackMemory returns the memory of a captured stack. Word reads go
// straight to data.
func NewStackMemory(base uint64, data []byte) *StackSnapshot {
	return &StackSnapshot{Base: base, Data: data}
}
