// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package quicken // import "github.com/quickenunwind/quicken/quicken"

import "fmt"

// FrameInfo locates one unwind section inside a binary.
type FrameInfo struct {
	// Offset and Size delimit the section in the file.
	Offset, Size uint64
	// SectionBias converts file offsets of the section into virtual
	// addresses: vaddr = offset + SectionBias.
	SectionBias int64
}

// Valid reports if the section was found.
func (fi FrameInfo) Valid() bool {
	return fi.Size != 0
}

// Vaddr returns the virtual address of the section start.
func (fi FrameInfo) Vaddr() uint64 {
	return uint64(int64(fi.Offset) + fi.SectionBias)
}

func (fi FrameInfo) String() string {
	return fmt.Sprintf("offset %#x size %#x bias %#x", fi.Offset, fi.Size, fi.SectionBias)
}
