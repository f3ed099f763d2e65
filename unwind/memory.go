// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwind // import "github.com/quickenunwind/quicken/unwind"

import "github.com/quickenunwind/quicken/quicken"

// Memory gives read access to the stack of the unwound thread. Reads
// outside the readable area report false.
type Memory interface {
	ReadUint32(addr uint64) (uint32, bool)
	ReadUint64(addr uint64) (uint64, bool)
}

// readWord reads one machine word of arch.
func readWord(mem Memory, arch quicken.Arch, addr uint64) (uint64, bool) {
	if arch.Is64() {
		return mem.ReadUint64(addr)
	}
	v, ok := mem.ReadUint32(addr & 0xffffffff)
	return uint64(v), ok
}
