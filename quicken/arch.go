// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package quicken contains the architecture model, the canonical register
// recovery rules and the Quicken instruction set shared by the decoders,
// the table packer and the interpreter.
package quicken // import "github.com/quickenunwind/quicken/quicken"

import (
	"debug/elf"
	"fmt"
)

// Arch identifies the address width of a table. Tables are never mixed
// across widths.
type Arch uint8

const (
	ArchARM Arch = iota + 1
	ArchARM64
)

// ArchFromMachine maps an ELF machine to the matching Arch.
func ArchFromMachine(m elf.Machine) (Arch, error) {
	switch m {
	case elf.EM_ARM:
		return ArchARM, nil
	case elf.EM_AARCH64:
		return ArchARM64, nil
	default:
		return 0, fmt.Errorf("unsupported machine %v", m)
	}
}

// WordSize returns the machine word size in bytes.
func (a Arch) WordSize() int {
	if a == ArchARM64 {
		return 8
	}
	return 4
}

// CompactLanes returns how many instruction bytes fit into a compact index
// payload. The most significant byte is reserved for the compact marker.
func (a Arch) CompactLanes() int {
	return a.WordSize() - 1
}

// WordMask returns the mask of valid bits in one machine word.
func (a Arch) WordMask() uint64 {
	if a == ArchARM64 {
		return ^uint64(0)
	}
	return 0xffffffff
}

// Is64 reports if the architecture uses 64-bit addresses.
func (a Arch) Is64() bool {
	return a == ArchARM64
}

func (a Arch) String() string {
	switch a {
	case ArchARM:
		return "arm"
	case ArchARM64:
		return "arm64"
	default:
		return fmt.Sprintf("arch(%d)", uint8(a))
	}
}

// ParseArch is the inverse of Arch.String.
func ParseArch(s string) (Arch, error) {
	switch s {
	case "arm", "arm32":
		return ArchARM, nil
	case "arm64", "aarch64":
		return ArchARM64, nil
	default:
		return 0, fmt.Errorf("unknown architecture %q", s)
	}
}
