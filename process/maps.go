// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package process reads the memory mappings of a process and turns its
// executable mappings into modules for the unwinder.
package process // import "github.com/quickenunwind/quicken/process"

import (
	"bufio"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/quickenunwind/quicken/internal/log"
)

// ErrNoMappings is returned when no mappings can be extracted.
var ErrNoMappings = errors.New("no mappings")

// VdsoPathName is the path of the vDSO mapping.
const VdsoPathName = "[vdso]"

// Mapping is one line of /proc/PID/maps.
type Mapping struct {
	Vaddr  uint64
	Length uint64
	Flags  elf.ProgFlag
	// FileOffset is the offset of the mapping in the backing file.
	FileOffset uint64
	Device     uint64
	Inode      uint64
	// Path is empty for anonymous mappings. Named anonymous mappings keep
	// their "[anon:...]" name.
	Path string
}

// End returns the first address after the mapping.
func (m *Mapping) End() uint64 {
	return m.Vaddr + m.Length
}

func (m *Mapping) IsExecutable() bool {
	return m.Flags&elf.PF_X == elf.PF_X
}

// IsAnonymous reports mappings without a backing file, which includes JIT
// code caches.
func (m *Mapping) IsAnonymous() bool {
	return m.Path == "" || strings.HasPrefix(m.Path, "[anon:") || m.IsMemFD()
}

func (m *Mapping) IsMemFD() bool {
	return strings.HasPrefix(m.Path, "/memfd:")
}

func (m *Mapping) IsVDSO() bool {
	return m.Path == VdsoPathName
}

// ReadMappings parses /proc/pid/maps.
func ReadMappings(pid int) ([]Mapping, uint32, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	mappings, numParseErrors, err := ParseMappings(f)
	if err == nil && len(mappings) == 0 {
		err = ErrNoMappings
	}
	return mappings, numParseErrors, err
}

// ParseMappings parses the maps format. Lines that fail to parse are
// counted and skipped. Mappings that are neither readable nor executable
// and special files other than the vDSO and named anonymous memory are
// dropped.
func ParseMappings(r io.Reader) ([]Mapping, uint32, error) {
	numParseErrors := uint32(0)
	mappings := make([]Mapping, 0, 32)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 256), 8192)
	for scanner.Scan() {
		m, ok, err := parseLine(scanner.Text())
		if err != nil {
			log.Debugf("Bad mapping: %v", err)
			numParseErrors++
			continue
		}
		if ok {
			mappings = append(mappings, m)
		}
	}
	return mappings, numParseErrors, scanner.Err()
}

// parseLine parses
//
//	address           perms offset  dev   inode   pathname
//	00400000-00452000 r-xp 00000000 08:02 173521  /usr/bin/dbus-daemon
func parseLine(line string) (Mapping, bool, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Mapping{}, false, fmt.Errorf("%d fields in %q", len(fields), line)
	}
	start, end, ok := strings.Cut(fields[0], "-")
	if !ok {
		return Mapping{}, false, fmt.Errorf("bad address range %q", fields[0])
	}
	perms := fields[1]
	if len(perms) < 3 {
		return Mapping{}, false, fmt.Errorf("bad permissions %q", perms)
	}

	var m Mapping
	if perms[0] == 'r' {
		m.Flags |= elf.PF_R
	}
	if perms[1] == 'w' {
		m.Flags |= elf.PF_W
	}
	if perms[2] == 'x' {
		m.Flags |= elf.PF_X
	}
	if m.Flags&(elf.PF_R|elf.PF_X) == 0 {
		return Mapping{}, false, nil
	}

	var err error
	if m.Inode, err = strconv.ParseUint(fields[4], 10, 64); err != nil {
		return Mapping{}, false, fmt.Errorf("inode: %w", err)
	}
	major, minor, ok := strings.Cut(fields[3], ":")
	if !ok {
		return Mapping{}, false, fmt.Errorf("bad device %q", fields[3])
	}
	maj, err := strconv.ParseUint(major, 16, 64)
	if err != nil {
		return Mapping{}, false, fmt.Errorf("major device: %w", err)
	}
	mnr, err := strconv.ParseUint(minor, 16, 64)
	if err != nil {
		return Mapping{}, false, fmt.Errorf("minor device: %w", err)
	}
	m.Device = maj<<8 + mnr

	if len(fields) > 5 {
		// Paths may contain spaces.
		m.Path = strings.TrimSuffix(strings.Join(fields[5:], " "), " (deleted)")
	}
	if m.Inode == 0 && m.Path != "" && !m.IsVDSO() && !m.IsAnonymous() {
		return Mapping{}, false, nil
	}

	if m.Vaddr, err = strconv.ParseUint(start, 16, 64); err != nil {
		return Mapping{}, false, fmt.Errorf("vaddr: %w", err)
	}
	vend, err := strconv.ParseUint(end, 16, 64)
	if err != nil {
		return Mapping{}, false, fmt.Errorf("vend: %w", err)
	}
	if vend < m.Vaddr {
		return Mapping{}, false, fmt.Errorf("range %q ends before it starts", fields[0])
	}
	m.Length = vend - m.Vaddr
	if m.FileOffset, err = strconv.ParseUint(fields[2], 16, 64); err != nil {
		return Mapping{}, false, fmt.Errorf("fileOffset: %w", err)
	}
	return m, true, nil
}
