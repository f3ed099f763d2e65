// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package process // import "github.com/quickenunwind/quicken/process"

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	lru "github.com/elastic/go-freelru"

	"github.com/quickenunwind/quicken/generator"
	"github.com/quickenunwind/quicken/internal/hash"
	"github.com/quickenunwind/quicken/internal/log"
	"github.com/quickenunwind/quicken/quicken"
	"github.com/quickenunwind/quicken/remotememory"
	"github.com/quickenunwind/quicken/unwind"
)

// JITModuleName names modules of anonymous executable memory.
const JITModuleName = "[jit]"

// defaultBinaryCacheSize is the number of binaries whose identity is kept.
const defaultBinaryCacheSize = 256

// fileKey identifies a mapped file on disk.
type fileKey struct {
	device, inode uint64
	path          string
}

func (k fileKey) hash32() uint32 {
	return uint32(hash.Uint64(k.device<<32^k.inode) ^ uint64(hash.StringKey(k.path)))
}

// binaryInfo is what a Resolver remembers about a mapped file.
type binaryInfo struct {
	bin      generator.Binary
	loadBias uint64
	err      error
}

// Resolver builds unwinder modules from mappings. Binaries are identified
// once per file and their tables are served by the Manager; anonymous
// executable memory is served by the JIT provider.
type Resolver struct {
	manager *generator.Manager
	jit     unwind.TableProvider
	root    string

	mu       sync.Mutex
	binaries *lru.LRU[fileKey, binaryInfo]
}

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	Manager *generator.Manager
	// JIT serves anonymous executable mappings, typically a
	// generator.RangeCache. Such mappings get no tables when it is nil.
	JIT unwind.TableProvider
	// Root is prepended to mapping paths, e.g. /proc/PID/root.
	Root      string
	CacheSize uint32
}

// NewResolver creates a Resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Manager == nil {
		return nil, errors.New("no table manager given")
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = defaultBinaryCacheSize
	}
	binaries, err := lru.New[fileKey, binaryInfo](cfg.CacheSize, fileKey.hash32)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		manager:  cfg.Manager,
		jit:      cfg.JIT,
		root:     cfg.Root,
		binaries: binaries,
	}, nil
}

// binary identifies the file behind m.
func (r *Resolver) binary(m *Mapping) binaryInfo {
	key := fileKey{device: m.Device, inode: m.Inode, path: m.Path}
	r.mu.Lock()
	info, ok := r.binaries.Get(key)
	r.mu.Unlock()
	if ok {
		return info
	}

	ef, err := generator.OpenELF(filepath.Join(r.root, m.Path))
	if err != nil {
		info.err = err
	} else {
		info.bin = ef.Binary
		info.loadBias = ef.LoadBias
		ef.Close()
	}

	r.mu.Lock()
	r.binaries.Add(key, info)
	r.mu.Unlock()
	return info
}

// Modules converts the executable mappings into sorted modules. Tables of
// file backed modules are requested from the Manager; a module whose table
// is not yet available fails to step until the table arrives.
func (r *Resolver) Modules(ctx context.Context, mappings []Mapping) unwind.Modules {
	modules := make(unwind.Modules, 0, len(mappings))
	requested := make(map[string]bool)
	for i := range mappings {
		m := &mappings[i]
		if !m.IsExecutable() || m.Length == 0 {
			continue
		}

		switch {
		case m.IsVDSO():
			continue
		case m.IsAnonymous():
			if r.jit == nil {
				continue
			}
			// The offset makes module relative pcs absolute.
			modules = append(modules, &unwind.Module{
				Name:   JITModuleName,
				Start:  m.Vaddr,
				End:    m.End(),
				Offset: m.Vaddr,
				Tables: r.jit,
			})
			continue
		}

		mod := &unwind.Module{
			Name:   filepath.Base(m.Path),
			Start:  m.Vaddr,
			End:    m.End(),
			Offset: m.FileOffset,
		}
		modules = append(modules, mod)

		info := r.binary(m)
		if info.err != nil {
			log.Debugf("No unwind tables for %s: %v", m.Path, info.err)
			continue
		}
		mod.Name = info.bin.Soname
		mod.LoadBias = info.loadBias
		mod.Tables = r.manager.Tables(info.bin, nil)

		id := info.bin.ID()
		if id == "" || requested[id] {
			continue
		}
		requested[id] = true
		if _, err := r.manager.Get(ctx, info.bin); err != nil &&
			!errors.Is(err, generator.ErrTableUnavailable) {
			log.Debugf("Failed to get table of %v: %v", info.bin, err)
		}
	}
	modules.Sort()
	return modules
}

// Process reads the mappings of pid and returns its modules.
func (r *Resolver) Process(ctx context.Context, pid int) (unwind.Modules, error) {
	mappings, numParseErrors, err := ReadMappings(pid)
	if err != nil {
		return nil, fmt.Errorf("mappings of %d: %w", pid, err)
	}
	if numParseErrors > 0 {
		log.Debugf("%d unparsable mappings in %d", numParseErrors, pid)
	}
	return r.Modules(ctx, mappings), nil
}

// Unwinder returns an unwinder for the threads of pid reading their stack
// and code with process_vm_readv.
func (r *Resolver) Unwinder(ctx context.Context, pid int, arch quicken.Arch) (
	*unwind.Unwinder, error) {
	modules, err := r.Process(ctx, pid)
	if err != nil {
		return nil, err
	}
	mem := remotememory.NewProcessVirtualMemory(pid)
	return &unwind.Unwinder{
		Arch:    arch,
		Modules: modules,
		Stack:   mem,
		Code:    mem,
	}, nil
}
