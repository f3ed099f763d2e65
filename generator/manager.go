// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package generator // import "github.com/quickenunwind/quicken/generator"

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"sync/atomic"

	lru "github.com/elastic/go-freelru"
	"github.com/google/uuid"

	"github.com/quickenunwind/quicken/internal/hash"
	"github.com/quickenunwind/quicken/internal/log"
	"github.com/quickenunwind/quicken/internal/xsync"
	"github.com/quickenunwind/quicken/quicken/table"
	"github.com/quickenunwind/quicken/unwind"
)

var (
	// ErrTableUnavailable is returned while no table exists for a binary.
	ErrTableUnavailable = errors.New("quicken table unavailable")
	// ErrNoBuildID is returned for binaries without build id or hash.
	ErrNoBuildID = errors.New("binary has no build id")
)

const (
	// DefaultMaxAttempts bounds the failed delegate calls per binary.
	DefaultMaxAttempts = 3
	// DefaultCacheSize is the number of binaries whose tables are kept.
	DefaultCacheSize = 1024
)

// Binary identifies one binary file.
type Binary struct {
	// Soname is the file name tables are stored under.
	Soname string
	Path   string
	// BuildID is the hex GNU build id.
	BuildID string
	// Hash is the content hash of the file, used when BuildID is empty.
	Hash string
	// StartOffset is the offset of the ELF image inside Path, non-zero for
	// libraries loaded directly from an APK.
	StartOffset uint64
}

// ID returns the key tables of b are registered under.
func (b Binary) ID() string {
	if b.BuildID != "" {
		return b.BuildID
	}
	return b.Hash
}

func (b Binary) String() string {
	return fmt.Sprintf("%s (%s)", b.Soname, b.ID())
}

// Status describes why no table is available for a binary.
type Status int

const (
	// StatusNotWarmedUp is reported before the process finished warming up.
	StatusNotWarmedUp Status = iota
	// StatusRequestGenerate asks the delegate for a new generation.
	StatusRequestGenerate
	// StatusLoadRequesting is reported while a requested generation is
	// still pending.
	StatusLoadRequesting
)

func (s Status) String() string {
	switch s {
	case StatusNotWarmedUp:
		return "not warmed up"
	case StatusRequestGenerate:
		return "request generate"
	case StatusLoadRequesting:
		return "load requesting"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Request is handed to the Delegate for one binary.
type Request struct {
	ID     uuid.UUID
	Binary Binary
	Status Status
}

// Delegate generates tables outside the unwinding process, typically by
// scheduling a background job that ends in Manager.GenerateNow or in a new
// file of the TableStore.
type Delegate interface {
	RequestGeneration(ctx context.Context, req Request) error
}

// TableStore persists tables. Load reports a miss with fs.ErrNotExist.
type TableStore interface {
	Load(soname, buildID string) (*table.Table, error)
	Save(bin Binary, t *table.Table) error
}

// SourceFunc returns the unwind sources of a binary for GenerateNow and a
// function releasing them.
type SourceFunc func(bin Binary) (src *Sources, release func(), err error)

// ManagerStats holds the counters of a Manager.
type ManagerStats struct {
	Hits, StoreLoads, Requests, RequestFailures, Generations, GenerateFailures uint64
}

// binaryState tracks the generation of one binary.
type binaryState struct {
	// generate is held while a generation of the binary runs.
	generate sync.Mutex

	// mu guards the fields below.
	mu         sync.Mutex
	failures   int
	requesting bool
}

// reset clears the request state after a table was registered.
func (st *binaryState) reset() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.requesting = false
	st.failures = 0
}

// Manager is the registry of per binary tables. Lookups go to the in
// memory cache, then to the store, and finally hand the binary to the
// delegate.
type Manager struct {
	generator   *Generator
	store       TableStore
	delegate    Delegate
	maxAttempts int

	tables   *lru.SyncedLRU[string, *table.Table]
	states   xsync.Map[string, *binaryState]
	warmedUp atomic.Bool

	hits, storeLoads, requests, requestFailures atomic.Uint64
	generations, generateFailures               atomic.Uint64
}

// ManagerConfig configures a Manager. Store and Delegate are optional.
type ManagerConfig struct {
	Generator   *Generator
	Store       TableStore
	Delegate    Delegate
	MaxAttempts int
	CacheSize   uint32
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Generator == nil {
		cfg.Generator = New(DefaultMemoryLimit)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	tables, err := lru.NewSynced[string, *table.Table](cfg.CacheSize, hash.StringKey)
	if err != nil {
		return nil, err
	}
	return &Manager{
		generator:   cfg.Generator,
		store:       cfg.Store,
		delegate:    cfg.Delegate,
		maxAttempts: cfg.MaxAttempts,
		tables:      tables,
	}, nil
}

// SetWarmedUp marks the process as warmed up. Before that generation
// requests carry StatusNotWarmedUp.
func (m *Manager) SetWarmedUp(warmedUp bool) {
	m.warmedUp.Store(warmedUp)
}

func (m *Manager) state(id string) *binaryState {
	return m.states.LoadOrCreate(id, func() *binaryState {
		return &binaryState{}
	})
}

// Cached returns the table of the binary if it is loaded.
func (m *Manager) Cached(id string) (*table.Table, bool) {
	t, ok := m.tables.Get(id)
	if ok {
		m.hits.Add(1)
	}
	return t, ok
}

// Insert registers t as the table of bin.
func (m *Manager) Insert(bin Binary, t *table.Table) {
	id := bin.ID()
	m.tables.Add(id, t)

	if st, ok := m.states.Load(id); ok {
		st.reset()
	}
}

// Get returns the table of bin. When neither the cache nor the store has
// it, the delegate is asked to generate it and ErrTableUnavailable is
// returned. After the delegate failed MaxAttempts times for a binary it is
// not asked again until it succeeds through another path or Reset.
func (m *Manager) Get(ctx context.Context, bin Binary) (*table.Table, error) {
	id := bin.ID()
	if id == "" {
		return nil, ErrNoBuildID
	}
	if t, ok := m.Cached(id); ok {
		return t, nil
	}

	if m.store != nil {
		t, err := m.store.Load(bin.Soname, id)
		switch {
		case err == nil:
			m.storeLoads.Add(1)
			m.Insert(bin, t)
			return t, nil
		case !errors.Is(err, fs.ErrNotExist):
			log.Warnf("Failed to load table of %v: %v", bin, err)
		}
	}

	status := m.request(ctx, bin)
	return nil, fmt.Errorf("%w: %v: %v", ErrTableUnavailable, bin, status)
}

// request hands bin to the delegate unless it failed too often.
func (m *Manager) request(ctx context.Context, bin Binary) Status {
	st := m.state(bin.ID())

	st.mu.Lock()
	status := StatusRequestGenerate
	switch {
	case st.requesting:
		status = StatusLoadRequesting
	case !m.warmedUp.Load():
		status = StatusNotWarmedUp
	}
	call := m.delegate != nil && st.failures < m.maxAttempts
	st.mu.Unlock()
	if !call {
		return status
	}

	req := Request{ID: uuid.New(), Binary: bin, Status: status}
	m.requests.Add(1)
	err := m.delegate.RequestGeneration(ctx, req)

	st.mu.Lock()
	defer st.mu.Unlock()
	if err != nil {
		m.requestFailures.Add(1)
		st.failures++
		log.Debugf("Generation request %v for %v failed (%d/%d): %v",
			req.ID, bin, st.failures, m.maxAttempts, err)
		return status
	}
	st.failures = 0
	st.requesting = true
	return StatusLoadRequesting
}

// Status reports the state of a binary without a loaded table.
func (m *Manager) Status(bin Binary) (status Status, failures int) {
	var requesting bool
	if st, ok := m.states.Load(bin.ID()); ok {
		st.mu.Lock()
		requesting, failures = st.requesting, st.failures
		st.mu.Unlock()
	}
	switch {
	case requesting:
		return StatusLoadRequesting, failures
	case !m.warmedUp.Load():
		return StatusNotWarmedUp, failures
	default:
		return StatusRequestGenerate, failures
	}
}

// GenerateNow generates the table of bin synchronously, saves it to the
// store and registers it. Concurrent calls for one binary run once.
func (m *Manager) GenerateNow(ctx context.Context, bin Binary, sources SourceFunc) (
	*table.Table, Stats, error) {
	id := bin.ID()
	if id == "" {
		return nil, Stats{}, ErrNoBuildID
	}
	st := m.state(id)
	st.generate.Lock()
	defer st.generate.Unlock()

	if t, ok := m.Cached(id); ok {
		return t, Stats{}, nil
	}

	src, release, err := sources(bin)
	if err != nil {
		m.generateFailures.Add(1)
		return nil, Stats{}, fmt.Errorf("sources of %v: %w", bin, err)
	}
	if release != nil {
		defer release()
	}
	t, stats, err := m.generator.Generate(ctx, src)
	if err != nil {
		m.generateFailures.Add(1)
		return nil, stats, fmt.Errorf("generating %v: %w", bin, err)
	}
	m.generations.Add(1)

	if m.store != nil {
		if err := m.store.Save(bin, t); err != nil {
			log.Warnf("Failed to save table of %v: %v", bin, err)
		}
	}
	m.Insert(bin, t)
	return t, stats, nil
}

// Reset drops all loaded tables and generation state.
func (m *Manager) Reset() {
	m.tables.Purge()
	m.states.Clear()
}

// Len returns the number of loaded tables.
func (m *Manager) Len() int {
	return m.tables.Len()
}

// GetAndResetStatistics returns the manager counters and zeroes them.
func (m *Manager) GetAndResetStatistics() ManagerStats {
	return ManagerStats{
		Hits:             m.hits.Swap(0),
		StoreLoads:       m.storeLoads.Swap(0),
		Requests:         m.requests.Swap(0),
		RequestFailures:  m.requestFailures.Swap(0),
		Generations:      m.generations.Swap(0),
		GenerateFailures: m.generateFailures.Swap(0),
	}
}

// Tables returns the table provider of bin for the unwinder. It serves the
// loaded table of the binary and falls back to ranges, which may be nil.
func (m *Manager) Tables(bin Binary, ranges *RangeCache) unwind.TableProvider {
	return &binaryTables{manager: m, id: bin.ID(), ranges: ranges}
}

type binaryTables struct {
	manager *Manager
	id      string
	ranges  *RangeCache
}

func (b *binaryTables) TableFor(pc uint64) (*table.Table, bool) {
	if t, ok := b.manager.Cached(b.id); ok {
		return t, true
	}
	if b.ranges != nil {
		return b.ranges.Lookup(pc)
	}
	return nil, false
}
