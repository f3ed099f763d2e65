// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package readatbuf caches the pages of an io.ReaderAt. The unwind section
// decoders issue many small reads, which the cache turns into page sized
// reads of the backing binary.
package readatbuf // import "github.com/quickenunwind/quicken/internal/readatbuf"

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	lru "github.com/elastic/go-freelru"

	"github.com/quickenunwind/quicken/internal/hash"
)

// Statistics counts page cache lookups.
type Statistics struct {
	Hits, Misses uint64
}

// Reader serves reads from a cache of fixed size pages. It is safe for
// concurrent use.
type Reader struct {
	inner    io.ReaderAt
	pageSize int64
	pages    *lru.SyncedLRU[uint64, []byte]

	hits, misses atomic.Uint64
}

// New wraps inner with a cache of up to pages pages of pageSize bytes.
func New(inner io.ReaderAt, pageSize, pages int) (*Reader, error) {
	if pageSize <= 0 || pages <= 0 {
		return nil, fmt.Errorf("invalid page cache geometry %d x %d", pages, pageSize)
	}
	cache, err := lru.NewSynced[uint64, []byte](uint32(pages), hash.Uint64Key)
	if err != nil {
		return nil, err
	}
	return &Reader{inner: inner, pageSize: int64(pageSize), pages: cache}, nil
}

// Statistics returns the lookup counters.
func (r *Reader) Statistics() Statistics {
	return Statistics{Hits: r.hits.Load(), Misses: r.misses.Load()}
}

// ReadAt implements io.ReaderAt. Reads larger than two pages go to the
// inner reader directly.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if int64(len(p)) > 2*r.pageSize {
		return r.inner.ReadAt(p, off)
	}

	n := 0
	for n < len(p) {
		pos := off + int64(n)
		page, err := r.page(uint64(pos / r.pageSize))
		if err != nil {
			return n, err
		}
		skip := pos % r.pageSize
		if skip >= int64(len(page)) {
			return n, io.EOF
		}
		n += copy(p[n:], page[skip:])
		// A short page is the last one.
		if int64(len(page)) < r.pageSize && n < len(p) {
			return n, io.EOF
		}
	}
	return n, nil
}

// page returns page idx, reading it on a miss. The last page of the data
// may be short.
func (r *Reader) page(idx uint64) ([]byte, error) {
	if data, ok := r.pages.Get(idx); ok {
		r.hits.Add(1)
		return data, nil
	}
	r.misses.Add(1)

	data := make([]byte, r.pageSize)
	n, err := r.inner.ReadAt(data, int64(idx)*r.pageSize)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		data = data[:n]
	default:
		return nil, err
	}
	r.pages.Add(idx, data)
	return data, nil
}
