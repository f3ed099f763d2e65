// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package readatbuf

import (
	"bytes"
	"io"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sequence(size int) []byte {
	out := make([]byte, size)
	for i := range out {
		out[i] = byte(i % 251)
	}
	return out
}

// checkReads compares random reads of rd against ref.
func checkReads(t *testing.T, rd io.ReaderAt, ref []byte, seed uint64) {
	rnd := rand.New(rand.NewPCG(seed, 0)) //nolint:gosec
	for range 500 {
		start := rnd.IntN(len(ref) + 8)
		buf := make([]byte, rnd.IntN(64))
		n, err := rd.ReadAt(buf, int64(start))

		want := max(0, min(len(ref)-start, len(buf)))
		ok := assert.Equal(t, want, n)
		if want < len(buf) {
			ok = assert.ErrorIs(t, err, io.EOF) && ok
		} else {
			ok = assert.NoError(t, err) && ok
		}
		ok = assert.Equal(t, ref[min(start, len(ref)):][:want], buf[:n]) && ok
		if !ok {
			return
		}
	}
}

func TestReadAt(t *testing.T) {
	tests := map[string]struct {
		size, pageSize, pages int
	}{
		"single page cache": {size: 1024, pageSize: 64, pages: 1},
		"odd page size":     {size: 1346, pageSize: 11, pages: 55},
		"page aligned size": {size: 640, pageSize: 64, pages: 4},
		"smaller than page": {size: 30, pageSize: 64, pages: 2},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			ref := sequence(tc.size)
			rd, err := New(bytes.NewReader(ref), tc.pageSize, tc.pages)
			require.NoError(t, err)
			checkReads(t, rd, ref, 1)

			stats := rd.Statistics()
			assert.NotZero(t, stats.Misses)
			assert.NotZero(t, stats.Hits)
		})
	}
}

func TestConcurrentReads(t *testing.T) {
	ref := sequence(4096)
	rd, err := New(bytes.NewReader(ref), 32, 8)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Go(func() { checkReads(t, rd, ref, uint64(i)) })
	}
	wg.Wait()
}

func TestLargeReadBypassesCache(t *testing.T) {
	ref := sequence(1024)
	rd, err := New(bytes.NewReader(ref), 16, 4)
	require.NoError(t, err)

	buf := make([]byte, 100)
	n, err := rd.ReadAt(buf, 10)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, ref[10:110], buf)
	assert.Equal(t, Statistics{}, rd.Statistics())
}

func TestInvalidArguments(t *testing.T) {
	_, err := New(bytes.NewReader(nil), 0, 1)
	require.Error(t, err)
	_, err = New(bytes.NewReader(nil), 1, 0)
	require.Error(t, err)

	rd, err := New(bytes.NewReader(sequence(10)), 4, 1)
	require.NoError(t, err)
	_, err = rd.ReadAt(make([]byte, 1), -1)
	require.Error(t, err)
}
