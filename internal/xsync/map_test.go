// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package xsync_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quickenunwind/quicken/internal/xsync"
)

func TestMapLoadOrCreate(t *testing.T) {
	var m xsync.Map[string, *atomic.Int64]
	var created atomic.Int32

	var wg sync.WaitGroup
	for range 16 {
		wg.Go(func() {
			for range 100 {
				m.LoadOrCreate("libc.so", func() *atomic.Int64 {
					created.Add(1)
					return new(atomic.Int64)
				}).Add(1)
			}
		})
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	v, ok := m.Load("libc.so")
	assert.True(t, ok)
	assert.Equal(t, int64(1600), v.Load())
	assert.Equal(t, 1, m.Len())
}

func TestMapClear(t *testing.T) {
	var m xsync.Map[int, string]
	_, ok := m.Load(1)
	assert.False(t, ok)
	m.Clear()

	m.LoadOrCreate(1, func() string { return "one" })
	m.LoadOrCreate(2, func() string { return "two" })
	assert.Equal(t, "one", m.LoadOrCreate(1, func() string { return "uno" }))
	assert.Equal(t, 2, m.Len())

	m.Clear()
	assert.Zero(t, m.Len())
	_, ok = m.Load(2)
	assert.False(t, ok)
}
