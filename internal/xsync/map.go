// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package xsync provides synchronized containers.
package xsync // import "github.com/quickenunwind/quicken/internal/xsync"

import "sync"

// Map is a map guarded by a read-write mutex. The zero value is an empty
// map ready for use.
type Map[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

// Load returns the value stored under key.
func (m *Map[K, V]) Load(key K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.m[key]
	return v, ok
}

// LoadOrCreate returns the value stored under key, storing the result of
// create first if there is none. create runs with the write lock held.
func (m *Map[K, V]) LoadOrCreate(key K, create func() V) V {
	if v, ok := m.Load(key); ok {
		return v
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.m[key]; ok {
		return v
	}
	if m.m == nil {
		m.m = map[K]V{}
	}
	v := create()
	m.m[key] = v
	return v
}

// Len returns the number of stored values.
func (m *Map[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.m)
}

// Clear removes all values.
func (m *Map[K, V]) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.m)
}
