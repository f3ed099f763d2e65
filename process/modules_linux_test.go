//go:build linux

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"context"
	"os"
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickenunwind/quicken/generator"
	"github.com/quickenunwind/quicken/quicken"
)

func TestResolverUnwinder(t *testing.T) {
	manager, err := generator.NewManager(generator.ManagerConfig{})
	require.NoError(t, err)
	r, err := NewResolver(ResolverConfig{Manager: manager})
	require.NoError(t, err)

	u, err := r.Unwinder(context.Background(), os.Getpid(), quicken.ArchARM64)
	require.NoError(t, err)
	assert.Equal(t, quicken.ArchARM64, u.Arch)
	assert.NotEmpty(t, u.Modules)

	word := new(uint64)
	*word = 0x1122334455667788
	got, ok := u.Stack.ReadUint64(uint64(uintptr(unsafe.Pointer(word))))
	runtime.KeepAlive(word)
	require.True(t, ok)
	assert.Equal(t, uint64(0x1122334455667788), got)
}
