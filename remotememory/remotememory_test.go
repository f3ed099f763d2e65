// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package remotememory

import (
	"errors"
	"os"
	"runtime"
	"syscall"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessVirtualMemory(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skipf("unsupported os %s", runtime.GOOS)
	}
	rm := NewProcessVirtualMemory(os.Getpid())
	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	dataPtr := uint64(uintptr(unsafe.Pointer(&data[0])))

	foo := make([]byte, len(data))
	err := rm.Read(dataPtr, foo)
	if errors.Is(err, syscall.ENOSYS) || errors.Is(err, syscall.EPERM) {
		t.Skipf("skipping due to error: %v", err)
	}
	require.NoError(t, err)
	assert.Equal(t, data, foo)

	v32, ok := rm.ReadUint32(dataPtr)
	require.True(t, ok)
	assert.Equal(t, uint32(0x04030201), v32)
	v64, ok := rm.ReadUint64(dataPtr)
	require.True(t, ok)
	assert.Equal(t, uint64(0x0807060504030201), v64)
	runtime.KeepAlive(data)
}

func TestStackMemory(t *testing.T) {
	rm := NewStackMemory(0x1000, []byte{
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0x11, 0x12, 0x13, 0x14,
	})

	tests := map[string]struct {
		addr  uint64
		want  uint64
		read8 bool
		ok    bool
	}{
		"word":             {addr: 0x1000, want: 0x04030201, ok: true},
		"double word":      {addr: 0x1000, want: 0x0807060504030201, read8: true, ok: true},
		"last word":        {addr: 0x1008, want: 0x14131211, ok: true},
		"past end":         {addr: 0x100c},
		"straddles end":    {addr: 0x1008, read8: true},
		"below stack base": {addr: 0xffc},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			var got uint64
			var ok bool
			if tc.read8 {
				got, ok = rm.ReadUint64(tc.addr)
			} else {
				var v uint32
				v, ok = rm.ReadUint32(tc.addr)
				got = uint64(v)
			}
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

func TestBias(t *testing.T) {
	rm := RemoteMemory{
		ReaderAt: NewStackMemory(0x1000, []byte{0xaa, 0xbb, 0xcc, 0xdd}),
		Bias:     0x7000,
	}
	v, ok := rm.ReadUint32(0x8000)
	require.True(t, ok)
	assert.Equal(t, uint32(0xddccbbaa), v)
	_, ok = rm.ReadUint32(0x8001)
	assert.False(t, ok)

	buf := make([]byte, 2)
	require.ErrorIs(t, rm.Read(0x9000, buf), ErrOutOfSnapshot)
	require.NoError(t, rm.Read(0x8002, buf))
	assert.Equal(t, []byte{0xcc, 0xdd}, buf)
}
