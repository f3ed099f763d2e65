// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package hash provides the hash functions used for cache keys.
package hash // import "github.com/quickenunwind/quicken/internal/hash"

import "github.com/zeebo/xxh3"

// Uint64 computes a hash of a 64-bit uint using the finalizer function for Murmur3
// Via https://lemire.me/blog/2018/08/15/fast-strongly-universal-64-bit-hashing-everywhere/
func Uint64(x uint64) uint64 {
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}

// Uint64Key is the go-freelru hash callback for uint64 keys.
func Uint64Key(x uint64) uint32 {
	return uint32(Uint64(x))
}

// StringKey is the go-freelru hash callback for string keys.
func StringKey(s string) uint32 {
	return uint32(xxh3.HashString(s))
}

// Bytes returns the 64-bit xxh3 digest of b.
func Bytes(b []byte) uint64 {
	return xxh3.Hash(b)
}
