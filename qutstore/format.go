// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package qutstore persists Quicken tables. A table file starts with a
// fixed header followed by the index and instruction words, optionally
// zstd compressed. Files live in a local directory named after the soname
// and build id of the binary and can be mirrored to an S3 bucket.
package qutstore // import "github.com/quickenunwind/quicken/qutstore"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/quickenunwind/quicken/internal/hash"
	"github.com/quickenunwind/quicken/quicken"
	"github.com/quickenunwind/quicken/quicken/table"
)

const (
	// Version is the current table file version.
	Version = 1

	headerSize = 40
	// maxWords bounds the number of words accepted from one file.
	maxWords = 1 << 28

	flagCompressed = 1 << 0
)

var magic = [4]byte{'Q', 'U', 'T', 'B'}

// ErrMalformed is returned for files that are not valid table files of the
// expected version and architecture.
var ErrMalformed = errors.New("malformed table file")

// header is the decoded file header. All fields are little endian.
//
//	0  magic
//	4  version (u16), arch (u8), flags (u8)
//	8  index words (u64)
//	16 row words (u64)
//	24 xxh3 of the uncompressed payload (u64)
//	32 stored payload size (u64)
type header struct {
	version    uint16
	arch       quicken.Arch
	flags      uint8
	indexWords uint64
	rowWords   uint64
	checksum   uint64
	storedSize uint64
}

func (h *header) marshal() []byte {
	b := make([]byte, headerSize)
	copy(b, magic[:])
	binary.LittleEndian.PutUint16(b[4:], h.version)
	b[6] = uint8(h.arch)
	b[7] = h.flags
	binary.LittleEndian.PutUint64(b[8:], h.indexWords)
	binary.LittleEndian.PutUint64(b[16:], h.rowWords)
	binary.LittleEndian.PutUint64(b[24:], h.checksum)
	binary.LittleEndian.PutUint64(b[32:], h.storedSize)
	return b
}

func parseHeader(b []byte) (header, error) {
	if len(b) < headerSize {
		return header{}, fmt.Errorf("%w: %d bytes is too short", ErrMalformed, len(b))
	}
	if [4]byte(b[:4]) != magic {
		return header{}, fmt.Errorf("%w: bad magic %x", ErrMalformed, b[:4])
	}
	h := header{
		version:    binary.LittleEndian.Uint16(b[4:]),
		arch:       quicken.Arch(b[6]),
		flags:      b[7],
		indexWords: binary.LittleEndian.Uint64(b[8:]),
		rowWords:   binary.LittleEndian.Uint64(b[16:]),
		checksum:   binary.LittleEndian.Uint64(b[24:]),
		storedSize: binary.LittleEndian.Uint64(b[32:]),
	}
	if h.version != Version {
		return header{}, fmt.Errorf("%w: version %d, want %d", ErrMalformed, h.version, Version)
	}
	if h.indexWords%2 != 0 || h.indexWords > maxWords || h.rowWords > maxWords {
		return header{}, fmt.Errorf("%w: bad table size %d/%d",
			ErrMalformed, h.indexWords, h.rowWords)
	}
	return h, nil
}

var (
	encoder = sync.OnceValues(func() (*zstd.Encoder, error) {
		return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	decoder = sync.OnceValues(func() (*zstd.Decoder, error) {
		return zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxWords*8*2))
	})
)

// Options controls how tables are written.
type Options struct {
	// Compress stores the payload zstd compressed.
	Compress bool
}

// Marshal serializes t. Words are stored with the word size of the table
// architecture.
func Marshal(t *table.Table, opts Options) ([]byte, error) {
	ws := t.Arch.WordSize()
	payload := make([]byte, 0, (len(t.Index)+len(t.Rows))*ws)
	for _, words := range [][]uint64{t.Index, t.Rows} {
		for _, w := range words {
			if ws == 4 {
				payload = binary.LittleEndian.AppendUint32(payload, uint32(w))
			} else {
				payload = binary.LittleEndian.AppendUint64(payload, w)
			}
		}
	}

	h := header{
		version:    Version,
		arch:       t.Arch,
		indexWords: uint64(len(t.Index)),
		rowWords:   uint64(len(t.Rows)),
		checksum:   hash.Bytes(payload),
	}
	if opts.Compress {
		enc, err := encoder()
		if err != nil {
			return nil, fmt.Errorf("failed to create encoder: %w", err)
		}
		payload = enc.EncodeAll(payload, nil)
		h.flags |= flagCompressed
	}
	h.storedSize = uint64(len(payload))
	return append(h.marshal(), payload...), nil
}

// Write serializes t into w.
func Write(w io.Writer, t *table.Table, opts Options) error {
	data, err := Marshal(t, opts)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Unmarshal parses a table file. Files of another architecture than arch
// are rejected unless arch is zero.
func Unmarshal(data []byte, arch quicken.Arch) (*table.Table, error) {
	h, err := parseHeader(data)
	if err != nil {
		return nil, err
	}
	switch {
	case h.arch != quicken.ArchARM && h.arch != quicken.ArchARM64:
		return nil, fmt.Errorf("%w: unknown architecture %d", ErrMalformed, h.arch)
	case arch != 0 && h.arch != arch:
		return nil, fmt.Errorf("%w: architecture %v, want %v", ErrMalformed, h.arch, arch)
	}
	payload := data[headerSize:]
	if uint64(len(payload)) != h.storedSize {
		return nil, fmt.Errorf("%w: payload is %d bytes, header says %d",
			ErrMalformed, len(payload), h.storedSize)
	}

	if h.flags&flagCompressed != 0 {
		dec, err := decoder()
		if err != nil {
			return nil, fmt.Errorf("failed to create decoder: %w", err)
		}
		if payload, err = dec.DecodeAll(payload, nil); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	ws := uint64(h.arch.WordSize())
	if uint64(len(payload)) != (h.indexWords+h.rowWords)*ws {
		return nil, fmt.Errorf("%w: payload is %d bytes for %d words",
			ErrMalformed, len(payload), h.indexWords+h.rowWords)
	}
	if sum := hash.Bytes(payload); sum != h.checksum {
		return nil, fmt.Errorf("%w: checksum %016x, want %016x", ErrMalformed, sum, h.checksum)
	}

	words := make([]uint64, h.indexWords+h.rowWords)
	for i := range words {
		if ws == 4 {
			words[i] = uint64(binary.LittleEndian.Uint32(payload[4*i:]))
		} else {
			words[i] = binary.LittleEndian.Uint64(payload[8*i:])
		}
	}
	return &table.Table{
		Arch:  h.arch,
		Index: words[:h.indexWords:h.indexWords],
		Rows:  words[h.indexWords:],
	}, nil
}
