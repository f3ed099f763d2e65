// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package quicken // import "github.com/quickenunwind/quicken/quicken"

// AppendSLEB128 appends v as signed little endian base-128.
func AppendSLEB128(dst []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if !done {
			b |= 0x80
		}
		dst = append(dst, b)
		if done {
			return dst
		}
	}
}

// DecodeSLEB128 decodes one signed LEB128 value from the start of b. It
// returns the value and the number of bytes consumed, or zero bytes when b
// ends before the value does.
func DecodeSLEB128(b []byte) (int64, int) {
	var val int64
	shift := uint(0)
	for i, c := range b {
		if shift < 64 {
			val |= int64(c&0x7f) << shift
		}
		shift += 7
		if c&0x80 == 0 {
			if shift < 64 && c&0x40 != 0 {
				val |= -1 << shift
			}
			return val, i + 1
		}
	}
	return 0, 0
}

// AppendULEB128 appends v as unsigned little endian base-128.
func AppendULEB128(dst []byte, v uint64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(dst, b)
		}
		dst = append(dst, b|0x80)
	}
}
