// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package dwarfcfi // import "github.com/quickenunwind/quicken/nativeunwind/dwarfcfi"

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/quickenunwind/quicken/quicken"
)

var (
	errNonConstant     = errors.New("expression depends on registers or memory")
	errExpressionStack = errors.New("expression stack underflow")
	errTruncated       = errors.New("expression truncated")
)

// maxExpressionOps bounds the evaluation of one expression.
const maxExpressionOps = 1000

// exprCursor walks the bytes of one DWARF expression.
type exprCursor struct {
	b   []byte
	pos int
	err error
}

func (c *exprCursor) hasData() bool {
	return c.err == nil && c.pos < len(c.b)
}

func (c *exprCursor) take(n int) []byte {
	if c.err != nil || c.pos+n > len(c.b) {
		c.err = errTruncated
		return make([]byte, n)
	}
	v := c.b[c.pos : c.pos+n]
	c.pos += n
	return v
}

func (c *exprCursor) u8() uint8 { return c.take(1)[0] }

func (c *exprCursor) uleb() uint64 {
	var val uint64
	for shift := uint(0); ; shift += 7 {
		b := c.u8()
		if shift < 64 {
			val |= uint64(b&0x7f) << shift
		}
		if b&0x80 == 0 || c.err != nil {
			return val
		}
	}
}

func (c *exprCursor) sleb() int64 {
	var val int64
	shift := uint(0)
	for {
		b := c.u8()
		if shift < 64 {
			val |= int64(b&0x7f) << shift
		}
		shift += 7
		if b&0x80 == 0 || c.err != nil {
			if shift < 64 && b&0x40 != 0 {
				val |= -1 << shift
			}
			return val
		}
	}
}

// evalConstant folds an expression that only works on literals into its
// value. Register and memory reads are refused.
func evalConstant(expr []byte, is64 bool) (uint64, error) {
	c := exprCursor{b: expr}
	stack := make([]uint64, 0, 8)
	pop := func() (uint64, bool) {
		if len(stack) == 0 {
			return 0, false
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v, true
	}

	for ops := 0; c.hasData(); ops++ {
		if ops == maxExpressionOps {
			return 0, errors.New("too many expression operations")
		}
		op := expressionOpcode(c.u8())
		switch {
		case op >= opLit0 && op <= opLit31:
			stack = append(stack, uint64(op-opLit0))
			continue
		case op >= opBReg0 && op <= opBReg31, op == opBRegX, op == opDeref:
			return 0, errNonConstant
		}

		switch op {
		case opAddr:
			if is64 {
				stack = append(stack, binary.LittleEndian.Uint64(c.take(8)))
			} else {
				stack = append(stack, uint64(binary.LittleEndian.Uint32(c.take(4))))
			}
		case opConst1U:
			stack = append(stack, uint64(c.u8()))
		case opConst1S:
			stack = append(stack, uint64(int64(int8(c.u8()))))
		case opConst2U:
			stack = append(stack, uint64(binary.LittleEndian.Uint16(c.take(2))))
		case opConst2S:
			stack = append(stack, uint64(int64(int16(binary.LittleEndian.Uint16(c.take(2))))))
		case opConst4U:
			stack = append(stack, uint64(binary.LittleEndian.Uint32(c.take(4))))
		case opConst4S:
			stack = append(stack, uint64(int64(int32(binary.LittleEndian.Uint32(c.take(4))))))
		case opConst8U, opConst8S:
			stack = append(stack, binary.LittleEndian.Uint64(c.take(8)))
		case opConstU:
			stack = append(stack, c.uleb())
		case opConstS:
			stack = append(stack, uint64(c.sleb()))
		case opNop:
		case opDup:
			v, ok := pop()
			if !ok {
				return 0, errExpressionStack
			}
			stack = append(stack, v, v)
		case opDrop:
			if _, ok := pop(); !ok {
				return 0, errExpressionStack
			}
		case opOver:
			if len(stack) < 2 {
				return 0, errExpressionStack
			}
			stack = append(stack, stack[len(stack)-2])
		case opSwap:
			if len(stack) < 2 {
				return 0, errExpressionStack
			}
			n := len(stack)
			stack[n-1], stack[n-2] = stack[n-2], stack[n-1]
		case opPlusUConst:
			v, ok := pop()
			if !ok {
				return 0, errExpressionStack
			}
			stack = append(stack, v+c.uleb())
		case opAbs, opNeg, opNot:
			v, ok := pop()
			if !ok {
				return 0, errExpressionStack
			}
			switch op {
			case opAbs:
				if int64(v) < 0 {
					v = -v
				}
			case opNeg:
				v = -v
			default:
				v = ^v
			}
			stack = append(stack, v)
		case opAnd, opMinus, opMul, opOr, opPlus, opShl, opShr, opShra, opXor:
			b, ok1 := pop()
			a, ok2 := pop()
			if !ok1 || !ok2 {
				return 0, errExpressionStack
			}
			stack = append(stack, binaryOp(op, a, b))
		default:
			return 0, fmt.Errorf("unsupported expression op %#02x", op)
		}
	}
	if c.err != nil {
		return 0, c.err
	}
	v, ok := pop()
	if !ok {
		return 0, errExpressionStack
	}
	if !is64 {
		v &= 0xffffffff
	}
	return v, nil
}

func binaryOp(op expressionOpcode, a, b uint64) uint64 {
	switch op {
	case opAnd:
		return a & b
	case opMinus:
		return a - b
	case opMul:
		return a * b
	case opOr:
		return a | b
	case opPlus:
		return a + b
	case opShl:
		return a << b
	case opShr:
		return a >> b
	case opShra:
		return uint64(int64(a) >> b)
	default:
		return a ^ b
	}
}

// isDexPCExpression reports if expr is the dex pc register description ART
// emits: the "DEX1" marker constant, a drop and a read of the dex pc
// register (r4, x20) at offset 0, optionally dereferenced.
func isDexPCExpression(arch quicken.Arch, expr []byte) bool {
	c := exprCursor{b: expr}
	if expressionOpcode(c.u8()) != opConst4U ||
		binary.LittleEndian.Uint32(c.take(4)) != dexPCMarker ||
		expressionOpcode(c.u8()) != opDrop || !c.hasData() {
		return false
	}
	var reg uint64
	switch op := expressionOpcode(c.u8()); {
	case op >= opBReg0 && op <= opBReg31:
		reg = uint64(op - opBReg0)
	case op == opBRegX:
		reg = c.uleb()
	default:
		return false
	}
	dexReg := uint64(4)
	if arch.Is64() {
		dexReg = 20
	}
	if c.sleb() != 0 || c.err != nil || reg != dexReg {
		return false
	}
	if c.hasData() && expressionOpcode(c.u8()) != opDeref {
		return false
	}
	return c.err == nil && !c.hasData()
}
