// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package dwarfcfi // import "github.com/quickenunwind/quicken/nativeunwind/dwarfcfi"

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"

	"github.com/quickenunwind/quicken/quicken"
)

// ErrUnsupported is returned for rules that have no Quicken equivalent.
var ErrUnsupported = errors.New("unsupported unwind rule")

// DWARF register numbers of the registers Quicken tracks.
const (
	armR0  = 0
	armR4  = 4
	armR7  = 7
	armR10 = 10
	armR11 = 11
	armSP  = 13
	armLR  = 14
	armPC  = 15

	arm64X0  = 0
	arm64X20 = 20
	arm64X28 = 28
	arm64X29 = 29
	arm64LR  = 30
	arm64SP  = 31
	arm64PC  = 32
)

// loadOp returns the instruction restoring DWARF register reg.
func loadOp(arch quicken.Arch, reg uint32) (quicken.Op, bool) {
	if arch.Is64() {
		switch reg {
		case arm64X20:
			return quicken.OpX20Offset, true
		case arm64X28:
			return quicken.OpX28Offset, true
		case arm64X29:
			return quicken.OpX29Offset, true
		case arm64LR:
			return quicken.OpLROffset, true
		case arm64SP:
			return quicken.OpSPOffset, true
		case arm64PC:
			return quicken.OpPCOffset, true
		}
		return 0, false
	}
	switch reg {
	case armR4:
		return quicken.OpR4Offset, true
	case armR7:
		return quicken.OpR7Offset, true
	case armR10:
		return quicken.OpR10Offset, true
	case armR11:
		return quicken.OpR11Offset, true
	case armSP:
		return quicken.OpSPOffset, true
	case armLR:
		return quicken.OpLROffset, true
	case armPC:
		return quicken.OpPCOffset, true
	}
	return 0, false
}

// evaluated reports if the rule of reg matters for the caller frame. The
// other registers are scratch registers Quicken never restores.
func evaluated(arch quicken.Arch, reg uint32) bool {
	if arch.Is64() {
		return reg == arm64X0 || reg == arm64X20 || reg == arm64X28 || reg >= arm64X29
	}
	return reg == armR0 || reg == armR4 || reg == armR7 || reg == armR10 ||
		reg == armR11 || reg >= armSP
}

// cfaOps converts the CFA rule.
func cfaOps(arch quicken.Arch, cfa quicken.Rule) (quicken.Instructions, error) {
	switch cfa.Kind {
	case quicken.RuleRegister:
		off, ok := imm32(cfa.Offset)
		if !ok {
			return nil, fmt.Errorf("%w: cfa offset %d", ErrUnsupported, cfa.Offset)
		}
		switch op := cfaBaseOp(arch, cfa.Reg); op {
		case quicken.OpVSPOffset, quicken.OpVSPSetByJNISP:
			return quicken.Instructions{{Op: op, Imm: off}}, nil
		case quicken.OpVSPSetByR7, quicken.OpVSPSetByR11, quicken.OpVSPSetByX29:
			ins := quicken.Instructions{{Op: op}}
			if off != 0 {
				ins = append(ins, quicken.Instruction{Op: quicken.OpVSPOffset, Imm: off})
			}
			return ins, nil
		}
		return nil, fmt.Errorf("%w: cfa based on r%d", ErrUnsupported, cfa.Reg)
	case quicken.RuleValExpression:
		v, err := evalConstant(cfa.Expr, arch.Is64())
		if err != nil {
			return nil, fmt.Errorf("%w: cfa expression: %v", ErrUnsupported, err)
		}
		imm := int64(v)
		if !arch.Is64() {
			imm = int64(int32(uint32(v)))
		}
		off, ok := imm32(imm)
		if !ok {
			return nil, fmt.Errorf("%w: cfa value %#x", ErrUnsupported, v)
		}
		return quicken.Instructions{{Op: quicken.OpVSPSetImm, Imm: off}}, nil
	default:
		return nil, fmt.Errorf("%w: cfa rule %v", ErrUnsupported, cfa)
	}
}

// cfaBaseOp returns the instruction loading the CFA base register, OpNop
// when the register cannot be a CFA base.
func cfaBaseOp(arch quicken.Arch, reg uint32) quicken.Op {
	if arch.Is64() {
		switch reg {
		case arm64SP:
			return quicken.OpVSPOffset
		case arm64X28:
			return quicken.OpVSPSetByJNISP
		case arm64X29:
			return quicken.OpVSPSetByX29
		}
		return quicken.OpNop
	}
	switch reg {
	case armSP:
		return quicken.OpVSPOffset
	case armR10:
		return quicken.OpVSPSetByJNISP
	case armR7:
		return quicken.OpVSPSetByR7
	case armR11:
		return quicken.OpVSPSetByR11
	}
	return quicken.OpNop
}

func imm32(v int64) (int32, bool) {
	if v < math.MinInt32 || v > math.MaxInt32 {
		return 0, false
	}
	return int32(v), true
}

// toInstructions converts the rules of one location into Quicken
// instructions: the dex pc capture, the CFA computation and then the
// register loads nearest to the CFA first.
func toInstructions(arch quicken.Arch, rs *quicken.RuleSet) (quicken.Instructions, error) {
	if ra, ok := rs.Regs[rs.ReturnReg]; ok && ra.Kind == quicken.RuleUndefined {
		return quicken.Instructions{{Op: quicken.OpFinish}}, nil
	}

	cfa, err := cfaOps(arch, rs.CFA)
	if err != nil {
		return nil, err
	}

	dexPC := false
	var loads quicken.Instructions
	for _, reg := range slices.Sorted(maps.Keys(rs.Regs)) {
		if !evaluated(arch, reg) {
			continue
		}
		rule := rs.Regs[reg]
		switch rule.Kind {
		case quicken.RuleUnset, quicken.RuleSameValue:
		case quicken.RuleOffset:
			op, ok := loadOp(arch, reg)
			if !ok {
				continue
			}
			imm, ok := imm32(-rule.Offset)
			if !ok {
				return nil, fmt.Errorf("%w: r%d offset %d", ErrUnsupported, reg, rule.Offset)
			}
			loads = append(loads, quicken.Instruction{Op: op, Imm: imm})
		case quicken.RuleValExpression:
			if !isDexPCExpression(arch, rule.Expr) {
				return nil, fmt.Errorf("%w: r%d=%v", ErrUnsupported, reg, rule)
			}
			dexPC = true
		default:
			return nil, fmt.Errorf("%w: r%d=%v", ErrUnsupported, reg, rule)
		}
	}
	slices.SortStableFunc(loads, func(a, b quicken.Instruction) int {
		return cmp.Compare(a.Imm, b.Imm)
	})

	ins := make(quicken.Instructions, 0, len(cfa)+len(loads)+1)
	if dexPC {
		ins = append(ins, quicken.Instruction{Op: quicken.OpDexPCSet})
	}
	ins = append(ins, cfa...)
	return append(ins, loads...), nil
}
