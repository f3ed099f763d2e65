// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package dwarfcfi // import "github.com/quickenunwind/quicken/nativeunwind/dwarfcfi"

import (
	"fmt"

	"github.com/quickenunwind/quicken/internal/log"
	"github.com/quickenunwind/quicken/quicken"
)

const (
	// maxRegs is the number of DWARF registers tracked, enough for the
	// arm64 general purpose registers, sp and pc.
	maxRegs = 33
	// maxStateDepth bounds remember_state nesting.
	maxStateDepth = 16
)

// totalRegs returns the number of DWARF registers of arch. Rules for
// registers beyond it are dropped.
func totalRegs(arch quicken.Arch) uint64 {
	if arch.Is64() {
		return 33
	}
	return 16
}

// regState holds the recovery rules at one location.
type regState struct {
	cfa  quicken.Rule
	regs [maxRegs]quicken.Rule
}

func newRegState() regState {
	return regState{}
}

// state is the virtual machine state which can execute call frame opcodes
type state struct {
	arch quicken.Arch
	// cie is the CIE being currently processed
	cie *cieInfo
	// loc is the current location
	loc uint64
	// cur is the current register state
	cur regState
	// stack holds the states saved by remember_state
	stack []regState
}

// advance increments current virtual address by given delta and code alignment
func (st *state) advance(delta uint64) {
	st.loc += delta * st.cie.codeAlign
	if !st.arch.Is64() {
		st.loc &= 0xffffffff
	}
}

// rule assigns a recovery rule to register reg.
func (st *state) rule(reg uint64, rule quicken.Rule) {
	if reg < totalRegs(st.arch) {
		st.cur.regs[reg] = rule
	}
}

func (st *state) offset(reg uint64, off int64, kind quicken.RuleKind) {
	st.rule(reg, quicken.Rule{Kind: kind, Offset: off * st.cie.dataAlign})
}

// restore assigns register reg its rule after the CIE opcodes.
func (st *state) restore(reg uint64) {
	if reg < totalRegs(st.arch) {
		st.cur.regs[reg] = st.cie.initialState.regs[reg]
	}
}

// step executes the call frame opcodes until a new location is encountered
// or end of opcodes is reached.
func (st *state) step(r *reader) error {
	var err error

	for r.hasData() {
		opcode := cfaOpcode(r.u8())
		operand := uint8(0)

		// If the high opcode bits are set, the upper bits are opcode
		// and the lower bits is operand.
		if opcode&cfaHighOpcodeMask != 0 {
			operand = uint8(opcode & cfaHighOpcodeValueMask)
			opcode &= cfaHighOpcodeMask
		}

		switch opcode {
		case cfaNop:
		case cfaSetLoc:
			st.loc, err = r.ptr(st.cie.enc)
			return err
		case cfaAdvanceLoc1:
			st.advance(uint64(r.u8()))
			return nil
		case cfaAdvanceLoc2:
			st.advance(uint64(r.u16()))
			return nil
		case cfaAdvanceLoc4:
			st.advance(uint64(r.u32()))
			return nil
		case cfaOffsetExtended:
			st.offset(r.uleb(), int64(r.uleb()), quicken.RuleOffset)
		case cfaRestoreExtended:
			st.restore(r.uleb())
		case cfaUndefined:
			st.rule(r.uleb(), quicken.Rule{Kind: quicken.RuleUndefined})
		case cfaSameValue:
			st.rule(r.uleb(), quicken.Rule{Kind: quicken.RuleSameValue})
		case cfaRegister:
			reg := r.uleb()
			st.rule(reg, quicken.Rule{Kind: quicken.RuleRegister, Reg: uint32(r.uleb())})
		case cfaRememberState:
			if len(st.stack) >= maxStateDepth {
				return fmt.Errorf("dwarf stack overflow at %x", st.loc)
			}
			st.stack = append(st.stack, st.cur)
		case cfaRestoreState:
			if len(st.stack) == 0 {
				return fmt.Errorf("dwarf stack underflow at %x", st.loc)
			}
			st.cur = st.stack[len(st.stack)-1]
			st.stack = st.stack[:len(st.stack)-1]
		case cfaDefCfa:
			reg := r.uleb()
			st.cur.cfa = quicken.Rule{
				Kind:   quicken.RuleRegister,
				Reg:    uint32(reg),
				Offset: int64(r.uleb()),
			}
		case cfaDefCfaRegister:
			st.cur.cfa.Kind = quicken.RuleRegister
			st.cur.cfa.Reg = uint32(r.uleb())
			st.cur.cfa.Expr = nil
		case cfaDefCfaOffset:
			st.cur.cfa.Offset = int64(r.uleb())
		case cfaDefCfaSf:
			reg := r.uleb()
			st.cur.cfa = quicken.Rule{
				Kind:   quicken.RuleRegister,
				Reg:    uint32(reg),
				Offset: r.sleb() * st.cie.dataAlign,
			}
		case cfaDefCfaOffsetSf:
			st.cur.cfa.Offset = r.sleb() * st.cie.dataAlign
		case cfaDefCfaExpression:
			st.cur.cfa = quicken.Rule{
				Kind: quicken.RuleValExpression,
				Expr: r.block(r.uleb()),
			}
		case cfaExpression:
			reg := r.uleb()
			st.rule(reg, quicken.Rule{Kind: quicken.RuleExpression, Expr: r.block(r.uleb())})
		case cfaValExpression:
			reg := r.uleb()
			st.rule(reg, quicken.Rule{Kind: quicken.RuleValExpression, Expr: r.block(r.uleb())})
		case cfaOffsetExtendedSf:
			st.offset(r.uleb(), r.sleb(), quicken.RuleOffset)
		case cfaValOffset:
			st.offset(r.uleb(), int64(r.uleb()), quicken.RuleValOffset)
		case cfaValOffsetSf:
			st.offset(r.uleb(), r.sleb(), quicken.RuleValOffset)
		case cfaGNUWindowSave:
			// aarch64 return address signing state, nothing to track.
		case cfaGNUArgsSize:
			r.uleb()
		case cfaGNUNegOffsetExtended:
			st.offset(r.uleb(), -int64(r.uleb()), quicken.RuleOffset)
		case cfaAdvanceLoc:
			st.advance(uint64(operand))
			return nil
		case cfaOffset:
			st.offset(uint64(operand), int64(r.uleb()), quicken.RuleOffset)
		case cfaRestore:
			st.restore(uint64(operand))
		default:
			log.Debugf("DWARF opcode %#02x at %#x not implemented", opcode, st.loc)
			return fmt.Errorf("DWARF opcode %#02x not implemented", opcode)
		}
	}
	if !r.isValid() {
		return fmt.Errorf("call frame program truncated at %#x", st.loc)
	}
	return nil
}

// ruleSet captures the current rules for [start, end).
func (st *state) ruleSet(start, end uint64) quicken.RuleSet {
	rs := quicken.RuleSet{
		PCStart:   start,
		PCEnd:     end,
		CFA:       st.cur.cfa,
		Regs:      make(map[uint32]quicken.Rule),
		CodeAlign: st.cie.codeAlign,
		DataAlign: st.cie.dataAlign,
		ReturnReg: uint32(st.cie.regRA),
	}
	for reg := range totalRegs(st.arch) {
		if rule := st.cur.regs[reg]; rule.Kind != quicken.RuleUnset {
			rs.Regs[uint32(reg)] = rule
		}
	}
	return rs
}
