// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package quicken // import "github.com/quickenunwind/quicken/quicken"

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// RuleKind tells how a register of the caller frame is recovered.
type RuleKind uint8

const (
	// RuleUnset means no rule was given, the register keeps its value.
	RuleUnset RuleKind = iota
	// RuleUndefined means the register has no recoverable value.
	RuleUndefined
	// RuleSameValue means the register is preserved by the callee.
	RuleSameValue
	// RuleOffset means the value is stored at CFA + Offset.
	RuleOffset
	// RuleValOffset means the value is CFA + Offset.
	RuleValOffset
	// RuleRegister means the value is held in register Reg (+ Offset for the CFA).
	RuleRegister
	// RuleExpression means the value is stored at the address computed by Expr.
	RuleExpression
	// RuleValExpression means the value is computed by Expr.
	RuleValExpression
)

var ruleKindNames = [...]string{
	RuleUnset:         "unset",
	RuleUndefined:     "undefined",
	RuleSameValue:     "same",
	RuleOffset:        "offset",
	RuleValOffset:     "val_offset",
	RuleRegister:      "register",
	RuleExpression:    "expression",
	RuleValExpression: "val_expression",
}

func (k RuleKind) String() string {
	if int(k) < len(ruleKindNames) {
		return ruleKindNames[k]
	}
	return fmt.Sprintf("rule(%d)", uint8(k))
}

// Rule is one register recovery rule. Expr holds the raw DWARF expression
// bytes for the expression kinds.
type Rule struct {
	Kind   RuleKind
	Reg    uint32
	Offset int64
	Expr   []byte
}

func (r Rule) String() string {
	switch r.Kind {
	case RuleOffset, RuleValOffset:
		return fmt.Sprintf("%v(%d)", r.Kind, r.Offset)
	case RuleRegister:
		if r.Offset != 0 {
			return fmt.Sprintf("r%d%+d", r.Reg, r.Offset)
		}
		return fmt.Sprintf("r%d", r.Reg)
	case RuleExpression, RuleValExpression:
		return fmt.Sprintf("%v(%x)", r.Kind, r.Expr)
	default:
		return r.Kind.String()
	}
}

// Equal compares two rules including their expressions.
func (r Rule) Equal(other Rule) bool {
	return r.Kind == other.Kind && r.Reg == other.Reg && r.Offset == other.Offset &&
		slices.Equal(r.Expr, other.Expr)
}

// RuleSet holds the recovery rules valid for [PCStart, PCEnd) together with
// the metadata of the owning CIE.
type RuleSet struct {
	PCStart, PCEnd uint64
	CFA            Rule
	Regs           map[uint32]Rule
	CodeAlign      uint64
	DataAlign      int64
	ReturnReg      uint32
}

func (rs *RuleSet) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%#x, %#x) cfa=%v", rs.PCStart, rs.PCEnd, rs.CFA)
	for _, reg := range slices.Sorted(maps.Keys(rs.Regs)) {
		fmt.Fprintf(&sb, " r%d=%v", reg, rs.Regs[reg])
	}
	return sb.String()
}
