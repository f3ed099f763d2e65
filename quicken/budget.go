// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package quicken // import "github.com/quickenunwind/quicken/quicken"

import (
	"errors"
	"sync/atomic"
)

// ErrMemoryExceeded is returned once a generation exceeds its memory ceiling.
var ErrMemoryExceeded = errors.New("memory ceiling exceeded")

const (
	// entryCost estimates the bytes held per decoded entry besides its
	// instructions.
	entryCost = 48
	// instructionCost is the size of one decoded Instruction.
	instructionCost = 8
)

// Budget accumulates the estimated memory held by decoded entries of one
// generation. A nil Budget is unlimited. It is safe for concurrent use.
type Budget struct {
	limit uint64
	used  atomic.Uint64
}

// NewBudget returns a budget allowing limit bytes. Zero means no limit.
func NewBudget(limit uint64) *Budget {
	return &Budget{limit: limit}
}

// Charge accounts n bytes and returns ErrMemoryExceeded once the total
// passes the limit.
func (b *Budget) Charge(n uint64) error {
	if b == nil {
		return nil
	}
	used := b.used.Add(n)
	if b.limit != 0 && used > b.limit {
		return ErrMemoryExceeded
	}
	return nil
}

// ChargeEntry accounts the estimated size of one entry.
func (b *Budget) ChargeEntry(e *Entry) error {
	return b.Charge(entryCost + uint64(len(e.Instructions))*instructionCost)
}

// Exceeded reports if the limit was passed.
func (b *Budget) Exceeded() bool {
	return b != nil && b.limit != 0 && b.used.Load() > b.limit
}

// Used returns the bytes accounted so far.
func (b *Budget) Used() uint64 {
	if b == nil {
		return 0
	}
	return b.used.Load()
}

// Limit returns the configured ceiling.
func (b *Budget) Limit() uint64 {
	if b == nil {
		return 0
	}
	return b.limit
}
