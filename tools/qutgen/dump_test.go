// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickenunwind/quicken/quicken"
	"github.com/quickenunwind/quicken/quicken/table"
)

func TestWriteEntries(t *testing.T) {
	tbl, _, err := table.Pack(quicken.ArchARM, quicken.EntryArray{{
		Start:        0x1000,
		End:          0x1010,
		Instructions: quicken.Instructions{{Op: quicken.OpVSPOffset, Imm: 8}},
	}})
	require.NoError(t, err)

	var buf bytes.Buffer
	writeEntries(&buf, tbl)
	assert.Contains(t, buf.String(), "0x00001000 inline vsp_offset(8)\n")
	assert.Contains(t, buf.String(), "0x00001010 inline")
}
