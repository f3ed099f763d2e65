// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package qutstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickenunwind/quicken/generator"
	"github.com/quickenunwind/quicken/quicken"
)

func age(t *testing.T, d *Dir, name string, by time.Duration) {
	t.Helper()
	old := time.Now().Add(-by)
	require.NoError(t, os.Chtimes(filepath.Join(d.Path(), name), old, old))
}

func TestClean(t *testing.T) {
	d := newTestDir(t, nil)
	tbl := testTable(t, quicken.ArchARM)
	stale := generator.Binary{Soname: "libstale.so", BuildID: "01", Hash: "aa"}
	used := generator.Binary{Soname: "libused.so", BuildID: "02", Hash: "bb"}
	require.NoError(t, d.Save(stale, tbl))
	require.NoError(t, d.Save(used, tbl))
	require.NoError(t, os.WriteFile(filepath.Join(d.Path(), "tmp.libx.so.03.1"), nil, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(d.Path(), "tmp.liby.so.04.1"), nil, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(d.Path(), "libz.so.05_malformed_1"), nil,
		0o600))

	age(t, d, "libstale.so.01", 48*time.Hour)
	age(t, d, "libused.so.02", 48*time.Hour)
	age(t, d, "tmp.libx.so.03.1", 48*time.Hour)
	// Loading marks the table as used.
	_, err := d.Load(used.Soname, used.BuildID)
	require.NoError(t, err)

	stats, err := d.Clean(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, CleanStats{Tables: 1, Links: 1, Temp: 1, Malformed: 1}, stats)

	files, err := d.List()
	require.NoError(t, err)
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"libused.so.02", "libused.so.hash.bb", "tmp.liby.so.04.1"},
		names)

	stats, err = d.Clean(24 * time.Hour)
	require.NoError(t, err)
	assert.Zero(t, stats)
}

func TestStartCleaner(t *testing.T) {
	d := newTestDir(t, nil)
	name := "libz.so.05_malformed_1"
	require.NoError(t, os.WriteFile(filepath.Join(d.Path(), name), nil, 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := d.StartCleaner(ctx, 10*time.Millisecond, time.Hour)
	defer stop()

	assert.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(d.Path(), name))
		return os.IsNotExist(err)
	}, 5*time.Second, 10*time.Millisecond)
}
