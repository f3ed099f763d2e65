// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package qutstore // import "github.com/quickenunwind/quicken/qutstore"

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/quickenunwind/quicken/internal/log"
	"github.com/quickenunwind/quicken/internal/periodiccaller"
)

// CleanStats counts the files removed by Clean.
type CleanStats struct {
	Tables, Links, Temp, Malformed int
}

// Clean removes tables not loaded or saved within maxAge, temporary files
// older than maxAge, all malformed files and hash links whose table is
// gone.
func (d *Dir) Clean(maxAge time.Duration) (CleanStats, error) {
	var stats CleanStats
	files, err := d.List()
	if err != nil {
		return stats, err
	}
	cutoff := time.Now().Add(-maxAge)

	var errs []error
	remove := func(f File, counter *int) {
		err := os.Remove(filepath.Join(d.path, f.Name))
		switch {
		case err == nil:
			*counter++
		case !errors.Is(err, fs.ErrNotExist):
			errs = append(errs, err)
		}
	}

	for _, f := range files {
		switch f.Kind {
		case KindTable:
			if f.ModTime.Before(cutoff) {
				remove(f, &stats.Tables)
			}
		case KindTemp:
			if f.ModTime.Before(cutoff) {
				remove(f, &stats.Temp)
			}
		case KindMalformed:
			remove(f, &stats.Malformed)
		case KindUnknown:
			log.Debugf("Unknown file %s in table store", f.Name)
		}
	}

	// Links are checked last so links to tables removed above go as well.
	for _, f := range files {
		if f.Kind != KindHashLink {
			continue
		}
		if _, err := os.Stat(filepath.Join(d.path, f.Name)); errors.Is(err, fs.ErrNotExist) {
			remove(f, &stats.Links)
		}
	}
	return stats, errors.Join(errs...)
}

// StartCleaner runs Clean every interval until ctx is canceled or the
// returned function is called.
func (d *Dir) StartCleaner(ctx context.Context, interval, maxAge time.Duration) func() {
	return periodiccaller.Start(ctx, interval, func() {
		stats, err := d.Clean(maxAge)
		if err != nil {
			log.Warnf("Failed to clean table store %s: %v", d.path, err)
		}
		if stats != (CleanStats{}) {
			log.Infof("Cleaned table store %s: %+v", d.path, stats)
		}
	})
}
