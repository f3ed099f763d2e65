// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package periodiccaller runs background jobs on a timer.
package periodiccaller // import "github.com/quickenunwind/quicken/internal/periodiccaller"

import (
	"context"
	"time"
)

// Start calls job every interval from a new goroutine until ctx is
// canceled or the returned stop function is called. A non-positive
// interval disables the job. Calls never overlap, and once stop returns no
// call is running. stop must not be called from job.
func Start(ctx context.Context, interval time.Duration, job func()) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		timer := time.NewTicker(interval)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				job()
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
