// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package vc provides buildtime information.
package vc // import "github.com/quickenunwind/quicken/vc"

import (
	"fmt"
	"runtime/debug"
	"sync"
)

// Set at link time with -ldflags "-X github.com/quickenunwind/quicken/vc.version=...".
var (
	version  = "dev"
	revision = ""
)

// buildSettings falls back to the VCS stamp of the Go toolchain.
var buildSettings = sync.OnceValue(func() map[string]string {
	settings := map[string]string{}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			settings[s.Key] = s.Value
		}
	}
	return settings
})

// Version in vX.Y.Z{-N-abbrev} format.
func Version() string {
	return version
}

// Revision is the source control revision of the build, empty if unknown.
func Revision() string {
	if revision != "" {
		return revision
	}
	return buildSettings()["vcs.revision"]
}

// String describes the build for log output.
func String() string {
	rev := Revision()
	if rev == "" {
		return version
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if buildSettings()["vcs.modified"] == "true" {
		rev += "-dirty"
	}
	return fmt.Sprintf("%s (%s)", version, rev)
}
