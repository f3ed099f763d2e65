// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"
)

type cleanCmd struct {
	app *app

	// User-specified command line arguments.
	local, remote bool
	remoteMaxAge  time.Duration
}

func newCleanCmd(a *app) *ffcli.Command {
	cmd := cleanCmd{app: a}
	set := flag.NewFlagSet("clean", flag.ExitOnError)
	set.BoolVar(&cmd.local, "local", true, "Clean the local table store")
	set.BoolVar(&cmd.remote, "remote", false, "Clean the S3 mirror")
	set.DurationVar(&cmd.remoteMaxAge, "remote-max-age", 180*24*time.Hour,
		"Minimum age of mirrored tables to remove")
	return &ffcli.Command{
		Name:       "clean",
		ShortUsage: "clean [flags]",
		ShortHelp:  "Remove unused, temporary and malformed table files",
		FlagSet:    set,
		Exec:       cmd.exec,
	}
}

func (cmd *cleanCmd) exec(ctx context.Context, _ []string) error {
	store, err := cmd.app.openStore(ctx)
	if err != nil {
		return err
	}

	if cmd.local {
		stats, err := store.Clean(cmd.app.cfg.MaxAge)
		if err != nil {
			return fmt.Errorf("failed to clean %s: %w", store.Path(), err)
		}
		log.Infof("Removed %d tables, %d links, %d temporary and %d malformed files",
			stats.Tables, stats.Links, stats.Temp, stats.Malformed)
	}

	if cmd.remote {
		mirror := store.Mirror()
		if mirror == nil {
			return errors.New("no bucket configured, set -s3-bucket")
		}
		if cmd.remoteMaxAge < time.Hour {
			return errors.New("remote max age has to be at least 1 hour")
		}
		n, err := mirror.Clean(ctx, cmd.remoteMaxAge)
		if err != nil {
			return fmt.Errorf("failed to clean remote: %w", err)
		}
		log.Infof("Removed %d tables from s3://%s", n, cmd.app.cfg.S3Bucket)
	}
	return nil
}
