// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"
)

type uploadCmd struct {
	app *app
}

func newUploadCmd(a *app) *ffcli.Command {
	cmd := uploadCmd{app: a}
	return &ffcli.Command{
		Name:       "upload",
		ShortUsage: "upload",
		ShortHelp:  "Upload local tables missing from the S3 mirror",
		FlagSet:    flag.NewFlagSet("upload", flag.ExitOnError),
		Exec:       cmd.exec,
	}
}

func (cmd *uploadCmd) exec(ctx context.Context, _ []string) error {
	if cmd.app.cfg.S3Bucket == "" {
		return errors.New("no bucket configured, set -s3-bucket")
	}
	store, err := cmd.app.openStore(ctx)
	if err != nil {
		return err
	}
	n, err := store.Sync(ctx)
	if err != nil {
		return err
	}
	log.Infof("%d tables present in s3://%s", n, cmd.app.cfg.S3Bucket)
	return nil
}
