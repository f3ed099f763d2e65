// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// qutgen generates Quicken unwind tables from ELF binaries and maintains
// the table store they are kept in.

package main

import (
	"context"
	"errors"
	"flag"
	"os"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"

	"github.com/quickenunwind/quicken/config"
	qlog "github.com/quickenunwind/quicken/internal/log"
	"github.com/quickenunwind/quicken/metrics"
	"github.com/quickenunwind/quicken/qutstore"
	"github.com/quickenunwind/quicken/vc"
)

// app carries the global configuration shared by all subcommands.
type app struct {
	cfg config.Config
}

func main() {
	log.SetReportCaller(false)
	log.SetFormatter(&log.TextFormatter{})
	qlog.SetLogger(log.StandardLogger())

	a := &app{cfg: config.Default()}
	set := flag.NewFlagSet("qutgen", flag.ExitOnError)
	a.cfg.RegisterFlags(set)
	config.RegisterConfigFlag(set)

	root := ffcli.Command{
		Name:       "qutgen",
		ShortUsage: "qutgen [flags] <subcommand> [flags]",
		ShortHelp:  "Tool for generating and managing Quicken unwind tables",
		FlagSet:    set,
		Options:    config.Options(),
		Subcommands: []*ffcli.Command{
			newGenerateCmd(a),
			newDumpCmd(a),
			newLookupCmd(a),
			newUploadCmd(a),
			newCleanCmd(a),
		},
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
	}

	if err := root.ParseAndRun(context.Background(), os.Args[1:]); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			log.Fatalf("%v", err)
		}
	}
}

// setup validates the configuration and applies the logging settings.
func (a *app) setup() error {
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	if a.cfg.Verbose {
		log.SetLevel(log.DebugLevel)
		metrics.SetReporter(newLogReporter())
	}
	log.Debugf("qutgen %s", vc.String())
	return nil
}

// openStore runs setup and opens the table store.
func (a *app) openStore(ctx context.Context) (*qutstore.Dir, error) {
	if err := a.setup(); err != nil {
		return nil, err
	}
	return a.cfg.OpenStore(ctx)
}

// logReporter prints reported metrics at debug level.
type logReporter struct {
	names map[uint32]string
}

func newLogReporter() logReporter {
	r := logReporter{names: map[uint32]string{}}
	for _, md := range metrics.GetDefinitions() {
		r.names[uint32(md.ID)] = md.Name
	}
	return r
}

func (r logReporter) ReportMetrics(_ uint32, ids []uint32, values []int64) {
	for i, id := range ids {
		log.Debugf("%s: %d", r.names[id], values[i])
	}
}
