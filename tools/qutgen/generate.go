// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"runtime"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/quickenunwind/quicken/generator"
	"github.com/quickenunwind/quicken/metrics"
	"github.com/quickenunwind/quicken/qutstore"
)

type generateCmd struct {
	app *app

	// User-specified command line arguments.
	output string
	jobs   int
	force  bool
}

func newGenerateCmd(a *app) *ffcli.Command {
	cmd := generateCmd{app: a}
	set := flag.NewFlagSet("generate", flag.ExitOnError)
	set.StringVar(&cmd.output, "o", "",
		"Write the table of a single binary to this file instead of the store")
	set.IntVar(&cmd.jobs, "j", runtime.NumCPU(), "Number of binaries processed in parallel")
	set.BoolVar(&cmd.force, "force", false, "Regenerate tables already in the store")
	return &ffcli.Command{
		Name:       "generate",
		ShortUsage: "generate [flags] <elf>...",
		ShortHelp:  "Generate the tables of ELF binaries",
		FlagSet:    set,
		Exec:       cmd.exec,
	}
}

func (cmd *generateCmd) exec(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return flag.ErrHelp
	}
	if cmd.output != "" {
		if len(args) != 1 {
			return errors.New("-o takes exactly one binary")
		}
		if err := cmd.app.setup(); err != nil {
			return err
		}
		return cmd.generateFile(ctx, args[0])
	}
	if cmd.jobs < 1 {
		return errors.New("-j must be at least 1")
	}

	store, err := cmd.app.openStore(ctx)
	if err != nil {
		return err
	}
	m, err := generator.NewManager(cmd.app.cfg.ManagerConfig(store, nil))
	if err != nil {
		return err
	}
	defer func() { metrics.AddSlice(metrics.FromManager(m)()) }()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(cmd.jobs)
	for _, path := range args {
		g.Go(func() error {
			return cmd.generate(ctx, m, store, path)
		})
	}
	return g.Wait()
}

func (cmd *generateCmd) generate(ctx context.Context, m *generator.Manager,
	store *qutstore.Dir, path string) error {
	ef, err := generator.OpenELF(path)
	if err != nil {
		return err
	}
	bin := ef.Binary
	ef.Close()

	if !cmd.force {
		_, err := store.Load(bin.Soname, bin.ID())
		if err == nil {
			log.Infof("%v: already in the store", bin)
			return nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			log.Warnf("%v: %v", bin, err)
		}
	}

	t, stats, err := m.GenerateNow(ctx, bin, generator.SourcesFromFile)
	if err != nil {
		return err
	}
	reportGeneration(bin, &stats)
	log.Infof("%v: %v", bin, t)
	return nil
}

func (cmd *generateCmd) generateFile(ctx context.Context, path string) error {
	ef, err := generator.OpenELF(path)
	if err != nil {
		return err
	}
	defer ef.Close()

	t, stats, err := generator.New(cmd.app.cfg.MemoryLimit).Generate(ctx, &ef.Sources)
	if err != nil {
		return fmt.Errorf("%v: %w", ef.Binary, err)
	}
	reportGeneration(ef.Binary, &stats)

	f, err := os.Create(cmd.output)
	if err != nil {
		return err
	}
	if err := qutstore.Write(f, t, qutstore.Options{Compress: cmd.app.cfg.Compress}); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", cmd.output, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	log.Infof("%v: %v written to %s", ef.Binary, t, cmd.output)
	return nil
}

func reportGeneration(bin generator.Binary, stats *generator.Stats) {
	metrics.AddSlice(metrics.GenerateMetrics(stats))
	total := stats.Total()
	log.Debugf("%v: %d entries decoded, %d bad, %d unsupported, %d merged in %v",
		bin, total.Entries, total.BadEntries, total.Unsupported, stats.Merged, stats.Duration)
	for kind, st := range stats.Sources {
		if st.Entries != 0 {
			log.Debugf("%v: %v: %d entries", bin, generator.SourceKind(kind), st.Entries)
		}
	}
}
