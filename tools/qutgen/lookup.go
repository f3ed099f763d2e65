// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"

	"github.com/quickenunwind/quicken/generator"
	"github.com/quickenunwind/quicken/quicken/table"
)

type lookupCmd struct {
	app *app

	// User-specified command line arguments.
	elfPath string
}

func newLookupCmd(a *app) *ffcli.Command {
	cmd := lookupCmd{app: a}
	set := flag.NewFlagSet("lookup", flag.ExitOnError)
	set.StringVar(&cmd.elfPath, "elf", "", "ELF binary the addresses belong to (required)")
	return &ffcli.Command{
		Name:       "lookup",
		ShortUsage: "lookup -elf <path> <address>...",
		ShortHelp:  "Print the table entry and function covering ELF addresses",
		FlagSet:    set,
		Exec:       cmd.exec,
	}
}

func (cmd *lookupCmd) exec(ctx context.Context, args []string) error {
	if cmd.elfPath == "" || len(args) == 0 {
		return flag.ErrHelp
	}
	pcs := make([]uint64, 0, len(args))
	for _, arg := range args {
		pc, err := strconv.ParseUint(arg, 0, 64)
		if err != nil {
			return fmt.Errorf("invalid address %q: %w", arg, err)
		}
		pcs = append(pcs, pc)
	}

	store, err := cmd.app.openStore(ctx)
	if err != nil {
		return err
	}
	ef, err := generator.OpenELF(cmd.elfPath)
	if err != nil {
		return err
	}
	defer ef.Close()

	m, err := generator.NewManager(cmd.app.cfg.ManagerConfig(store, nil))
	if err != nil {
		return err
	}
	t, err := m.Get(ctx, ef.Binary)
	if errors.Is(err, generator.ErrTableUnavailable) {
		log.Infof("No stored table for %v, generating", ef.Binary)
		var stats generator.Stats
		t, stats, err = m.GenerateNow(ctx, ef.Binary, func(generator.Binary) (
			*generator.Sources, func(), error) {
			return &ef.Sources, nil, nil
		})
		if err == nil {
			reportGeneration(ef.Binary, &stats)
		}
	}
	if err != nil {
		return err
	}

	syms := newSymbolizer(ef.ELF(), ef.Sources.Arch)
	for _, pc := range pcs {
		printLookup(t, syms, pc)
	}
	return nil
}

func printLookup(t *table.Table, syms *symbolizer, pc uint64) {
	w := os.Stdout
	fmt.Fprintf(w, "%#x:", pc)
	if name, off, ok := syms.lookup(pc); ok {
		fmt.Fprintf(w, " %s+%#x", name, off)
	}
	fmt.Fprintln(w)

	i, ok := t.Lookup(pc)
	if !ok {
		fmt.Fprintln(w, "  no table entry")
		return
	}
	fmt.Fprint(w, "  ")
	writeEntry(w, t, i)
}
