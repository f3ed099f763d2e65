// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/quickenunwind/quicken/generator"
	"github.com/quickenunwind/quicken/quicken"
	"github.com/quickenunwind/quicken/quicken/table"
	"github.com/quickenunwind/quicken/qutstore"
)

type dumpCmd struct {
	app *app

	// User-specified command line arguments.
	elf     bool
	summary bool
}

func newDumpCmd(a *app) *ffcli.Command {
	cmd := dumpCmd{app: a}
	set := flag.NewFlagSet("dump", flag.ExitOnError)
	set.BoolVar(&cmd.elf, "elf", false,
		"Arguments are ELF binaries: print their decoded entries before packing")
	set.BoolVar(&cmd.summary, "summary", false, "Only print the table sizes")
	return &ffcli.Command{
		Name:       "dump",
		ShortUsage: "dump [flags] <qut file | store name | elf>...",
		ShortHelp:  "Print table entries and their decoded instructions",
		FlagSet:    set,
		Exec:       cmd.exec,
	}
}

func (cmd *dumpCmd) exec(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return flag.ErrHelp
	}
	if err := cmd.app.setup(); err != nil {
		return err
	}
	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()

	for _, arg := range args {
		var err error
		if cmd.elf {
			err = cmd.dumpELF(ctx, w, arg)
		} else {
			err = cmd.dumpTable(w, arg)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// readTable reads a qut file by path, falling back to the name in the
// store directory.
func (cmd *dumpCmd) readTable(arg string) (*table.Table, error) {
	data, err := os.ReadFile(arg)
	if errors.Is(err, fs.ErrNotExist) && filepath.Base(arg) == arg {
		data, err = os.ReadFile(filepath.Join(cmd.app.cfg.StoreDir, arg))
	}
	if err != nil {
		return nil, err
	}
	return qutstore.Unmarshal(data, cmd.app.cfg.ParsedArch())
}

func (cmd *dumpCmd) dumpTable(w io.Writer, arg string) error {
	t, err := cmd.readTable(arg)
	if err != nil {
		return fmt.Errorf("%s: %w", arg, err)
	}
	fmt.Fprintf(w, "%s: %v\n", arg, t)
	if !cmd.summary {
		writeEntries(w, t)
	}
	return nil
}

// writeEntries prints one line per index entry.
func writeEntries(w io.Writer, t *table.Table) {
	for i := range t.Len() {
		writeEntry(w, t, i)
	}
}

func writeEntry(w io.Writer, t *table.Table, i int) {
	kind := "rows"
	if table.IsCompact(t.Arch, t.Payload(i)) {
		kind = "inline"
	}
	code := t.Code(i)
	insns, err := quicken.Decode(t.Arch, code)
	if err != nil {
		fmt.Fprintf(w, "0x%08x %-6s % x <%v>\n", t.EntryPC(i), kind, code, err)
		return
	}
	fmt.Fprintf(w, "0x%08x %-6s %v\n", t.EntryPC(i), kind, insns)
}

func (cmd *dumpCmd) dumpELF(ctx context.Context, w io.Writer, path string) error {
	ef, err := generator.OpenELF(path)
	if err != nil {
		return err
	}
	defer ef.Close()

	entries, stats, err := generator.New(cmd.app.cfg.MemoryLimit).Entries(ctx, &ef.Sources)
	if err != nil {
		return fmt.Errorf("%v: %w", ef.Binary, err)
	}
	reportGeneration(ef.Binary, &stats)
	fmt.Fprintf(w, "%v: %v, %d entries\n", ef.Binary, ef.Sources.Arch, len(entries))
	if cmd.summary {
		return nil
	}
	for _, e := range entries {
		fmt.Fprintln(w, e)
	}
	return nil
}
