// Copyright 2026 The Mei Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"mei.dev/mei/pkg/memarch"
	"mei.dev/mei/pkg/pagetables"
	"mei.dev/mei/pkg/physmem"
)

// walkCmd implements subcommands.Command for the "walk" command.
type walkCmd struct {
	layoutPath   string
	start        string
	end          string
	collectEmpty bool
}

// Name implements subcommands.Command.Name.
func (*walkCmd) Name() string {
	return "walk"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*walkCmd) Synopsis() string {
	return "enumerate the leaf mappings of a translation table snapshot"
}

// Usage implements subcommands.Command.Usage.
func (*walkCmd) Usage() string {
	return `walk --layout <layout.toml> [--start <va>] [--end <va>] [--collect-empty]

Walks the translation tables described by the layout file and prints one
line per mapping. Addresses accept 0x prefixes.

`
}

// SetFlags implements subcommands.Command.SetFlags.
func (w *walkCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&w.layoutPath, "layout", "", "snapshot layout file")
	f.StringVar(&w.start, "start", "0x0", "first virtual address to walk")
	f.StringVar(&w.end, "end", "0x1000000000000", "virtual address the walk stops at")
	f.BoolVar(&w.collectEmpty, "collect-empty", false, "also report tables with no valid entries")
}

// Execute implements subcommands.Command.Execute.
func (w *walkCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if w.layoutPath == "" {
		logrus.Error("--layout is required")
		return subcommands.ExitUsageError
	}
	start, err := parseAddr(w.start)
	if err != nil {
		logrus.WithError(err).Error("bad --start")
		return subcommands.ExitUsageError
	}
	end, err := parseAddr(w.end)
	if err != nil {
		logrus.WithError(err).Error("bad --end")
		return subcommands.ExitUsageError
	}

	l, err := loadLayout(w.layoutPath)
	if err != nil {
		logrus.WithError(err).Error("loading layout")
		return subcommands.ExitFailure
	}
	arena, cleanup, err := physmem.MapFile(l.base(), l.Memory.Snapshot)
	if err != nil {
		logrus.WithError(err).Error("mapping snapshot")
		return subcommands.ExitFailure
	}
	defer cleanup()
	logrus.WithFields(logrus.Fields{
		"snapshot": l.Memory.Snapshot,
		"base":     l.base(),
		"size":     arena.Size(),
		"root":     l.root(),
	}).Debug("snapshot mapped")

	pt := pagetables.Attach(arena, l.root())
	ctx := &pagetables.TraverseContext{
		Start:        start,
		End:          end,
		CollectEmpty: w.collectEmpty,
	}
	if err := pt.BeginTraversal(ctx); err != nil {
		logrus.WithError(err).Error("starting traversal")
		return subcommands.ExitUsageError
	}
	defer pt.EndTraversal(ctx)

	count := 0
	for {
		m, ok := pt.NextItem(ctx)
		if !ok {
			break
		}
		count++
		fmt.Printf("%016x-%016x -> %012x %8s %s %s\n",
			uint64(m.Virtual), uint64(m.Virtual)+m.Length,
			uint64(m.Physical), sizeString(m.Length), m.Perms, m.Kind)
	}
	if ctx.HasError {
		logrus.WithError(ctx.Err).Error("walk aborted")
		return subcommands.ExitFailure
	}

	for _, tbl := range ctx.EmptyTables {
		fmt.Printf("empty table at %v\n", tbl)
	}
	logrus.WithField("mappings", count).Debug("walk finished")
	return subcommands.ExitSuccess
}

func parseAddr(s string) (memarch.VirtualAddress, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	return memarch.VirtualAddress(v), err
}

func sizeString(n uint64) string {
	switch {
	case n >= 1<<30 && n%(1<<30) == 0:
		return fmt.Sprintf("%dGiB", n>>30)
	case n >= 1<<20 && n%(1<<20) == 0:
		return fmt.Sprintf("%dMiB", n>>20)
	case n >= 1<<10 && n%(1<<10) == 0:
		return fmt.Sprintf("%dKiB", n>>10)
	default:
		return fmt.Sprintf("%dB", n)
	}
}
