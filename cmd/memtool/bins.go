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
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"

	"mei.dev/mei/pkg/slab"
)

// binsCmd implements subcommands.Command for the "bins" command.
type binsCmd struct{}

// Name implements subcommands.Command.Name.
func (*binsCmd) Name() string {
	return "bins"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*binsCmd) Synopsis() string {
	return "print the slab allocator's size-class table"
}

// Usage implements subcommands.Command.Usage.
func (*binsCmd) Usage() string {
	return `bins

Prints every slab bin with its page geometry and worst-case waste.

`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*binsCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*binsCmd) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	tw := tabwriter.NewWriter(os.Stdout, 2, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "BIN\tOBJECT\tPAGE\tSLOTS\tTAIL\tTAIL%")
	for i, b := range slab.Bins() {
		tail := b.PageSize % b.ObjectSize
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%.2f\n",
			i, b.ObjectSize, b.PageSize, b.SlotCount, tail,
			100*float64(tail)/float64(b.PageSize))
	}
	tw.Flush()
	return subcommands.ExitSuccess
}
