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

package pagetables

import (
	"fmt"

	"mei.dev/mei/pkg/memarch"
)

// cursor names one descriptor slot: a table, its depth, and an index
// into it.
type cursor struct {
	table memarch.PhysicalAddress
	level int
	index uint16
}

// TraverseContext is the resumable state of one lazy traversal. Set
// Start, End and optionally CollectEmpty, call BeginTraversal, then pull
// mappings with NextItem until it reports exhaustion. The walk holds at
// most one cursor per level, so a full traversal runs in constant space
// no matter how much is mapped.
//
// A context is single-use: after the walk finishes, start a new one.
type TraverseContext struct {
	// Start and End bound the walk to [Start, End). Both must lie in
	// the same half of the address space.
	Start memarch.VirtualAddress
	End   memarch.VirtualAddress

	// CollectEmpty records every table the walk leaves behind with all
	// entries invalid, so the caller can reclaim them. Tables the walk
	// never descends into are not inspected.
	CollectEmpty bool

	// EmptyTables accumulates the tables found empty, in the order they
	// were abandoned.
	EmptyTables []memarch.PhysicalAddress

	// Done is set once the walk has yielded its last mapping or failed.
	Done bool

	// HasError is set alongside Done when the walk hit a descriptor
	// that is malformed for its depth. Err describes it.
	HasError bool
	Err      error

	vaddr  memarch.VirtualAddress
	cur    cursor
	stash  [lastLevel]cursor
	active bool
}

// BeginTraversal validates the context's bounds and positions the walk
// at the first level 0 entry covering Start.
func (pt *PageTables) BeginTraversal(ctx *TraverseContext) error {
	if ctx.Start >= ctx.End {
		return fmt.Errorf("pagetables: empty traversal range [%v, %v)", ctx.Start, ctx.End)
	}
	if !ctx.Start.IsCanonical() || !(ctx.End - 1).IsCanonical() ||
		(ctx.Start <= memarch.LowerTop) != (ctx.End-1 <= memarch.LowerTop) {
		return fmt.Errorf("%w: [%v, %v)", ErrNonCanonical, ctx.Start, ctx.End)
	}
	ctx.Done = false
	ctx.HasError = false
	ctx.Err = nil
	ctx.EmptyTables = ctx.EmptyTables[:0]
	ctx.vaddr = ctx.Start
	ctx.cur = cursor{table: pt.root, level: 0, index: indexForLevel(ctx.Start, 0)}
	ctx.stash = [lastLevel]cursor{}
	ctx.active = true
	return nil
}

// NextItem returns the next leaf mapping at or after the walk's current
// position, or ok=false once the range is exhausted or an error was
// recorded on the context. Each call does bounded work: it advances the
// cursor past at most one table per level before yielding or stopping.
func (pt *PageTables) NextItem(ctx *TraverseContext) (m MemoryMap, ok bool) {
	for ctx.active && !ctx.Done {
		m, yield := pt.inspect(ctx)
		if ctx.Done {
			break
		}
		pt.advance(ctx)
		if yield {
			return m, true
		}
	}
	ctx.Done = true
	ctx.active = false
	return MemoryMap{}, false
}

// EndTraversal releases the walk's internal state. The collected
// EmptyTables and error flags survive for the caller to inspect.
func (pt *PageTables) EndTraversal(ctx *TraverseContext) {
	ctx.active = false
	ctx.Done = true
	ctx.vaddr = 0
	ctx.cur = cursor{}
	ctx.stash = [lastLevel]cursor{}
}

// inspect decodes the descriptor under the cursor. It yields a record
// for a Block or Page, flags the context on a malformed descriptor, and
// stays silent on Invalid and Table entries, which advance handles.
func (pt *PageTables) inspect(ctx *TraverseContext) (m MemoryMap, yield bool) {
	cur := ctx.cur
	daddr := descriptorAddress(cur.table, cur.index)
	desc := pt.mem.ReadWord(daddr)
	kind, legal := classifyDescriptor(desc, cur.level)
	if !legal {
		ctx.Done = true
		ctx.active = false
		ctx.HasError = true
		ctx.Err = fmt.Errorf("pagetables: malformed descriptor %#x at %v (level %d, vaddr %v)", desc, daddr, cur.level, ctx.vaddr)
		return MemoryMap{}, false
	}
	if kind != descriptorBlock && kind != descriptorPage {
		return MemoryMap{}, false
	}
	return makeMemoryMap(desc, daddr, cur.level, ctx.vaddr), true
}

// advance moves the cursor to the next descriptor worth inspecting:
// past runs of invalid entries (moving vaddr in lockstep), down into
// child tables, right past the entry just yielded, and back up through
// exhausted tables. It stops the walk when vaddr reaches End or the
// root table runs out.
func (pt *PageTables) advance(ctx *TraverseContext) {
	cur := ctx.cur
	for {
		// Skip invalid entries without touching descriptors past the
		// table end.
		for cur.index < entriesPerTable && ctx.vaddr < ctx.End {
			desc := pt.readDescriptor(cur.table, cur.index)
			if desc&1 != 0 {
				break
			}
			ctx.vaddr = nextBoundary(ctx.vaddr, cur.level)
			cur.index++
		}
		if ctx.vaddr >= ctx.End || ctx.vaddr == 0 {
			pt.finish(ctx)
			return
		}
		if cur.index == entriesPerTable {
			if !pt.ascend(ctx, &cur) {
				pt.finish(ctx)
				return
			}
			continue
		}

		desc := pt.readDescriptor(cur.table, cur.index)
		kind, legal := classifyDescriptor(desc, cur.level)
		if !legal {
			// Park on the bad descriptor; the next inspect reports it.
			ctx.cur = cur
			return
		}
		if kind == descriptorTable {
			ctx.stash[cur.level] = cur
			level := cur.level + 1
			cur = cursor{table: tableAddress(desc), level: level, index: indexForLevel(ctx.vaddr, level)}
			ctx.cur = cur
			return
		}

		// Block or Page: the caller is yielding it, step past.
		ctx.vaddr = nextBoundary(ctx.vaddr, cur.level)
		cur.index++
		if ctx.vaddr >= ctx.End || ctx.vaddr == 0 {
			pt.finish(ctx)
			return
		}
		if cur.index == entriesPerTable && !pt.ascend(ctx, &cur) {
			pt.finish(ctx)
			return
		}
		ctx.cur = cur
		return
	}
}

// ascend backtracks out of an exhausted table, collecting it if it
// ended up empty, and resumes the nearest ancestor with entries left.
// Returns false when the root itself is exhausted.
func (pt *PageTables) ascend(ctx *TraverseContext, cur *cursor) bool {
	for cur.level > 0 {
		pt.collectIfEmpty(ctx, cur.table)
		parent := ctx.stash[cur.level-1]
		if parent.index+1 < entriesPerTable {
			*cur = cursor{table: parent.table, level: parent.level, index: parent.index + 1}
			return true
		}
		cur.table = parent.table
		cur.level = parent.level
	}
	return false
}

func (pt *PageTables) finish(ctx *TraverseContext) {
	ctx.Done = true
	ctx.active = false
}

// collectIfEmpty appends table to EmptyTables if collection is on and
// every one of its descriptors is invalid.
func (pt *PageTables) collectIfEmpty(ctx *TraverseContext, table memarch.PhysicalAddress) {
	if !ctx.CollectEmpty {
		return
	}
	for i := uint16(0); i < entriesPerTable; i++ {
		if pt.readDescriptor(table, i)&1 != 0 {
			return
		}
	}
	ctx.EmptyTables = append(ctx.EmptyTables, table)
}

// nextBoundary returns the first virtual address past the entry at the
// given level that covers va. Returns 0 on wraparound at the very top of
// the address space.
func nextBoundary(va memarch.VirtualAddress, level int) memarch.VirtualAddress {
	span := entrySpan(level)
	return va.RoundDown(span) + memarch.VirtualAddress(span)
}
