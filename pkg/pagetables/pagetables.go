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

// Package pagetables builds and walks ARM64 stage 1 translation tables
// with a 4K granule and four levels.
//
// Tables live in physical memory behind the Memory interface, so the
// same code operates on a live arena or on a mapped snapshot of another
// machine's RAM. Map and Lookup mutate and query tables; TraverseContext
// enumerates every leaf mapping in a virtual range lazily, one record
// per NextItem call, without recursion and without allocating.
package pagetables

import (
	"errors"
	"fmt"

	"mei.dev/mei/pkg/bits"
	"mei.dev/mei/pkg/memarch"
)

// Memory is the physical memory the descriptor tables live in.
// physmem.Arena implements it.
type Memory interface {
	ReadWord(memarch.PhysicalAddress) uint64
	WriteWord(memarch.PhysicalAddress, uint64)
}

// TableAllocator provides backing memory for descriptor tables. Every
// returned table must be granule-aligned, TableSize bytes and zeroed.
type TableAllocator interface {
	AllocTable() (memarch.PhysicalAddress, error)
}

var (
	// ErrMappingExists is returned by Map when part of the requested
	// range is already mapped.
	ErrMappingExists = errors.New("pagetables: mapping already exists")

	// ErrMisaligned is returned when an address or length is not a
	// multiple of the granule.
	ErrMisaligned = errors.New("pagetables: misaligned address or length")

	// ErrNonCanonical is returned for virtual addresses outside both
	// halves of the address space, or for ranges straddling the hole.
	ErrNonCanonical = errors.New("pagetables: non-canonical virtual address")

	// ErrReadOnly is returned by Map on page tables attached without a
	// table allocator.
	ErrReadOnly = errors.New("pagetables: attached without a table allocator")
)

// PageTables is one translation table tree rooted at a single level 0
// table.
type PageTables struct {
	mem   Memory
	alloc TableAllocator
	root  memarch.PhysicalAddress
}

// New allocates an empty root table and returns page tables that can
// grow through alloc.
func New(mem Memory, alloc TableAllocator) (*PageTables, error) {
	root, err := alloc.AllocTable()
	if err != nil {
		return nil, fmt.Errorf("pagetables: allocating root table: %w", err)
	}
	return &PageTables{mem: mem, alloc: alloc, root: root}, nil
}

// Attach wraps an existing tree rooted at root, typically found in a
// snapshot. The result is read-only: Lookup and traversal work, Map
// returns ErrReadOnly.
func Attach(mem Memory, root memarch.PhysicalAddress) *PageTables {
	return &PageTables{mem: mem, root: root}
}

// Root returns the physical address of the level 0 table.
func (pt *PageTables) Root() memarch.PhysicalAddress {
	return pt.root
}

func (pt *PageTables) readDescriptor(table memarch.PhysicalAddress, index uint16) uint64 {
	return pt.mem.ReadWord(descriptorAddress(table, index))
}

func descriptorAddress(table memarch.PhysicalAddress, index uint16) memarch.PhysicalAddress {
	return table + memarch.PhysicalAddress(index)*descriptorSize
}

// MapOpts selects the attributes of a new mapping.
type MapOpts struct {
	Perms AccessPermissions
	Kind  MemoryKind
}

// Map maps [va, va+length) to [pa, pa+length) with the given
// attributes. Both addresses and the length must be granule-aligned.
// The largest descriptor that alignment allows is used at each step, so
// a well-aligned gigabyte becomes a single level 1 Block. Overlapping an
// existing mapping fails with ErrMappingExists; descriptors written
// before the collision stay in place.
func (pt *PageTables) Map(va memarch.VirtualAddress, length uint64, pa memarch.PhysicalAddress, opts MapOpts) error {
	if pt.alloc == nil {
		return ErrReadOnly
	}
	if !va.IsAligned(memarch.GranuleSize) || !pa.IsAligned(memarch.GranuleSize) || length%memarch.GranuleSize != 0 {
		return fmt.Errorf("%w: va=%v pa=%v length=%#x", ErrMisaligned, va, pa, length)
	}
	if length == 0 {
		return nil
	}
	end := va + memarch.VirtualAddress(length)
	if end < va || !va.IsCanonical() || !(end - 1).IsCanonical() || (va <= memarch.LowerTop) != (end-1 <= memarch.LowerTop) {
		return fmt.Errorf("%w: [%v, %v)", ErrNonCanonical, va, end)
	}
	attrs := encodeAttrs(opts)
	for va < end {
		if err := pt.mapNext(&va, end, &pa, attrs); err != nil {
			return err
		}
	}
	return nil
}

// mapNext installs the single largest descriptor possible at va and
// advances va and pa past it, allocating intermediate tables on the way
// down.
func (pt *PageTables) mapNext(va *memarch.VirtualAddress, end memarch.VirtualAddress, pa *memarch.PhysicalAddress, attrs uint64) error {
	table := pt.root
	for level := 0; ; level++ {
		span := entrySpan(level)
		index := indexForLevel(*va, level)
		daddr := descriptorAddress(table, index)
		desc := pt.mem.ReadWord(daddr)
		kind, legal := classifyDescriptor(desc, level)
		if !legal {
			return fmt.Errorf("pagetables: corrupt descriptor %#x at %v (level %d)", desc, daddr, level)
		}

		// A leaf fits here if this is the last level, or a Block is
		// legal and the whole span is covered and aligned.
		leafFits := level == lastLevel ||
			(level > 0 && va.IsAligned(span) && pa.IsAligned(span) && uint64(end-*va) >= span)

		switch kind {
		case descriptorInvalid:
			if leafFits {
				pt.mem.WriteWord(daddr, newLeafDescriptor(level, *pa, attrs))
				*va += memarch.VirtualAddress(span)
				*pa += memarch.PhysicalAddress(span)
				return nil
			}
			child, err := pt.alloc.AllocTable()
			if err != nil {
				return fmt.Errorf("pagetables: allocating level %d table: %w", level+1, err)
			}
			pt.mem.WriteWord(daddr, newTableDescriptor(child))
			table = child
		case descriptorTable:
			table = tableAddress(desc)
		default: // Block or Page.
			return fmt.Errorf("%w: %v", ErrMappingExists, *va)
		}
	}
}

// Translation is the result of a successful Lookup.
type Translation struct {
	// Physical is the translated address: the leaf's output address
	// plus the offset of the virtual address within the leaf's span.
	Physical memarch.PhysicalAddress

	// Length is the leaf's span in bytes.
	Length uint64

	// Kind and Perms are the leaf's decoded attributes.
	Kind  MemoryKind
	Perms AccessPermissions
}

// Lookup translates a single virtual address by descending from the
// root. It returns false if the address is unmapped, non-canonical or
// leads through a corrupt descriptor.
func (pt *PageTables) Lookup(va memarch.VirtualAddress) (Translation, bool) {
	if !va.IsCanonical() {
		return Translation{}, false
	}
	table := pt.root
	for level := 0; level < numLevels; level++ {
		desc := pt.readDescriptor(table, indexForLevel(va, level))
		kind, legal := classifyDescriptor(desc, level)
		if !legal || kind == descriptorInvalid {
			return Translation{}, false
		}
		if kind == descriptorTable {
			table = tableAddress(desc)
			continue
		}
		span := entrySpan(level)
		base := memarch.PhysicalAddress(bits.Field(desc, indexShift(level), outputAddrBits(level)))
		return Translation{
			Physical: base + memarch.PhysicalAddress(uint64(va)&(span-1)),
			Length:   span,
			Kind:     decodeKind(desc),
			Perms:    decodePerms(desc),
		}, true
	}
	return Translation{}, false
}
