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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mei.dev/mei/pkg/memarch"
	"mei.dev/mei/pkg/physmem"
)

const (
	testBase = memarch.PhysicalAddress(0x4000_0000)
	testSize = 4 << 20
)

// bumpAllocator hands out zeroed tables from the front of an arena.
type bumpAllocator struct {
	arena *physmem.Arena
	next  memarch.PhysicalAddress
}

func newBumpAllocator(arena *physmem.Arena) *bumpAllocator {
	return &bumpAllocator{arena: arena, next: arena.Base()}
}

func (b *bumpAllocator) AllocTable() (memarch.PhysicalAddress, error) {
	addr := b.next
	b.next += TableSize
	b.arena.Zero(addr, TableSize)
	return addr, nil
}

func newTestTables(t *testing.T) (*PageTables, *physmem.Arena, *bumpAllocator) {
	t.Helper()
	arena := physmem.NewArena(testBase, testSize)
	alloc := newBumpAllocator(arena)
	pt, err := New(arena, alloc)
	require.NoError(t, err)
	return pt, arena, alloc
}

func TestMapLookupPage(t *testing.T) {
	pt, _, _ := newTestTables(t)

	require.NoError(t, pt.Map(0x1000, memarch.GranuleSize, 0x2000, MapOpts{
		Perms: EL1Read | EL1Write,
	}))

	tr, ok := pt.Lookup(0x1000)
	require.True(t, ok)
	assert.Equal(t, memarch.PhysicalAddress(0x2000), tr.Physical)
	assert.Equal(t, uint64(memarch.GranuleSize), tr.Length)
	assert.Equal(t, Normal, tr.Kind)
	assert.Equal(t, EL1Read|EL1Write, tr.Perms)

	// Offsets within the page translate to offsets within the frame.
	tr, ok = pt.Lookup(0x1abc)
	require.True(t, ok)
	assert.Equal(t, memarch.PhysicalAddress(0x2abc), tr.Physical)

	_, ok = pt.Lookup(0x0)
	assert.False(t, ok)
	_, ok = pt.Lookup(0x2000)
	assert.False(t, ok)
}

func TestMapUsesBlocks(t *testing.T) {
	pt, _, _ := newTestTables(t)

	// 1GiB aligned on both sides: a single level 1 Block.
	g := uint64(1) << 30
	require.NoError(t, pt.Map(memarch.VirtualAddress(g), g, memarch.PhysicalAddress(2*g), MapOpts{
		Perms: EL1Read | EL1Write,
	}))

	tr, ok := pt.Lookup(memarch.VirtualAddress(g))
	require.True(t, ok)
	assert.Equal(t, g, tr.Length)
	assert.Equal(t, memarch.PhysicalAddress(2*g), tr.Physical)

	// Misaligned physical side: falls back to smaller descriptors.
	m := uint64(2) << 20
	require.NoError(t, pt.Map(memarch.VirtualAddress(8*g), m, 0x3000, MapOpts{
		Perms: EL1Read,
	}))
	tr, ok = pt.Lookup(memarch.VirtualAddress(8 * g))
	require.True(t, ok)
	assert.Equal(t, uint64(memarch.GranuleSize), tr.Length)
	assert.Equal(t, memarch.PhysicalAddress(0x3000), tr.Physical)
}

func TestMapDeviceUpperHalf(t *testing.T) {
	pt, _, _ := newTestTables(t)

	va := memarch.UpperBottom + 0x10000
	require.NoError(t, pt.Map(va, 2*memarch.GranuleSize, 0x900_0000, MapOpts{
		Perms: EL1Read | EL1Write,
		Kind:  Device,
	}))

	tr, ok := pt.Lookup(va + memarch.GranuleSize)
	require.True(t, ok)
	assert.Equal(t, Device, tr.Kind)
	assert.Equal(t, memarch.PhysicalAddress(0x900_1000), tr.Physical)
}

func TestMapExecutePermissions(t *testing.T) {
	pt, _, _ := newTestTables(t)

	require.NoError(t, pt.Map(0x1000, memarch.GranuleSize, 0x2000, MapOpts{
		Perms: EL1Read | EL1Execute,
	}))
	require.NoError(t, pt.Map(0x2000, memarch.GranuleSize, 0x3000, MapOpts{
		Perms: EL1Read | EL0Read | EL0Execute,
	}))

	tr, ok := pt.Lookup(0x1000)
	require.True(t, ok)
	assert.Equal(t, EL1Read|EL1Execute, tr.Perms)

	tr, ok = pt.Lookup(0x2000)
	require.True(t, ok)
	assert.Equal(t, EL1Read|EL0Read|EL0Execute, tr.Perms)
}

func TestMapRejectsOverlap(t *testing.T) {
	pt, _, _ := newTestTables(t)

	require.NoError(t, pt.Map(0x1000, 2*memarch.GranuleSize, 0x2000, MapOpts{Perms: EL1Read}))
	assert.ErrorIs(t, pt.Map(0x2000, memarch.GranuleSize, 0x8000, MapOpts{Perms: EL1Read}), ErrMappingExists)
}

func TestMapValidation(t *testing.T) {
	pt, _, _ := newTestTables(t)

	assert.ErrorIs(t, pt.Map(0x1001, memarch.GranuleSize, 0x2000, MapOpts{}), ErrMisaligned)
	assert.ErrorIs(t, pt.Map(0x1000, memarch.GranuleSize, 0x2001, MapOpts{}), ErrMisaligned)
	assert.ErrorIs(t, pt.Map(0x1000, 100, 0x2000, MapOpts{}), ErrMisaligned)

	// The range must not straddle the non-canonical hole.
	assert.ErrorIs(t, pt.Map(memarch.LowerTop-0xfff, 2*memarch.GranuleSize, 0x2000, MapOpts{}), ErrNonCanonical)

	assert.NoError(t, pt.Map(0x1000, 0, 0x2000, MapOpts{}))
}

func TestAttachIsReadOnly(t *testing.T) {
	pt, arena, _ := newTestTables(t)
	require.NoError(t, pt.Map(0x1000, memarch.GranuleSize, 0x2000, MapOpts{Perms: EL1Read}))

	snap := Attach(arena, pt.Root())
	tr, ok := snap.Lookup(0x1000)
	require.True(t, ok)
	assert.Equal(t, memarch.PhysicalAddress(0x2000), tr.Physical)

	assert.ErrorIs(t, snap.Map(0x4000, memarch.GranuleSize, 0x5000, MapOpts{}), ErrReadOnly)
}

func TestLookupNonCanonical(t *testing.T) {
	pt, _, _ := newTestTables(t)
	_, ok := pt.Lookup(memarch.LowerTop + 1)
	assert.False(t, ok)
}
