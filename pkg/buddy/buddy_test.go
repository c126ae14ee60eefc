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

package buddy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mei.dev/mei/pkg/memarch"
	"mei.dev/mei/pkg/physmem"
	"mei.dev/mei/pkg/slab"
)

const regionStart = memarch.PhysicalAddress(0x10_0000)

func newTestAllocator(t *testing.T, size uint64) (*Allocator, *physmem.Arena) {
	t.Helper()
	arena := physmem.NewArena(regionStart, size)
	a, err := New(arena, regionStart, regionStart+memarch.PhysicalAddress(size), memarch.GranuleSize, size)
	require.NoError(t, err)
	return a, arena
}

func TestSanity(t *testing.T) {
	a, _ := newTestAllocator(t, 1<<20)
	assert.Equal(t, uint64(1<<20), a.FreeBytes())

	p1, err := a.Alloc(memarch.GranuleSize)
	require.NoError(t, err)
	p2, err := a.Alloc(memarch.GranuleSize)
	require.NoError(t, err)
	assert.NotEqual(t, p1, p2)
	assert.True(t, p1.IsAligned(memarch.GranuleSize))

	p3, err := a.Alloc(2 * memarch.GranuleSize)
	require.NoError(t, err)
	assert.True(t, p3.IsAligned(2*memarch.GranuleSize))

	assert.Equal(t, uint64(1<<20)-4*memarch.GranuleSize, a.FreeBytes())

	require.NoError(t, a.Free(p1, memarch.GranuleSize))
	require.NoError(t, a.Free(p2, memarch.GranuleSize))
	require.NoError(t, a.Free(p3, 2*memarch.GranuleSize))
	assert.Equal(t, uint64(1<<20), a.FreeBytes())
}

func TestCoalesce(t *testing.T) {
	const size = 16 * memarch.GranuleSize
	a, _ := newTestAllocator(t, size)

	var pages []memarch.PhysicalAddress
	for i := 0; i < 16; i++ {
		p, err := a.Alloc(memarch.GranuleSize)
		require.NoError(t, err)
		pages = append(pages, p)
	}
	_, err := a.Alloc(memarch.GranuleSize)
	assert.ErrorIs(t, err, ErrNoMemory)

	for _, p := range pages {
		require.NoError(t, a.Free(p, memarch.GranuleSize))
	}
	assert.Equal(t, uint64(size), a.FreeBytes())

	// Everything merged back into one block.
	p, err := a.Alloc(size)
	require.NoError(t, err)
	assert.Equal(t, regionStart, p)
}

func TestBuddyReuse(t *testing.T) {
	a, _ := newTestAllocator(t, 64*memarch.GranuleSize)

	p1, err := a.Alloc(memarch.GranuleSize)
	require.NoError(t, err)
	p2, err := a.Alloc(memarch.GranuleSize)
	require.NoError(t, err)

	// p2 is still live, so freeing p1 must not coalesce; the next
	// allocation gets the same block back.
	require.NoError(t, a.Free(p1, memarch.GranuleSize))
	p3, err := a.Alloc(memarch.GranuleSize)
	require.NoError(t, err)
	assert.Equal(t, p1, p3)

	require.NoError(t, a.Free(p2, memarch.GranuleSize))
	require.NoError(t, a.Free(p3, memarch.GranuleSize))

	p4, err := a.Alloc(2 * memarch.GranuleSize)
	require.NoError(t, err)
	assert.Equal(t, p1&p2, p4)
}

func TestSmallBlocks(t *testing.T) {
	// Sub-granule blocks, down to the 16-byte minimum.
	arena := physmem.NewArena(0x1000, 1<<16)
	a, err := New(arena, 0x1000, 0x1000+(1<<16), MinBlockSize, 1<<16)
	require.NoError(t, err)

	p1, err := a.Alloc(16)
	require.NoError(t, err)
	p2, err := a.Alloc(48)
	require.NoError(t, err)
	assert.True(t, p2.IsAligned(64), "48 bytes rounds to a 64-byte block")

	require.NoError(t, a.Free(p1, 16))
	require.NoError(t, a.Free(p2, 48))
	assert.Equal(t, uint64(1<<16), a.FreeBytes())
}

func TestMaxAllocCapsBlocks(t *testing.T) {
	// A 64K region capped at 16K blocks: seeded as four top blocks,
	// and bigger requests are refused even though the bytes exist.
	const size = 16 * memarch.GranuleSize
	arena := physmem.NewArena(regionStart, size)
	a, err := New(arena, regionStart, regionStart+size, memarch.GranuleSize, 4*memarch.GranuleSize)
	require.NoError(t, err)
	assert.Equal(t, uint64(size), a.FreeBytes())

	_, err = a.Alloc(8 * memarch.GranuleSize)
	assert.ErrorIs(t, err, ErrTooLarge)

	p, err := a.Alloc(4 * memarch.GranuleSize)
	require.NoError(t, err)
	require.NoError(t, a.Free(p, 4*memarch.GranuleSize))
	assert.Equal(t, uint64(size), a.FreeBytes())
}

func TestRequestsRoundUp(t *testing.T) {
	a, _ := newTestAllocator(t, 1<<20)

	p, err := a.Alloc(5000)
	require.NoError(t, err)
	assert.True(t, p.IsAligned(2*memarch.GranuleSize))
	assert.Equal(t, uint64(1<<20)-2*memarch.GranuleSize, a.FreeBytes())
	require.NoError(t, a.Free(p, 5000))
	assert.Equal(t, uint64(1<<20), a.FreeBytes())
}

func TestNonPowerOfTwoRegion(t *testing.T) {
	// 12KiB: a 4K block that can never pair plus an 8K block.
	arena := physmem.NewArena(0x1000, 3*memarch.GranuleSize)
	a, err := New(arena, 0x1000, 0x1000+3*memarch.GranuleSize, memarch.GranuleSize, 4*memarch.GranuleSize)
	require.NoError(t, err)
	assert.Equal(t, uint64(3*memarch.GranuleSize), a.FreeBytes())

	p1, err := a.Alloc(2 * memarch.GranuleSize)
	require.NoError(t, err)
	assert.Equal(t, memarch.PhysicalAddress(0x2000), p1)
	p2, err := a.Alloc(memarch.GranuleSize)
	require.NoError(t, err)
	assert.Equal(t, memarch.PhysicalAddress(0x1000), p2)

	require.NoError(t, a.Free(p1, 2*memarch.GranuleSize))
	require.NoError(t, a.Free(p2, memarch.GranuleSize))
	assert.Equal(t, uint64(3*memarch.GranuleSize), a.FreeBytes())
}

func TestValidation(t *testing.T) {
	arena := physmem.NewArena(0, 1<<20)
	_, err := New(arena, 0, 1<<20, memarch.GranuleSize, 1<<20)
	assert.Error(t, err, "address 0 is the list terminator")

	_, err = New(arena, 0x1000, 0x2000, 24, 4096)
	assert.Error(t, err, "minimum block size must be a power of two")

	a, _ := newTestAllocator(t, 1<<20)
	_, err = a.Alloc(0)
	assert.Error(t, err)
	_, err = a.Alloc(2 << 20)
	assert.ErrorIs(t, err, ErrTooLarge)

	assert.ErrorIs(t, a.Free(regionStart+0x200, memarch.GranuleSize), ErrBadFree)
	assert.ErrorIs(t, a.Free(0x1000, memarch.GranuleSize), ErrBadFree)
}

func TestAllocTableIsZeroed(t *testing.T) {
	a, arena := newTestAllocator(t, 64*memarch.GranuleSize)

	p, err := a.Alloc(memarch.GranuleSize)
	require.NoError(t, err)
	arena.WriteWord(p+0x100, 0xdeadbeef)
	require.NoError(t, a.Free(p, memarch.GranuleSize))

	tbl, err := a.AllocTable()
	require.NoError(t, err)
	require.True(t, tbl.IsAligned(memarch.GranuleSize))
	for off := memarch.PhysicalAddress(0); off < memarch.GranuleSize; off += 8 {
		require.Zero(t, arena.ReadWord(tbl+off), "dirty word at +%#x", off)
	}
}

func TestServesSlabUpstream(t *testing.T) {
	const size = 1 << 20
	arena := physmem.NewArena(regionStart, size)

	var a *Allocator
	s, err := slab.New(arena, regionStart, regionStart+size,
		func(start, end memarch.PhysicalAddress) (slab.Upstream, error) {
			var err error
			a, err = New(arena, start, end, memarch.GranuleSize, size)
			return a, err
		})
	require.NoError(t, err)

	type obj struct {
		addr   memarch.PhysicalAddress
		layout slab.Layout
	}
	var objs []obj
	for i := 0; i < 200; i++ {
		layout := slab.Layout{Size: uint64(1 + i*7%slab.MaxObjectSize)}
		p, err := s.Alloc(layout)
		require.NoError(t, err)
		objs = append(objs, obj{p, layout})
	}
	assert.Less(t, a.FreeBytes(), uint64(size))

	for _, o := range objs {
		require.NoError(t, s.Free(o.addr, o.layout))
	}
	// Every slab page drained back and coalesced.
	assert.Equal(t, uint64(size), a.FreeBytes())
}
