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

// Package buddy implements a binary buddy allocator over a region of
// physical memory.
//
// Block sizes are powers of two between a configurable minimum and
// maximum. Free blocks of each size sit on a doubly-linked list
// threaded through the blocks themselves; the allocator's own footprint
// is one bit per buddy pair per level, kept outside the managed region.
//
// The pair bit holds the XOR of the two buddies' free states, so both
// alloc and free just flip it, and a free that leaves the bit at zero
// knows without touching memory that the buddy is also free and the
// pair can coalesce one level up.
package buddy

import (
	"errors"
	"fmt"
	"math/bits"

	"mei.dev/mei/pkg/memarch"
)

// Memory is the physical memory the managed region lives in. Free-list
// links are threaded through it as little-endian words. physmem.Arena
// implements it.
type Memory interface {
	ReadWord(memarch.PhysicalAddress) uint64
	WriteWord(memarch.PhysicalAddress, uint64)
	Zero(memarch.PhysicalAddress, uint64)
	Contains(memarch.PhysicalAddress, uint64) bool
}

var (
	// ErrNoMemory is returned when no free block can satisfy a
	// request.
	ErrNoMemory = errors.New("buddy: out of memory")

	// ErrTooLarge is returned for requests bigger than the largest
	// block.
	ErrTooLarge = errors.New("buddy: request exceeds largest block")

	// ErrBadFree is returned for frees that do not name a block
	// boundary of the given size.
	ErrBadFree = errors.New("buddy: free of unaligned or foreign block")
)

// MinBlockSize is the smallest legal minimum block: a free block's two
// list links need 16 bytes.
const MinBlockSize = 16

// Free blocks carry their list links in their first two words.
const (
	linkPrev = 0
	linkNext = 8
)

// level is one block size class. head is 0 when the list is empty,
// which is why the region must not start at physical address 0.
type level struct {
	head     memarch.PhysicalAddress
	pairBits []uint64
	count    int
}

// Allocator is a buddy allocator managing [start, end). It is not safe
// for concurrent use.
type Allocator struct {
	mem      Memory
	start    memarch.PhysicalAddress
	end      memarch.PhysicalAddress
	minAlloc uint64
	levels   []level
}

// New creates an allocator over [start, end), with every byte initially
// free. Blocks range from minAlloc (a power of two, at least
// MinBlockSize) to maxAlloc. The bounds must be minAlloc-aligned,
// inside mem, and start must be nonzero: address 0 is the free-list
// terminator.
func New(mem Memory, start, end memarch.PhysicalAddress, minAlloc, maxAlloc uint64) (*Allocator, error) {
	if minAlloc < MinBlockSize || minAlloc&(minAlloc-1) != 0 {
		return nil, fmt.Errorf("buddy: bad minimum block size %d", minAlloc)
	}
	if maxAlloc < minAlloc || maxAlloc&(maxAlloc-1) != 0 {
		return nil, fmt.Errorf("buddy: bad maximum block size %d", maxAlloc)
	}
	if start == 0 {
		return nil, errors.New("buddy: region cannot start at address 0")
	}
	if !start.IsAligned(minAlloc) || !end.IsAligned(minAlloc) || start >= end {
		return nil, fmt.Errorf("buddy: bad region [%v, %v)", start, end)
	}
	if !mem.Contains(start, uint64(end-start)) {
		return nil, fmt.Errorf("buddy: region [%v, %v) outside arena", start, end)
	}

	a := &Allocator{mem: mem, start: start, end: end, minAlloc: minAlloc}
	size := uint64(end - start)
	for l := 0; a.blockSize(l) <= size && a.blockSize(l) <= maxAlloc; l++ {
		bs := a.blockSize(l)
		pairs := uint64(end+memarch.PhysicalAddress(2*bs-1))/(2*bs) - uint64(start)/(2*bs)
		a.levels = append(a.levels, level{pairBits: make([]uint64, (pairs+63)/64)})
	}
	a.seed()
	return a, nil
}

func (a *Allocator) blockSize(l int) uint64 {
	return a.minAlloc << l
}

// levelFor returns the smallest level whose block holds size bytes.
func (a *Allocator) levelFor(size uint64) (int, error) {
	if size == 0 {
		return 0, errors.New("buddy: zero-size request")
	}
	l := 0
	if size > a.minAlloc {
		l = bits.Len64(size-1) - (bits.Len64(a.minAlloc) - 1)
	}
	if l >= len(a.levels) {
		return 0, fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	}
	return l, nil
}

// seed tiles the region with the largest aligned blocks that fit. Two
// seeded buddies below the top level would have been seeded as their
// parent instead, so no pair bit starts at zero with both blocks
// listed.
func (a *Allocator) seed() {
	cur := a.start
	for cur < a.end {
		l := len(a.levels) - 1
		for l > 0 && (!cur.IsAligned(a.blockSize(l)) || uint64(a.end-cur) < a.blockSize(l)) {
			l--
		}
		a.pushFree(l, cur)
		a.togglePair(l, cur)
		cur += memarch.PhysicalAddress(a.blockSize(l))
	}
}

// buddyOf returns the pair partner of a block, or false when the
// partner lies outside the region and the block can never coalesce.
func (a *Allocator) buddyOf(l int, addr memarch.PhysicalAddress) (memarch.PhysicalAddress, bool) {
	b := addr ^ memarch.PhysicalAddress(a.blockSize(l))
	if b < a.start || uint64(a.end-b) < a.blockSize(l) {
		return 0, false
	}
	return b, true
}

// togglePair flips the free-state XOR bit of addr's pair and returns
// the new value. Blocks without an in-region buddy have no bit; for
// them it always reports 1 so the caller never coalesces.
func (a *Allocator) togglePair(l int, addr memarch.PhysicalAddress) uint64 {
	if _, ok := a.buddyOf(l, addr); !ok {
		return 1
	}
	pairSpan := memarch.PhysicalAddress(2 * a.blockSize(l))
	idx := uint64(addr/pairSpan) - uint64(a.start/pairSpan)
	a.levels[l].pairBits[idx/64] ^= 1 << (idx % 64)
	return (a.levels[l].pairBits[idx/64] >> (idx % 64)) & 1
}

func (a *Allocator) pushFree(l int, addr memarch.PhysicalAddress) {
	lv := &a.levels[l]
	a.mem.WriteWord(addr+linkPrev, 0)
	a.mem.WriteWord(addr+linkNext, uint64(lv.head))
	if lv.head != 0 {
		a.mem.WriteWord(lv.head+linkPrev, uint64(addr))
	}
	lv.head = addr
	lv.count++
}

func (a *Allocator) removeFree(l int, addr memarch.PhysicalAddress) {
	lv := &a.levels[l]
	prev := memarch.PhysicalAddress(a.mem.ReadWord(addr + linkPrev))
	next := memarch.PhysicalAddress(a.mem.ReadWord(addr + linkNext))
	if prev == 0 {
		lv.head = next
	} else {
		a.mem.WriteWord(prev+linkNext, uint64(next))
	}
	if next != 0 {
		a.mem.WriteWord(next+linkPrev, uint64(prev))
	}
	lv.count--
}

// Alloc returns a block of at least size bytes, rounded up to the next
// power-of-two block size. The block is aligned to its size and its
// contents are whatever was there before.
func (a *Allocator) Alloc(size uint64) (memarch.PhysicalAddress, error) {
	want, err := a.levelFor(size)
	if err != nil {
		return 0, err
	}
	from := want
	for from < len(a.levels) && a.levels[from].head == 0 {
		from++
	}
	if from == len(a.levels) {
		return 0, fmt.Errorf("%w: no block for %d bytes", ErrNoMemory, size)
	}

	addr := a.levels[from].head
	a.removeFree(from, addr)
	a.togglePair(from, addr)

	// Split back down, keeping the left half and listing the right.
	for l := from; l > want; l-- {
		half := addr + memarch.PhysicalAddress(a.blockSize(l-1))
		a.pushFree(l-1, half)
		a.togglePair(l-1, half)
	}
	return addr, nil
}

// Free returns the block at addr, previously obtained from Alloc with
// the same size, and greedily merges it with its free buddies.
func (a *Allocator) Free(addr memarch.PhysicalAddress, size uint64) error {
	l, err := a.levelFor(size)
	if err != nil {
		return err
	}
	if addr < a.start || uint64(a.end-addr) < a.blockSize(l) || !addr.IsAligned(a.blockSize(l)) {
		return fmt.Errorf("%w: %v (%d bytes)", ErrBadFree, addr, size)
	}
	for {
		if a.togglePair(l, addr) != 0 || l+1 >= len(a.levels) {
			a.pushFree(l, addr)
			return nil
		}
		// Buddy is free too: absorb it and retry one level up.
		buddy, _ := a.buddyOf(l, addr)
		a.removeFree(l, buddy)
		if buddy < addr {
			addr = buddy
		}
		l++
	}
}

// FreeBytes returns the total bytes currently free.
func (a *Allocator) FreeBytes() uint64 {
	var total uint64
	for l := range a.levels {
		total += uint64(a.levels[l].count) * a.blockSize(l)
	}
	return total
}

// AllocPage obtains a contiguous extent of size bytes, satisfying the
// slab allocator's upstream contract. Sizes that are not a power of two
// round up to the next block size.
func (a *Allocator) AllocPage(size uint64) (memarch.PhysicalAddress, error) {
	return a.Alloc(size)
}

// FreePage releases an extent from AllocPage. The extent must be valid;
// a bad free here means allocator state is corrupt, which is fatal.
func (a *Allocator) FreePage(base memarch.PhysicalAddress, size uint64) {
	if err := a.Free(base, size); err != nil {
		panic(err)
	}
}

// AllocTable returns a zeroed granule-aligned granule for use as a
// descriptor table, satisfying the page-table allocator contract.
func (a *Allocator) AllocTable() (memarch.PhysicalAddress, error) {
	addr, err := a.Alloc(memarch.GranuleSize)
	if err != nil {
		return 0, err
	}
	a.mem.Zero(addr, memarch.GranuleSize)
	return addr, nil
}
