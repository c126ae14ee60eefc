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

// Package slab implements a size-class object allocator on top of a
// page-granular upstream.
//
// Requests are rounded up to a generated table of object sizes (bins)
// chosen so that rounding wastes at most 1/8 of an object and the
// unusable tail of a slab page at most 1/32 of the page. Each bin draws
// objects from slab pages obtained upstream; free slots within a page
// are chained through the page's own memory, and slots never used yet
// are tracked by a high-water mark so a fresh page needs no
// initialization pass.
//
// Per bin the allocator keeps one active page it draws from, plus six
// watermark queues holding the rest: queue 0 for full pages and queues
// 1..5 for pages by fraction of slots free, in 20% steps. When the
// active page fills up, a replacement is picked by policy either from
// the most-free or the least-free non-empty queue. A page whose last
// object is freed goes back upstream immediately.
package slab

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"mei.dev/mei/pkg/memarch"
)

// Memory is the physical memory slab pages live in. Free-list links are
// threaded through it as little-endian halfwords. physmem.Arena
// implements it.
type Memory interface {
	ReadHalf(memarch.PhysicalAddress) uint16
	WriteHalf(memarch.PhysicalAddress, uint16)
	Contains(memarch.PhysicalAddress, uint64) bool
}

// Upstream is the page source slabs are carved from. Sizes are in bytes
// and always granule multiples; returned extents are granule-aligned
// and contiguous.
type Upstream interface {
	AllocPage(size uint64) (memarch.PhysicalAddress, error)
	FreePage(base memarch.PhysicalAddress, size uint64)
}

// NewUpstreamFunc builds the upstream page source managing [start, end).
type NewUpstreamFunc func(start, end memarch.PhysicalAddress) (Upstream, error)

// Layout is an allocation request: a size and an optional power-of-two
// alignment (0 means no requirement beyond the slot's natural one).
type Layout struct {
	Size  uint64
	Align uint64
}

// Policy selects the replacement page when the active page fills up.
type Policy int

const (
	// MostFree takes from the emptiest non-full queue, spreading load
	// and keeping per-page occupancy low.
	MostFree Policy = iota

	// LeastFree takes from the fullest non-full queue, packing pages
	// tight so nearly-empty ones can drain and be released.
	LeastFree
)

var (
	// ErrOutOfMemory is returned when the upstream source cannot
	// supply a page.
	ErrOutOfMemory = errors.New("slab: out of memory")

	// ErrInvalidLayout is returned for zero or oversized requests,
	// non-power-of-two or unserveable alignments, and frees whose
	// layout disagrees with the page's recorded bin.
	ErrInvalidLayout = errors.New("slab: invalid layout")

	// ErrNotAllocated is returned by Free for addresses in no live
	// slab page.
	ErrNotAllocated = errors.New("slab: address not managed by the allocator")

	// ErrBadPointer is returned by Free for addresses inside a slab
	// page that do not start an object.
	ErrBadPointer = errors.New("slab: address does not start an object")
)

// freeListEnd terminates a page's in-memory free list. Slot indices are
// 16-bit and slab pages hold far fewer slots than 0xffff.
const freeListEnd = 0xffff

// bucketCount is one full-page queue plus five free-fraction queues.
const bucketCount = 6

// page is the metadata of one slab page. The page's payload lives in
// physical memory; only this record is a Go object.
type page struct {
	pageEntry

	base memarch.PhysicalAddress
	bin  int

	// bucket is the queue the page sits on, or -1 while it is the
	// bin's active page.
	bucket int

	// freeCount is the number of free slots, counting untouched ones.
	freeCount uint16

	// untouched counts trailing slots never handed out. They carry no
	// free-list link yet; the first untouched slot is
	// SlotCount-untouched.
	untouched uint16

	// freeHead starts the chain of freed slots, threaded through the
	// first two bytes of each free slot. freeListEnd when empty.
	freeHead uint16
}

// binState is the per-bin allocation state.
type binState struct {
	active *page
	queues [bucketCount]pageList
}

// Allocator is a slab allocator. It is not safe for concurrent use.
type Allocator struct {
	mem      Memory
	upstream Upstream
	policy   Policy
	log      logrus.FieldLogger

	bins     []binState
	granules map[memarch.PhysicalAddress]*page
	live     uint64
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithPolicy selects the replacement policy. The default is MostFree.
func WithPolicy(p Policy) Option {
	return func(a *Allocator) { a.policy = p }
}

// WithLogger routes the allocator's debug logging. By default it is
// discarded.
func WithLogger(log logrus.FieldLogger) Option {
	return func(a *Allocator) { a.log = log }
}

// New creates an allocator serving objects out of [start, end) of mem,
// drawing and returning pages through the upstream source newUpstream
// builds over that range.
func New(mem Memory, start, end memarch.PhysicalAddress, newUpstream NewUpstreamFunc, opts ...Option) (*Allocator, error) {
	if !start.IsAligned(memarch.GranuleSize) || !end.IsAligned(memarch.GranuleSize) || start >= end {
		return nil, fmt.Errorf("slab: bad managed range [%v, %v)", start, end)
	}
	if !mem.Contains(start, uint64(end-start)) {
		return nil, fmt.Errorf("slab: managed range [%v, %v) outside memory", start, end)
	}
	up, err := newUpstream(start, end)
	if err != nil {
		return nil, fmt.Errorf("slab: initializing upstream: %w", err)
	}
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	a := &Allocator{
		mem:      mem,
		upstream: up,
		policy:   MostFree,
		log:      discard,
		bins:     make([]binState, len(bins)),
		granules: make(map[memarch.PhysicalAddress]*page),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Upstream returns the page source built at construction, for
// introspection and tests.
func (a *Allocator) Upstream() Upstream {
	return a.upstream
}

// binFor maps a layout to its bin: the smallest object size that holds
// Size and is a multiple of Align. Every power of two through
// MaxObjectSize is a bin, so any legal alignment terminates the scan.
func binFor(layout Layout) (int, error) {
	align := layout.Align
	if align == 0 {
		align = 1
	}
	if layout.Size == 0 || layout.Size > MaxObjectSize || align > MaxObjectSize || align&(align-1) != 0 {
		return 0, fmt.Errorf("%w: size=%d align=%d", ErrInvalidLayout, layout.Size, layout.Align)
	}
	idx, _ := binIndex(layout.Size)
	for uint64(bins[idx].ObjectSize)%align != 0 {
		idx++
	}
	return idx, nil
}

// bucketFor returns the watermark queue for a page with the given free
// count: 0 when full, otherwise ceil(5*free/capacity), so queue k holds
// pages up to k*20% free.
func bucketFor(free, capacity uint16) int {
	if free == 0 {
		return 0
	}
	return int((uint32(free)*(bucketCount-1) + uint32(capacity) - 1) / uint32(capacity))
}

func (a *Allocator) slotAddr(p *page, slot uint16) memarch.PhysicalAddress {
	return p.base + memarch.PhysicalAddress(slot)*memarch.PhysicalAddress(bins[p.bin].ObjectSize)
}

// Alloc returns the address of a free slot satisfying layout. The
// slot's memory is not zeroed.
func (a *Allocator) Alloc(layout Layout) (memarch.PhysicalAddress, error) {
	idx, err := binFor(layout)
	if err != nil {
		return 0, err
	}
	bs := &a.bins[idx]
	p := bs.active
	if p == nil {
		if p, err = a.takePage(idx); err != nil {
			return 0, err
		}
		bs.active = p
	}

	slot := a.popSlot(p)
	p.freeCount--
	a.live++
	if p.freeCount == 0 {
		bs.active = nil
		p.bucket = 0
		bs.queues[0].PushFront(p)
	}
	return a.slotAddr(p, slot), nil
}

// popSlot takes a free slot off p, preferring recycled slots over
// never-used ones. The caller has checked freeCount > 0.
func (a *Allocator) popSlot(p *page) uint16 {
	if p.freeHead != freeListEnd {
		slot := p.freeHead
		p.freeHead = a.mem.ReadHalf(a.slotAddr(p, slot))
		return slot
	}
	slot := bins[p.bin].SlotCount - p.untouched
	p.untouched--
	return slot
}

// takePage produces the bin's next active page: a queued partial page
// chosen by policy, or a fresh extent from upstream.
func (a *Allocator) takePage(idx int) (*page, error) {
	bs := &a.bins[idx]
	// Queue 0 holds full pages and never serves.
	if a.policy == MostFree {
		for b := bucketCount - 1; b >= 1; b-- {
			if p := bs.queues[b].Front(); p != nil {
				bs.queues[b].Remove(p)
				p.bucket = -1
				return p, nil
			}
		}
	} else {
		for b := 1; b < bucketCount; b++ {
			if p := bs.queues[b].Front(); p != nil {
				bs.queues[b].Remove(p)
				p.bucket = -1
				return p, nil
			}
		}
	}

	bin := bins[idx]
	base, err := a.upstream.AllocPage(uint64(bin.PageSize))
	if err != nil {
		return nil, fmt.Errorf("%w: bin %d (object size %d): %v", ErrOutOfMemory, idx, bin.ObjectSize, err)
	}
	p := &page{
		base:      base,
		bin:       idx,
		bucket:    -1,
		freeCount: bin.SlotCount,
		untouched: bin.SlotCount,
		freeHead:  freeListEnd,
	}
	for g := 0; g < bin.Granules(); g++ {
		a.granules[base+memarch.PhysicalAddress(g)*memarch.GranuleSize] = p
	}
	a.log.WithFields(logrus.Fields{
		"bin":  bin.ObjectSize,
		"base": base,
	}).Debug("slab page allocated")
	return p, nil
}

// Free returns the object at addr to its page. The layout must agree
// with the one the object was allocated with; a disagreeing size class
// is reported, not honored. Freeing an address twice corrupts the
// page's free list; the allocator does not detect it.
func (a *Allocator) Free(addr memarch.PhysicalAddress, layout Layout) error {
	p := a.granules[addr.RoundDown(memarch.GranuleSize)]
	if p == nil {
		return fmt.Errorf("%w: %v", ErrNotAllocated, addr)
	}
	idx, err := binFor(layout)
	if err != nil {
		return err
	}
	if idx != p.bin {
		return fmt.Errorf("%w: freeing %v with size class %d, page is class %d",
			ErrInvalidLayout, addr, bins[idx].ObjectSize, bins[p.bin].ObjectSize)
	}
	bin := bins[p.bin]
	off := uint64(addr - p.base)
	if off%uint64(bin.ObjectSize) != 0 || off/uint64(bin.ObjectSize) >= uint64(bin.SlotCount) {
		return fmt.Errorf("%w: %v in a %d-byte bin page at %v", ErrBadPointer, addr, bin.ObjectSize, p.base)
	}
	slot := uint16(off / uint64(bin.ObjectSize))

	a.mem.WriteHalf(a.slotAddr(p, slot), p.freeHead)
	p.freeHead = slot
	p.freeCount++
	a.live--

	bs := &a.bins[p.bin]
	if p.freeCount == bin.SlotCount {
		a.releasePage(bs, p, bin)
		return nil
	}
	if bs.active == p {
		return nil
	}
	if b := bucketFor(p.freeCount, bin.SlotCount); b != p.bucket {
		bs.queues[p.bucket].Remove(p)
		p.bucket = b
		bs.queues[b].PushFront(p)
	}
	return nil
}

// releasePage gives a fully free page back upstream.
func (a *Allocator) releasePage(bs *binState, p *page, bin Bin) {
	if bs.active == p {
		bs.active = nil
	} else {
		bs.queues[p.bucket].Remove(p)
	}
	for g := 0; g < bin.Granules(); g++ {
		delete(a.granules, p.base+memarch.PhysicalAddress(g)*memarch.GranuleSize)
	}
	a.upstream.FreePage(p.base, uint64(bin.PageSize))
	a.log.WithFields(logrus.Fields{
		"bin":  bin.ObjectSize,
		"base": p.base,
	}).Debug("slab page released")
}

// Live returns the number of outstanding objects.
func (a *Allocator) Live() uint64 {
	return a.live
}

// BinStats is a snapshot of one bin's state.
type BinStats struct {
	ObjectSize uint32
	Pages      int
	FreeSlots  uint64
}

// Stats reports, for every bin with at least one page, its page count
// and free slots.
func (a *Allocator) Stats() []BinStats {
	seen := make(map[*page]bool)
	perBin := make([]BinStats, len(bins))
	for _, p := range a.granules {
		if seen[p] {
			continue
		}
		seen[p] = true
		perBin[p.bin].Pages++
		perBin[p.bin].FreeSlots += uint64(p.freeCount)
	}
	var out []BinStats
	for i, s := range perBin {
		if s.Pages > 0 {
			s.ObjectSize = bins[i].ObjectSize
			out = append(out, s)
		}
	}
	return out
}
