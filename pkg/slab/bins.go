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

package slab

import (
	"fmt"

	"mei.dev/mei/pkg/memarch"
)

const (
	// MinObjectSize is the smallest bin. Requests below it are rounded
	// up; a free slot must hold a 2-byte free-list link, and 16 bytes
	// keeps every slot pointer-aligned.
	MinObjectSize = 16

	// MaxObjectSize is the largest request the allocator serves.
	// Anything bigger should go to the page allocator directly.
	MaxObjectSize = 2048

	// maxBins bounds the generated bin table.
	maxBins = 100

	// maxPageGranules bounds a slab page to 16 granules (64KiB). A
	// 64KiB page always tail-wastes less than MaxObjectSize bytes,
	// which is exactly 1/32 of it, so a conforming page size exists for
	// every bin.
	maxPageGranules = 16
)

// Fragmentation bounds the bin table is generated against: at most 1/8
// of an object lost to rounding the request up, at most 1/32 of a slab
// page lost to the tail that no slot fits in.
const (
	internalWasteDenom = 8
	externalWasteDenom = 32
)

// Bin describes one object size class.
type Bin struct {
	// ObjectSize is the slot size in bytes.
	ObjectSize uint32

	// PageSize is the size of this bin's slab pages in bytes, a
	// multiple of the granule.
	PageSize uint32

	// SlotCount is the number of objects per slab page.
	SlotCount uint16
}

// Granules returns the number of granules in one of the bin's pages.
func (b Bin) Granules() int {
	return int(b.PageSize / memarch.GranuleSize)
}

var (
	// bins is the generated size-class table, ascending by object size.
	bins []Bin

	// sizeToBin maps a request size directly to its bin index, so the
	// size-class decision is one array load.
	sizeToBin [MaxObjectSize + 1]uint8
)

// Bins returns a copy of the size-class table.
func Bins() []Bin {
	out := make([]Bin, len(bins))
	copy(out, bins)
	return out
}

// binIndex returns the bin for a request, or false if the request is
// zero or too large.
func binIndex(size uint64) (int, bool) {
	if size == 0 || size > MaxObjectSize {
		return 0, false
	}
	return int(sizeToBin[size]), true
}

// nextObjectSize returns the object size following cur. Sizes grow in
// even steps of roughly cur/8, which keeps the rounding waste of any
// request within 1/8 of the object, and are capped at the next power of
// two so that every power of two up to MaxObjectSize is itself a bin
// and aligned requests can be served exactly.
func nextObjectSize(cur uint32) uint32 {
	step := (cur / internalWasteDenom) &^ 1
	if step < 2 {
		step = 2
	}
	next := cur + step
	pow := uint32(1)
	for pow <= cur {
		pow <<= 1
	}
	if next > pow {
		next = pow
	}
	return next
}

// pageSizeFor picks the smallest page of whole granules whose tail
// waste stays within 1/32 of the page.
func pageSizeFor(objectSize uint32) uint32 {
	for g := uint32(1); g <= maxPageGranules; g++ {
		pageSize := g * memarch.GranuleSize
		if pageSize < objectSize {
			continue
		}
		if pageSize%objectSize <= pageSize/externalWasteDenom {
			return pageSize
		}
	}
	// Unreachable: 16 granules always conform, see maxPageGranules.
	panic(fmt.Sprintf("slab: no page size for object size %d", objectSize))
}

func init() {
	for size := uint32(MinObjectSize); size <= MaxObjectSize; size = nextObjectSize(size) {
		pageSize := pageSizeFor(size)
		bins = append(bins, Bin{
			ObjectSize: size,
			PageSize:   pageSize,
			SlotCount:  uint16(pageSize / size),
		})
	}
	if len(bins) > maxBins {
		panic(fmt.Sprintf("slab: %d bins generated, limit is %d", len(bins), maxBins))
	}
	idx := 0
	for size := 1; size <= MaxObjectSize; size++ {
		for uint32(size) > bins[idx].ObjectSize {
			idx++
		}
		sizeToBin[size] = uint8(idx)
	}
}
