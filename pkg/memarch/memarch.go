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

// Package memarch defines the target machine's address types and page
// geometry.
//
// Physical and virtual addresses are distinct types and are never mixed
// without an explicit conversion; translation between the two is the
// business of pkg/pagetables.
package memarch

import "fmt"

const (
	// GranuleShift is the binary log of the translation granule.
	// 4K granule: 2^12 = 4096.
	GranuleShift = 12

	// GranuleSize is the base page size of the translation scheme, the
	// smallest mappable unit.
	GranuleSize = 1 << GranuleShift
)

// Address space split for a 48-bit VA with 16 ignored MSBs: the low half
// is selected by TTBR0, the high half by TTBR1. Everything in between is
// non-canonical.
const (
	LowerTop    VirtualAddress = 0x0000ffffffffffff
	UpperBottom VirtualAddress = 0xffff000000000000
)

// PhysicalAddress is a byte address in the physical address space.
type PhysicalAddress uint64

// VirtualAddress is a byte address in a translated address space.
type VirtualAddress uint64

// RoundDown returns the address rounded down to a multiple of align.
// align must be a power of two.
func (p PhysicalAddress) RoundDown(align uint64) PhysicalAddress {
	return p &^ PhysicalAddress(align-1)
}

// RoundUp returns the address rounded up to a multiple of align. align
// must be a power of two. ok is false iff rounding up wrapped around.
func (p PhysicalAddress) RoundUp(align uint64) (addr PhysicalAddress, ok bool) {
	addr = (p + PhysicalAddress(align-1)).RoundDown(align)
	ok = addr >= p
	return
}

// IsAligned returns true if the address is a multiple of align.
func (p PhysicalAddress) IsAligned(align uint64) bool {
	return p&PhysicalAddress(align-1) == 0
}

// String implements fmt.Stringer.String.
func (p PhysicalAddress) String() string {
	return fmt.Sprintf("%#x_P", uint64(p))
}

// RoundDown returns the address rounded down to a multiple of align.
// align must be a power of two.
func (v VirtualAddress) RoundDown(align uint64) VirtualAddress {
	return v &^ VirtualAddress(align-1)
}

// RoundUp returns the address rounded up to a multiple of align. align
// must be a power of two. ok is false iff rounding up wrapped around.
func (v VirtualAddress) RoundUp(align uint64) (addr VirtualAddress, ok bool) {
	addr = (v + VirtualAddress(align-1)).RoundDown(align)
	ok = addr >= v
	return
}

// IsAligned returns true if the address is a multiple of align.
func (v VirtualAddress) IsAligned(align uint64) bool {
	return v&VirtualAddress(align-1) == 0
}

// IsCanonical returns true if the address lies in either the TTBR0 or
// the TTBR1 half of the address space.
func (v VirtualAddress) IsCanonical() bool {
	return v <= LowerTop || v >= UpperBottom
}

// PageOffset returns the offset of the address within its granule.
func (v VirtualAddress) PageOffset() uint64 {
	return uint64(v) & (GranuleSize - 1)
}

// String implements fmt.Stringer.String.
func (v VirtualAddress) String() string {
	return fmt.Sprintf("%#x_V", uint64(v))
}
