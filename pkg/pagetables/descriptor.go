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
	"mei.dev/mei/pkg/bits"
	"mei.dev/mei/pkg/memarch"
)

// Translation geometry: 4K granule, 48-bit addresses, 4 levels with 9
// index bits each.
const (
	numLevels       = 4
	lastLevel       = numLevels - 1
	indexBits       = 9
	entriesPerTable = 1 << indexBits
	descriptorSize  = 8

	// TableSize is the size in bytes of one descriptor table, equal to
	// the translation granule.
	TableSize = entriesPerTable * descriptorSize

	physAddressBits = 48
)

// Stage 1 descriptor layout, as per the ARMv8-A Architecture Reference
// Manual figures D8-12 through D8-17.
const (
	descValidBit = 0
	descTypeBit  = 1

	tableAddrOffset = 12 // [47:12]
	tableAddrBits   = 36

	attrIndxShift = 2
	apShift       = 6
	apBits        = 2
	shShift       = 8
	shBits        = 2
	afShift       = 10
	pxnShift      = 53
	uxnShift      = 54
)

// SH (shareability) field values.
const (
	shOuterShareable = 0b10
	shInnerShareable = 0b11
)

// AP (access permissions) field values.
const (
	apRWEL1    = 0b00
	apRWEL1EL0 = 0b01
	apROEL1    = 0b10
	apROEL1EL0 = 0b11
)

// descriptorKind is the decoded variant of one descriptor word.
type descriptorKind int

const (
	descriptorInvalid descriptorKind = iota
	descriptorTable
	descriptorBlock
	descriptorPage
)

// indexShift returns the bit position of a level's index field within a
// virtual address: 39, 30, 21, 12 for levels 0..3.
func indexShift(level int) int {
	return memarch.GranuleShift + (lastLevel-level)*indexBits
}

// entrySpan returns the span of virtual address space covered by one
// entry at the given level: 512GiB, 1GiB, 2MiB, 4KiB.
func entrySpan(level int) uint64 {
	return 1 << indexShift(level)
}

// outputAddrBits returns the width of the output-address field of a
// leaf descriptor at the given level.
func outputAddrBits(level int) int {
	return physAddressBits - indexShift(level)
}

// indexForLevel extracts the table index for a virtual address at the
// given level.
func indexForLevel(va memarch.VirtualAddress, level int) uint16 {
	return uint16(bits.Extract(uint64(va), indexShift(level), indexBits))
}

// classifyDescriptor decodes the variant of a descriptor word at the
// given level. legal is false when the type is self-contradictory at
// that depth: a Block at the root or at the leaf level. Bit 1 set means
// Page at the deepest level and Table everywhere else; the two are
// distinguishable only by depth.
func classifyDescriptor(desc uint64, level int) (kind descriptorKind, legal bool) {
	if bits.Extract(desc, descValidBit, 1) == 0 {
		return descriptorInvalid, true
	}
	if bits.Extract(desc, descTypeBit, 1) != 0 {
		if level == lastLevel {
			return descriptorPage, true
		}
		return descriptorTable, true
	}
	if level == 0 || level == lastLevel {
		return descriptorBlock, false
	}
	return descriptorBlock, true
}

// tableAddress returns the physical address of the child table named by
// a Table descriptor.
func tableAddress(desc uint64) memarch.PhysicalAddress {
	return memarch.PhysicalAddress(bits.Field(desc, tableAddrOffset, tableAddrBits))
}

// MemoryKind classifies a mapping's memory attributes.
type MemoryKind int

const (
	// Normal is cacheable DRAM.
	Normal MemoryKind = iota

	// Device is non-cacheable MMIO space.
	Device
)

// String implements fmt.Stringer.String.
func (k MemoryKind) String() string {
	if k == Device {
		return "device"
	}
	return "normal"
}

// AccessPermissions describes who may read, write and execute a
// mapping.
type AccessPermissions uint8

// Permission bits, per exception level.
const (
	EL0Read AccessPermissions = 1 << iota
	EL0Write
	EL0Execute
	EL1Read
	EL1Write
	EL1Execute
)

// String implements fmt.Stringer.String.
func (p AccessPermissions) String() string {
	b := []byte("el1:---/el0:---")
	set := func(i int, on AccessPermissions, c byte) {
		if p&on != 0 {
			b[i] = c
		}
	}
	set(4, EL1Read, 'r')
	set(5, EL1Write, 'w')
	set(6, EL1Execute, 'x')
	set(12, EL0Read, 'r')
	set(13, EL0Write, 'w')
	set(14, EL0Execute, 'x')
	return string(b)
}

// MemoryMap is one decoded leaf mapping produced by the walker.
type MemoryMap struct {
	// Physical is the mapping's physical base address.
	Physical memarch.PhysicalAddress

	// Length is the mapped length: the per-entry span of the level the
	// leaf was found at.
	Length uint64

	// Virtual is the mapping's virtual base address.
	Virtual memarch.VirtualAddress

	// Raw is the descriptor word the mapping was decoded from.
	Raw uint64

	// Descriptor is the physical address of that descriptor word.
	Descriptor memarch.PhysicalAddress

	// Kind is derived from the descriptor's shareability field.
	Kind MemoryKind

	// Perms is derived from the descriptor's AP/PXN/UXN fields.
	Perms AccessPermissions
}

// decodeKind derives the memory kind from the shareability field:
// device mappings are outer-shareable, everything else is normal DRAM.
func decodeKind(desc uint64) MemoryKind {
	if bits.Extract(desc, shShift, shBits) == shOuterShareable {
		return Device
	}
	return Normal
}

// decodePerms derives access permissions from the AP field, then grants
// execute per exception level when the corresponding execute-never bit
// is clear and the level cannot write (WXN is enabled, so a writable
// mapping is never executable).
func decodePerms(desc uint64) AccessPermissions {
	var p AccessPermissions
	switch bits.Extract(desc, apShift, apBits) {
	case apRWEL1:
		p = EL1Read | EL1Write
	case apRWEL1EL0:
		p = EL1Read | EL1Write | EL0Read | EL0Write
	case apROEL1:
		p = EL1Read
	case apROEL1EL0:
		p = EL1Read | EL0Read
	}
	if bits.Extract(desc, pxnShift, 1) == 0 && p&EL1Write == 0 {
		p |= EL1Execute
	}
	if bits.Extract(desc, uxnShift, 1) == 0 && p&EL0Write == 0 {
		p |= EL0Execute
	}
	return p
}

// makeMemoryMap builds the record for a leaf descriptor. The output
// address field sits at its natural bit position, so masking it in
// place yields the physical byte address directly; the virtual address
// is aligned down to the level's span.
func makeMemoryMap(desc uint64, descAddr memarch.PhysicalAddress, level int, va memarch.VirtualAddress) MemoryMap {
	span := entrySpan(level)
	return MemoryMap{
		Physical:   memarch.PhysicalAddress(bits.Field(desc, indexShift(level), outputAddrBits(level))),
		Length:     span,
		Virtual:    va.RoundDown(span),
		Raw:        desc,
		Descriptor: descAddr,
		Kind:       decodeKind(desc),
		Perms:      decodePerms(desc),
	}
}

// encodeAttrs builds the attribute bits (AP, SH, AF, PXN, UXN) shared
// by Block and Page descriptors for the given mapping options.
func encodeAttrs(opts MapOpts) uint64 {
	var ap uint64
	el1RW := opts.Perms&(EL1Read|EL1Write) == EL1Read|EL1Write
	el0RW := opts.Perms&(EL0Read|EL0Write) == EL0Read|EL0Write
	switch {
	case el1RW && el0RW:
		ap = apRWEL1EL0
	case el1RW:
		ap = apRWEL1
	case opts.Perms&EL1Read != 0 && opts.Perms&EL0Read != 0:
		ap = apROEL1EL0
	case opts.Perms&EL1Read != 0:
		ap = apROEL1
	}

	sh := uint64(shInnerShareable)
	if opts.Kind == Device {
		sh = shOuterShareable
	}

	attrs := ap<<apShift | sh<<shShift | bits.MaskOf(afShift)
	if opts.Perms&EL1Execute == 0 {
		attrs |= bits.MaskOf(pxnShift)
	}
	if opts.Perms&EL0Execute == 0 {
		attrs |= bits.MaskOf(uxnShift)
	}
	return attrs
}

// newTableDescriptor encodes a Table descriptor pointing at the child
// table at addr.
func newTableDescriptor(addr memarch.PhysicalAddress) uint64 {
	return bits.MaskOf(descValidBit) | bits.MaskOf(descTypeBit) |
		bits.Field(uint64(addr), tableAddrOffset, tableAddrBits)
}

// newLeafDescriptor encodes a Block (levels 1-2) or Page (level 3)
// descriptor mapping the given physical address with attrs.
func newLeafDescriptor(level int, pa memarch.PhysicalAddress, attrs uint64) uint64 {
	desc := attrs | bits.MaskOf(descValidBit) |
		bits.Field(uint64(pa), indexShift(level), outputAddrBits(level))
	if level == lastLevel {
		desc |= bits.MaskOf(descTypeBit)
	}
	return desc
}
