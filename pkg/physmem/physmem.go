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

// Package physmem provides byte-addressed access to a window of physical
// memory.
//
// On the real machine the kernel maps all of physical memory linearly
// and dereferences it directly; here every access goes through an Arena
// so that descriptor tables, slab free lists and buddy links are read
// and written as plain little-endian integers, never by aliasing memory
// as a different type.
//
// An access outside the arena is memory corruption: something handed the
// memory subsystem a physical address it does not own. Per the kernel's
// error taxonomy that is fatal, so Arena panics rather than returning an
// error and letting the caller limp on.
package physmem

import (
	"encoding/binary"
	"fmt"

	"mei.dev/mei/pkg/memarch"
)

// Arena is a contiguous window [Base, Base+Size) of physical memory.
type Arena struct {
	base memarch.PhysicalAddress
	data []byte
}

// NewArena creates a zero-filled arena of size bytes based at base.
func NewArena(base memarch.PhysicalAddress, size uint64) *Arena {
	return &Arena{base: base, data: make([]byte, size)}
}

// ArenaFromBytes wraps existing bytes (for example a mapped snapshot
// file) as an arena based at base. The arena aliases data.
func ArenaFromBytes(base memarch.PhysicalAddress, data []byte) *Arena {
	return &Arena{base: base, data: data}
}

// Base returns the physical address of the first byte of the arena.
func (a *Arena) Base() memarch.PhysicalAddress { return a.base }

// Size returns the arena's length in bytes.
func (a *Arena) Size() uint64 { return uint64(len(a.data)) }

// End returns the physical address one past the last byte of the arena.
func (a *Arena) End() memarch.PhysicalAddress {
	return a.base + memarch.PhysicalAddress(len(a.data))
}

// Contains returns true if [addr, addr+length) lies inside the arena.
func (a *Arena) Contains(addr memarch.PhysicalAddress, length uint64) bool {
	if addr < a.base {
		return false
	}
	off := uint64(addr - a.base)
	return off <= uint64(len(a.data)) && length <= uint64(len(a.data))-off
}

// Slice returns the bytes at [addr, addr+length). The slice aliases the
// arena. Panics if the range is not contained.
func (a *Arena) Slice(addr memarch.PhysicalAddress, length uint64) []byte {
	if !a.Contains(addr, length) {
		panic(fmt.Sprintf("physmem: access [%v, +%#x) outside arena [%v, %v)", addr, length, a.base, a.End()))
	}
	off := uint64(addr - a.base)
	return a.data[off : off+length]
}

// ReadWord reads the little-endian 64-bit word at addr.
func (a *Arena) ReadWord(addr memarch.PhysicalAddress) uint64 {
	return binary.LittleEndian.Uint64(a.Slice(addr, 8))
}

// WriteWord writes the little-endian 64-bit word at addr.
func (a *Arena) WriteWord(addr memarch.PhysicalAddress, val uint64) {
	binary.LittleEndian.PutUint64(a.Slice(addr, 8), val)
}

// ReadHalf reads the little-endian 16-bit value at addr.
func (a *Arena) ReadHalf(addr memarch.PhysicalAddress) uint16 {
	return binary.LittleEndian.Uint16(a.Slice(addr, 2))
}

// WriteHalf writes the little-endian 16-bit value at addr.
func (a *Arena) WriteHalf(addr memarch.PhysicalAddress, val uint16) {
	binary.LittleEndian.PutUint16(a.Slice(addr, 2), val)
}

// Zero clears [addr, addr+length).
func (a *Arena) Zero(addr memarch.PhysicalAddress, length uint64) {
	s := a.Slice(addr, length)
	for i := range s {
		s[i] = 0
	}
}
