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

// Package bits provides non-atomic bit operations on 64-bit words.
//
// Hardware descriptor formats are defined as (offset, width) fields of a
// raw word; the helpers here are the only way the rest of the tree reads
// or writes such fields.
package bits

// MaskOf returns a word with only bit i set.
func MaskOf(i int) uint64 {
	return uint64(1) << uint64(i)
}

// Mask returns a word with all of the given bits set.
func Mask(is ...int) uint64 {
	ret := uint64(0)
	for _, i := range is {
		ret |= MaskOf(i)
	}
	return ret
}

// MaskRange returns a word with count contiguous bits set, starting at
// bit start. MaskRange(12, 36) covers bits [47:12].
func MaskRange(start, count int) uint64 {
	if count == 0 {
		return 0
	}
	if count >= 64 {
		return ^uint64(0) << uint64(start)
	}
	return ((uint64(1) << uint64(count)) - 1) << uint64(start)
}

// IsOn returns true if *all* bits set in 'bits' are set in 'mask'.
func IsOn(mask, bits uint64) bool {
	return mask&bits == bits
}

// IsAnyOn returns true if *any* bit set in 'bits' is set in 'mask'.
func IsAnyOn(mask, bits uint64) bool {
	return mask&bits != 0
}

// Extract returns the field of val at (start, count), shifted down to
// bit 0.
func Extract(val uint64, start, count int) uint64 {
	return (val & MaskRange(start, count)) >> uint64(start)
}

// Field returns the field of val at (start, count) in place, without
// shifting it down. Output-address fields sit at their natural bit
// position, so Field of such a descriptor is already a byte address.
func Field(val uint64, start, count int) uint64 {
	return val & MaskRange(start, count)
}

// ClearRange returns val with the field at (start, count) cleared.
func ClearRange(val uint64, start, count int) uint64 {
	return val &^ MaskRange(start, count)
}

// SetRange returns val with the field at (start, count) replaced by the
// low bits of field. Bits of field beyond count are discarded.
func SetRange(val, field uint64, start, count int) uint64 {
	return ClearRange(val, start, count) | (Field(field, 0, count) << uint64(start))
}
