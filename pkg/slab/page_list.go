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

// pageList is an intrusive doubly-linked list of slab pages. The zero
// value is an empty list. Pages embed pageEntry, so membership costs no
// allocation and removal is O(1).
type pageList struct {
	head *page
	tail *page
}

// pageEntry is embedded in page to provide the list links.
type pageEntry struct {
	next *page
	prev *page
}

// Empty returns true iff the list has no pages.
func (l *pageList) Empty() bool {
	return l.head == nil
}

// Front returns the first page of the list or nil.
func (l *pageList) Front() *page {
	return l.head
}

// PushFront inserts p at the front of the list.
func (l *pageList) PushFront(p *page) {
	p.pageEntry = pageEntry{next: l.head}
	if l.head != nil {
		l.head.prev = p
	} else {
		l.tail = p
	}
	l.head = p
}

// Remove unlinks p from the list.
func (l *pageList) Remove(p *page) {
	if p.prev != nil {
		p.prev.next = p.next
	} else {
		l.head = p.next
	}
	if p.next != nil {
		p.next.prev = p.prev
	} else {
		l.tail = p.prev
	}
	p.pageEntry = pageEntry{}
}
