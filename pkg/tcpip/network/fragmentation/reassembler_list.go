// Copyright 2024 The gVisor Authors.
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

package fragmentation

// reassemblerList is an intrusive list of reassemblers in creation order: the
// front is the newest queue and the back the oldest. Entries can be added to
// or removed from the list in O(1) time and with no additional memory
// allocations.
//
// The zero value for reassemblerList is an empty list ready to use.
//
// To iterate over a list (where l is a reassemblerList):
//
//	for e := l.Front(); e != nil; e = e.Next() {
//		// do something with e.
//	}
type reassemblerList struct {
	head *reassembler
	tail *reassembler
	len  int
}

// Empty returns true iff the list is empty.
func (l *reassemblerList) Empty() bool {
	return l.head == nil
}

// Len returns the number of elements in the list.
func (l *reassemblerList) Len() int {
	return l.len
}

// Front returns the first element of list l or nil.
func (l *reassemblerList) Front() *reassembler {
	return l.head
}

// Back returns the last element of list l or nil.
func (l *reassemblerList) Back() *reassembler {
	return l.tail
}

// PushFront inserts the element e at the front of list l.
func (l *reassemblerList) PushFront(e *reassembler) {
	e.SetNext(l.head)
	e.SetPrev(nil)

	if l.head != nil {
		l.head.SetPrev(e)
	} else {
		l.tail = e
	}

	l.head = e
	l.len++
}

// Remove removes e from l.
func (l *reassemblerList) Remove(e *reassembler) {
	prev := e.Prev()
	next := e.Next()

	if prev != nil {
		prev.SetNext(next)
	} else if l.head == e {
		l.head = next
	}

	if next != nil {
		next.SetPrev(prev)
	} else if l.tail == e {
		l.tail = prev
	}

	e.SetNext(nil)
	e.SetPrev(nil)
	l.len--
}

// reassemblerEntry is embedded in reassembler to link it into a
// reassemblerList.
type reassemblerEntry struct {
	next *reassembler
	prev *reassembler
}

// Next returns the entry that follows e in the list.
func (e *reassemblerEntry) Next() *reassembler {
	return e.next
}

// Prev returns the entry that precedes e in the list.
func (e *reassemblerEntry) Prev() *reassembler {
	return e.prev
}

// SetNext assigns 'entry' as the entry that follows e in the list.
func (e *reassemblerEntry) SetNext(entry *reassembler) {
	e.next = entry
}

// SetPrev assigns 'entry' as the entry that precedes e in the list.
func (e *reassemblerEntry) SetPrev(entry *reassembler) {
	e.prev = entry
}
