// Copyright 2018 The gVisor Authors.
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

import (
	"fmt"
	"unsafe"

	"github.com/google/btree"
	"gvisor.dev/reasm/pkg/sync"
	"gvisor.dev/reasm/pkg/tcpip"
	"gvisor.dev/reasm/pkg/tcpip/stack"
)

// fragmentTreeDegree is the btree degree of a fragment list. Most datagrams
// have a handful of fragments, so the tree rarely grows past its root.
const fragmentTreeDegree = 4

const fragmentStructSize = int(unsafe.Sizeof(fragment{}))

// fragment is one stored piece of a datagram. It covers the payload bytes
// [start, end) of the datagram, read from pkt's data starting at off. The
// payload is not copied until the datagram is glued.
//
// Invariant: start < end.
type fragment struct {
	start  int
	end    int
	pkt    *stack.PacketBuffer
	off    int
	charge charge
}

func (fr *fragment) String() string {
	return fmt.Sprintf("[%d, %d)", fr.start, fr.end)
}

func fragmentLess(a, b *fragment) bool {
	return a.start < b.start
}

// pivot returns a search key for fragments starting at start.
func pivot(start int) *fragment {
	return &fragment{start: start}
}

type reassembler struct {
	reassemblerEntry
	id FragmentID

	// The fields below are protected by Fragmentation.mu.
	released     bool
	job          *tcpip.Job
	recordCharge charge

	mu sync.Mutex

	// The fields below are protected by mu.

	// frags is ordered by start offset and holds no two overlapping
	// fragments.
	frags *btree.BTreeG[*fragment]

	// totalLen is the payload length of the datagram, or -1 until the last
	// fragment has been received.
	totalLen int

	// template is the header of the first fragment received followed by up
	// to 8 bytes of its payload. It is replaced by the offset-zero
	// fragment's once that arrives, as only that header carries the options
	// the reassembled datagram keeps.
	template       []byte
	templateCharge charge
	haveFirst      bool

	// nicID is the interface the first fragment was received on.
	nicID tcpip.NICID

	// done is set once the queue has been glued, found inconsistent or
	// released. Fragments arriving afterwards are dropped, and the queue no
	// longer expires.
	done bool
}

func newReassembler(id FragmentID, template []byte, nicID tcpip.NICID) *reassembler {
	return &reassembler{
		id:       id,
		frags:    btree.NewG[*fragment](fragmentTreeDegree, fragmentLess),
		totalLen: -1,
		template: template,
		nicID:    nicID,
	}
}

// process inserts the fragment carried by pkt at offset. It returns the
// reassembled datagram once the queue is complete.
//
// finished reports that the queue is done with, either because it was glued
// or because of an unrecoverable error, and must be released by the caller.
// An error with finished unset drops only the fragment.
func (r *reassembler) process(mem *memAccount, offset int, more bool, pkt *stack.PacketBuffer) (res *stack.PacketBuffer, finished bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		// The queue was glued or released while this fragment waited for
		// the lock. Nothing is left to add it to.
		return nil, false, fmt.Errorf("queue %s: %w", r.id, ErrQueueReleased)
	}

	payload := pkt.Data().AsSlice()
	end := offset + len(payload)
	if err := r.checkConsistencyLocked(offset, end, more); err != nil {
		r.done = true
		return nil, true, err
	}

	if offset == 0 {
		r.refreshTemplateLocked(mem, pkt)
	}
	if !more {
		r.totalLen = end
	}

	if err := r.insertLocked(mem, offset, end, pkt); err != nil {
		return nil, false, err
	}

	if !r.completeLocked() {
		return nil, false, nil
	}
	r.done = true
	res, err = r.glueLocked(mem)
	return res, true, err
}

// checkConsistencyLocked rejects a fragment that contradicts what the queue
// already knows about the datagram's length.
//
// Precondition: r.mu must be locked.
func (r *reassembler) checkConsistencyLocked(offset, end int, more bool) error {
	if !more {
		if r.totalLen >= 0 && r.totalLen != end {
			return fmt.Errorf("last fragment ends at %d, a previous last fragment ended at %d: %w", end, r.totalLen, ErrFragmentConflict)
		}
		if last, ok := r.frags.Max(); ok && last.end > end {
			return fmt.Errorf("last fragment ends at %d, before received data ending at %d: %w", end, last.end, ErrFragmentConflict)
		}
		return nil
	}
	if r.totalLen >= 0 && end > r.totalLen {
		return fmt.Errorf("fragment [%d, %d) extends past the datagram length %d: %w", offset, end, r.totalLen, ErrFragmentConflict)
	}
	return nil
}

// insertLocked places the payload of pkt covering [offset, end) in the
// fragment list.
//
// Bytes already stored by a fragment starting before offset are kept and the
// new fragment is trimmed on the left. A fragment whose remaining range is
// already fully covered is dropped, so duplicates never replace stored bytes.
// Otherwise stored fragments overlapped on the right are shrunk from their
// start, and removed when nothing of them remains.
//
// Precondition: r.mu must be locked.
func (r *reassembler) insertLocked(mem *memAccount, offset, end int, pkt *stack.PacketBuffer) error {
	start, off := offset, 0

	// Left overlap.
	var prev *fragment
	r.frags.DescendLessOrEqual(pivot(offset-1), func(fr *fragment) bool {
		prev = fr
		return false
	})
	if prev != nil && start < prev.end {
		if prev.end >= end {
			return nil
		}
		off += prev.end - start
		start = prev.end
	}

	if r.coveredLocked(start, end) {
		return nil
	}

	// Charge the fragment before touching stored ones, so running out of
	// memory leaves the list as it was.
	c, ok := mem.alloc(fragmentStructSize + pkt.MemSize())
	if !ok {
		return fmt.Errorf("fragment [%d, %d): %w", offset, end, ErrNoMemory)
	}

	// Right overlap.
	var overlapped []*fragment
	r.frags.AscendGreaterOrEqual(pivot(start), func(fr *fragment) bool {
		if fr.start >= end {
			return false
		}
		overlapped = append(overlapped, fr)
		return true
	})
	for _, fr := range overlapped {
		r.frags.Delete(fr)
		if fr.end <= end {
			r.dropFragment(mem, fr)
			continue
		}
		fr.off += end - fr.start
		fr.start = end
		r.frags.ReplaceOrInsert(fr)
	}

	r.frags.ReplaceOrInsert(&fragment{
		start:  start,
		end:    end,
		pkt:    pkt.IncRef(),
		off:    off,
		charge: c,
	})
	return nil
}

// coveredLocked returns true if stored fragments starting at or after start
// cover [start, end) without a gap.
//
// Precondition: r.mu must be locked.
func (r *reassembler) coveredLocked(start, end int) bool {
	cur := start
	r.frags.AscendGreaterOrEqual(pivot(start), func(fr *fragment) bool {
		if fr.start > cur {
			return false
		}
		cur = fr.end
		return cur < end
	})
	return cur >= end
}

// completeLocked returns true if the datagram length is known and the
// fragments cover it from 0 without a gap.
//
// Precondition: r.mu must be locked.
func (r *reassembler) completeLocked() bool {
	if r.totalLen < 0 {
		return false
	}
	cur := 0
	r.frags.Ascend(func(fr *fragment) bool {
		if fr.start > cur {
			return false
		}
		cur = fr.end
		return cur < r.totalLen
	})
	return cur >= r.totalLen
}

// refreshTemplateLocked replaces the template with the header of the
// offset-zero fragment. If the new template cannot be charged the old one is
// kept.
//
// Precondition: r.mu must be locked.
func (r *reassembler) refreshTemplateLocked(mem *memAccount, pkt *stack.PacketBuffer) {
	if r.haveFirst {
		return
	}
	tmpl := makeTemplate(pkt)
	c, ok := mem.alloc(len(tmpl))
	if !ok {
		return
	}
	mem.free(&r.templateCharge)
	r.template = tmpl
	r.templateCharge = c
	r.haveFirst = true
}

// dropFragment releases fr's packet reference and charge.
func (r *reassembler) dropFragment(mem *memAccount, fr *fragment) {
	fr.pkt.DecRef()
	fr.pkt = nil
	mem.free(&fr.charge)
}

// freeLocked frees every fragment and the template. The record charge is
// returned by the caller once r has left the registry.
//
// Precondition: r.mu must be locked.
func (r *reassembler) freeLocked(mem *memAccount) {
	r.frags.Ascend(func(fr *fragment) bool {
		r.dropFragment(mem, fr)
		return true
	})
	r.frags.Clear(false)
	r.template = nil
	mem.free(&r.templateCharge)
}

// chargedLocked returns the bytes r currently holds charged.
//
// Precondition: r.mu and Fragmentation.mu must be locked.
func (r *reassembler) chargedLocked() int {
	total := r.recordCharge.size + r.templateCharge.size
	r.frags.Ascend(func(fr *fragment) bool {
		total += fr.charge.size
		return true
	})
	return total
}

// timeoutContextLocked describes r for a timeout report. ok is false if r
// holds no fragment.
//
// Precondition: r.mu must be locked.
func (r *reassembler) timeoutContextLocked() (ctx TimeoutContext, ok bool) {
	if r.frags.Len() == 0 {
		return TimeoutContext{}, false
	}
	return TimeoutContext{
		ID:            r.id,
		Header:        append([]byte(nil), r.template...),
		NICID:         r.nicID,
		FirstFragment: r.haveFirst,
	}, true
}
