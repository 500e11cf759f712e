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

import (
	"sync/atomic"

	"gvisor.dev/reasm/pkg/sync"
)

// Allocator reserves host memory on behalf of the reassembly subsystem.
//
// Implementations must be safe for concurrent use.
type Allocator interface {
	// Alloc reserves size bytes. It returns false if the host cannot provide
	// them, in which case nothing is reserved.
	Alloc(size int) bool

	// Free returns size bytes previously reserved with Alloc.
	Free(size int)
}

// HostAllocator is the default Allocator. It tracks the bytes it hands out
// and refuses reservations that would take it past Limit. A zero Limit means
// the host is never exhausted.
type HostAllocator struct {
	// Limit is the most bytes the allocator reserves at once.
	Limit int64

	inUse atomic.Int64
}

var _ Allocator = (*HostAllocator)(nil)

// Alloc implements Allocator.Alloc.
func (a *HostAllocator) Alloc(size int) bool {
	if a.Limit <= 0 {
		a.inUse.Add(int64(size))
		return true
	}
	for {
		cur := a.inUse.Load()
		if cur+int64(size) > a.Limit {
			return false
		}
		if a.inUse.CompareAndSwap(cur, cur+int64(size)) {
			return true
		}
	}
}

// Free implements Allocator.Free.
func (a *HostAllocator) Free(size int) {
	a.inUse.Add(-int64(size))
}

// InUse returns the number of bytes currently reserved.
func (a *HostAllocator) InUse() int64 {
	return a.inUse.Load()
}

// charge is the handle for memory charged to the reassembly counter. The zero
// value charges nothing.
type charge struct {
	size int
}

// memAccount wraps the host allocator and keeps the count of bytes charged to
// reassembly: queue records, header templates and stored fragments.
//
// The counter is atomic so insertions can charge under a queue lock alone;
// every decision based on it (eviction, resynchronisation) is taken with the
// registry lock held.
type memAccount struct {
	host    Allocator
	counter atomic.Int64
}

// alloc charges size bytes. On host exhaustion nothing is charged and ok is
// false; the caller drops whatever it was about to store.
func (m *memAccount) alloc(size int) (c charge, ok bool) {
	if !m.host.Alloc(size) {
		return charge{}, false
	}
	m.counter.Add(int64(size))
	return charge{size: size}, true
}

// free returns exactly the charged size and zeroes c, so freeing twice is a
// no-op.
func (m *memAccount) free(c *charge) {
	if c.size == 0 {
		return
	}
	m.host.Free(c.size)
	m.counter.Add(-int64(c.size))
	c.size = 0
}

// allocBuf allocates an output buffer of size bytes from the host allocator.
// The buffer leaves the reassembly subsystem with the reassembled packet, so
// it is not charged to the counter. release returns the host reservation and
// may be called any number of times.
func (m *memAccount) allocBuf(size int) (buf []byte, release func(), ok bool) {
	if !m.host.Alloc(size) {
		return nil, nil, false
	}
	var once sync.Once
	return make([]byte, size), func() {
		once.Do(func() { m.host.Free(size) })
	}, true
}

// used returns the bytes currently charged.
func (m *memAccount) used() int {
	return int(m.counter.Load())
}

// resync overwrites the counter with the live sum computed by the caller.
func (m *memAccount) resync(live int) {
	m.counter.Store(int64(live))
}
