// Copyright 2020 The gVisor Authors.
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

// Package faketime provides a fake clock that implements tcpip.Clock interface.
package faketime

import (
	"container/heap"
	"time"

	"gvisor.dev/reasm/pkg/sync"
	"gvisor.dev/reasm/pkg/tcpip"
)

// NullClock implements a clock that never advances.
type NullClock struct{}

var _ tcpip.Clock = (*NullClock)(nil)

// Now implements tcpip.Clock.Now.
func (*NullClock) Now() time.Time {
	return time.Time{}
}

// NowMonotonic implements tcpip.Clock.NowMonotonic.
func (*NullClock) NowMonotonic() tcpip.MonotonicTime {
	return tcpip.MonotonicTime{}
}

// AfterFunc implements tcpip.Clock.AfterFunc.
func (*NullClock) AfterFunc(time.Duration, func()) tcpip.Timer {
	return nullTimer{}
}

type nullTimer struct{}

// Stop implements tcpip.Timer.Stop.
func (nullTimer) Stop() bool { return false }

// Reset implements tcpip.Timer.Reset.
func (nullTimer) Reset(time.Duration) {}

// ManualClock implements tcpip.Clock and only advances manually with Advance
// method.
type ManualClock struct {
	// epoch is the time the clock was created at.
	epoch time.Time

	// mu protects the fields below.
	mu sync.Mutex

	// now is the current (fake) time of the clock.
	now time.Time

	// times is min-heap of pending timers. A heap is used for quick retrieval
	// of the next upcoming time of scheduled work.
	times timeHeap

	// seq orders timers scheduled for the same instant by creation.
	seq uint64
}

// NewManualClock creates a new ManualClock instance.
func NewManualClock() *ManualClock {
	epoch := time.Unix(0, 0)
	return &ManualClock{
		epoch: epoch,
		now:   epoch,
	}
}

var _ tcpip.Clock = (*ManualClock)(nil)

// Now implements tcpip.Clock.Now.
func (mc *ManualClock) Now() time.Time {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.now
}

// NowMonotonic implements tcpip.Clock.NowMonotonic.
func (mc *ManualClock) NowMonotonic() tcpip.MonotonicTime {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	var mt tcpip.MonotonicTime
	return mt.Add(mc.now.Sub(mc.epoch))
}

// AfterFunc implements tcpip.Clock.AfterFunc.
func (mc *ManualClock) AfterFunc(d time.Duration, f func()) tcpip.Timer {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	t := &manualTimer{
		clock: mc,
		f:     f,
		index: -1,
	}
	mc.pushLocked(t, d)
	return t
}

func (mc *ManualClock) pushLocked(t *manualTimer, d time.Duration) {
	t.until = mc.now.Add(d)
	t.seq = mc.seq
	mc.seq++
	heap.Push(&mc.times, t)
}

// PendingTimers returns the number of timers that have not fired or been
// stopped.
func (mc *ManualClock) PendingTimers() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.times.Len()
}

// Advance executes all work that have been scheduled to execute within d from
// the current time. Work is run synchronously, in deadline order, on the
// calling goroutine; work scheduled by a callback runs in the same call if it
// is due.
func (mc *ManualClock) Advance(d time.Duration) {
	mc.mu.Lock()
	until := mc.now.Add(d)
	for mc.times.Len() != 0 {
		t := mc.times[0]
		if t.until.After(until) {
			// No work to do.
			break
		}
		heap.Pop(&mc.times)
		if t.until.After(mc.now) {
			mc.now = t.until
		}
		f := t.f

		mc.mu.Unlock()
		f()
		mc.mu.Lock()
	}
	mc.now = until
	mc.mu.Unlock()
}

type manualTimer struct {
	clock *ManualClock
	f     func()

	// The fields below are protected by clock.mu.
	until time.Time
	seq   uint64

	// index is the position of the timer in the clock's heap, or -1 if the
	// timer is not pending.
	index int
}

var _ tcpip.Timer = (*manualTimer)(nil)

// Reset implements tcpip.Timer.Reset.
func (t *manualTimer) Reset(d time.Duration) {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.index >= 0 {
		heap.Remove(&t.clock.times, t.index)
	}
	t.clock.pushLocked(t, d)
}

// Stop implements tcpip.Timer.Stop.
func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.index < 0 {
		return false
	}
	heap.Remove(&t.clock.times, t.index)
	return true
}

type timeHeap []*manualTimer

var _ heap.Interface = (*timeHeap)(nil)

func (h timeHeap) Len() int {
	return len(h)
}

func (h timeHeap) Less(i, j int) bool {
	if h[i].until.Equal(h[j].until) {
		return h[i].seq < h[j].seq
	}
	return h[i].until.Before(h[j].until)
}

func (h timeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timeHeap) Push(x any) {
	t := x.(*manualTimer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timeHeap) Pop() any {
	old := *h
	last := old[len(old)-1]
	old[len(old)-1] = nil
	last.index = -1
	*h = old[:len(old)-1]
	return last
}
