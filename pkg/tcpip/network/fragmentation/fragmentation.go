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

// Package fragmentation contains the implementation of IPv4 datagram
// reassembly. It is based on RFC 791 and RFC 815.
//
// Reassembly state is bounded in two ways. Every queue expires a fixed time
// after its last fragment arrived, and when the memory charged to reassembly
// goes above a high watermark the oldest queues are destroyed until it is at
// or below a low watermark.
package fragmentation

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"gvisor.dev/reasm/pkg/log"
	"gvisor.dev/reasm/pkg/sync"
	"gvisor.dev/reasm/pkg/tcpip"
	"gvisor.dev/reasm/pkg/tcpip/header"
	"gvisor.dev/reasm/pkg/tcpip/stack"
)

const (
	// HighFragThreshold is the default threshold at which we start trimming
	// old fragmented packets.
	HighFragThreshold = 256 << 10 // 256KiB

	// LowFragThreshold is the default threshold we reach to when we start
	// dropping older fragmented packets. It's important that we keep enough
	// room for newer packets to be re-assembled.
	LowFragThreshold = 192 << 10 // 192KiB

	// DefaultReassembleTimeout is the default time a queue may wait for its
	// next fragment.
	DefaultReassembleTimeout = 30 * time.Second

	// templatePayloadSize is the number of payload bytes saved with the
	// header template, as needed by an ICMP Time Exceeded message.
	templatePayloadSize = 8
)

var (
	// ErrInvalidArgs indicates to the caller that an invalid argument was
	// provided.
	ErrInvalidArgs = errors.New("invalid args")

	// ErrNoMemory indicates that the host allocator could not provide the
	// memory needed to store a fragment or build a datagram.
	ErrNoMemory = errors.New("out of reassembly memory")

	// ErrOversizedDatagram indicates that a fragment, or the datagram it
	// belongs to, extends past the largest IPv4 datagram.
	ErrOversizedDatagram = errors.New("oversized datagram")

	// ErrCorruptFragmentList indicates that a complete fragment list did not
	// describe the datagram it was supposed to. The datagram is dropped
	// before anything is written out of bounds.
	ErrCorruptFragmentList = errors.New("corrupt fragment list")

	// ErrFragmentConflict indicates that, during reassembly, some fragments are
	// in conflict with one another.
	ErrFragmentConflict = errors.New("conflicting fragments")

	// ErrQueueReleased indicates that the fragment reached its queue after
	// the queue was reassembled or destroyed. The fragment is dropped.
	ErrQueueReleased = errors.New("reassembly queue released")
)

// FragmentID is the identifier for a fragment.
type FragmentID struct {
	// Source is the source address of the fragment.
	Source tcpip.Address

	// Destination is the destination address of the fragment.
	Destination tcpip.Address

	// ID is the identification value of the fragment.
	ID uint16

	// Protocol is the upper-layer protocol of the packet.
	Protocol uint8
}

func (id FragmentID) String() string {
	return fmt.Sprintf("%s->%s id=%d proto=%d", id.Source, id.Destination, id.ID, id.Protocol)
}

// TimeoutContext describes a queue that expired, for the benefit of whoever
// reports the timeout to the sender.
type TimeoutContext struct {
	// ID identifies the expired datagram.
	ID FragmentID

	// Header holds the IP header of the first fragment received, followed by
	// up to 8 bytes of its payload. Once the offset-zero fragment has been
	// received, it is that fragment's header and payload instead. The slice
	// is owned by the callee.
	Header []byte

	// NICID is the interface the first fragment was received on.
	NICID tcpip.NICID

	// FirstFragment is true if the offset-zero fragment had been received.
	FirstFragment bool
}

// TimeoutHandler is consulted if a packet reassembly has timed out.
type TimeoutHandler interface {
	// OnReassemblyTimeout is called once for every queue that expires while
	// holding at least one fragment.
	//
	// It is called with internal locks held and must not call back into the
	// Fragmentation.
	OnReassemblyTimeout(ctx TimeoutContext)
}

// Options configures a Fragmentation. The zero value selects the defaults.
type Options struct {
	// HighLimit is the memory charge above which queues are evicted. Zero
	// selects HighFragThreshold.
	HighLimit int

	// LowLimit is the memory charge eviction brings usage down to. Zero
	// selects LowFragThreshold. It is clamped to HighLimit.
	LowLimit int

	// Timeout is the time a queue waits for its next fragment. Zero selects
	// DefaultReassembleTimeout.
	Timeout time.Duration

	// Clock drives the expiry timers. Nil selects the wall clock.
	Clock tcpip.Clock

	// Allocator provides host memory. Nil selects an unbounded
	// HostAllocator.
	Allocator Allocator

	// TimeoutHandler, if set, is told about expired queues.
	TimeoutHandler TimeoutHandler

	// Stats receives the reassembly counters. Nil counters are allocated.
	Stats tcpip.ReassemblyStats

	// Logger receives drop and accounting reports. Nil selects the global
	// logger, rate limited to one statement per second.
	Logger log.Logger
}

// releaseReason records why a queue was destroyed.
type releaseReason int

const (
	releaseReassembled releaseReason = iota
	releaseSuperseded
	releaseFailed
	releaseTimedOut
	releaseEvicted
	releaseClosed
)

func (r releaseReason) String() string {
	switch r {
	case releaseReassembled:
		return "reassembled"
	case releaseSuperseded:
		return "superseded"
	case releaseFailed:
		return "failed"
	case releaseTimedOut:
		return "timed out"
	case releaseEvicted:
		return "evicted"
	case releaseClosed:
		return "closed"
	default:
		return fmt.Sprintf("releaseReason(%d)", int(r))
	}
}

// Fragmentation is the main structure that other modules
// of the stack should use to implement IP Fragmentation.
//
// Lock order is mu, then reassembler.mu.
type Fragmentation struct {
	// mu protects the registry, the release state of every queue and the
	// expiry jobs, which are locked by it.
	mu           sync.Mutex
	highLimit    int
	lowLimit     int
	timeout      time.Duration
	reassemblers map[FragmentID]*reassembler
	rList        reassemblerList

	mem            memAccount
	clock          tcpip.Clock
	timeoutHandler TimeoutHandler
	stats          tcpip.ReassemblyStats
	logger         log.Logger
}

// NewFragmentation creates a new Fragmentation.
func NewFragmentation(opts Options) *Fragmentation {
	if opts.HighLimit <= 0 {
		opts.HighLimit = HighFragThreshold
	}
	if opts.LowLimit <= 0 {
		opts.LowLimit = LowFragThreshold
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultReassembleTimeout
	}
	if opts.Clock == nil {
		opts.Clock = tcpip.NewStdClock()
	}
	if opts.Allocator == nil {
		opts.Allocator = &HostAllocator{}
	}
	if opts.Logger == nil {
		opts.Logger = log.BasicRateLimitedLogger(time.Second)
	}
	stats := tcpip.Stats{IP: tcpip.IPStats{Reassembly: opts.Stats}}.FillIn()

	f := &Fragmentation{
		reassemblers:   make(map[FragmentID]*reassembler),
		mem:            memAccount{host: opts.Allocator},
		clock:          opts.Clock,
		timeoutHandler: opts.TimeoutHandler,
		stats:          stats.IP.Reassembly,
		logger:         opts.Logger,
	}
	f.setLimitsLocked(opts.HighLimit, opts.LowLimit, opts.Timeout)
	return f
}

// Stats returns the counters f increments.
func (f *Fragmentation) Stats() tcpip.ReassemblyStats {
	return f.stats
}

// SetLimits changes the watermarks and the queue timeout. Queues pick up the
// new timeout the next time they are touched. Non-positive values leave the
// corresponding setting unchanged; low is clamped to high.
func (f *Fragmentation) SetLimits(high, low int, timeout time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if high <= 0 {
		high = f.highLimit
	}
	if low <= 0 {
		low = f.lowLimit
	}
	if timeout <= 0 {
		timeout = f.timeout
	}
	f.setLimitsLocked(high, low, timeout)
}

func (f *Fragmentation) setLimitsLocked(high, low int, timeout time.Duration) {
	if low > high {
		low = high
	}
	f.highLimit = high
	f.lowLimit = low
	f.timeout = timeout
}

// Limits returns the current watermarks and queue timeout.
func (f *Fragmentation) Limits() (high, low int, timeout time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.highLimit, f.lowLimit, f.timeout
}

// MemoryInUse returns the bytes currently charged to reassembly.
func (f *Fragmentation) MemoryInUse() int {
	return f.mem.used()
}

// QueueCount returns the number of datagrams being reassembled.
func (f *Fragmentation) QueueCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rList.Len()
}

// Process processes an incoming IPv4 packet. pkt's network header must have
// been consumed and validated, and its data trimmed to the header's total
// length.
//
// It returns the datagram and true when pkt was not a fragment, or completed
// a datagram. The returned packet holds its own reference, which the caller
// must release with DecRef; the caller's reference to pkt is not consumed. It
// returns nil and false while the datagram is incomplete, and an error when
// pkt was dropped.
func (f *Fragmentation) Process(pkt *stack.PacketBuffer) (*stack.PacketBuffer, bool, error) {
	h := header.IPv4(pkt.NetworkHeader().View())
	if len(h) < header.IPv4MinimumSize {
		return nil, false, fmt.Errorf("network header of %d bytes: %w", len(h), ErrInvalidArgs)
	}
	id := FragmentID{
		Source:      h.SourceAddress(),
		Destination: h.DestinationAddress(),
		ID:          h.ID(),
		Protocol:    h.Protocol(),
	}
	offset := int(h.FragmentOffset())
	more := h.More()
	size := pkt.Data().Size()

	f.mu.Lock()
	f.evictLocked()

	if !more && offset == 0 {
		// Not a fragment. A queue left for the same key can never complete.
		if r, ok := f.reassemblers[id]; ok {
			f.releaseLocked(r, releaseSuperseded)
		}
		f.mu.Unlock()
		return pkt.IncRef(), true, nil
	}

	f.stats.Requested.Increment()

	// Both operands are at most 65535 so the int sum cannot overflow.
	if end := offset + size; end > header.IPv4MaximumTotalSize {
		if r, ok := f.reassemblers[id]; ok {
			f.releaseLocked(r, releaseFailed)
		}
		f.mu.Unlock()
		f.stats.Failed.Increment()
		return nil, false, fmt.Errorf("fragment [%d, %d) of %s: %w", offset, end, id, ErrOversizedDatagram)
	}

	if size == 0 || (more && size%header.IPv4FragmentUnit != 0) {
		f.mu.Unlock()
		f.stats.Failed.Increment()
		return nil, false, fmt.Errorf("fragment of %d bytes at %d (more=%t) of %s: %w", size, offset, more, id, ErrInvalidArgs)
	}

	r, err := f.findOrCreateLocked(id, pkt, offset == 0)
	f.mu.Unlock()
	if err != nil {
		f.stats.Failed.Increment()
		f.logger.Infof("dropping fragment of %s: %s", id, err)
		return nil, false, err
	}

	res, finished, err := r.process(&f.mem, offset, more, pkt)
	if finished {
		reason := releaseReassembled
		if err != nil {
			reason = releaseFailed
		}
		f.mu.Lock()
		f.releaseLocked(r, reason)
		f.mu.Unlock()
	}
	switch {
	case err != nil:
		f.stats.Failed.Increment()
		f.logger.Infof("dropping fragment [%d, %d) of %s: %s", offset, offset+size, id, err)
		return nil, false, err
	case res != nil:
		f.stats.Succeeded.Increment()
		return res, true, nil
	default:
		return nil, false, nil
	}
}

// findOrCreateLocked returns the queue for id. An existing queue is touched:
// its expiry is pushed back by the full timeout. A new queue takes its
// template from pkt, which is the offset-zero fragment if first is set.
//
// Precondition: f.mu must be locked.
func (f *Fragmentation) findOrCreateLocked(id FragmentID, pkt *stack.PacketBuffer, first bool) (*reassembler, error) {
	if r, ok := f.reassemblers[id]; ok {
		r.job.Cancel()
		r.job.Schedule(f.timeout)
		return r, nil
	}

	rc, ok := f.mem.alloc(reassemblerStructSize)
	if !ok {
		return nil, fmt.Errorf("queue record for %s: %w", id, ErrNoMemory)
	}
	tmpl := makeTemplate(pkt)
	tc, ok := f.mem.alloc(len(tmpl))
	if !ok {
		f.mem.free(&rc)
		return nil, fmt.Errorf("header template for %s: %w", id, ErrNoMemory)
	}

	r := newReassembler(id, tmpl, pkt.NICID)
	r.recordCharge = rc
	r.templateCharge = tc
	r.haveFirst = first
	r.job = tcpip.NewJob(f.clock, &f.mu, func() {
		f.expireLocked(r)
	})
	f.reassemblers[id] = r
	f.rList.PushFront(r)
	r.job.Schedule(f.timeout)
	return r, nil
}

// releaseLocked destroys r. The expiry job is cancelled first, then the
// fragments and the template are freed under r.mu, then r leaves the registry
// and its record charge is returned. Releasing twice is a no-op.
//
// Precondition: f.mu must be locked.
func (f *Fragmentation) releaseLocked(r *reassembler, reason releaseReason) {
	if r.released {
		return
	}
	r.released = true
	r.job.Cancel()

	r.mu.Lock()
	finished := r.done
	r.done = true
	r.freeLocked(&f.mem)
	r.mu.Unlock()

	delete(f.reassemblers, r.id)
	f.rList.Remove(r)
	f.mem.free(&r.recordCharge)

	// A queue glued by a Process call that has yet to release it is not
	// counted as evicted.
	if reason == releaseEvicted && !finished {
		f.stats.Evicted.Increment()
	}
	if f.logger.IsLogging(log.Debug) {
		f.logger.Debugf("released reassembly queue %s: %s", r.id, reason)
	}
}

// expireLocked runs when r's expiry job fires.
//
// Precondition: f.mu must be locked.
func (f *Fragmentation) expireLocked(r *reassembler) {
	if r.released {
		return
	}
	r.mu.Lock()
	if r.done {
		// Glued. The Process call that finished r releases it.
		r.mu.Unlock()
		return
	}
	ctx, ok := r.timeoutContextLocked()
	r.mu.Unlock()

	if ok && f.timeoutHandler != nil {
		f.timeoutHandler.OnReassemblyTimeout(ctx)
	}
	f.releaseLocked(r, releaseTimedOut)
	f.stats.TimedOut.Increment()
}

// evictLocked destroys the oldest queues while the charge is above the high
// watermark, until it is at or below the low watermark.
//
// Precondition: f.mu must be locked.
func (f *Fragmentation) evictLocked() {
	if f.mem.used() <= f.highLimit {
		return
	}
	for f.mem.used() > f.lowLimit {
		oldest := f.rList.Back()
		if oldest == nil {
			// Nothing is left to free, yet memory is charged.
			log.Warningf("reassembly memory counter is %d bytes with no live queue, this is an accounting bug that requires investigation; resetting it", f.mem.used())
			f.mem.resync(0)
			return
		}
		f.releaseLocked(oldest, releaseEvicted)
	}
}

// CheckAccounting recomputes the memory charged by every live queue and
// compares it with the counter. On mismatch it logs the fault, resets the
// counter to the live sum and returns false.
func (f *Fragmentation) CheckAccounting() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	live := 0
	for r := f.rList.Front(); r != nil; r = r.Next() {
		r.mu.Lock()
		live += r.chargedLocked()
	}
	defer func() {
		for r := f.rList.Front(); r != nil; r = r.Next() {
			r.mu.Unlock()
		}
	}()

	if used := f.mem.used(); used != live {
		log.Warningf("reassembly memory counter is %d bytes but live queues hold %d, this is an accounting bug that requires investigation; resetting it", used, live)
		f.mem.resync(live)
		return false
	}
	return true
}

// Close releases every queue. Further fragments start new queues.
func (f *Fragmentation) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for r := f.rList.Back(); r != nil; r = f.rList.Back() {
		f.releaseLocked(r, releaseClosed)
	}
}

// makeTemplate copies the network header of pkt and up to
// templatePayloadSize bytes of its payload.
func makeTemplate(pkt *stack.PacketBuffer) []byte {
	hdr := pkt.NetworkHeader().View()
	payload := pkt.Data().AsSlice()
	n := min(len(payload), templatePayloadSize)
	tmpl := make([]byte, 0, len(hdr)+n)
	tmpl = append(tmpl, hdr...)
	return append(tmpl, payload[:n]...)
}

const reassemblerStructSize = int(unsafe.Sizeof(reassembler{}))
