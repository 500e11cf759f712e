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

// Package tcpip provides the types shared by the reassembly engine, the IPv4
// endpoint that feeds it and the link endpoints that move packets in and out
// of the daemon.
//
// The starting point for users is the ipv4 package: an ipv4.Endpoint owns a
// fragmentation.Fragmentation and hands complete datagrams to a dispatcher.
package tcpip

import (
	"fmt"
	"net/netip"
	"reflect"
	"strconv"
	"sync/atomic"
	"time"
)

// A Clock provides the current time and schedules work for execution.
//
// Times returned by a Clock should always be used for application-visible
// time. Only monotonic times should be used for internal timekeeping.
type Clock interface {
	// Now returns the current local time.
	Now() time.Time

	// NowMonotonic returns the current monotonic clock reading.
	NowMonotonic() MonotonicTime

	// AfterFunc waits for the duration to elapse and then calls f in its own
	// goroutine. It returns a Timer that can be used to cancel the call using
	// its Stop method.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer represents a single event. A Timer must be created with
// Clock.AfterFunc.
type Timer interface {
	// Stop prevents the Timer from firing. It returns true if the call stops the
	// timer, false if the timer has already expired or been stopped.
	//
	// If Stop returns false, then the timer has already expired and the function
	// f of Clock.AfterFunc(d, f) has been started in its own goroutine; Stop
	// does not wait for f to complete before returning. If the caller needs to
	// know whether f is completed, it must coordinate with f explicitly.
	Stop() bool

	// Reset changes the timer to expire after duration d.
	//
	// Reset should be invoked only on stopped or expired timers. If the timer is
	// known to have expired, Reset can be used directly. Otherwise, the caller
	// must coordinate with the function f of Clock.AfterFunc(d, f).
	Reset(d time.Duration)
}

// MonotonicTime is a monotonic clock reading.
type MonotonicTime struct {
	nanoseconds int64
}

// Before reports whether the monotonic clock reading mt is before u.
func (mt MonotonicTime) Before(u MonotonicTime) bool {
	return mt.nanoseconds < u.nanoseconds
}

// After reports whether the monotonic clock reading mt is after u.
func (mt MonotonicTime) After(u MonotonicTime) bool {
	return mt.nanoseconds > u.nanoseconds
}

// Add returns the monotonic clock reading mt+d.
func (mt MonotonicTime) Add(d time.Duration) MonotonicTime {
	return MonotonicTime{
		nanoseconds: time.Unix(0, mt.nanoseconds).Add(d).Sub(time.Unix(0, 0)).Nanoseconds(),
	}
}

// Sub returns the duration mt-u. If the result exceeds the maximum (or minimum)
// value that can be stored in a Duration, the maximum (or minimum) duration
// will be returned. To compute t-d for a duration d, use t.Add(-d).
func (mt MonotonicTime) Sub(u MonotonicTime) time.Duration {
	return time.Unix(0, mt.nanoseconds).Sub(time.Unix(0, u.nanoseconds))
}

// Milliseconds returns the time in milliseconds.
func (mt MonotonicTime) Milliseconds() int64 {
	return mt.nanoseconds / 1e6
}

// NICID is a number that uniquely identifies a NIC.
type NICID int32

// Address is a network address. It is comparable and can be used as a map
// key.
type Address struct {
	addr   [16]byte
	length int
}

// AddrFrom4 converts addr to an Address.
func AddrFrom4(addr [4]byte) Address {
	ret := Address{
		length: 4,
	}
	copy(ret.addr[:], addr[:])
	return ret
}

// AddrFrom4Slice converts addr to an Address. It panics if len(addr) != 4.
func AddrFrom4Slice(addr []byte) Address {
	if len(addr) != 4 {
		panic(fmt.Sprintf("bad address length for address %v", addr))
	}
	ret := Address{
		length: 4,
	}
	copy(ret.addr[:], addr)
	return ret
}

// AddrFromNetip converts a netip.Addr to an Address.
func AddrFromNetip(a netip.Addr) Address {
	if a.Is4() {
		return AddrFrom4(a.As4())
	}
	b := a.As16()
	return Address{addr: b, length: 16}
}

// As4 returns a as a 4 byte array. It panics if the address length is not 4.
func (a Address) As4() [4]byte {
	if a.Len() != 4 {
		panic(fmt.Sprintf("bad address length for address %v", a.addr))
	}
	return [4]byte(a.addr[:4])
}

// AsSlice returns a as a byte slice. Callers should be careful as it can
// return a window into existing memory.
func (a *Address) AsSlice() []byte {
	return a.addr[:a.length]
}

// Len returns the length of a in bytes.
func (a Address) Len() int {
	return a.length
}

// Unspecified returns true if the address is unspecified.
func (a Address) Unspecified() bool {
	for _, b := range a.addr {
		if b != 0 {
			return false
		}
	}
	return true
}

// String implements the fmt.Stringer interface.
func (a Address) String() string {
	switch a.Len() {
	case 4:
		return netip.AddrFrom4(a.As4()).String()
	case 16:
		return netip.AddrFrom16(a.addr).String()
	default:
		return fmt.Sprintf("%x", a.addr[:a.length])
	}
}

// TransportProtocolNumber is the number of a transport protocol.
type TransportProtocolNumber uint32

// NetworkProtocolNumber is the EtherType of a network protocol in an Ethernet
// frame.
type NetworkProtocolNumber uint32

// A StatCounter keeps track of a statistic.
type StatCounter struct {
	count atomic.Uint64
}

// Increment adds one to the counter.
func (s *StatCounter) Increment() {
	s.IncrementBy(1)
}

// Decrement minuses one to the counter.
func (s *StatCounter) Decrement() {
	s.IncrementBy(^uint64(0))
}

// Value returns the current value of the counter.
func (s *StatCounter) Value() uint64 {
	return s.count.Load()
}

// IncrementBy increments the counter by v.
func (s *StatCounter) IncrementBy(v uint64) {
	s.count.Add(v)
}

func (s *StatCounter) String() string {
	return strconv.FormatUint(s.Value(), 10)
}

// ReassemblyStats collects statistics about IP datagram reassembly.
type ReassemblyStats struct {
	// Requested is the number of fragments offered to the reassembler.
	Requested *StatCounter

	// Succeeded is the number of datagrams that were successfully
	// reassembled.
	Succeeded *StatCounter

	// Failed is the number of fragments or partially reassembled datagrams
	// that were dropped because of an error: malformed or conflicting
	// fragments, oversized datagrams, memory exhaustion or a corrupt
	// fragment list.
	Failed *StatCounter

	// TimedOut is the number of reassembly queues that expired before the
	// datagram was complete.
	TimedOut *StatCounter

	// Evicted is the number of reassembly queues destroyed to relieve memory
	// pressure.
	Evicted *StatCounter
}

// IPStats collects IP-specific stats.
type IPStats struct {
	// PacketsReceived is the total number of IP packets received from the
	// link layer.
	PacketsReceived *StatCounter

	// PacketsDelivered is the total number of incoming IP packets that
	// are successfully delivered to the dispatcher.
	PacketsDelivered *StatCounter

	// MalformedPacketsReceived is the total number of IP Packets that were
	// dropped due to the IP packet header failing validation checks.
	MalformedPacketsReceived *StatCounter

	// MalformedFragmentsReceived is the total number of IP Fragments that were
	// dropped due to the fragment failing validation checks.
	MalformedFragmentsReceived *StatCounter

	// Reassembly collects reassembly statistics.
	Reassembly ReassemblyStats
}

// ICMPStats collects ICMP-specific stats.
type ICMPStats struct {
	// TimeExceededSent is the number of ICMP time exceeded messages sent
	// because of a reassembly timeout.
	TimeExceededSent *StatCounter

	// RateLimited is the number of ICMP messages suppressed by the rate
	// limiter.
	RateLimited *StatCounter

	// SendErrors is the number of ICMP messages that could not be written.
	SendErrors *StatCounter
}

// Stats holds statistics about the networking stack.
type Stats struct {
	// IP breaks out IP-specific stats (both v4 and v6).
	IP IPStats

	// ICMP breaks out ICMP-specific stats.
	ICMP ICMPStats
}

func fillIn(v reflect.Value) {
	for i := 0; i < v.NumField(); i++ {
		v := v.Field(i)
		if s, ok := v.Addr().Interface().(**StatCounter); ok {
			if *s == nil {
				*s = new(StatCounter)
			}
		} else {
			fillIn(v)
		}
	}
}

// FillIn returns a copy of s with nil fields initialized to new StatCounters.
func (s Stats) FillIn() Stats {
	fillIn(reflect.ValueOf(&s).Elem())
	return s
}
