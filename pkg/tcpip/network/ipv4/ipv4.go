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

// Package ipv4 contains the receive side of the ipv4 network protocol: header
// validation, reassembly of fragmented datagrams and the ICMP messages sent
// when reassembly times out.
//
// An Endpoint sits between a link endpoint, which hands it raw IPv4 packets,
// and a transport dispatcher, which receives whole datagrams.
package ipv4

import (
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"gvisor.dev/reasm/pkg/log"
	"gvisor.dev/reasm/pkg/tcpip"
	"gvisor.dev/reasm/pkg/tcpip/header"
	"gvisor.dev/reasm/pkg/tcpip/network/fragmentation"
	"gvisor.dev/reasm/pkg/tcpip/stack"
)

const (
	// ProtocolName is the string representation of the ipv4 protocol name.
	ProtocolName = "ipv4"

	// ProtocolNumber is the ipv4 protocol number.
	ProtocolNumber = header.IPv4ProtocolNumber

	// DefaultTTL is the TTL of the packets the endpoint originates.
	DefaultTTL = 64
)

// Options configures an Endpoint.
type Options struct {
	// Reassembly configures the reassembly engine. Its TimeoutHandler and
	// Stats are set by the endpoint.
	Reassembly fragmentation.Options

	// Dispatcher receives whole datagrams. Nil drops them after counting.
	Dispatcher stack.TransportDispatcher

	// Writer sends ICMP messages. Nil disables them.
	Writer stack.LinkWriter

	// ICMPLimit and ICMPBurst bound the rate of ICMP messages. Zero values
	// select 1000 messages per second with a burst of 50.
	ICMPLimit rate.Limit
	ICMPBurst int

	// Stats receives the counters. Nil counters are allocated.
	Stats tcpip.Stats

	// Logger receives drop reports. Nil selects the global logger, rate
	// limited to one statement per second.
	Logger log.Logger
}

// Endpoint is the receive side of an IPv4 network endpoint.
type Endpoint struct {
	dispatcher    stack.TransportDispatcher
	writer        stack.LinkWriter
	fragmentation *fragmentation.Fragmentation
	icmpLimiter   *stack.ICMPRateLimiter
	stats         tcpip.Stats
	logger        log.Logger

	// ids generates the identification of originated packets.
	ids atomic.Uint32
}

var (
	_ fragmentation.TimeoutHandler = (*Endpoint)(nil)
	_ stack.NetworkDispatcher      = (*Endpoint)(nil)
)

// NewEndpoint creates a new ipv4 endpoint.
func NewEndpoint(opts Options) *Endpoint {
	if opts.Logger == nil {
		opts.Logger = log.BasicRateLimitedLogger(time.Second)
	}
	clock := opts.Reassembly.Clock
	if clock == nil {
		clock = tcpip.NewStdClock()
		opts.Reassembly.Clock = clock
	}

	e := &Endpoint{
		dispatcher:  opts.Dispatcher,
		writer:      opts.Writer,
		icmpLimiter: stack.NewICMPRateLimiter(clock),
		stats:       opts.Stats.FillIn(),
		logger:      opts.Logger,
	}
	if opts.ICMPLimit > 0 {
		e.icmpLimiter.SetLimit(opts.ICMPLimit)
	}
	if opts.ICMPBurst > 0 {
		e.icmpLimiter.SetBurst(opts.ICMPBurst)
	}

	reasm := opts.Reassembly
	reasm.TimeoutHandler = e
	reasm.Stats = e.stats.IP.Reassembly
	if reasm.Logger == nil {
		reasm.Logger = opts.Logger
	}
	e.fragmentation = fragmentation.NewFragmentation(reasm)
	return e
}

// Fragmentation returns the reassembly engine of e.
func (e *Endpoint) Fragmentation() *fragmentation.Fragmentation {
	return e.fragmentation
}

// SetICMPLimits changes the rate and burst of the ICMP messages e sends.
// Non-positive values leave the setting alone.
func (e *Endpoint) SetICMPLimits(limit rate.Limit, burst int) {
	if limit > 0 {
		e.icmpLimiter.SetLimit(limit)
	}
	if burst > 0 {
		e.icmpLimiter.SetBurst(burst)
	}
}

// ICMPLimits returns the rate and burst of the ICMP messages e sends.
func (e *Endpoint) ICMPLimits() (rate.Limit, int) {
	return e.icmpLimiter.Limit(), e.icmpLimiter.Burst()
}

// Stats returns the counters e increments.
func (e *Endpoint) Stats() tcpip.Stats {
	return e.stats
}

// HandlePacket is called by the link layer when new ipv4 packets arrive. The
// packet data must start with the IPv4 header and must not have had its
// network header consumed. The caller keeps its reference to pkt.
func (e *Endpoint) HandlePacket(pkt *stack.PacketBuffer) {
	stats := e.stats.IP
	stats.PacketsReceived.Increment()

	h := header.IPv4(pkt.Data().AsSlice())
	if !h.IsValid(pkt.Data().Size()) {
		stats.MalformedPacketsReceived.Increment()
		return
	}
	// IsChecksumValid runs over HeaderLength bytes, which IsValid has
	// checked are present.
	if !h.IsChecksumValid() {
		stats.MalformedPacketsReceived.Increment()
		return
	}

	hlen := int(h.HeaderLength())
	tlen := int(h.TotalLength())
	if _, ok := pkt.NetworkHeader().Consume(hlen); !ok {
		stats.MalformedPacketsReceived.Increment()
		return
	}
	pkt.Data().CapLength(tlen - hlen)
	pkt.NetworkProtocolNumber = ProtocolNumber

	res, ready, err := e.fragmentation.Process(pkt)
	if err != nil {
		if errors.Is(err, fragmentation.ErrInvalidArgs) || errors.Is(err, fragmentation.ErrOversizedDatagram) {
			stats.MalformedFragmentsReceived.Increment()
		}
		return
	}
	if !ready {
		return
	}
	defer res.DecRef()

	stats.PacketsDelivered.Increment()
	if e.dispatcher != nil {
		e.dispatcher.DeliverTransportPacket(res)
	}
}

// DeliverNetworkPacket implements stack.NetworkDispatcher.
func (e *Endpoint) DeliverNetworkPacket(pkt *stack.PacketBuffer) {
	e.HandlePacket(pkt)
}

// Close releases every pending reassembly.
func (e *Endpoint) Close() {
	e.fragmentation.Close()
}
