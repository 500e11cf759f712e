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

package ipv4

import (
	"gvisor.dev/reasm/pkg/tcpip"
	"gvisor.dev/reasm/pkg/tcpip/checksum"
	"gvisor.dev/reasm/pkg/tcpip/header"
	"gvisor.dev/reasm/pkg/tcpip/network/fragmentation"
	"gvisor.dev/reasm/pkg/tcpip/stack"
)

// OnReassemblyTimeout implements fragmentation.TimeoutHandler. It sends an
// ICMP Time Exceeded (fragment reassembly time exceeded) message back to the
// source of the expired datagram.
func (e *Endpoint) OnReassemblyTimeout(ctx fragmentation.TimeoutContext) {
	// As per RFC 1122 section 3.3.2, the message is only sent if fragment
	// zero has been received.
	if !ctx.FirstFragment || e.writer == nil {
		return
	}
	orig := header.IPv4(ctx.Header)
	if len(orig) < header.IPv4MinimumSize || int(orig.HeaderLength()) > len(orig) {
		return
	}
	if !shouldSendICMPError(orig) {
		return
	}
	if !e.icmpLimiter.Allow() {
		e.stats.ICMP.RateLimited.Increment()
		return
	}

	pkt := e.timeExceeded(orig)
	pkt.NICID = ctx.NICID
	defer pkt.DecRef()
	if err := e.writer.WritePacket(pkt); err != nil {
		e.stats.ICMP.SendErrors.Increment()
		e.logger.Infof("failed to send ICMP time exceeded for %s: %s", ctx.ID, err)
		return
	}
	e.stats.ICMP.TimeExceededSent.Increment()
}

// timeExceeded builds the ICMP reassembly timeout message about the datagram
// whose header, followed by up to 8 bytes of its payload, is orig.
func (e *Endpoint) timeExceeded(orig header.IPv4) *stack.PacketBuffer {
	// RFC 792: the message carries the internet header plus the first 64
	// bits of the original datagram's data.
	quote := orig[:min(len(orig), int(orig.HeaderLength())+8)]

	size := header.IPv4MinimumSize + header.ICMPv4MinimumSize + len(quote)
	buf := make([]byte, size)

	ip := header.IPv4(buf[:header.IPv4MinimumSize])
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(size),
		ID:          uint16(e.ids.Add(1)),
		TTL:         DefaultTTL,
		Protocol:    uint8(header.ICMPv4ProtocolNumber),
		SrcAddr:     orig.DestinationAddress(),
		DstAddr:     orig.SourceAddress(),
	})
	ip.SetChecksum(^ip.CalculateChecksum())

	icmp := header.ICMPv4(buf[header.IPv4MinimumSize:])
	icmp.SetType(header.ICMPv4TimeExceeded)
	icmp.SetCode(header.ICMPv4ReassemblyTimeout)
	copy(icmp.Payload(), quote)
	icmp.SetChecksum(header.ICMPv4Checksum(icmp[:header.ICMPv4MinimumSize], checksum.Checksum(icmp.Payload(), 0)))

	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{Payload: buf})
	pkt.NetworkHeader().Consume(header.IPv4MinimumSize)
	pkt.NetworkProtocolNumber = ProtocolNumber
	return pkt
}

// shouldSendICMPError returns true if an ICMP error may be sent about the
// datagram with header h. RFC 1122 section 3.2.2 forbids errors about ICMP
// error messages and about datagrams sent to a broadcast or multicast address
// or from an address that does not identify a single host.
func shouldSendICMPError(h header.IPv4) bool {
	if !unicast(h.DestinationAddress()) || !unicast(h.SourceAddress()) {
		return false
	}
	if h.TransportProtocol() != header.ICMPv4ProtocolNumber || h.FragmentOffset() != 0 {
		return true
	}
	payload := h[h.HeaderLength():]
	if len(payload) == 0 {
		return true
	}
	switch header.ICMPv4Type(payload[0]) {
	case header.ICMPv4EchoReply, header.ICMPv4Echo:
		return true
	default:
		return false
	}
}

func unicast(addr tcpip.Address) bool {
	a := addr.As4()
	switch {
	case addr.Unspecified():
		return false
	case a == [4]byte{255, 255, 255, 255}:
		return false
	case a[0]&0xf0 == 0xe0:
		// 224.0.0.0/4.
		return false
	default:
		return true
	}
}
