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

// Package testutil defines types and functions used to test Network Layer
// functionality such as IP fragmentation.
package testutil

import (
	"fmt"

	"gvisor.dev/reasm/pkg/tcpip"
	"gvisor.dev/reasm/pkg/tcpip/header"
	"gvisor.dev/reasm/pkg/tcpip/stack"
)

// Default addressing used by Datagram when left unset.
var (
	SrcAddr = tcpip.AddrFrom4([4]byte{192, 0, 2, 1})
	DstAddr = tcpip.AddrFrom4([4]byte{192, 0, 2, 2})
)

// Datagram describes an IPv4 datagram to cut into fragments.
type Datagram struct {
	Src      tcpip.Address
	Dst      tcpip.Address
	ID       uint16
	Protocol uint8
	TTL      uint8
	Options  []byte
	Payload  []byte
}

// Fragment describes the bytes [Offset, Offset+Length) of a datagram's
// payload. Offsets are in bytes.
type Fragment struct {
	Offset int
	Length int
	More   bool
}

func (fr Fragment) String() string {
	return fmt.Sprintf("[%d, %d) more=%t", fr.Offset, fr.Offset+fr.Length, fr.More)
}

// Split cuts a payload of total bytes into fragments of at most size bytes.
// size must be a multiple of 8.
func Split(total, size int) []Fragment {
	if size <= 0 || size%header.IPv4FragmentUnit != 0 {
		panic(fmt.Sprintf("bad fragment size %d", size))
	}
	var frags []Fragment
	for off := 0; off < total; off += size {
		n := min(size, total-off)
		frags = append(frags, Fragment{Offset: off, Length: n, More: off+n < total})
	}
	return frags
}

// Header returns the header d's fragments carry, with the given fragment
// fields and payload length, and a valid checksum.
func (d *Datagram) Header(offset, length int, more bool) header.IPv4 {
	hlen := header.IPv4MinimumSize + len(d.Options)
	var flags uint8
	if more {
		flags = header.IPv4FlagMoreFragments
	}
	src, dst := d.Src, d.Dst
	if src.Len() == 0 {
		src = SrcAddr
	}
	if dst.Len() == 0 {
		dst = DstAddr
	}
	ttl := d.TTL
	if ttl == 0 {
		ttl = 64
	}
	h := header.IPv4(make([]byte, hlen))
	h.Encode(&header.IPv4Fields{
		TotalLength:    uint16(hlen + length),
		ID:             d.ID,
		Flags:          flags,
		FragmentOffset: uint16(offset),
		TTL:            ttl,
		Protocol:       d.Protocol,
		SrcAddr:        src,
		DstAddr:        dst,
		Options:        d.Options,
	})
	h.SetChecksum(^h.CalculateChecksum())
	return h
}

// Bytes returns the wire form of fragment fr of d. The fragment's payload is
// read from d.Payload, which must cover it.
func (d *Datagram) Bytes(fr Fragment) []byte {
	h := d.Header(fr.Offset, fr.Length, fr.More)
	b := make([]byte, 0, len(h)+fr.Length)
	b = append(b, h...)
	return append(b, d.Payload[fr.Offset:fr.Offset+fr.Length]...)
}

// Whole returns the wire form of d, unfragmented.
func (d *Datagram) Whole() []byte {
	return d.Bytes(Fragment{Length: len(d.Payload)})
}

// Packet returns fragment fr of d as an inbound packet received on nicID.
func (d *Datagram) Packet(fr Fragment, nicID tcpip.NICID) *stack.PacketBuffer {
	return NewInboundPacket(d.Bytes(fr), nicID)
}

// NewInboundPacket wraps the IPv4 packet b the way the network layer hands
// it to reassembly: the header consumed and the data capped to the total
// length. It panics if b is not a valid IPv4 packet.
func NewInboundPacket(b []byte, nicID tcpip.NICID) *stack.PacketBuffer {
	h := header.IPv4(b)
	if !h.IsValid(len(b)) {
		panic(fmt.Sprintf("invalid IPv4 packet: %x", b))
	}
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{Payload: b})
	if _, ok := pkt.NetworkHeader().Consume(int(h.HeaderLength())); !ok {
		panic("header length exceeds packet")
	}
	pkt.Data().CapLength(int(h.TotalLength()) - int(h.HeaderLength()))
	pkt.NetworkProtocolNumber = header.IPv4ProtocolNumber
	pkt.NICID = nicID
	return pkt
}

// Payload returns n bytes of a recognisable pattern.
func Payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}
