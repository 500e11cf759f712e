// Copyright 2019 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at //
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package stack holds the packet representation shared by the link and
// network layers.
package stack

import (
	"fmt"
	"unsafe"

	"gvisor.dev/reasm/pkg/sync"
	"gvisor.dev/reasm/pkg/tcpip"
)

const packetBufferStructSize = int(unsafe.Sizeof(PacketBuffer{}))

// PacketBufferOptions specifies options for PacketBuffer creation.
type PacketBufferOptions struct {
	// Payload is the initial unparsed data for the new packet, starting at
	// the network header. It will be owned by the new packet.
	Payload []byte

	// OnRelease is called once when the last reference to the packet is
	// dropped. It is typically used to return the backing storage to an
	// allocator.
	OnRelease func()
}

// A PacketBuffer contains all the data of a network packet.
//
// The packet is a single contiguous buffer: the network header followed by
// the network payload. For inbound packets the whole packet is initially data;
// the network layer moves the header out of it with NetworkHeader().Consume.
//
// PacketBuffer must be created with NewPacketBuffer. It is reference counted;
// the creator holds the first reference and every holder must call DecRef
// exactly once.
type PacketBuffer struct {
	_ sync.NoCopy

	packetBufferRefs

	// buf holds the whole packet. It is nil once the packet is released.
	buf []byte

	// networkHeaderSize is the number of bytes at the front of buf that make
	// up the network header.
	networkHeaderSize int

	// networkHeaderSet is true once NetworkHeader().Consume succeeded.
	networkHeaderSet bool

	onRelease func()

	// NetworkProtocolNumber is only valid when NetworkHeader().View() is not
	// empty.
	NetworkProtocolNumber tcpip.NetworkProtocolNumber

	// NICID is the ID of the interface the network packet was received at.
	NICID tcpip.NICID
}

// NewPacketBuffer creates a new PacketBuffer with opts.
func NewPacketBuffer(opts PacketBufferOptions) *PacketBuffer {
	pk := &PacketBuffer{
		buf:       opts.Payload,
		onRelease: opts.OnRelease,
	}
	pk.InitRefs()
	return pk
}

// IncRef increments pk's reference count and returns pk.
func (pk *PacketBuffer) IncRef() *PacketBuffer {
	pk.packetBufferRefs.IncRef()
	return pk
}

// DecRef decrements pk's reference count. The backing storage is released
// when the count reaches zero.
func (pk *PacketBuffer) DecRef() {
	pk.packetBufferRefs.DecRef(func() {
		pk.buf = nil
		if pk.onRelease != nil {
			pk.onRelease()
		}
	})
}

// NetworkHeader returns the handle to network-layer header.
func (pk *PacketBuffer) NetworkHeader() PacketHeader {
	return PacketHeader{pk: pk}
}

// Data returns the handle to data portion of pk.
func (pk *PacketBuffer) Data() PacketData {
	return PacketData{pk: pk}
}

// HeaderSize returns the total size of all headers in bytes.
func (pk *PacketBuffer) HeaderSize() int {
	return pk.networkHeaderSize
}

// Size returns the size of packet in bytes.
func (pk *PacketBuffer) Size() int {
	return len(pk.buf)
}

// MemSize returns the estimation size of the pk in memory, including backing
// buffer data.
func (pk *PacketBuffer) MemSize() int {
	return cap(pk.buf) + packetBufferStructSize
}

// AsSlice returns the whole packet, headers included. Callers must not keep
// the slice past their reference to pk.
func (pk *PacketBuffer) AsSlice() []byte {
	return pk.buf
}

// PacketHeader is a handle object to a header in the underlying packet.
type PacketHeader struct {
	pk *PacketBuffer
}

// View returns the underlying storage of h.
func (h PacketHeader) View() []byte {
	return h.pk.buf[:h.pk.networkHeaderSize:h.pk.networkHeaderSize]
}

// Consume moves the first size bytes of the unparsed data portion in the packet
// to h, and returns the backing storage. In the case of data is shorter than
// size, consumed will be false, and the state of h will not be affected.
// Callers may only call Consume once in the lifetime of the underlying packet.
func (h PacketHeader) Consume(size int) (v []byte, consumed bool) {
	if h.pk.networkHeaderSet {
		panic(fmt.Sprintf("consume must not be called twice on %p", h.pk))
	}
	if size < 0 || size > len(h.pk.buf) {
		return nil, false
	}
	h.pk.networkHeaderSize = size
	h.pk.networkHeaderSet = true
	return h.View(), true
}

// PacketData represents the data portion of a PacketBuffer.
type PacketData struct {
	pk *PacketBuffer
}

// AsSlice returns the data portion of the packet. Callers should not write to
// it or keep it past their reference to the packet.
func (d PacketData) AsSlice() []byte {
	return d.pk.buf[d.pk.networkHeaderSize:]
}

// Size returns the number of bytes in the data payload of the packet.
func (d PacketData) Size() int {
	return len(d.pk.buf) - d.pk.networkHeaderSize
}

// CapLength reduces d to at most length bytes.
func (d PacketData) CapLength(length int) {
	if length < 0 {
		panic(fmt.Sprintf("length < 0: %d", length))
	}
	if d.Size() > length {
		d.pk.buf = d.pk.buf[:d.pk.networkHeaderSize+length]
	}
}
