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


package stack

// TransportDispatcher contains the methods used by the network stack to deliver
// packets to the appropriate transport endpoint after it has been handled by
// the network layer.
type TransportDispatcher interface {
	// DeliverTransportPacket delivers packets to the appropriate
	// transport protocol endpoint.
	//
	// pkt.NetworkHeader must be set before calling DeliverTransportPacket.
	// The packet is only valid for the duration of the call; the callee
	// must take its own reference to keep it.
	DeliverTransportPacket(pkt *PacketBuffer)
}

// NetworkDispatcher contains the methods used by the network stack to deliver
// inbound packets to the appropriate network endpoint after it has been
// handled by the data-link layer.
type NetworkDispatcher interface {
	// DeliverNetworkPacket finds the appropriate network protocol endpoint
	// and hands the packet over for further processing.
	//
	// The packet data starts at the network header, which has not been
	// consumed. The caller keeps its reference to pkt.
	DeliverNetworkPacket(pkt *PacketBuffer)
}

// LinkWriter is an interface that supports sending packets via a data-link
// layer endpoint.
type LinkWriter interface {
	// WritePacket writes a packet whose network header has been consumed.
	// The caller keeps its reference to pkt.
	WritePacket(pkt *PacketBuffer) error
}

// LinkEndpoint is the interface implemented by data link layer protocols (e.g.,
// ethernet, loopback, raw) and used by network layer protocols to send packets
// out through the implementer's data link endpoint. Inbound packets are passed
// up with the link header already removed.
type LinkEndpoint interface {
	LinkWriter

	// MTU is the maximum transmission unit for this endpoint. This is
	// usually dictated by the backing physical network; when such a
	// physical network doesn't exist, the limit is generally 64k, which
	// includes the maximum size of an IP packet.
	MTU() uint32

	// Attach attaches the data link layer endpoint to the network-layer
	// dispatcher of the stack.
	//
	// Attach is called with a nil dispatcher when the endpoint's NIC is being
	// removed.
	Attach(dispatcher NetworkDispatcher)

	// IsAttached returns whether a NetworkDispatcher is attached to the
	// endpoint.
	IsAttached() bool
}
