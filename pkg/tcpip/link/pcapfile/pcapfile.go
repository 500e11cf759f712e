// Copyright 2018 Google Inc.
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


// Package pcapfile reads IPv4 packets from pcap capture files and writes
// packets to raw-IPv4 pcap capture files.
package pcapfile

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"gvisor.dev/reasm/pkg/sync"
	"gvisor.dev/reasm/pkg/tcpip"
	"gvisor.dev/reasm/pkg/tcpip/stack"
)

// DefaultSnaplen is the snapshot length written to new capture files.
const DefaultSnaplen = 65535

// Packet is a single IPv4 packet read from a capture.
type Packet struct {
	// Timestamp is the capture time.
	Timestamp time.Time

	// Data holds the IPv4 header and payload, with any link header and
	// trailing padding removed.
	Data []byte
}

// Reader reads IPv4 packets from a pcap stream. Packets that do not carry
// IPv4 are skipped and counted.
type Reader struct {
	r        *pcapgo.Reader
	linkType layers.LinkType

	// Skipped is the number of records that did not decode to IPv4.
	Skipped uint64
}

// NewReader reads the pcap file header from r.
func NewReader(r io.Reader) (*Reader, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("reading pcap header: %w", err)
	}
	switch lt := pr.LinkType(); lt {
	case layers.LinkTypeEthernet, layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeLinuxSLL:
	default:
		return nil, fmt.Errorf("unsupported pcap link type %s", lt)
	}
	return &Reader{r: pr, linkType: pr.LinkType()}, nil
}

// LinkType returns the link type of the capture.
func (r *Reader) LinkType() layers.LinkType {
	return r.linkType
}

// Next returns the next IPv4 packet. It returns io.EOF after the last one.
func (r *Reader) Next() (Packet, error) {
	for {
		data, ci, err := r.r.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return Packet{}, fmt.Errorf("truncated pcap record: %w", err)
			}
			return Packet{}, err
		}
		if b, ok := r.ipv4(data); ok {
			return Packet{Timestamp: ci.Timestamp, Data: b}, nil
		}
		r.Skipped++
	}
}

func (r *Reader) ipv4(data []byte) ([]byte, bool) {
	var first gopacket.Decoder = r.linkType
	if r.linkType == layers.LinkTypeIPv4 {
		first = layers.LayerTypeIPv4
	}
	p := gopacket.NewPacket(data, first, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	l := p.Layer(layers.LayerTypeIPv4)
	if l == nil {
		return nil, false
	}
	ip := l.(*layers.IPv4)
	b := make([]byte, 0, len(ip.Contents)+len(ip.Payload))
	b = append(b, ip.Contents...)
	b = append(b, ip.Payload...)
	return b, true
}

// Writer writes packets to a raw-IPv4 pcap stream. It implements
// stack.LinkWriter, so it can stand in for a device.
type Writer struct {
	clock tcpip.Clock

	mu sync.Mutex
	// +checklocks:mu
	w *pcapgo.Writer
	// +checklocks:mu
	snaplen uint32
}

var _ stack.LinkWriter = (*Writer)(nil)

// NewWriter writes a pcap file header to w. Packet timestamps come from
// clock.
func NewWriter(w io.Writer, snaplen uint32, clock tcpip.Clock) (*Writer, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snaplen, layers.LinkTypeRaw); err != nil {
		return nil, fmt.Errorf("writing pcap header: %w", err)
	}
	return &Writer{clock: clock, w: pw, snaplen: snaplen}, nil
}

// WritePacket implements stack.LinkWriter.WritePacket.
func (w *Writer) WritePacket(pkt *stack.PacketBuffer) error {
	return w.Write(pkt.AsSlice())
}

// Write records b as one packet.
func (w *Writer) Write(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	captured := b
	if uint32(len(captured)) > w.snaplen {
		captured = captured[:w.snaplen]
	}
	return w.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     w.clock.Now(),
		CaptureLength: len(captured),
		Length:        len(b),
	}, captured)
}
