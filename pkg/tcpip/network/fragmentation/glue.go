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

package fragmentation

import (
	"fmt"

	"gvisor.dev/reasm/pkg/tcpip/header"
	"gvisor.dev/reasm/pkg/tcpip/stack"
)

// glueLocked builds the reassembled datagram out of the template header and
// the fragment list. The list must be complete.
//
// The output buffer is reserved from the host allocator and handed over with
// the packet; the reservation is returned when the packet is released.
//
// Precondition: r.mu must be locked.
func (r *reassembler) glueLocked(mem *memAccount) (*stack.PacketBuffer, error) {
	if len(r.template) < header.IPv4MinimumSize {
		return nil, fmt.Errorf("header template of %d bytes: %w", len(r.template), ErrCorruptFragmentList)
	}
	hlen := int(header.IPv4(r.template).HeaderLength())
	if hlen < header.IPv4MinimumSize || hlen > len(r.template) {
		return nil, fmt.Errorf("header length %d with a template of %d bytes: %w", hlen, len(r.template), ErrCorruptFragmentList)
	}
	size := hlen + r.totalLen
	if size > header.IPv4MaximumTotalSize {
		return nil, fmt.Errorf("reassembled size %d: %w", size, ErrOversizedDatagram)
	}

	buf, release, ok := mem.allocBuf(size)
	if !ok {
		return nil, fmt.Errorf("output buffer of %d bytes: %w", size, ErrNoMemory)
	}
	copy(buf, r.template[:hlen])

	var (
		cur   int
		first *fragment
		err   error
	)
	r.frags.Ascend(func(fr *fragment) bool {
		if first == nil {
			first = fr
		}
		src := fr.pkt.Data().AsSlice()
		n := fr.end - fr.start
		switch {
		case fr.start != cur:
			err = fmt.Errorf("fragment %s follows data ending at %d: %w", fr, cur, ErrCorruptFragmentList)
		case fr.end > r.totalLen:
			err = fmt.Errorf("fragment %s ends past %d: %w", fr, r.totalLen, ErrCorruptFragmentList)
		case fr.off < 0 || fr.off+n > len(src):
			err = fmt.Errorf("fragment %s reads [%d, %d) of a %d byte payload: %w", fr, fr.off, fr.off+n, len(src), ErrCorruptFragmentList)
		default:
			copy(buf[hlen+cur:], src[fr.off:fr.off+n])
			cur = fr.end
			return true
		}
		return false
	})
	if err == nil && cur != r.totalLen {
		err = fmt.Errorf("fragments cover %d of %d bytes: %w", cur, r.totalLen, ErrCorruptFragmentList)
	}
	if err != nil {
		release()
		return nil, err
	}

	h := header.IPv4(buf[:hlen])
	h.SetFlagsFragmentOffset(0, 0)
	h.SetTotalLength(uint16(size))
	h.SetChecksum(0)
	h.SetChecksum(^h.CalculateChecksum())

	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload:   buf,
		OnRelease: release,
	})
	if _, ok := pkt.NetworkHeader().Consume(hlen); !ok {
		pkt.DecRef()
		return nil, fmt.Errorf("consume header of %d bytes: %w", hlen, ErrCorruptFragmentList)
	}
	pkt.NetworkProtocolNumber = header.IPv4ProtocolNumber
	pkt.NICID = first.pkt.NICID
	return pkt, nil
}
