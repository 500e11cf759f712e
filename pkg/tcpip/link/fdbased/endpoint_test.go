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


//go:build linux
// +build linux

package fdbased

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"gvisor.dev/reasm/pkg/tcpip"
	"gvisor.dev/reasm/pkg/tcpip/header"
	"gvisor.dev/reasm/pkg/tcpip/stack"
)

const (
	testMTU   = 1500
	testNICID = tcpip.NICID(3)
)

func ipv4Packet(id uint16, payloadLen int) []byte {
	b := make([]byte, header.IPv4MinimumSize+payloadLen)
	ip := header.IPv4(b)
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(len(b)),
		ID:          id,
		TTL:         64,
		Protocol:    17,
		SrcAddr:     tcpip.AddrFrom4([4]byte{192, 0, 2, 1}),
		DstAddr:     tcpip.AddrFrom4([4]byte{192, 0, 2, 2}),
	})
	ip.SetChecksum(^ip.CalculateChecksum())
	for i := range b[header.IPv4MinimumSize:] {
		b[header.IPv4MinimumSize+i] = byte(i)
	}
	return b
}

type delivered struct {
	nicID tcpip.NICID
	proto tcpip.NetworkProtocolNumber
	data  []byte
}

type channelDispatcher chan delivered

func (c channelDispatcher) DeliverNetworkPacket(pkt *stack.PacketBuffer) {
	c <- delivered{
		nicID: pkt.NICID,
		proto: pkt.NetworkProtocolNumber,
		data:  pkt.AsSlice(),
	}
}

type testContext struct {
	t      *testing.T
	peer   int
	ep     *Endpoint
	cancel func()
	g      *errgroup.Group
	closed chan error
}

func newContext(t *testing.T) *testContext {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		t.Fatalf("unix.Socketpair failed: %v", err)
	}
	closed := make(chan error, 1)
	ep, err := New(&Options{
		FD:         fds[0],
		MTU:        testMTU,
		NICID:      testNICID,
		ClosedFunc: func(err error) { closed <- err },
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ep.Run(ctx) })

	c := &testContext{t: t, peer: fds[1], ep: ep, cancel: cancel, g: g, closed: closed}
	t.Cleanup(func() {
		c.stop()
		ep.Close()
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return c
}

// stop stops the dispatch loop and waits for it to return.
func (c *testContext) stop() error {
	c.cancel()
	return c.g.Wait()
}

func (c *testContext) send(b []byte) {
	c.t.Helper()
	if _, err := unix.Write(c.peer, b); err != nil {
		c.t.Fatalf("unix.Write failed: %v", err)
	}
}

func (c *testContext) recv(d channelDispatcher) delivered {
	c.t.Helper()
	select {
	case got := <-d:
		return got
	case <-time.After(5 * time.Second):
		c.t.Fatal("timed out waiting for packet")
		return delivered{}
	}
}

func TestNewRejectsZeroMTU(t *testing.T) {
	if _, err := New(&Options{FD: -1}); err == nil {
		t.Fatal("New with zero MTU succeeded")
	}
}

func TestDeliversIPv4(t *testing.T) {
	c := newContext(t)
	d := make(channelDispatcher, 1)
	c.ep.Attach(d)
	if !c.ep.IsAttached() {
		t.Fatal("IsAttached() = false after Attach")
	}

	want := ipv4Packet(7, 100)
	c.send(want)

	got := c.recv(d)
	if diff := cmp.Diff(delivered{nicID: testNICID, proto: header.IPv4ProtocolNumber, data: want}, got, cmp.AllowUnexported(delivered{})); diff != "" {
		t.Errorf("delivered packet mismatch (-want +got):\n%s", diff)
	}
}

func TestSkipsNonIPv4(t *testing.T) {
	c := newContext(t)
	d := make(channelDispatcher, 1)
	c.ep.Attach(d)

	v6 := make([]byte, 40)
	v6[0] = 6 << 4
	c.send(v6)
	c.send(ipv4Packet(8, 16))

	if got := c.recv(d); got.data[0]>>4 != header.IPv4Version {
		t.Fatalf("got version %d packet, want IPv4", got.data[0]>>4)
	}
	if got := c.ep.Skipped(); got != 1 {
		t.Errorf("Skipped() = %d, want 1", got)
	}
}

func TestUnattachedDrops(t *testing.T) {
	c := newContext(t)
	c.send(ipv4Packet(9, 16))

	// Attach after the first packet; only the second one is delivered.
	time.Sleep(10 * time.Millisecond)
	d := make(channelDispatcher, 2)
	c.ep.Attach(d)
	c.send(ipv4Packet(10, 16))

	got := c.recv(d)
	if id := header.IPv4(got.data).ID(); id != 10 {
		t.Errorf("delivered ID = %d, want 10", id)
	}
}

func TestWritePacket(t *testing.T) {
	c := newContext(t)
	want := ipv4Packet(11, 64)

	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{Payload: want})
	defer pkt.DecRef()
	if err := c.ep.WritePacket(pkt); err != nil {
		t.Fatalf("WritePacket failed: %v", err)
	}

	got := make([]byte, testMTU)
	n, err := unix.Read(c.peer, got)
	if err != nil {
		t.Fatalf("unix.Read failed: %v", err)
	}
	if diff := cmp.Diff(want, got[:n]); diff != "" {
		t.Errorf("written packet mismatch (-want +got):\n%s", diff)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	c := newContext(t)
	if err := c.stop(); err != nil {
		t.Fatalf("Run returned %v, want nil", err)
	}
	select {
	case err := <-c.closed:
		if err != nil {
			t.Errorf("ClosedFunc got %v, want nil", err)
		}
	default:
		t.Error("ClosedFunc was not called")
	}
}

func TestMTU(t *testing.T) {
	c := newContext(t)
	if got := c.ep.MTU(); got != testMTU {
		t.Errorf("MTU() = %d, want %d", got, testMTU)
	}
}
