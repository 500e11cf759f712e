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

// Package fdbased provides the implemention of data-link layer endpoints
// backed by boundary-preserving file descriptors (e.g., TUN devices,
// seqpacket/datagram sockets).
//
// The file descriptor carries raw IPv4 packets with no link header. Packets of
// any other IP version are skipped.
package fdbased

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/reasm/pkg/sync"
	"gvisor.dev/reasm/pkg/tcpip"
	"gvisor.dev/reasm/pkg/tcpip/header"
	"gvisor.dev/reasm/pkg/tcpip/link/rawfile"
	"gvisor.dev/reasm/pkg/tcpip/stack"
)

// Options specify the details about the fd-based endpoint to be created.
type Options struct {
	// FD is the file descriptor used to send and receive packets.
	FD int

	// MTU is the largest packet read from FD.
	MTU uint32

	// NICID is stamped on every inbound packet.
	NICID tcpip.NICID

	// ClosedFunc is called when the dispatch loop ends, with the error that
	// ended it or nil if it was stopped.
	ClosedFunc func(error)
}

// Endpoint is an fd-based link endpoint.
type Endpoint struct {
	// fd is the file descriptor used to send and receive packets.
	fd int

	// mtu (maximum transmission unit) is the maximum size of a packet.
	mtu uint32

	nicID tcpip.NICID

	// closed is a function to be called when the dispatch loop ends.
	closed func(error)

	// stop is used to stop the dispatch loop.
	stop rawfile.StopFD

	mu sync.RWMutex
	// +checklocks:mu
	dispatcher stack.NetworkDispatcher

	// skipped counts inbound packets that were not IPv4.
	skipped tcpip.StatCounter
}

var _ stack.LinkEndpoint = (*Endpoint)(nil)

// New creates a new fd-based endpoint.
//
// Makes fd non-blocking, but does not take ownership of fd, which must remain
// open for the lifetime of the returned endpoint.
func New(opts *Options) (*Endpoint, error) {
	if opts.MTU == 0 {
		return nil, fmt.Errorf("fdbased: MTU must be positive")
	}
	if err := unix.SetNonblock(opts.FD, true); err != nil {
		return nil, fmt.Errorf("unix.SetNonblock(%v) failed: %v", opts.FD, err)
	}
	stop, err := rawfile.NewStopFD()
	if err != nil {
		return nil, err
	}
	return &Endpoint{
		fd:     opts.FD,
		mtu:    opts.MTU,
		nicID:  opts.NICID,
		closed: opts.ClosedFunc,
		stop:   stop,
	}, nil
}

// Attach implements stack.LinkEndpoint.Attach. Packets read while no
// dispatcher is attached are dropped.
func (e *Endpoint) Attach(dispatcher stack.NetworkDispatcher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dispatcher = dispatcher
}

// IsAttached implements stack.LinkEndpoint.IsAttached.
func (e *Endpoint) IsAttached() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dispatcher != nil
}

// MTU implements stack.LinkEndpoint.MTU.
func (e *Endpoint) MTU() uint32 {
	return e.mtu
}

// Skipped returns the number of inbound packets that were not IPv4.
func (e *Endpoint) Skipped() uint64 {
	return e.skipped.Value()
}

// WritePacket implements stack.LinkWriter.WritePacket.
func (e *Endpoint) WritePacket(pkt *stack.PacketBuffer) error {
	return rawfile.NonBlockingWrite(e.fd, pkt.AsSlice())
}

// Run reads packets from the file descriptor in a loop and dispatches them to
// the attached dispatcher until ctx is done or reading fails. It may be called
// once.
func (e *Endpoint) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			e.stop.Stop()
		case <-done:
		}
	}()

	err := e.dispatchLoop()
	if e.closed != nil {
		e.closed(err)
	}
	return err
}

// dispatchLoop reads packets from the file descriptor in a loop and dispatches
// them to the network stack.
func (e *Endpoint) dispatchLoop() error {
	buf := make([]byte, e.mtu)
	for {
		n, err := rawfile.BlockingReadUntilStopped(e.stop.EFD, e.fd, buf)
		if err != nil {
			return fmt.Errorf("read from fd %d: %w", e.fd, err)
		}
		if n == -1 {
			return nil
		}
		e.dispatch(buf[:n])
	}
}

func (e *Endpoint) dispatch(b []byte) {
	if n := len(b); n == 0 || header.IPVersion(b) != header.IPv4Version {
		e.skipped.Increment()
		return
	}

	e.mu.RLock()
	d := e.dispatcher
	e.mu.RUnlock()
	if d == nil {
		return
	}

	// Reassembly may hold on to the packet, so it gets its own right-sized
	// buffer rather than the read buffer.
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: append([]byte(nil), b...),
	})
	pkt.NICID = e.nicID
	pkt.NetworkProtocolNumber = header.IPv4ProtocolNumber
	d.DeliverNetworkPacket(pkt)
	pkt.DecRef()
}

// Close releases the resources of the endpoint. It does not close the file
// descriptor.
func (e *Endpoint) Close() error {
	return e.stop.Close()
}
