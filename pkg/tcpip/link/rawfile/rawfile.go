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

//go:build linux
// +build linux

// Package rawfile contains utilities for using raw host files on Linux hosts.
package rawfile

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// GetMTU determines the MTU of a network interface device.
func GetMTU(name string) (uint32, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return 0, err
	}
	defer unix.Close(fd)

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return 0, err
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFMTU, ifr); err != nil {
		return 0, err
	}
	return ifr.Uint32(), nil
}

// NonBlockingWrite writes the given buffer to a file descriptor. It fails if
// partial data is written.
func NonBlockingWrite(fd int, buf []byte) error {
	for {
		n, err := unix.Write(fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n != len(buf) {
			return fmt.Errorf("short write of %d out of %d bytes: %w", n, len(buf), unix.EIO)
		}
		return nil
	}
}

// BlockingReadUntilStopped reads from a file descriptor that is set up as
// non-blocking. If no data is available, it will block in a poll() syscall
// until the file descriptor becomes readable or stop is signalled (efd
// becomes readable). Returns -1 in the latter case.
func BlockingReadUntilStopped(efd int, fd int, b []byte) (int, error) {
	for {
		n, err := unix.Read(fd, b)
		if err == nil {
			return n, nil
		}
		if err != unix.EWOULDBLOCK && err != unix.EINTR {
			return 0, err
		}
		stopped, err := BlockingPollUntilStopped(efd, fd, unix.POLLIN)
		if stopped {
			return -1, nil
		}
		if err != nil && err != unix.EINTR {
			return 0, err
		}
	}
}

// BlockingPollUntilStopped polls for events on fd or until a stop is signalled
// on the event fd efd. Returns true if stopped, i.e., efd has event POLLIN.
func BlockingPollUntilStopped(efd int, fd int, events int16) (bool, error) {
	pevents := []unix.PollFd{
		{
			Fd:     int32(efd),
			Events: unix.POLLIN,
		},
		{
			Fd:     int32(fd),
			Events: events,
		},
	}
	_, err := unix.Poll(pevents, -1)
	stopped := pevents[0].Revents&unix.POLLIN != 0
	if err != nil {
		return stopped, err
	}
	if pevents[1].Revents&(unix.POLLHUP|unix.POLLERR) != 0 {
		return stopped, unix.ECONNRESET
	}
	return stopped, nil
}

// NewStopFD returns an event fd that stops BlockingReadUntilStopped once
// Stop has been called on it.
func NewStopFD() (StopFD, error) {
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return StopFD{EFD: -1}, fmt.Errorf("failed to create eventfd: %w", err)
	}
	return StopFD{EFD: efd}, nil
}

// StopFD is an eventfd used to signal the stop of a dispatcher.
type StopFD struct {
	EFD int
}

// Stop writes to the eventfd and notifies the dispatcher to stop. It does not
// block.
func (sf *StopFD) Stop() {
	increment := []byte{1, 0, 0, 0, 0, 0, 0, 0}
	if n, err := unix.Write(sf.EFD, increment); n != len(increment) || err != nil {
		// There are two possible errors documented in eventfd(2) for writing:
		// 1. We are writing 8 bytes and not 0xffffffffffffff, thus no EINVAL.
		// 2. stop is only supposed to be called once, it can't reach the limit,
		// thus no EAGAIN.
		panic(fmt.Sprintf("write(EFD) = (%d, %s), want (%d, nil)", n, err, len(increment)))
	}
}

// Close closes the eventfd.
func (sf *StopFD) Close() error {
	if sf.EFD < 0 {
		return nil
	}
	err := unix.Close(sf.EFD)
	sf.EFD = -1
	return err
}
