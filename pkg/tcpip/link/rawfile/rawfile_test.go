// Copyright 2019 The gVisor Authors.
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

package rawfile

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

func nonBlockingPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("unix.Socketpair: %s", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestNonBlockingWriteZeroLength(t *testing.T) {
	fd, err := unix.Open("/dev/null", unix.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("failed to open /dev/null: %v", err)
	}
	defer unix.Close(fd)

	if err := NonBlockingWrite(fd, []byte{}); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
}

func TestBlockingReadUntilStopped(t *testing.T) {
	a, b := nonBlockingPair(t)
	stop, err := NewStopFD()
	if err != nil {
		t.Fatal(err)
	}
	defer stop.Close()

	want := []byte{0x45, 0, 0, 20}
	if err := NonBlockingWrite(a, want); err != nil {
		t.Fatalf("NonBlockingWrite: %s", err)
	}
	buf := make([]byte, 64)
	n, err := BlockingReadUntilStopped(stop.EFD, b, buf)
	if err != nil {
		t.Fatalf("BlockingReadUntilStopped: %s", err)
	}
	if diff := cmp.Diff(want, buf[:n]); diff != "" {
		t.Errorf("read mismatch (-want +got):\n%s", diff)
	}

	stop.Stop()
	if n, err := BlockingReadUntilStopped(stop.EFD, b, buf); n != -1 || err != nil {
		t.Errorf("got BlockingReadUntilStopped() = (%d, %v) after stop, want = (-1, nil)", n, err)
	}
}

func TestGetMTU(t *testing.T) {
	mtu, err := GetMTU("lo")
	if err != nil {
		t.Skipf("no loopback device: %s", err)
	}
	if mtu == 0 {
		t.Errorf("got GetMTU(lo) = 0, want > 0")
	}
}
