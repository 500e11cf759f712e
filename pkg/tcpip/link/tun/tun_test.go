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

package tun

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func TestOpenNameTooLong(t *testing.T) {
	if _, err := Open("this-name-is-too-long-for-ifreq"); err == nil {
		t.Fatal("Open with an overlong name succeeded")
	}
}

func TestOpen(t *testing.T) {
	if _, err := os.Stat("/dev/net/tun"); err != nil {
		t.Skipf("no TUN support: %v", err)
	}
	fd, err := Open("reasmtest0")
	if err != nil {
		t.Skipf("Open failed, probably missing CAP_NET_ADMIN: %v", err)
	}
	defer unix.Close(fd)

	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		t.Fatalf("F_GETFL failed: %v", err)
	}
	if flags&unix.O_NONBLOCK == 0 {
		t.Error("TUN fd is blocking, want non-blocking")
	}
}

func TestConfigureMissingDevice(t *testing.T) {
	if err := Configure("reasm-nonexistent", "", 0); err == nil {
		t.Fatal("Configure of a missing device succeeded")
	}
}
