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

package tcpip

import (
	"net/netip"
	"testing"
)

func TestAddressString(t *testing.T) {
	for _, want := range []string{
		"0.0.0.0",
		"1.2.3.4",
		"192.168.0.1",
		"255.255.255.255",
	} {
		addr := AddrFromNetip(netip.MustParseAddr(want))
		if got := addr.String(); got != want {
			t.Errorf("Address(%x).String() = '%s', want = '%s'", addr.AsSlice(), got, want)
		}
	}
}

func TestAddressComparable(t *testing.T) {
	a := AddrFrom4([4]byte{10, 0, 0, 1})
	b := AddrFrom4Slice([]byte{10, 0, 0, 1})
	if a != b {
		t.Errorf("AddrFrom4 and AddrFrom4Slice disagree: %s != %s", a, b)
	}
	m := map[Address]int{a: 1}
	if got := m[b]; got != 1 {
		t.Errorf("map lookup with equal address = %d, want 1", got)
	}
	if c := AddrFrom4([4]byte{10, 0, 0, 2}); c == a {
		t.Errorf("distinct addresses compare equal: %s", c)
	}
}

func TestAddressUnspecified(t *testing.T) {
	if !(Address{}).Unspecified() {
		t.Errorf("zero Address is not unspecified")
	}
	if AddrFrom4([4]byte{0, 0, 0, 1}).Unspecified() {
		t.Errorf("0.0.0.1 is unspecified")
	}
}

func TestStatCounter(t *testing.T) {
	var s StatCounter
	s.Increment()
	s.IncrementBy(4)
	s.Decrement()
	if got, want := s.Value(), uint64(4); got != want {
		t.Errorf("got s.Value() = %d, want %d", got, want)
	}
	if got, want := s.String(), "4"; got != want {
		t.Errorf("got s.String() = %q, want %q", got, want)
	}
}

func TestStatsFillIn(t *testing.T) {
	var existing StatCounter
	existing.Increment()
	s := Stats{IP: IPStats{PacketsReceived: &existing}}.FillIn()
	if s.IP.PacketsReceived != &existing {
		t.Errorf("FillIn replaced a non-nil counter")
	}
	for name, c := range map[string]*StatCounter{
		"IP.PacketsDelivered":     s.IP.PacketsDelivered,
		"IP.Reassembly.Requested": s.IP.Reassembly.Requested,
		"IP.Reassembly.Evicted":   s.IP.Reassembly.Evicted,
		"ICMP.TimeExceededSent":   s.ICMP.TimeExceededSent,
	} {
		if c == nil {
			t.Errorf("%s is nil after FillIn", name)
		}
	}
}
