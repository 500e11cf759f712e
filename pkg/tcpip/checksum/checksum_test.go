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

package checksum

import (
	"bytes"
	"testing"
)

func TestChecksumer(t *testing.T) {
	testCases := []struct {
		name string
		data [][]byte
		want uint16
	}{
		{
			name: "empty",
			want: 0,
		},
		{
			name: "OneOddView",
			data: [][]byte{
				{1, 9, 0, 5, 4},
			},
			want: 1294,
		},
		{
			name: "TwoOddViews",
			data: [][]byte{
				{1, 9, 0, 5, 4},
				{4, 3, 7, 1, 2, 123},
			},
			want: 33819,
		},
		{
			name: "OneEvenView",
			data: [][]byte{
				{1, 9, 0, 5},
			},
			want: 270,
		},
		{
			name: "TwoEvenViews",
			data: [][]byte{
				[]byte{98, 1, 9, 0},
				[]byte{9, 0, 5, 4},
			},
			want: 30981,
		},
		{
			name: "ThreeViews",
			data: [][]byte{
				{77, 11, 33, 0, 55, 44},
				{98, 1, 9, 0, 5, 4},
				{4, 3, 7, 1, 2, 123, 99},
			},
			want: 34236,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var all bytes.Buffer
			var c Checksumer
			for _, b := range tc.data {
				c.Add(b)
				// Append to the buffer. We will check the checksum as a whole later.
				if _, err := all.Write(b); err != nil {
					t.Fatalf("all.Write(b) = _, %s; want _, nil", err)
				}
			}
			if got, want := c.Checksum(), tc.want; got != want {
				t.Errorf("c.Checksum() = %d, want %d", got, want)
			}
			if got, want := Checksum(all.Bytes(), 0 /* initial */), tc.want; got != want {
				t.Errorf("Checksum(flatten tc.data) = %d, want %d", got, want)
			}
		})
	}
}

// TestChecksumRFC1071 checks the worked example of RFC 1071 section 3.
func TestChecksumRFC1071(t *testing.T) {
	buf := []byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7}
	if got, want := Checksum(buf, 0), uint16(0xddf2); got != want {
		t.Errorf("Checksum(%x, 0) = %#04x, want %#04x", buf, got, want)
	}
}

func TestChecksumVerifies(t *testing.T) {
	// A 20 byte IPv4 header with its checksum field zeroed.
	hdr := []byte{
		0x45, 0x00, 0x00, 0x73, 0x00, 0x00, 0x40, 0x00,
		0x40, 0x11, 0x00, 0x00, 0xc0, 0xa8, 0x00, 0x01,
		0xc0, 0xa8, 0x00, 0xc7,
	}
	Put(hdr[10:], ^Checksum(hdr, 0))
	if got, want := hdr[10:12], []byte{0xb8, 0x61}; !bytes.Equal(got, want) {
		t.Fatalf("got checksum bytes %x, want %x", got, want)
	}
	if got := Checksum(hdr, 0); got != 0xffff {
		t.Errorf("Checksum over header with checksum = %#04x, want 0xffff", got)
	}
}

func TestCombine(t *testing.T) {
	for _, tc := range []struct {
		a, b, want uint16
	}{
		{a: 0, b: 0, want: 0},
		{a: 0x1234, b: 0x0001, want: 0x1235},
		{a: 0xffff, b: 0x0001, want: 0x0001},
		{a: 0xfffe, b: 0x0003, want: 0x0002},
	} {
		if got := Combine(tc.a, tc.b); got != tc.want {
			t.Errorf("Combine(%#04x, %#04x) = %#04x, want %#04x", tc.a, tc.b, got, tc.want)
		}
	}
}
