// Copyright 2020 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at //
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stack

import (
	"bytes"
	"testing"
)

func makeView(size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestPacketHeaderConsume(t *testing.T) {
	for _, test := range []struct {
		name       string
		payload    []byte
		consume    int
		wantOK     bool
		wantHeader []byte
		wantData   []byte
	}{
		{
			name:       "whole header",
			payload:    makeView(28),
			consume:    20,
			wantOK:     true,
			wantHeader: makeView(28)[:20],
			wantData:   makeView(28)[20:],
		},
		{
			name:       "header only",
			payload:    makeView(20),
			consume:    20,
			wantOK:     true,
			wantHeader: makeView(20),
			wantData:   []byte{},
		},
		{
			name:     "too short",
			payload:  makeView(10),
			consume:  20,
			wantOK:   false,
			wantData: makeView(10),
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			pk := NewPacketBuffer(PacketBufferOptions{Payload: test.payload})
			defer pk.DecRef()

			v, ok := pk.NetworkHeader().Consume(test.consume)
			if ok != test.wantOK {
				t.Fatalf("got Consume(%d) = (_, %t), want (_, %t)", test.consume, ok, test.wantOK)
			}
			if !bytes.Equal(v, test.wantHeader) {
				t.Errorf("got consumed view %x, want %x", v, test.wantHeader)
			}
			if got := pk.NetworkHeader().View(); !bytes.Equal(got, test.wantHeader) {
				t.Errorf("got NetworkHeader().View() = %x, want %x", got, test.wantHeader)
			}
			if got := pk.Data().AsSlice(); !bytes.Equal(got, test.wantData) {
				t.Errorf("got Data().AsSlice() = %x, want %x", got, test.wantData)
			}
			if got, want := pk.HeaderSize()+pk.Data().Size(), len(test.payload); got != want {
				t.Errorf("got header+data size %d, want %d", got, want)
			}
		})
	}
}

func TestPacketDataCapLength(t *testing.T) {
	pk := NewPacketBuffer(PacketBufferOptions{Payload: makeView(40)})
	defer pk.DecRef()
	if _, ok := pk.NetworkHeader().Consume(20); !ok {
		t.Fatalf("Consume(20) failed")
	}

	pk.Data().CapLength(30)
	if got, want := pk.Data().Size(), 20; got != want {
		t.Errorf("got Data().Size() = %d after growing cap, want %d", got, want)
	}
	pk.Data().CapLength(8)
	if got, want := pk.Data().Size(), 8; got != want {
		t.Errorf("got Data().Size() = %d, want %d", got, want)
	}
	if got, want := pk.Size(), 28; got != want {
		t.Errorf("got Size() = %d, want %d", got, want)
	}
	if got := pk.MemSize(); got < 40 {
		t.Errorf("got MemSize() = %d, want at least the backing capacity 40", got)
	}
}

func TestPacketBufferRefs(t *testing.T) {
	released := 0
	pk := NewPacketBuffer(PacketBufferOptions{
		Payload:   makeView(8),
		OnRelease: func() { released++ },
	})
	if got := pk.ReadRefs(); got != 1 {
		t.Fatalf("got ReadRefs() = %d, want 1", got)
	}
	pk.IncRef()
	pk.DecRef()
	if released != 0 {
		t.Fatalf("released with a reference still held")
	}
	pk.DecRef()
	if released != 1 {
		t.Errorf("got released = %d, want 1", released)
	}
	if pk.AsSlice() != nil {
		t.Errorf("released packet still holds its buffer")
	}

	defer func() {
		if recover() == nil {
			t.Errorf("DecRef on a released packet did not panic")
		}
	}()
	pk.DecRef()
}
