// Copyright 2020 The gVisor Authors.
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

package faketime

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestManualClockAdvance(t *testing.T) {
	tests := []struct {
		name     string
		schedule []time.Duration
		advance  time.Duration
		want     []int
	}{
		{
			name:     "nothing due",
			schedule: []time.Duration{time.Second},
			advance:  time.Second - 1,
			want:     nil,
		},
		{
			name:     "exact deadline",
			schedule: []time.Duration{time.Second},
			advance:  time.Second,
			want:     []int{0},
		},
		{
			name:     "deadline order",
			schedule: []time.Duration{3 * time.Second, time.Second, 2 * time.Second},
			advance:  5 * time.Second,
			want:     []int{1, 2, 0},
		},
		{
			name:     "same deadline keeps creation order",
			schedule: []time.Duration{time.Second, time.Second, time.Second},
			advance:  time.Second,
			want:     []int{0, 1, 2},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			clock := NewManualClock()
			var fired []int
			for i, d := range test.schedule {
				i := i
				clock.AfterFunc(d, func() { fired = append(fired, i) })
			}
			clock.Advance(test.advance)
			if diff := cmp.Diff(test.want, fired); diff != "" {
				t.Errorf("fired timers mismatch (-want +got):\n%s", diff)
			}
			if got, want := clock.NowMonotonic().Milliseconds(), test.advance.Milliseconds(); got != want {
				t.Errorf("got NowMonotonic() = %dms, want %dms", got, want)
			}
		})
	}
}

func TestManualTimerStopReset(t *testing.T) {
	clock := NewManualClock()
	fired := 0
	timer := clock.AfterFunc(time.Second, func() { fired++ })

	if !timer.Stop() {
		t.Fatalf("got timer.Stop() = false on a pending timer")
	}
	if timer.Stop() {
		t.Errorf("got timer.Stop() = true on a stopped timer")
	}
	clock.Advance(2 * time.Second)
	if fired != 0 {
		t.Fatalf("stopped timer fired %d times", fired)
	}

	timer.Reset(time.Second)
	clock.Advance(time.Second / 2)
	timer.Reset(time.Second)
	clock.Advance(time.Second / 2)
	if fired != 0 {
		t.Fatalf("reset timer fired early")
	}
	clock.Advance(time.Second / 2)
	if fired != 1 {
		t.Fatalf("got fired = %d, want 1", fired)
	}
	if got := clock.PendingTimers(); got != 0 {
		t.Errorf("got PendingTimers() = %d, want 0", got)
	}
}

func TestManualClockCallbackReschedules(t *testing.T) {
	clock := NewManualClock()
	count := 0
	var tick func()
	tick = func() {
		count++
		clock.AfterFunc(time.Second, tick)
	}
	clock.AfterFunc(time.Second, tick)
	clock.Advance(5 * time.Second)
	if count != 5 {
		t.Errorf("got %d ticks, want 5", count)
	}
}
