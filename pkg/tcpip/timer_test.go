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

package tcpip_test

import (
	"math"
	"sync"
	"testing"
	"time"

	"gvisor.dev/reasm/pkg/tcpip"
	"gvisor.dev/reasm/pkg/tcpip/faketime"
)

func TestMonotonicTime(t *testing.T) {
	var mt tcpip.MonotonicTime
	later := mt.Add(time.Second)
	if !mt.Before(later) || !later.After(mt) || mt.After(mt) {
		t.Errorf("%#v and %#v are misordered", mt, later)
	}
	if got := later.Sub(mt); got != time.Second {
		t.Errorf("got later.Sub(mt) = %s, want = 1s", got)
	}

	max := mt.Add(math.MaxInt64)
	min := mt.Add(math.MinInt64)
	if got := max.Add(1); got != max {
		t.Errorf("got max.Add(1) = %#v, want = %#v", got, max)
	}
	if got, want := min.Sub(max), time.Duration(math.MinInt64); got != want {
		t.Errorf("got min.Sub(max) = %d, want = %d", got, want)
	}
}

func TestJob(t *testing.T) {
	const d = time.Second
	tests := []struct {
		name string
		// run drives the job and returns the expected run count.
		run func(job *tcpip.Job, clock *faketime.ManualClock, mu *sync.Mutex) int
	}{
		{
			name: "runs once at the deadline",
			run: func(job *tcpip.Job, clock *faketime.ManualClock, mu *sync.Mutex) int {
				job.Schedule(d)
				clock.Advance(d)
				clock.Advance(d)
				return 1
			},
		},
		{
			name: "cancelled",
			run: func(job *tcpip.Job, clock *faketime.ManualClock, mu *sync.Mutex) int {
				job.Schedule(d)
				mu.Lock()
				job.Cancel()
				mu.Unlock()
				clock.Advance(2 * d)
				return 0
			},
		},
		{
			name: "re-armed after cancel",
			run: func(job *tcpip.Job, clock *faketime.ManualClock, mu *sync.Mutex) int {
				job.Schedule(d)
				clock.Advance(d / 2)
				mu.Lock()
				job.Cancel()
				job.Schedule(d)
				mu.Unlock()
				clock.Advance(d / 2)
				return 0
			},
		},
		{
			name: "re-armed deadline reached",
			run: func(job *tcpip.Job, clock *faketime.ManualClock, mu *sync.Mutex) int {
				job.Schedule(d)
				clock.Advance(d / 2)
				mu.Lock()
				job.Cancel()
				job.Schedule(d)
				mu.Unlock()
				clock.Advance(d)
				return 1
			},
		},
		{
			name: "schedule does not cancel",
			run: func(job *tcpip.Job, clock *faketime.ManualClock, mu *sync.Mutex) int {
				job.Schedule(d)
				job.Schedule(d)
				clock.Advance(d)
				return 2
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			clock := faketime.NewManualClock()
			var mu sync.Mutex
			runs := 0
			job := tcpip.NewJob(clock, &mu, func() { runs++ })
			want := test.run(job, clock, &mu)

			mu.Lock()
			defer mu.Unlock()
			if runs != want {
				t.Errorf("job ran %d times, want = %d", runs, want)
			}
		})
	}
}

func TestJobCancelWhileWaitingForLock(t *testing.T) {
	clock := tcpip.NewStdClock()
	var mu sync.Mutex
	ran := make(chan struct{}, 1)

	mu.Lock()
	job := tcpip.NewJob(clock, &mu, func() { ran <- struct{}{} })
	job.Schedule(time.Nanosecond)
	// Let the timer fire and block on mu.
	time.Sleep(10 * time.Millisecond)
	job.Cancel()
	mu.Unlock()

	select {
	case <-ran:
		t.Fatal("job ran after being cancelled")
	case <-time.After(50 * time.Millisecond):
	}
}
