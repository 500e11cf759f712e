// Copyright 2021 The gVisor Authors.
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
	"time"
)

// stdClock implements Clock with the time package.
type stdClock struct {
	// baseTime holds the time when the clock was constructed.
	//
	// This value is used to calculate the monotonic time from the time package.
	// As per https://golang.org/pkg/time/#hdr-Monotonic_Clocks,
	//
	//   Operating systems provide both a “wall clock,” which is subject to
	//   changes for clock synchronization, and a “monotonic clock,” which is not.
	//   The general rule is that the wall clock is for telling time and the
	//   monotonic clock is for measuring time. Rather than split the API, in this
	//   package the Time returned by time.Now contains both a wall clock reading
	//   and a monotonic clock reading.
	//
	//   ...
	//
	//   If Times t and u both contain monotonic clock readings, the operations
	//   t.After(u), t.Before(u), t.Equal(u), and t.Sub(u) are carried out using
	//   the monotonic clock readings alone, ignoring the wall clock readings.
	baseTime time.Time
}

// NewStdClock returns an instance of a clock that uses the time package.
func NewStdClock() Clock {
	return &stdClock{
		baseTime: time.Now(),
	}
}

var _ Clock = (*stdClock)(nil)

// Now implements Clock.Now.
func (*stdClock) Now() time.Time {
	return time.Now()
}

// NowMonotonic implements Clock.NowMonotonic.
func (s *stdClock) NowMonotonic() MonotonicTime {
	return MonotonicTime{nanoseconds: time.Since(s.baseTime).Nanoseconds()}
}

// AfterFunc implements Clock.AfterFunc.
func (*stdClock) AfterFunc(d time.Duration, f func()) Timer {
	return &stdTimer{
		t: time.AfterFunc(d, f),
	}
}

type stdTimer struct {
	t *time.Timer
}

var _ Timer = (*stdTimer)(nil)

// Stop implements Timer.Stop.
func (st *stdTimer) Stop() bool {
	return st.t.Stop()
}

// Reset implements Timer.Reset.
func (st *stdTimer) Reset(d time.Duration) {
	st.t.Reset(d)
}
