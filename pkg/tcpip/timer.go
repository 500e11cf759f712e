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

package tcpip

import (
	"time"

	"gvisor.dev/reasm/pkg/sync"
)

// jobInstance is one scheduling of a Job. Each instance has its own
// earlyReturn flag: instances that are cancelled and replaced while the
// locker is held may all be blocked on the locker at once, and only the
// latest one may run.
type jobInstance struct {
	timer Timer

	// earlyReturn is set by Cancel. An instance whose timer already fired
	// and is waiting for the locker sees it once it gets the locker, and
	// does nothing.
	earlyReturn *bool
}

func (j *jobInstance) stop() {
	if j.timer != nil {
		j.timer.Stop()
		*j.earlyReturn = true
	}
}

// Job is a function run by a Clock after a delay with a locker held. A Job
// cancelled with the locker held never runs, even if its timer fired and is
// waiting for the locker.
//
// A reassembly queue's expiry is a Job locked by the registry mutex, so
// destroying the queue and expiring it never both happen.
//
// A Job must not be copied.
type Job struct {
	_ sync.NoCopy

	clock    Clock
	instance jobInstance

	// locker is held while fn runs and must be held to call Cancel.
	locker sync.Locker

	// fn must not lock locker.
	fn func()
}

// Cancel prevents the pending run of j, if any.
//
// j.locker MUST be locked.
func (j *Job) Cancel() {
	j.instance.stop()
	j.instance = jobInstance{}
}

// Schedule runs j after d. It does not cancel a pending run: callers that
// re-arm a Job call Cancel first.
func (j *Job) Schedule(d time.Duration) {
	earlyReturn := false
	locker := j.locker
	j.instance = jobInstance{
		timer: j.clock.AfterFunc(d, func() {
			locker.Lock()
			defer locker.Unlock()
			if earlyReturn {
				earlyReturn = false
				return
			}
			j.instance = jobInstance{}
			j.fn()
		}),
		earlyReturn: &earlyReturn,
	}
}

// NewJob returns a Job that runs f with l held. f MUST NOT lock l, and l
// MUST be held when calling Cancel.
func NewJob(c Clock, l sync.Locker, f func()) *Job {
	return &Job{
		clock:  c,
		locker: l,
		fn:     f,
	}
}
