// Copyright 2026 The Brood Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package brood

import (
	"time"
)

// History is a slot's restart record as seen by the policy.  Restarts is
// the number of restarts already performed since WindowStart.
type History struct {
	Restarts    int
	WindowStart time.Time
}

// Decision is the policy's verdict on one more restart attempt.  Delay is
// how long to wait before spawning the replacement, and is only meaningful
// when Retry is true.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Policy decides whether a crashed worker gets another restart.  Decide
// must be a pure function of the history and the current time; it is called
// from the supervisor's control loop and must not block.
type Policy interface {
	Decide(h History, now time.Time) Decision
}

// BackoffPolicy is the default policy: at most Max restarts per rolling
// Window, with a restart delay that grows linearly with the attempt number
// off BaseDelay, capped at MaxDelay.  If the window has elapsed since
// WindowStart the counter is treated as zero, so a worker that fails rarely
// is never penalized for failures long in the past.
type BackoffPolicy struct {
	Max       int
	Window    time.Duration
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func (p BackoffPolicy) Decide(h History, now time.Time) Decision {
	if p.Window > 0 && now.Sub(h.WindowStart) > p.Window {
		h.Restarts = 0
	}
	if h.Restarts >= p.Max {
		return Decision{}
	}
	d := p.BaseDelay * time.Duration(h.Restarts+1)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return Decision{Retry: true, Delay: d}
}
