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
	"sync"
	"time"

	"github.com/rs/xid"
)

// WorkerInfo is the externally visible view of one slot, as of a snapshot.
type WorkerInfo struct {
	Slot          int
	Pid           int
	State         State
	Token         xid.ID
	StartedAt     time.Time
	LastHeartbeat time.Time
	Restarts      int
	WindowStart   time.Time
	LastExit      ExitReason
	RSSBytes      uint64
}

// Uptime is the age of the slot's current process, zero when none runs.
func (w *WorkerInfo) Uptime(now time.Time) time.Duration {
	if w.Pid == 0 || w.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(w.StartedAt)
}

// Snapshot is an immutable point-in-time copy of the pool published by the
// control loop after every state transition.  Readers (monitor, REST
// handlers) work entirely from snapshots and never see live state.
type Snapshot struct {
	Serial       int64
	Target       int
	ShuttingDown bool
	StartedAt    time.Time
	TakenAt      time.Time
	Workers      []WorkerInfo
}

// Alive counts slots currently in a live state (STARTING or RUNNING).
func (sn *Snapshot) Alive() int {
	n := 0
	for i := range sn.Workers {
		if sn.Workers[i].State.Alive() {
			n++
		}
	}
	return n
}

// Failed counts slots awaiting administrative intervention.
func (sn *Snapshot) Failed() int {
	n := 0
	for i := range sn.Workers {
		if sn.Workers[i].State == StateFailed {
			n++
		}
	}
	return n
}

// Healthy applies the pool health rule: at least half the target slots
// alive.
func (sn *Snapshot) Healthy() bool {
	return sn.Target > 0 && 2*sn.Alive() >= sn.Target
}

// serialWatcher hands out monotonically increasing serial numbers and lets
// clients block until the serial moves, which backs the Etag long-poll in
// the REST layer.
type serialWatcher struct {
	mx     sync.Mutex
	cvs    map[*sync.Cond]bool
	serial int64
}

// newSerialWatcher seeds the serial with the current timestamp in nsec.
// Serial numbers stay unique across supervisor restarts at any plausible
// update rate, so clients that cache against an old instance force an
// invalidation if the server restarts.
func newSerialWatcher() *serialWatcher {
	return &serialWatcher{
		cvs:    make(map[*sync.Cond]bool),
		serial: time.Now().UnixNano(),
	}
}

// next advances the serial without waking watchers; the publisher stores
// the new snapshot first and then calls wake, so a woken watcher always
// observes the snapshot its serial belongs to.
func (w *serialWatcher) next() int64 {
	w.mx.Lock()
	w.serial++
	rv := w.serial
	w.mx.Unlock()
	return rv
}

func (w *serialWatcher) wake() {
	w.mx.Lock()
	for cv := range w.cvs {
		cv.Broadcast()
	}
	w.mx.Unlock()
}

func (w *serialWatcher) current() int64 {
	w.mx.Lock()
	rv := w.serial
	w.mx.Unlock()
	return rv
}

// watch blocks until the serial differs from old, returning the new value.
// If it has not changed within expire, the old value comes back; expire 0
// is a poll.
func (w *serialWatcher) watch(old int64, expire time.Duration) int64 {
	expired := false
	cv := sync.NewCond(&w.mx)
	var timer *time.Timer
	var rv int64

	if expire > 0 {
		timer = time.AfterFunc(expire, func() {
			w.mx.Lock()
			expired = true
			cv.Broadcast()
			w.mx.Unlock()
		})
	} else {
		expired = true
	}

	w.mx.Lock()
	w.cvs[cv] = true
	for {
		rv = w.serial
		if rv != old || expired {
			break
		}
		cv.Wait()
	}
	delete(w.cvs, cv)
	w.mx.Unlock()
	if timer != nil {
		timer.Stop()
	}
	return rv
}
