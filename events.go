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

	"github.com/rs/xid"
)

// Every mutation of pool state arrives at the control loop as one of these
// events.  Events that concern a particular process carry the launch token
// assigned when that process was spawned; the loop drops events whose
// token no longer matches the slot, which closes the race between a late
// exit notification and the replacement already running.

type event interface {
	eventSlot() int
}

// workerStarted reports a successful spawn, from the off-loop spawn
// goroutine.
type workerStarted struct {
	slot  int
	token xid.ID
	proc  Proc
	pid   int
}

// workerExited reports process termination for any reason.  err is the
// Wait error (nil for a clean exit); launchErr marks a spawn that never
// produced a process at all.
type workerExited struct {
	slot      int
	token     xid.ID
	err       error
	launchErr bool
}

// heartbeat is a confirmed liveness signal, either read off the worker's
// heartbeat pipe or synthesized by the monitor from process existence.
// rss is the last sampled resident set size, zero if unknown.
type heartbeat struct {
	slot  int
	token xid.ID
	at    time.Time
	rss   uint64
}

// resourceSample carries memory usage for a worker whose liveness is
// reported separately (pipe heartbeat mode).
type resourceSample struct {
	slot  int
	token xid.ID
	rss   uint64
}

// stallDetected reports a worker that is alive at the OS level but has
// been silent past the stall threshold.
type stallDetected struct {
	slot  int
	token xid.ID
}

// spawnDue fires when a slot's restart backoff delay has elapsed.
type spawnDue struct {
	slot  int
	token xid.ID
}

// manualRestart is the administrative override.  slot -1 means every
// FAILED slot.
type manualRestart struct {
	slot  int
	reply chan manualReply
}

type manualReply struct {
	count int
	err   error
}

// shutdownRequest begins graceful termination of the pool.
type shutdownRequest struct {
	timeout time.Duration
}

// shutdownDeadline fires when the graceful timeout expires with workers
// still alive.
type shutdownDeadline struct{}

func (e workerStarted) eventSlot() int    { return e.slot }
func (e workerExited) eventSlot() int     { return e.slot }
func (e heartbeat) eventSlot() int        { return e.slot }
func (e resourceSample) eventSlot() int   { return e.slot }
func (e stallDetected) eventSlot() int    { return e.slot }
func (e spawnDue) eventSlot() int         { return e.slot }
func (e manualRestart) eventSlot() int    { return e.slot }
func (e shutdownRequest) eventSlot() int  { return -1 }
func (e shutdownDeadline) eventSlot() int { return -1 }
