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

// State is the lifecycle state of one worker slot.  The clean path is
// Starting -> Running -> Stopping -> Stopped.  A recoverable crash takes
// Running -> Restarting -> Starting, and Restarting -> Failed when the
// restart policy denies another attempt.  A worker that exits before its
// first heartbeat may go from Starting to Failed directly.
//
//	              +-----------+
//	    +--------->  Starting <---------+
//	    |         +---+---+---+        |
//	    |             |   |        +---+--------+
//	    |         +---v-+ +-------->            |
//	    |         | Run |          | Restarting |
//	    |         +---+-+ +-------->            |
//	    |             |   |        +---+--------+
//	    |         +---v---v--+         |
//	    +---------+ Stopping |     +---v----+
//	              +---+------+     | Failed |
//	                  |            +--------+
//	              +---v-----+
//	              | Stopped |
//	              +---------+
//
// Failed is terminal absent an administrative restart; Stopped is terminal
// for the lifetime of the supervisor run.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateRestarting
	StateStopping
	StateStopped
	StateFailed
)

var stateNames = map[State]string{
	StateStarting:   "STARTING",
	StateRunning:    "RUNNING",
	StateRestarting: "RESTARTING",
	StateStopping:   "STOPPING",
	StateStopped:    "STOPPED",
	StateFailed:     "FAILED",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// Terminal reports whether the state ends a slot's life absent outside
// intervention.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// Alive reports whether the slot currently counts toward pool health.
func (s State) Alive() bool {
	return s == StateStarting || s == StateRunning
}

// ExitReason records why a worker process last terminated.
type ExitReason int

const (
	// ExitNone means the slot's process has not exited yet.
	ExitNone ExitReason = iota

	// ExitNormal is a voluntary exit with status zero.
	ExitNormal

	// ExitCrash is an unexpected exit with a nonzero status.
	ExitCrash

	// ExitSignal means the process was terminated by a signal it did
	// not arrange itself.
	ExitSignal

	// ExitStartup means the process exited before it ever confirmed
	// liveness.  This usually indicates a misconfigured payload rather
	// than a transient fault, and is logged distinctly.
	ExitStartup

	// ExitStall means the process was alive but stopped heartbeating,
	// and was forcibly terminated by the supervisor.
	ExitStall
)

var exitNames = map[ExitReason]string{
	ExitNone:    "none",
	ExitNormal:  "normal",
	ExitCrash:   "crash",
	ExitSignal:  "signal",
	ExitStartup: "startup-failure",
	ExitStall:   "stall",
}

func (r ExitReason) String() string {
	if n, ok := exitNames[r]; ok {
		return n
	}
	return "unknown"
}
