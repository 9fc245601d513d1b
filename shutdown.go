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

// Shutdown coordination.  Once shuttingDown is set no restart decision is
// made anywhere: pending backoff timers are cancelled, live workers get the
// cooperative stop signal, and a single deadline bounds the whole pool.
// Workers still alive at the deadline are killed and marked STOPPED all the
// same, and a spawn still in flight at the deadline is killed on arrival,
// so completion is only ever reported with every process gone.  A forced
// kill at shutdown is an expected outcome, not a fault.

// beginShutdown runs on the control loop.  Idempotent.
func (s *Supervisor) beginShutdown(timeout time.Duration) {
	if s.shuttingDown {
		return
	}
	s.shuttingDown = true
	if timeout <= 0 {
		timeout = s.cfg.GracefulTimeout
	}
	s.logf("*** %s shutting down (graceful timeout %v) ***", s.cfg.Name, timeout)

	for _, h := range s.slots {
		h.cancelDelay()
		switch h.state {
		case StateStarting, StateRunning:
			h.state = StateStopping
			if h.proc != nil {
				h.proc.Terminate()
			}
			// A slot whose spawn is still in flight has no proc
			// yet; onStarted stops it on arrival.
		case StateRestarting:
			if h.proc != nil {
				// A manual restart is draining the old process;
				// it is as alive as any RUNNING worker.
				h.state = StateStopping
				h.proc.Terminate()
				break
			}
			h.state = StateStopped
		case StateFailed:
			// Nothing is running in the slot.
			h.state = StateStopped
		}
	}

	s.shutdownTimer = time.AfterFunc(timeout, func() {
		s.post(shutdownDeadline{})
	})
	s.checkShutdownComplete()
}

// onShutdownDeadline forcibly terminates whatever outlived the graceful
// window.
func (s *Supervisor) onShutdownDeadline() {
	if !s.shuttingDown {
		return
	}
	s.deadlinePassed = true
	for _, h := range s.slots {
		if h.state != StateStopping {
			continue
		}
		if h.proc == nil {
			// The slot's spawn is still in flight.  Completion must
			// wait for it: onStarted kills the late arrival and the
			// exit event finishes the slot.
			continue
		}
		s.logf("Worker %d ignored the stop signal; killing", h.slot)
		h.proc.Kill()
		h.proc = nil
		h.pid = 0
		h.closePipe()
		h.lastExit = ExitSignal
		h.state = StateStopped
	}
	s.checkShutdownComplete()
}

// checkShutdownComplete closes the done channel once every slot has
// reached STOPPED.
func (s *Supervisor) checkShutdownComplete() {
	if !s.shuttingDown || s.doneClosed {
		return
	}
	for _, h := range s.slots {
		if h.state != StateStopped {
			return
		}
	}
	s.doneClosed = true
	if s.shutdownTimer != nil {
		s.shutdownTimer.Stop()
		s.shutdownTimer = nil
	}
	s.logf("*** %s shut down ***", s.cfg.Name)
	close(s.done)
}
