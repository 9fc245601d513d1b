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
	"context"
	"errors"
	"log"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/xid"
	. "github.com/smartystreets/goconvey/convey"
)

type testLog struct {
	t *testing.T
}

func (tl *testLog) Write(p []byte) (n int, err error) {
	tl.t.Log(strings.Trim(string(p), "\n"))
	return len(p), nil
}

// fakeProc is a worker process that exits when the test says so.
type fakeProc struct {
	pid      int
	stubborn bool // ignores the cooperative stop signal
	exit     chan error
	once     sync.Once

	mu     sync.Mutex
	killed bool
}

func (p *fakeProc) Pid() int { return p.pid }

func (p *fakeProc) Terminate() error {
	if !p.stubborn {
		p.stop(nil)
	}
	return nil
}

func (p *fakeProc) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.stop(errors.New("killed"))
	return nil
}

func (p *fakeProc) Wait() error { return <-p.exit }

func (p *fakeProc) stop(err error) {
	p.once.Do(func() { p.exit <- err })
}

func (p *fakeProc) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// fakeLauncher hands out fakeProcs and records every launch per slot.
type fakeLauncher struct {
	mu       sync.Mutex
	nextPid  int
	procs    map[int][]*fakeProc
	stubborn map[int]bool
	gates    map[int]chan struct{} // Launch blocks until the gate closes
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		nextPid:  1000,
		procs:    make(map[int][]*fakeProc),
		stubborn: make(map[int]bool),
		gates:    make(map[int]chan struct{}),
	}
}

func (l *fakeLauncher) Launch(slot int, hb *os.File, logger *log.Logger) (Proc, error) {
	l.mu.Lock()
	gate := l.gates[slot]
	l.mu.Unlock()
	if gate != nil {
		<-gate
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextPid++
	p := &fakeProc{
		pid:      l.nextPid,
		stubborn: l.stubborn[slot],
		exit:     make(chan error, 1),
	}
	l.procs[slot] = append(l.procs[slot], p)
	return p, nil
}

func (l *fakeLauncher) launches(slot int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs[slot])
}

func (l *fakeLauncher) latest(slot int) *fakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(l.procs[slot]); n > 0 {
		return l.procs[slot][n-1]
	}
	return nil
}

func testConfig(t *testing.T, l Launcher, workers int) Config {
	return Config{
		Name:            "test",
		Workers:         workers,
		MaxRestarts:     3,
		RestartDelay:    time.Millisecond,
		RestartWindow:   time.Minute,
		GracefulTimeout: 50 * time.Millisecond,
		// Keep the monitor out of the way; these tests drive
		// heartbeats by hand.
		StartupGrace:   time.Hour,
		SampleInterval: time.Hour,
		StallAfter:     time.Hour,
		Launcher:       l,
		Logger:         log.New(&testLog{t}, "", 0),
	}
}

// waitUntil watches snapshots until cond holds or five seconds pass.
func waitUntil(s *Supervisor, cond func(*Snapshot) bool) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sn := s.Snapshot()
		if cond(sn) {
			return true
		}
		s.WatchSerial(sn.Serial, 50*time.Millisecond)
	}
	return false
}

// makeRunning drives one slot to RUNNING by feeding it heartbeats.
func makeRunning(s *Supervisor, slot int) bool {
	return waitUntil(s, func(sn *Snapshot) bool {
		w := sn.Workers[slot]
		if w.State == StateRunning {
			return true
		}
		if w.State == StateStarting && w.Pid != 0 {
			s.post(heartbeat{slot: slot, token: w.Token, at: time.Now()})
		}
		return false
	})
}

// crashRunning waits for the slot to be RUNNING and then crashes it.
func crashRunning(s *Supervisor, l *fakeLauncher, slot int) bool {
	if !makeRunning(s, slot) {
		return false
	}
	l.latest(slot).stop(errors.New("boom"))
	return true
}

func startPool(t *testing.T, cfg Config) (*Supervisor, context.CancelFunc, chan error) {
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ctx) }()
	return s, cancel, errc
}

func TestNewValidation(t *testing.T) {
	Convey("Configuration errors fail fast", t, func() {
		Convey("No payload", func() {
			_, err := New(Config{Workers: 2})
			So(errors.Is(err, ErrNoPayload), ShouldBeTrue)
		})
		Convey("Unresolvable payload command", func() {
			_, err := New(Config{Workers: 2,
				Command: []string{"no-such-payload-hopefully-7f3a"}})
			So(errors.Is(err, ErrNoPayload), ShouldBeTrue)
		})
		Convey("Negative worker count", func() {
			_, err := New(Config{Workers: -1, Launcher: newFakeLauncher()})
			So(errors.Is(err, ErrBadConfig), ShouldBeTrue)
		})
	})
}

func TestStartProvisionsSlots(t *testing.T) {
	Convey("Start provisions exactly the target slot count", t, func() {
		l := newFakeLauncher()
		s, cancel, errc := startPool(t, testConfig(t, l, 4))
		defer cancel()

		ok := waitUntil(s, func(sn *Snapshot) bool {
			if len(sn.Workers) != 4 {
				return false
			}
			for i := range sn.Workers {
				if sn.Workers[i].Pid == 0 {
					return false
				}
			}
			return true
		})
		So(ok, ShouldBeTrue)

		sn := s.Snapshot()
		So(len(sn.Workers), ShouldEqual, 4)
		for i := range sn.Workers {
			So(sn.Workers[i].State.Alive(), ShouldBeTrue)
			So(sn.Workers[i].Slot, ShouldEqual, i)
		}

		for i := 0; i < 4; i++ {
			So(makeRunning(s, i), ShouldBeTrue)
		}
		So(s.Snapshot().Alive(), ShouldEqual, 4)
		So(s.Snapshot().Healthy(), ShouldBeTrue)

		<-s.RequestShutdown(0)
		So(<-errc, ShouldBeNil)
	})
}

func TestRestartBudgetExhaustion(t *testing.T) {
	Convey("A slot crashing past its budget becomes FAILED and stays there", t, func() {
		l := newFakeLauncher()
		s, cancel, _ := startPool(t, testConfig(t, l, 4))
		defer cancel()

		// Budget is 3 restarts per window: crashes one through three
		// are retried, the fourth is denied.
		for i := 0; i < 4; i++ {
			So(crashRunning(s, l, 2), ShouldBeTrue)
			if i < 3 {
				ok := waitUntil(s, func(sn *Snapshot) bool {
					return l.launches(2) == i+2 &&
						sn.Workers[2].Restarts == i+1
				})
				So(ok, ShouldBeTrue)
			}
		}
		So(waitUntil(s, func(sn *Snapshot) bool {
			return sn.Workers[2].State == StateFailed
		}), ShouldBeTrue)

		// Never auto-restarted afterward.
		time.Sleep(50 * time.Millisecond)
		So(l.launches(2), ShouldEqual, 4)
		So(s.Snapshot().Workers[2].State, ShouldEqual, StateFailed)
		So(s.Snapshot().Workers[2].LastExit, ShouldEqual, ExitCrash)

		Convey("Three of four alive stays on the healthy side of 50%", func() {
			for _, i := range []int{0, 1, 3} {
				So(makeRunning(s, i), ShouldBeTrue)
			}
			sn := s.Snapshot()
			So(sn.Alive(), ShouldEqual, 3)
			So(sn.Healthy(), ShouldBeTrue)
		})
	})
}

func TestRestartWindowReset(t *testing.T) {
	Convey("A crash after the window elapses counts as attempt one", t, func() {
		l := newFakeLauncher()
		cfg := testConfig(t, l, 1)
		cfg.RestartWindow = 500 * time.Millisecond
		cfg.Policy = nil // rebuild from the shortened window
		s, cancel, _ := startPool(t, cfg)
		defer cancel()

		for i := 0; i < 3; i++ {
			So(crashRunning(s, l, 0), ShouldBeTrue)
			So(waitUntil(s, func(sn *Snapshot) bool {
				return l.launches(0) == i+2
			}), ShouldBeTrue)
		}
		So(s.Snapshot().Workers[0].Restarts, ShouldEqual, 3)

		// Let the window lapse; the next crash must be forgiven.
		time.Sleep(600 * time.Millisecond)
		So(crashRunning(s, l, 0), ShouldBeTrue)
		So(waitUntil(s, func(sn *Snapshot) bool {
			return l.launches(0) == 5 && sn.Workers[0].Restarts == 1
		}), ShouldBeTrue)
		So(s.Snapshot().Workers[0].State, ShouldNotEqual, StateFailed)
	})
}

func TestManualRestart(t *testing.T) {
	Convey("Administrative restart re-arms failed slots", t, func() {
		l := newFakeLauncher()
		s, cancel, _ := startPool(t, testConfig(t, l, 1))
		defer cancel()

		for i := 0; i < 4; i++ {
			So(crashRunning(s, l, 0), ShouldBeTrue)
			if i < 3 {
				So(waitUntil(s, func(sn *Snapshot) bool {
					return l.launches(0) == i+2
				}), ShouldBeTrue)
			}
		}
		So(waitUntil(s, func(sn *Snapshot) bool {
			return sn.Workers[0].State == StateFailed
		}), ShouldBeTrue)

		n, err := s.RequestManualRestart(-1)
		So(err, ShouldBeNil)
		So(n, ShouldEqual, 1)
		So(waitUntil(s, func(sn *Snapshot) bool {
			w := sn.Workers[0]
			return w.State.Alive() && w.Restarts == 0
		}), ShouldBeTrue)
		So(l.launches(0), ShouldEqual, 5)

		Convey("Restarting a bogus slot is an error", func() {
			_, err := s.RequestManualRestart(99)
			So(errors.Is(err, ErrBadSlot), ShouldBeTrue)
		})

		Convey("With nothing failed, the bulk form re-arms nothing", func() {
			n, err := s.RequestManualRestart(-1)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 0)
		})
	})
}

func TestStaleEventsIgnored(t *testing.T) {
	Convey("Events carrying an old launch token do not perturb the slot", t, func() {
		l := newFakeLauncher()
		s, cancel, _ := startPool(t, testConfig(t, l, 1))
		defer cancel()

		So(makeRunning(s, 0), ShouldBeTrue)
		before := s.Snapshot().Workers[0]

		s.post(workerExited{slot: 0, token: xid.New(), err: errors.New("ghost")})
		s.post(stallDetected{slot: 0, token: xid.New()})
		time.Sleep(20 * time.Millisecond)

		after := s.Snapshot().Workers[0]
		So(after.State, ShouldEqual, StateRunning)
		So(after.Pid, ShouldEqual, before.Pid)
		So(after.Restarts, ShouldEqual, before.Restarts)
		So(l.launches(0), ShouldEqual, 1)
	})
}

func TestStallForcesRestart(t *testing.T) {
	Convey("A stall report kills the worker and applies crash policy", t, func() {
		l := newFakeLauncher()
		s, cancel, _ := startPool(t, testConfig(t, l, 1))
		defer cancel()

		So(makeRunning(s, 0), ShouldBeTrue)
		p := l.latest(0)
		w := s.Snapshot().Workers[0]
		s.post(stallDetected{slot: 0, token: w.Token})

		So(waitUntil(s, func(sn *Snapshot) bool {
			return l.launches(0) == 2
		}), ShouldBeTrue)
		So(p.wasKilled(), ShouldBeTrue)
		sn := s.Snapshot()
		So(sn.Workers[0].LastExit, ShouldEqual, ExitStall)
		So(sn.Workers[0].Restarts, ShouldEqual, 1)
	})
}

func TestStartupFailure(t *testing.T) {
	Convey("Exit before first heartbeat is a startup failure, still retried", t, func() {
		l := newFakeLauncher()
		s, cancel, _ := startPool(t, testConfig(t, l, 1))
		defer cancel()

		So(waitUntil(s, func(sn *Snapshot) bool {
			return sn.Workers[0].Pid != 0
		}), ShouldBeTrue)
		l.latest(0).stop(errors.New("bad config"))

		So(waitUntil(s, func(sn *Snapshot) bool {
			return l.launches(0) == 2
		}), ShouldBeTrue)
		So(s.Snapshot().Workers[0].LastExit, ShouldEqual, ExitStartup)
		So(s.Snapshot().Workers[0].Restarts, ShouldEqual, 1)
	})
}

func TestShutdownIdempotent(t *testing.T) {
	Convey("Concurrent shutdown requests produce one orderly sequence", t, func() {
		l := newFakeLauncher()
		l.stubborn[1] = true // slot 1 ignores the stop signal
		s, cancel, errc := startPool(t, testConfig(t, l, 3))
		defer cancel()

		for i := 0; i < 3; i++ {
			So(makeRunning(s, i), ShouldBeTrue)
		}

		start := time.Now()
		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-s.RequestShutdown(0)
			}()
		}
		wg.Wait()
		elapsed := time.Since(start)

		sn := s.Snapshot()
		for i := range sn.Workers {
			So(sn.Workers[i].State, ShouldEqual, StateStopped)
		}
		So(sn.ShuttingDown, ShouldBeTrue)
		// Graceful timeout is 50ms; the stubborn worker must not hold
		// things up much past it.
		So(elapsed, ShouldBeLessThan, 2*time.Second)
		So(l.latest(1).wasKilled(), ShouldBeTrue)
		So(<-errc, ShouldBeNil)

		Convey("Further administrative restarts are refused", func() {
			_, err := s.RequestManualRestart(-1)
			So(errors.Is(err, ErrShuttingDown), ShouldBeTrue)
		})
	})
}

func TestShutdownCancelsPendingRestart(t *testing.T) {
	Convey("A slot waiting out its backoff stops cleanly at shutdown", t, func() {
		l := newFakeLauncher()
		cfg := testConfig(t, l, 1)
		cfg.RestartDelay = time.Hour
		cfg.Policy = nil
		s, cancel, errc := startPool(t, cfg)
		defer cancel()

		So(crashRunning(s, l, 0), ShouldBeTrue)
		So(waitUntil(s, func(sn *Snapshot) bool {
			return sn.Workers[0].State == StateRestarting
		}), ShouldBeTrue)

		<-s.RequestShutdown(0)
		So(s.Snapshot().Workers[0].State, ShouldEqual, StateStopped)
		So(l.launches(0), ShouldEqual, 1)
		So(<-errc, ShouldBeNil)
	})
}

func TestShutdownDuringManualRestartDrain(t *testing.T) {
	Convey("A slot draining a manual restart is still terminated at shutdown", t, func() {
		l := newFakeLauncher()
		l.stubborn[0] = true
		s, cancel, errc := startPool(t, testConfig(t, l, 1))
		defer cancel()

		So(makeRunning(s, 0), ShouldBeTrue)
		p := l.latest(0)

		// The worker ignores the stop signal, so the slot parks in
		// RESTARTING with the old process still alive.
		n, err := s.RequestManualRestart(0)
		So(err, ShouldBeNil)
		So(n, ShouldEqual, 1)
		So(waitUntil(s, func(sn *Snapshot) bool {
			return sn.Workers[0].State == StateRestarting
		}), ShouldBeTrue)

		start := time.Now()
		<-s.RequestShutdown(0)
		So(<-errc, ShouldBeNil)
		So(p.wasKilled(), ShouldBeTrue)
		So(s.Snapshot().Workers[0].State, ShouldEqual, StateStopped)
		// Completion waited for the deadline kill rather than writing
		// the slot off while its process was alive.
		So(time.Since(start), ShouldBeGreaterThan, 40*time.Millisecond)
	})
}

func TestShutdownWaitsForInflightSpawn(t *testing.T) {
	Convey("A spawn in flight at the deadline cannot leak its process", t, func() {
		l := newFakeLauncher()
		gate := make(chan struct{})
		l.gates[0] = gate
		s, cancel, errc := startPool(t, testConfig(t, l, 1))
		defer cancel()

		done := s.RequestShutdown(0)

		// The graceful deadline (50ms) passes with the launch still
		// blocked; completion must wait for the spawn to resolve.
		time.Sleep(100 * time.Millisecond)
		early := false
		select {
		case <-done:
			early = true
		default:
		}
		So(early, ShouldBeFalse)

		close(gate)
		completed := false
		select {
		case <-done:
			completed = true
		case <-time.After(5 * time.Second):
		}
		So(completed, ShouldBeTrue)
		So(<-errc, ShouldBeNil)
		So(l.latest(0).wasKilled(), ShouldBeTrue)
		So(s.Snapshot().Workers[0].State, ShouldEqual, StateStopped)
	})
}

func TestContextCancelShutsDown(t *testing.T) {
	Convey("Cancelling the serve context is a shutdown request", t, func() {
		l := newFakeLauncher()
		s, cancel, errc := startPool(t, testConfig(t, l, 2))

		So(makeRunning(s, 0), ShouldBeTrue)
		So(makeRunning(s, 1), ShouldBeTrue)
		cancel()

		So(<-errc, ShouldBeNil)
		sn := s.Snapshot()
		for i := range sn.Workers {
			So(sn.Workers[i].State, ShouldEqual, StateStopped)
		}
	})
}
