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
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
)

// Supervisor owns the worker pool.  All pool state lives behind a single
// control loop (Serve); everything else, including the exported Request
// methods, talks to the loop through events.
type Supervisor struct {
	cfg      Config
	policy   Policy
	launcher Launcher

	events chan event
	slots  []*workerHandle

	shuttingDown   bool
	deadlinePassed bool
	doneClosed     bool
	shutdownTimer  *time.Timer
	done           chan struct{} // closed once every slot is STOPPED

	snap    atomic.Pointer[Snapshot]
	watcher *serialWatcher

	ring   *Log
	stderr *log.Logger
	mlog   *MultiLogger

	met       *metrics
	served    atomic.Bool
	startedAt time.Time
	now       func() time.Time
}

// New validates the configuration and provisions (but does not launch) the
// pool.  A payload that cannot be resolved to an executable fails here
// with ErrNoPayload; that is a configuration error and is never retried.
func New(cfg Config) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	launcher := cfg.Launcher
	if launcher == nil {
		path, err := exec.LookPath(cfg.Command[0])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoPayload, err)
		}
		cmd := append([]string{path}, cfg.Command[1:]...)
		launcher = &CmdLauncher{Command: cmd, Dir: cfg.Dir, Env: cfg.Env}
	}

	s := &Supervisor{
		cfg:      cfg,
		policy:   cfg.Policy,
		launcher: launcher,
		events:   make(chan event, 256),
		done:     make(chan struct{}),
		watcher:  newSerialWatcher(),
		ring:     NewLog(),
		met:      newMetrics(),
		now:      time.Now,
	}
	s.stderr = cfg.Logger
	if s.stderr == nil {
		s.stderr = log.New(os.Stderr, "", log.LstdFlags)
	}
	s.mlog = NewMultiLogger()
	s.mlog.Logger().SetPrefix("[" + cfg.Name + "] ")
	s.mlog.AddLogger(s.stderr)
	s.mlog.AddLogger(log.New(s.ring, "", 0))

	now := s.now()
	s.startedAt = now
	s.slots = make([]*workerHandle, cfg.Workers)
	for i := range s.slots {
		s.slots[i] = &workerHandle{
			slot:        i,
			state:       StateStarting,
			windowStart: now,
			logger:      s.slotLogger(i),
		}
	}
	s.met.target.Set(float64(cfg.Workers))
	s.publish()
	return s, nil
}

func (s *Supervisor) slotLogger(slot int) *log.Logger {
	ml := NewMultiLogger()
	ml.Logger().SetPrefix(fmt.Sprintf("[%s:%d] ", s.cfg.Name, slot))
	ml.AddLogger(s.stderr)
	ml.AddLogger(log.New(s.ring.SlotWriter(slot), "", 0))
	return ml.Logger()
}

// Name returns the pool name.
func (s *Supervisor) Name() string {
	return s.cfg.Name
}

// Target returns the configured steady-state worker count.
func (s *Supervisor) Target() int {
	return s.cfg.Workers
}

// Snapshot returns the most recently published pool state.  The returned
// value is immutable and safe to read from any goroutine.
func (s *Supervisor) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Serial returns the current snapshot serial; it increments on every state
// transition.
func (s *Supervisor) Serial() int64 {
	return s.watcher.current()
}

// WatchSerial blocks until the serial number differs from old or expire
// passes, returning the current serial.  Zero expire polls.
func (s *Supervisor) WatchSerial(old int64, expire time.Duration) int64 {
	return s.watcher.watch(old, expire)
}

// GetLog returns retained log records; see Log.GetRecords.
func (s *Supervisor) GetLog(last int64) ([]LogRecord, int64) {
	return s.ring.GetRecords(last)
}

// WatchLog blocks until the log id differs from old or expire passes.
func (s *Supervisor) WatchLog(old int64, expire time.Duration) int64 {
	return s.ring.Watch(old, expire)
}

// Registry exposes the supervisor's prometheus registry for serving.
func (s *Supervisor) Registry() *prometheus.Registry {
	return s.met.registry
}

// Done is closed once shutdown has completed and every slot is STOPPED.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Serve launches one worker per slot and runs the control loop until
// shutdown completes.  Cancelling ctx is equivalent to RequestShutdown
// with the configured graceful timeout.  Serve satisfies suture.Service.
func (s *Supervisor) Serve(ctx context.Context) error {
	if !s.served.CompareAndSwap(false, true) {
		return ErrAlreadyServed
	}
	s.logf("*** %s starting %d workers: %v ***", s.cfg.Name, s.cfg.Workers, s.cfg.Command)
	for _, h := range s.slots {
		s.beginSpawn(h)
	}
	s.publish()

	mctx, mcancel := context.WithCancel(context.Background())
	defer mcancel()
	go newMonitor(s).run(mctx)

	ctxDone := ctx.Done()
	for {
		select {
		case <-ctxDone:
			ctxDone = nil
			s.handleEvent(shutdownRequest{timeout: s.cfg.GracefulTimeout})
		case ev := <-s.events:
			s.handleEvent(ev)
		case <-s.done:
			return nil
		}
	}
}

// RequestShutdown begins graceful termination of the pool and returns a
// channel closed once every slot is STOPPED.  It is idempotent: a second
// call while shutdown is in progress coalesces onto the same sequence.
func (s *Supervisor) RequestShutdown(timeout time.Duration) <-chan struct{} {
	s.postGuarded(shutdownRequest{timeout: timeout})
	return s.done
}

// RequestManualRestart is the administrative override.  A slot of -1
// restarts every FAILED slot; a specific slot is restarted whatever its
// state.  Restart counters are reset.  Returns the number of slots
// re-armed, or ErrShuttingDown once shutdown has begun.
func (s *Supervisor) RequestManualRestart(slot int) (int, error) {
	reply := make(chan manualReply, 1)
	if !s.postGuarded(manualRestart{slot: slot, reply: reply}) {
		return 0, ErrShuttingDown
	}
	select {
	case r := <-reply:
		return r.count, r.err
	case <-s.done:
		return 0, ErrShuttingDown
	}
}

// post delivers an event to the control loop.  Only called off-loop (spawn
// and wait goroutines, timers, Request methods); the loop itself never
// sends to its own channel.
func (s *Supervisor) post(ev event) {
	s.postGuarded(ev)
}

func (s *Supervisor) postGuarded(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Supervisor) handleEvent(ev event) {
	switch ev := ev.(type) {
	case workerStarted:
		s.onStarted(ev)
	case workerExited:
		s.onExited(ev)
	case heartbeat:
		s.onHeartbeat(ev)
	case resourceSample:
		s.onSample(ev)
	case stallDetected:
		s.onStall(ev)
	case spawnDue:
		s.onSpawnDue(ev)
	case manualRestart:
		s.onManualRestart(ev)
	case shutdownRequest:
		s.beginShutdown(ev.timeout)
	case shutdownDeadline:
		s.onShutdownDeadline()
	}
	s.publish()
}

// handleFor resolves an event to its slot, returning nil for stale tokens.
func (s *Supervisor) handleFor(slot int, token xid.ID) *workerHandle {
	if slot < 0 || slot >= len(s.slots) {
		return nil
	}
	h := s.slots[slot]
	if h.token != token {
		return nil
	}
	return h
}

// beginSpawn arms a slot with a fresh launch token and starts the payload
// off-loop.  Call only from the control loop.
func (s *Supervisor) beginSpawn(h *workerHandle) {
	h.token = xid.New()
	h.state = StateStarting
	h.startedAt = s.now()
	h.lastBeat = time.Time{}
	h.hadBeat = false
	h.stalled = false
	h.manual = false
	h.pid = 0
	h.rss = 0
	h.closePipe()

	token := h.token
	slot := h.slot
	var hbw *os.File
	if s.cfg.Heartbeat {
		if r, w, e := os.Pipe(); e != nil {
			s.logf("Heartbeat pipe for worker %d failed: %v", slot, e)
		} else {
			h.hbRead = r
			hbw = w
			go readHeartbeats(r, func(at time.Time) {
				s.post(heartbeat{slot: slot, token: token, at: at})
			})
		}
	}
	go s.spawn(slot, token, hbw, h.logger)
}

// spawn runs off-loop: it performs the blocking process launch and wait,
// reporting both back as events.
func (s *Supervisor) spawn(slot int, token xid.ID, hbw *os.File, logger *log.Logger) {
	proc, err := s.launcher.Launch(slot, hbw, logger)
	if hbw != nil {
		// The child holds its own copy of the write end now (or the
		// launch failed); ours would keep the pipe open forever.
		hbw.Close()
	}
	if err != nil {
		s.post(workerExited{slot: slot, token: token, err: err, launchErr: true})
		return
	}
	s.post(workerStarted{slot: slot, token: token, proc: proc, pid: proc.Pid()})
	go func() {
		werr := proc.Wait()
		s.post(workerExited{slot: slot, token: token, err: werr})
	}()
}

func (s *Supervisor) onStarted(ev workerStarted) {
	h := s.handleFor(ev.slot, ev.token)
	if h == nil {
		// Slot has moved on; don't leak the process.
		if ev.proc != nil {
			ev.proc.Kill()
		}
		return
	}
	h.proc = ev.proc
	h.pid = ev.pid
	s.logf("Started worker %d (pid %d)", h.slot, h.pid)
	if h.state == StateStopping {
		// Shutdown raced the spawn; stop it now that we can.  Past the
		// graceful deadline nothing cooperative is left to wait for.
		if s.deadlinePassed {
			h.proc.Kill()
		} else {
			h.proc.Terminate()
		}
	}
}

func (s *Supervisor) onHeartbeat(ev heartbeat) {
	h := s.handleFor(ev.slot, ev.token)
	if h == nil || (h.state != StateStarting && h.state != StateRunning) {
		return
	}
	h.lastBeat = ev.at
	if ev.rss > 0 {
		h.rss = ev.rss
	}
	if !h.hadBeat {
		h.hadBeat = true
		if h.state == StateStarting {
			h.state = StateRunning
			s.logf("Worker %d confirmed live", h.slot)
		}
	}
}

func (s *Supervisor) onSample(ev resourceSample) {
	h := s.handleFor(ev.slot, ev.token)
	if h == nil {
		return
	}
	if ev.rss > 0 {
		h.rss = ev.rss
	}
}

func (s *Supervisor) onStall(ev stallDetected) {
	h := s.handleFor(ev.slot, ev.token)
	if h == nil || h.stalled {
		return
	}
	if h.state != StateStarting && h.state != StateRunning {
		return
	}
	h.stalled = true
	s.met.stalls.Inc()
	s.logf("Worker %d stalled (no heartbeat); terminating", h.slot)
	if h.proc != nil {
		h.proc.Kill()
	}
}

func (s *Supervisor) onExited(ev workerExited) {
	h := s.handleFor(ev.slot, ev.token)
	if h == nil {
		return
	}
	h.proc = nil
	h.pid = 0
	h.closePipe()

	var reason ExitReason
	switch {
	case ev.launchErr:
		reason = ExitStartup
	case h.stalled:
		reason = ExitStall
	default:
		reason = classifyExit(ev.err, h.hadBeat)
	}

	if s.shuttingDown || h.state == StateStopping {
		if h.state != StateStopped {
			h.lastExit = reason
			h.state = StateStopped
			s.met.exit(reason)
			s.logf("Worker %d stopped", h.slot)
			s.checkShutdownComplete()
		}
		return
	}

	h.lastExit = reason
	s.met.exit(reason)
	switch reason {
	case ExitStartup:
		s.logf("Worker %d failed during startup: %v", h.slot, ev.err)
	case ExitStall:
		s.logf("Worker %d terminated after stall", h.slot)
	default:
		s.logf("Worker %d exited (%s): %v", h.slot, reason, ev.err)
	}

	if h.manual {
		// Administrative restart already reset the counters; respawn
		// without consulting the policy.
		s.beginSpawn(h)
		return
	}
	s.considerRestart(h)
}

// considerRestart applies the restart policy to a slot that just lost its
// process outside of shutdown.
func (s *Supervisor) considerRestart(h *workerHandle) {
	now := s.now()
	if now.Sub(h.windowStart) > s.cfg.RestartWindow {
		h.restarts = 0
		h.windowStart = now
	}
	d := s.policy.Decide(History{Restarts: h.restarts, WindowStart: h.windowStart}, now)
	if !d.Retry {
		h.state = StateFailed
		s.logf("Worker %d exhausted its restart budget (%d in %v); marking failed",
			h.slot, h.restarts, s.cfg.RestartWindow)
		return
	}
	h.restarts++
	s.met.restart(h.slot)
	h.state = StateRestarting
	s.logf("Worker %d restart %d scheduled in %v", h.slot, h.restarts, d.Delay)

	token := h.token
	slot := h.slot
	h.delayTimer = time.AfterFunc(d.Delay, func() {
		s.post(spawnDue{slot: slot, token: token})
	})
}

func (s *Supervisor) onSpawnDue(ev spawnDue) {
	h := s.handleFor(ev.slot, ev.token)
	if h == nil || s.shuttingDown || h.state != StateRestarting {
		return
	}
	h.delayTimer = nil
	s.beginSpawn(h)
}

func (s *Supervisor) onManualRestart(ev manualRestart) {
	if s.shuttingDown {
		ev.reply <- manualReply{err: ErrShuttingDown}
		return
	}
	if ev.slot >= 0 {
		if ev.slot >= len(s.slots) {
			ev.reply <- manualReply{err: ErrBadSlot}
			return
		}
		s.rearm(s.slots[ev.slot])
		ev.reply <- manualReply{count: 1}
		return
	}
	n := 0
	for _, h := range s.slots {
		if h.state == StateFailed {
			s.rearm(h)
			n++
		}
	}
	ev.reply <- manualReply{count: n}
}

// rearm resets a slot's restart accounting and gets a fresh process into
// it, stopping the current one first if it is still running.
func (s *Supervisor) rearm(h *workerHandle) {
	h.cancelDelay()
	h.restarts = 0
	h.windowStart = s.now()
	s.logf("Administrative restart of worker %d", h.slot)
	if h.proc != nil {
		h.manual = true
		h.state = StateRestarting
		h.proc.Terminate()
		return
	}
	s.beginSpawn(h)
}

// publish stores a fresh immutable snapshot and wakes serial watchers.
func (s *Supervisor) publish() {
	sn := &Snapshot{
		Target:       s.cfg.Workers,
		ShuttingDown: s.shuttingDown,
		StartedAt:    s.startedAt,
		TakenAt:      s.now(),
		Workers:      make([]WorkerInfo, len(s.slots)),
	}
	for i, h := range s.slots {
		sn.Workers[i] = WorkerInfo{
			Slot:          h.slot,
			Pid:           h.pid,
			State:         h.state,
			Token:         h.token,
			StartedAt:     h.startedAt,
			LastHeartbeat: h.lastBeat,
			Restarts:      h.restarts,
			WindowStart:   h.windowStart,
			LastExit:      h.lastExit,
			RSSBytes:      h.rss,
		}
	}
	s.met.alive.Set(float64(sn.Alive()))
	sn.Serial = s.watcher.next()
	s.snap.Store(sn)
	s.watcher.wake()
}

func (s *Supervisor) logf(format string, v ...interface{}) {
	s.mlog.Logger().Printf(format, v...)
}
