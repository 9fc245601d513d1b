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
	"os"
	"time"

	"github.com/rs/xid"
	"github.com/shirou/gopsutil/v4/process"
)

// monitor samples worker liveness and memory on a fixed interval.  It
// works entirely from published snapshots and reports observations back to
// the control loop as events; it never touches pool state.
//
// Liveness has two modes.  With the heartbeat pipe enabled, actual
// heartbeats arrive independently and the monitor only contributes memory
// samples and stall detection.  Without it, OS-level process existence is
// the best available signal and the monitor synthesizes heartbeats from it.
type monitor struct {
	s            *Supervisor
	interval     time.Duration
	stallAfter   time.Duration
	startupGrace time.Duration
	pipeBeats    bool
	reported     map[int]xid.ID // stalls already reported, by slot
}

func newMonitor(s *Supervisor) *monitor {
	return &monitor{
		s:            s,
		interval:     s.cfg.SampleInterval,
		stallAfter:   s.cfg.StallAfter,
		startupGrace: s.cfg.StartupGrace,
		pipeBeats:    s.cfg.Heartbeat,
		reported:     make(map[int]xid.ID),
	}
}

func (m *monitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		m.sample(time.Now())
	}
}

func (m *monitor) sample(now time.Time) {
	sn := m.s.Snapshot()
	if sn == nil || sn.ShuttingDown {
		return
	}
	for i := range sn.Workers {
		w := &sn.Workers[i]
		if !w.State.Alive() || w.Pid == 0 {
			continue
		}
		if alive, rss := probeProcess(w.Pid); alive {
			if m.pipeBeats {
				m.s.post(resourceSample{slot: w.Slot, token: w.Token, rss: rss})
			} else {
				m.s.post(heartbeat{slot: w.Slot, token: w.Token, at: now, rss: rss})
			}
		}
		// Exit-code monitoring alone never catches a worker that is
		// alive but wedged; silence past the threshold does.
		if m.silentTooLong(w, now) && m.reported[w.Slot] != w.Token {
			m.reported[w.Slot] = w.Token
			m.s.post(stallDetected{slot: w.Slot, token: w.Token})
		}
	}
}

func (m *monitor) silentTooLong(w *WorkerInfo, now time.Time) bool {
	if w.LastHeartbeat.IsZero() {
		// Never confirmed live: a startup grace applies instead.
		return w.State == StateStarting && now.Sub(w.StartedAt) > m.startupGrace
	}
	return now.Sub(w.LastHeartbeat) > m.stallAfter
}

// probeProcess reports whether pid exists and its resident set size.
func probeProcess(pid int) (bool, uint64) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false, 0
	}
	if running, err := p.IsRunning(); err != nil || !running {
		return false, 0
	}
	var rss uint64
	if mi, err := p.MemoryInfo(); err == nil && mi != nil {
		rss = mi.RSS
	}
	return true, rss
}

// SelfStats describes the supervisor process itself, for the monitoring
// API's aggregate view.
type SelfStats struct {
	Pid      int
	RSSBytes uint64
}

// ReadSelfStats samples the supervisor's own pid and memory.
func ReadSelfStats() SelfStats {
	pid := os.Getpid()
	_, rss := probeProcess(pid)
	return SelfStats{Pid: pid, RSSBytes: rss}
}
