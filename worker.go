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
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/xid"
)

// Proc is a handle on one running payload process.  Terminate asks it to
// stop cooperatively; Kill does not ask.  Wait blocks until exit and
// returns the error form of the exit status, as os/exec does.
type Proc interface {
	Pid() int
	Terminate() error
	Kill() error
	Wait() error
}

// Launcher starts the payload for one slot.  hb is the write end of the
// slot's heartbeat pipe, or nil when heartbeats are disabled; the launcher
// hands it to the child and must not retain it.  Implementations other
// than CmdLauncher exist for testing.
type Launcher interface {
	Launch(slot int, hb *os.File, logger *log.Logger) (Proc, error)
}

// workerHandle is the supervisor-private record for one pool slot.  It is
// only ever touched from the control loop.
type workerHandle struct {
	slot        int
	token       xid.ID // identifies the current launch; stale events carry old tokens
	proc        Proc
	pid         int
	state       State
	startedAt   time.Time
	lastBeat    time.Time
	hadBeat     bool
	restarts    int
	windowStart time.Time
	lastExit    ExitReason
	rss         uint64
	stalled     bool
	manual      bool
	hbRead      *os.File
	delayTimer  *time.Timer
	logger      *log.Logger
}

func (h *workerHandle) closePipe() {
	if h.hbRead != nil {
		h.hbRead.Close()
		h.hbRead = nil
	}
}

func (h *workerHandle) cancelDelay() {
	if h.delayTimer != nil {
		h.delayTimer.Stop()
		h.delayTimer = nil
	}
}

// CmdLauncher spawns workers with os/exec.  Each child runs in its own
// process group so that stop signals reach any helpers it forks, gets
// $BROOD_SLOT in its environment, and has stdout/stderr folded line by
// line into the slot's log.
type CmdLauncher struct {
	Command []string
	Dir     string
	Env     []string
}

func (l *CmdLauncher) Launch(slot int, hb *os.File, logger *log.Logger) (Proc, error) {
	cmd := exec.Command(l.Command[0], l.Command[1:]...)
	cmd.Dir = l.Dir
	env := l.Env
	if env == nil {
		env = os.Environ()
	}
	env = append(append(make([]string, 0, len(env)+2), env...),
		fmt.Sprintf("BROOD_SLOT=%d", slot))
	if hb != nil {
		// ExtraFiles[0] is fd 3 in the child.
		cmd.ExtraFiles = []*os.File{hb}
		env = append(env, "BROOD_HEARTBEAT_FD=3")
	}
	cmd.Env = env
	setSysProcAttr(cmd)

	if stdout, e := cmd.StdoutPipe(); e != nil {
		logger.Printf("Failed to capture stdout: %v", e)
	} else {
		go doLog(stdout, logger, "stdout> ")
	}
	if stderr, e := cmd.StderrPipe(); e != nil {
		logger.Printf("Failed to capture stderr: %v", e)
	} else {
		go doLog(stderr, logger, "stderr> ")
	}

	if e := cmd.Start(); e != nil {
		return nil, e
	}
	return &osProc{cmd: cmd}, nil
}

// doLog gathers a child stream in chunks of lines.
func doLog(r io.ReadCloser, logger *log.Logger, prefix string) {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if len(line) != 0 {
			logger.Print(prefix, strings.Trim(line, "\n"))
		}
		if err != nil {
			return
		}
	}
}

type osProc struct {
	cmd *exec.Cmd
}

func (p *osProc) Pid() int {
	if p.cmd.Process != nil {
		return p.cmd.Process.Pid
	}
	return 0
}

func (p *osProc) Terminate() error {
	return terminateGroup(p.cmd)
}

func (p *osProc) Kill() error {
	return killGroup(p.cmd)
}

func (p *osProc) Wait() error {
	return p.cmd.Wait()
}

// classifyExit maps a Wait error to an exit reason.  A process that never
// confirmed liveness is a startup failure whatever its status, since a
// payload that dies before serving usually points at misconfiguration.
func classifyExit(err error, hadBeat bool) ExitReason {
	if !hadBeat {
		return ExitStartup
	}
	if err == nil {
		return ExitNormal
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) && exitSignaled(ee) {
		return ExitSignal
	}
	return ExitCrash
}

// readHeartbeats consumes the read end of a worker's heartbeat pipe,
// reporting once per newline until the pipe drains at process exit.
func readHeartbeats(r *os.File, beat func(time.Time)) {
	reader := bufio.NewReader(r)
	for {
		if _, err := reader.ReadString('\n'); err != nil {
			return
		}
		beat(time.Now())
	}
}
