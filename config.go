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
	"fmt"
	"log"
	"os"
	"runtime"
	"strconv"
	"time"
)

// Environment variables honored by FromEnv.  Durations are integral
// milliseconds.
const (
	EnvWorkers         = "CLUSTER_WORKERS"
	EnvMaxRestarts     = "MAX_WORKER_RESTARTS"
	EnvRestartDelay    = "WORKER_RESTART_DELAY"
	EnvRestartWindow   = "WORKER_RESTART_WINDOW"
	EnvGracefulTimeout = "GRACEFUL_SHUTDOWN_TIMEOUT"
)

const (
	defaultMaxRestarts     = 5
	defaultRestartDelay    = time.Second
	defaultMaxRestartDelay = 30 * time.Second
	defaultRestartWindow   = time.Minute
	defaultGracefulTimeout = 10 * time.Second
	defaultStartupGrace    = 5 * time.Second

	// A prime number of milliseconds, to ensure a more or less even
	// distribution of clock events.
	defaultSampleInterval = 587 * time.Millisecond
)

// Config carries the supervisor's policy knobs and the payload to run.
// All policy fields are immutable once the supervisor is created.
type Config struct {
	// Name identifies the pool in logs.  Defaults to "brood".
	Name string

	// Command is the payload argv.  Command[0] is resolved via the
	// executable search path when the supervisor is created; a payload
	// that cannot be resolved is a configuration error, not a crash.
	Command []string

	// Dir and Env apply to every spawned worker.  An empty Env means
	// the workers inherit the supervisor's environment.
	Dir string
	Env []string

	// Workers is the steady-state slot count.  Zero means one slot per
	// available CPU.
	Workers int

	// MaxRestarts bounds restarts per slot within RestartWindow.
	MaxRestarts int

	// RestartDelay is the base restart backoff; the delay grows with
	// consecutive attempts, capped at MaxRestartDelay.
	RestartDelay    time.Duration
	MaxRestartDelay time.Duration
	RestartWindow   time.Duration

	// GracefulTimeout bounds the cooperative shutdown sequence; workers
	// still alive at the deadline are forcibly terminated.
	GracefulTimeout time.Duration

	// StartupGrace is how long a worker may sit in STARTING without a
	// heartbeat before the monitor reports a stall.
	StartupGrace time.Duration

	// SampleInterval is the health monitor's tick.  StallAfter is the
	// silence tolerated for a RUNNING worker before a stall is reported;
	// zero means three sample intervals.
	SampleInterval time.Duration
	StallAfter     time.Duration

	// Heartbeat, when set, passes each worker a pipe on which it is
	// expected to write a byte per liveness interval (the fd number is
	// published as $BROOD_HEARTBEAT_FD).  When unset, OS-level process
	// existence observed by the monitor counts as liveness.
	Heartbeat bool

	// Policy overrides the default BackoffPolicy assembled from the
	// fields above.
	Policy Policy

	// Launcher overrides process creation.  Intended for tests; nil
	// means workers are spawned with os/exec from Command.
	Launcher Launcher

	// Logger receives supervisor and worker output in addition to the
	// in-memory ring log.  Defaults to stderr.
	Logger *log.Logger
}

// FromEnv builds a Config from the environment.  Unset variables leave the
// corresponding fields zero so that Validate applies defaults.
func FromEnv() Config {
	return Config{
		Workers:         envInt(EnvWorkers, 0),
		MaxRestarts:     envInt(EnvMaxRestarts, 0),
		RestartDelay:    envMillis(EnvRestartDelay),
		RestartWindow:   envMillis(EnvRestartWindow),
		GracefulTimeout: envMillis(EnvGracefulTimeout),
	}
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, e := strconv.Atoi(v)
	if e != nil {
		return def
	}
	return n
}

func envMillis(name string) time.Duration {
	return time.Duration(envInt(name, 0)) * time.Millisecond
}

// Validate fills in defaults and rejects nonsense.  It is called by New,
// so callers building a Config by hand normally need not call it.
func (c *Config) Validate() error {
	if c.Name == "" {
		c.Name = "brood"
	}
	if c.Workers == 0 {
		// GOMAXPROCS rather than NumCPU so that container CPU quotas
		// applied by automaxprocs are respected.
		c.Workers = runtime.GOMAXPROCS(0)
	}
	if c.Workers < 1 {
		return fmt.Errorf("%w: worker count %d", ErrBadConfig, c.Workers)
	}
	if c.MaxRestarts == 0 {
		c.MaxRestarts = defaultMaxRestarts
	}
	if c.MaxRestarts < 0 {
		return fmt.Errorf("%w: max restarts %d", ErrBadConfig, c.MaxRestarts)
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = defaultRestartDelay
	}
	if c.MaxRestartDelay <= 0 {
		c.MaxRestartDelay = defaultMaxRestartDelay
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = defaultRestartWindow
	}
	if c.GracefulTimeout <= 0 {
		c.GracefulTimeout = defaultGracefulTimeout
	}
	if c.StartupGrace <= 0 {
		c.StartupGrace = defaultStartupGrace
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = defaultSampleInterval
	}
	if c.StallAfter <= 0 {
		c.StallAfter = 3 * c.SampleInterval
	}
	if c.Policy == nil {
		c.Policy = BackoffPolicy{
			Max:       c.MaxRestarts,
			Window:    c.RestartWindow,
			BaseDelay: c.RestartDelay,
			MaxDelay:  c.MaxRestartDelay,
		}
	}
	if c.Launcher == nil && len(c.Command) == 0 {
		return ErrNoPayload
	}
	return nil
}
