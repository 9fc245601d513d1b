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

package rest

import (
	"time"
)

const (
	mimeJson = "application/json; charset=UTF-8"

	// Long-poll headers.  A GET carrying PollEtagHeader waits up to
	// PollTimeHeader seconds for the pool state to move past that Etag
	// before answering; combined with If-None-Match this gives cheap
	// change notification over plain HTTP.
	PollEtagHeader = "X-Poll-Etag"
	PollTimeHeader = "X-Poll-Seconds"

	maxPollTime = 300 * time.Second
)

const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// HealthInfo is the aggregate pool verdict: healthy while at least half
// the target slots are alive.
type HealthInfo struct {
	Status        string `json:"status"`
	WorkersAlive  int    `json:"workersAlive"`
	WorkersTarget int    `json:"workersTarget"`
}

// WorkerStats is the per-slot view served by /cluster/stats.
type WorkerStats struct {
	SlotIndex      int       `json:"slotIndex"`
	ProcessId      int       `json:"processId,omitempty"`
	State          string    `json:"state"`
	RestartCount   int       `json:"restartCount"`
	UptimeMs       int64     `json:"uptimeMs"`
	RSSBytes       uint64    `json:"rssBytes,omitempty"`
	LastExitReason string    `json:"lastExitReason,omitempty"`
	StartedAt      time.Time `json:"startedAt"`
	LastHeartbeat  time.Time `json:"lastHeartbeat"`
}

// SupervisorStats describes the supervisor process itself.
type SupervisorStats struct {
	Name         string `json:"name"`
	Pid          int    `json:"pid"`
	UptimeMs     int64  `json:"uptimeMs"`
	RSSBytes     uint64 `json:"rssBytes,omitempty"`
	Serial       int64  `json:"serial,string"`
	ShuttingDown bool   `json:"shuttingDown"`
}

type ClusterStats struct {
	Supervisor SupervisorStats `json:"supervisor"`
	Workers    []WorkerStats   `json:"workers"`
}

// RestartResult reports how many slots an administrative restart re-armed.
type RestartResult struct {
	Restarted int `json:"restarted"`
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}
