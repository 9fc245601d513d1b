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

// Package rest exposes the supervisor's monitoring API over HTTP.  The
// surface is read-mostly and entirely snapshot-backed: handlers never
// reach into live pool state, and the one administrative action is
// translated into the same event the control loop already consumes.
package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brood-sh/brood"
)

// Handler wraps a Supervisor, adding http.Handler functionality.
type Handler struct {
	s *brood.Supervisor
	r *mux.Router
}

func NewHandler(s *brood.Supervisor) *Handler {
	r := mux.NewRouter()
	h := &Handler{s: s, r: r}
	r.HandleFunc("/cluster/health", h.health).Methods("GET")
	r.HandleFunc("/cluster/stats", h.stats).Methods("GET")
	r.HandleFunc("/cluster/restart", h.restartFailed).Methods("POST")
	r.HandleFunc("/cluster/restart/{slot:[0-9]+}", h.restartSlot).Methods("POST")
	r.HandleFunc("/cluster/log", h.log).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.Registry(), promhttp.HandlerOpts{}))
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.r.ServeHTTP(w, req)
}

func (h *Handler) internalError(w http.ResponseWriter, e error) {
	http.Error(w, e.Error(), http.StatusInternalServerError)
}

func (h *Handler) writeJson(w http.ResponseWriter, v interface{}) {
	if b, e := json.Marshal(v); e != nil {
		h.internalError(w, e)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.Write(b)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, e *Error) {
	if b, err := json.Marshal(e); err != nil {
		h.internalError(w, err)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.WriteHeader(e.Code)
		w.Write(b)
	}
}

// pollTime parses the long-poll duration requested by the client, capped
// at maxPollTime.
func pollTime(r *http.Request) time.Duration {
	secs, e := strconv.Atoi(r.Header.Get(PollTimeHeader))
	if e != nil || secs <= 0 {
		return 0
	}
	d := time.Duration(secs) * time.Second
	if d > maxPollTime {
		d = maxPollTime
	}
	return d
}

// maybeWaitSerial implements the long-poll half of the caching protocol:
// if the client's Etag still matches the current serial, block until the
// pool changes or the poll expires.
func (h *Handler) maybeWaitSerial(r *http.Request) {
	old, e := strconv.ParseInt(r.Header.Get(PollEtagHeader), 10, 64)
	if e != nil {
		return
	}
	if d := pollTime(r); d > 0 {
		h.s.WatchSerial(old, d)
	}
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.maybeWaitSerial(r)
	sn := h.s.Snapshot()
	etag := strconv.FormatInt(sn.Serial, 10)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	status := StatusDegraded
	if sn.Healthy() {
		status = StatusHealthy
	}
	w.Header().Set("Etag", etag)
	h.writeJson(w, &HealthInfo{
		Status:        status,
		WorkersAlive:  sn.Alive(),
		WorkersTarget: sn.Target,
	})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	sn := h.s.Snapshot()
	self := brood.ReadSelfStats()
	cs := &ClusterStats{
		Supervisor: SupervisorStats{
			Name:         h.s.Name(),
			Pid:          self.Pid,
			UptimeMs:     sn.TakenAt.Sub(sn.StartedAt).Milliseconds(),
			RSSBytes:     self.RSSBytes,
			Serial:       sn.Serial,
			ShuttingDown: sn.ShuttingDown,
		},
		Workers: make([]WorkerStats, 0, len(sn.Workers)),
	}
	for i := range sn.Workers {
		wi := &sn.Workers[i]
		ws := WorkerStats{
			SlotIndex:     wi.Slot,
			ProcessId:     wi.Pid,
			State:         wi.State.String(),
			RestartCount:  wi.Restarts,
			UptimeMs:      wi.Uptime(sn.TakenAt).Milliseconds(),
			RSSBytes:      wi.RSSBytes,
			StartedAt:     wi.StartedAt,
			LastHeartbeat: wi.LastHeartbeat,
		}
		if wi.LastExit != brood.ExitNone {
			ws.LastExitReason = wi.LastExit.String()
		}
		cs.Workers = append(cs.Workers, ws)
	}
	h.writeJson(w, cs)
}

func (h *Handler) restartFailed(w http.ResponseWriter, r *http.Request) {
	n, err := h.s.RequestManualRestart(-1)
	if err != nil {
		h.writeError(w, restartError(err))
		return
	}
	h.writeJson(w, &RestartResult{Restarted: n})
}

func (h *Handler) restartSlot(w http.ResponseWriter, r *http.Request) {
	slot, e := strconv.Atoi(mux.Vars(r)["slot"])
	if e != nil {
		h.writeError(w, &Error{http.StatusBadRequest, e.Error()})
		return
	}
	n, err := h.s.RequestManualRestart(slot)
	if err != nil {
		h.writeError(w, restartError(err))
		return
	}
	h.writeJson(w, &RestartResult{Restarted: n})
}

func restartError(err error) *Error {
	switch {
	case errors.Is(err, brood.ErrShuttingDown):
		return &Error{http.StatusConflict, err.Error()}
	case errors.Is(err, brood.ErrBadSlot):
		return &Error{http.StatusNotFound, err.Error()}
	default:
		return &Error{http.StatusInternalServerError, err.Error()}
	}
}

func (h *Handler) log(w http.ResponseWriter, r *http.Request) {
	last, _ := strconv.ParseInt(r.Header.Get("If-None-Match"), 10, 64)
	if old, e := strconv.ParseInt(r.Header.Get(PollEtagHeader), 10, 64); e == nil {
		if d := pollTime(r); d > 0 {
			h.s.WatchLog(old, d)
		}
	}
	recs, id := h.s.GetLog(last)
	if recs == nil && id == last {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Etag", strconv.FormatInt(id, 10))
	h.writeJson(w, recs)
}
