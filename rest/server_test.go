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

//go:build unix

package rest

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/brood-sh/brood"
)

type apiFixture struct {
	s      *brood.Supervisor
	ts     *httptest.Server
	c      *Client
	cancel context.CancelFunc
	errc   chan error
}

func startAPI(t *testing.T, workers int) *apiFixture {
	cfg := brood.Config{
		Name:            "api-test",
		Command:         []string{"/bin/sh", "-c", "trap 'exit 0' TERM; while :; do sleep 0.05; done"},
		Workers:         workers,
		MaxRestarts:     2,
		RestartDelay:    time.Millisecond,
		RestartWindow:   time.Minute,
		GracefulTimeout: 2 * time.Second,
		StartupGrace:    time.Minute,
		SampleInterval:  20 * time.Millisecond,
		StallAfter:      time.Minute,
		Logger:          log.New(io.Discard, "", 0),
	}
	s, err := brood.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ctx) }()

	ts := httptest.NewServer(NewHandler(s))
	return &apiFixture{
		s:      s,
		ts:     ts,
		c:      NewClient(nil, ts.URL),
		cancel: cancel,
		errc:   errc,
	}
}

func (f *apiFixture) stop() {
	<-f.s.RequestShutdown(0)
	f.cancel()
	<-f.errc
	f.ts.Close()
}

func (f *apiFixture) waitRunning(workers int) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sn := f.s.Snapshot()
		n := 0
		for i := range sn.Workers {
			if sn.Workers[i].State == brood.StateRunning {
				n++
			}
		}
		if n == workers {
			return true
		}
		f.s.WatchSerial(sn.Serial, 50*time.Millisecond)
	}
	return false
}

func TestHealthEndpoint(t *testing.T) {
	Convey("Health reflects the alive/target ratio", t, func() {
		f := startAPI(t, 2)
		defer f.stop()
		So(f.waitRunning(2), ShouldBeTrue)

		hi, err := f.c.Health(context.Background())
		So(err, ShouldBeNil)
		So(hi.Status, ShouldEqual, StatusHealthy)
		So(hi.WorkersAlive, ShouldEqual, 2)
		So(hi.WorkersTarget, ShouldEqual, 2)

		Convey("A matching Etag gets 304 back", func() {
			res, err := http.Get(f.ts.URL + "/cluster/health")
			So(err, ShouldBeNil)
			res.Body.Close()
			etag := res.Header.Get("Etag")
			So(etag, ShouldNotBeEmpty)

			req, _ := http.NewRequest("GET", f.ts.URL+"/cluster/health", nil)
			req.Header.Set("If-None-Match", etag)
			res, err = http.DefaultClient.Do(req)
			So(err, ShouldBeNil)
			res.Body.Close()
			So(res.StatusCode, ShouldEqual, http.StatusNotModified)
		})

		Convey("The long-poll returns promptly once the pool moves", func() {
			go func() {
				time.Sleep(20 * time.Millisecond)
				f.s.RequestManualRestart(0)
			}()
			start := time.Now()
			hi, err := f.c.WatchHealth(context.Background())
			So(err, ShouldBeNil)
			So(hi, ShouldNotBeNil)
			So(time.Since(start), ShouldBeLessThan, 5*time.Second)
		})
	})
}

func TestStatsEndpoint(t *testing.T) {
	Convey("Stats expose the supervisor and every slot", t, func() {
		f := startAPI(t, 2)
		defer f.stop()
		So(f.waitRunning(2), ShouldBeTrue)

		cs, err := f.c.Stats(context.Background())
		So(err, ShouldBeNil)
		So(cs.Supervisor.Name, ShouldEqual, "api-test")
		So(cs.Supervisor.Pid, ShouldEqual, os.Getpid())
		So(cs.Supervisor.RSSBytes, ShouldBeGreaterThan, 0)
		So(cs.Supervisor.ShuttingDown, ShouldBeFalse)

		So(len(cs.Workers), ShouldEqual, 2)
		for i, w := range cs.Workers {
			So(w.SlotIndex, ShouldEqual, i)
			So(w.ProcessId, ShouldBeGreaterThan, 0)
			So(w.State, ShouldEqual, "RUNNING")
			So(w.RestartCount, ShouldEqual, 0)
			So(w.LastExitReason, ShouldBeEmpty)
			So(w.LastHeartbeat.IsZero(), ShouldBeFalse)
		}
	})
}

func TestRestartEndpoints(t *testing.T) {
	Convey("Administrative restarts over HTTP", t, func() {
		f := startAPI(t, 2)
		defer f.stop()
		So(f.waitRunning(2), ShouldBeTrue)

		Convey("With nothing failed, the bulk restart is a no-op", func() {
			n, err := f.c.RestartFailed(context.Background())
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 0)
		})

		Convey("A single slot can be bounced", func() {
			before := f.s.Snapshot().Workers[1].Pid
			So(f.c.RestartSlot(context.Background(), 1), ShouldBeNil)
			deadline := time.Now().Add(5 * time.Second)
			replaced := false
			for time.Now().Before(deadline) {
				w := f.s.Snapshot().Workers[1]
				if w.State == brood.StateRunning && w.Pid != before {
					replaced = true
					break
				}
				time.Sleep(10 * time.Millisecond)
			}
			So(replaced, ShouldBeTrue)
		})

		Convey("A slot beyond the pool is 404", func() {
			err := f.c.RestartSlot(context.Background(), 99)
			So(err, ShouldNotBeNil)
			So(err.(*Error).Code, ShouldEqual, http.StatusNotFound)
		})
	})
}

func TestRestartDuringShutdown(t *testing.T) {
	Convey("Restarts are refused once shutdown has begun", t, func() {
		f := startAPI(t, 1)
		defer func() {
			f.cancel()
			<-f.errc
			f.ts.Close()
		}()
		So(f.waitRunning(1), ShouldBeTrue)

		<-f.s.RequestShutdown(0)
		_, err := f.c.RestartFailed(context.Background())
		So(err, ShouldNotBeNil)
		So(err.(*Error).Code, ShouldEqual, http.StatusConflict)
	})
}

func TestLogEndpoint(t *testing.T) {
	Convey("The retained log is served with Etags", t, func() {
		f := startAPI(t, 1)
		defer f.stop()
		So(f.waitRunning(1), ShouldBeTrue)

		recs, err := f.c.Log(context.Background())
		So(err, ShouldBeNil)
		So(len(recs), ShouldBeGreaterThan, 0)

		res, err := http.Get(f.ts.URL + "/cluster/log")
		So(err, ShouldBeNil)
		res.Body.Close()
		etag := res.Header.Get("Etag")
		So(etag, ShouldNotBeEmpty)

		req, _ := http.NewRequest("GET", f.ts.URL+"/cluster/log", nil)
		req.Header.Set("If-None-Match", etag)
		res, err = http.DefaultClient.Do(req)
		So(err, ShouldBeNil)
		res.Body.Close()
		So(res.StatusCode, ShouldEqual, http.StatusNotModified)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	Convey("Prometheus metrics are exposed from the pool registry", t, func() {
		f := startAPI(t, 2)
		defer f.stop()
		So(f.waitRunning(2), ShouldBeTrue)

		res, err := http.Get(f.ts.URL + "/metrics")
		So(err, ShouldBeNil)
		body, _ := io.ReadAll(res.Body)
		res.Body.Close()
		So(res.StatusCode, ShouldEqual, http.StatusOK)
		So(string(body), ShouldContainSubstring, "brood_workers_target 2")
		So(string(body), ShouldContainSubstring, "brood_workers_alive")
	})
}
