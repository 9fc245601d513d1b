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

// broodd runs a worker pool under supervision and serves the monitoring
// API.  Policy knobs come from the environment (CLUSTER_WORKERS,
// MAX_WORKER_RESTARTS, WORKER_RESTART_DELAY, WORKER_RESTART_WINDOW,
// GRACEFUL_SHUTDOWN_TIMEOUT); flags override the environment.
//
//	broodd -a 127.0.0.1:8321 -- mypayload --port 8080
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/thejerf/suture/v4"
	_ "go.uber.org/automaxprocs"

	"github.com/brood-sh/brood"
	"github.com/brood-sh/brood/rest"
)

var cli struct {
	Listen          string   `short:"a" default:"127.0.0.1:8321" help:"Monitoring API listen address."`
	Name            string   `default:"brood" help:"Pool name used in logs."`
	Workers         int      `short:"n" help:"Worker slot count; 0 means one per CPU."`
	MaxRestarts     int      `help:"Restart budget per slot per window."`
	RestartDelay    int      `help:"Base restart delay, milliseconds."`
	RestartWindow   int      `help:"Restart window, milliseconds."`
	GracefulTimeout int      `help:"Graceful shutdown timeout, milliseconds."`
	Heartbeat       bool     `help:"Expect workers to heartbeat on the inherited pipe ($BROOD_HEARTBEAT_FD)."`
	Command         []string `arg:"" passthrough:"" help:"Worker payload command and arguments."`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("broodd"),
		kong.Description("Worker-process pool supervisor."))

	cfg := brood.FromEnv()
	cfg.Name = cli.Name
	cfg.Command = cli.Command
	cfg.Heartbeat = cli.Heartbeat
	if cli.Workers != 0 {
		cfg.Workers = cli.Workers
	}
	if cli.MaxRestarts != 0 {
		cfg.MaxRestarts = cli.MaxRestarts
	}
	if cli.RestartDelay != 0 {
		cfg.RestartDelay = time.Duration(cli.RestartDelay) * time.Millisecond
	}
	if cli.RestartWindow != 0 {
		cfg.RestartWindow = time.Duration(cli.RestartWindow) * time.Millisecond
	}
	if cli.GracefulTimeout != 0 {
		cfg.GracefulTimeout = time.Duration(cli.GracefulTimeout) * time.Millisecond
	}

	sup, err := brood.New(cfg)
	kctx.FatalIfErrorf(err)

	root := suture.NewSimple("broodd")
	root.Add(oneShot{sup})
	root.Add(&httpService{addr: cli.Listen, handler: rest.NewHandler(sup)})

	ctx, cancel := context.WithCancel(context.Background())
	errc := root.ServeBackground(ctx)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		log.Printf("broodd: caught %v, shutting down", sig)
		<-sup.RequestShutdown(0)
	case <-sup.Done():
		// Pool stopped on its own (context cancellation inside the
		// tree); nothing left to supervise.
	}
	cancel()
	<-errc
}

// oneShot adapts a run-to-completion service to suture, which would
// otherwise restart it when it returns.
type oneShot struct {
	svc suture.Service
}

func (o oneShot) Serve(ctx context.Context) error {
	if err := o.svc.Serve(ctx); err != nil && err != context.Canceled {
		log.Printf("broodd: %v", err)
	}
	return suture.ErrDoNotRestart
}

// httpService serves the monitoring API under the suture tree, shutting
// the listener down when the tree's context is cancelled.
type httpService struct {
	addr    string
	handler http.Handler
}

func (s *httpService) Serve(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.handler}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
		return ctx.Err()
	}
}

func (s *httpService) String() string {
	return "api@" + s.addr
}
