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
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the supervisor's prometheus collectors on a private
// registry, served by the rest package at /metrics.
type metrics struct {
	registry *prometheus.Registry
	restarts *prometheus.CounterVec
	exits    *prometheus.CounterVec
	stalls   prometheus.Counter
	alive    prometheus.Gauge
	target   prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "brood",
			Name:      "restarts_total",
			Help:      "Worker restarts performed, by slot.",
		}, []string{"slot"}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "brood",
			Name:      "worker_exits_total",
			Help:      "Worker process exits, by reason.",
		}, []string{"reason"}),
		stalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "brood",
			Name:      "stalls_total",
			Help:      "Workers forcibly terminated after missed heartbeats.",
		}),
		alive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "brood",
			Name:      "workers_alive",
			Help:      "Slots currently starting or running.",
		}),
		target: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "brood",
			Name:      "workers_target",
			Help:      "Configured steady-state slot count.",
		}),
	}
	m.registry.MustRegister(m.restarts, m.exits, m.stalls, m.alive, m.target)
	return m
}

func (m *metrics) restart(slot int) {
	m.restarts.WithLabelValues(strconv.Itoa(slot)).Inc()
}

func (m *metrics) exit(reason ExitReason) {
	m.exits.WithLabelValues(reason.String()).Inc()
}
