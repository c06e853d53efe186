// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics defines the collector interface the core reports into and
// its Prometheus implementation. Components accept a Collector and fall back
// to the no-op when given nil.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector records core observability signals.
type Collector interface {
	// RecordStep records one flow step attempt.
	RecordStep(flowType, outcome string, duration time.Duration)

	// RecordRunFinished records a run reaching a terminal or paused status.
	RecordRunFinished(flowType, status string)

	// RecordTurn records one agent turn.
	RecordTurn(agentID, status string, duration time.Duration)

	// RecordRestart records a supervisor subprocess restart.
	RecordRestart(agentID string)

	// SetLiveHandles reports the number of live supervisor handles.
	SetLiveHandles(n int)
}

// Nop is a Collector that discards everything.
type Nop struct{}

func (Nop) RecordStep(string, string, time.Duration) {}
func (Nop) RecordRunFinished(string, string)         {}
func (Nop) RecordTurn(string, string, time.Duration) {}
func (Nop) RecordRestart(string)                     {}
func (Nop) SetLiveHandles(int)                       {}

// OrNop returns c, or the no-op collector when c is nil.
func OrNop(c Collector) Collector {
	if c == nil {
		return Nop{}
	}
	return c
}

// Prometheus is the prometheus-backed Collector.
type Prometheus struct {
	stepDuration *prometheus.HistogramVec
	runsFinished *prometheus.CounterVec
	turnDuration *prometheus.HistogramVec
	restarts     *prometheus.CounterVec
	liveHandles  prometheus.Gauge
}

// NewPrometheus creates a Collector registered on the given registerer.
// Passing nil registers on the default registry.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &Prometheus{
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "car_step_duration_seconds",
			Help:    "Duration of flow step attempts.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"flow_type", "outcome"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "car_runs_finished_total",
			Help: "Flow runs by finishing status.",
		}, []string{"flow_type", "status"}),
		turnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "car_turn_duration_seconds",
			Help:    "Duration of agent turns.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"agent_id", "status"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "car_supervisor_restarts_total",
			Help: "Agent subprocess restarts.",
		}, []string{"agent_id"}),
		liveHandles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "car_supervisor_handles",
			Help: "Live supervisor handles.",
		}),
	}

	for _, c := range []prometheus.Collector{
		p.stepDuration, p.runsFinished, p.turnDuration, p.restarts, p.liveHandles,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return p, nil
}

func (p *Prometheus) RecordStep(flowType, outcome string, d time.Duration) {
	p.stepDuration.WithLabelValues(flowType, outcome).Observe(d.Seconds())
}

func (p *Prometheus) RecordRunFinished(flowType, status string) {
	p.runsFinished.WithLabelValues(flowType, status).Inc()
}

func (p *Prometheus) RecordTurn(agentID, status string, d time.Duration) {
	p.turnDuration.WithLabelValues(agentID, status).Observe(d.Seconds())
}

func (p *Prometheus) RecordRestart(agentID string) {
	p.restarts.WithLabelValues(agentID).Inc()
}

func (p *Prometheus) SetLiveHandles(n int) {
	p.liveHandles.Set(float64(n))
}
