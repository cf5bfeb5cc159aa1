// Copyright 2026 LiveKit, Inc.
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

package stats

import (
	"strconv"
	"time"

	"github.com/frostbyte73/core"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/livekit/whep/pkg/config"
)

const (
	ResultConnected = "connected"
	ResultFailed    = "failed"
	ResultCancelled = "cancelled"
)

// Monitor exports negotiation metrics. A nil *Monitor is valid and records nothing.
type Monitor struct {
	registry *prometheus.Registry

	activeSessions atomic.Int32

	promActiveSessions   prometheus.GaugeFunc
	promNegotiations     *prometheus.CounterVec
	promSignalingResults *prometheus.CounterVec
	promICEGathering     *prometheus.HistogramVec

	started  core.Fuse
	shutdown core.Fuse
}

func NewMonitor() *Monitor {
	return &Monitor{
		registry: prometheus.NewRegistry(),
	}
}

func (m *Monitor) Start(conf *config.Config) error {
	constLabels := prometheus.Labels{"node_id": conf.NodeID}

	m.promActiveSessions = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "livekit",
		Subsystem:   "whep",
		Name:        "active_sessions",
		ConstLabels: constLabels,
	}, func() float64 {
		return float64(m.activeSessions.Load())
	})

	m.promNegotiations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "livekit",
		Subsystem:   "whep",
		Name:        "negotiations_total",
		ConstLabels: constLabels,
	}, []string{"result"})

	m.promSignalingResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "livekit",
		Subsystem:   "whep",
		Name:        "signaling_requests_total",
		ConstLabels: constLabels,
	}, []string{"status"})

	m.promICEGathering = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   "livekit",
		Subsystem:   "whep",
		Name:        "ice_gathering_seconds",
		ConstLabels: constLabels,
		Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"result"})

	if err := m.registry.Register(m.promActiveSessions); err != nil {
		return err
	}
	if err := m.registry.Register(m.promNegotiations); err != nil {
		return err
	}
	if err := m.registry.Register(m.promSignalingResults); err != nil {
		return err
	}
	if err := m.registry.Register(m.promICEGathering); err != nil {
		return err
	}

	m.started.Break()

	return nil
}

// Stop the monitor before process termination
func (m *Monitor) Stop() {
	if m == nil || !m.started.IsBroken() {
		return
	}
	m.shutdown.Break()

	m.registry.Unregister(m.promActiveSessions)
	m.registry.Unregister(m.promNegotiations)
	m.registry.Unregister(m.promSignalingResults)
	m.registry.Unregister(m.promICEGathering)
}

func (m *Monitor) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *Monitor) ActiveSessions() int {
	if m == nil {
		return 0
	}
	return int(m.activeSessions.Load())
}

func (m *Monitor) SessionStarted() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *Monitor) SessionEnded() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *Monitor) NegotiationEnded(result string) {
	if !m.isRunning() {
		return
	}
	m.promNegotiations.With(prometheus.Labels{"result": result}).Inc()
}

// SignalingRequest records one POST to the WHEP endpoint. A status of 0 stands for a transport error.
func (m *Monitor) SignalingRequest(status int) {
	if !m.isRunning() {
		return
	}
	label := "error"
	if status != 0 {
		label = strconv.Itoa(status)
	}
	m.promSignalingResults.With(prometheus.Labels{"status": label}).Inc()
}

func (m *Monitor) ICEGatheringDone(d time.Duration, complete bool) {
	if !m.isRunning() {
		return
	}
	result := "complete"
	if !complete {
		result = "timeout"
	}
	m.promICEGathering.With(prometheus.Labels{"result": result}).Observe(d.Seconds())
}

func (m *Monitor) isRunning() bool {
	return m != nil && m.started.IsBroken() && !m.shutdown.IsBroken()
}
