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
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/livekit/whep/pkg/config"
)

func TestMonitor(t *testing.T) {
	m := NewMonitor()
	require.NoError(t, m.Start(&config.Config{NodeID: "NE_test"}))
	defer m.Stop()

	m.SessionStarted()
	m.SessionStarted()
	m.SessionEnded()
	require.Equal(t, 1, m.ActiveSessions())
	require.Equal(t, float64(1), testutil.ToFloat64(m.promActiveSessions))

	m.NegotiationEnded(ResultConnected)
	m.NegotiationEnded(ResultFailed)
	m.NegotiationEnded(ResultFailed)
	require.Equal(t, float64(1), testutil.ToFloat64(m.promNegotiations.WithLabelValues(ResultConnected)))
	require.Equal(t, float64(2), testutil.ToFloat64(m.promNegotiations.WithLabelValues(ResultFailed)))

	m.SignalingRequest(503)
	m.SignalingRequest(201)
	m.SignalingRequest(0)
	require.Equal(t, float64(1), testutil.ToFloat64(m.promSignalingResults.WithLabelValues("503")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.promSignalingResults.WithLabelValues("error")))

	m.ICEGatheringDone(20*time.Millisecond, true)
	require.Equal(t, 1, testutil.CollectAndCount(m.promICEGathering))
}

func TestNilMonitor(t *testing.T) {
	var m *Monitor

	require.NotPanics(t, func() {
		m.SessionStarted()
		m.SessionEnded()
		m.NegotiationEnded(ResultConnected)
		m.SignalingRequest(201)
		m.ICEGatheringDone(time.Second, false)
		m.Stop()
	})
	require.Equal(t, 0, m.ActiveSessions())
}
