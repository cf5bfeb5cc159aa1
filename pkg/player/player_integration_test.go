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

//go:build integration

package player

import (
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/whep/pkg/config"
	"github.com/livekit/whep/pkg/engine"
	"github.com/livekit/whep/pkg/errors"
	"github.com/livekit/whep/pkg/sink"
	"github.com/livekit/whep/pkg/stats"
	"github.com/livekit/whep/pkg/types"
	"github.com/livekit/whep/pkg/whepserver"
)

func startServer(t *testing.T, conf *whepserver.Config) string {
	conf.EnableLoopbackCandidate = true
	s, err := whepserver.NewWHEPServer(conf)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)

	return fmt.Sprintf("http://127.0.0.1:%d/whep/stream", s.Addr().(*net.TCPAddr).Port)
}

func newEngine(t *testing.T, conf *config.Config) *engine.Engine {
	e := engine.New(conf)
	require.NoError(t, e.Initialize())
	t.Cleanup(e.Dispose)
	return e
}

func newIntegrationConfig(endpoint string) *config.Config {
	conf := &config.Config{
		Endpoint:                endpoint,
		EnableLoopbackCandidate: true,
		Retry:                   config.RetryConfig{Delay: 100 * time.Millisecond},
	}
	conf.ApplyDefaults()
	return conf
}

func TestPlayerLoopback(t *testing.T) {
	endpoint := startServer(t, &whepserver.Config{FailFirst: 1})
	conf := newIntegrationConfig(endpoint)
	e := newEngine(t, conf)

	monitor := stats.NewMonitor()
	require.NoError(t, monitor.Start(conf))
	defer monitor.Stop()

	p := New(conf, e, monitor)
	counter := sink.NewFrameCounter(logger.GetLogger())
	defer counter.Close()
	p.AddVideoSink(counter)
	p.AddAudioSink(counter)

	require.NoError(t, p.Play())
	require.Eventually(t, func() bool {
		return p.State() == types.PlayerPlaying
	}, 20*time.Second, 50*time.Millisecond)

	location, ok := p.Session().ResourceLocation()
	require.True(t, ok)
	require.Contains(t, location, "/whep/stream/")

	// tracks are reported once their first packet arrives
	require.Eventually(t, func() bool {
		return p.VideoTrack() != nil && p.AudioTrack() != nil
	}, 10*time.Second, 50*time.Millisecond)
	require.Eventually(t, func() bool {
		return counter.VideoFrames() > 10 && counter.AudioFrames() > 10
	}, 10*time.Second, 50*time.Millisecond)

	p.Stop()
	require.Equal(t, types.PlayerNone, p.State())
	require.Eventually(t, func() bool {
		return e.OpenConnections() == 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestPlayerLoopbackRejected(t *testing.T) {
	endpoint := startServer(t, &whepserver.Config{RejectStatus: http.StatusMethodNotAllowed})
	conf := newIntegrationConfig(endpoint)
	p := New(conf, newEngine(t, conf), nil)

	require.NoError(t, p.Play())
	require.Eventually(t, func() bool {
		return p.State() == types.PlayerError
	}, 10*time.Second, 50*time.Millisecond)
	require.ErrorIs(t, p.Err(), errors.ErrSignalingFatal)
	p.Stop()
}
