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

package engine

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/livekit/whep/pkg/config"
	"github.com/livekit/whep/pkg/errors"
	"github.com/livekit/whep/pkg/types"
)

func newTestConfig() *config.Config {
	conf := &config.Config{
		Endpoint: "http://localhost:8080/whep",
		ICEServers: []config.ICEServer{
			{URLs: []string{"stun:stun.example.com:3478"}},
		},
	}
	conf.ApplyDefaults()
	return conf
}

func TestEngineLifecycle(t *testing.T) {
	e := New(newTestConfig())

	_, err := e.NewConnection()
	require.ErrorIs(t, err, errors.ErrEngineNotReady)
	require.ErrorIs(t, err, errors.ErrConnection)

	require.NoError(t, e.Initialize())
	require.NoError(t, e.Initialize())

	conn, err := e.NewConnection()
	require.NoError(t, err)
	require.Equal(t, 1, e.OpenConnections())
	require.NoError(t, conn.AddTransceiver(types.Video, webrtc.RTPTransceiverDirectionRecvonly))
	require.NoError(t, conn.AddTransceiver(types.Audio, webrtc.RTPTransceiverDirectionRecvonly))

	offer, err := conn.CreateOffer()
	require.NoError(t, err)
	require.Contains(t, offer.SDP, "m=video")
	require.Contains(t, offer.SDP, "m=audio")
	require.Contains(t, offer.SDP, "a=recvonly")

	require.NoError(t, conn.Close())
	require.Equal(t, 0, e.OpenConnections())
	require.NoError(t, conn.Close())

	_, err = e.NewConnection()
	require.NoError(t, err)
	require.Equal(t, 1, e.OpenConnections())

	e.Dispose()
	require.Equal(t, 0, e.OpenConnections())
	e.Dispose()

	_, err = e.NewConnection()
	require.ErrorIs(t, err, errors.ErrEngineNotReady)
	require.ErrorIs(t, e.Initialize(), errors.ErrEngineNotReady)
}

func TestAddTransceiverUnknownKind(t *testing.T) {
	e := New(newTestConfig())
	require.NoError(t, e.Initialize())
	defer e.Dispose()

	conn, err := e.NewConnection()
	require.NoError(t, err)

	err = conn.AddTransceiver(types.Unknown, webrtc.RTPTransceiverDirectionRecvonly)
	require.ErrorIs(t, err, errors.ErrConnection)
}
