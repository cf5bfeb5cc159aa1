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
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/logger/pionlogger"

	"github.com/livekit/whep/pkg/config"
	"github.com/livekit/whep/pkg/errors"
	"github.com/livekit/whep/pkg/rtc"
)

// Engine owns the process wide WebRTC API. It is created once by the host
// application and handed to whatever creates playback sessions.
type Engine struct {
	conf *config.Config

	lock        sync.Mutex
	api         *webrtc.API
	connections map[*rtc.PeerConnection]struct{}
	disposed    bool
}

func New(conf *config.Config) *Engine {
	return &Engine{
		conf:        conf,
		connections: make(map[*rtc.PeerConnection]struct{}),
	}
}

func (e *Engine) Initialize() error {
	e.lock.Lock()
	defer e.lock.Unlock()

	if e.disposed {
		return errors.ErrEngineNotReady
	}
	if e.api != nil {
		return nil
	}

	api, err := NewAPI(e.conf.ICEPortRange, e.conf.EnableLoopbackCandidate)
	if err != nil {
		return err
	}
	e.api = api

	logger.Infow("media engine initialized", "iceServers", len(e.conf.ICEServers))
	return nil
}

// NewAPI builds a pion API with the default codecs and interceptors. Pion
// logs through the livekit logger.
func NewAPI(icePortRange []uint16, includeLoopback bool) (*webrtc.API, error) {
	webrtcSettings := webrtc.SettingEngine{
		LoggerFactory: pionlogger.NewLoggerFactory(logger.GetLogger()),
	}

	var icePortStart, icePortEnd uint16
	if len(icePortRange) == 2 {
		icePortStart = icePortRange[0]
		icePortEnd = icePortRange[1]
	}
	if icePortStart != 0 || icePortEnd != 0 {
		if err := webrtcSettings.SetEphemeralUDPPortRange(icePortStart, icePortEnd); err != nil {
			return nil, err
		}
	}
	webrtcSettings.SetIncludeLoopbackCandidate(includeLoopback)

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	// NACKs, RTCP reports and TWCC, as webrtc.NewPeerConnection would do
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, err
	}

	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(webrtcSettings), webrtc.WithInterceptorRegistry(i)), nil
}

// NewConnection creates a peer connection without transceivers. The caller
// subscribes to its events before adding them.
func (e *Engine) NewConnection() (rtc.MediaConnection, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if e.disposed || e.api == nil {
		return nil, errors.NewConnectionError("create peer connection", errors.ErrEngineNotReady)
	}

	pc, err := rtc.NewPeerConnection(e.api, e.webRTCConfiguration(), logger.GetLogger())
	if err != nil {
		return nil, err
	}
	e.connections[pc] = struct{}{}

	return &trackedConnection{PeerConnection: pc, engine: e}, nil
}

// Dispose closes every connection still open. The engine cannot be used afterwards.
func (e *Engine) Dispose() {
	e.lock.Lock()
	if e.disposed {
		e.lock.Unlock()
		return
	}
	e.disposed = true
	e.api = nil
	connections := e.connections
	e.connections = make(map[*rtc.PeerConnection]struct{})
	e.lock.Unlock()

	for pc := range connections {
		if err := pc.Close(); err != nil {
			logger.Warnw("failed closing peer connection", err)
		}
	}
	logger.Infow("media engine disposed", "closedConnections", len(connections))
}

func (e *Engine) OpenConnections() int {
	e.lock.Lock()
	defer e.lock.Unlock()

	return len(e.connections)
}

func (e *Engine) webRTCConfiguration() webrtc.Configuration {
	iceServers := make([]webrtc.ICEServer, 0, len(e.conf.ICEServers))
	for _, s := range e.conf.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	return webrtc.Configuration{
		ICEServers:   iceServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
		BundlePolicy: webrtc.BundlePolicyMaxBundle,
	}
}

func (e *Engine) release(pc *rtc.PeerConnection) {
	e.lock.Lock()
	defer e.lock.Unlock()

	delete(e.connections, pc)
}

type trackedConnection struct {
	*rtc.PeerConnection
	engine *Engine
	once   sync.Once
}

func (c *trackedConnection) Close() error {
	var err error
	c.once.Do(func() {
		c.engine.release(c.PeerConnection)
		err = c.PeerConnection.Close()
	})
	return err
}
