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

package whep

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"
	protoutils "github.com/livekit/protocol/utils"

	"github.com/livekit/whep/pkg/config"
	"github.com/livekit/whep/pkg/errors"
	"github.com/livekit/whep/pkg/rtc"
	"github.com/livekit/whep/pkg/stats"
	"github.com/livekit/whep/pkg/types"
	"github.com/livekit/whep/pkg/utils"
)

const (
	sessionPrefix   = "WS_"
	eventQueueDepth = 32
)

// SessionHandler receives the lifecycle events of a Session. Callbacks are
// made from the session goroutine, one at a time.
type SessionHandler interface {
	// OnStreamReady fires at most once, when the connection reports connected
	// after the answer has been applied.
	OnStreamReady(s *Session, stream *rtc.MediaStream)
	// OnTrackAdded fires for tracks admitted to the stream after OnStreamReady.
	OnTrackAdded(s *Session, track rtc.Track)
	// OnError fires once, when the session fails.
	OnError(s *Session, err error)
	OnLog(s *Session, msg string, keysAndValues ...any)
}

type eventKind int

const (
	eventNegotiationNeeded eventKind = iota
	eventConnectionState
	eventTrack
)

type event struct {
	kind  eventKind
	state webrtc.PeerConnectionState
	track rtc.Track
}

// Session drives a single WHEP negotiation on a connection it owns exclusively.
type Session struct {
	id       string
	conf     *config.Config
	conn     rtc.MediaConnection
	signaler *Signaler
	handler  SessionHandler
	monitor  *stats.Monitor
	logger   logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events *utils.BlockingQueue[event]

	negotiating atomic.Bool
	started     atomic.Bool

	lock             sync.Mutex
	state            types.NegotiationState
	localDesc        *webrtc.SessionDescription
	remoteDesc       *webrtc.SessionDescription
	resourceLocation string
	stream           *rtc.MediaStream
	streamReady      bool
	failed           bool
	unsubscribes     []utils.Unsubscribe

	teardownOnce sync.Once
	closed       core.Fuse
	done         core.Fuse
}

func NewSession(conf *config.Config, conn rtc.MediaConnection, handler SessionHandler, monitor *stats.Monitor) (*Session, error) {
	id := protoutils.NewGuid(sessionPrefix)
	l := logger.GetLogger().WithValues("sessionID", id, "endpoint", conf.Endpoint)

	signaler, err := NewSignaler(conf, monitor, l)
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:       id,
		conf:     conf,
		conn:     conn,
		signaler: signaler,
		handler:  handler,
		monitor:  monitor,
		logger:   l,
		events:   utils.NewBlockingQueue[event](eventQueueDepth),
		state:    types.NegotiationIdle,
		stream:   rtc.NewMediaStream(),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	return s, nil
}

// Start subscribes to the connection and launches the negotiation goroutine.
// The receive-only transceivers are added from that goroutine, which in turn
// triggers the negotiation needed signal.
func (s *Session) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("session already started")
	}
	if s.closed.IsBroken() {
		return errors.ErrSessionClosed
	}

	s.lock.Lock()
	s.unsubscribes = append(s.unsubscribes,
		s.conn.OnNegotiationNeeded(func() {
			s.events.PushBack(event{kind: eventNegotiationNeeded})
		}),
		s.conn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
			s.events.PushBack(event{kind: eventConnectionState, state: state})
		}),
		s.conn.OnTrack(func(track rtc.Track) {
			s.events.PushBack(event{kind: eventTrack, track: track})
		}),
	)
	s.lock.Unlock()

	s.monitor.SessionStarted()
	go s.run()

	return nil
}

// Close stops the session without waiting for the negotiation goroutine.
// No handler callback is made for events that happen after Close.
func (s *Session) Close() {
	s.closed.Break()
	s.teardown()
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() types.NegotiationState {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.state
}

// ResourceLocation returns the WHEP resource URL once the session is connected.
func (s *Session) ResourceLocation() (string, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.state != types.NegotiationConnected {
		return "", false
	}
	return s.resourceLocation, true
}

func (s *Session) LocalDescription() *webrtc.SessionDescription {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.localDesc
}

func (s *Session) RemoteDescription() *webrtc.SessionDescription {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.remoteDesc
}

func (s *Session) Stream() *rtc.MediaStream {
	return s.stream
}

// Done is closed once the negotiation goroutine has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done.Watch()
}

func (s *Session) Closed() <-chan struct{} {
	return s.closed.Watch()
}

func (s *Session) run() {
	defer s.done.Break()
	defer func() {
		if r := recover(); r != nil {
			s.fail(errors.ErrUnexpectedPanic(r))
		}
	}()

	for _, kind := range []types.StreamKind{types.Video, types.Audio} {
		if err := s.conn.AddTransceiver(kind, webrtc.RTPTransceiverDirectionRecvonly); err != nil {
			s.fail(err)
			return
		}
	}

	for {
		ev, err := s.events.PopFront()
		if err != nil {
			return
		}

		switch ev.kind {
		case eventNegotiationNeeded:
			if !s.negotiating.CompareAndSwap(false, true) {
				s.logger.Debugw("negotiation already started, ignoring signal")
				continue
			}
			if err := s.negotiate(); err != nil {
				s.fail(err)
			}

		case eventConnectionState:
			s.handleConnectionState(ev.state)

		case eventTrack:
			s.handleTrack(ev.track)
		}
	}
}

func (s *Session) negotiate() error {
	offer, err := s.conn.CreateOffer()
	if err != nil {
		return err
	}
	if err = s.conn.SetLocalDescription(offer); err != nil {
		return err
	}
	s.setState(types.NegotiationOfferCreated)

	s.setState(types.NegotiationAwaitingICE)
	start := time.Now()
	local := rtc.AwaitGatheringComplete(s.ctx, s.conn, s.conf.ICEGatheringTimeout)
	s.monitor.ICEGatheringDone(time.Since(start), local != nil)
	if local == nil {
		if s.ctx.Err() != nil {
			return errors.ErrSessionClosed
		}
		return fmt.Errorf("%w after %s", errors.ErrICEGatheringTimeout, s.conf.ICEGatheringTimeout)
	}

	s.lock.Lock()
	s.localDesc = local
	s.lock.Unlock()
	s.setState(types.NegotiationNegotiating)

	outcome, err := s.signaler.Exchange(s.ctx, local.SDP, s.isClosed)
	if err != nil {
		return err
	}
	if outcome.Kind != Accepted {
		return outcome.Err
	}

	// an answer arriving after Close belongs to a dead session
	if s.closed.IsBroken() {
		return errors.ErrSessionClosed
	}

	answer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  outcome.AnswerSDP,
	}
	if err = s.validateAnswer(answer); err != nil {
		return err
	}
	if err = s.conn.SetRemoteDescription(answer); err != nil {
		return err
	}

	s.lock.Lock()
	s.remoteDesc = &answer
	s.resourceLocation = outcome.ResourceLocation
	s.lock.Unlock()
	s.log("answer applied, waiting for connection", "location", outcome.ResourceLocation)

	return nil
}

func (s *Session) validateAnswer(answer webrtc.SessionDescription) error {
	parsed := sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(answer.SDP)); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrMalformedAnswer, err)
	}
	if len(parsed.MediaDescriptions) == 0 {
		return fmt.Errorf("%w: no media section", errors.ErrMalformedAnswer)
	}

	for _, m := range parsed.MediaDescriptions {
		// Pion puts a media description with port 0 or no attributes for unsupported codecs
		if m.MediaName.Port.Value == 0 || len(m.Attributes) == 0 {
			s.logger.Infow("media section rejected by server", "media", m.MediaName.Media)
		}
	}
	return nil
}

func (s *Session) handleConnectionState(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.lock.Lock()
		if s.remoteDesc == nil || s.streamReady || s.failed {
			s.lock.Unlock()
			return
		}
		s.streamReady = true
		s.state = types.NegotiationConnected
		s.lock.Unlock()

		s.monitor.NegotiationEnded(stats.ResultConnected)
		s.log("session connected", "state", types.NegotiationConnected)
		if video := s.stream.VideoTrack(); video != nil {
			s.requestKeyFrame(video)
		}
		if !s.closed.IsBroken() && s.handler != nil {
			s.handler.OnStreamReady(s, s.stream)
		}

	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		s.fail(errors.NewConnectionError("peer connection", fmt.Errorf("connection %s", state.String())))

	case webrtc.PeerConnectionStateDisconnected:
		s.logger.Infow("peer connection disconnected, waiting for recovery")
	}
}

func (s *Session) handleTrack(track rtc.Track) {
	if !s.stream.AddTrack(track) {
		s.logger.Debugw("dropping duplicate track", "trackID", track.ID(), "kind", types.StreamKindFromCodecType(track.Kind()))
		return
	}

	s.lock.Lock()
	ready := s.streamReady
	s.lock.Unlock()

	if !ready {
		return
	}
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		s.requestKeyFrame(track)
	}
	if !s.closed.IsBroken() && s.handler != nil {
		s.handler.OnTrackAdded(s, track)
	}
}

func (s *Session) requestKeyFrame(track rtc.Track) {
	if err := s.conn.WritePLI(track); err != nil {
		s.logger.Warnw("failed writing PLI", err, "ssrc", track.SSRC())
	}
}

// fail reports the first error through the handler and tears the session down.
// Later errors are logged only.
func (s *Session) fail(err error) {
	s.lock.Lock()
	if s.failed {
		s.lock.Unlock()
		s.logger.Debugw("ignoring error on failed session", "error", err)
		return
	}
	s.failed = true
	connected := s.streamReady
	s.state = types.NegotiationFailed
	s.lock.Unlock()

	closed := s.closed.IsBroken()
	switch {
	case closed:
		s.monitor.NegotiationEnded(stats.ResultCancelled)
	case !connected:
		s.monitor.NegotiationEnded(stats.ResultFailed)
	}

	if !closed {
		s.logger.Warnw("session failed", err, "connected", connected)
		if s.handler != nil {
			s.handler.OnError(s, err)
		}
	}

	s.teardown()
}

func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		s.cancel()

		s.lock.Lock()
		unsubscribes := s.unsubscribes
		s.unsubscribes = nil
		s.lock.Unlock()
		for _, unsubscribe := range unsubscribes {
			unsubscribe()
		}

		s.events.Close()
		if err := s.conn.Close(); err != nil {
			s.logger.Warnw("failed closing connection", err)
		}

		if s.started.Load() {
			s.monitor.SessionEnded()
		} else {
			s.done.Break()
		}
	})
}

func (s *Session) isClosed() bool {
	return s.closed.IsBroken() || s.conn.ConnectionState() == webrtc.PeerConnectionStateClosed
}

func (s *Session) setState(state types.NegotiationState) {
	s.lock.Lock()
	if s.failed {
		s.lock.Unlock()
		return
	}
	s.state = state
	s.lock.Unlock()

	s.log("negotiation state changed", "state", state)
}

func (s *Session) log(msg string, keysAndValues ...any) {
	if s.handler != nil && !s.closed.IsBroken() {
		s.handler.OnLog(s, msg, keysAndValues...)
		return
	}
	s.logger.Debugw(msg, keysAndValues...)
}
