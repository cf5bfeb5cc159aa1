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

package player

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/whep/pkg/config"
	"github.com/livekit/whep/pkg/errors"
	"github.com/livekit/whep/pkg/rtc"
	"github.com/livekit/whep/pkg/stats"
	"github.com/livekit/whep/pkg/types"
	"github.com/livekit/whep/pkg/utils"
	"github.com/livekit/whep/pkg/whep"
)

// ConnectionFactory creates the media connection of every new session.
// *engine.Engine implements it.
type ConnectionFactory interface {
	NewConnection() (rtc.MediaConnection, error)
}

// VideoSink consumes the published video track. track is nil when playback stops.
type VideoSink interface {
	OnVideoTrackChanged(track rtc.Track)
}

// AudioSink consumes the published audio track. track is nil when playback stops.
type AudioSink interface {
	OnAudioTrackChanged(track rtc.Track)
}

// Player plays a single WHEP endpoint. Sink and state change notifications
// are synchronous and must not call back into the Player.
type Player struct {
	conf    *config.Config
	factory ConnectionFactory
	monitor *stats.Monitor
	logger  logger.Logger

	// opLock serializes Play, Stop and session events
	opLock sync.Mutex

	stateLock sync.RWMutex
	state     types.PlayerState
	session   *whep.Session
	err       error
	video     rtc.Track
	audio     rtc.Track

	videoSinks     utils.Listeners[rtc.Track]
	audioSinks     utils.Listeners[rtc.Track]
	stateListeners utils.Listeners[types.PlayerState]
}

func New(conf *config.Config, factory ConnectionFactory, monitor *stats.Monitor) *Player {
	return &Player{
		conf:    conf,
		factory: factory,
		monitor: monitor,
		logger:  logger.GetLogger().WithValues("endpoint", conf.Endpoint),
		state:   types.PlayerNone,
	}
}

func (p *Player) AddVideoSink(sink VideoSink) utils.Unsubscribe {
	return p.videoSinks.Add(sink.OnVideoTrackChanged)
}

func (p *Player) AddAudioSink(sink AudioSink) utils.Unsubscribe {
	return p.audioSinks.Add(sink.OnAudioTrackChanged)
}

func (p *Player) OnStateChange(f func(state types.PlayerState)) utils.Unsubscribe {
	return p.stateListeners.Add(f)
}

// Play starts a new session, stopping the current one first.
func (p *Player) Play() error {
	p.opLock.Lock()
	defer p.opLock.Unlock()

	if p.State() != types.PlayerNone {
		p.stop()
	}

	conn, err := p.factory.NewConnection()
	if err != nil {
		p.setError(err)
		return err
	}

	session, err := whep.NewSession(p.conf, conn, &sessionHandler{p: p}, p.monitor)
	if err != nil {
		_ = conn.Close()
		p.setError(err)
		return err
	}

	p.stateLock.Lock()
	p.session = session
	p.err = nil
	p.stateLock.Unlock()
	p.setState(types.PlayerConnecting)

	if err = session.Start(); err != nil {
		session.Close()
		p.setError(err)
		return err
	}

	p.logger.Infow("playback starting", "sessionID", session.ID())
	return nil
}

// Stop tears down the current session and returns to None. It is safe to call from any state.
func (p *Player) Stop() {
	p.opLock.Lock()
	defer p.opLock.Unlock()

	p.stop()
}

func (p *Player) stop() {
	p.stateLock.Lock()
	session := p.session
	p.session = nil
	p.err = nil
	p.stateLock.Unlock()

	p.unpublish()
	if session != nil {
		session.Close()
		p.logger.Infow("playback stopped", "sessionID", session.ID())
	}
	p.setState(types.PlayerNone)
}

func (p *Player) State() types.PlayerState {
	p.stateLock.RLock()
	defer p.stateLock.RUnlock()

	return p.state
}

// Session returns the current session, or nil when stopped.
func (p *Player) Session() *whep.Session {
	p.stateLock.RLock()
	defer p.stateLock.RUnlock()

	return p.session
}

// Err returns the error that moved the player to Error.
func (p *Player) Err() error {
	p.stateLock.RLock()
	defer p.stateLock.RUnlock()

	return p.err
}

func (p *Player) VideoTrack() rtc.Track {
	p.stateLock.RLock()
	defer p.stateLock.RUnlock()

	return p.video
}

func (p *Player) AudioTrack() rtc.Track {
	p.stateLock.RLock()
	defer p.stateLock.RUnlock()

	return p.audio
}

func (p *Player) onStreamReady(s *whep.Session, stream *rtc.MediaStream) {
	p.opLock.Lock()
	defer p.opLock.Unlock()

	if !p.isCurrent(s) {
		return
	}

	if video := stream.VideoTrack(); video != nil {
		p.publish(video)
	}
	if audio := stream.AudioTrack(); audio != nil {
		p.publish(audio)
	}
	p.setState(types.PlayerPlaying)
	p.logger.Infow("playing", "sessionID", s.ID(), "tracks", stream.Len())
}

func (p *Player) onTrackAdded(s *whep.Session, track rtc.Track) {
	p.opLock.Lock()
	defer p.opLock.Unlock()

	if !p.isCurrent(s) || p.State() != types.PlayerPlaying {
		return
	}
	p.publish(track)
}

func (p *Player) onError(s *whep.Session, err error) {
	p.opLock.Lock()
	defer p.opLock.Unlock()

	if !p.isCurrent(s) {
		p.logger.Debugw("ignoring error from stale session", "sessionID", s.ID(), "error", err)
		return
	}

	p.logger.Errorw("playback failed", err, "sessionID", s.ID())
	p.unpublish()
	p.setError(err)
}

// publish sets the track of its kind if the slot is empty.
func (p *Player) publish(track rtc.Track) {
	p.stateLock.Lock()
	var sinks *utils.Listeners[rtc.Track]
	switch track.Kind() {
	case webrtc.RTPCodecTypeVideo:
		if p.video == nil {
			p.video = track
			sinks = &p.videoSinks
		}
	case webrtc.RTPCodecTypeAudio:
		if p.audio == nil {
			p.audio = track
			sinks = &p.audioSinks
		}
	}
	p.stateLock.Unlock()

	if sinks == nil {
		p.logger.Debugw("track not published", "trackID", track.ID(), "kind", track.Kind().String())
		return
	}
	sinks.Emit(track)
}

func (p *Player) unpublish() {
	p.stateLock.Lock()
	hadVideo, hadAudio := p.video != nil, p.audio != nil
	p.video, p.audio = nil, nil
	p.stateLock.Unlock()

	if hadVideo {
		p.videoSinks.Emit(nil)
	}
	if hadAudio {
		p.audioSinks.Emit(nil)
	}
}

func (p *Player) isCurrent(s *whep.Session) bool {
	p.stateLock.RLock()
	defer p.stateLock.RUnlock()

	return p.session == s
}

func (p *Player) setError(err error) {
	if err == nil {
		err = errors.ErrUnexpected
	}
	p.stateLock.Lock()
	p.err = err
	p.stateLock.Unlock()

	p.setState(types.PlayerError)
}

func (p *Player) setState(state types.PlayerState) {
	p.stateLock.Lock()
	if p.state == state {
		p.stateLock.Unlock()
		return
	}
	p.state = state
	p.stateLock.Unlock()

	p.stateListeners.Emit(state)
}

type sessionHandler struct {
	p *Player
}

func (h *sessionHandler) OnStreamReady(s *whep.Session, stream *rtc.MediaStream) {
	h.p.onStreamReady(s, stream)
}

func (h *sessionHandler) OnTrackAdded(s *whep.Session, track rtc.Track) {
	h.p.onTrackAdded(s, track)
}

func (h *sessionHandler) OnError(s *whep.Session, err error) {
	h.p.onError(s, err)
}

func (h *sessionHandler) OnLog(s *whep.Session, msg string, keysAndValues ...any) {
	h.p.logger.Debugw(msg, append([]any{"sessionID", s.ID()}, keysAndValues...)...)
}
