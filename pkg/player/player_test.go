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
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/livekit/whep/pkg/config"
	"github.com/livekit/whep/pkg/errors"
	"github.com/livekit/whep/pkg/rtc"
	"github.com/livekit/whep/pkg/rtc/rtctest"
	"github.com/livekit/whep/pkg/types"
)

const testAnswer = "v=0\r\n" +
	"o=- 1 1 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 127.0.0.1\r\n" +
	"a=mid:0\r\n" +
	"a=sendonly\r\n" +
	"a=rtpmap:96 VP8/90000\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 127.0.0.1\r\n" +
	"a=mid:1\r\n" +
	"a=sendonly\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n"

type fakeFactory struct {
	lock  sync.Mutex
	conns []*rtctest.Connection
	err   error
}

func (f *fakeFactory) NewConnection() (rtc.MediaConnection, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	conn := rtctest.NewConnection()
	f.conns = append(f.conns, conn)
	return conn, nil
}

func (f *fakeFactory) conn(i int) *rtctest.Connection {
	f.lock.Lock()
	defer f.lock.Unlock()

	return f.conns[i]
}

func (f *fakeFactory) count() int {
	f.lock.Lock()
	defer f.lock.Unlock()

	return len(f.conns)
}

type recordingSink struct {
	lock   sync.Mutex
	video  []rtc.Track
	audio  []rtc.Track
	states []types.PlayerState
}

func (s *recordingSink) OnVideoTrackChanged(track rtc.Track) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.video = append(s.video, track)
}

func (s *recordingSink) OnAudioTrackChanged(track rtc.Track) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.audio = append(s.audio, track)
}

func (s *recordingSink) onState(state types.PlayerState) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.states = append(s.states, state)
}

func (s *recordingSink) snapshot() ([]rtc.Track, []rtc.Track, []types.PlayerState) {
	s.lock.Lock()
	defer s.lock.Unlock()

	return append([]rtc.Track(nil), s.video...),
		append([]rtc.Track(nil), s.audio...),
		append([]types.PlayerState(nil), s.states...)
}

// whepHandler answers with the given statuses in order, then with 201.
func whepHandler(statuses ...int) http.HandlerFunc {
	var lock sync.Mutex
	return func(w http.ResponseWriter, r *http.Request) {
		lock.Lock()
		status := http.StatusCreated
		if len(statuses) > 0 {
			status = statuses[0]
			statuses = statuses[1:]
		}
		lock.Unlock()

		if status != http.StatusCreated {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Location", "/whep/resource/1")
		w.Header().Set("Content-Type", "application/sdp")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(testAnswer))
	}
}

func newTestPlayer(t *testing.T, endpoint string) (*Player, *fakeFactory, *recordingSink) {
	conf := &config.Config{
		Endpoint:            endpoint,
		ICEGatheringTimeout: time.Second,
		Retry:               config.RetryConfig{Delay: 10 * time.Millisecond},
	}
	conf.ApplyDefaults()

	factory := &fakeFactory{}
	sink := &recordingSink{}
	p := New(conf, factory, nil)
	p.AddVideoSink(sink)
	p.AddAudioSink(sink)
	p.OnStateChange(sink.onState)
	t.Cleanup(p.Stop)
	return p, factory, sink
}

func waitForAnswer(t *testing.T, conn *rtctest.Connection) {
	require.Eventually(t, func() bool {
		return conn.RemoteDescription() != nil
	}, 5*time.Second, 5*time.Millisecond)
}

func waitForState(t *testing.T, p *Player, state types.PlayerState) {
	require.Eventually(t, func() bool {
		return p.State() == state
	}, 5*time.Second, 5*time.Millisecond)
}

func TestPlayerPlays(t *testing.T) {
	srv := httptest.NewServer(whepHandler())
	defer srv.Close()
	p, factory, sink := newTestPlayer(t, srv.URL)

	require.Equal(t, types.PlayerNone, p.State())
	require.NoError(t, p.Play())
	require.Equal(t, types.PlayerConnecting, p.State())

	conn := factory.conn(0)
	waitForAnswer(t, conn)

	video := rtctest.NewVideoTrack("video", 1)
	audio := rtctest.NewAudioTrack("audio", 2)
	conn.EmitTrack(video)
	conn.EmitTrack(audio)
	conn.EmitTrack(rtctest.NewVideoTrack("video-2", 3))
	conn.SetConnectionState(webrtc.PeerConnectionStateConnected)
	conn.SetConnectionState(webrtc.PeerConnectionStateConnected)

	waitForState(t, p, types.PlayerPlaying)
	time.Sleep(20 * time.Millisecond)

	videos, audios, states := sink.snapshot()
	require.Equal(t, []rtc.Track{video}, videos)
	require.Equal(t, []rtc.Track{audio}, audios)
	require.Equal(t, []types.PlayerState{types.PlayerConnecting, types.PlayerPlaying}, states)
	require.Equal(t, rtc.Track(video), p.VideoTrack())
	require.Equal(t, rtc.Track(audio), p.AudioTrack())

	location, ok := p.Session().ResourceLocation()
	require.True(t, ok)
	require.Equal(t, srv.URL+"/whep/resource/1", location)

	p.Stop()
	require.Equal(t, types.PlayerNone, p.State())
	require.Nil(t, p.Session())
	require.Nil(t, p.VideoTrack())
	require.Nil(t, p.AudioTrack())
	require.True(t, conn.IsClosed())
	require.Equal(t, 0, conn.ListenerCount())

	videos, audios, states = sink.snapshot()
	require.Equal(t, []rtc.Track{video, nil}, videos)
	require.Equal(t, []rtc.Track{audio, nil}, audios)
	require.Equal(t, types.PlayerNone, states[len(states)-1])
}

func TestPlayerPublishesLateTracks(t *testing.T) {
	srv := httptest.NewServer(whepHandler())
	defer srv.Close()
	p, factory, sink := newTestPlayer(t, srv.URL)

	require.NoError(t, p.Play())
	conn := factory.conn(0)
	waitForAnswer(t, conn)

	video := rtctest.NewVideoTrack("video", 1)
	conn.EmitTrack(video)
	conn.SetConnectionState(webrtc.PeerConnectionStateConnected)
	waitForState(t, p, types.PlayerPlaying)

	audio := rtctest.NewAudioTrack("audio", 2)
	conn.EmitTrack(audio)
	require.Eventually(t, func() bool {
		return p.AudioTrack() != nil
	}, 5*time.Second, 5*time.Millisecond)

	videos, audios, _ := sink.snapshot()
	require.Equal(t, []rtc.Track{video}, videos)
	require.Equal(t, []rtc.Track{audio}, audios)
}

func TestPlayerStop(t *testing.T) {
	t.Run("from none", func(t *testing.T) {
		p, factory, sink := newTestPlayer(t, "http://localhost:1/whep")

		p.Stop()
		p.Stop()
		require.Equal(t, types.PlayerNone, p.State())
		require.Equal(t, 0, factory.count())

		videos, audios, states := sink.snapshot()
		require.Empty(t, videos)
		require.Empty(t, audios)
		require.Empty(t, states)
	})

	t.Run("mid negotiation", func(t *testing.T) {
		received := make(chan struct{}, 1)
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			received <- struct{}{}
			<-release
			whepHandler()(w, r)
		}))
		defer srv.Close()
		defer close(release)

		p, factory, sink := newTestPlayer(t, srv.URL)
		require.NoError(t, p.Play())
		session := p.Session()
		<-received

		p.Stop()
		require.Equal(t, types.PlayerNone, p.State())
		require.Nil(t, p.Session())

		conn := factory.conn(0)
		require.True(t, conn.IsClosed())
		require.Equal(t, 0, conn.ListenerCount())

		select {
		case <-session.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("session goroutine did not exit")
		}

		videos, audios, states := sink.snapshot()
		require.Empty(t, videos)
		require.Empty(t, audios)
		require.Equal(t, []types.PlayerState{types.PlayerConnecting, types.PlayerNone}, states)
	})
}

func TestPlayerReplay(t *testing.T) {
	srv := httptest.NewServer(whepHandler())
	defer srv.Close()
	p, factory, sink := newTestPlayer(t, srv.URL)

	require.NoError(t, p.Play())
	first := p.Session()
	firstConn := factory.conn(0)
	waitForAnswer(t, firstConn)
	firstConn.EmitTrack(rtctest.NewVideoTrack("video", 1))
	firstConn.SetConnectionState(webrtc.PeerConnectionStateConnected)
	waitForState(t, p, types.PlayerPlaying)

	require.NoError(t, p.Play())
	require.Equal(t, types.PlayerConnecting, p.State())
	require.Equal(t, 2, factory.count())
	require.NotEqual(t, first, p.Session())
	require.True(t, firstConn.IsClosed())
	require.Equal(t, 0, firstConn.ListenerCount())
	require.Nil(t, p.VideoTrack())

	// the old connection is gone, its events do not reach the new session
	firstConn.SetConnectionState(webrtc.PeerConnectionStateFailed)

	secondConn := factory.conn(1)
	waitForAnswer(t, secondConn)
	secondConn.SetConnectionState(webrtc.PeerConnectionStateConnected)
	waitForState(t, p, types.PlayerPlaying)
	require.NoError(t, p.Err())

	_, _, states := sink.snapshot()
	require.Equal(t, []types.PlayerState{
		types.PlayerConnecting,
		types.PlayerPlaying,
		types.PlayerNone,
		types.PlayerConnecting,
		types.PlayerPlaying,
	}, states)
}

func TestPlayerError(t *testing.T) {
	srv := httptest.NewServer(whepHandler(http.StatusMethodNotAllowed))
	defer srv.Close()
	p, factory, _ := newTestPlayer(t, srv.URL)

	require.NoError(t, p.Play())
	waitForState(t, p, types.PlayerError)
	require.ErrorIs(t, p.Err(), errors.ErrSignalingFatal)
	require.Eventually(t, func() bool {
		return factory.conn(0).IsClosed()
	}, 5*time.Second, 5*time.Millisecond)

	// a new Play starts from scratch
	require.NoError(t, p.Play())
	require.Equal(t, types.PlayerConnecting, p.State())
	require.NoError(t, p.Err())
	waitForAnswer(t, factory.conn(1))
}

func TestPlayerStreamLost(t *testing.T) {
	srv := httptest.NewServer(whepHandler())
	defer srv.Close()
	p, factory, sink := newTestPlayer(t, srv.URL)

	require.NoError(t, p.Play())
	conn := factory.conn(0)
	waitForAnswer(t, conn)
	video := rtctest.NewVideoTrack("video", 1)
	conn.EmitTrack(video)
	conn.SetConnectionState(webrtc.PeerConnectionStateConnected)
	waitForState(t, p, types.PlayerPlaying)

	conn.SetConnectionState(webrtc.PeerConnectionStateFailed)
	waitForState(t, p, types.PlayerError)
	require.ErrorIs(t, p.Err(), errors.ErrConnection)
	require.Nil(t, p.VideoTrack())

	videos, _, _ := sink.snapshot()
	require.Equal(t, []rtc.Track{video, nil}, videos)
}

func TestPlayerConnectionFactoryError(t *testing.T) {
	p, factory, _ := newTestPlayer(t, "http://localhost:1/whep")
	factory.err = errors.NewConnectionError("new connection", errors.ErrEngineNotReady)

	err := p.Play()
	require.ErrorIs(t, err, errors.ErrEngineNotReady)
	require.Equal(t, types.PlayerError, p.State())
	require.Nil(t, p.Session())

	p.Stop()
	require.Equal(t, types.PlayerNone, p.State())
}
