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

// Package rtctest provides an in-memory rtc.MediaConnection for tests.
package rtctest

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/livekit/whep/pkg/errors"
	"github.com/livekit/whep/pkg/rtc"
	"github.com/livekit/whep/pkg/types"
	"github.com/livekit/whep/pkg/utils"
)

const offerSDP = "v=0\r\n" +
	"o=- 0 0 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"a=mid:0\r\n" +
	"a=recvonly\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"a=mid:1\r\n" +
	"a=recvonly\r\n"

// Candidate is appended to the local description once gathering completes.
const Candidate = "a=candidate:1 1 udp 2130706431 127.0.0.1 50000 typ host\r\n"

// Connection is a scriptable rtc.MediaConnection. The zero value is not usable, use NewConnection.
type Connection struct {
	// CompleteGatheringOnSetLocal moves gathering to complete as soon as a local description is set.
	CompleteGatheringOnSetLocal bool
	// NegotiationNeededOnTransceiver fires the negotiation needed signal for every added transceiver.
	NegotiationNeededOnTransceiver bool

	CreateOfferErr error
	SetLocalErr    error
	SetRemoteErr   error
	// PanicOnCreateOffer makes CreateOffer panic with this value when set.
	PanicOnCreateOffer any

	lock         sync.Mutex
	local        *webrtc.SessionDescription
	remote       *webrtc.SessionDescription
	transceivers []types.StreamKind
	connState    webrtc.PeerConnectionState
	gatherState  webrtc.ICEGatheringState
	offers       int
	plis         []webrtc.SSRC
	closed       bool

	trackListeners       utils.Listeners[rtc.Track]
	connStateListeners   utils.Listeners[webrtc.PeerConnectionState]
	gatheringListeners   utils.Listeners[webrtc.ICEGatheringState]
	negotiationListeners utils.Listeners[struct{}]
}

var _ rtc.MediaConnection = (*Connection)(nil)

func NewConnection() *Connection {
	return &Connection{
		CompleteGatheringOnSetLocal:    true,
		NegotiationNeededOnTransceiver: true,
		connState:                      webrtc.PeerConnectionStateNew,
		gatherState:                    webrtc.ICEGatheringStateNew,
	}
}

func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	if c.PanicOnCreateOffer != nil {
		panic(c.PanicOnCreateOffer)
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return webrtc.SessionDescription{}, errors.NewConnectionError("create offer", webrtc.ErrConnectionClosed)
	}
	if c.CreateOfferErr != nil {
		return webrtc.SessionDescription{}, errors.NewConnectionError("create offer", c.CreateOfferErr)
	}
	c.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}, nil
}

func (c *Connection) SetLocalDescription(desc webrtc.SessionDescription) error {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return errors.NewConnectionError("set local description", webrtc.ErrConnectionClosed)
	}
	if c.SetLocalErr != nil {
		c.lock.Unlock()
		return errors.NewConnectionError("set local description", c.SetLocalErr)
	}
	c.local = &desc
	complete := c.CompleteGatheringOnSetLocal
	c.lock.Unlock()

	c.SetGatheringState(webrtc.ICEGatheringStateGathering)
	if complete {
		c.SetGatheringState(webrtc.ICEGatheringStateComplete)
	}
	return nil
}

func (c *Connection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return errors.NewConnectionError("set remote description", webrtc.ErrConnectionClosed)
	}
	if c.SetRemoteErr != nil {
		return errors.NewConnectionError("set remote description", c.SetRemoteErr)
	}
	if c.local == nil {
		return errors.NewConnectionError("set remote description", fmt.Errorf("no local description"))
	}
	c.remote = &desc
	return nil
}

func (c *Connection) LocalDescription() *webrtc.SessionDescription {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.local == nil {
		return nil
	}
	desc := *c.local
	if c.gatherState == webrtc.ICEGatheringStateComplete {
		desc.SDP += Candidate
	}
	return &desc
}

func (c *Connection) RemoteDescription() *webrtc.SessionDescription {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.remote
}

func (c *Connection) AddTransceiver(kind types.StreamKind, direction webrtc.RTPTransceiverDirection) error {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return errors.NewConnectionError("add transceiver", webrtc.ErrConnectionClosed)
	}
	c.transceivers = append(c.transceivers, kind)
	fire := c.NegotiationNeededOnTransceiver
	c.lock.Unlock()

	if fire {
		c.FireNegotiationNeeded()
	}
	return nil
}

func (c *Connection) Transceivers() []types.StreamKind {
	c.lock.Lock()
	defer c.lock.Unlock()

	return append([]types.StreamKind(nil), c.transceivers...)
}

func (c *Connection) ConnectionState() webrtc.PeerConnectionState {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.connState
}

func (c *Connection) ICEGatheringState() webrtc.ICEGatheringState {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.gatherState
}

func (c *Connection) WritePLI(track rtc.Track) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.plis = append(c.plis, track.SSRC())
	return nil
}

func (c *Connection) PLIs() []webrtc.SSRC {
	c.lock.Lock()
	defer c.lock.Unlock()

	return append([]webrtc.SSRC(nil), c.plis...)
}

func (c *Connection) OnTrack(f func(track rtc.Track)) utils.Unsubscribe {
	return c.trackListeners.Add(f)
}

func (c *Connection) OnConnectionStateChange(f func(state webrtc.PeerConnectionState)) utils.Unsubscribe {
	return c.connStateListeners.Add(f)
}

func (c *Connection) OnICEGatheringStateChange(f func(state webrtc.ICEGatheringState)) utils.Unsubscribe {
	return c.gatheringListeners.Add(f)
}

func (c *Connection) OnNegotiationNeeded(f func()) utils.Unsubscribe {
	return c.negotiationListeners.Add(func(struct{}) { f() })
}

func (c *Connection) Close() error {
	c.lock.Lock()
	c.closed = true
	c.connState = webrtc.PeerConnectionStateClosed
	c.lock.Unlock()

	c.trackListeners.Clear()
	c.connStateListeners.Clear()
	c.gatheringListeners.Clear()
	c.negotiationListeners.Clear()
	return nil
}

func (c *Connection) IsClosed() bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.closed
}

func (c *Connection) Offers() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.offers
}

// ListenerCount returns the number of live subscriptions across all events.
func (c *Connection) ListenerCount() int {
	return c.trackListeners.Len() + c.connStateListeners.Len() + c.gatheringListeners.Len() + c.negotiationListeners.Len()
}

func (c *Connection) GatheringListenerCount() int {
	return c.gatheringListeners.Len()
}

func (c *Connection) SetGatheringState(state webrtc.ICEGatheringState) {
	c.lock.Lock()
	c.gatherState = state
	c.lock.Unlock()

	c.gatheringListeners.Emit(state)
}

func (c *Connection) SetConnectionState(state webrtc.PeerConnectionState) {
	c.lock.Lock()
	c.connState = state
	c.lock.Unlock()

	c.connStateListeners.Emit(state)
}

func (c *Connection) EmitTrack(track rtc.Track) {
	c.trackListeners.Emit(track)
}

func (c *Connection) FireNegotiationNeeded() {
	c.negotiationListeners.Emit(struct{}{})
}

// Track is a static rtc.Track.
type Track struct {
	TrackID     string
	Stream      string
	TrackKind   webrtc.RTPCodecType
	TrackSSRC   webrtc.SSRC
	MimeType    string
	ClockRate   uint32
	PayloadType webrtc.PayloadType
}

func NewVideoTrack(id string, ssrc webrtc.SSRC) *Track {
	return &Track{TrackID: id, Stream: "whep", TrackKind: webrtc.RTPCodecTypeVideo, TrackSSRC: ssrc, MimeType: webrtc.MimeTypeVP8, ClockRate: 90000, PayloadType: 96}
}

func NewAudioTrack(id string, ssrc webrtc.SSRC) *Track {
	return &Track{TrackID: id, Stream: "whep", TrackKind: webrtc.RTPCodecTypeAudio, TrackSSRC: ssrc, MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, PayloadType: 111}
}

func (t *Track) ID() string                { return t.TrackID }
func (t *Track) StreamID() string          { return t.Stream }
func (t *Track) Kind() webrtc.RTPCodecType { return t.TrackKind }
func (t *Track) SSRC() webrtc.SSRC         { return t.TrackSSRC }

func (t *Track) Codec() webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: t.MimeType, ClockRate: t.ClockRate},
		PayloadType:        t.PayloadType,
	}
}
