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

package rtc

import (
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/whep/pkg/errors"
	"github.com/livekit/whep/pkg/types"
	"github.com/livekit/whep/pkg/utils"
)

// PeerConnection implements MediaConnection on top of a pion peer connection.
// Pion only keeps a single handler per event, so every event is fanned out to
// the registered listeners.
type PeerConnection struct {
	pc     *webrtc.PeerConnection
	logger logger.Logger

	trackListeners       utils.Listeners[Track]
	connStateListeners   utils.Listeners[webrtc.PeerConnectionState]
	gatheringListeners   utils.Listeners[webrtc.ICEGatheringState]
	negotiationListeners utils.Listeners[struct{}]
}

var _ MediaConnection = (*PeerConnection)(nil)

func NewPeerConnection(api *webrtc.API, conf webrtc.Configuration, l logger.Logger) (*PeerConnection, error) {
	pc, err := api.NewPeerConnection(conf)
	if err != nil {
		return nil, errors.NewConnectionError("create peer connection", err)
	}

	c := &PeerConnection{
		pc:     pc,
		logger: l,
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.logger.Infow("track has started",
			"type", track.PayloadType(),
			"codec", track.Codec().MimeType,
			"kind", types.StreamKindFromCodecType(track.Kind()),
			"trackID", track.ID(),
		)
		c.trackListeners.Emit(track)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.logger.Infow("Peer Connection State changed", "state", state.String())
		c.connStateListeners.Emit(state)
	})
	pc.OnICEGatheringStateChange(func(state webrtc.ICEGatheringState) {
		c.logger.Debugw("ICE gathering state changed", "state", state.String())
		c.gatheringListeners.Emit(state)
	})
	pc.OnNegotiationNeeded(func() {
		c.logger.Debugw("negotiation needed")
		c.negotiationListeners.Emit(struct{}{})
	})

	return c, nil
}

func (c *PeerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, errors.NewConnectionError("create offer", err)
	}
	return offer, nil
}

func (c *PeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return errors.NewConnectionError("set local description", c.pc.SetLocalDescription(desc))
}

func (c *PeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return errors.NewConnectionError("set remote description", c.pc.SetRemoteDescription(desc))
}

func (c *PeerConnection) LocalDescription() *webrtc.SessionDescription {
	return c.pc.LocalDescription()
}

func (c *PeerConnection) AddTransceiver(kind types.StreamKind, direction webrtc.RTPTransceiverDirection) error {
	typ := kind.CodecType()
	if typ == 0 {
		return errors.NewConnectionError("add transceiver", errors.New("unknown stream kind "+string(kind)))
	}

	_, err := c.pc.AddTransceiverFromKind(typ, webrtc.RTPTransceiverInit{
		Direction: direction,
	})
	return errors.NewConnectionError("add transceiver", err)
}

func (c *PeerConnection) ConnectionState() webrtc.PeerConnectionState {
	return c.pc.ConnectionState()
}

func (c *PeerConnection) ICEGatheringState() webrtc.ICEGatheringState {
	return c.pc.ICEGatheringState()
}

func (c *PeerConnection) WritePLI(track Track) error {
	c.logger.Debugw("sending PLI request", "ssrc", track.SSRC())
	pli := []rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
	}
	return errors.NewConnectionError("write PLI", c.pc.WriteRTCP(pli))
}

func (c *PeerConnection) OnTrack(f func(track Track)) utils.Unsubscribe {
	return c.trackListeners.Add(f)
}

func (c *PeerConnection) OnConnectionStateChange(f func(state webrtc.PeerConnectionState)) utils.Unsubscribe {
	return c.connStateListeners.Add(f)
}

func (c *PeerConnection) OnICEGatheringStateChange(f func(state webrtc.ICEGatheringState)) utils.Unsubscribe {
	return c.gatheringListeners.Add(f)
}

func (c *PeerConnection) OnNegotiationNeeded(f func()) utils.Unsubscribe {
	return c.negotiationListeners.Add(func(struct{}) { f() })
}

// Close drops all listeners before closing so no callback is delivered once Close returns.
func (c *PeerConnection) Close() error {
	c.trackListeners.Clear()
	c.connStateListeners.Clear()
	c.gatheringListeners.Clear()
	c.negotiationListeners.Clear()

	return errors.NewConnectionError("close peer connection", c.pc.Close())
}
