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
	"github.com/pion/webrtc/v4"

	"github.com/livekit/whep/pkg/types"
	"github.com/livekit/whep/pkg/utils"
)

// Track is a remote media track received on a MediaConnection.
type Track interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	SSRC() webrtc.SSRC
	Codec() webrtc.RTPCodecParameters
}

// MediaConnection is the local side of a WebRTC session. All methods returning
// an error wrap engine failures in an *errors.ConnectionError.
type MediaConnection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	AddTransceiver(kind types.StreamKind, direction webrtc.RTPTransceiverDirection) error

	ConnectionState() webrtc.PeerConnectionState
	ICEGatheringState() webrtc.ICEGatheringState

	WritePLI(track Track) error

	OnTrack(f func(track Track)) utils.Unsubscribe
	OnConnectionStateChange(f func(state webrtc.PeerConnectionState)) utils.Unsubscribe
	OnICEGatheringStateChange(f func(state webrtc.ICEGatheringState)) utils.Unsubscribe
	OnNegotiationNeeded(f func()) utils.Unsubscribe

	Close() error
}
