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

package whepserver

import (
	"context"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/pion/rtcp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/whep/pkg/errors"
)

const (
	videoFrameDuration = time.Second / 30
	audioFrameDuration = 20 * time.Millisecond
	videoFrameSize     = 1200
)

// opus frame of silence
var opusSilence = []byte{0xf8, 0xff, 0xfe}

type whepHandler struct {
	logger logger.Logger
	pc     *webrtc.PeerConnection
	video  *webrtc.TrackLocalStaticSample
	audio  *webrtc.TrackLocalStaticSample

	plis      atomic.Int32
	startOnce sync.Once
	fuse      core.Fuse
	closed    atomic.Bool
}

func newWHEPHandler(ctx context.Context, api *webrtc.API, l logger.Logger, streamID string, sdpOffer string) (*whepHandler, string, error) {
	offer := &webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdpOffer,
	}
	count, err := getRequestedTrackCount(offer)
	if err != nil {
		return nil, "", err
	}
	if count == 0 {
		return nil, "", errors.ErrInvalidOffer
	}

	h := &whepHandler{
		logger: l,
	}

	h.pc, err = h.createPeerConnection(api, streamID)
	if err != nil {
		return nil, "", err
	}

	answer, err := h.getSDPAnswer(ctx, offer)
	if err != nil {
		h.Close()
		return nil, "", err
	}

	return h, answer, nil
}

func (h *whepHandler) createPeerConnection(api *webrtc.API, streamID string) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{
		ICEServers:   []webrtc.ICEServer{},
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
		BundlePolicy: webrtc.BundlePolicyBalanced,
	}

	pc, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, err
	}

	h.video, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	h.audio, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}

	for _, track := range []*webrtc.TrackLocalStaticSample{h.video, h.audio} {
		sender, err := pc.AddTrack(track)
		if err != nil {
			_ = pc.Close()
			return nil, err
		}
		go h.readRTCP(sender)
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		h.logger.Infow("Peer Connection State changed", "state", state.String())

		switch {
		case state == webrtc.PeerConnectionStateConnected:
			h.startOnce.Do(func() {
				go h.writeSamples(h.video, videoFrameDuration, videoFrame())
				go h.writeSamples(h.audio, audioFrameDuration, opusSilence)
			})
		case state >= webrtc.PeerConnectionStateDisconnected:
			h.Close()
		}
	})

	return pc, nil
}

func (h *whepHandler) getSDPAnswer(ctx context.Context, offer *webrtc.SessionDescription) (string, error) {
	if err := h.pc.SetRemoteDescription(*offer); err != nil {
		return "", err
	}

	answer, err := h.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}

	gatherComplete := webrtc.GatheringCompletePromise(h.pc)

	if err = h.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", errors.ErrICEGatheringTimeout
	}

	return h.pc.LocalDescription().SDP, nil
}

func (h *whepHandler) writeSamples(track *webrtc.TrackLocalStaticSample, duration time.Duration, data []byte) {
	ticker := time.NewTicker(duration)
	defer ticker.Stop()

	for {
		select {
		case <-h.fuse.Watch():
			return
		case <-ticker.C:
			if err := track.WriteSample(media.Sample{Data: data, Duration: duration}); err != nil {
				h.logger.Debugw("failed writing sample", "error", err, "trackID", track.ID())
				return
			}
		}
	}
}

func (h *whepHandler) readRTCP(sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			if _, ok := pkt.(*rtcp.PictureLossIndication); ok {
				h.plis.Inc()
				h.logger.Debugw("received PLI", "trackID", sender.Track().ID())
			}
		}
	}
}

func (h *whepHandler) PLICount() int32 {
	return h.plis.Load()
}

func (h *whepHandler) Done() <-chan struct{} {
	return h.fuse.Watch()
}

// Close may be called from the connection state callback.
func (h *whepHandler) Close() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}

	h.fuse.Break()
	if err := h.pc.Close(); err != nil {
		h.logger.Warnw("failed closing peer connection", err)
	}
}

// getRequestedTrackCount returns the number of audio and video sections the client can receive on.
func getRequestedTrackCount(offer *webrtc.SessionDescription) (int, error) {
	parsed, err := offer.Unmarshal()
	if err != nil {
		return 0, errors.ErrInvalidOffer
	}

	count := 0
	for _, m := range parsed.MediaDescriptions {
		if m.MediaName.Media != "audio" && m.MediaName.Media != "video" {
			continue
		}
		if isSendOnly(m) {
			continue
		}
		count++
	}
	return count, nil
}

func isSendOnly(m *sdp.MediaDescription) bool {
	_, ok := m.Attribute(sdp.AttrKeySendOnly)
	return ok
}

// videoFrame returns a synthetic VP8 keyframe sized payload. It is not decodable.
func videoFrame() []byte {
	frame := make([]byte, videoFrameSize)
	// keyframe tag followed by the VP8 start code
	copy(frame, []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a})
	return frame
}
