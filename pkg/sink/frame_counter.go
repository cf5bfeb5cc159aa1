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

package sink

import (
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/whep/pkg/errors"
	"github.com/livekit/whep/pkg/rtc"
	"github.com/livekit/whep/pkg/types"
)

const (
	maxVideoLate = 200
	maxAudioLate = 50
	readTimeout  = 500 * time.Millisecond
)

// RTPReader is implemented by tracks that carry media, such as *webrtc.TrackRemote.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// FrameCounter is a video and audio sink that depacketizes the published
// tracks and counts the frames it receives.
type FrameCounter struct {
	logger logger.Logger

	videoFrames atomic.Uint64
	audioFrames atomic.Uint64
	videoBytes  atomic.Uint64
	audioBytes  atomic.Uint64

	lock    sync.Mutex
	readers map[types.StreamKind]*trackReader
}

func NewFrameCounter(l logger.Logger) *FrameCounter {
	return &FrameCounter{
		logger:  l,
		readers: make(map[types.StreamKind]*trackReader),
	}
}

func (f *FrameCounter) OnVideoTrackChanged(track rtc.Track) {
	f.setTrack(types.Video, track)
}

func (f *FrameCounter) OnAudioTrackChanged(track rtc.Track) {
	f.setTrack(types.Audio, track)
}

func (f *FrameCounter) VideoFrames() uint64 {
	return f.videoFrames.Load()
}

func (f *FrameCounter) AudioFrames() uint64 {
	return f.audioFrames.Load()
}

func (f *FrameCounter) VideoBytes() uint64 {
	return f.videoBytes.Load()
}

func (f *FrameCounter) AudioBytes() uint64 {
	return f.audioBytes.Load()
}

// Close stops every reader.
func (f *FrameCounter) Close() {
	f.lock.Lock()
	defer f.lock.Unlock()

	for kind, r := range f.readers {
		r.fuse.Break()
		delete(f.readers, kind)
	}
}

func (f *FrameCounter) setTrack(kind types.StreamKind, track rtc.Track) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if r := f.readers[kind]; r != nil {
		r.fuse.Break()
		delete(f.readers, kind)
	}
	if track == nil {
		f.logger.Debugw("track removed", "kind", kind)
		return
	}

	src, ok := track.(RTPReader)
	if !ok {
		f.logger.Infow("track cannot be read, not counting frames", "kind", kind, "trackID", track.ID())
		return
	}

	r, err := f.newTrackReader(kind, track, src)
	if err != nil {
		f.logger.Warnw("cannot count frames", err, "kind", kind, "codec", track.Codec().MimeType)
		return
	}
	f.readers[kind] = r
	go r.run()
}

type trackReader struct {
	logger logger.Logger
	src    RTPReader
	sb     *samplebuilder.SampleBuilder
	frames *atomic.Uint64
	bytes  *atomic.Uint64
	fuse   core.Fuse
}

func (f *FrameCounter) newTrackReader(kind types.StreamKind, track rtc.Track, src RTPReader) (*trackReader, error) {
	depacketizer, err := createDepacketizer(track.Codec().MimeType)
	if err != nil {
		return nil, err
	}

	r := &trackReader{
		logger: f.logger.WithValues("kind", kind, "trackID", track.ID()),
		src:    src,
	}
	switch kind {
	case types.Video:
		r.sb = samplebuilder.New(maxVideoLate, depacketizer, track.Codec().ClockRate)
		r.frames, r.bytes = &f.videoFrames, &f.videoBytes
	default:
		r.sb = samplebuilder.New(maxAudioLate, depacketizer, track.Codec().ClockRate)
		r.frames, r.bytes = &f.audioFrames, &f.audioBytes
	}
	return r, nil
}

func (r *trackReader) run() {
	r.logger.Debugw("starting frame counter")
	deadliner, _ := r.src.(readDeadliner)

	for {
		select {
		case <-r.fuse.Watch():
			r.logger.Debugw("stopping frame counter")
			return
		default:
		}

		if deadliner != nil {
			_ = deadliner.SetReadDeadline(time.Now().Add(readTimeout))
		}
		pkt, _, err := r.src.ReadRTP()
		switch {
		case err == nil:
		case err == io.EOF:
			return
		default:
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			r.logger.Warnw("error reading rtp packets", err)
			return
		}

		if len(pkt.Payload) == 0 {
			// padding
			continue
		}

		r.sb.Push(pkt)
		for s := r.sb.Pop(); s != nil; s = r.sb.Pop() {
			r.frames.Inc()
			r.bytes.Add(uint64(len(s.Data)))
		}
	}
}

func createDepacketizer(mimeType string) (rtp.Depacketizer, error) {
	switch strings.ToLower(mimeType) {
	case strings.ToLower(webrtc.MimeTypeVP8):
		return &codecs.VP8Packet{}, nil
	case strings.ToLower(webrtc.MimeTypeVP9):
		return &codecs.VP9Packet{}, nil
	case strings.ToLower(webrtc.MimeTypeH264):
		return &codecs.H264Packet{}, nil
	case strings.ToLower(webrtc.MimeTypeOpus):
		return &codecs.OpusPacket{}, nil
	default:
		return nil, errors.ErrUnsupportedCodec(mimeType)
	}
}
