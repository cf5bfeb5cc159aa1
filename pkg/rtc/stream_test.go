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

package rtc_test

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/livekit/whep/pkg/rtc"
	"github.com/livekit/whep/pkg/rtc/rtctest"
)

func TestMediaStreamDedup(t *testing.T) {
	s := rtc.NewMediaStream()

	video := rtctest.NewVideoTrack("video", 1)
	audio := rtctest.NewAudioTrack("audio", 2)

	require.True(t, s.AddTrack(video))
	require.True(t, s.AddTrack(audio))
	require.False(t, s.AddTrack(rtctest.NewVideoTrack("video2", 3)))
	require.False(t, s.AddTrack(rtctest.NewAudioTrack("audio2", 4)))
	require.False(t, s.AddTrack(nil))

	require.Equal(t, 2, s.Len())
	require.Equal(t, video, s.VideoTrack())
	require.Equal(t, audio, s.AudioTrack())
	require.Equal(t, []rtc.Track{video, audio}, s.Tracks())

	s.Clear()
	require.Equal(t, 0, s.Len())
	require.Nil(t, s.VideoTrack())
}

func TestMediaStreamIgnoresUnknownKind(t *testing.T) {
	s := rtc.NewMediaStream()

	tr := rtctest.NewVideoTrack("data", 1)
	tr.TrackKind = webrtc.RTPCodecType(0)

	require.False(t, s.AddTrack(tr))
	require.Equal(t, 0, s.Len())
}
