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
	"sync"

	"github.com/livekit/whep/pkg/types"
)

// MediaStream holds at most one track per kind.
type MediaStream struct {
	lock   sync.Mutex
	tracks map[types.StreamKind]Track
}

func NewMediaStream() *MediaStream {
	return &MediaStream{
		tracks: make(map[types.StreamKind]Track),
	}
}

// AddTrack admits the track if no track of the same kind is present yet.
// It returns false when the track was dropped.
func (s *MediaStream) AddTrack(track Track) bool {
	if track == nil {
		return false
	}
	kind := types.StreamKindFromCodecType(track.Kind())
	if kind == types.Unknown {
		return false
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.tracks[kind]; ok {
		return false
	}
	s.tracks[kind] = track
	return true
}

func (s *MediaStream) Track(kind types.StreamKind) Track {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.tracks[kind]
}

func (s *MediaStream) VideoTrack() Track {
	return s.Track(types.Video)
}

func (s *MediaStream) AudioTrack() Track {
	return s.Track(types.Audio)
}

func (s *MediaStream) Tracks() []Track {
	s.lock.Lock()
	defer s.lock.Unlock()

	tracks := make([]Track, 0, len(s.tracks))
	for _, kind := range []types.StreamKind{types.Video, types.Audio} {
		if t, ok := s.tracks[kind]; ok {
			tracks = append(tracks, t)
		}
	}
	return tracks
}

func (s *MediaStream) Len() int {
	s.lock.Lock()
	defer s.lock.Unlock()

	return len(s.tracks)
}

// Clear drops all tracks. Consumers must not keep tracks after the owning session ends.
func (s *MediaStream) Clear() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.tracks = make(map[types.StreamKind]Track)
}
