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
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// AwaitGatheringComplete blocks until ICE candidate gathering on conn is complete
// and returns the local description, which then carries every gathered candidate.
// It returns nil if the timeout expires or ctx is done first.
func AwaitGatheringComplete(ctx context.Context, conn MediaConnection, timeout time.Duration) *webrtc.SessionDescription {
	gatherComplete := make(chan struct{})
	var once sync.Once

	unsubscribe := conn.OnICEGatheringStateChange(func(state webrtc.ICEGatheringState) {
		if state == webrtc.ICEGatheringStateComplete {
			once.Do(func() { close(gatherComplete) })
		}
	})
	defer unsubscribe()

	// Subscribed first so a transition between the check and the wait is not lost
	if conn.ICEGatheringState() == webrtc.ICEGatheringStateComplete {
		return conn.LocalDescription()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-gatherComplete:
		return conn.LocalDescription()
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return nil
	}
}
