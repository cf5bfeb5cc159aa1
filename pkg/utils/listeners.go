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

package utils

import (
	"slices"
	"sync"
)

// Unsubscribe removes a previously registered listener. It is safe to call more than once.
type Unsubscribe func()

// Listeners is a set of callbacks that can be registered and removed concurrently.
type Listeners[T any] struct {
	lock      sync.Mutex
	nextID    uint64
	listeners map[uint64]func(T)
}

func (l *Listeners[T]) Add(f func(T)) Unsubscribe {
	l.lock.Lock()
	defer l.lock.Unlock()

	if l.listeners == nil {
		l.listeners = make(map[uint64]func(T))
	}
	id := l.nextID
	l.nextID++
	l.listeners[id] = f

	var once sync.Once
	return func() {
		once.Do(func() {
			l.lock.Lock()
			defer l.lock.Unlock()
			delete(l.listeners, id)
		})
	}
}

// Emit calls every registered listener in registration order. Listeners run
// outside of the lock and may unsubscribe themselves.
func (l *Listeners[T]) Emit(v T) {
	l.lock.Lock()
	ids := make([]uint64, 0, len(l.listeners))
	for id := range l.listeners {
		ids = append(ids, id)
	}
	l.lock.Unlock()

	slices.Sort(ids)
	for _, id := range ids {
		l.lock.Lock()
		f, ok := l.listeners[id]
		l.lock.Unlock()
		if ok {
			f(v)
		}
	}
}

func (l *Listeners[T]) Len() int {
	l.lock.Lock()
	defer l.lock.Unlock()

	return len(l.listeners)
}

func (l *Listeners[T]) Clear() {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.listeners = nil
}
