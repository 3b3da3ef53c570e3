// Copyright 2025 Tom Barlow
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

package orchestrator

import "sync"

// fanout is a bounded broadcast queue for one live run's log lines or
// metric samples. The producer is the run's stream pump; consumers are
// SSE handlers. The backlog keeps the newest cap items so a subscriber
// attaching mid-run sees recent history, and a subscriber that cannot
// keep up loses items rather than stalling the pump.
type fanout[T any] struct {
	mu     sync.Mutex
	cap    int
	buf    []T
	subs   map[int]chan T
	nextID int
	closed bool
}

func newFanout[T any](capacity int) *fanout[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &fanout[T]{
		cap:  capacity,
		subs: make(map[int]chan T),
	}
}

// Push appends v to the backlog, evicting the oldest item when full,
// and offers it to every subscriber without blocking.
func (q *fanout[T]) Push(v T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	if len(q.buf) == q.cap {
		copy(q.buf, q.buf[1:])
		q.buf[len(q.buf)-1] = v
	} else {
		q.buf = append(q.buf, v)
	}

	for _, ch := range q.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

// Subscribe returns a snapshot of the backlog plus a channel carrying
// everything pushed after the snapshot. The channel closes when the run
// finalises or cancel is called. Subscribing to a closed queue returns
// the final backlog and an already-closed channel, so late consumers
// drain and stop instead of hanging.
func (q *fanout[T]) Subscribe() (backlog []T, ch <-chan T, cancel func()) {
	q.mu.Lock()
	defer q.mu.Unlock()

	backlog = make([]T, len(q.buf))
	copy(backlog, q.buf)

	c := make(chan T, q.cap)
	if q.closed {
		close(c)
		return backlog, c, func() {}
	}

	id := q.nextID
	q.nextID++
	q.subs[id] = c

	cancel = func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if sub, ok := q.subs[id]; ok {
			delete(q.subs, id)
			close(sub)
		}
	}
	return backlog, c, cancel
}

// Close ends every subscription. Later pushes are dropped.
func (q *fanout[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for id, ch := range q.subs {
		delete(q.subs, id)
		close(ch)
	}
}
