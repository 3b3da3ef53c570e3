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

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(ch <-chan int) []int {
	var out []int
	for v := range ch {
		out = append(out, v)
	}
	return out
}

func TestFanout_BacklogKeepsNewest(t *testing.T) {
	q := newFanout[int](3)
	for i := 1; i <= 5; i++ {
		q.Push(i)
	}

	backlog, ch, cancel := q.Subscribe()
	defer cancel()

	assert.Equal(t, []int{3, 4, 5}, backlog)
	select {
	case v := <-ch:
		t.Fatalf("unexpected live item %d", v)
	default:
	}
}

func TestFanout_LiveDelivery(t *testing.T) {
	q := newFanout[int](8)
	backlog, ch, cancel := q.Subscribe()
	defer cancel()
	require.Empty(t, backlog)

	q.Push(1)
	q.Push(2)
	q.Close()

	assert.Equal(t, []int{1, 2}, drain(ch))
}

func TestFanout_SlowSubscriberLosesItems(t *testing.T) {
	q := newFanout[int](2)
	_, ch, cancel := q.Subscribe()
	defer cancel()

	// Channel capacity matches the queue cap (2); the rest are dropped
	// rather than blocking the pump.
	for i := 1; i <= 5; i++ {
		q.Push(i)
	}
	q.Close()

	got := drain(ch)
	assert.Equal(t, []int{1, 2}, got)
}

func TestFanout_SubscribeAfterClose(t *testing.T) {
	q := newFanout[int](4)
	q.Push(7)
	q.Push(8)
	q.Close()

	backlog, ch, cancel := q.Subscribe()
	defer cancel()

	assert.Equal(t, []int{7, 8}, backlog)
	_, open := <-ch
	assert.False(t, open)

	// Pushes after close are dropped silently.
	q.Push(9)
	backlog, _, cancel2 := q.Subscribe()
	defer cancel2()
	assert.Equal(t, []int{7, 8}, backlog)
}

func TestFanout_CancelStopsDelivery(t *testing.T) {
	q := newFanout[int](4)
	_, ch, cancel := q.Subscribe()

	q.Push(1)
	cancel()
	q.Push(2)

	got := drain(ch)
	assert.Equal(t, []int{1}, got)

	// Cancel twice is safe.
	cancel()
}
