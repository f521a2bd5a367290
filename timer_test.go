// Copyright (c) 2026 The Nimble Authors. All rights reserved.
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

//go:build linux

package nimble

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTimer(resolution time.Duration) (*Timer, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	tm := NewTimer(resolution)
	tm.now = func() time.Time { return clk.t }
	tm.lastTick = clk.t
	return tm, clk
}

func noopTask() Task { return &funcTask{fn: func() {}} }

func TestTimerFiresInDelayOrder(t *testing.T) {
	tm, clk := newTestTimer(time.Millisecond)
	a, b := noopTask(), noopTask()
	tm.Schedule(a, 5*time.Millisecond, false)
	tm.Schedule(b, 3*time.Millisecond, false)

	clk.advance(3 * time.Millisecond)
	assert.Equal(t, 1, tm.Tick())
	ready := tm.DrainReady()
	assert.Contains(t, ready, b)
	assert.NotContains(t, ready, a)

	clk.advance(2 * time.Millisecond)
	assert.Equal(t, 1, tm.Tick())
	assert.Contains(t, tm.DrainReady(), a)
}

func TestTimerCoalescesSubResolutionTicks(t *testing.T) {
	tm, clk := newTestTimer(time.Millisecond)
	task := noopTask()
	tm.Schedule(task, 0, false)

	clk.advance(400 * time.Microsecond)
	assert.Equal(t, 0, tm.Tick())

	// accumulated elapsed time crosses one resolution unit
	clk.advance(700 * time.Microsecond)
	assert.Equal(t, 1, tm.Tick())
	assert.Contains(t, tm.DrainReady(), task)
}

func TestTimerExpiresMultipleEntriesInOneTick(t *testing.T) {
	tm, clk := newTestTimer(time.Millisecond)
	a, b, c := noopTask(), noopTask(), noopTask()
	tm.Schedule(a, 2*time.Millisecond, false)
	tm.Schedule(b, 5*time.Millisecond, false)
	tm.Schedule(c, 20*time.Millisecond, false)

	clk.advance(6 * time.Millisecond)
	assert.Equal(t, 2, tm.Tick())
	ready := tm.DrainReady()
	assert.Contains(t, ready, a)
	assert.Contains(t, ready, b)
	assert.NotContains(t, ready, c)

	// the overshoot past b must count against c's remaining delta
	clk.advance(14 * time.Millisecond)
	assert.Equal(t, 1, tm.Tick())
	assert.Contains(t, tm.DrainReady(), c)
}

func TestTimerPeriodicRefires(t *testing.T) {
	tm, clk := newTestTimer(time.Millisecond)
	task := noopTask()
	tm.Schedule(task, 2*time.Millisecond, true)

	for i := 0; i < 3; i++ {
		clk.advance(2 * time.Millisecond)
		assert.Equal(t, 1, tm.Tick())
		assert.Contains(t, tm.DrainReady(), task)
	}
}

func TestTimerCancelBeforeExpiry(t *testing.T) {
	tm, clk := newTestTimer(time.Millisecond)
	task, other := noopTask(), noopTask()
	tm.Schedule(task, 5*time.Millisecond, false)
	tm.Schedule(other, 8*time.Millisecond, false)
	tm.Cancel(task)

	clk.advance(10 * time.Millisecond)
	assert.Equal(t, 1, tm.Tick())
	ready := tm.DrainReady()
	assert.NotContains(t, ready, task)
	assert.Contains(t, ready, other)
}

func TestTimerCancelRemovesFromReadyBatch(t *testing.T) {
	tm, clk := newTestTimer(time.Millisecond)
	task := noopTask()
	tm.Schedule(task, time.Millisecond, false)

	clk.advance(time.Millisecond)
	assert.Equal(t, 1, tm.Tick())

	// expired but not yet dispatched: cancellation still wins
	tm.Cancel(task)
	assert.Empty(t, tm.DrainReady())
}

func TestTimerCancelPeriodicStopsRefiring(t *testing.T) {
	tm, clk := newTestTimer(time.Millisecond)
	task := noopTask()
	tm.Schedule(task, 2*time.Millisecond, true)

	clk.advance(2 * time.Millisecond)
	tm.Tick()
	assert.Contains(t, tm.DrainReady(), task)

	tm.Cancel(task)
	clk.advance(2 * time.Millisecond)
	tm.Tick()
	assert.Empty(t, tm.DrainReady())

	clk.advance(2 * time.Millisecond)
	tm.Tick()
	assert.Empty(t, tm.DrainReady())
}

func TestTimerCancelIsIdempotent(t *testing.T) {
	tm, clk := newTestTimer(time.Millisecond)
	task := noopTask()
	tm.Schedule(task, time.Millisecond, false)
	tm.Cancel(task)
	tm.Cancel(task)

	clk.advance(5 * time.Millisecond)
	tm.Tick()
	assert.Empty(t, tm.DrainReady())
}

func TestTimerZeroDelayNeverFiresSynchronously(t *testing.T) {
	tm, clk := newTestTimer(time.Millisecond)
	task := noopTask()
	tm.Schedule(task, 0, false)

	// nothing before a tick
	assert.Empty(t, tm.readySet)

	clk.advance(time.Millisecond)
	tm.Tick()
	assert.Contains(t, tm.DrainReady(), task)
}
