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
	"github.com/stretchr/testify/require"

	errorx "github.com/pfenic/nimble/pkg/errors"
)

// startLoop runs a fresh loop on its own goroutine and stops it on cleanup.
func startLoop(t *testing.T) *EventLoop {
	t.Helper()
	loop, err := NewEventLoop()
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- loop.Run() }()
	t.Cleanup(func() {
		loop.Stop()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("loop did not stop")
		}
	})
	return loop
}

func TestEventLoopTriggerRunsAcrossGoroutines(t *testing.T) {
	loop := startLoop(t)

	got := make(chan int, 1)
	require.NoError(t, loop.Trigger(func() { got <- 7 }))

	select {
	case v := <-got:
		assert.Equal(t, 7, v)
	case <-time.After(5 * time.Second):
		t.Fatal("triggered task never ran")
	}
}

func TestEventLoopSetImmediateRunsNextIteration(t *testing.T) {
	loop := startLoop(t)

	got := make(chan string, 2)
	require.NoError(t, loop.Trigger(func() {
		loop.SetImmediate(func() { got <- "immediate" })
		got <- "trigger"
	}))

	assert.Equal(t, "trigger", <-got)
	assert.Equal(t, "immediate", <-got)
}

func TestEventLoopSetAfterFires(t *testing.T) {
	loop := startLoop(t)

	fired := make(chan time.Duration, 1)
	start := time.Now()
	require.NoError(t, loop.Trigger(func() {
		loop.SetAfter(10*time.Millisecond, func() { fired <- time.Since(start) })
	}))

	select {
	case elapsed := <-fired:
		assert.GreaterOrEqual(t, elapsed, 5*time.Millisecond)
	case <-time.After(5 * time.Second):
		t.Fatal("delayed task never fired")
	}
}

func TestEventLoopSetAfterCancel(t *testing.T) {
	loop := startLoop(t)

	fired := make(chan struct{}, 1)
	sentinel := make(chan struct{}, 1)
	require.NoError(t, loop.Trigger(func() {
		h := loop.SetAfter(20*time.Millisecond, func() { fired <- struct{}{} })
		h.Cancel()
		loop.SetAfter(100*time.Millisecond, func() { sentinel <- struct{}{} })
	}))

	select {
	case <-fired:
		t.Fatal("cancelled task fired")
	case <-sentinel:
	case <-time.After(5 * time.Second):
		t.Fatal("sentinel never fired")
	}
}

func TestEventLoopSetPeriodic(t *testing.T) {
	loop := startLoop(t)

	ticks := make(chan struct{}, 16)
	var h *TimerHandle
	count := 0
	require.NoError(t, loop.Trigger(func() {
		h = loop.SetPeriodic(5*time.Millisecond, func() {
			count++
			ticks <- struct{}{}
			if count == 3 {
				h.Cancel()
			}
		})
	}))

	for i := 0; i < 3; i++ {
		select {
		case <-ticks:
		case <-time.After(5 * time.Second):
			t.Fatalf("periodic task fired only %d times", i)
		}
	}

	// cancelled after the third run; no further firings
	select {
	case <-ticks:
		t.Fatal("periodic task fired after cancel")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventLoopStopReturnsRun(t *testing.T) {
	loop, err := NewEventLoop()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- loop.Run() }()
	loop.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestEventLoopTriggerAfterStop(t *testing.T) {
	loop, err := NewEventLoop()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- loop.Run() }()
	loop.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	err = loop.Trigger(func() { t.Error("task ran after stop") })
	assert.ErrorIs(t, err, errorx.ErrEventLoopShutdown)
}

func TestEventLoopTriggerTasksEachRunOnce(t *testing.T) {
	loop := startLoop(t)

	const n = 64
	got := make(chan int, n)
	for i := 0; i < n; i++ {
		i := i
		require.NoError(t, loop.Trigger(func() { got <- i }))
	}

	seen := make(map[int]bool, n)
	for i := 0; i < n; i++ {
		select {
		case v := <-got:
			assert.False(t, seen[v], "task %d ran twice", v)
			seen[v] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d triggered tasks ran", i, n)
		}
	}
}
