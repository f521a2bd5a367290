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

import "time"

// timerEntry is one countdown in the timer's ordered sequence. remaining is
// relative to the predecessor entry, not absolute, so a tick only touches the
// entries that actually expire.
type timerEntry struct {
	task      Task
	countdown time.Duration // the configured delay, kept for periodic reinsertion
	remaining time.Duration // delta relative to the preceding entry
	periodic  bool
}

// Timer maintains an ordered sequence of countdown entries keyed by relative
// delta-time. It is driven by Tick calls from the owning event loop and is
// not safe for concurrent use.
type Timer struct {
	lastTick  time.Time
	interval  time.Duration
	elapsed   time.Duration
	entries   []*timerEntry
	cancelSet map[Task]struct{}
	readySet  map[Task]struct{}
	now       func() time.Time
}

// NewTimer returns a Timer with the given resolution. Tick calls closer
// together than one resolution unit are coalesced.
func NewTimer(interval time.Duration) *Timer {
	t := &Timer{
		interval:  interval,
		cancelSet: make(map[Task]struct{}),
		readySet:  make(map[Task]struct{}),
		now:       time.Now,
	}
	t.lastTick = t.now()
	return t
}

// Schedule queues task to fire after delay, and at every delay interval
// thereafter when periodic is set. A zero delay fires on the next tick, never
// synchronously.
func (t *Timer) Schedule(task Task, delay time.Duration, periodic bool) {
	t.insert(&timerEntry{task: task, countdown: delay, periodic: periodic})
}

// Cancel marks task as cancelled. Lazy: the entry stays in the sequence until
// its expiry, at which point it is dropped silently. Cancelling a task that
// already sits in the current ready batch still removes it before dispatch.
// Idempotent, and a no-op for a task that already fired.
func (t *Timer) Cancel(task Task) {
	t.cancelSet[task] = struct{}{}
}

// insert places e into the sequence, rewriting e.remaining as the delta to
// its predecessor and discounting the successor's delta by the same amount.
func (t *Timer) insert(e *timerEntry) {
	e.remaining = e.countdown
	for i, cur := range t.entries {
		d := e.remaining - cur.remaining
		if d <= 0 {
			cur.remaining -= e.remaining
			t.entries = append(t.entries, nil)
			copy(t.entries[i+1:], t.entries[i:])
			t.entries[i] = e
			return
		}
		e.remaining = d
	}
	t.entries = append(t.entries, e)
}

// Tick accumulates elapsed real time and, once at least one resolution unit
// has passed, expires every entry whose cumulative countdown is spent, moving
// the survivors' head delta accordingly. It returns the size of the ready
// batch. Cost is proportional to the number of expiring entries.
func (t *Timer) Tick() int {
	now := t.now()
	t.elapsed += now.Sub(t.lastTick)
	t.lastTick = now

	if t.elapsed < t.interval {
		return len(t.readySet)
	}

	ticks := t.elapsed
	t.elapsed = 0

	var reschedule []*timerEntry
	i := 0
	for ; i < len(t.entries); i++ {
		e := t.entries[i]
		e.remaining -= ticks
		if e.remaining > 0 {
			break
		}
		// The overshoot past this entry is the baseline for the next one,
		// whether or not the entry was cancelled.
		ticks = -e.remaining

		if _, cancelled := t.cancelSet[e.task]; cancelled {
			delete(t.cancelSet, e.task)
			continue
		}
		t.readySet[e.task] = struct{}{}
		if e.periodic {
			reschedule = append(reschedule, e)
		}
	}
	t.entries = append(t.entries[:0], t.entries[i:]...)

	// Reinsertion happens after the scan so periodic entries cannot be
	// visited twice within one tick.
	for _, e := range reschedule {
		t.insert(e)
	}

	return len(t.readySet)
}

// DrainReady returns the accumulated ready batch and resets it. Tasks
// cancelled between their expiry and this drain are removed from the batch
// and their cancellation marks consumed.
func (t *Timer) DrainReady() map[Task]struct{} {
	ready := t.readySet
	t.readySet = make(map[Task]struct{})
	for task := range t.cancelSet {
		if _, ok := ready[task]; ok {
			delete(ready, task)
			delete(t.cancelSet, task)
		}
	}
	return ready
}
