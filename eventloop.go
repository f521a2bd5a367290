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
	"sync/atomic"
	"time"

	"github.com/pfenic/nimble/internal/netpoll"
	"github.com/pfenic/nimble/internal/queue"
	errorx "github.com/pfenic/nimble/pkg/errors"
	"github.com/pfenic/nimble/pkg/logging"
)

const (
	defaultTickInterval = time.Millisecond
	defaultPollTimeout  = time.Millisecond
)

// EventLoop is a single-goroutine reactor. Each iteration merges three ready
// sources, expired timer entries, immediately scheduled tasks and
// readiness-triggered descriptors, and runs every task in the merged set
// exactly once. All channels and timers owned by a loop are only touched from
// the goroutine running it; the sole thread-safe entry point is Trigger.
//
// A loop is constructed explicitly with NewEventLoop and handed to every
// channel it owns; there is no ambient per-goroutine registry.
type EventLoop struct {
	poller        *netpoll.Poller
	timer         *Timer
	readySet      map[Task]struct{}
	triggerQueue  queue.AsyncTaskQueue
	fdTasks       map[int]pollTask
	running       int32
	pollTimeoutMs int
	logger        logging.Logger
}

// NewEventLoop instantiates an event loop. The caller owns it and is the only
// goroutine allowed to call Run.
func NewEventLoop(opts ...Option) (*EventLoop, error) {
	options := loadOptions(opts...)
	if options.TickInterval <= 0 {
		options.TickInterval = defaultTickInterval
	}
	if options.PollTimeout <= 0 {
		options.PollTimeout = defaultPollTimeout
	}
	logger := options.Logger
	if logger == nil {
		if options.LogPath != "" {
			var err error
			if logger, _, err = logging.CreateLoggerAsLocalFile(options.LogPath, options.LogLevel); err != nil {
				return nil, err
			}
		} else {
			logger = logging.GetDefaultLogger()
		}
	}

	poller, err := netpoll.OpenPoller()
	if err != nil {
		return nil, err
	}

	pollTimeoutMs := int(options.PollTimeout / time.Millisecond)
	if pollTimeoutMs < 1 {
		pollTimeoutMs = 1
	}

	return &EventLoop{
		poller:        poller,
		timer:         NewTimer(options.TickInterval),
		readySet:      make(map[Task]struct{}),
		triggerQueue:  queue.NewTaskQueue(),
		fdTasks:       make(map[int]pollTask),
		running:       1,
		pollTimeoutMs: pollTimeoutMs,
		logger:        logger,
	}, nil
}

// scheduleTask queues task to run in the next iteration. Loop goroutine only.
func (el *EventLoop) scheduleTask(task Task) {
	el.readySet[task] = struct{}{}
}

// SetImmediate schedules fn to run in the next iteration of the loop. No
// ordering is guaranteed relative to other immediate tasks. It must be called
// from the loop goroutine; use Trigger from anywhere else.
func (el *EventLoop) SetImmediate(fn func()) {
	el.scheduleTask(&funcTask{fn: fn})
}

// Trigger hands fn over to the loop from any goroutine and wakes the poller.
// fn runs on the loop goroutine in an upcoming iteration. This is the only
// cross-goroutine scheduling primitive of the loop. After Stop it returns
// ErrEventLoopShutdown and fn is discarded.
func (el *EventLoop) Trigger(fn func()) error {
	if atomic.LoadInt32(&el.running) == 0 {
		return errorx.ErrEventLoopShutdown
	}
	el.triggerQueue.Enqueue(fn)
	return el.poller.Wakeup()
}

// SetAfter schedules fn to run once, delay from now. The returned handle
// cancels it; cancellation is honored up to the moment the task is placed in
// a ready batch.
func (el *EventLoop) SetAfter(delay time.Duration, fn func()) *TimerHandle {
	task := &funcTask{fn: fn}
	el.timer.Schedule(task, delay, false)
	return &TimerHandle{loop: el, task: task}
}

// SetPeriodic schedules fn to run every delay until the returned handle is
// cancelled.
func (el *EventLoop) SetPeriodic(delay time.Duration, fn func()) *TimerHandle {
	task := &funcTask{fn: fn}
	el.timer.Schedule(task, delay, true)
	return &TimerHandle{loop: el, task: task}
}

// OpenSockChannel allocates an unconnected socket channel bound to this loop.
func (el *EventLoop) OpenSockChannel() *SockChannel {
	return &SockChannel{loop: el, fd: -1}
}

// OpenServerSockChannel allocates a listening channel bound to this loop.
func (el *EventLoop) OpenServerSockChannel() *ServerSockChannel {
	return &ServerSockChannel{loop: el, fd: -1}
}

// Run blocks the calling goroutine, dispatching ready work until Stop. Every
// iteration: tick the timer, merge its ready batch with the immediate set and
// any triggered functions, poll the multiplexer (zero timeout when work is
// already pending, a short bounded timeout otherwise), fold in the readiness
// tasks and run the merged set exactly once, in arbitrary order. A poller
// failure is fatal for the loop and returned as is.
func (el *EventLoop) Run() error {
	union := make(map[Task]struct{})

	for atomic.LoadInt32(&el.running) == 1 {
		el.timer.Tick()
		for task := range el.timer.DrainReady() {
			union[task] = struct{}{}
		}

		for task := range el.readySet {
			union[task] = struct{}{}
			delete(el.readySet, task)
		}

		for fn := el.triggerQueue.Dequeue(); fn != nil; fn = el.triggerQueue.Dequeue() {
			union[&funcTask{fn: fn}] = struct{}{}
		}

		timeout := el.pollTimeoutMs
		if len(union) > 0 {
			timeout = 0
		}
		err := el.poller.Poll(timeout, func(fd int, ev netpoll.IOEvent) {
			// A descriptor closed since the events were collected has no
			// entry anymore; its notification is swallowed.
			if task, ok := el.fdTasks[fd]; ok {
				task.ready(ev)
				union[task] = struct{}{}
			}
		})
		if err != nil {
			el.logger.Errorf("event loop terminated by poller failure: %v", err)
			return err
		}

		for task := range union {
			task.Run()
			delete(union, task)
		}
	}

	return el.poller.Close()
}

// Stop makes Run return after the in-flight iteration completes. Safe to call
// from any goroutine; not preemptive.
func (el *EventLoop) Stop() {
	atomic.StoreInt32(&el.running, 0)
	_ = el.poller.Wakeup()
}

// register adds a descriptor-bound task to the poller with an empty interest
// set.
func (el *EventLoop) register(fd int, task pollTask) error {
	if err := el.poller.Register(fd); err != nil {
		return err
	}
	el.fdTasks[fd] = task
	return nil
}

// modInterest replaces the interest set of a registered descriptor.
func (el *EventLoop) modInterest(fd int, ev netpoll.IOEvent) error {
	return el.poller.ModInterest(fd, ev)
}

// deregister removes a descriptor from the poller and forgets its task.
func (el *EventLoop) deregister(fd int) {
	if _, ok := el.fdTasks[fd]; !ok {
		return
	}
	delete(el.fdTasks, fd)
	if err := el.poller.Delete(fd); err != nil {
		el.logger.Debugf("deregistering fd %d: %v", fd, err)
	}
}

// TimerHandle cancels a task scheduled with SetAfter or SetPeriodic. Loop
// goroutine only.
type TimerHandle struct {
	loop *EventLoop
	task Task
}

// Cancel removes the scheduled task. Idempotent; a no-op if the task has
// already fired.
func (h *TimerHandle) Cancel() {
	h.loop.timer.Cancel(h.task)
}
