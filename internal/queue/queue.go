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

// Package queue provides the thread-safe task queue that carries work from
// foreign goroutines onto an event loop.
package queue

import (
	"sync"

	eaq "github.com/eapache/queue"
)

// TaskFunc is the function executed by the event loop on its own goroutine.
type TaskFunc func()

// AsyncTaskQueue is a queue storing tasks handed over from other goroutines.
// Enqueue and Dequeue may be called concurrently.
type AsyncTaskQueue interface {
	Enqueue(TaskFunc)
	Dequeue() TaskFunc
	Empty() bool
}

// taskQueue is a mutex-guarded FIFO backed by a growable ring buffer.
type taskQueue struct {
	mu sync.Mutex
	q  *eaq.Queue
}

// NewTaskQueue instantiates an empty AsyncTaskQueue.
func NewTaskQueue() AsyncTaskQueue {
	return &taskQueue{q: eaq.New()}
}

func (tq *taskQueue) Enqueue(fn TaskFunc) {
	tq.mu.Lock()
	tq.q.Add(fn)
	tq.mu.Unlock()
}

func (tq *taskQueue) Dequeue() TaskFunc {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	if tq.q.Length() == 0 {
		return nil
	}
	return tq.q.Remove().(TaskFunc)
}

func (tq *taskQueue) Empty() bool {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	return tq.q.Length() == 0
}
