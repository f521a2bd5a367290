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

import "github.com/pfenic/nimble/internal/netpoll"

// Task is a unit of schedulable work dispatched by an event loop. Tasks are
// compared by identity: the loop runs each distinct Task at most once per
// iteration, however many ready sources reported it. A Task is owned by
// whichever component registered it and Run is only ever invoked on the
// owning loop's goroutine.
type Task interface {
	Run()
}

// funcTask adapts a plain function to a Task with its own identity.
type funcTask struct {
	fn func()
}

func (t *funcTask) Run() { t.fn() }

// pollTask is a Task bound to a registered descriptor. The loop feeds it the
// readiness events collected by the poller before running it.
type pollTask interface {
	Task
	ready(ev netpoll.IOEvent)
}
