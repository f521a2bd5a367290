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

/*
Package nimble is a callback-driven asynchronous I/O runtime built around a
single-goroutine event loop.

An EventLoop multiplexes three sources of work per iteration: expired timer
tasks, immediate tasks scheduled from the loop itself, and socket readiness
reported by epoll. Every task runs at most once per iteration, on the loop
goroutine; the only thread-safe entry point is Trigger, which hands a task
across goroutines through a wakeup-backed queue.

SockChannel offers non-blocking read, write, connect and file-transfer
operations on TCP sockets. Operations complete through callbacks and support
two completion predicates: at least one byte, or exactly N bytes, carrying
partial progress across readiness notifications in between.

TLSSockChannel layers a pluggable RecordEngine over a SockChannel, driving
its handshake state machine and wrap/unwrap record pipeline so callers read
and write plaintext with the same callback API.
*/
package nimble
