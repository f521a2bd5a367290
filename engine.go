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

package nimble

import "github.com/pfenic/nimble/pkg/buffer/bytebuf"

// HandshakeStatus is the record engine's report of what the handshake needs
// next. It is the single source of truth for the TLS channel's state machine.
type HandshakeStatus int8

const (
	// NotHandshaking means no handshake is in progress.
	NotHandshaking HandshakeStatus = iota
	// NeedWrap means the engine has handshake data to produce; the channel
	// must wrap and send it.
	NeedWrap
	// NeedUnwrap means the engine needs handshake data from the peer; the
	// channel must receive and unwrap.
	NeedUnwrap
	// NeedTask means the engine has CPU-bound delegated tasks that must run
	// before the handshake can continue.
	NeedTask
	// Finished means the handshake just completed.
	Finished
)

func (s HandshakeStatus) String() string {
	switch s {
	case NotHandshaking:
		return "NOT_HANDSHAKING"
	case NeedWrap:
		return "NEED_WRAP"
	case NeedUnwrap:
		return "NEED_UNWRAP"
	case NeedTask:
		return "NEED_TASK"
	case Finished:
		return "FINISHED"
	}
	return "UNKNOWN"
}

// Status is the outcome class of one wrap or unwrap call.
type Status int8

const (
	// StatusOK means the operation completed.
	StatusOK Status = iota
	// StatusOverflow means the destination buffer is too small for the
	// record the engine wants to produce.
	StatusOverflow
	// StatusUnderflow means the source buffer does not hold one complete
	// record yet.
	StatusUnderflow
	// StatusClosed means the secure session has been closed.
	StatusClosed
)

// Result reports one wrap or unwrap step: its outcome class, the handshake
// status after the step, and the byte counts moved.
type Result struct {
	Status    Status
	Handshake HandshakeStatus
	Consumed  int
	Produced  int
}

// RecordEngine translates plaintext to and from an encrypted record format
// and reports handshake progress. It is a consumed capability: nimble drives
// it byte-wise but implements no cryptography of its own. Buffers handed to
// Wrap and Unwrap follow the position/limit discipline: sources are in read
// mode, destinations in write mode, and the engine advances both positions by
// what it consumed and produced.
type RecordEngine interface {
	// BeginHandshake starts (or restarts) the handshake.
	BeginHandshake() error
	// HandshakeStatus reports what the handshake currently needs.
	HandshakeStatus() HandshakeStatus
	// Wrap encodes plaintext from src into records in dst.
	Wrap(src, dst *bytebuf.Buffer) (Result, error)
	// Unwrap decodes one record from src into plaintext in dst.
	Unwrap(src, dst *bytebuf.Buffer) (Result, error)
	// DelegatedTask returns the next pending CPU-bound handshake step, or
	// nil when none remain. The task must be run off the loop goroutine.
	DelegatedTask() func()
	// ApplicationBufferSize is the negotiated size for plaintext buffers.
	ApplicationBufferSize() int
	// PacketBufferSize is the negotiated size for ciphertext buffers; no
	// single record exceeds it.
	PacketBufferSize() int
}
