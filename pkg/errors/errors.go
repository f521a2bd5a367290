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

// Package errors defines common errors for nimble.
package errors

import "errors"

var (
	// ErrEventLoopShutdown occurs when the event loop is being shut down.
	ErrEventLoopShutdown = errors.New("nimble: event loop is going to be shutdown")
	// ErrHandlerPending occurs when installing a handler for an operation that already has one outstanding.
	ErrHandlerPending = errors.New("nimble: a handler for this operation is already pending")
	// ErrInvalidArgument occurs when an operation is given a negative offset or length.
	ErrInvalidArgument = errors.New("nimble: invalid argument")
	// ErrEmptyBuffer occurs when an operation is given a buffer with no remaining space or data.
	ErrEmptyBuffer = errors.New("nimble: buffer has no remaining bytes")
	// ErrChannelClosed occurs when operating on a channel whose descriptor has been closed.
	ErrChannelClosed = errors.New("nimble: channel is closed")
	// ErrHandshakeInProgress occurs when initiating a handshake on a channel already mid-handshake.
	ErrHandshakeInProgress = errors.New("nimble: a handshake is already in progress")
	// ErrEngineClosed occurs when the record engine reports that the session has been closed.
	ErrEngineClosed = errors.New("nimble: record engine session is closed")
	// ErrBufferLimit occurs when the record engine keeps demanding a larger buffer than it reported.
	ErrBufferLimit = errors.New("nimble: record engine demands more buffer space than it reported")
	// ErrEngineStatus occurs when the record engine reports a handshake status the channel cannot act on.
	ErrEngineStatus = errors.New("nimble: unexpected record engine handshake status")
	// ErrUnsupportedOp occurs when calling some methods that are either not supported or have not been implemented yet.
	ErrUnsupportedOp = errors.New("nimble: unsupported operation")
	// ErrUnsupportedProtocol occurs when trying to use a network that is not supported.
	ErrUnsupportedProtocol = errors.New("nimble: only tcp/tcp4/tcp6 are supported")
	// ErrInvalidNetworkAddress occurs when the network address is invalid.
	ErrInvalidNetworkAddress = errors.New("nimble: invalid network address")
)
