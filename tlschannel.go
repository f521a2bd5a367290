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
	"io"
	"os"
	"sync/atomic"

	"github.com/pfenic/nimble/pkg/buffer/bytebuf"
	errorx "github.com/pfenic/nimble/pkg/errors"
	"github.com/pfenic/nimble/pkg/logging"
	"github.com/pfenic/nimble/pool/goroutine"
)

// workerPool runs CPU-bound delegated handshake tasks. Process-wide, shared
// by every TLS channel across all event loops.
var workerPool = goroutine.Default()

// maxSessionBufferSize bounds how far a session buffer may be grown on the
// engine's demand; a demand beyond it is unrecoverable for the connection.
const maxSessionBufferSize = 1 << 21

// tlsOp is one outstanding plaintext operation on a TLS channel, re-entered
// by the receive/send cycles until its completion predicate holds.
type tlsOp interface {
	run()
}

// TLSSockChannel layers a record-engine handshake and wrap/unwrap pipeline
// over a plain SockChannel. It owns four session buffers: outbound and
// inbound plaintext, outbound and inbound ciphertext. Outbound plaintext and
// inbound ciphertext rest in write mode between operations; the other two
// rest in read mode. All methods must be called from the loop goroutine.
type TLSSockChannel struct {
	loop   *EventLoop
	sock   *SockChannel
	engine RecordEngine

	hsStatus            HandshakeStatus
	handshakeInProgress bool
	connectionClosed    bool

	outboundApp *bytebuf.Buffer // plaintext to be wrapped (write mode)
	inboundApp  *bytebuf.Buffer // plaintext ready for the reader (read mode)
	outboundNet *bytebuf.Buffer // ciphertext to be sent (read mode)
	inboundNet  *bytebuf.Buffer // ciphertext received (write mode)

	// bufferedErr holds an asynchronously surfaced failure until whichever
	// handler is pending consumes it, exactly once.
	bufferedErr error

	readH  tlsOp
	writeH tlsOp
}

// NewTLSSockChannel wraps sock with the given record engine. The session
// buffers are sized from the engine's negotiated parameters. The channel
// takes over sock; the caller must not issue operations on it anymore.
func NewTLSSockChannel(loop *EventLoop, engine RecordEngine, sock *SockChannel) *TLSSockChannel {
	appSize := engine.ApplicationBufferSize()
	packetSize := engine.PacketBufferSize()
	c := &TLSSockChannel{
		loop:        loop,
		sock:        sock,
		engine:      engine,
		outboundApp: bytebuf.New(appSize),
		inboundApp:  bytebuf.New(appSize),
		outboundNet: bytebuf.New(packetSize),
		inboundNet:  bytebuf.New(packetSize),
	}
	c.inboundApp.Flip()
	c.outboundNet.Flip()
	return c
}

// Handshake initiates the record-layer handshake. It fails fast with
// ErrHandshakeInProgress when one is already running. Handshake completion is
// not reported directly: a failure surfaces through the first pending read or
// write callback, success through that operation simply proceeding.
func (c *TLSSockChannel) Handshake() error {
	if c.connectionClosed {
		return errorx.ErrChannelClosed
	}
	if c.handshakeInProgress {
		return errorx.ErrHandshakeInProgress
	}
	c.handshakeInProgress = true
	if err := c.engine.BeginHandshake(); err != nil {
		c.handshakeInProgress = false
		return err
	}
	c.hsStatus = c.engine.HandshakeStatus()
	c.handshakeStep()
	return nil
}

// handshakeStep advances the handshake by one round dictated by the engine's
// most recent status report, re-entering itself until the engine reports
// Finished.
func (c *TLSSockChannel) handshakeStep() {
	switch c.hsStatus {
	case NeedWrap:
		logging.Debugf("tls handshake: NEED_WRAP")
		if err := c.wrap(); err != nil {
			c.abortHandshake(err)
			return
		}
		err := c.sock.writeImpl(c.outboundNet, c.outboundNet.Remaining(), func(_ int, err error) {
			if err != nil {
				c.abortHandshake(err)
				return
			}
			if c.hsStatus != Finished {
				c.handshakeStep()
			} else {
				c.finishHandshake()
			}
		})
		if err != nil {
			c.abortHandshake(err)
		}
	case NeedUnwrap:
		logging.Debugf("tls handshake: NEED_UNWRAP")
		err := c.sock.readImpl(c.inboundNet, 0, func(_ int, err error) {
			if err != nil {
				c.abortHandshake(err)
				return
			}
			if err := c.unwrap(); err != nil {
				c.abortHandshake(err)
				return
			}
			if c.hsStatus != Finished {
				c.handshakeStep()
			} else {
				c.finishHandshake()
			}
		})
		if err != nil {
			c.abortHandshake(err)
		}
	case NeedTask:
		logging.Debugf("tls handshake: NEED_TASK")
		c.runDelegatedTasks()
	case Finished, NotHandshaking:
		c.finishHandshake()
	default:
		c.abortHandshake(errorx.ErrEngineStatus)
	}
}

// runDelegatedTasks drains every delegated task the engine currently exposes
// onto the shared worker pool. The completion of the whole batch, tracked by
// an atomic countdown, triggers exactly one continuation resynchronized onto
// the loop goroutine through Trigger; the continuation never runs on a
// worker.
func (c *TLSSockChannel) runDelegatedTasks() {
	var tasks []func()
	for task := c.engine.DelegatedTask(); task != nil; task = c.engine.DelegatedTask() {
		tasks = append(tasks, task)
	}

	if len(tasks) == 0 {
		c.hsStatus = c.engine.HandshakeStatus()
		c.handshakeStep()
		return
	}

	pending := int32(len(tasks))
	done := func() {
		if atomic.AddInt32(&pending, -1) == 0 {
			err := c.loop.Trigger(func() {
				c.hsStatus = c.engine.HandshakeStatus()
				c.handshakeStep()
			})
			if err != nil {
				logging.Errorf("tls handshake: resync trigger failed: %v", err)
			}
		}
	}
	for _, task := range tasks {
		task := task
		if err := workerPool.Submit(func() {
			task()
			done()
		}); err != nil {
			// Pool saturated; run the task here rather than stall the
			// handshake. Still on the loop goroutine, so the continuation
			// path stays valid.
			task()
			done()
		}
	}
}

// abortHandshake buffers the failure and tears the handshake down; the error
// is delivered to the pending read handler, or to the pending write handler
// when no read is waiting.
func (c *TLSSockChannel) abortHandshake(err error) {
	c.handshakeInProgress = false
	c.bufferedErr = err

	if c.readH != nil {
		c.readH.run()
	} else if c.writeH != nil {
		c.writeH.run()
	}
}

// finishHandshake clears the handshake flag and satisfies whichever handlers
// were parked. A waiting read gets one unwrap pass first, since application
// data may already sit in the inbound ciphertext; if that unwrap reports a
// fresh handshake requirement, the peer renegotiated and the handshake
// restarts transparently.
func (c *TLSSockChannel) finishHandshake() {
	c.handshakeInProgress = false
	logging.Debugf("tls handshake: finished")

	if c.readH != nil {
		if err := c.unwrap(); err != nil {
			c.bufferedErr = err
			c.readH.run()
			return
		}
		if c.hsStatus != NotHandshaking {
			c.handshakeInProgress = true
			c.handshakeStep()
			return
		}
		c.readH.run()
	}
	if c.writeH != nil {
		c.writeH.run()
	}
}

// wrap moves outbound plaintext into outbound ciphertext through the engine.
// On overflow it grows the ciphertext buffer to the engine-reported size and
// retries once; an engine that keeps overflowing without reporting a larger
// size gets ErrBufferLimit.
func (c *TLSSockChannel) wrap() (err error) {
	c.outboundApp.Flip()
	c.outboundNet.Compact()
	defer func() {
		c.outboundApp.Compact()
		c.outboundNet.Flip()
	}()

	for grown := false; ; {
		var res Result
		if res, err = c.engine.Wrap(c.outboundApp, c.outboundNet); err != nil {
			return err
		}
		c.hsStatus = res.Handshake

		switch res.Status {
		case StatusOK:
			return nil
		case StatusOverflow:
			need := c.engine.PacketBufferSize()
			if grown || need <= c.outboundNet.Capacity() || need > maxSessionBufferSize {
				return errorx.ErrBufferLimit
			}
			logging.Debugf("tls wrap: overflow, growing ciphertext buffer to %d", need)
			c.outboundNet.Grow(need)
			grown = true
		case StatusUnderflow:
			// The source is caller-provided plaintext; underflow here makes
			// no sense.
			return errorx.ErrEngineStatus
		case StatusClosed:
			return errorx.ErrEngineClosed
		}
	}
}

// unwrap moves inbound ciphertext into inbound plaintext through the engine.
// Overflow grows the plaintext buffer and retries once. Underflow means the
// source does not hold a full record yet: the ciphertext buffer is grown when
// the engine's packet size exceeds its capacity, otherwise the caller simply
// needs more bytes from the peer; either way unwrap returns nil and the
// engine's status directs the next step.
func (c *TLSSockChannel) unwrap() (err error) {
	growNet := 0
	c.inboundApp.Compact()
	c.inboundNet.Flip()
	defer func() {
		c.inboundApp.Flip()
		c.inboundNet.Compact()
		if growNet > 0 {
			c.inboundNet.Grow(growNet)
		}
	}()

	for grown := false; ; {
		var res Result
		if res, err = c.engine.Unwrap(c.inboundNet, c.inboundApp); err != nil {
			return err
		}
		c.hsStatus = res.Handshake

		switch res.Status {
		case StatusOK:
			return nil
		case StatusOverflow:
			need := c.engine.ApplicationBufferSize()
			if grown || need <= c.inboundApp.Capacity() || need > maxSessionBufferSize {
				return errorx.ErrBufferLimit
			}
			logging.Debugf("tls unwrap: overflow, growing plaintext buffer to %d", need)
			c.inboundApp.Grow(need)
			grown = true
		case StatusUnderflow:
			if need := c.engine.PacketBufferSize(); need > c.inboundNet.Capacity() {
				if need > maxSessionBufferSize {
					return errorx.ErrBufferLimit
				}
				logging.Debugf("tls unwrap: underflow, growing ciphertext buffer to %d", need)
				growNet = need
			}
			return nil
		case StatusClosed:
			return errorx.ErrEngineClosed
		}
	}
}

// receive reads at least one byte of ciphertext from the peer, unwraps it,
// and resumes cont, detouring through the handshake machinery when the
// engine demands it.
func (c *TLSSockChannel) receive(cont func()) {
	err := c.sock.readImpl(c.inboundNet, 0, func(_ int, err error) {
		if err != nil {
			c.bufferedErr = err
			cont()
			return
		}
		if err := c.unwrap(); err != nil {
			c.bufferedErr = err
			cont()
			return
		}
		if c.hsStatus != NotHandshaking {
			if !c.handshakeInProgress {
				c.handshakeInProgress = true
				c.handshakeStep()
			}
		} else {
			cont()
		}
	})
	if err != nil {
		c.bufferedErr = err
		cont()
	}
}

// send wraps the outbound plaintext and writes the produced ciphertext,
// resuming cont once the write completes, with the same handshake detour as
// receive.
func (c *TLSSockChannel) send(cont func()) {
	if err := c.wrap(); err != nil {
		c.bufferedErr = err
		cont()
		return
	}

	if c.hsStatus != NotHandshaking {
		if !c.handshakeInProgress {
			c.handshakeInProgress = true
			c.handshakeStep()
		}
		return
	}

	if !c.outboundNet.HasRemaining() {
		cont()
		return
	}
	err := c.sock.writeImpl(c.outboundNet, c.outboundNet.Remaining(), func(_ int, err error) {
		if err != nil {
			c.bufferedErr = err
			cont()
			return
		}
		// one wrap pass is bounded by the record size; keep flushing until
		// the outbound plaintext is fully drained
		if c.outboundApp.Position() > 0 {
			c.send(cont)
			return
		}
		cont()
	})
	if err != nil {
		c.bufferedErr = err
		cont()
	}
}

func (c *TLSSockChannel) setReadHandler(op tlsOp) error {
	if c.readH != nil {
		return errorx.ErrHandlerPending
	}
	c.readH = op
	if !c.handshakeInProgress {
		op.run()
	}
	return nil
}

func (c *TLSSockChannel) setWriteHandler(op tlsOp) error {
	if c.writeH != nil {
		return errorx.ErrHandlerPending
	}
	c.writeH = op
	if !c.handshakeInProgress {
		op.run()
	}
	return nil
}

func (c *TLSSockChannel) removeReadHandler()  { c.readH = nil }
func (c *TLSSockChannel) removeWriteHandler() { c.writeH = nil }

// Read reads plaintext until buf's free space is filled, then invokes the
// callback.
func (c *TLSSockChannel) Read(buf *bytebuf.Buffer, cb Callback) error {
	return c.readImpl(buf, buf.Remaining(), cb)
}

// ReadN reads plaintext until n bytes have been read, or, if n is zero,
// until at least one byte has been read, then invokes the callback.
func (c *TLSSockChannel) ReadN(buf *bytebuf.Buffer, n int, cb Callback) error {
	if n < 0 {
		return errorx.ErrInvalidArgument
	}
	return c.readImpl(buf, n, cb)
}

func (c *TLSSockChannel) readImpl(buf *bytebuf.Buffer, n int, cb Callback) error {
	if c.connectionClosed {
		return errorx.ErrChannelClosed
	}
	if !buf.HasRemaining() {
		return errorx.ErrEmptyBuffer
	}
	atLeastOne := n == 0
	window := buf.Bytes()
	if n > 0 && n < len(window) {
		window = window[:n]
	}
	return c.setReadHandler(&tlsReadOp{c: c, buf: buf, view: window, atLeastOne: atLeastOne, cb: cb})
}

// tlsReadOp drains already-unwrapped plaintext into the caller's buffer and
// schedules receive cycles while its completion predicate is unmet.
type tlsReadOp struct {
	c          *TLSSockChannel
	buf        *bytebuf.Buffer
	view       []byte
	done       int
	atLeastOne bool
	cb         Callback
}

func (op *tlsReadOp) run() {
	c := op.c
	var opErr error

	if c.bufferedErr != nil {
		opErr = c.bufferedErr
		c.bufferedErr = nil
	} else {
		copied := c.inboundApp.Read(op.view[op.done:])
		op.done += copied
		if copied == 0 || (op.done < len(op.view) && !op.atLeastOne) {
			// not enough plaintext buffered -> pull more from the peer
			c.receive(op.run)
			return
		}
	}

	done := op.done
	op.buf.Advance(done)
	c.loop.SetImmediate(func() {
		c.removeReadHandler()
		op.cb(done, opErr)
	})
}

// Write writes buf's remaining plaintext, then invokes the callback.
func (c *TLSSockChannel) Write(buf *bytebuf.Buffer, cb Callback) error {
	return c.writeImpl(buf, buf.Remaining(), cb)
}

// WriteN writes plaintext until n bytes have been written, or, if n is zero,
// until at least one byte has been written, then invokes the callback.
func (c *TLSSockChannel) WriteN(buf *bytebuf.Buffer, n int, cb Callback) error {
	if n < 0 {
		return errorx.ErrInvalidArgument
	}
	return c.writeImpl(buf, n, cb)
}

func (c *TLSSockChannel) writeImpl(buf *bytebuf.Buffer, n int, cb Callback) error {
	if c.connectionClosed {
		return errorx.ErrChannelClosed
	}
	if !buf.HasRemaining() {
		return errorx.ErrEmptyBuffer
	}
	atLeastOne := n == 0
	window := buf.Bytes()
	if n > 0 && n < len(window) {
		window = window[:n]
	}
	return c.setWriteHandler(&tlsWriteOp{c: c, buf: buf, view: window, atLeastOne: atLeastOne, cb: cb})
}

// tlsWriteOp copies caller plaintext into the outbound buffer and runs
// wrap-and-send cycles until it is drained or the predicate holds.
type tlsWriteOp struct {
	c          *TLSSockChannel
	buf        *bytebuf.Buffer
	view       []byte
	done       int
	atLeastOne bool
	cb         Callback
}

func (op *tlsWriteOp) run() {
	c := op.c
	if c.bufferedErr != nil {
		op.finish()
		return
	}
	// A handshake detour may re-enter here with the predicate already met
	// (renegotiation finishing after the last copy). Nothing left to copy:
	// flush the remaining plaintext and complete, or run would chase send
	// forever on an empty buffer.
	if op.done == len(op.view) || (op.atLeastOne && op.done > 0) {
		c.send(op.finish)
		return
	}

	copied := c.outboundApp.Write(op.view[op.done:])
	op.done += copied
	if copied == 0 || (op.done < len(op.view) && !op.atLeastOne) {
		// outbound plaintext saturated before the view drained -> flush and
		// come back for the rest
		c.send(op.run)
	} else {
		c.send(op.finish)
	}
}

func (op *tlsWriteOp) finish() {
	c := op.c
	done := op.done
	opErr := c.bufferedErr
	c.bufferedErr = nil
	op.buf.Advance(done)
	c.loop.SetImmediate(func() {
		c.removeWriteHandler()
		op.cb(done, opErr)
	})
}

// TransferFrom reads the region of file starting at pos and writes it over
// the secure channel, staging through the outbound plaintext buffer.
// Argument semantics match SockChannel.TransferFrom.
func (c *TLSSockChannel) TransferFrom(file *os.File, pos, n int64, cb TransferCallback) error {
	if c.connectionClosed {
		return errorx.ErrChannelClosed
	}
	if pos < 0 || n < -1 {
		return errorx.ErrInvalidArgument
	}
	target, err := transferTarget(file, pos, n)
	if err != nil {
		c.loop.SetImmediate(func() { cb(0, err) })
		return nil
	}
	return c.setWriteHandler(&tlsXferOp{
		c: c, file: file, pos: pos, target: target, atLeastOne: n == 0, cb: cb,
	})
}

// TransferTo is not supported over a secure channel.
func (c *TLSSockChannel) TransferTo(_ *os.File, _, _ int64, _ TransferCallback) error {
	return errorx.ErrUnsupportedOp
}

// tlsXferOp stages file bytes through the outbound plaintext buffer and runs
// wrap-and-send cycles, the write-side transfer path.
type tlsXferOp struct {
	c          *TLSSockChannel
	file       *os.File
	pos        int64
	target     int64
	done       int64
	atLeastOne bool
	cb         TransferCallback
}

func (op *tlsXferOp) run() {
	c := op.c
	if c.bufferedErr != nil {
		op.finish()
		return
	}
	// same re-entry guard as tlsWriteOp.run
	if op.done == op.target || (op.atLeastOne && op.done > 0) {
		c.send(op.finish)
		return
	}

	space := c.outboundApp.Bytes()
	if max := op.target - op.done; int64(len(space)) > max {
		space = space[:max]
	}
	n, err := op.file.ReadAt(space, op.pos+op.done)
	if err != nil && !(err == io.EOF && n > 0) && len(space) > 0 {
		c.loop.SetImmediate(func() {
			c.removeWriteHandler()
			op.cb(op.done, err)
		})
		return
	}
	c.outboundApp.Advance(n)
	op.done += int64(n)

	if op.done < op.target && !(op.atLeastOne && n > 0) {
		c.send(op.run)
	} else {
		c.send(op.finish)
	}
}

func (op *tlsXferOp) finish() {
	c := op.c
	done := op.done
	opErr := c.bufferedErr
	c.bufferedErr = nil
	c.loop.SetImmediate(func() {
		c.removeWriteHandler()
		op.cb(done, opErr)
	})
}

// Close tears down the underlying channel. Pending handlers are dropped
// without their callbacks firing. Not idempotent.
func (c *TLSSockChannel) Close() {
	c.connectionClosed = true
	c.readH, c.writeH = nil, nil
	c.sock.Close()
}
