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

	"golang.org/x/sys/unix"

	"github.com/pfenic/nimble/internal/netpoll"
	"github.com/pfenic/nimble/internal/socket"
	"github.com/pfenic/nimble/pkg/buffer/bytebuf"
	errorx "github.com/pfenic/nimble/pkg/errors"
	"github.com/pfenic/nimble/pool/bytebuffer"
)

// Callback completes an asynchronous read or write with the number of bytes
// transferred and an optional error. End-of-stream is reported as io.EOF
// together with however many bytes were transferred before it.
type Callback func(n int, err error)

// TransferCallback completes an asynchronous file transfer.
type TransferCallback func(n int64, err error)

// ConnectCallback completes an asynchronous connect.
type ConnectCallback func(c *SockChannel, err error)

// transferChunk bounds how many bytes one socket-to-file readiness pass
// stages through the scratch buffer.
const transferChunk = 64 << 10

// pendingOp is one outstanding operation on a channel: an owned value holding
// its progress counters, advanced by resume on every matching readiness
// notification until its completion predicate holds.
type pendingOp interface {
	resume(c *SockChannel)
}

// SockChannel wraps one non-blocking TCP descriptor registered with an event
// loop. Every operation is a single-shot asynchronous call completed through
// its callback; at most one operation per kind (connect, read, write) may be
// outstanding at a time. All methods must be called from the loop goroutine.
type SockChannel struct {
	loop     *EventLoop
	fd       int
	interest netpoll.IOEvent
	readyEv  netpoll.IOEvent

	readOp    pendingOp
	writeOp   pendingOp
	connectOp pendingOp
}

// newSockChannel wraps an existing non-blocking descriptor, registering it
// with the loop's poller.
func newSockChannel(loop *EventLoop, fd int) (*SockChannel, error) {
	c := &SockChannel{loop: loop, fd: fd}
	if err := loop.register(fd, c); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return c, nil
}

// ready accumulates the readiness events reported by the poller for the next
// Run.
func (c *SockChannel) ready(ev netpoll.IOEvent) {
	c.readyEv |= ev
}

// Run dispatches the collected readiness events to the pending operations.
// Error-class events (hangup, reset) are handed to whichever operations are
// pending so the failing syscall surfaces the actual error.
func (c *SockChannel) Run() {
	ev := c.readyEv
	c.readyEv = 0
	if c.fd == -1 { // closed while its notification was in flight
		return
	}
	if ev&(netpoll.ReadEvents|netpoll.ErrEvents) != 0 && c.readOp != nil {
		c.readOp.resume(c)
	}
	if ev&(netpoll.WriteEvents|netpoll.ErrEvents) != 0 {
		if c.writeOp != nil {
			c.writeOp.resume(c)
		}
		if c.connectOp != nil {
			c.connectOp.resume(c)
		}
	}
}

func (c *SockChannel) setReadOp(op pendingOp) error {
	if c.readOp != nil {
		return errorx.ErrHandlerPending
	}
	c.readOp = op
	c.interest |= netpoll.ReadEvents
	return c.loop.modInterest(c.fd, c.interest)
}

func (c *SockChannel) setWriteOp(op pendingOp) error {
	if c.writeOp != nil {
		return errorx.ErrHandlerPending
	}
	c.writeOp = op
	c.interest |= netpoll.WriteEvents
	return c.loop.modInterest(c.fd, c.interest)
}

func (c *SockChannel) removeReadOp() {
	c.readOp = nil
	c.interest &^= netpoll.ReadEvents
	if c.fd != -1 {
		_ = c.loop.modInterest(c.fd, c.interest)
	}
}

func (c *SockChannel) removeWriteOp() {
	c.writeOp = nil
	if c.connectOp == nil {
		c.interest &^= netpoll.WriteEvents
	}
	if c.fd != -1 {
		_ = c.loop.modInterest(c.fd, c.interest)
	}
}

func (c *SockChannel) removeConnectOp() {
	c.connectOp = nil
	if c.writeOp == nil {
		c.interest &^= netpoll.WriteEvents
	}
	if c.fd != -1 {
		_ = c.loop.modInterest(c.fd, c.interest)
	}
}

// Connect initiates a non-blocking connect to addr on the given network
// ("tcp", "tcp4" or "tcp6"). The callback receives the channel once the
// connect finishes, or the error that defeated it; a synchronous failure is
// still delivered through the immediate-task path, never from inside Connect
// itself.
func (c *SockChannel) Connect(network, addr string, cb ConnectCallback) error {
	if c.connectOp != nil {
		return errorx.ErrHandlerPending
	}

	fail := func(err error) {
		c.loop.SetImmediate(func() { cb(nil, err) })
	}

	sa, _, _, err := socket.TCPSockaddr(network, addr)
	if err != nil {
		fail(err)
		return nil
	}
	if c.fd == -1 {
		fd, _, err := socket.TCPSocket(network)
		if err != nil {
			fail(err)
			return nil
		}
		if err = c.loop.register(fd, c); err != nil {
			_ = unix.Close(fd)
			fail(err)
			return nil
		}
		c.fd = fd
	}

	switch err = unix.Connect(c.fd, sa); err {
	case nil:
		// Connected on the spot; complete through the immediate path like
		// everything else.
		c.loop.SetImmediate(func() { cb(c, nil) })
		return nil
	case unix.EINPROGRESS:
	default:
		fail(os.NewSyscallError("connect", err))
		return nil
	}

	c.connectOp = &connectOp{cb: cb}
	c.interest |= netpoll.WriteEvents
	return c.loop.modInterest(c.fd, c.interest)
}

// connectOp finishes an in-progress connect on connect-readiness.
type connectOp struct {
	cb ConnectCallback
}

func (op *connectOp) resume(c *SockChannel) {
	err := socket.SocketError(c.fd)
	c.removeConnectOp()
	if err != nil {
		op.cb(nil, err)
		return
	}
	op.cb(c, nil)
}

// Read reads until buf's free space is filled, then invokes the callback.
func (c *SockChannel) Read(buf *bytebuf.Buffer, cb Callback) error {
	return c.readImpl(buf, buf.Remaining(), cb)
}

// ReadN reads until n bytes have been read, or, if n is zero, until at least
// one byte has been read, then invokes the callback.
func (c *SockChannel) ReadN(buf *bytebuf.Buffer, n int, cb Callback) error {
	if n < 0 {
		return errorx.ErrInvalidArgument
	}
	return c.readImpl(buf, n, cb)
}

func (c *SockChannel) readImpl(buf *bytebuf.Buffer, n int, cb Callback) error {
	if !buf.HasRemaining() {
		return errorx.ErrEmptyBuffer
	}
	atLeastOne := n == 0
	window := buf.Bytes()
	if n > 0 && n < len(window) {
		window = window[:n]
	}
	return c.setReadOp(&readOp{buf: buf, view: window, atLeastOne: atLeastOne, cb: cb})
}

// readOp is a pending socket read: fill view, or stop after the first
// non-empty read when atLeastOne is set.
type readOp struct {
	buf        *bytebuf.Buffer
	view       []byte
	done       int
	atLeastOne bool
	cb         Callback
}

func (op *readOp) resume(c *SockChannel) {
	var opErr error

	n, err := unix.Read(c.fd, op.view[op.done:])
	switch {
	case err == unix.EAGAIN:
		return
	case err != nil:
		opErr = os.NewSyscallError("read", err)
	case n == 0 && len(op.view) > 0:
		opErr = io.EOF
	default:
		op.done += n
		if op.done < len(op.view) && !(op.atLeastOne && n > 0) {
			// view not full yet -> read again on the next notification
			return
		}
	}

	op.buf.Advance(op.done)
	c.removeReadOp()
	op.cb(op.done, opErr)
}

// Write writes until buf's remaining bytes are drained, then invokes the
// callback.
func (c *SockChannel) Write(buf *bytebuf.Buffer, cb Callback) error {
	return c.writeImpl(buf, buf.Remaining(), cb)
}

// WriteN writes until n bytes have been written, or, if n is zero, until at
// least one byte has been written, then invokes the callback.
func (c *SockChannel) WriteN(buf *bytebuf.Buffer, n int, cb Callback) error {
	if n < 0 {
		return errorx.ErrInvalidArgument
	}
	return c.writeImpl(buf, n, cb)
}

func (c *SockChannel) writeImpl(buf *bytebuf.Buffer, n int, cb Callback) error {
	if !buf.HasRemaining() {
		return errorx.ErrEmptyBuffer
	}
	atLeastOne := n == 0
	window := buf.Bytes()
	if n > 0 && n < len(window) {
		window = window[:n]
	}
	return c.setWriteOp(&writeOp{buf: buf, view: window, atLeastOne: atLeastOne, cb: cb})
}

// writeOp is a pending socket write, symmetric to readOp.
type writeOp struct {
	buf        *bytebuf.Buffer
	view       []byte
	done       int
	atLeastOne bool
	cb         Callback
}

func (op *writeOp) resume(c *SockChannel) {
	var opErr error

	n, err := unix.Write(c.fd, op.view[op.done:])
	switch {
	case err == unix.EAGAIN:
		return
	case err != nil:
		opErr = os.NewSyscallError("write", err)
	default:
		op.done += n
		if op.done < len(op.view) && !(op.atLeastOne && n > 0) {
			// not everything written yet -> write again
			return
		}
	}

	op.buf.Advance(op.done)
	c.removeWriteOp()
	op.cb(op.done, opErr)
}

// TransferTo reads from this channel and writes into the region of file
// starting at pos, bounded by n bytes and by the file's current size. n == -1
// means the remainder of the file from pos; n == 0 means return after the
// first non-empty transfer. Negative pos or any other negative n fail fast.
func (c *SockChannel) TransferTo(file *os.File, pos, n int64, cb TransferCallback) error {
	if pos < 0 || n < -1 {
		return errorx.ErrInvalidArgument
	}
	target, err := transferTarget(file, pos, n)
	if err != nil {
		c.loop.SetImmediate(func() { cb(0, err) })
		return nil
	}
	return c.setReadOp(&transferToOp{file: file, pos: pos, target: target, atLeastOne: n == 0, cb: cb})
}

// TransferFrom reads the region of file starting at pos and writes it to this
// channel via sendfile. Argument semantics match TransferTo.
func (c *SockChannel) TransferFrom(file *os.File, pos, n int64, cb TransferCallback) error {
	if pos < 0 || n < -1 {
		return errorx.ErrInvalidArgument
	}
	target, err := transferTarget(file, pos, n)
	if err != nil {
		c.loop.SetImmediate(func() { cb(0, err) })
		return nil
	}
	return c.setWriteOp(&transferFromOp{file: file, pos: pos, target: target, atLeastOne: n == 0, cb: cb})
}

// transferTarget clamps a transfer request to the file region [pos, size).
func transferTarget(file *os.File, pos, n int64) (int64, error) {
	fi, err := file.Stat()
	if err != nil {
		return 0, err
	}
	remaining := fi.Size() - pos
	if remaining < 0 {
		remaining = 0
	}
	// n == 0 ("first non-empty transfer") is bounded by the region alone.
	if n <= 0 || n > remaining {
		return remaining, nil
	}
	return n, nil
}

// transferToOp moves bytes socket -> file, staging each pass through a
// pooled scratch buffer.
type transferToOp struct {
	file       *os.File
	pos        int64
	target     int64
	done       int64
	atLeastOne bool
	cb         TransferCallback
}

func (op *transferToOp) resume(c *SockChannel) {
	var opErr error

	chunk := op.target - op.done
	if chunk > transferChunk {
		chunk = transferChunk
	}
	bb := bytebuffer.Get()
	if cap(bb.B) < int(chunk) {
		bb.B = make([]byte, chunk)
	}
	buf := bb.B[:chunk]

	n, err := unix.Read(c.fd, buf)
	switch {
	case err == unix.EAGAIN:
		bytebuffer.Put(bb)
		return
	case err != nil:
		opErr = os.NewSyscallError("read", err)
	case n == 0 && chunk > 0:
		opErr = io.EOF
	default:
		var wn int
		wn, opErr = op.file.WriteAt(buf[:n], op.pos+op.done)
		op.done += int64(wn)
		if opErr == nil && op.done < op.target && !(op.atLeastOne && n > 0) {
			bytebuffer.Put(bb)
			return
		}
	}
	bytebuffer.Put(bb)

	c.removeReadOp()
	op.cb(op.done, opErr)
}

// transferFromOp moves bytes file -> socket with sendfile.
type transferFromOp struct {
	file       *os.File
	pos        int64
	target     int64
	done       int64
	atLeastOne bool
	cb         TransferCallback
}

func (op *transferFromOp) resume(c *SockChannel) {
	var opErr error

	offset := op.pos + op.done
	n, err := unix.Sendfile(c.fd, int(op.file.Fd()), &offset, int(op.target-op.done))
	switch {
	case err == unix.EAGAIN:
		return
	case err != nil:
		opErr = os.NewSyscallError("sendfile", err)
	default:
		op.done += int64(n)
		if op.done < op.target && !(op.atLeastOne && n > 0) {
			return
		}
	}

	c.removeWriteOp()
	op.cb(op.done, opErr)
}

// Close cancels the descriptor's registration and releases it. Any pending
// operations are dropped without their callbacks firing. Not idempotent: the
// caller must not close a channel twice.
func (c *SockChannel) Close() {
	c.loop.deregister(c.fd)
	if err := unix.Close(c.fd); err != nil {
		c.loop.logger.Errorf("closing fd %d: %v", c.fd, os.NewSyscallError("close", err))
	}
	c.fd = -1
	c.readOp, c.writeOp, c.connectOp = nil, nil, nil
	c.interest, c.readyEv = 0, 0
}
