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

// Package netpoll wraps the platform readiness multiplexer. Descriptors are
// registered once and have their interest set updated in place; one Poll call
// performs one bounded wait and reports every ready descriptor to the caller.
package netpoll

import (
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// IOEvent is the epoll event bitmask.
type IOEvent = uint32

const (
	// ReadEvents is the interest mask for readability (and acceptability).
	ReadEvents IOEvent = unix.EPOLLIN | unix.EPOLLPRI
	// WriteEvents is the interest mask for writability (and connect completion).
	WriteEvents IOEvent = unix.EPOLLOUT
	// ErrEvents is reported by the kernel regardless of the interest set.
	ErrEvents IOEvent = unix.EPOLLERR | unix.EPOLLHUP | unix.EPOLLRDHUP
)

const (
	initPollEventsCap = 128
	maxPollEventsCap  = 1024
	minPollEventsCap  = 32
)

// Poller monitors file descriptors for readiness.
type Poller struct {
	fd      int    // epoll fd
	wfd     int    // eventfd, wakes a blocked wait
	wfdBuf  []byte // wfd buffer to read packet
	wakeSig int32
	events  []unix.EpollEvent
}

// OpenPoller instantiates a poller.
func OpenPoller() (poller *Poller, err error) {
	poller = new(Poller)
	if poller.fd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC); err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	if poller.wfd, err = unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC); err != nil {
		_ = unix.Close(poller.fd)
		return nil, os.NewSyscallError("eventfd", err)
	}
	poller.wfdBuf = make([]byte, 8)
	if err = poller.Register(poller.wfd); err != nil {
		_ = poller.Close()
		return nil, err
	}
	if err = poller.ModInterest(poller.wfd, ReadEvents); err != nil {
		_ = poller.Close()
		return nil, err
	}
	poller.events = make([]unix.EpollEvent, initPollEventsCap)
	return
}

// Close closes the poller.
func (p *Poller) Close() error {
	if err := os.NewSyscallError("close", unix.Close(p.fd)); err != nil {
		return err
	}
	return os.NewSyscallError("close", unix.Close(p.wfd))
}

// Make the endianness of bytes compatible with more linux OSs under different
// processor-architectures, according to
// http://man7.org/linux/man-pages/man2/eventfd.2.html.
var (
	u uint64 = 1
	b        = (*(*[8]byte)(unsafe.Pointer(&u)))[:]
)

// Wakeup interrupts a blocked Poll from another goroutine. Coalesced: only
// the first call between two polls writes the eventfd.
func (p *Poller) Wakeup() (err error) {
	if atomic.CompareAndSwapInt32(&p.wakeSig, 0, 1) {
		for _, err = unix.Write(p.wfd, b); err == unix.EINTR || err == unix.EAGAIN; _, err = unix.Write(p.wfd, b) {
		}
	}
	return os.NewSyscallError("write", err)
}

// Poll performs one epoll wait bounded by timeoutMs (0 returns immediately,
// -1 blocks indefinitely) and invokes fn for every ready descriptor.
func (p *Poller) Poll(timeoutMs int, fn func(fd int, ev IOEvent)) error {
	n, err := unix.EpollWait(p.fd, p.events, timeoutMs)
	if n < 0 {
		if err == unix.EINTR {
			return nil
		}
		return os.NewSyscallError("epoll_wait", err)
	}

	for i := 0; i < n; i++ {
		ev := &p.events[i]
		if fd := int(ev.Fd); fd != p.wfd {
			fn(fd, ev.Events)
		} else { // poller is awoken to run triggered tasks.
			_, _ = unix.Read(p.wfd, p.wfdBuf)
			atomic.StoreInt32(&p.wakeSig, 0)
		}
	}

	if n == len(p.events) && n < maxPollEventsCap {
		p.events = make([]unix.EpollEvent, n<<1)
	} else if n < len(p.events)>>1 && len(p.events) > minPollEventsCap {
		p.events = make([]unix.EpollEvent, len(p.events)>>1)
	}
	return nil
}

// Register adds fd to the poller with an empty interest set.
func (p *Poller) Register(fd int) error {
	return os.NewSyscallError("epoll_ctl add",
		unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd)}))
}

// ModInterest replaces the interest set of a registered fd.
func (p *Poller) ModInterest(fd int, events IOEvent) error {
	return os.NewSyscallError("epoll_ctl mod",
		unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events}))
}

// Delete removes fd from the poller.
func (p *Poller) Delete(fd int) error {
	return os.NewSyscallError("epoll_ctl del", unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil))
}
