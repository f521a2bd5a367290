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
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/pfenic/nimble/internal/netpoll"
	"github.com/pfenic/nimble/internal/socket"
	errorx "github.com/pfenic/nimble/pkg/errors"
)

// AcceptCallback hands a freshly accepted connection to the caller.
type AcceptCallback func(c *SockChannel, err error)

// ServerSockChannel wraps one non-blocking listening descriptor registered
// with an event loop. All methods must be called from the loop goroutine.
type ServerSockChannel struct {
	loop    *EventLoop
	fd      int
	addr    net.Addr
	readyEv netpoll.IOEvent
	accept  AcceptCallback
}

// Bind binds the listening descriptor to addr on the given network and puts
// it into listening state. It may fail if the address is in use or invalid.
func (s *ServerSockChannel) Bind(network, addr string) error {
	if s.fd != -1 {
		return errorx.ErrHandlerPending
	}
	sa, _, tcpAddr, err := socket.TCPSockaddr(network, addr)
	if err != nil {
		return err
	}
	fd, _, err := socket.TCPSocket(network)
	if err != nil {
		return err
	}
	if err = socket.BindAndListen(fd, sa); err != nil {
		_ = unix.Close(fd)
		return err
	}
	if err = s.loop.register(fd, s); err != nil {
		_ = unix.Close(fd)
		return err
	}
	s.fd = fd

	// The kernel may have picked the port (ephemeral bind).
	if lsa, err := unix.Getsockname(fd); err == nil {
		s.addr = socket.SockaddrToTCPAddr(lsa)
	} else {
		s.addr = tcpAddr
	}
	return nil
}

// Addr returns the bound local address, or nil before Bind.
func (s *ServerSockChannel) Addr() net.Addr {
	return s.addr
}

// Accept sets or replaces the callback invoked for every accepted connection
// and starts accepting. The callback keeps firing for each new connection
// until Cancel clears the interest or Close tears the descriptor down.
func (s *ServerSockChannel) Accept(cb AcceptCallback) error {
	s.accept = cb
	return s.loop.modInterest(s.fd, netpoll.ReadEvents)
}

// Cancel stops accepting new connections, keeping the descriptor bound.
func (s *ServerSockChannel) Cancel() {
	s.accept = nil
	if s.fd != -1 {
		_ = s.loop.modInterest(s.fd, 0)
	}
}

// ready implements pollTask.
func (s *ServerSockChannel) ready(ev netpoll.IOEvent) {
	s.readyEv |= ev
}

// Run accepts one pending connection per acceptability notification, wraps it
// in a SockChannel and hands it to the accept callback.
func (s *ServerSockChannel) Run() {
	ev := s.readyEv
	s.readyEv = 0
	if s.fd == -1 || s.accept == nil || ev&(netpoll.ReadEvents|netpoll.ErrEvents) == 0 {
		return
	}

	nfd, _, err := socket.Accept(s.fd)
	if err != nil {
		if err.(*os.SyscallError).Err == unix.EAGAIN { // raced with another notification
			return
		}
		s.accept(nil, err)
		return
	}
	c, err := newSockChannel(s.loop, nfd)
	if err != nil {
		s.accept(nil, err)
		return
	}
	s.accept(c, nil)
}

// Close stops accepting, cancels the registration and releases the
// descriptor.
func (s *ServerSockChannel) Close() {
	s.accept = nil
	if s.fd == -1 {
		return
	}
	s.loop.deregister(s.fd)
	if err := unix.Close(s.fd); err != nil {
		s.loop.logger.Errorf("closing listener fd %d: %v", s.fd, os.NewSyscallError("close", err))
	}
	s.fd = -1
}
