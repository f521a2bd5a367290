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

import "net"

// TLSAcceptCallback is invoked on the loop goroutine for each secured
// connection accepted by a TLSServerSockChannel. The channel's handshake has
// been started but not necessarily completed; its outcome surfaces through
// the first read or write on the channel.
type TLSAcceptCallback func(c *TLSSockChannel, err error)

// TLSServerSockChannel is a listening channel that dresses every accepted
// connection in a fresh record engine and kicks off its server-side
// handshake before handing it to the accept callback.
type TLSServerSockChannel struct {
	loop      *EventLoop
	ln        *ServerSockChannel
	newEngine func() RecordEngine
}

// OpenTLSServerSockChannel returns an unbound TLS listening channel on the
// loop. newEngine is called once per accepted connection and must return a
// server-mode engine.
func (el *EventLoop) OpenTLSServerSockChannel(newEngine func() RecordEngine) *TLSServerSockChannel {
	return &TLSServerSockChannel{
		loop:      el,
		ln:        el.OpenServerSockChannel(),
		newEngine: newEngine,
	}
}

// Bind binds and listens on the given address.
func (s *TLSServerSockChannel) Bind(network, addr string) error {
	return s.ln.Bind(network, addr)
}

// Addr returns the bound local address, or nil before Bind.
func (s *TLSServerSockChannel) Addr() net.Addr {
	return s.ln.Addr()
}

// Accept installs cb as the accept callback, replacing any previous one, and
// returns the interest-registration error, if any. Each raw connection is
// wrapped before delivery; a handshake that fails to start is buffered on the
// channel rather than reported here, so the callback's error is only ever an
// accept failure.
func (s *TLSServerSockChannel) Accept(cb TLSAcceptCallback) error {
	return s.ln.Accept(func(raw *SockChannel, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		c := NewTLSSockChannel(s.loop, s.newEngine(), raw)
		if hsErr := c.Handshake(); hsErr != nil {
			c.bufferedErr = hsErr
		}
		cb(c, nil)
	})
}

// Cancel uninstalls the accept callback and stops accepting.
func (s *TLSServerSockChannel) Cancel() {
	s.ln.Cancel()
}

// Close closes the listening socket. Not idempotent.
func (s *TLSServerSockChannel) Close() {
	s.ln.Close()
}
