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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerSockChannelBindPicksEphemeralPort(t *testing.T) {
	loop := startLoop(t)

	addrCh := make(chan net.Addr, 1)
	require.NoError(t, loop.Trigger(func() {
		srv := loop.OpenServerSockChannel()
		if !assert.NoError(t, srv.Bind("tcp", "127.0.0.1:0")) {
			addrCh <- nil
			return
		}
		addrCh <- srv.Addr()
	}))

	addr := <-addrCh
	require.NotNil(t, addr)
	tcp, ok := addr.(*net.TCPAddr)
	require.True(t, ok)
	assert.NotZero(t, tcp.Port)
}

func TestServerSockChannelAcceptsEachConnection(t *testing.T) {
	loop := startLoop(t)

	accepted := make(chan *SockChannel, 4)
	addr := bindServer(t, loop, func(c *SockChannel, err error) {
		if !assert.NoError(t, err) {
			return
		}
		accepted <- c
	})

	const dials = 3
	for i := 0; i < dials; i++ {
		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		defer conn.Close()
	}

	for i := 0; i < dials; i++ {
		select {
		case <-accepted:
		case <-time.After(5 * time.Second):
			t.Fatalf("accepted only %d of %d connections", i, dials)
		}
	}
}

func TestServerSockChannelCancelStopsAccepting(t *testing.T) {
	loop := startLoop(t)

	accepted := make(chan struct{}, 4)
	addrCh := make(chan string, 1)
	var srv *ServerSockChannel
	require.NoError(t, loop.Trigger(func() {
		srv = loop.OpenServerSockChannel()
		if !assert.NoError(t, srv.Bind("tcp", "127.0.0.1:0")) {
			addrCh <- ""
			return
		}
		if !assert.NoError(t, srv.Accept(func(c *SockChannel, err error) {
			if err == nil {
				accepted <- struct{}{}
			}
		})) {
			addrCh <- ""
			return
		}
		srv.Cancel()
		addrCh <- srv.Addr().String()
	}))
	addr := <-addrCh
	require.NotEmpty(t, addr)

	// the kernel still completes the connection in the backlog, but no
	// callback may fire while the accept is cancelled
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-accepted:
		t.Fatal("accept callback fired after Cancel")
	case <-time.After(100 * time.Millisecond):
	}

	// re-arming picks the queued connection back up
	require.NoError(t, loop.Trigger(func() {
		assert.NoError(t, srv.Accept(func(c *SockChannel, err error) {
			if err == nil {
				accepted <- struct{}{}
			}
		}))
	}))

	select {
	case <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("accept callback never fired after re-arming")
	}
}
