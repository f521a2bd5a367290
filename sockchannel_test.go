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
	"bytes"
	"io"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pfenic/nimble/pkg/buffer/bytebuf"
	errorx "github.com/pfenic/nimble/pkg/errors"
)

// bindServer opens a listening channel on a kernel-picked loopback port and
// returns its address.
func bindServer(t *testing.T, loop *EventLoop, onAccept AcceptCallback) string {
	t.Helper()
	addrCh := make(chan string, 1)
	require.NoError(t, loop.Trigger(func() {
		srv := loop.OpenServerSockChannel()
		if err := srv.Bind("tcp", "127.0.0.1:0"); err != nil {
			t.Errorf("bind: %v", err)
			addrCh <- ""
			return
		}
		if err := srv.Accept(onAccept); err != nil {
			t.Errorf("accept: %v", err)
		}
		addrCh <- srv.Addr().String()
	}))
	addr := <-addrCh
	require.NotEmpty(t, addr)
	return addr
}

func randomBytes(n int) []byte {
	p := make([]byte, n)
	rand.New(rand.NewSource(42)).Read(p)
	return p
}

func TestSockChannelEcho(t *testing.T) {
	loop := startLoop(t)
	payload := randomBytes(4096)

	addr := bindServer(t, loop, func(c *SockChannel, err error) {
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		buf := bytebuf.New(len(payload))
		err = c.Read(buf, func(n int, err error) {
			if err != nil {
				t.Errorf("server read: %v", err)
				return
			}
			buf.Flip()
			_ = c.Write(buf, func(int, error) { c.Close() })
		})
		if err != nil {
			t.Errorf("server read setup: %v", err)
		}
	})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(payload)
	require.NoError(t, err)

	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestSockChannelReadAtLeastOne(t *testing.T) {
	loop := startLoop(t)

	got := make(chan int, 1)
	addr := bindServer(t, loop, func(c *SockChannel, err error) {
		if !assert.NoError(t, err) {
			return
		}
		buf := bytebuf.New(64)
		_ = c.ReadN(buf, 0, func(n int, err error) {
			assert.NoError(t, err)
			got <- n
		})
	})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("abc"))
	require.NoError(t, err)

	select {
	case n := <-got:
		// the predicate is "at least one byte", not "buffer full"
		assert.GreaterOrEqual(t, n, 1)
		assert.LessOrEqual(t, n, 3)
	case <-time.After(5 * time.Second):
		t.Fatal("read never completed")
	}
}

func TestSockChannelReadExactlyN(t *testing.T) {
	loop := startLoop(t)
	payload := randomBytes(1 << 16)

	got := make(chan []byte, 1)
	addr := bindServer(t, loop, func(c *SockChannel, err error) {
		if !assert.NoError(t, err) {
			return
		}
		buf := bytebuf.New(len(payload))
		_ = c.ReadN(buf, len(payload), func(n int, err error) {
			assert.NoError(t, err)
			assert.Equal(t, len(payload), n)
			buf.Flip()
			cp := make([]byte, buf.Remaining())
			copy(cp, buf.Bytes())
			got <- cp
		})
	})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	// drip the payload so the read has to carry progress across multiple
	// readiness notifications
	for _, chunk := range [][]byte{payload[:10], payload[10:1000], payload[1000:]} {
		_, err = conn.Write(chunk)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case data := <-got:
		assert.Equal(t, payload, data)
	case <-time.After(5 * time.Second):
		t.Fatal("read never completed")
	}
}

func TestSockChannelReadEOFReportsPartialCount(t *testing.T) {
	loop := startLoop(t)

	type result struct {
		n   int
		err error
	}
	got := make(chan result, 1)
	addr := bindServer(t, loop, func(c *SockChannel, err error) {
		if !assert.NoError(t, err) {
			return
		}
		buf := bytebuf.New(64)
		_ = c.Read(buf, func(n int, err error) { got <- result{n, err} })
	})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_, err = conn.Write([]byte("1234"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	select {
	case r := <-got:
		assert.Equal(t, io.EOF, r.err)
		assert.Equal(t, 4, r.n)
	case <-time.After(5 * time.Second):
		t.Fatal("read never completed")
	}
}

func TestSockChannelEmptyBufferFailsFast(t *testing.T) {
	loop := startLoop(t)

	got := make(chan error, 2)
	addr := bindServer(t, loop, func(c *SockChannel, err error) {
		if !assert.NoError(t, err) {
			return
		}
		full := bytebuf.New(8)
		full.Advance(8) // no free space left
		got <- c.Read(full, func(int, error) { t.Error("callback must not fire") })

		drained := bytebuf.Wrap(nil)
		got <- c.Write(drained, func(int, error) { t.Error("callback must not fire") })
	})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	assert.ErrorIs(t, <-got, errorx.ErrEmptyBuffer)
	assert.ErrorIs(t, <-got, errorx.ErrEmptyBuffer)
}

func TestSockChannelSecondReadIsRejected(t *testing.T) {
	loop := startLoop(t)

	got := make(chan error, 1)
	addr := bindServer(t, loop, func(c *SockChannel, err error) {
		if !assert.NoError(t, err) {
			return
		}
		_ = c.Read(bytebuf.New(16), func(int, error) {})
		got <- c.Read(bytebuf.New(16), func(int, error) {})
	})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	assert.ErrorIs(t, <-got, errorx.ErrHandlerPending)
}

func TestSockChannelConnect(t *testing.T) {
	loop := startLoop(t)

	accepted := make(chan struct{}, 1)
	addr := bindServer(t, loop, func(c *SockChannel, err error) {
		if !assert.NoError(t, err) {
			return
		}
		accepted <- struct{}{}
		c.Close()
	})

	connected := make(chan error, 1)
	require.NoError(t, loop.Trigger(func() {
		sc := loop.OpenSockChannel()
		err := sc.Connect("tcp", addr, func(c *SockChannel, err error) {
			if err == nil {
				c.Close()
			}
			connected <- err
		})
		if err != nil {
			connected <- err
		}
	}))

	select {
	case err := <-connected:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("connect never completed")
	}
	<-accepted
}

func TestSockChannelConnectRefused(t *testing.T) {
	loop := startLoop(t)

	// grab a port that nothing listens on anymore
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	connected := make(chan error, 1)
	require.NoError(t, loop.Trigger(func() {
		sc := loop.OpenSockChannel()
		_ = sc.Connect("tcp", addr, func(_ *SockChannel, err error) {
			connected <- err
		})
	}))

	select {
	case err := <-connected:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("connect never completed")
	}
}

func TestSockChannelConnectBadAddress(t *testing.T) {
	loop := startLoop(t)

	connected := make(chan error, 1)
	require.NoError(t, loop.Trigger(func() {
		sc := loop.OpenSockChannel()
		// the failure must come through the callback, never synchronously
		assert.NoError(t, sc.Connect("tcp", "not-an-address", func(_ *SockChannel, err error) {
			connected <- err
		}))
	}))

	select {
	case err := <-connected:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("connect callback never ran")
	}
}

func TestSockChannelTransferFrom(t *testing.T) {
	loop := startLoop(t)
	content := randomBytes(200 << 10)

	path := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	sent := make(chan int64, 1)
	addr := bindServer(t, loop, func(c *SockChannel, err error) {
		if !assert.NoError(t, err) {
			return
		}
		_ = c.TransferFrom(file, 0, -1, func(n int64, err error) {
			assert.NoError(t, err)
			c.Close()
			sent <- n
		})
	})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, int64(len(content)), <-sent)
}

func TestSockChannelTransferFromRegion(t *testing.T) {
	loop := startLoop(t)
	content := randomBytes(4096)

	path := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	addr := bindServer(t, loop, func(c *SockChannel, err error) {
		if !assert.NoError(t, err) {
			return
		}
		_ = c.TransferFrom(file, 100, 1000, func(n int64, err error) {
			assert.NoError(t, err)
			assert.Equal(t, int64(1000), n)
			c.Close()
		})
	})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, content[100:1100], got)
}

func TestSockChannelTransferTo(t *testing.T) {
	loop := startLoop(t)
	payload := randomBytes(100 << 10)

	path := filepath.Join(t.TempDir(), "dst")
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	defer file.Close()
	// the transfer is bounded by the file region, so size it up front
	require.NoError(t, file.Truncate(int64(len(payload))))

	written := make(chan int64, 1)
	addr := bindServer(t, loop, func(c *SockChannel, err error) {
		if !assert.NoError(t, err) {
			return
		}
		_ = c.TransferTo(file, 0, int64(len(payload)), func(n int64, err error) {
			assert.NoError(t, err)
			c.Close()
			written <- n
		})
	})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(payload)
	require.NoError(t, err)

	select {
	case n := <-written:
		assert.Equal(t, int64(len(payload)), n)
	case <-time.After(5 * time.Second):
		t.Fatal("transfer never completed")
	}

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestSockChannelTransferRejectsNegativeArgs(t *testing.T) {
	loop := startLoop(t)

	got := make(chan error, 2)
	addr := bindServer(t, loop, func(c *SockChannel, err error) {
		if !assert.NoError(t, err) {
			return
		}
		got <- c.TransferTo(nil, -1, 10, func(int64, error) {})
		got <- c.TransferFrom(nil, 0, -2, func(int64, error) {})
	})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	assert.ErrorIs(t, <-got, errorx.ErrInvalidArgument)
	assert.ErrorIs(t, <-got, errorx.ErrInvalidArgument)
}

func TestSockChannelWriteLargePayload(t *testing.T) {
	loop := startLoop(t)
	payload := randomBytes(1 << 20)

	var buf bytes.Buffer
	done := make(chan struct{})
	addr := bindServer(t, loop, func(c *SockChannel, err error) {
		if !assert.NoError(t, err) {
			return
		}
		out := bytebuf.Wrap(payload)
		_ = c.Write(out, func(n int, err error) {
			assert.NoError(t, err)
			assert.Equal(t, len(payload), n)
			c.Close()
		})
	})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	go func() {
		_, _ = io.Copy(&buf, conn)
		close(done)
	}()

	select {
	case <-done:
		assert.Equal(t, payload, buf.Bytes())
	case <-time.After(10 * time.Second):
		t.Fatal("payload never arrived in full")
	}
}
