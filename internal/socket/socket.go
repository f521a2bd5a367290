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

// Package socket creates and configures the non-blocking TCP descriptors the
// channels are built on.
package socket

import (
	"bufio"
	"net"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/pfenic/nimble/pkg/errors"
)

var listenerBacklogMaxSize = maxListenerBacklog()

// TCPSocket creates a non-blocking TCP socket for the given network
// ("tcp", "tcp4" or "tcp6").
func TCPSocket(network string) (fd int, family int, err error) {
	switch network {
	case "tcp", "tcp4":
		family = unix.AF_INET
	case "tcp6":
		family = unix.AF_INET6
	default:
		return -1, 0, errors.ErrUnsupportedProtocol
	}
	fd, err = unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, 0, os.NewSyscallError("socket", err)
	}
	return
}

// SetNonblock switches an inherited descriptor (e.g. one returned by accept)
// to non-blocking mode.
func SetNonblock(fd int) error {
	return os.NewSyscallError("fcntl", unix.SetNonblock(fd, true))
}

// TCPSockaddr resolves addr into a unix.Sockaddr plus the matching address
// family.
func TCPSockaddr(network, addr string) (sa unix.Sockaddr, family int, tcpAddr *net.TCPAddr, err error) {
	tcpAddr, err = net.ResolveTCPAddr(network, addr)
	if err != nil {
		return nil, 0, nil, err
	}

	if ip4 := tcpAddr.IP.To4(); ip4 != nil || tcpAddr.IP == nil {
		sa4 := &unix.SockaddrInet4{Port: tcpAddr.Port}
		copy(sa4.Addr[:], ip4)
		return sa4, unix.AF_INET, tcpAddr, nil
	}

	if ip6 := tcpAddr.IP.To16(); ip6 != nil {
		sa6 := &unix.SockaddrInet6{Port: tcpAddr.Port}
		copy(sa6.Addr[:], ip6)
		if tcpAddr.Zone != "" {
			var iface *net.Interface
			if iface, err = net.InterfaceByName(tcpAddr.Zone); err != nil {
				return nil, 0, nil, err
			}
			sa6.ZoneId = uint32(iface.Index)
		}
		return sa6, unix.AF_INET6, tcpAddr, nil
	}

	return nil, 0, nil, errors.ErrInvalidNetworkAddress
}

// BindAndListen binds fd to addr and puts it into listening state with the
// maximum backlog the kernel allows.
func BindAndListen(fd int, sa unix.Sockaddr) error {
	if err := os.NewSyscallError("bind", unix.Bind(fd, sa)); err != nil {
		return err
	}
	return os.NewSyscallError("listen", unix.Listen(fd, listenerBacklogMaxSize))
}

// Accept accepts one pending connection on a listening descriptor; the new
// descriptor is created non-blocking.
func Accept(fd int) (nfd int, sa unix.Sockaddr, err error) {
	nfd, sa, err = unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, nil, os.NewSyscallError("accept4", err)
	}
	return
}

// SocketError retrieves and clears the pending error on fd, completing a
// non-blocking connect.
func SocketError(fd int) error {
	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return os.NewSyscallError("getsockopt", err)
	}
	if soErr != 0 {
		return os.NewSyscallError("connect", unix.Errno(soErr))
	}
	return nil
}

// SockaddrToTCPAddr converts a unix.Sockaddr to a net.TCPAddr. Returns nil if
// the conversion fails.
func SockaddrToTCPAddr(sa unix.Sockaddr) net.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: append(net.IP(nil), sa.Addr[:]...), Port: sa.Port}
	case *unix.SockaddrInet6:
		a := &net.TCPAddr{IP: append(net.IP(nil), sa.Addr[:]...), Port: sa.Port}
		if sa.ZoneId != 0 {
			if ifi, err := net.InterfaceByIndex(int(sa.ZoneId)); err == nil {
				a.Zone = ifi.Name
			}
		}
		return a
	}
	return nil
}

func maxListenerBacklog() int {
	fd, err := os.Open("/proc/sys/net/core/somaxconn")
	if err != nil {
		return unix.SOMAXCONN
	}
	defer fd.Close()

	rd := bufio.NewReader(fd)
	line, err := rd.ReadString('\n')
	if err != nil {
		return unix.SOMAXCONN
	}

	f := strings.Fields(line)
	if len(f) < 1 {
		return unix.SOMAXCONN
	}

	n, err := strconv.Atoi(f[0])
	if err != nil || n == 0 {
		return unix.SOMAXCONN
	}

	// Linux stores the backlog in a uint16; truncate to avoid wrapping.
	if n > 1<<16-1 {
		n = 1<<16 - 1
	}
	return n
}
