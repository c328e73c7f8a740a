// Copyright (c) 2023 The Evnet Authors. All rights reserved.
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

package evnet

import (
	"encoding/binary"
	"net"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/evnet-io/evnet/pkg/errors"
)

// Endpoint is an IPv4/IPv6 TCP address handle. The zero value is an empty
// endpoint; constructors return it by value, it is cheap to copy.
type Endpoint struct {
	sa unix.Sockaddr
}

// NewEndpoint builds an endpoint from a literal IP and a port. A malformed
// ip falls back to the IPv4 wildcard.
func NewEndpoint(ip string, port int) Endpoint {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		parsed = net.IPv4zero
	}
	if v4 := parsed.To4(); v4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], v4)
		return Endpoint{sa: sa}
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], parsed.To16())
	return Endpoint{sa: sa}
}

// NewEndpointPort builds a wildcard (or loopback) endpoint on port.
func NewEndpointPort(port int, loopback, ipv6 bool) Endpoint {
	switch {
	case ipv6 && loopback:
		return NewEndpoint("::1", port)
	case ipv6:
		return NewEndpoint("::", port)
	case loopback:
		return NewEndpoint("127.0.0.1", port)
	default:
		return NewEndpoint("0.0.0.0", port)
	}
}

// NewEndpointSockaddr wraps a raw sockaddr, typically one returned by
// accept(2) or getsockname(2).
func NewEndpointSockaddr(sa unix.Sockaddr) Endpoint {
	return Endpoint{sa: sa}
}

// ParseEndpoint parses "ip:port" ("[v6]:port" for IPv6 literals).
func ParseEndpoint(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, err
	}
	return NewEndpoint(host, port), nil
}

// ResolveEndpoint resolves hostname (IPv4 only) and returns an endpoint on
// the given port.
func ResolveEndpoint(hostname string, port int) (Endpoint, error) {
	ips, err := net.LookupIP(hostname)
	if err != nil {
		return Endpoint{}, err
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return NewEndpoint(v4.String(), port), nil
		}
	}
	return Endpoint{}, errors.ErrResolveFailure
}

// Family returns unix.AF_INET or unix.AF_INET6, or unix.AF_UNSPEC for the
// zero endpoint.
func (e Endpoint) Family() int {
	switch e.sa.(type) {
	case *unix.SockaddrInet4:
		return unix.AF_INET
	case *unix.SockaddrInet6:
		return unix.AF_INET6
	}
	return unix.AF_UNSPEC
}

// IP returns the address part.
func (e Endpoint) IP() net.IP {
	switch sa := e.sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(sa.Addr[:])
	case *unix.SockaddrInet6:
		return net.IP(sa.Addr[:])
	}
	return nil
}

// Port returns the port part.
func (e Endpoint) Port() int {
	switch sa := e.sa.(type) {
	case *unix.SockaddrInet4:
		return sa.Port
	case *unix.SockaddrInet6:
		return sa.Port
	}
	return 0
}

// String renders "ip:port" ("[v6]:port" for IPv6).
func (e Endpoint) String() string {
	ip := e.IP()
	if ip == nil {
		return "<empty>:0"
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(e.Port()))
}

// IPNetEndian returns the IPv4 address in network byte order; zero for
// anything else.
func (e Endpoint) IPNetEndian() uint32 {
	if sa, ok := e.sa.(*unix.SockaddrInet4); ok {
		return binary.BigEndian.Uint32(sa.Addr[:])
	}
	return 0
}

// Sockaddr exposes the underlying sockaddr for the socket layer.
func (e Endpoint) Sockaddr() unix.Sockaddr {
	return e.sa
}

// IsValid reports whether the endpoint carries an address.
func (e Endpoint) IsValid() bool {
	return e.sa != nil
}
