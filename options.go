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

// ServerOptions holds the tunables of a TCPServer.
type ServerOptions struct {
	// NumLoops is the number of worker event loops; zero hosts every
	// connection on the base loop.
	NumLoops int

	// ReusePort sets SO_REUSEPORT on the listening socket.
	ReusePort bool

	// NoDelay disables the Nagle algorithm on accepted connections.
	NoDelay bool

	// KeepAlive toggles SO_KEEPALIVE on accepted connections; on by
	// default.
	KeepAlive bool

	// LoopInit runs on each worker loop goroutine before it starts
	// polling.
	LoopInit ThreadInitCallback
}

// ServerOption applies one tunable to a TCPServer under construction.
type ServerOption func(*ServerOptions)

func loadServerOptions(options ...ServerOption) *ServerOptions {
	opts := &ServerOptions{KeepAlive: true}
	for _, option := range options {
		option(opts)
	}
	return opts
}

// WithNumLoops sets the worker loop count.
func WithNumLoops(n int) ServerOption {
	return func(opts *ServerOptions) {
		opts.NumLoops = n
	}
}

// WithReusePort enables SO_REUSEPORT on the listener.
func WithReusePort(reusePort bool) ServerOption {
	return func(opts *ServerOptions) {
		opts.ReusePort = reusePort
	}
}

// WithNoDelay disables Nagle on accepted connections.
func WithNoDelay(noDelay bool) ServerOption {
	return func(opts *ServerOptions) {
		opts.NoDelay = noDelay
	}
}

// WithKeepAlive toggles SO_KEEPALIVE on accepted connections.
func WithKeepAlive(keepAlive bool) ServerOption {
	return func(opts *ServerOptions) {
		opts.KeepAlive = keepAlive
	}
}

// WithLoopInit installs a per-worker-loop init callback.
func WithLoopInit(cb ThreadInitCallback) ServerOption {
	return func(opts *ServerOptions) {
		opts.LoopInit = cb
	}
}

// ClientOptions holds the tunables of a TCPClient.
type ClientOptions struct {
	// Retry reconnects with exponential backoff after an established
	// connection drops.
	Retry bool
}

// ClientOption applies one tunable to a TCPClient under construction.
type ClientOption func(*ClientOptions)

func loadClientOptions(options ...ClientOption) *ClientOptions {
	opts := new(ClientOptions)
	for _, option := range options {
		option(opts)
	}
	return opts
}

// WithRetry enables reconnect-on-drop.
func WithRetry(retry bool) ClientOption {
	return func(opts *ClientOptions) {
		opts.Retry = retry
	}
}
