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

// Package errors defines common errors for evnet.
package errors

import "errors"

var (
	// ErrConnectionClosed occurs when writing to a connection that is not in the connected state.
	ErrConnectionClosed = errors.New("evnet: connection is closed")
	// ErrBufferPrependOverflow occurs when prepending more bytes than the reserved head room.
	ErrBufferPrependOverflow = errors.New("evnet: prepend exceeds the reserved head room")
	// ErrNegativeSize occurs when trying to pass a negative size to a buffer.
	ErrNegativeSize = errors.New("evnet: negative size is not allowed")
	// ErrResolveFailure occurs when a hostname resolves to no usable IPv4 address.
	ErrResolveFailure = errors.New("evnet: hostname resolved to no IPv4 address")
	// ErrSelfConnect occurs when a non-blocking connect loops back onto its own ephemeral port.
	ErrSelfConnect = errors.New("evnet: self-connect detected")
	// ErrEmptyEndpoint occurs when an endpoint with no address is used.
	ErrEmptyEndpoint = errors.New("evnet: empty endpoint")
)
