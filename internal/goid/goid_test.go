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

package goid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetStableWithinGoroutine(t *testing.T) {
	id := Get()
	require.Positive(t, id)
	assert.Equal(t, id, Get())
}

func TestGetDiffersAcrossGoroutines(t *testing.T) {
	mine := Get()
	other := make(chan int64, 1)
	go func() { other <- Get() }()
	assert.NotEqual(t, mine, <-other)
}
