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

package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateLoggerAsLocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evnet.log")
	logger, flush, err := CreateLoggerAsLocalFile(path, InfoLevel)
	require.NoError(t, err)

	logger.Debugf("below the level, must not appear: %d", 1)
	logger.Infof("landing in the file: %s", "payload")
	logger.Warnf("and a warning")
	require.NoError(t, flush())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "[evnet]")
	assert.Contains(t, content, "landing in the file: payload")
	assert.Contains(t, content, "and a warning")
	assert.NotContains(t, content, "must not appear")
}

func TestCreateLoggerRejectsEmptyPath(t *testing.T) {
	_, _, err := CreateLoggerAsLocalFile("", InfoLevel)
	assert.Error(t, err)
}

func TestDefaultLoggerPresent(t *testing.T) {
	require.NotNil(t, GetDefaultLogger())
	assert.True(t, len(LogLevel()) > 0)
	assert.False(t, strings.Contains(LogLevel(), " "))
}
