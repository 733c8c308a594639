// Copyright 2025 Kadir Pekel
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

package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewDaemonFileLoggerFiltersBelowMinLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewDaemonFileLogger(&buf, slog.LevelWarn)

	log.Debug("debug message")
	log.Info("info message")
	log.Warn("warn message")
	log.Error("error message")

	out := buf.String()
	assert.NotContains(t, out, "debug message")
	assert.NotContains(t, out, "info message")
	assert.Contains(t, out, "warn message")
	assert.Contains(t, out, "error message")
}

func TestNewDaemonFileLoggerFormatsLines(t *testing.T) {
	var buf bytes.Buffer
	log := NewDaemonFileLogger(&buf, slog.LevelInfo)

	log.Info("daemon started", "poll_interval", "5s")

	line := buf.String()
	assert.True(t, strings.HasPrefix(line, "["))
	assert.Contains(t, line, "[INFO ] daemon started")
	assert.Contains(t, line, "poll_interval=5s")
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("debug")
	assert.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	level, err = ParseLevel("warning")
	assert.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)
}
