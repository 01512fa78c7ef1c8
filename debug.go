// Copyright 2026 The Drew Vending Contributors.
// SPDX-License-Identifier: Apache-2.0
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

package bridge

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/drewvending/serialbridge/internal/syncutil"
)

// debugEnabled controls whether debug output reaches the console.
// The session log, when open, always receives debug output.
var debugEnabled atomic.Bool

// consoleOut is where console logs go. Tests swap it.
var consoleOut io.Writer = os.Stderr

var logMu syncutil.Mutex

func init() {
	if os.Getenv("DREW_BRIDGE_DEBUG") != "" || os.Getenv("DEBUG") != "" {
		debugEnabled.Store(true)
	}
	configureLogger()
}

// configureLogger rebuilds the global zerolog logger from the current debug
// flag and session log. Call it before the service starts; loggers already
// captured by running goroutines keep the old configuration.
func configureLogger() {
	logMu.Lock()
	defer logMu.Unlock()

	consoleLevel := zerolog.InfoLevel
	if debugEnabled.Load() {
		consoleLevel = zerolog.DebugLevel
	}

	console := zerolog.ConsoleWriter{Out: consoleOut, TimeFormat: "15:04:05.000"}
	writers := []io.Writer{
		&zerolog.FilteredLevelWriter{
			Writer: zerolog.LevelWriterAdapter{Writer: console},
			Level:  consoleLevel,
		},
	}
	if sessionLogWriter != nil {
		writers = append(writers, sessionLogWriter)
	}

	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
}

// Debugf logs at debug level.
func Debugf(format string, args ...any) {
	log.Debug().Msgf(format, args...)
}

// Debugln logs its arguments at debug level, separated by spaces.
func Debugln(args ...any) {
	log.Debug().Msg(strings.TrimSuffix(fmt.Sprintln(args...), "\n"))
}

// SetDebugEnabled allows programmatic control of console debug logging.
func SetDebugEnabled(enabled bool) {
	debugEnabled.Store(enabled)
	configureLogger()
}

// DebugEnabled reports whether console debug logging is on.
func DebugEnabled() bool {
	return debugEnabled.Load()
}
