// Copyright 2024 The gVisor Authors.
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

package log

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// LogrusEmitter forwards log statements to a logrus logger, so the daemon can
// share a sink (hooks, formatters) with programs embedding it.
type LogrusEmitter struct {
	Logger *logrus.Logger
}

// NewLogrusEmitter returns an emitter writing to l, or to the logrus standard
// logger if l is nil.
func NewLogrusEmitter(l *logrus.Logger) LogrusEmitter {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return LogrusEmitter{Logger: l}
}

func logrusLevel(level Level) logrus.Level {
	switch level {
	case Warning:
		return logrus.WarnLevel
	case Info:
		return logrus.InfoLevel
	default:
		return logrus.DebugLevel
	}
}

// Emit implements Emitter.Emit.
func (e LogrusEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	lvl := logrusLevel(level)
	if !e.Logger.IsLevelEnabled(lvl) {
		return
	}
	e.Logger.WithTime(timestamp).Log(lvl, fmt.Sprintf(format, v...))
}
