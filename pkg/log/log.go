// Copyright 2023 The gVisor Authors.
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

// Package log provides the leveled logging interface used throughout
// the interpreter core, in the same shape the reference stack's own
// logger exposes (Infof/Debugf/Warningf/Traceback), backed by
// logrus rather than a hand-rolled writer.
package log

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Level selects which messages a Logger emits.
type Level int

const (
	Warning Level = iota
	Info
	Debug
)

// Logger is the interface every subsystem in the interpreter core
// logs through. Only a handful of methods are exposed, mirroring the
// reference stack's minimal logging surface.
type Logger interface {
	Debugf(format string, v ...any)
	Infof(format string, v ...any)
	Warningf(format string, v ...any)
	// Traceback logs msg along with the current goroutine stack, used
	// for internal-consistency assertions that should never fire.
	Traceback(msg string, v ...any)
}

// logrusLogger adapts a *logrus.Logger to the Logger interface.
type logrusLogger struct {
	l *logrus.Logger
}

// New constructs a Logger at the given level backed by logrus, with a
// format consistent with the reference stack's plain-text log lines.
func New(level Level) Logger {
	l := logrus.New()
	switch level {
	case Debug:
		l.SetLevel(logrus.DebugLevel)
	case Info:
		l.SetLevel(logrus.InfoLevel)
	default:
		l.SetLevel(logrus.WarnLevel)
	}
	l.SetFormatter(&logrus.TextFormatter{
		DisableColors:    true,
		FullTimestamp:    false,
		DisableTimestamp: true,
	})
	return &logrusLogger{l: l}
}

func (g *logrusLogger) Debugf(format string, v ...any) {
	g.l.Debugf(format, v...)
}

func (g *logrusLogger) Infof(format string, v ...any) {
	g.l.Infof(format, v...)
}

func (g *logrusLogger) Warningf(format string, v ...any) {
	g.l.Warnf(format, v...)
}

func (g *logrusLogger) Traceback(msg string, v ...any) {
	g.l.Errorf("traceback: %s", fmt.Sprintf(msg, v...))
}

// Discard is a Logger that drops everything, used by tests that don't
// want log noise but still need to satisfy the Logger dependency.
var Discard Logger = &logrusLogger{l: func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(discardWriter{})
	return l
}()}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
