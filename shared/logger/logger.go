// Copyright 2025 AxonFlow
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
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

// output is shared by every component logger so that SetOutput and
// SetLevel reconfigure the whole process at once.
var (
	output atomic.Value // io.Writer
	level  atomic.Int32
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFieldName = "timestamp"
	zerolog.LevelFieldName = "level"
	zerolog.MessageFieldName = "message"
	zerolog.LevelFieldMarshalFunc = func(l zerolog.Level) string {
		return strings.ToUpper(l.String())
	}
	output.Store(writerBox{os.Stdout})
	level.Store(int32(zerolog.DebugLevel))
}

type writerBox struct{ io.Writer }

// SetOutput redirects all component loggers. Intended for tests and for
// LOG_OUTPUT=<file>.
func SetOutput(w io.Writer) {
	output.Store(writerBox{w})
}

// SetLevel sets the minimum level for all component loggers.
// Unknown values fall back to INFO.
func SetLevel(l string) {
	parsed, err := zerolog.ParseLevel(strings.ToLower(l))
	if err != nil || l == "" {
		parsed = zerolog.InfoLevel
	}
	level.Store(int32(parsed))
}

// Configure applies LOG_LEVEL / LOG_FORMAT / LOG_OUTPUT style settings.
// output is "stdout", "stderr" or a file path; format "console" switches to
// zerolog's human-readable writer.
func Configure(lvl, format, out string) error {
	var w io.Writer
	switch out {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		f, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return err
		}
		w = f
	}
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}
	SetOutput(w)
	SetLevel(lvl)
	return nil
}

// Logger provides structured logging with multi-tenant support
type Logger struct {
	Component  string
	InstanceID string
	Container  string
}

// New creates a new Logger for the specified component
func New(component string) *Logger {
	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = "unknown"
	}

	container, err := os.Hostname()
	if err != nil {
		container = "unknown"
	}

	return &Logger{
		Component:  component,
		InstanceID: instanceID,
		Container:  container,
	}
}

func (l *Logger) zl() zerolog.Logger {
	w := output.Load().(writerBox).Writer
	return zerolog.New(w).
		Level(zerolog.Level(level.Load())).
		With().
		Timestamp().
		Str("component", l.Component).
		Str("instance_id", l.InstanceID).
		Str("container", l.Container).
		Logger()
}

// Log writes one JSON line with the standard envelope plus fields.
func (l *Logger) Log(lvl LogLevel, clientID, requestID, message string, fields map[string]interface{}) {
	zl := l.zl()

	var ev *zerolog.Event
	switch lvl {
	case DEBUG:
		ev = zl.Debug()
	case WARN:
		ev = zl.Warn()
	case ERROR:
		ev = zl.Error()
	default:
		ev = zl.Info()
	}
	if ev == nil {
		return
	}

	ev = ev.Str("client_id", clientID)
	if requestID != "" {
		ev = ev.Str("request_id", requestID)
	}
	if len(fields) > 0 {
		ev = ev.Interface("fields", fields)
	}
	ev.Msg(message)
}

// Info logs an informational message
func (l *Logger) Info(clientID, requestID, message string, fields map[string]interface{}) {
	l.Log(INFO, clientID, requestID, message, fields)
}

// Error logs an error message
func (l *Logger) Error(clientID, requestID, message string, fields map[string]interface{}) {
	l.Log(ERROR, clientID, requestID, message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(clientID, requestID, message string, fields map[string]interface{}) {
	l.Log(WARN, clientID, requestID, message, fields)
}

// Debug logs a debug message
func (l *Logger) Debug(clientID, requestID, message string, fields map[string]interface{}) {
	l.Log(DEBUG, clientID, requestID, message, fields)
}

// InfoWithDuration logs an info message with duration field
func (l *Logger) InfoWithDuration(clientID, requestID, message string, durationMS float64, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["duration_ms"] = durationMS
	l.Info(clientID, requestID, message, fields)
}

// ErrorWithCode logs an error with status code
func (l *Logger) ErrorWithCode(clientID, requestID, message string, statusCode int, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["status_code"] = statusCode
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error(clientID, requestID, message, fields)
}
