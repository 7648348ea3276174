// Package logging wraps zerolog with the small, global-friendly API the
// rest of the hub calls into — components never import zerolog directly.
package logging

import (
	"context"
	"io"
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var (
	base     atomic.Pointer[zerolog.Logger]
	disabled atomic.Bool
)

func init() {
	l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}).With().Timestamp().Logger()
	base.Store(&l)
}

// Configure replaces the global logger, e.g. to switch to JSON output in
// production or to redirect to a file.
func Configure(w io.Writer, level zerolog.Level, json bool) {
	var l zerolog.Logger
	if json {
		l = zerolog.New(w).Level(level).With().Timestamp().Logger()
	} else {
		l = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}).Level(level).With().Timestamp().Logger()
	}
	base.Store(&l)
}

// Disable turns off all logging (used by tests that assert on stdout).
func Disable() { disabled.Store(true) }

// Enable turns logging back on.
func Enable() { disabled.Store(false) }

func cur() *zerolog.Logger {
	return base.Load()
}

// Info logs an info-level message.
func Info(msg string) {
	if !disabled.Load() {
		cur().Info().Msg(msg)
	}
}

// Infof logs a formatted info-level message.
func Infof(format string, v ...any) {
	if !disabled.Load() {
		cur().Info().Msgf(format, v...)
	}
}

// Warnf logs a formatted warning.
func Warnf(format string, v ...any) {
	if !disabled.Load() {
		cur().Warn().Msgf(format, v...)
	}
}

// Errorf logs a formatted error.
func Errorf(format string, v ...any) {
	if !disabled.Load() {
		cur().Error().Msgf(format, v...)
	}
}

// Debugf logs a formatted debug message.
func Debugf(format string, v ...any) {
	if !disabled.Load() {
		cur().Debug().Msgf(format, v...)
	}
}

// Component returns a logger with a "component" field set, for embedding in
// a struct that wants consistently-tagged log lines.
func Component(name string) Logger {
	l := cur().With().Str("component", name).Logger()
	return Logger{z: &l}
}

// Logger is a per-component structured logger. Zero value logs through the
// global base logger with no component tag.
type Logger struct {
	z *zerolog.Logger
}

// WithContext is a no-op hook kept for API symmetry with context-threaded
// loggers; AgentCom does not carry a logger in context.
func WithContext(ctx context.Context) Logger {
	return Logger{}
}

func (l Logger) logger() *zerolog.Logger {
	if l.z == nil {
		return cur()
	}
	return l.z
}

// Event starts a structured log event at info level, allowing callers to
// attach fields before the message:
//
//	logging.Component("c6").Event().Str("task_id", id).Int("generation", gen).Msg("assigned")
func (l Logger) Event() *zerolog.Event {
	if disabled.Load() {
		return nil // every method of a nil *zerolog.Event is a no-op
	}
	return l.logger().Info()
}

func (l Logger) Info(msg string) {
	if !disabled.Load() {
		l.logger().Info().Msg(msg)
	}
}

func (l Logger) Infof(format string, v ...any) {
	if !disabled.Load() {
		l.logger().Info().Msgf(format, v...)
	}
}

func (l Logger) Warnf(format string, v ...any) {
	if !disabled.Load() {
		l.logger().Warn().Msgf(format, v...)
	}
}

func (l Logger) Errorf(format string, v ...any) {
	if !disabled.Load() {
		l.logger().Error().Msgf(format, v...)
	}
}

func (l Logger) Debugf(format string, v ...any) {
	if !disabled.Load() {
		l.logger().Debug().Msgf(format, v...)
	}
}

// With returns a child logger carrying an additional field.
func (l Logger) With(key string, value any) Logger {
	child := l.logger().With().Interface(key, value).Logger()
	return Logger{z: &child}
}
