// Package logging wraps the structured logger threaded through the engine.
//
// Every component that needs to log (Runner, grid workers, Reporter sinks)
// takes a *Logger as an explicit field, never a package-level global — the
// same "no globals" posture the teacher uses for trace.Recorder and
// core.NewRunner.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger adapts *zap.Logger to the small surface this engine actually
// needs: leveled logging plus structured fields via With.
type Logger struct {
	z *zap.Logger
}

// Field is a structured key/value pair attached to a log line.
type Field = zap.Field

// String, Int, Err mirror the zap constructors the rest of the
// engine uses to build Fields without importing zap directly everywhere.
var (
	String = zap.String
	Int    = zap.Int
	Err    = zap.Error
)

// New builds a production JSON logger at the given level ("debug", "info",
// "warn", "error"; defaults to "info" on an unrecognized value).
func New(level string) (*Logger, error) {
	lvl := zapcore.InfoLevel
	if err := lvl.Set(level); err == nil {
		// lvl.Set mutates in place; nothing else to do.
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{z: z}, nil
}

// NewNop returns a logger that discards everything; used by default in
// tests and dry-run invocations that did not configure a sink.
func NewNop() *Logger {
	return &Logger{z: zap.NewNop()}
}

// NewDevelopment builds a human-readable console logger.
func NewDevelopment() (*Logger, error) {
	z, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	return &Logger{z: z}, nil
}

func (l *Logger) With(fields ...Field) *Logger {
	if l == nil {
		return NewNop()
	}
	return &Logger{z: l.z.With(fields...)}
}

func (l *Logger) Debug(msg string, fields ...Field) {
	if l == nil {
		return
	}
	l.z.Debug(msg, fields...)
}

func (l *Logger) Info(msg string, fields ...Field) {
	if l == nil {
		return
	}
	l.z.Info(msg, fields...)
}

func (l *Logger) Warn(msg string, fields ...Field) {
	if l == nil {
		return
	}
	l.z.Warn(msg, fields...)
}

func (l *Logger) Error(msg string, fields ...Field) {
	if l == nil {
		return
	}
	l.z.Error(msg, fields...)
}

// Sync flushes any buffered log entries; callers should defer this at the
// CLI boundary. Errors from Sync on stderr/stdout (common on Linux for
// unbuffered fds) are deliberately ignored.
func (l *Logger) Sync() {
	if l == nil {
		return
	}
	_ = l.z.Sync()
}
