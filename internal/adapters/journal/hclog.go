package journal

import (
	"context"
	"io"
	"log"
	"log/slog"

	"github.com/hashicorp/go-hclog"
)

// hclogAdapter routes raft's hclog output through slog. Raft is chatty at
// info, so everything below warn is demoted to debug.
type hclogAdapter struct {
	logger  *slog.Logger
	implied []interface{}
}

func newHCLogger(logger *slog.Logger) hclog.Logger {
	return &hclogAdapter{logger: logger}
}

func (a *hclogAdapter) enabled(level slog.Level) bool {
	return a.logger.Enabled(context.Background(), level)
}

func (a *hclogAdapter) Log(level hclog.Level, msg string, args ...interface{}) {
	switch level {
	case hclog.Warn:
		a.Warn(msg, args...)
	case hclog.Error:
		a.Error(msg, args...)
	default:
		a.Debug(msg, args...)
	}
}

func (a *hclogAdapter) Trace(msg string, args ...interface{}) {
	if a.IsTrace() {
		a.logger.Debug(msg, args...)
	}
}

func (a *hclogAdapter) Debug(msg string, args ...interface{}) {
	if a.IsDebug() {
		a.logger.Debug(msg, args...)
	}
}

func (a *hclogAdapter) Info(msg string, args ...interface{}) {
	a.Debug(msg, args...)
}

func (a *hclogAdapter) Warn(msg string, args ...interface{}) {
	if a.IsWarn() {
		a.logger.Warn(msg, args...)
	}
}

func (a *hclogAdapter) Error(msg string, args ...interface{}) {
	if a.IsError() {
		a.logger.Error(msg, args...)
	}
}

func (a *hclogAdapter) IsTrace() bool { return a.enabled(slog.LevelDebug - 4) }
func (a *hclogAdapter) IsDebug() bool { return a.enabled(slog.LevelDebug) }
func (a *hclogAdapter) IsInfo() bool  { return a.enabled(slog.LevelDebug) }
func (a *hclogAdapter) IsWarn() bool  { return a.enabled(slog.LevelWarn) }
func (a *hclogAdapter) IsError() bool { return a.enabled(slog.LevelError) }

func (a *hclogAdapter) ImpliedArgs() []interface{} {
	return a.implied
}

func (a *hclogAdapter) With(args ...interface{}) hclog.Logger {
	return &hclogAdapter{
		logger:  a.logger.With(args...),
		implied: append(append([]interface{}(nil), a.implied...), args...),
	}
}

func (a *hclogAdapter) Name() string {
	return "raft"
}

func (a *hclogAdapter) Named(name string) hclog.Logger {
	return &hclogAdapter{logger: a.logger.With("subsystem", name), implied: a.implied}
}

func (a *hclogAdapter) ResetNamed(name string) hclog.Logger {
	return &hclogAdapter{logger: a.logger.With("subsystem", name)}
}

func (a *hclogAdapter) SetLevel(hclog.Level) {}

func (a *hclogAdapter) GetLevel() hclog.Level {
	switch {
	case a.IsTrace():
		return hclog.Trace
	case a.IsDebug():
		return hclog.Debug
	case a.IsWarn():
		return hclog.Warn
	case a.IsError():
		return hclog.Error
	default:
		return hclog.Off
	}
}

func (a *hclogAdapter) StandardLogger(*hclog.StandardLoggerOptions) *log.Logger {
	return slog.NewLogLogger(a.logger.Handler(), slog.LevelDebug)
}

func (a *hclogAdapter) StandardWriter(*hclog.StandardLoggerOptions) io.Writer {
	return io.Discard
}
