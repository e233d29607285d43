package iceagent

import (
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// slogLoggerFactory adapts log/slog to pion/logging's LoggerFactory
// interface, so pion/ice's internal logging flows through the same
// structured logger as the rest of the adapter.
type slogLoggerFactory struct {
	base *slog.Logger
}

func newSlogLoggerFactory(base *slog.Logger) logging.LoggerFactory {
	return &slogLoggerFactory{base: base}
}

func (f *slogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &slogLeveledLogger{log: f.base.With("pion_scope", scope)}
}

type slogLeveledLogger struct {
	log *slog.Logger
}

func (l *slogLeveledLogger) Trace(msg string)                          { l.log.Debug(msg) }
func (l *slogLeveledLogger) Tracef(format string, args ...interface{}) { l.log.Debug(fmt.Sprintf(format, args...)) }
func (l *slogLeveledLogger) Debug(msg string)                          { l.log.Debug(msg) }
func (l *slogLeveledLogger) Debugf(format string, args ...interface{}) { l.log.Debug(fmt.Sprintf(format, args...)) }
func (l *slogLeveledLogger) Info(msg string)                           { l.log.Info(msg) }
func (l *slogLeveledLogger) Infof(format string, args ...interface{})  { l.log.Info(fmt.Sprintf(format, args...)) }
func (l *slogLeveledLogger) Warn(msg string)                           { l.log.Warn(msg) }
func (l *slogLeveledLogger) Warnf(format string, args ...interface{})  { l.log.Warn(fmt.Sprintf(format, args...)) }
func (l *slogLeveledLogger) Error(msg string)                          { l.log.Error(msg) }
func (l *slogLeveledLogger) Errorf(format string, args ...interface{}) { l.log.Error(fmt.Sprintf(format, args...)) }
