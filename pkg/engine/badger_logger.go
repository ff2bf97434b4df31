package engine

import (
	"strings"

	"go.uber.org/zap"
)

// badgerLogger routes badger's printf-style logging into zap
type badgerLogger struct {
	sugar *zap.SugaredLogger
	debug bool
}

func newBadgerLogger(logger *zap.Logger, debug bool) *badgerLogger {
	return &badgerLogger{
		sugar: logger.WithOptions(zap.AddCallerSkip(1)).Sugar(),
		debug: debug,
	}
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.sugar.Errorf(strings.TrimSpace(format), args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.sugar.Warnf(strings.TrimSpace(format), args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	// Badger is chatty at info level; keep it at debug unless verbose engine logging is on
	if l.debug {
		l.sugar.Infof(strings.TrimSpace(format), args...)
		return
	}
	l.sugar.Debugf(strings.TrimSpace(format), args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	if l.debug {
		l.sugar.Debugf(strings.TrimSpace(format), args...)
	}
}
