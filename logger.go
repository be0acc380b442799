// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package filequeue

import "go.uber.org/zap"

// Logger defines an interface that implementers can use to redirect
// logging into their own application.
type Logger interface {
	Printf(format string, v ...interface{})
}

// zapLogger implements the Logger interface by wrapping a zap logger.
type zapLogger struct {
	s *zap.SugaredLogger
}

// NewZapLogger returns a Logger that writes to the given zap logger at
// info level.
func NewZapLogger(l *zap.Logger) Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return zapLogger{s: l.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (l zapLogger) Printf(format string, v ...interface{}) {
	l.s.Infof(format, v...)
}

// defaultLogger writes to a production zap logger, or discards output if
// it cannot be built.
func defaultLogger() Logger {
	l, err := zap.NewProduction()
	if err != nil {
		return NewZapLogger(zap.NewNop())
	}
	return NewZapLogger(l)
}

// nopLogger discards all output.
type nopLogger struct{}

func (nopLogger) Printf(format string, v ...interface{}) {}

// NopLogger returns a Logger that discards all output.
func NopLogger() Logger {
	return nopLogger{}
}
