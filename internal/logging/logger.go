//
//  Copyright © Maatini. All rights reserved.
//

package logging

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a module-scoped wrapper around zap.Logger. Every package in the
// gateway obtains one via GetLogger(module); the module name is attached to
// every record so that per-module levels can be tuned at runtime.
type Logger struct {
	module string
	logger *zap.Logger
	sugar  *zap.SugaredLogger
	level  zapcore.Level
	writer io.Writer
}

const moduleKey = "module"

func buildEncoder() zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	if os.Getenv("LOG_FORMATTER") == "text" {
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

func (l *Logger) rebuild() {
	var output io.Writer = os.Stdout
	if l.writer != nil {
		output = l.writer
	}

	core := zapcore.NewCore(buildEncoder(), zapcore.AddSync(output), l.level)

	options := []zap.Option{zap.AddCallerSkip(1)}
	if os.Getenv("LOG_REPORT_CALLER") != "" {
		options = append(options, zap.AddCaller())
	}

	l.logger = zap.New(core, options...)
	l.sugar = l.logger.With(zap.String(moduleKey, l.module)).Sugar()
}

// internal constructor. Application code should call GetLogger() to retrieve
// a configured logger.
func newLogger(module string) *Logger {
	l := &Logger{module: module, level: zapcore.InfoLevel}
	l.rebuild()
	return l
}

// SetLevel sets the logging level for this logger.
func (l *Logger) SetLevel(level zapcore.Level) {
	l.level = level
	l.rebuild()
}

// SetOut redirects output to the provided writer (for tests).
func (l *Logger) SetOut(w io.Writer) {
	l.writer = w
	l.rebuild()
}

// IsDebugEnabled returns true if the current logging level is debug or
// higher. Use as a guard when computing debug output is expensive.
func (l *Logger) IsDebugEnabled() bool {
	return l.level <= zapcore.DebugLevel
}

// Debug logs a debug message.
func (l *Logger) Debug(args ...interface{}) { l.sugar.Debug(args...) }

// Debugf logs a formatted debug message.
func (l *Logger) Debugf(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }

// Info logs an info message.
func (l *Logger) Info(args ...interface{}) { l.sugar.Info(args...) }

// Infof logs a formatted info message.
func (l *Logger) Infof(format string, args ...interface{}) { l.sugar.Infof(format, args...) }

// Warn logs a warning message.
func (l *Logger) Warn(args ...interface{}) { l.sugar.Warn(args...) }

// Warnf logs a formatted warning message.
func (l *Logger) Warnf(format string, args ...interface{}) { l.sugar.Warnf(format, args...) }

// Error logs an error message.
func (l *Logger) Error(args ...interface{}) { l.sugar.Error(args...) }

// Errorf logs a formatted error message.
func (l *Logger) Errorf(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// Fatalf logs a fatal message and exits.
func (l *Logger) Fatalf(format string, args ...interface{}) { l.sugar.Fatalf(format, args...) }

// With returns a child logger with the provided structured fields attached.
func (l *Logger) With(args ...interface{}) *zap.SugaredLogger {
	return l.sugar.With(args...)
}
