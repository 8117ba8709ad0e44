//
//  Copyright © Maatini. All rights reserved.
//

package logging

import (
	"strings"
	"sync"

	"go.uber.org/zap/zapcore"
)

// LogManager keeps track of all instantiated loggers
type LogManager struct {
	loggers  map[string]*Logger
	defLevel zapcore.Level
}

var (
	manager *LogManager
	mu      sync.RWMutex
	once    sync.Once
)

// GetLogger returns a logger for the specified module
func GetLogger(module string) *Logger {
	once.Do(initManager)

	mu.RLock()
	if l := manager.loggers[module]; l != nil {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()

	if l := manager.loggers[module]; l != nil {
		return l
	}

	l := newLogger(module)
	l.SetLevel(manager.defLevel)
	manager.loggers[module] = l

	return l
}

func initManager() {
	manager = &LogManager{
		loggers:  make(map[string]*Logger),
		defLevel: zapcore.InfoLevel,
	}
}

func parseLevel(levelStr string) (zapcore.Level, bool) {
	switch strings.ToLower(levelStr) {
	case "panic":
		return zapcore.PanicLevel, true
	case "fatal":
		return zapcore.FatalLevel, true
	case "error":
		return zapcore.ErrorLevel, true
	case "warn", "warning":
		return zapcore.WarnLevel, true
	case "info":
		return zapcore.InfoLevel, true
	case "debug", "trace":
		return zapcore.DebugLevel, true
	}
	return zapcore.InfoLevel, false
}

// SetLevels applies a level configuration string of the form
// "module:level[,module:level...]". The pseudo-module "." sets the default
// level for modules not explicitly named, e.g. ".:info,policy:debug".
func SetLevels(config string) {
	once.Do(initManager)

	mu.Lock()
	defer mu.Unlock()

	for _, entry := range strings.Split(config, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
		if len(parts) != 2 {
			continue
		}
		level, ok := parseLevel(parts[1])
		if !ok {
			continue
		}
		if parts[0] == "." {
			manager.defLevel = level
			for _, l := range manager.loggers {
				l.SetLevel(level)
			}
			continue
		}
		if l := manager.loggers[parts[0]]; l != nil {
			l.SetLevel(level)
		} else {
			nl := newLogger(parts[0])
			nl.SetLevel(level)
			manager.loggers[parts[0]] = nl
		}
	}
}
