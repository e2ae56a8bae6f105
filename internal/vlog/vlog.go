// Package vlog is the toolchain's single logging collaborator: a global
// level plus a thin wrapper over the standard library's log.Logger. One
// process-wide level, no other cross-module coupling.
package vlog

import (
	"log"
	"os"
	"sync/atomic"
)

type Level int32

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

var (
	level  atomic.Int32
	logger = log.New(os.Stderr, "", log.LstdFlags)
)

func init() {
	level.Store(int32(LevelInfo))
}

// Init sets the process-wide logging level.
func Init(l Level) { level.Store(int32(l)) }

func enabled(l Level) bool { return l <= Level(level.Load()) }

func Errorf(format string, args ...any) {
	if enabled(LevelError) {
		logger.Printf("[error] "+format, args...)
	}
}

func Warnf(format string, args ...any) {
	if enabled(LevelWarn) {
		logger.Printf("[warn] "+format, args...)
	}
}

func Infof(format string, args ...any) {
	if enabled(LevelInfo) {
		logger.Printf("[info] "+format, args...)
	}
}

func Debugf(format string, args ...any) {
	if enabled(LevelDebug) {
		logger.Printf("[debug] "+format, args...)
	}
}
