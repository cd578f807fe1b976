// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Leveled logging to stderr.

package webserv

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"
)

type LogLevel int32

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

var _logLevel atomic.Int32

func SetLogLevel(level LogLevel) { _logLevel.Store(int32(level)) }
func GetLogLevel() LogLevel      { return LogLevel(_logLevel.Load()) }

func init() {
	_logLevel.Store(int32(LevelInfo))
}

func logf(level LogLevel, tag string, f string, v ...any) {
	if LogLevel(_logLevel.Load()) > level {
		return
	}
	now := time.Now().Format("2006-01-02 15:04:05")
	fmt.Fprintf(os.Stderr, "[%s] [%s] %s\n", now, tag, fmt.Sprintf(f, v...))
}

func Debugf(f string, v ...any) { logf(LevelDebug, "DEBUG", f, v...) }
func Infof(f string, v ...any)  { logf(LevelInfo, "INFO", f, v...) }
func Warnf(f string, v ...any)  { logf(LevelWarn, "WARN", f, v...) }
func Errorf(f string, v ...any) { logf(LevelError, "ERROR", f, v...) }
