// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Basic elements shared by the whole engine.

package webserv

import (
	"fmt"
	"os"
	"sync/atomic"
)

const Version = "1.0"

// ServerToken is sent in the Server response header and as SERVER_SOFTWARE to CGI children.
const ServerToken = "webserv/1.0"

const (
	maxClients        = 1024       // active connections cap; extra accepts are closed at once
	bufferSize        = 16 * 1024  // recv/read unit
	socketBufferSize  = 256 * 1024 // SO_RCVBUF / SO_SNDBUF
	rawRequestCap     = 64 * 1024  // capture cap on the raw request buffer
	cgiWriteBufferCap = 256 * 1024 // staging cap for bytes heading to CGI stdin

	idleTimeout    = 600 // seconds a connection may sit idle
	cgiIdleTimeout = 600 // seconds a CGI child may sit idle
	chunkedTimeout = 30  // seconds between chunk activity before 408
)

var _debugLevel atomic.Int32

func DebugLevel() int32           { return _debugLevel.Load() }
func SetDebugLevel(level int32)   { _debugLevel.Store(level) }

const ( // exit codes
	CodeBug = 20
	CodeUse = 21
	CodeEnv = 22
)

func BugExitln(v ...any)          { _exitln(CodeBug, "[BUG] ", v...) }
func BugExitf(f string, v ...any) { _exitf(CodeBug, "[BUG] ", f, v...) }

func UseExitln(v ...any)          { _exitln(CodeUse, "[USE] ", v...) }
func UseExitf(f string, v ...any) { _exitf(CodeUse, "[USE] ", f, v...) }

func EnvExitln(v ...any)          { _exitln(CodeEnv, "[ENV] ", v...) }
func EnvExitf(f string, v ...any) { _exitf(CodeEnv, "[ENV] ", f, v...) }

func _exitln(exitCode int, prefix string, v ...any) {
	fmt.Fprint(os.Stderr, prefix)
	fmt.Fprintln(os.Stderr, v...)
	os.Exit(exitCode)
}
func _exitf(exitCode int, prefix, f string, v ...any) {
	fmt.Fprintf(os.Stderr, prefix+f, v...)
	os.Exit(exitCode)
}
