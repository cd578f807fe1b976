// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Access logging in common log format.

package webserv

import (
	"fmt"
	"os"
	"time"
)

// AccessLog appends one line per finished request. A nil *AccessLog is a
// valid no-op target.
type AccessLog struct {
	// States
	file *os.File
}

// NewAccessLog opens (or creates) the log file for appending.
func NewAccessLog(path string) (*AccessLog, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &AccessLog{file: file}, nil
}

// Logf records one request/response cycle.
func (l *AccessLog) Logf(remoteAddr string, method string, uri string, version string, status int, bytesSent int64) {
	if l == nil || l.file == nil {
		return
	}
	when := time.Now().Format("02/Jan/2006:15:04:05 -0700")
	fmt.Fprintf(l.file, "%s - - [%s] \"%s %s %s\" %d %d\n", remoteAddr, when, method, uri, version, status, bytesSent)
}

func (l *AccessLog) Close() {
	if l != nil && l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
