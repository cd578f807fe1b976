// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// CGI/1.1 executor. See RFC 3875. One instance runs one child process,
// plumbed through a pair of non-blocking pipes. The owning Client drives
// both pipe directions from the reactor; nothing here blocks beyond the
// short grace wait during termination.

package webserv

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// CGI owns one child process and its pipe ends. Lifetime is bounded by the
// owning Client: cleanup terminates a still-running child, closes both fds,
// and reaps, so no orphan can survive the owner.
type CGI struct {
	// States
	cgiPath    string // configured interpreter, may be empty
	scriptPath string
	env        map[string]string

	pid       int
	stdin     *os.File // keeps the write side alive; raw fd below
	stdout    *os.File // keeps the read side alive; raw fd below
	inputFd   int      // child stdin, write side
	outputFd  int      // child stdout, read side
	running   bool
	finalized bool // one-shot latch; set when the response was finalized

	startTime    time.Time
	lastActivity time.Time
}

func NewCGI(cgiPath string) *CGI {
	return &CGI{cgiPath: cgiPath, pid: -1, inputFd: -1, outputFd: -1}
}

func (c *CGI) InputFd() int             { return c.inputFd }
func (c *CGI) OutputFd() int            { return c.outputFd }
func (c *CGI) StartTime() time.Time     { return c.startTime }
func (c *CGI) LastActivity() time.Time  { return c.lastActivity }
func (c *CGI) IsFinalized() bool        { return c.finalized }
func (c *CGI) MarkFinalized()           { c.finalized = true }

// buildEnv assembles the CGI/1.1 environment. Every request header is also
// exported as HTTP_<NAME>, except content-length and content-type which
// have their own meta variables. A chunked request omits CONTENT_LENGTH.
func (c *CGI) buildEnv(req *Request, serverName string, serverPort int, remoteAddr string) {
	env := make(map[string]string)
	env["REQUEST_METHOD"] = req.Method()
	env["REQUEST_URI"] = req.URI()
	env["QUERY_STRING"] = req.QueryString()
	env["SERVER_PROTOCOL"] = "HTTP/1.1"
	env["GATEWAY_INTERFACE"] = "CGI/1.1"
	env["SERVER_SOFTWARE"] = ServerToken
	env["SERVER_NAME"] = serverName
	env["SERVER_PORT"] = strconv.Itoa(serverPort)
	env["REMOTE_ADDR"] = remoteAddr

	env["SCRIPT_NAME"] = req.Path()
	env["PATH_INFO"] = req.Path()
	if c.scriptPath != "" {
		env["SCRIPT_FILENAME"] = c.scriptPath
	} else {
		env["SCRIPT_FILENAME"] = req.Path()
	}
	env["PATH_TRANSLATED"] = env["SCRIPT_FILENAME"]
	env["PATH"] = "/usr/bin:/bin"
	env["REDIRECT_STATUS"] = "200"

	if ct := req.Header("content-type"); ct != "" {
		env["CONTENT_TYPE"] = ct
	}
	te := strings.ToLower(req.Header("transfer-encoding"))
	if !strings.Contains(te, "chunked") {
		if cl := req.Header("content-length"); cl != "" {
			if _, err := strconv.ParseInt(cl, 10, 64); err == nil {
				env["CONTENT_LENGTH"] = cl
			}
		}
	}

	for name, value := range req.Headers() {
		if name == "content-length" || name == "content-type" {
			continue
		}
		upper := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		env["HTTP_"+upper] = value
	}
	c.env = env
}

// interpreterFor picks the interpreter for a script. The configured
// cgi_path wins when the extension matches the location's mapping;
// well-known extensions fall back to stock interpreters; anything else
// executes directly.
func (c *CGI) interpreterFor(scriptPath string, cgiExtension string) string {
	ext := fileExtension(scriptPath)
	if c.cgiPath != "" && cgiExtension != "" && ext == cgiExtension {
		return c.cgiPath
	}
	switch ext {
	case "php":
		return "/usr/bin/php-cgi"
	case "py":
		return "/usr/bin/python3"
	case "pl":
		return "/usr/bin/perl"
	case "rb":
		return "/usr/bin/ruby"
	}
	return "" // execute the script itself
}

func isStockInterpreterExt(ext string) bool {
	switch ext {
	case "php", "py", "pl", "rb":
		return true
	}
	return false
}

// Execute forks the child with stdin/stdout pipes and stderr discarded.
// The parent keeps both pipe ends non-blocking. Returns false on any spawn
// failure; the caller surfaces that as a 500.
func (c *CGI) Execute(req *Request, scriptPath string, cgiExtension string, serverName string, serverPort int, remoteAddr string) bool {
	c.scriptPath = scriptPath

	interp := c.interpreterFor(scriptPath, cgiExtension)
	// A custom handler (anything that is not a stock interpreter) takes
	// over the script identity: the script path travels as argv[1].
	mapped := interp != "" && interp == c.cgiPath && !isStockInterpreterExt(fileExtension(scriptPath))

	if !mapped && !fileExists(scriptPath) {
		Errorf("CGI script not found: %s", scriptPath)
		return false
	}

	c.buildEnv(req, serverName, serverPort, remoteAddr)

	var argv []string
	if interp != "" {
		handler := interp
		if mapped && !filepath.IsAbs(handler) {
			if abs, err := filepath.Abs(handler); err == nil {
				handler = abs
			}
		}
		if mapped && !fileExists(handler) {
			Errorf("CGI handler not found: %s", handler)
			return false
		}
		if mapped {
			// The mapped handler also becomes the script identity for CGI.
			c.env["SCRIPT_FILENAME"] = handler
			c.env["PATH_TRANSLATED"] = handler
		}
		argv = []string{handler, scriptPath}
	} else {
		argv = []string{scriptPath}
	}

	inRead, inWrite, err := newPipe()
	if err != nil {
		Errorf("CGI: pipe failed: %v", err)
		return false
	}
	outRead, outWrite, err := newPipe()
	if err != nil {
		inRead.Close()
		inWrite.Close()
		Errorf("CGI: pipe failed: %v", err)
		return false
	}

	envList := make([]string, 0, len(c.env))
	for name, value := range c.env {
		envList = append(envList, name+"="+value)
	}

	cmd := &exec.Cmd{
		Path:        argv[0],
		Args:        argv,
		Env:         envList,
		Stdin:       inRead,
		Stdout:      outWrite,
		Stderr:      nil, // /dev/null
		SysProcAttr: &syscall.SysProcAttr{Setpgid: true},
	}
	if err := cmd.Start(); err != nil {
		inRead.Close()
		inWrite.Close()
		outRead.Close()
		outWrite.Close()
		Errorf("CGI: fork/exec failed: %v", err)
		return false
	}

	// Child ends are duplicated into the child; close ours.
	inRead.Close()
	outWrite.Close()

	c.pid = cmd.Process.Pid
	c.stdin = inWrite
	c.stdout = outRead
	c.inputFd = int(inWrite.Fd())
	c.outputFd = int(outRead.Fd())
	unix.SetNonblock(c.inputFd, true)
	unix.SetNonblock(c.outputFd, true)

	c.running = true
	c.startTime = time.Now()
	c.lastActivity = c.startTime

	// A bodyless GET/HEAD gets immediate EOF on stdin.
	hasBody := false
	if cl := req.Header("content-length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n > 0 {
			hasBody = true
		}
	}
	if !hasBody && (strings.Contains(strings.ToLower(req.Header("transfer-encoding")), "chunked") || len(req.Body()) > 0) {
		hasBody = true
	}
	if !hasBody && (req.Method() == "GET" || req.Method() == "HEAD") {
		c.CloseInput()
	}

	Debugf("CGI execute: pid=%d script=%s interp=%q", c.pid, scriptPath, interp)
	return true
}

// WriteToInput pushes bytes at the child's stdin until the pipe fills.
// Returns the bytes written; -1 means nothing was written (the pipe is full
// or the write failed).
func (c *CGI) WriteToInput(data []byte) int {
	if c.inputFd == -1 || len(data) == 0 {
		return 0
	}
	total := 0
	for total < len(data) {
		n, err := unix.Write(c.inputFd, data[total:])
		if n > 0 {
			total += n
			c.lastActivity = time.Now()
			continue
		}
		if err == unix.EAGAIN {
			break
		}
		if err != nil {
			Errorf("CGI write to stdin: %v", err)
			break
		}
		break
	}
	if total > 0 {
		return total
	}
	return -1
}

// ReadFromOutput drains available bytes from the child's stdout. Returns
// bytes read, 0 on EOF, or -1 with the error (EAGAIN means would-block).
func (c *CGI) ReadFromOutput(buf []byte) (int, error) {
	if c.outputFd == -1 {
		return -1, unix.EBADF
	}
	n, err := unix.Read(c.outputFd, buf)
	if n > 0 {
		c.lastActivity = time.Now()
		return n, nil
	}
	if n == 0 && err == nil {
		return 0, nil // EOF
	}
	return -1, err
}

// CloseInput signals EOF to the child.
func (c *CGI) CloseInput() {
	if c.inputFd != -1 {
		c.stdin.Close()
		c.stdin = nil
		c.inputFd = -1
	}
}

// IsRunning probes the child without blocking. A reaped or errored wait
// clears the running flag.
func (c *CGI) IsRunning() bool {
	if !c.running || c.pid == -1 {
		return false
	}
	var status unix.WaitStatus
	wpid, err := unix.Wait4(c.pid, &status, unix.WNOHANG, nil)
	if wpid == c.pid || err != nil {
		c.running = false
		return false
	}
	return true
}

func (c *CGI) IsFinished() bool {
	return !c.running || !c.IsRunning()
}

// HasTimedOut reports child inactivity beyond the window.
func (c *CGI) HasTimedOut(timeout time.Duration) bool {
	if !c.running {
		return false
	}
	last := c.lastActivity
	if last.IsZero() {
		last = c.startTime
	}
	return time.Since(last) > timeout
}

// Terminate stops the whole process group: SIGTERM, a short grace, then
// SIGKILL, then reap.
func (c *CGI) Terminate() {
	if c.pid != -1 && c.running {
		unix.Kill(-c.pid, unix.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		unix.Kill(-c.pid, unix.SIGKILL)
		unix.Kill(c.pid, unix.SIGKILL)
		var status unix.WaitStatus
		unix.Wait4(c.pid, &status, 0, nil)
		c.running = false
	}
	c.Cleanup()
}

// Cleanup is the single release path: terminate a still-running child,
// reap it, and close both pipe ends.
func (c *CGI) Cleanup() {
	if c.pid != -1 && c.running {
		Debugf("CGI cleanup: terminating process %d", c.pid)
		unix.Kill(-c.pid, unix.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		unix.Kill(-c.pid, unix.SIGKILL)
		unix.Kill(c.pid, unix.SIGKILL)
		var status unix.WaitStatus
		unix.Wait4(c.pid, &status, 0, nil)
		c.running = false
		c.pid = -1
	}
	c.CloseInput()
	if c.outputFd != -1 {
		c.stdout.Close()
		c.stdout = nil
		c.outputFd = -1
	}
}

// ParseCgiHeaders turns the header block of CGI stdout into a Response.
// "Status: NNN [text]" selects the status code; other Name: Value lines
// become response headers. Content-Type defaults to text/plain.
func ParseCgiHeaders(headerBlock []byte) *Response {
	r := NewResponse(StatusOK)
	for _, rawLine := range bytes.Split(headerBlock, []byte("\n")) {
		line := strings.TrimSpace(string(bytes.TrimRight(rawLine, "\r")))
		if line == "" {
			continue
		}
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		name := strings.TrimSpace(line[:colon])
		value := strings.TrimSpace(line[colon+1:])
		if strings.EqualFold(name, "Status") {
			code := 0
			if sp := strings.IndexByte(value, ' '); sp >= 0 {
				code, _ = strconv.Atoi(value[:sp])
			} else {
				code, _ = strconv.Atoi(value)
			}
			if code < 100 || code > 599 {
				code = StatusOK
			}
			r.SetStatus(code)
		} else {
			r.SetHeader(name, value)
		}
	}
	if !r.HasHeader("Content-Type") {
		r.SetHeader("Content-Type", "text/plain")
	}
	return r
}

// GenerateCgiResponse builds a deferred-mode response from the complete
// CGI output. Output without a header separator is served whole as
// text/plain.
func GenerateCgiResponse(output []byte) *Response {
	if len(output) == 0 {
		return newErrorResponse(StatusInternalServerError, "")
	}
	end, sepLen, found := findHeaderBodySeparator(output)
	if !found {
		r := NewResponse(StatusOK)
		r.SetHeader("Content-Type", "text/plain")
		r.SetBody(output)
		r.SetComplete(true)
		return r
	}
	r := ParseCgiHeaders(output[:end])
	body := output[end+sepLen:]
	r.SetHeader("Content-Length", strconv.Itoa(len(body)))
	r.body = body
	r.SetComplete(true)
	return r
}

func newPipe() (r *os.File, w *os.File, err error) {
	return os.Pipe()
}
