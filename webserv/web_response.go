// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Response builder and serializer.

package webserv

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	StatusOK                  = 200
	StatusCreated             = 201
	StatusNoContent           = 204
	StatusPartialContent      = 206
	StatusFound               = 302
	StatusNotModified         = 304
	StatusBadRequest          = 400
	StatusForbidden           = 403
	StatusNotFound            = 404
	StatusMethodNotAllowed    = 405
	StatusRequestTimeout      = 408
	StatusPayloadTooLarge     = 413
	StatusInternalServerError = 500
	StatusNotImplemented      = 501
)

var statusMessages = map[int]string{
	100: "Continue",
	200: "OK",
	201: "Created",
	202: "Accepted",
	204: "No Content",
	206: "Partial Content",
	301: "Moved Permanently",
	302: "Found",
	303: "See Other",
	304: "Not Modified",
	307: "Temporary Redirect",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	408: "Request Timeout",
	409: "Conflict",
	411: "Length Required",
	413: "Payload Too Large",
	414: "URI Too Long",
	416: "Range Not Satisfiable",
	500: "Internal Server Error",
	501: "Not Implemented",
	502: "Bad Gateway",
	503: "Service Unavailable",
	505: "HTTP Version Not Supported",
}

func statusMessage(code int) string {
	if msg, ok := statusMessages[code]; ok {
		return msg
	}
	return "Unknown"
}

type headerField struct {
	name  string
	value string
}

// Response is one HTTP response being assembled. Header insertion order is
// preserved on output.
type Response struct {
	// States
	status    int
	headers   []headerField
	body      []byte
	complete  bool
	bytesSent int64
}

func NewResponse(status int) *Response {
	r := &Response{status: status}
	r.addDefaultHeaders()
	return r
}

func (r *Response) addDefaultHeaders() {
	r.SetHeader("Server", ServerToken)
	r.SetHeader("Date", httpDate(time.Now()))
}

func (r *Response) StatusCode() int     { return r.status }
func (r *Response) Body() []byte        { return r.body }
func (r *Response) IsComplete() bool    { return r.complete }
func (r *Response) BytesSent() int64    { return r.bytesSent }

func (r *Response) SetStatus(status int)      { r.status = status }
func (r *Response) SetComplete(complete bool) { r.complete = complete }
func (r *Response) AddBytesSent(n int64)      { r.bytesSent += n }

// SetHeader inserts or replaces a header, matching names case-insensitively
// but preserving the spelling and position of the first insertion.
func (r *Response) SetHeader(name, value string) {
	for i := range r.headers {
		if strings.EqualFold(r.headers[i].name, name) {
			r.headers[i].value = value
			return
		}
	}
	r.headers = append(r.headers, headerField{name, value})
}

func (r *Response) Header(name string) string {
	for i := range r.headers {
		if strings.EqualFold(r.headers[i].name, name) {
			return r.headers[i].value
		}
	}
	return ""
}

func (r *Response) HasHeader(name string) bool {
	for i := range r.headers {
		if strings.EqualFold(r.headers[i].name, name) {
			return true
		}
	}
	return false
}

func (r *Response) RemoveHeader(name string) {
	for i := range r.headers {
		if strings.EqualFold(r.headers[i].name, name) {
			r.headers = append(r.headers[:i], r.headers[i+1:]...)
			return
		}
	}
}

// SetBody installs the body and keeps Content-Length accurate.
func (r *Response) SetBody(body []byte) {
	r.body = body
	r.SetHeader("Content-Length", strconv.Itoa(len(body)))
}

func (r *Response) AppendBody(data []byte) {
	r.body = append(r.body, data...)
	r.SetHeader("Content-Length", strconv.Itoa(len(r.body)))
}

// Serialize emits the status line, headers, blank line, and optionally the
// body. Transfer-Encoding is suppressed when a Content-Length is present.
func (r *Response) Serialize(withBody bool) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", r.status, statusMessage(r.status))

	skipTE := r.Header("Content-Length") != "" || strings.EqualFold(r.Header("Transfer-Encoding"), "identity")
	for _, h := range r.headers {
		if skipTE && strings.EqualFold(h.name, "Transfer-Encoding") {
			continue
		}
		b.WriteString(h.name)
		b.WriteString(": ")
		b.WriteString(h.value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	out := []byte(b.String())
	if withBody {
		out = append(out, r.body...)
	}
	return out
}

func (r *Response) Reset() {
	r.status = StatusOK
	r.headers = r.headers[:0]
	r.body = nil
	r.complete = false
	r.bytesSent = 0
	r.addDefaultHeaders()
}

// newErrorResponse builds an error response, using the configured error
// page when one exists for the status. A 405 always carries an empty body
// with an explicit Content-Length: 0 so clients that skip the body do not
// misalign the next pipelined request.
func newErrorResponse(status int, errorPage string) *Response {
	r := NewResponse(status)
	if status == StatusMethodNotAllowed {
		r.SetHeader("Content-Type", "text/plain")
		r.SetBody(nil)
		r.SetComplete(true)
		return r
	}
	if errorPage != "" && fileExists(errorPage) {
		if body, err := readWholeFile(errorPage); err == nil {
			r.SetHeader("Content-Type", mimeTypeFor(fileExtension(errorPage)))
			r.SetBody(body)
			r.SetComplete(true)
			return r
		}
	}
	body := fmt.Sprintf(`<!DOCTYPE html>
<html><head><title>%d %s</title></head>
<body><h1>%d %s</h1>
<hr><p>%s</p></body></html>
`, status, statusMessage(status), status, statusMessage(status), ServerToken)
	r.SetHeader("Content-Type", "text/html")
	r.SetBody([]byte(body))
	r.SetComplete(true)
	return r
}

func newRedirectResponse(status int, location string) *Response {
	r := NewResponse(status)
	r.SetHeader("Location", location)
	body := fmt.Sprintf(`<!DOCTYPE html>
<html><head><title>%d %s</title></head>
<body><h1>%d %s</h1>
<p>The document has moved <a href="%s">here</a>.</p>
<hr><p>%s</p></body></html>
`, status, statusMessage(status), status, statusMessage(status), location, ServerToken)
	r.SetHeader("Content-Type", "text/html")
	r.SetBody([]byte(body))
	r.SetComplete(true)
	return r
}

func newFileResponse(path string, mimeType string) *Response {
	if !fileExists(path) {
		return newErrorResponse(StatusNotFound, "")
	}
	content, err := readWholeFile(path)
	if err != nil {
		Errorf("Failed to read file: %s", path)
		return newErrorResponse(StatusInternalServerError, "")
	}
	if mimeType == "" {
		mimeType = mimeTypeFor(fileExtension(path))
	}
	r := NewResponse(StatusOK)
	r.SetHeader("Content-Type", mimeType)
	if info, err := os.Stat(path); err == nil {
		r.SetHeader("Last-Modified", httpDate(info.ModTime()))
	}
	r.SetBody(content)
	r.SetComplete(true)
	return r
}
