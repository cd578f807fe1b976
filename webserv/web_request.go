// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Incremental HTTP/1.1 request parser. Fed arbitrary byte fragments, it
// advances through request line, headers, and body (fixed length or
// chunked), keeping any excess bytes for the next pipelined request.

package webserv

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"
)

type ParseState int8

const (
	ParseRequestLine ParseState = iota
	ParseHeaders
	ParseBody
	ParseComplete
	ParseError
)

// Request is one HTTP request in progress.
type Request struct {
	// States
	method  string
	uri     string
	version string
	headers map[string]string // lower-cased keys, last write wins
	body    []byte

	state         ParseState
	chunked       bool
	contentLength int64
	bodyReceived  int64
	raw           []byte // capped capture of the bytes fed so far
	remaining     []byte // bytes beyond the current parsing step

	expectedChunkSize int64
	readingChunkSize  bool
	chunkActivity     time.Time
}

func NewRequest() *Request {
	return &Request{
		headers:          make(map[string]string),
		readingChunkSize: true,
	}
}

// Parse consumes data and advances the parse state. Bytes that belong to a
// later step (or a later pipelined request) end up in the spare buffer.
func (r *Request) Parse(data []byte) ParseState {
	if len(r.raw) < rawRequestCap {
		can := rawRequestCap - len(r.raw)
		if can > len(data) {
			can = len(data)
		}
		r.raw = append(r.raw, data[:can]...)
	}
	buffer := append(r.remaining, data...)
	r.remaining = nil

	if r.state == ParseRequestLine {
		// Tolerate leading empty lines per RFC 7230 3.5.
		for len(buffer) > 0 {
			if bytes.HasPrefix(buffer, []byte("\r\n")) {
				buffer = buffer[2:]
				continue
			}
			if buffer[0] == '\n' {
				buffer = buffer[1:]
				continue
			}
			break
		}
		pos := bytes.Index(buffer, []byte("\r\n"))
		if pos < 0 {
			r.remaining = buffer
			return r.state
		}
		if err := r.parseRequestLine(string(buffer[:pos])); err != nil {
			Errorf("Failed to parse request line: %v", err)
			r.state = ParseError
			return r.state
		}
		r.state = ParseHeaders
		buffer = buffer[pos+2:]
	}

	if r.state == ParseHeaders {
		var headerBlock []byte
		if bytes.HasPrefix(buffer, []byte("\r\n")) {
			buffer = buffer[2:] // no headers at all
		} else if end := bytes.Index(buffer, []byte("\r\n\r\n")); end >= 0 {
			headerBlock = buffer[:end]
			buffer = buffer[end+4:]
		} else {
			r.remaining = buffer
			return r.state
		}
		for _, line := range strings.Split(string(headerBlock), "\r\n") {
			r.parseHeaderLine(line)
		}

		if cl, ok := r.headers["content-length"]; ok {
			n, err := strconv.ParseInt(cl, 10, 64)
			if err != nil || n < 0 {
				Errorf("Bad content-length: %q", cl)
				r.state = ParseError
				return r.state
			}
			r.contentLength = n
			if n > 0 {
				r.state = ParseBody
			} else {
				r.state = ParseComplete
			}
		} else if te, ok := r.headers["transfer-encoding"]; ok && strings.ToLower(te) == "chunked" {
			r.chunked = true
			r.chunkActivity = time.Now()
			r.state = ParseBody
		} else {
			r.state = ParseComplete
		}

		// A bodyless request may be followed by pipelined bytes.
		if r.state == ParseComplete && len(buffer) > 0 {
			r.remaining = append(r.remaining, buffer...)
			return r.state
		}
	}

	if r.state == ParseBody && len(buffer) > 0 {
		if r.chunked {
			r.chunkActivity = time.Now()
			r.parseChunkedBody(buffer)
			if r.state == ParseComplete {
				r.FinalizeBody()
			}
		} else {
			want := r.contentLength - r.bodyReceived
			take := int64(len(buffer))
			if take > want {
				take = want
			}
			r.body = append(r.body, buffer[:take]...)
			r.bodyReceived += take
			if r.bodyReceived >= r.contentLength {
				r.state = ParseComplete
				r.FinalizeBody()
			}
			if int64(len(buffer)) > take {
				r.remaining = append(r.remaining, buffer[take:]...)
			}
		}
	}

	return r.state
}

func (r *Request) parseRequestLine(line string) error {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) != 3 {
		return errInvalidRequestLine
	}
	method, target, version := strings.ToUpper(fields[0]), fields[1], fields[2]

	// Absolute-form request targets are normalized to origin-form.
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		rest := target[strings.Index(target, "://")+3:]
		if slash := strings.IndexByte(rest, '/'); slash >= 0 {
			target = rest[slash:]
		} else {
			target = "/"
		}
	}

	if !isValidMethod(method) {
		return errInvalidMethod
	}
	if target == "" || target[0] != '/' {
		return errInvalidURI
	}
	if version != "HTTP/1.1" && version != "HTTP/1.0" {
		return errInvalidVersion
	}
	r.method = method
	r.uri = target
	r.version = version
	return nil
}

// parseHeaderLine splits one header at the first colon. Malformed lines are
// logged and skipped rather than failing the request.
func (r *Request) parseHeaderLine(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	colon := strings.IndexByte(line, ':')
	if colon < 0 {
		Debugf("Skipping malformed header line: %q", line)
		return
	}
	name := strings.TrimSpace(line[:colon])
	value := strings.TrimSpace(line[colon+1:])
	if name == "" || !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
		Debugf("Skipping invalid header line: %q", line)
		return
	}
	r.headers[strings.ToLower(name)] = value
}

// parseChunkedBody alternates between a hex size line and that many data
// bytes followed by CRLF. A zero size ends the body; trailer headers are
// consumed and discarded. Leftover partial framing stays in the spare
// buffer for the next call.
func (r *Request) parseChunkedBody(buffer []byte) {
	for len(buffer) > 0 {
		if r.readingChunkSize {
			eol := bytes.IndexByte(buffer, '\n')
			if eol < 0 {
				break
			}
			sizeLine := string(bytes.TrimRight(buffer[:eol], "\r"))
			size, ok := hexToSize(sizeLine)
			if !ok {
				Errorf("Bad chunk size line: %q", sizeLine)
				r.state = ParseError
				return
			}
			r.chunkActivity = time.Now()
			buffer = buffer[eol+1:]
			if size == 0 {
				// Terminating chunk; trailers, if any, run until an empty line.
				buffer = r.consumeTrailers(buffer)
				r.state = ParseComplete
				break
			}
			r.expectedChunkSize = size
			r.readingChunkSize = false
		} else {
			if int64(len(buffer)) < r.expectedChunkSize+2 {
				break
			}
			r.body = append(r.body, buffer[:r.expectedChunkSize]...)
			r.chunkActivity = time.Now()
			buffer = buffer[r.expectedChunkSize+2:] // +2 for the trailing CRLF
			r.readingChunkSize = true
		}
	}
	r.remaining = append(r.remaining, buffer...)
}

func (r *Request) consumeTrailers(buffer []byte) []byte {
	for {
		eol := bytes.IndexByte(buffer, '\n')
		if eol < 0 {
			return buffer
		}
		line := bytes.TrimRight(buffer[:eol], "\r")
		buffer = buffer[eol+1:]
		if len(line) == 0 {
			return buffer
		}
	}
}

// FinalizeBody normalizes headers once the body is fully parsed: a chunked
// request loses Transfer-Encoding and gains the decoded Content-Length.
func (r *Request) FinalizeBody() {
	if r.chunked {
		delete(r.headers, "transfer-encoding")
		r.headers["content-length"] = strconv.Itoa(len(r.body))
		r.contentLength = int64(len(r.body))
	}
}

func (r *Request) Reset() {
	r.method = ""
	r.uri = ""
	r.version = ""
	r.headers = make(map[string]string)
	r.body = nil
	r.raw = nil
	r.remaining = nil
	r.state = ParseRequestLine
	r.chunked = false
	r.contentLength = 0
	r.bodyReceived = 0
	r.expectedChunkSize = 0
	r.readingChunkSize = true
	r.chunkActivity = time.Time{}
}

// TakeRemaining hands back the bytes that arrived beyond this request,
// clearing the spare buffer. On keep-alive reuse they seed the next
// request's parse.
func (r *Request) TakeRemaining() []byte {
	remaining := r.remaining
	r.remaining = nil
	return remaining
}

func (r *Request) IsComplete() bool { return r.state == ParseComplete }
func (r *Request) HasError() bool   { return r.state == ParseError }

func (r *Request) Method() string        { return r.method }
func (r *Request) URI() string           { return r.uri }
func (r *Request) Version() string       { return r.version }
func (r *Request) State() ParseState     { return r.state }
func (r *Request) Body() []byte          { return r.body }
func (r *Request) ContentLength() int64  { return r.contentLength }
func (r *Request) IsChunked() bool       { return r.chunked }
func (r *Request) Headers() map[string]string { return r.headers }

func (r *Request) SetBody(body []byte) { r.body = body }

func (r *Request) Header(name string) string {
	return r.headers[strings.ToLower(name)]
}
func (r *Request) HasHeader(name string) bool {
	_, ok := r.headers[strings.ToLower(name)]
	return ok
}
func (r *Request) SetHeader(name, value string) {
	r.headers[strings.ToLower(name)] = value
}
func (r *Request) RemoveHeader(name string) {
	delete(r.headers, strings.ToLower(name))
}

// Path is the request target without the query string.
func (r *Request) Path() string { return requestPathOf(r.uri) }

func (r *Request) QueryString() string {
	if q := strings.IndexByte(r.uri, '?'); q >= 0 {
		return r.uri[q+1:]
	}
	return ""
}

func (r *Request) QueryParams() map[string]string {
	params := make(map[string]string)
	for _, pair := range strings.Split(r.QueryString(), "&") {
		if pair == "" {
			continue
		}
		if eq := strings.IndexByte(pair, '='); eq >= 0 {
			params[urlDecode(pair[:eq])] = urlDecode(pair[eq+1:])
		} else {
			params[urlDecode(pair)] = ""
		}
	}
	return params
}

// IsStreamingMode reports whether the request supplies a body in a
// streaming fashion and therefore must not be idle-reaped mid-upload.
func (r *Request) IsStreamingMode() bool {
	if r.chunked || r.contentLength > 0 {
		return true
	}
	return r.method == "POST" || r.method == "PUT"
}

// HasChunkedTimeout reports whether the chunked parser has been inactive
// beyond the allowed window.
func (r *Request) HasChunkedTimeout(timeout time.Duration) bool {
	if !r.chunked || r.chunkActivity.IsZero() || r.state == ParseComplete {
		return false
	}
	return time.Since(r.chunkActivity) > timeout
}

var (
	errInvalidRequestLine = errParse("invalid request line format")
	errInvalidMethod      = errParse("invalid HTTP method")
	errInvalidURI         = errParse("invalid URI")
	errInvalidVersion     = errParse("invalid HTTP version")
)

type errParse string

func (e errParse) Error() string { return string(e) }

func isValidMethod(method string) bool {
	switch method {
	case "GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS":
		return true
	}
	return false
}
