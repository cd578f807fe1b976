// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Per-connection state machine. A Client owns its socket fd and at most one
// CGI instance; the reactor owns the Client. Clients are never copied.

package webserv

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

type ClientState int8

const (
	ReceivingRequest ClientState = iota
	ProcessingRequest
	SendingResponse
	CgiProcessing
	CgiStreamingBody
	Finished
	ErrorState
)

const continue100 = "HTTP/1.1 100 Continue\r\n\r\n"

// Client tracks one accepted connection across keep-alive reuse.
type Client struct {
	// Assocs
	config   *Config
	sessions *SessionStore // may be nil
	cgi      *CGI          // exclusively owned; nil when no child is running
	// States
	fd       int
	state    ClientState
	request  *Request
	response *Response

	recvBuffer []byte
	sendBuffer []byte

	cgiOutputBuffer  []byte // accumulated CGI stdout before headers are framed
	cgiWriteBuffer   []byte // staged request-body bytes heading to CGI stdin
	cgiBodyOffset    int    // how far into request.body staging has advanced
	cgiBytesSent     int64
	cgiBodyRemaining int64 // CGI-declared body bytes still to forward; -1 = unknown

	keepAlive       bool
	peerClosed      bool
	cgiHeadersSent  bool
	sent100Continue bool
	cgiFinalized    bool

	lastActivity time.Time

	remoteAddr string
	listenHost string
	listenPort int

	accessLog *AccessLog // may be nil
}

func newClient(fd int, config *Config, sessions *SessionStore, remoteAddr string, listenHost string, listenPort int) *Client {
	return &Client{
		config:           config,
		sessions:         sessions,
		fd:               fd,
		state:            ReceivingRequest,
		request:          NewRequest(),
		cgiBodyRemaining: -1,
		lastActivity:     time.Now(),
		remoteAddr:       remoteAddr,
		listenHost:       listenHost,
		listenPort:       listenPort,
	}
}

func (c *Client) Fd() int                 { return c.fd }
func (c *Client) State() ClientState      { return c.state }
func (c *Client) Request() *Request       { return c.request }
func (c *Client) Response() *Response     { return c.response }
func (c *Client) Cgi() *CGI               { return c.cgi }
func (c *Client) SendBuffer() []byte      { return c.sendBuffer }
func (c *Client) LastActivity() time.Time { return c.lastActivity }
func (c *Client) IsKeepAlive() bool       { return c.keepAlive }
func (c *Client) HasPeerClosed() bool     { return c.peerClosed }

func (c *Client) SetState(state ClientState) { c.state = state }
func (c *Client) MarkPeerClosed()            { c.peerClosed = true }

func (c *Client) updateLastActivity() { c.lastActivity = time.Now() }

func (c *Client) HasTimedOut(timeout time.Duration) bool {
	return time.Since(c.lastActivity) > timeout
}

// ReceiveData pulls available bytes from the socket into the receive
// buffer. A zero read marks the peer as closed.
func (c *Client) ReceiveData() int {
	var buf [bufferSize]byte
	n, err := unix.Read(c.fd, buf[:])
	if n > 0 {
		c.recvBuffer = append(c.recvBuffer, buf[:n]...)
		c.updateLastActivity()
		return n
	}
	if n == 0 && err == nil {
		c.peerClosed = true
		return 0
	}
	if err == unix.EAGAIN {
		return -1
	}
	return -1
}

// SendData flushes the send buffer. When it drains during SendingResponse,
// a keep-alive connection with a complete request resets for the next one;
// the receive buffer is preserved so pipelined bytes are not lost.
func (c *Client) SendData() int {
	if len(c.sendBuffer) == 0 {
		return 0
	}
	n, err := unix.SendmsgN(c.fd, c.sendBuffer, nil, nil, unix.MSG_NOSIGNAL)
	if n > 0 {
		c.sendBuffer = c.sendBuffer[n:]
		c.updateLastActivity()
		if c.response != nil {
			c.response.AddBytesSent(int64(n))
		}
		if len(c.sendBuffer) == 0 && c.state == SendingResponse {
			if c.keepAlive {
				if c.request.IsComplete() {
					c.Reset()
					c.state = ReceivingRequest
					if len(c.recvBuffer) > 0 {
						// The next pipelined request is already here; parse
						// it before waiting for new bytes.
						c.ProcessRequest()
					}
				}
				// else: keep draining the request body before reuse
			} else {
				c.state = Finished
			}
		}
		return n
	}
	if err == unix.EAGAIN {
		return -1
	}
	c.state = ErrorState
	return -1
}

// computeKeepAlive derives the connection's fate from the request version
// and Connection header.
func (c *Client) computeKeepAlive() {
	conn := strings.ToLower(c.request.Header("connection"))
	if c.request.Version() == "HTTP/1.1" {
		c.keepAlive = conn != "close"
	} else {
		c.keepAlive = conn == "keep-alive"
	}
}

func (c *Client) applyKeepAliveHeaders(resp *Response) {
	if c.keepAlive {
		resp.SetHeader("Connection", "keep-alive")
		resp.SetHeader("Keep-Alive", "timeout=600, max=100")
	} else {
		resp.SetHeader("Connection", "close")
	}
}

func (c *Client) respondError(status int, server *ServerBlock) {
	errorPage := ""
	if server != nil {
		errorPage = server.ErrorPage(status)
	}
	c.response = newErrorResponse(status, errorPage)
	c.computeKeepAlive()
	c.applyKeepAliveHeaders(c.response)
	c.sendBuffer = append(c.sendBuffer, c.response.Serialize(true)...)
	c.state = SendingResponse
	c.logAccess()
}

func (c *Client) logAccess() {
	if c.accessLog == nil || c.response == nil {
		return
	}
	c.accessLog.Logf(c.remoteAddr, c.request.Method(), c.request.URI(), c.request.Version(),
		c.response.StatusCode(), int64(len(c.response.Body())))
}

// ProcessRequest advances parsing and dispatches a complete request.
func (c *Client) ProcessRequest() {
	// A response that went out before its request finished (early 413,
	// chunked 408, 400) leaves the channel draining: consume the rest of
	// the request body, then reuse the connection.
	if c.state == SendingResponse && len(c.sendBuffer) == 0 && c.keepAlive &&
		!c.request.IsComplete() && len(c.recvBuffer) > 0 {
		parseState := c.request.Parse(c.recvBuffer)
		if parseState == ParseComplete || parseState == ParseError {
			c.recvBuffer = c.request.TakeRemaining()
			c.Reset()
			c.state = ReceivingRequest
			if len(c.recvBuffer) > 0 {
				c.ProcessRequest()
			}
		} else {
			c.recvBuffer = nil
		}
		return
	}

	if len(c.recvBuffer) > 0 && c.state == ReceivingRequest {
		parseState := c.request.Parse(c.recvBuffer)

		if parseState == ParseComplete || parseState == ParseError {
			// Consumed; excess bytes belong to the next pipelined request.
			c.recvBuffer = c.request.TakeRemaining()
		} else {
			c.recvBuffer = nil
		}

		// An interim 100 Continue goes out once, ahead of any response.
		if !c.sent100Continue && c.request.State() == ParseBody {
			if strings.Contains(strings.ToLower(c.request.Header("expect")), "100-continue") {
				c.sendBuffer = append([]byte(continue100), c.sendBuffer...)
				c.sent100Continue = true
			}
		}

		if parseState == ParseError {
			c.respondError(StatusBadRequest, nil)
			return
		}
		if parseState == ParseComplete {
			if c.state != CgiProcessing && c.state != CgiStreamingBody {
				c.state = ProcessingRequest
			}
		}
	}

	if c.request.URI() == "" {
		return
	}

	server := c.config.FindServer(c.listenHost, c.listenPort, c.requestHostName())
	if server == nil {
		return
	}
	location := c.config.FindLocation(server, c.request.URI())
	allowedMax := server.MaxBodySize()
	if location != nil {
		allowedMax = location.MaxBodySize()
	}

	if c.state == ReceivingRequest || c.state == ProcessingRequest {
		if location != nil && !location.Permits(c.remoteAddr) {
			c.respondError(StatusForbidden, server)
			return
		}
		if c.request.HasChunkedTimeout(chunkedTimeout * time.Second) {
			Errorf("Chunked upload timeout - terminating chunk never arrived")
			c.respondError(StatusRequestTimeout, server)
			return
		}
		if c.request.ContentLength() > allowedMax && int64(len(c.request.Body())) > allowedMax {
			c.respondError(StatusPayloadTooLarge, server)
			return
		}
	}

	// CGI dispatch: POST to a CGI-mapped location spawns a child once the
	// request is complete. Other methods on the same location fall through
	// to static handling.
	if location != nil && location.IsCgiRequest(c.request.URI()) && c.cgi == nil &&
		(c.state == ReceivingRequest || c.state == ProcessingRequest) {
		if !location.IsMethodAllowed(c.request.Method()) {
			c.respondMethodNotAllowed(location)
			return
		}
		if c.request.Method() == "POST" {
			if !c.request.IsComplete() {
				return // body size unknown until the request finishes
			}
			if c.request.ContentLength() > allowedMax || int64(len(c.request.Body())) > allowedMax {
				c.respondError(StatusPayloadTooLarge, server)
				return
			}
			c.startCgi(server, location)
			return
		}
	}

	if c.state == ProcessingRequest && c.request.IsComplete() {
		c.dispatch(server, location, allowedMax)
	}
}

func (c *Client) requestHostName() string {
	host := c.request.Header("host")
	if colon := strings.IndexByte(host, ':'); colon >= 0 {
		host = host[:colon]
	}
	return host
}

func (c *Client) respondMethodNotAllowed(location *Location) {
	c.response = newErrorResponse(StatusMethodNotAllowed, "")
	if allowed := location.AllowedMethods(); len(allowed) > 0 {
		c.response.SetHeader("Allow", strings.Join(allowed, ", "))
	}
	c.computeKeepAlive()
	c.applyKeepAliveHeaders(c.response)
	c.sendBuffer = append(c.sendBuffer, c.response.Serialize(true)...)
	c.state = SendingResponse
	c.logAccess()
}

// dispatch routes a complete request to its handler and serializes the
// resulting response.
func (c *Client) dispatch(server *ServerBlock, location *Location, allowedMax int64) {
	if c.request.ContentLength() > allowedMax || int64(len(c.request.Body())) > allowedMax {
		c.respondError(StatusPayloadTooLarge, server)
		return
	}

	if location != nil && !location.IsMethodAllowed(c.request.Method()) {
		c.respondMethodNotAllowed(location)
		return
	}

	if location != nil && location.Redirect() != "" {
		c.response = newRedirectResponse(StatusFound, location.Redirect())
		c.finishResponse(server)
		return
	}

	switch c.request.Method() {
	case "GET", "HEAD":
		c.response = c.handleGet(server, location)
	case "POST":
		c.response = c.handlePost(server, location)
	case "PUT":
		c.response = c.handlePut(server, location)
	case "DELETE":
		c.response = c.handleDelete(server, location)
	default:
		c.response = newErrorResponse(StatusNotImplemented, server.ErrorPage(StatusNotImplemented))
	}

	c.applyResponseHooks()
	c.finishResponse(server)
}

func (c *Client) finishResponse(server *ServerBlock) {
	c.computeKeepAlive()
	c.applyKeepAliveHeaders(c.response)
	withBody := c.request.Method() != "HEAD"
	c.sendBuffer = append(c.sendBuffer, c.response.Serialize(withBody)...)
	c.state = SendingResponse
	c.logAccess()
}

// applyResponseHooks runs the response pipeline extras: cookies, session,
// compression, byte ranges.
func (c *Client) applyResponseHooks() {
	c.applyCookies()
	c.applySession()
	c.applyCompression()
	c.applyRanges()
}

// startCgi allocates and launches the CGI child, then pushes the first
// slice of the request body at its stdin.
func (c *Client) startCgi(server *ServerBlock, location *Location) {
	scriptPath := location.FullPath(c.request.Path())

	serverName := "localhost"
	if names := server.ServerNames(); len(names) > 0 {
		serverName = names[0]
	}

	cgi := NewCGI(location.CgiPath())
	if !cgi.Execute(c.request, scriptPath, location.CgiExtension(), serverName, server.Port(), c.remoteAddr) {
		c.respondError(StatusInternalServerError, server)
		return
	}
	c.cgi = cgi

	// A chunked body that somehow kept its framing is decoded before it
	// reaches the child. Normally the parser already did this.
	if strings.Contains(strings.ToLower(c.request.Header("transfer-encoding")), "chunked") && len(c.request.Body()) > 0 {
		decoded, ok := dechunk(c.request.Body())
		if !ok {
			c.destroyCgi()
			c.respondError(StatusBadRequest, server)
			return
		}
		c.request.SetBody(decoded)
	}

	c.cgiWriteBuffer = nil
	c.cgiBodyOffset = 0
	c.cgiBytesSent = 0
	c.state = CgiProcessing
	c.updateLastActivity()
	c.HandleCgiInput()
}

// stageBodyChunkForCgi moves more request-body bytes into the bounded
// staging buffer.
func (c *Client) stageBodyChunkForCgi() int {
	body := c.request.Body()
	if c.cgiBodyOffset >= len(body) || len(c.cgiWriteBuffer) >= cgiWriteBufferCap {
		return 0
	}
	room := cgiWriteBufferCap - len(c.cgiWriteBuffer)
	avail := len(body) - c.cgiBodyOffset
	chunk := room
	if avail < chunk {
		chunk = avail
	}
	c.cgiWriteBuffer = append(c.cgiWriteBuffer, body[c.cgiBodyOffset:c.cgiBodyOffset+chunk]...)
	c.cgiBodyOffset += chunk
	return chunk
}

// HandleCgiInput writes staged body bytes to CGI stdin and closes it once
// everything was delivered, signaling EOF to the child.
func (c *Client) HandleCgiInput() {
	if c.cgi == nil || c.cgi.InputFd() == -1 {
		return
	}

	c.stageBodyChunkForCgi()

	if len(c.cgiWriteBuffer) == 0 {
		if c.allBodySentToCgi() {
			c.cgi.CloseInput()
		}
		return
	}

	n := c.cgi.WriteToInput(c.cgiWriteBuffer)
	if n > 0 {
		c.updateLastActivity()
		c.cgiWriteBuffer = c.cgiWriteBuffer[n:]
		c.cgiBytesSent += int64(n)
		c.stageBodyChunkForCgi()
	} else {
		// Pipe full; the reactor will call back when stdin is writable.
		c.updateLastActivity()
		return
	}

	if len(c.cgiWriteBuffer) == 0 && c.allBodySentToCgi() {
		c.cgi.CloseInput()
	}
}

func (c *Client) allBodySentToCgi() bool {
	if !c.request.IsComplete() {
		return false
	}
	if expected := c.request.ContentLength(); expected > 0 {
		return c.cgiBytesSent >= expected
	}
	return c.cgiBodyOffset >= len(c.request.Body())
}

// HandleCgiOutput consumes CGI stdout. Until the header separator shows up
// everything accumulates; after that either the streaming path forwards
// body bytes directly (CGI declared Content-Length) or the deferred path
// keeps buffering until EOF.
func (c *Client) HandleCgiOutput() {
	if c.cgi == nil || c.cgi.OutputFd() == -1 {
		return
	}

	var buf [bufferSize]byte
	n, err := c.cgi.ReadFromOutput(buf[:])

	if n > 0 {
		c.updateLastActivity()
		if c.state == CgiProcessing {
			c.cgiOutputBuffer = append(c.cgiOutputBuffer, buf[:n]...)
			if end, sepLen, found := findHeaderBodySeparator(c.cgiOutputBuffer); found {
				c.onCgiHeadersParsed(end, sepLen)
			}
		} else if c.state == CgiStreamingBody {
			if c.cgiHeadersSent {
				c.forwardCgiBody(buf[:n])
			} else {
				c.cgiOutputBuffer = append(c.cgiOutputBuffer, buf[:n]...)
			}
		}
		return
	}

	if n == 0 { // EOF
		switch c.state {
		case CgiProcessing:
			c.FinalizeCgiResponse()
		case CgiStreamingBody:
			if c.cgiHeadersSent {
				c.response.SetComplete(true)
				c.destroyCgi()
				c.state = SendingResponse
				c.logAccess()
			} else {
				c.FinalizeCgiResponse()
			}
		}
		return
	}

	if err != unix.EAGAIN {
		Errorf("Error reading from CGI: %v", err)
		c.state = ErrorState
	}
}

// onCgiHeadersParsed decides streaming vs deferred the moment the CGI
// header block is complete.
func (c *Client) onCgiHeadersParsed(end, sepLen int) {
	c.response = ParseCgiHeaders(c.cgiOutputBuffer[:end])
	c.computeKeepAlive()
	c.applyKeepAliveHeaders(c.response)

	firstBody := c.cgiOutputBuffer[end+sepLen:]

	// If the 100 Continue is still queued unsent, the real response
	// replaces it.
	c.stripUnsent100Continue()

	if cl := c.response.Header("Content-Length"); cl != "" {
		if declared, err := strconv.ParseInt(cl, 10, 64); err == nil && declared >= 0 {
			// Streaming: emit headers now, forward at most declared bytes.
			c.cgiBodyRemaining = declared
			c.sendBuffer = append(c.sendBuffer, c.response.Serialize(false)...)
			c.cgiHeadersSent = true
			if len(firstBody) > 0 {
				c.forwardCgiBodyNoFinalize(firstBody)
			}
			c.cgiOutputBuffer = nil
			if c.cgiBodyRemaining == 0 {
				c.FinalizeCgiResponse()
				return
			}
		}
	}
	c.state = CgiStreamingBody
}

// forwardCgiBody appends body bytes to the send buffer, honoring the
// declared length, and finalizes when the count reaches zero.
func (c *Client) forwardCgiBody(data []byte) {
	c.forwardCgiBodyNoFinalize(data)
	if c.cgiBodyRemaining == 0 {
		c.FinalizeCgiResponse()
	}
}

func (c *Client) forwardCgiBodyNoFinalize(data []byte) {
	if c.cgiBodyRemaining >= 0 {
		toCopy := int64(len(data))
		if toCopy > c.cgiBodyRemaining {
			toCopy = c.cgiBodyRemaining // excess CGI output is discarded
		}
		if toCopy > 0 {
			c.sendBuffer = append(c.sendBuffer, data[:toCopy]...)
			c.cgiBodyRemaining -= toCopy
		}
	} else {
		c.sendBuffer = append(c.sendBuffer, data...)
	}
}

func (c *Client) stripUnsent100Continue() {
	for bytes.HasPrefix(c.sendBuffer, []byte(continue100)) {
		c.sendBuffer = c.sendBuffer[len(continue100):]
	}
}

// FinalizeCgiResponse converts accumulated CGI state into a complete HTTP
// response and releases the child. It has effect at most once per CGI
// lifetime: both the client-level and the CGI-level latches guard it.
func (c *Client) FinalizeCgiResponse() {
	if c.cgi == nil || c.cgiFinalized || c.cgi.IsFinalized() {
		return
	}
	c.cgiFinalized = true
	c.cgi.MarkFinalized()

	if c.cgiHeadersSent {
		// Streaming already emitted the response; just close out.
		c.response.SetComplete(true)
		c.destroyCgi()
		c.state = SendingResponse
		c.logAccess()
		return
	}

	// Drain whatever stdout still holds. After EOF a couple of polled
	// retries pick up bytes the kernel had in flight.
	if c.cgi.OutputFd() != -1 {
		retries := 2
		var buf [bufferSize]byte
		for {
			n, err := c.cgi.ReadFromOutput(buf[:])
			if n > 0 {
				c.cgiOutputBuffer = append(c.cgiOutputBuffer, buf[:n]...)
				continue
			}
			if n == 0 || err == unix.EAGAIN {
				if retries > 0 {
					retries--
					time.Sleep(time.Millisecond)
					continue
				}
			}
			break
		}
	}

	c.stripUnsent100Continue()

	if c.cgi.HasTimedOut(cgiIdleTimeout * time.Second) {
		c.cgi.Terminate()
		c.response = newErrorResponse(StatusRequestTimeout, "")
	} else if end, sepLen, found := findHeaderBodySeparator(c.cgiOutputBuffer); found {
		resp := ParseCgiHeaders(c.cgiOutputBuffer[:end])
		body := c.cgiOutputBuffer[end+sepLen:]
		if declared := resp.Header("Content-Length"); declared != "" {
			if n, err := strconv.ParseInt(declared, 10, 64); err != nil || n != int64(len(body)) {
				Debugf("CGI declared Content-Length %s, actual %d; overwriting", declared, len(body))
			}
		}
		resp.SetBody(body) // fixes Content-Length from actual size
		resp.SetComplete(true)
		c.response = resp
	} else {
		// No header block: the whole output is a text/plain body.
		resp := NewResponse(StatusOK)
		resp.SetHeader("Content-Type", "text/plain")
		resp.SetBody(c.cgiOutputBuffer)
		resp.SetComplete(true)
		c.response = resp
	}

	c.computeKeepAlive()
	c.applyKeepAliveHeaders(c.response)
	c.sendBuffer = append(c.sendBuffer, c.response.Serialize(true)...)

	c.destroyCgi()
	c.cgiOutputBuffer = nil
	c.state = SendingResponse
	c.logAccess()
}

func (c *Client) destroyCgi() {
	if c.cgi != nil {
		c.cgi.Cleanup()
		c.cgi = nil
	}
}

// IsWaitingForCgiWrite reports whether the reactor should watch CGI stdin
// for writability.
func (c *Client) IsWaitingForCgiWrite() bool {
	return (c.state == CgiProcessing || c.state == CgiStreamingBody) &&
		c.cgi != nil && c.cgi.InputFd() != -1
}

// InCgiState reports whether CGI stdout should be watched.
func (c *Client) InCgiState() bool {
	return c.state == CgiProcessing || c.state == CgiStreamingBody
}

// Reset prepares the connection for the next keep-alive request. The
// receive buffer is deliberately untouched: it may already hold the next
// pipelined request.
func (c *Client) Reset() {
	c.request.Reset()
	c.response = nil
	c.sendBuffer = nil
	c.destroyCgi()
	c.cgiOutputBuffer = nil
	c.cgiWriteBuffer = nil
	c.cgiBodyOffset = 0
	c.cgiBytesSent = 0
	c.cgiBodyRemaining = -1
	c.peerClosed = false
	c.cgiHeadersSent = false
	c.sent100Continue = false
	c.cgiFinalized = false
	c.updateLastActivity()
}

// Close releases the socket and, transitively, any CGI child.
func (c *Client) Close() {
	c.destroyCgi()
	if c.fd != -1 {
		unix.Close(c.fd)
		c.fd = -1
	}
	c.state = Finished
}
