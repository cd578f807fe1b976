// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package webserv

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// clientPair builds a Client over one end of a socketpair; the other end
// plays the role of the remote peer.
func clientPair(t *testing.T, config *Config) (*Client, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	unix.SetNonblock(fds[0], true)
	unix.SetNonblock(fds[1], true)
	client := newClient(fds[0], config, NewSessionStore(), "127.0.0.1", "127.0.0.1", 8080)
	t.Cleanup(func() {
		client.Close()
		unix.Close(fds[1])
	})
	return client, fds[1]
}

func clientTestConfig(root string) *Config {
	s := newServerBlock()
	s.root = root
	s.serverNames = []string{"localhost"}

	locRoot := newLocation("/")
	locRoot.root = root
	locRoot.allowedMethods = []string{"GET", "POST", "DELETE"}
	locRoot.autoindex = true

	locPostBody := newLocation("/post_body")
	locPostBody.root = root
	locPostBody.allowedMethods = []string{"POST"}
	locPostBody.maxBodySize = 100

	locUpload := newLocation("/upload")
	locUpload.root = root
	locUpload.allowedMethods = []string{"GET", "POST"}
	locUpload.uploadPath = root + "/uploads"

	locReadOnly := newLocation("/readonly")
	locReadOnly.root = root
	locReadOnly.allowedMethods = []string{"GET"}

	locOld := newLocation("/old")
	locOld.root = root
	locOld.redirect = "/new"

	s.locations = []*Location{locRoot, locPostBody, locUpload, locReadOnly, locOld}
	return &Config{servers: []*ServerBlock{s}}
}

func feed(t *testing.T, client *Client, peer int, data string) {
	t.Helper()
	if _, err := unix.Write(peer, []byte(data)); err != nil {
		t.Fatal(err)
	}
	// the socketpair delivers immediately; pull it in
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if n := client.ReceiveData(); n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	client.ProcessRequest()
}

// drain flushes the client's send buffer and collects what the peer sees.
func drain(t *testing.T, client *Client, peer int) []byte {
	t.Helper()
	var got []byte
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		client.SendData()
		var buf [65536]byte
		n, err := unix.Read(peer, buf[:])
		if n > 0 {
			got = append(got, buf[:n]...)
		}
		if len(client.SendBuffer()) == 0 && (n <= 0 || err == unix.EAGAIN) && len(got) > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	return got
}

func TestClientServesStaticFile(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "index.html"), []byte("HELLO"), 0644); err != nil {
		t.Fatal(err)
	}
	client, peer := clientPair(t, clientTestConfig(root))

	feed(t, client, peer, "GET /index.html HTTP/1.1\r\nHost: x\r\n\r\n")
	out := string(drain(t, client, peer))

	if !strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("response: %q", out)
	}
	if !strings.Contains(out, "Content-Length: 5\r\n") || !strings.Contains(out, "Content-Type: text/html\r\n") {
		t.Errorf("headers: %q", out)
	}
	if !strings.HasSuffix(out, "\r\n\r\nHELLO") {
		t.Errorf("body: %q", out)
	}
	if client.State() != ReceivingRequest {
		t.Errorf("keep-alive connection should await the next request, state=%d", client.State())
	}
}

func TestClientServesDirectoryIndex(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "index.html"), []byte("HELLO"), 0644); err != nil {
		t.Fatal(err)
	}
	client, peer := clientPair(t, clientTestConfig(root))
	feed(t, client, peer, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	out := string(drain(t, client, peer))
	if !strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n") || !strings.HasSuffix(out, "HELLO") {
		t.Errorf("index serving: %q", out)
	}
}

func TestClientNotFound(t *testing.T) {
	client, peer := clientPair(t, clientTestConfig(t.TempDir()))
	feed(t, client, peer, "GET /missing HTTP/1.1\r\nHost: x\r\n\r\n")
	out := string(drain(t, client, peer))
	if !strings.HasPrefix(out, "HTTP/1.1 404 Not Found\r\n") {
		t.Fatalf("response: %q", out)
	}
	if !strings.Contains(out, "Content-Type: text/html") || !strings.Contains(out, "404") {
		t.Errorf("error page: %q", out)
	}
}

func TestClientPostBodyProbe(t *testing.T) {
	client, peer := clientPair(t, clientTestConfig(t.TempDir()))
	feed(t, client, peer, "POST /post_body HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhello")
	out := string(drain(t, client, peer))
	if !strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n") || !strings.HasSuffix(out, "\r\n\r\nok") {
		t.Errorf("response: %q", out)
	}
	if !strings.Contains(out, "Content-Type: text/plain") {
		t.Errorf("content type: %q", out)
	}
}

func TestClientPayloadTooLarge(t *testing.T) {
	client, peer := clientPair(t, clientTestConfig(t.TempDir()))
	body := strings.Repeat("x", 101)
	feed(t, client, peer, "POST /post_body HTTP/1.1\r\nHost: x\r\nContent-Length: 101\r\n\r\n"+body)
	out := string(drain(t, client, peer))
	if !strings.HasPrefix(out, "HTTP/1.1 413 Payload Too Large\r\n") {
		t.Errorf("response: %q", out)
	}
}

func TestClientBoundaryBodySize(t *testing.T) {
	client, peer := clientPair(t, clientTestConfig(t.TempDir()))
	body := strings.Repeat("x", 100)
	feed(t, client, peer, "POST /post_body HTTP/1.1\r\nHost: x\r\nContent-Length: 100\r\n\r\n"+body)
	out := string(drain(t, client, peer))
	if !strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n") {
		t.Errorf("exactly-at-limit body must be accepted: %q", out)
	}
}

func TestClientChunkedUpload(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "uploads"), 0755); err != nil {
		t.Fatal(err)
	}
	client, peer := clientPair(t, clientTestConfig(root))
	feed(t, client, peer, "POST /upload/foo HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n")
	out := string(drain(t, client, peer))
	if !strings.HasPrefix(out, "HTTP/1.1 201 Created\r\n") {
		t.Fatalf("response: %q", out)
	}
	data, err := os.ReadFile(filepath.Join(root, "uploads", "foo"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Errorf("uploaded file = %q", data)
	}
}

func TestClientDelete(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "doomed.txt")
	if err := os.WriteFile(target, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	client, peer := clientPair(t, clientTestConfig(root))
	feed(t, client, peer, "DELETE /doomed.txt HTTP/1.1\r\nHost: x\r\n\r\n")
	out := string(drain(t, client, peer))
	if !strings.HasPrefix(out, "HTTP/1.1 204 No Content\r\n") {
		t.Fatalf("response: %q", out)
	}
	if fileExists(target) {
		t.Error("file should be gone")
	}

	client2, peer2 := clientPair(t, clientTestConfig(root))
	feed(t, client2, peer2, "DELETE /doomed.txt HTTP/1.1\r\nHost: x\r\n\r\n")
	out2 := string(drain(t, client2, peer2))
	if !strings.HasPrefix(out2, "HTTP/1.1 404 Not Found\r\n") {
		t.Errorf("second delete: %q", out2)
	}
}

func TestClientMethodNotAllowed(t *testing.T) {
	client, peer := clientPair(t, clientTestConfig(t.TempDir()))
	feed(t, client, peer, "POST /readonly HTTP/1.1\r\nHost: x\r\nContent-Length: 0\r\n\r\n")
	out := string(drain(t, client, peer))
	if !strings.HasPrefix(out, "HTTP/1.1 405 Method Not Allowed\r\n") {
		t.Fatalf("response: %q", out)
	}
	if !strings.Contains(out, "Allow: GET\r\n") {
		t.Errorf("missing Allow header: %q", out)
	}
	if !strings.Contains(out, "Content-Length: 0\r\n") {
		t.Errorf("405 must declare an empty body: %q", out)
	}
	if !strings.HasSuffix(out, "\r\n\r\n") {
		t.Errorf("405 must not carry a body: %q", out)
	}
}

func TestClientRedirect(t *testing.T) {
	client, peer := clientPair(t, clientTestConfig(t.TempDir()))
	feed(t, client, peer, "GET /old HTTP/1.1\r\nHost: x\r\n\r\n")
	out := string(drain(t, client, peer))
	if !strings.HasPrefix(out, "HTTP/1.1 302 Found\r\n") || !strings.Contains(out, "Location: /new\r\n") {
		t.Errorf("redirect: %q", out)
	}
}

func TestClientBadRequest(t *testing.T) {
	client, peer := clientPair(t, clientTestConfig(t.TempDir()))
	feed(t, client, peer, "GARBAGE-LINE\r\n\r\n")
	out := string(drain(t, client, peer))
	if !strings.HasPrefix(out, "HTTP/1.1 400 Bad Request\r\n") {
		t.Errorf("response: %q", out)
	}
}

func TestClientNotImplementedMethod(t *testing.T) {
	root := t.TempDir()
	config := clientTestConfig(root)
	// allow OPTIONS through the location policy so the dispatcher sees it
	config.servers[0].locations[0].allowedMethods = []string{"GET", "OPTIONS"}
	client, peer := clientPair(t, config)
	feed(t, client, peer, "OPTIONS /x HTTP/1.1\r\nHost: x\r\n\r\n")
	out := string(drain(t, client, peer))
	if !strings.HasPrefix(out, "HTTP/1.1 501 Not Implemented\r\n") {
		t.Errorf("response: %q", out)
	}
}

func TestClientPipelinedRequests(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "index.html"), []byte("HELLO"), 0644); err != nil {
		t.Fatal(err)
	}
	client, peer := clientPair(t, clientTestConfig(root))

	feed(t, client, peer,
		"GET /index.html HTTP/1.1\r\nHost: x\r\n\r\nGET /missing HTTP/1.1\r\nHost: x\r\n\r\n")
	out := string(drain(t, client, peer))

	first := strings.Index(out, "HTTP/1.1 200 OK")
	second := strings.Index(out, "HTTP/1.1 404 Not Found")
	if first < 0 || second < 0 || first > second {
		t.Fatalf("pipelined responses out of order: %q", out)
	}
}

func TestClientConnectionClose(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "index.html"), []byte("HELLO"), 0644); err != nil {
		t.Fatal(err)
	}
	client, peer := clientPair(t, clientTestConfig(root))
	feed(t, client, peer, "GET /index.html HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")
	out := string(drain(t, client, peer))
	if !strings.Contains(out, "Connection: close\r\n") {
		t.Errorf("response should close: %q", out)
	}
	if client.State() != Finished {
		t.Errorf("state = %d, want Finished", client.State())
	}
}

func TestClientHeadOmitsBody(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "index.html"), []byte("HELLO"), 0644); err != nil {
		t.Fatal(err)
	}
	config := clientTestConfig(root)
	config.servers[0].locations[0].allowedMethods = []string{"GET"} // HEAD maps to GET
	client, peer := clientPair(t, config)
	feed(t, client, peer, "HEAD /index.html HTTP/1.1\r\nHost: x\r\n\r\n")
	out := string(drain(t, client, peer))
	if !strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("response: %q", out)
	}
	if !strings.Contains(out, "Content-Length: 5\r\n") {
		t.Errorf("HEAD keeps the entity headers: %q", out)
	}
	if strings.Contains(out, "HELLO") {
		t.Errorf("HEAD must omit the body: %q", out)
	}
}

func TestClientExpectContinueAndCgiStreaming(t *testing.T) {
	if !fileExists("/bin/cat") {
		t.Skip("/bin/cat not available")
	}
	root := t.TempDir()
	script := filepath.Join(root, "echo.txt")
	framed := "Status: 200\r\nContent-Type: text/plain\r\nContent-Length: 3\r\n\r\nABC"
	if err := os.WriteFile(script, []byte(framed), 0644); err != nil {
		t.Fatal(err)
	}

	config := clientTestConfig(root)
	locCgi := newLocation("/cgi")
	locCgi.root = root
	locCgi.allowedMethods = []string{"GET", "POST"}
	locCgi.cgiExtension = "txt"
	locCgi.cgiPath = "/bin/cat"
	config.servers[0].locations = append(config.servers[0].locations, locCgi)

	client, peer := clientPair(t, config)

	// headers first: the interim 100 goes out before any body arrives
	feed(t, client, peer, "POST /cgi/echo.txt HTTP/1.1\r\nHost: x\r\nContent-Length: 3\r\nExpect: 100-continue\r\n\r\n")
	interim := string(drain(t, client, peer))
	if !strings.HasPrefix(interim, "HTTP/1.1 100 Continue\r\n\r\n") {
		t.Fatalf("interim: %q", interim)
	}

	feed(t, client, peer, "ABC")
	if client.State() != CgiProcessing && client.State() != CgiStreamingBody && client.State() != SendingResponse {
		t.Fatalf("CGI did not start, state=%d", client.State())
	}

	// drive CGI stdout until the response is finalized
	deadline := time.Now().Add(3 * time.Second)
	for client.State() != SendingResponse && time.Now().Before(deadline) {
		client.HandleCgiInput()
		client.HandleCgiOutput()
		time.Sleep(5 * time.Millisecond)
	}
	if client.State() != SendingResponse {
		t.Fatalf("CGI never finalized, state=%d", client.State())
	}

	out := string(drain(t, client, peer))
	if !strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("response: %q", out)
	}
	if !strings.Contains(out, "Content-Type: text/plain") || !strings.Contains(out, "Content-Length: 3") {
		t.Errorf("headers: %q", out)
	}
	if !strings.HasSuffix(out, "\r\n\r\nABC") {
		t.Errorf("body: %q", out)
	}
	if client.Cgi() != nil {
		t.Error("CGI must be released after finalization")
	}
}

func TestClientCgiStreamingCapsDeclaredLength(t *testing.T) {
	if !fileExists("/bin/cat") {
		t.Skip("/bin/cat not available")
	}
	root := t.TempDir()
	script := filepath.Join(root, "over.txt")
	// declares 3 bytes but emits 7; the excess must be discarded
	framed := "Content-Length: 3\r\nContent-Type: text/plain\r\n\r\nABCDEFG"
	if err := os.WriteFile(script, []byte(framed), 0644); err != nil {
		t.Fatal(err)
	}

	config := clientTestConfig(root)
	locCgi := newLocation("/cgi")
	locCgi.root = root
	locCgi.allowedMethods = []string{"POST"}
	locCgi.cgiExtension = "txt"
	locCgi.cgiPath = "/bin/cat"
	config.servers[0].locations = append(config.servers[0].locations, locCgi)

	client, peer := clientPair(t, config)
	feed(t, client, peer, "POST /cgi/over.txt HTTP/1.1\r\nHost: x\r\nContent-Length: 0\r\n\r\n")

	deadline := time.Now().Add(3 * time.Second)
	for client.State() != SendingResponse && time.Now().Before(deadline) {
		client.HandleCgiInput()
		client.HandleCgiOutput()
		time.Sleep(5 * time.Millisecond)
	}
	out := drain(t, client, peer)
	if !bytes.HasSuffix(out, []byte("\r\n\r\nABC")) {
		t.Errorf("streamed body must stop at the declared length: %q", out)
	}
}

func TestClientFinalizeCgiResponseIsOneShot(t *testing.T) {
	if !fileExists("/bin/cat") {
		t.Skip("/bin/cat not available")
	}
	root := t.TempDir()
	script := filepath.Join(root, "once.txt")
	if err := os.WriteFile(script, []byte("Content-Type: text/plain\r\n\r\nbody"), 0644); err != nil {
		t.Fatal(err)
	}
	config := clientTestConfig(root)
	locCgi := newLocation("/cgi")
	locCgi.root = root
	locCgi.allowedMethods = []string{"POST"}
	locCgi.cgiExtension = "txt"
	locCgi.cgiPath = "/bin/cat"
	config.servers[0].locations = append(config.servers[0].locations, locCgi)

	client, peer := clientPair(t, config)
	feed(t, client, peer, "POST /cgi/once.txt HTTP/1.1\r\nHost: x\r\nContent-Length: 0\r\n\r\n")

	deadline := time.Now().Add(3 * time.Second)
	for client.State() != SendingResponse && time.Now().Before(deadline) {
		client.HandleCgiOutput()
		time.Sleep(5 * time.Millisecond)
	}
	if client.State() != SendingResponse {
		t.Fatalf("CGI never finalized, state=%d", client.State())
	}
	queued := len(client.SendBuffer())

	// a second call must be a no-op: the CGI is gone and the latch is set
	client.FinalizeCgiResponse()
	if len(client.SendBuffer()) != queued {
		t.Error("finalize appended a second response")
	}

	out := string(drain(t, client, peer))
	if strings.Count(out, "HTTP/1.1 200 OK") != 1 {
		t.Errorf("exactly one response expected: %q", out)
	}
}

func TestClientResetPreservesReceiveBuffer(t *testing.T) {
	client, _ := clientPair(t, clientTestConfig(t.TempDir()))
	client.recvBuffer = []byte("GET /next HTTP/1.1\r\n\r\n")
	client.keepAlive = true
	client.Reset()
	if string(client.recvBuffer) != "GET /next HTTP/1.1\r\n\r\n" {
		t.Error("reset must not clear the receive buffer")
	}
	if client.cgi != nil || client.sent100Continue || client.cgiHeadersSent || client.cgiFinalized {
		t.Error("reset must clear CGI state")
	}
	if client.cgiBodyRemaining != -1 {
		t.Error("reset must restore the unknown-length sentinel")
	}
}

func TestClientOwnsAtMostOneCgi(t *testing.T) {
	client, _ := clientPair(t, clientTestConfig(t.TempDir()))
	if client.Cgi() != nil {
		t.Error("fresh client has no CGI")
	}
	client.cgi = NewCGI("")
	client.destroyCgi()
	if client.Cgi() != nil {
		t.Error("destroy must clear the owner pointer")
	}
}
