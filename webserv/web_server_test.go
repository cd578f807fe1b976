// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package webserv

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func startTestServer(t *testing.T, root string) (*Server, int) {
	t.Helper()
	port := freePort(t)

	s := newServerBlock()
	s.host = "127.0.0.1"
	s.port = port
	s.root = root
	loc := newLocation("/")
	loc.root = root
	loc.allowedMethods = []string{"GET", "POST", "DELETE"}
	loc.autoindex = true
	s.locations = []*Location{loc}
	config := &Config{servers: []*ServerBlock{s}}

	server := NewServer(config)
	if err := server.Start(); err != nil {
		t.Fatal(err)
	}
	go server.Run()
	t.Cleanup(server.Stop)
	return server, port
}

func dialWithRetry(t *testing.T, port int) net.Conn {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
		if err == nil {
			return conn
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("could not connect to test server")
	return nil
}

func readResponse(t *testing.T, conn net.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var out []byte
	buf := make([]byte, 65536)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err != nil {
			break
		}
		// stop once the declared body is complete
		if head, body, found := splitResponse(string(out)); found {
			cl := contentLengthOf(head)
			if cl >= 0 && len(body) >= cl {
				break
			}
		}
	}
	return string(out)
}

func splitResponse(s string) (head string, body string, found bool) {
	if i := strings.Index(s, "\r\n\r\n"); i >= 0 {
		return s[:i], s[i+4:], true
	}
	return "", "", false
}

func contentLengthOf(head string) int {
	for _, line := range strings.Split(head, "\r\n") {
		if strings.HasPrefix(strings.ToLower(line), "content-length:") {
			n, err := strconv.Atoi(strings.TrimSpace(line[len("content-length:"):]))
			if err == nil {
				return n
			}
		}
	}
	return -1
}

func TestServerEndToEndGet(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "index.html"), []byte("HELLO"), 0644); err != nil {
		t.Fatal(err)
	}
	_, port := startTestServer(t, root)

	conn := dialWithRetry(t, port)
	defer conn.Close()

	if _, err := conn.Write([]byte("GET /index.html HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")); err != nil {
		t.Fatal(err)
	}
	out := readResponse(t, conn)

	if !strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("response: %q", out)
	}
	if !strings.Contains(out, "Content-Length: 5\r\n") || !strings.Contains(out, "Content-Type: text/html\r\n") {
		t.Errorf("headers: %q", out)
	}
	if !strings.HasSuffix(out, "HELLO") {
		t.Errorf("body: %q", out)
	}
}

func TestServerEndToEndNotFound(t *testing.T) {
	_, port := startTestServer(t, t.TempDir())
	conn := dialWithRetry(t, port)
	defer conn.Close()

	conn.Write([]byte("GET /missing HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"))
	out := readResponse(t, conn)
	if !strings.HasPrefix(out, "HTTP/1.1 404 Not Found\r\n") {
		t.Fatalf("response: %q", out)
	}
	if !strings.Contains(out, "404") {
		t.Error("error page must name the status")
	}
}

func TestServerKeepAliveTwoRequests(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "index.html"), []byte("HELLO"), 0644); err != nil {
		t.Fatal(err)
	}
	_, port := startTestServer(t, root)
	conn := dialWithRetry(t, port)
	defer conn.Close()

	conn.Write([]byte("GET /index.html HTTP/1.1\r\nHost: x\r\n\r\n"))
	first := readResponse(t, conn)
	if !strings.HasPrefix(first, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("first: %q", first)
	}

	conn.Write([]byte("GET /missing HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"))
	second := readResponse(t, conn)
	if !strings.HasPrefix(second, "HTTP/1.1 404 Not Found\r\n") {
		t.Fatalf("second: %q", second)
	}
}

func TestServerStop(t *testing.T) {
	server, port := startTestServer(t, t.TempDir())
	conn := dialWithRetry(t, port)
	conn.Close()
	server.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for server.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if server.IsRunning() {
		t.Error("server did not stop")
	}
}
