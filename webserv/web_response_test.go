// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package webserv

import (
	"bytes"
	"strings"
	"testing"
)

func TestResponseSerialize(t *testing.T) {
	r := NewResponse(StatusOK)
	r.SetHeader("Content-Type", "text/plain")
	r.SetBody([]byte("hello"))
	out := string(r.Serialize(true))

	if !strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n") {
		t.Errorf("status line: %q", out)
	}
	if !strings.Contains(out, "Content-Length: 5\r\n") {
		t.Error("missing Content-Length")
	}
	if !strings.Contains(out, "Server: "+ServerToken+"\r\n") {
		t.Error("missing Server header")
	}
	if !strings.Contains(out, "Date: ") {
		t.Error("missing Date header")
	}
	if !strings.HasSuffix(out, "\r\n\r\nhello") {
		t.Errorf("body placement: %q", out)
	}

	headersOnly := string(r.Serialize(false))
	if strings.Contains(headersOnly, "hello") {
		t.Error("Serialize(false) must omit the body")
	}
}

func TestResponseHeaderOrderPreserved(t *testing.T) {
	r := NewResponse(StatusOK)
	r.SetHeader("X-First", "1")
	r.SetHeader("X-Second", "2")
	r.SetHeader("x-first", "one") // replaces, does not reorder
	out := string(r.Serialize(false))
	first := strings.Index(out, "X-First: one")
	second := strings.Index(out, "X-Second: 2")
	if first < 0 || second < 0 || first > second {
		t.Errorf("header order broken: %q", out)
	}
}

func TestResponseCaseInsensitiveLookup(t *testing.T) {
	r := NewResponse(StatusOK)
	r.SetHeader("Content-Length", "3")
	if r.Header("content-length") != "3" || !r.HasHeader("CONTENT-LENGTH") {
		t.Error("case-insensitive lookup failed")
	}
	r.RemoveHeader("content-LENGTH")
	if r.HasHeader("Content-Length") {
		t.Error("remove failed")
	}
}

func TestErrorResponseDefaultPage(t *testing.T) {
	r := newErrorResponse(StatusNotFound, "")
	if r.StatusCode() != StatusNotFound {
		t.Errorf("status = %d", r.StatusCode())
	}
	if r.Header("Content-Type") != "text/html" {
		t.Errorf("content type = %q", r.Header("Content-Type"))
	}
	if !bytes.Contains(r.Body(), []byte("404")) {
		t.Error("default error page must contain the status code")
	}
}

func TestErrorResponse405EmptyBody(t *testing.T) {
	r := newErrorResponse(StatusMethodNotAllowed, "")
	if len(r.Body()) != 0 {
		t.Error("405 must have an empty body")
	}
	if r.Header("Content-Length") != "0" {
		t.Errorf("405 must carry Content-Length: 0, got %q", r.Header("Content-Length"))
	}
}

func TestRedirectResponse(t *testing.T) {
	r := newRedirectResponse(StatusFound, "/elsewhere")
	if r.StatusCode() != StatusFound {
		t.Errorf("status = %d", r.StatusCode())
	}
	if r.Header("Location") != "/elsewhere" {
		t.Errorf("location = %q", r.Header("Location"))
	}
	if !bytes.Contains(r.Body(), []byte("/elsewhere")) {
		t.Error("redirect body should reference the target")
	}
}

func TestResponseReset(t *testing.T) {
	r := NewResponse(StatusNotFound)
	r.SetHeader("X-Extra", "gone")
	r.SetBody([]byte("x"))
	r.Reset()
	if r.StatusCode() != StatusOK || len(r.Body()) != 0 || r.HasHeader("X-Extra") {
		t.Error("reset incomplete")
	}
	if !r.HasHeader("Server") || !r.HasHeader("Date") {
		t.Error("reset should restore default headers")
	}
}

func TestStatusMessages(t *testing.T) {
	if statusMessage(200) != "OK" || statusMessage(404) != "Not Found" || statusMessage(599) != "Unknown" {
		t.Error("status phrases wrong")
	}
}
