// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Response pipeline hooks: cookies, sessions, compression, byte ranges.
// These run after the method handler built the response and before it is
// serialized.

package webserv

import (
	"strconv"
	"strings"
	"time"
)

func (c *Client) applyCookies() {
	demo := NewCookie("demo_session", "abc123_"+strconv.FormatInt(time.Now().Unix(), 10))
	demo.Path = "/"
	demo.HttpOnly = true
	if demo.IsValid() {
		c.addSetCookie(demo)
	}

	pref := NewCookie("user_preference", "bonus_features")
	pref.Path = "/"
	pref.MaxAge = 3600
	if pref.IsValid() {
		c.addSetCookie(pref)
	}
}

// addSetCookie appends one Set-Cookie header; earlier cookies are kept.
func (c *Client) addSetCookie(cookie Cookie) {
	c.response.headers = append(c.response.headers, headerField{"Set-Cookie", cookie.String()})
}

func (c *Client) applySession() {
	if c.sessions == nil {
		return
	}
	if cookieHeader := c.request.Header("cookie"); cookieHeader != "" {
		cookies := ParseCookies(cookieHeader)
		if id, ok := cookies["SESSIONID"]; ok {
			if c.sessions.Get(id) != nil {
				return // existing session; nothing to issue
			}
		}
	}
	session := c.sessions.Create()
	c.addSetCookie(session.CookieFor())
}

func (c *Client) applyCompression() {
	if c.request.Method() != "GET" && c.request.Method() != "HEAD" {
		return
	}
	acceptEncoding := c.request.Header("accept-encoding")
	if acceptEncoding == "" {
		return
	}
	if c.response.Header("Content-Encoding") != "" {
		return
	}
	contentType := c.response.Header("Content-Type")
	body := c.response.Body()
	if len(body) <= 100 {
		return
	}
	if !(contentType == "" || strings.HasPrefix(contentType, "text/") || strings.HasPrefix(contentType, "application/")) {
		return
	}
	coding := acceptedCompression(acceptEncoding)
	if coding == compressionNone {
		return
	}
	compressed := compressBody(body, coding)
	if len(compressed) == 0 {
		return
	}
	c.response.SetBody(compressed)
	c.response.SetHeader("Content-Encoding", encodingHeader(coding))
}

func (c *Client) applyRanges() {
	rangeHeader := c.request.Header("range")
	if rangeHeader == "" || c.request.Method() != "GET" {
		return
	}
	if c.response.StatusCode() != StatusOK {
		return
	}
	body := c.response.Body()
	if len(body) == 0 {
		return
	}
	ranges := parseRangeHeader(rangeHeader, int64(len(body)))
	if len(ranges) != 1 {
		return // multi-range and unsatisfiable requests keep the 200
	}
	sliced := extractRange(body, ranges[0])
	if len(sliced) == 0 {
		return
	}
	c.response.SetStatus(StatusPartialContent)
	c.response.SetBody(sliced)
	c.response.SetHeader("Content-Range", contentRangeHeader(ranges[0], int64(len(body))))
	c.response.SetHeader("Accept-Ranges", "bytes")
}
