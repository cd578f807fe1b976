// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Cookie parsing and Set-Cookie formatting.

package webserv

import (
	"strconv"
	"strings"
)

// Cookie is one response cookie with its attributes.
type Cookie struct {
	// States
	Name     string
	Value    string
	Domain   string
	Path     string
	Expires  string
	MaxAge   int // -1 means unset
	Secure   bool
	HttpOnly bool
	SameSite string
}

func NewCookie(name, value string) Cookie {
	return Cookie{Name: name, Value: value, MaxAge: -1}
}

func (c Cookie) IsValid() bool { return c.Name != "" && c.Value != "" }

// String renders the Set-Cookie value.
func (c Cookie) String() string {
	if c.Name == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString(c.Name)
	b.WriteByte('=')
	b.WriteString(c.Value)
	if c.Domain != "" {
		b.WriteString("; Domain=" + c.Domain)
	}
	if c.Path != "" {
		b.WriteString("; Path=" + c.Path)
	}
	if c.Expires != "" {
		b.WriteString("; Expires=" + c.Expires)
	}
	if c.MaxAge >= 0 {
		b.WriteString("; Max-Age=" + strconv.Itoa(c.MaxAge))
	}
	if c.Secure {
		b.WriteString("; Secure")
	}
	if c.HttpOnly {
		b.WriteString("; HttpOnly")
	}
	if c.SameSite != "" {
		b.WriteString("; SameSite=" + c.SameSite)
	}
	return b.String()
}

// ParseCookies splits a Cookie request header into name/value pairs.
func ParseCookies(cookieHeader string) map[string]string {
	cookies := make(map[string]string)
	for _, part := range strings.Split(cookieHeader, ";") {
		part = strings.TrimSpace(part)
		if eq := strings.IndexByte(part, '='); eq > 0 {
			cookies[strings.TrimSpace(part[:eq])] = strings.TrimSpace(part[eq+1:])
		}
	}
	return cookies
}
