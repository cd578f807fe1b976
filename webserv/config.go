// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Configuration model and parser. The syntax is an nginx-flavored directive
// file: a list of server blocks, each carrying locations with per-prefix
// policy. A missing file falls back to a built-in default configuration.

package webserv

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const defaultMaxBodySize = 1 << 20 // 1M unless configured

// Config is an immutable snapshot of all server blocks.
type Config struct {
	// States
	servers    []*ServerBlock
	configFile string
}

// ServerBlock is one virtual server: a listen endpoint plus its locations.
type ServerBlock struct {
	// States
	host          string
	port          int
	serverNames   []string
	root          string
	index         string
	maxBodySize   int64
	errorPages    map[int]string // status -> page path
	accessLogPath string
	locations     []*Location
}

// Location attaches policy to a URI path prefix.
type Location struct {
	// States
	path           string
	root           string
	index          string
	redirect       string
	allowedMethods []string
	autoindex      bool
	uploadPath     string
	cgiPath        string
	cgiExtension   string
	maxBodySize    int64
	access         *accessRules // nil means no restrictions
}

func newServerBlock() *ServerBlock {
	return &ServerBlock{
		host:        "127.0.0.1",
		port:        8080,
		root:        "./www",
		index:       "index.html",
		maxBodySize: defaultMaxBodySize,
		errorPages:  make(map[int]string),
	}
}

func newLocation(path string) *Location {
	return &Location{
		path:           path,
		root:           "./www",
		index:          "index.html",
		allowedMethods: []string{"GET"},
		maxBodySize:    defaultMaxBodySize,
	}
}

func (s *ServerBlock) Host() string               { return s.host }
func (s *ServerBlock) Port() int                  { return s.port }
func (s *ServerBlock) ServerNames() []string      { return s.serverNames }
func (s *ServerBlock) Root() string               { return s.root }
func (s *ServerBlock) Index() string              { return s.index }
func (s *ServerBlock) MaxBodySize() int64         { return s.maxBodySize }
func (s *ServerBlock) ErrorPage(code int) string  { return s.errorPages[code] }
func (s *ServerBlock) AccessLogPath() string      { return s.accessLogPath }
func (s *ServerBlock) Locations() []*Location     { return s.locations }

func (l *Location) Path() string             { return l.path }
func (l *Location) Root() string             { return l.root }
func (l *Location) Index() string            { return l.index }
func (l *Location) Redirect() string         { return l.redirect }
func (l *Location) AllowedMethods() []string { return l.allowedMethods }
func (l *Location) Autoindex() bool          { return l.autoindex }
func (l *Location) UploadPath() string       { return l.uploadPath }
func (l *Location) CgiPath() string          { return l.cgiPath }
func (l *Location) CgiExtension() string     { return l.cgiExtension }
func (l *Location) MaxBodySize() int64       { return l.maxBodySize }

// Permits reports whether the remote address passes the location's
// allow/deny rules.
func (l *Location) Permits(remoteAddr string) bool { return l.access.permits(remoteAddr) }

// IsMethodAllowed reports whether the location permits the method.
// HEAD is allowed wherever GET is; centralizing the mapping here keeps
// every caller consistent.
func (l *Location) IsMethodAllowed(method string) bool {
	check := strings.ToUpper(method)
	if check == "HEAD" {
		check = "GET"
	}
	for _, m := range l.allowedMethods {
		if m == check {
			return true
		}
	}
	return false
}

// Matches reports whether the location's path is a prefix match for uri:
// exact match, or the path ends with '/', or the next uri byte is '/'.
func (l *Location) Matches(uri string) bool {
	if l.path == "/" {
		return true
	}
	if len(uri) < len(l.path) {
		return false
	}
	if uri[:len(l.path)] != l.path {
		return false
	}
	return len(uri) == len(l.path) || l.path[len(l.path)-1] == '/' || uri[len(l.path)] == '/'
}

// FullPath maps a request path to the filesystem: strip the location
// prefix (except for "/"), then join the remainder to the location root
// with exactly one slash between them.
func (l *Location) FullPath(uri string) string {
	relative := uri
	if l.path != "/" {
		normPath := l.path
		if len(normPath) > 1 && normPath[len(normPath)-1] == '/' {
			normPath = normPath[:len(normPath)-1]
		}
		if strings.HasPrefix(relative, normPath) {
			relative = relative[len(normPath):]
			if relative == "" {
				relative = "/"
			}
		}
	}
	full := l.root
	if full != "" && full[len(full)-1] == '/' && relative != "" && relative[0] == '/' {
		return full + relative[1:]
	}
	if full != "" && full[len(full)-1] != '/' && (relative == "" || relative[0] != '/') {
		return full + "/" + relative
	}
	return full + relative
}

// IsCgiRequest reports whether uri names a script with the configured CGI
// extension.
func (l *Location) IsCgiRequest(uri string) bool {
	if l.cgiExtension == "" {
		return false
	}
	return fileExtension(requestPathOf(uri)) == l.cgiExtension
}

func requestPathOf(uri string) string {
	if q := strings.IndexByte(uri, '?'); q >= 0 {
		return uri[:q]
	}
	return uri
}

func (c *Config) Servers() []*ServerBlock { return c.servers }
func (c *Config) ConfigFile() string      { return c.configFile }

// DefaultServer returns the first server block.
func (c *Config) DefaultServer() *ServerBlock {
	if len(c.servers) == 0 {
		return nil
	}
	return c.servers[0]
}

// FindServer picks the block for host:port, preferring an exact
// host+port+name match, then any block on the port, then the first block.
func (c *Config) FindServer(host string, port int, serverName string) *ServerBlock {
	for _, s := range c.servers {
		if s.host == host && s.port == port {
			if serverName == "" {
				return s
			}
			for _, name := range s.serverNames {
				if name == serverName {
					return s
				}
			}
		}
	}
	for _, s := range c.servers {
		if s.port == port {
			return s
		}
	}
	return c.DefaultServer()
}

// FindLocation returns the location with the longest matching path prefix,
// or nil if none matches.
func (c *Config) FindLocation(server *ServerBlock, uri string) *Location {
	var best *Location
	bestLen := 0
	for _, location := range server.locations {
		if location.Matches(uri) && len(location.path) > bestLen {
			best = location
			bestLen = len(location.path)
		}
	}
	return best
}

// LoadConfig reads and parses the configuration file. A missing file yields
// the built-in default configuration rather than an error.
func LoadConfig(configFile string) (config *Config, err error) {
	defer func() {
		if x := recover(); x != nil {
			err = x.(error)
		}
	}()
	if !fileExists(configFile) {
		Warnf("Config file not found: %s, using default configuration", configFile)
		return defaultConfig(configFile), nil
	}
	file, err := os.Open(configFile)
	if err != nil {
		return nil, fmt.Errorf("cannot open config file: %s", configFile)
	}
	defer file.Close()

	p := configParser{scanner: bufio.NewScanner(file), file: configFile}
	config = &Config{configFile: configFile}
	for p.next() {
		line := p.line
		if strings.HasPrefix(line, "server") && strings.Contains(line, "{") {
			config.servers = append(config.servers, p.parseServerBlock())
		}
	}
	if len(config.servers) == 0 {
		return nil, fmt.Errorf("no server blocks found in configuration")
	}
	return config, nil
}

func defaultConfig(configFile string) *Config {
	server := newServerBlock()
	server.serverNames = []string{"localhost"}

	location := newLocation("/")
	location.allowedMethods = []string{"GET", "POST", "DELETE"}
	location.autoindex = true
	server.locations = append(server.locations, location)

	return &Config{servers: []*ServerBlock{server}, configFile: configFile}
}

// configParser walks the directive file line by line. Errors are raised by
// panicking with a positioned error; LoadConfig recovers and returns it.
type configParser struct {
	// States
	scanner *bufio.Scanner
	file    string
	line    string
	lineNo  int
}

func (p *configParser) next() bool {
	for p.scanner.Scan() {
		p.lineNo++
		line := strings.TrimSpace(p.scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		p.line = line
		return true
	}
	return false
}

func (p *configParser) fail(f string, v ...any) {
	panic(fmt.Errorf("config %s:%d: %s", p.file, p.lineNo, fmt.Sprintf(f, v...)))
}

func (p *configParser) parseServerBlock() *ServerBlock {
	server := newServerBlock()
	braces := 1
	for braces > 0 && p.next() {
		line := p.line
		if strings.HasPrefix(line, "location") {
			fields := strings.Fields(strings.TrimSuffix(line, "{"))
			if len(fields) < 2 {
				p.fail("location needs a path")
			}
			location := newLocation(fields[1])
			location.root = server.root
			location.index = server.index
			location.maxBodySize = server.maxBodySize
			p.parseLocationBlock(location)
			server.locations = append(server.locations, location)
			continue
		}
		if strings.Contains(line, "{") {
			braces++
		}
		if strings.Contains(line, "}") {
			braces--
		}
		if braces == 0 {
			break
		}
		directive, values := p.splitDirective(line)
		switch directive {
		case "listen":
			if len(values) == 0 {
				break
			}
			if colon := strings.IndexByte(values[0], ':'); colon >= 0 {
				server.host = values[0][:colon]
				server.port = p.atoi(values[0][colon+1:])
			} else {
				server.port = p.atoi(values[0])
			}
		case "server_name":
			server.serverNames = values
		case "root":
			if len(values) > 0 {
				server.root = values[0]
			}
		case "index":
			if len(values) > 0 {
				server.index = values[0]
			}
		case "client_max_body_size":
			if len(values) > 0 {
				server.maxBodySize = p.parseSize(values[0])
			}
		case "error_page":
			if len(values) >= 2 {
				server.errorPages[p.atoi(values[0])] = values[1]
			}
		case "access_log":
			if len(values) > 0 {
				server.accessLogPath = values[0]
			}
		}
	}
	if len(server.locations) == 0 {
		location := newLocation("/")
		location.root = server.root
		location.index = server.index
		location.allowedMethods = []string{"GET", "POST", "DELETE"}
		server.locations = append(server.locations, location)
	}
	return server
}

func (p *configParser) parseLocationBlock(location *Location) {
	var allow, deny []string
	braces := 1
	for braces > 0 && p.next() {
		line := p.line
		if strings.Contains(line, "{") {
			braces++
		}
		if strings.Contains(line, "}") {
			braces--
		}
		if braces == 0 {
			break
		}
		directive, values := p.splitDirective(line)
		switch directive {
		case "root":
			if len(values) > 0 {
				location.root = values[0]
			}
		case "index":
			if len(values) > 0 {
				location.index = values[0]
			}
		case "allow_methods", "methods":
			methods := make([]string, 0, len(values))
			for _, v := range values {
				methods = append(methods, strings.ToUpper(v))
			}
			location.allowedMethods = methods
		case "return":
			if len(values) >= 2 {
				location.redirect = values[1]
			}
		case "autoindex":
			if len(values) > 0 {
				location.autoindex = values[0] == "on" || values[0] == "true"
			}
		case "client_max_body_size":
			if len(values) > 0 {
				location.maxBodySize = p.parseSize(values[0])
			}
		case "upload_path":
			if len(values) > 0 {
				location.uploadPath = values[0]
			}
		case "cgi_path":
			if len(values) > 0 {
				location.cgiPath = values[0]
			}
		case "cgi_ext", "cgi_extension":
			if len(values) > 0 {
				location.cgiExtension = strings.TrimPrefix(values[0], ".")
			}
		case "allow":
			allow = append(allow, values...)
		case "deny":
			deny = append(deny, values...)
		}
	}
	rules, err := compileAccessRules(allow, deny)
	if err != nil {
		p.fail("%v", err)
	}
	location.access = rules
}

func (p *configParser) splitDirective(line string) (string, []string) {
	line = strings.TrimSuffix(strings.TrimSpace(line), ";")
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

func (p *configParser) atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		p.fail("bad number %q", s)
	}
	return n
}

// parseSize accepts a byte count with an optional K or M suffix.
func (p *configParser) parseSize(s string) int64 {
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "M"), strings.HasSuffix(s, "m"):
		multiplier = 1024 * 1024
		s = s[:len(s)-1]
	case strings.HasSuffix(s, "K"), strings.HasSuffix(s, "k"):
		multiplier = 1024
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		p.fail("bad size %q", s)
	}
	return n * multiplier
}
