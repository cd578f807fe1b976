// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// The reactor: one thread, one readiness loop over listening sockets,
// client sockets, and CGI pipes. Nothing here blocks on a socket or pipe.

package webserv

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const pollTimeoutMs = 100 // short, so timers keep firing

// gate is one listening endpoint.
type gate struct {
	// States
	fd   int
	host string
	port int
}

// Server drives the whole show: it owns the gates and the client table.
// Removing a client from the table destroys it and, transitively, any CGI
// child it owns.
type Server struct {
	// Assocs
	config   *Config
	sessions *SessionStore
	// States
	gates     []gate
	clients   map[int]*Client
	accessLog *AccessLog // may be nil
	running   atomic.Bool
	sigChan   chan os.Signal
}

func NewServer(config *Config) *Server {
	return &Server{
		config:   config,
		sessions: NewSessionStore(),
		clients:  make(map[int]*Client),
		sigChan:  make(chan os.Signal, 1),
	}
}

// Start installs signal handling and opens every configured listen
// endpoint.
func (s *Server) Start() error {
	Infof("Starting webserver...")

	signal.Notify(s.sigChan, syscall.SIGINT, syscall.SIGTERM)
	signal.Ignore(syscall.SIGPIPE)

	if def := s.config.DefaultServer(); def != nil && def.AccessLogPath() != "" {
		log, err := NewAccessLog(def.AccessLogPath())
		if err != nil {
			Warnf("Cannot open access log %s: %v", def.AccessLogPath(), err)
		} else {
			s.accessLog = log
		}
	}

	for _, block := range s.config.Servers() {
		fd, err := createGateSocket(block.Host(), block.Port())
		if err != nil {
			s.cleanup()
			return fmt.Errorf("failed to create server socket for %s:%d: %w", block.Host(), block.Port(), err)
		}
		s.gates = append(s.gates, gate{fd: fd, host: block.Host(), port: block.Port()})
		Infof("Listening on %s:%d", block.Host(), block.Port())
	}
	if len(s.gates) == 0 {
		return fmt.Errorf("no server sockets created")
	}
	s.running.Store(true)
	Infof("Server started successfully")
	return nil
}

func (s *Server) Stop() {
	if !s.running.Load() {
		return
	}
	Infof("Stopping server...")
	s.running.Store(false)
}

func (s *Server) IsRunning() bool { return s.running.Load() }

func createGateSocket(host string, port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, socketBufferSize); err != nil {
		Warnf("Failed to set SO_RCVBUF")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, socketBufferSize); err != nil {
		Warnf("Failed to set SO_SNDBUF")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}

	addr := unix.SockaddrInet4{Port: port}
	if host != "" && host != "0.0.0.0" {
		ip := net.ParseIP(host)
		if ip == nil || ip.To4() == nil {
			unix.Close(fd)
			return -1, fmt.Errorf("invalid host address: %s", host)
		}
		copy(addr.Addr[:], ip.To4())
	}
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind %s:%d: %w", host, port, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}
	return fd, nil
}

// Run is the readiness loop. Each iteration rebuilds the descriptor list,
// waits briefly, sweeps CGI completion, then dispatches events.
func (s *Server) Run() {
	for s.running.Load() {
		select {
		case sig := <-s.sigChan:
			Infof("Received signal %v, shutting down...", sig)
			s.running.Store(false)
			continue
		default:
		}

		pfds, owners := s.buildPollFds()
		n, err := unix.Poll(pfds, pollTimeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			Errorf("poll failed: %v", err)
			break
		}

		s.checkCgiCompletion()

		if n == 0 {
			s.sweepIdleClients()
			s.removeFinishedClients()
			continue
		}

		s.handleEvents(pfds, owners)
		s.removeFinishedClients()
	}
	s.cleanup()
}

// buildPollFds assembles interest: gates read; client sockets read always,
// write while sending or holding queued bytes; CGI stdin write while the
// client waits to feed it; CGI stdout read while in a CGI state.
func (s *Server) buildPollFds() ([]unix.PollFd, map[int]*Client) {
	pfds := make([]unix.PollFd, 0, len(s.gates)+2*len(s.clients))
	owners := make(map[int]*Client, 2*len(s.clients))

	for _, g := range s.gates {
		pfds = append(pfds, unix.PollFd{Fd: int32(g.fd), Events: unix.POLLIN})
	}
	for fd, client := range s.clients {
		events := int16(unix.POLLIN)
		if client.State() == SendingResponse || len(client.SendBuffer()) > 0 {
			events |= unix.POLLOUT
		}
		pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: events})
		owners[fd] = client

		if client.IsWaitingForCgiWrite() {
			inFd := client.Cgi().InputFd()
			pfds = append(pfds, unix.PollFd{Fd: int32(inFd), Events: unix.POLLOUT})
			owners[inFd] = client
		}
		if client.InCgiState() && client.Cgi() != nil && client.Cgi().OutputFd() != -1 {
			outFd := client.Cgi().OutputFd()
			pfds = append(pfds, unix.PollFd{Fd: int32(outFd), Events: unix.POLLIN})
			owners[outFd] = client
		}
	}
	return pfds, owners
}

func (s *Server) handleEvents(pfds []unix.PollFd, owners map[int]*Client) {
	for i := range pfds {
		revents := pfds[i].Revents
		if revents == 0 {
			continue
		}
		fd := int(pfds[i].Fd)

		if i < len(s.gates) {
			if revents&unix.POLLIN != 0 {
				s.acceptConnection(s.gates[i])
			}
			continue
		}

		client, ok := owners[fd]
		if ok && fd == client.Fd() {
			if revents&(unix.POLLHUP|unix.POLLERR) != 0 {
				client.MarkPeerClosed()
				if len(client.SendBuffer()) > 0 {
					client.SendData() // last-chance flush
				}
				if len(client.SendBuffer()) == 0 {
					client.SetState(Finished)
				}
				continue
			}
			// Writability before readability: a completed send must reset
			// the client before new pipelined bytes are processed.
			if revents&unix.POLLOUT != 0 {
				client.SendData()
			}
			if revents&unix.POLLIN != 0 {
				n := client.ReceiveData()
				client.ProcessRequest()
				if n == 0 && client.State() == ReceivingRequest &&
					len(client.SendBuffer()) == 0 && !client.InCgiState() {
					client.SetState(Finished)
				}
			}
			continue
		}

		if ok && client.InCgiState() && client.Cgi() != nil {
			if fd == client.Cgi().InputFd() && revents&unix.POLLOUT != 0 {
				client.HandleCgiInput()
			}
			if fd == client.Cgi().OutputFd() && revents&(unix.POLLIN|unix.POLLHUP) != 0 {
				client.HandleCgiOutput()
			}
		}
	}
}

func (s *Server) acceptConnection(g gate) {
	nfd, sa, err := unix.Accept4(g.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err != unix.EAGAIN {
			Errorf("Failed to accept connection: %v", err)
		}
		return
	}
	if len(s.clients) >= maxClients {
		Warnf("Maximum clients reached, rejecting connection")
		unix.Close(nfd)
		return
	}

	remoteAddr := "127.0.0.1"
	if sa4, ok := sa.(*unix.SockaddrInet4); ok {
		remoteAddr = net.IP(sa4.Addr[:]).String()
	}

	unix.SetsockoptInt(nfd, unix.SOL_SOCKET, unix.SO_RCVBUF, socketBufferSize)
	unix.SetsockoptInt(nfd, unix.SOL_SOCKET, unix.SO_SNDBUF, socketBufferSize)
	unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	Infof("New connection from %s (fd: %d)", remoteAddr, nfd)
	client := newClient(nfd, s.config, s.sessions, remoteAddr, g.host, g.port)
	client.accessLog = s.accessLog
	s.clients[nfd] = client
}

// checkCgiCompletion reaps finished or stalled CGI children. A finished
// child whose request is still uploading defers finalization until the
// upload completes.
func (s *Server) checkCgiCompletion() {
	for _, client := range s.clients {
		if !client.InCgiState() || client.Cgi() == nil {
			continue
		}
		cgi := client.Cgi()
		cgiFinished := cgi.IsFinished()
		cgiTimedOut := cgi.HasTimedOut(cgiIdleTimeout * time.Second)
		clientIdle := client.HasTimedOut(30 * time.Second)

		if cgiFinished || (cgiTimedOut && clientIdle) {
			if cgiFinished && client.Request().IsComplete() {
				// The child exited; its pipe drains to EOF. HandleCgiOutput
				// finalizes on its own once it sees it.
				for i := 0; i < 4096 && client.InCgiState(); i++ {
					client.HandleCgiOutput()
				}
			} else {
				client.HandleCgiOutput() // pick up whatever is there
			}

			if cgiFinished && !client.Request().IsComplete() {
				Debugf("Deferring CGI finalization: client still uploading request body")
				continue
			}
			if client.State() != Finished && client.State() != ErrorState {
				client.FinalizeCgiResponse()
			}
		}
	}
}

// sweepIdleClients closes connections idle past the timeout, unless they
// are mid-upload, their CGI child is alive, or a response is still
// draining.
func (s *Server) sweepIdleClients() {
	s.sessions.SweepExpired()

	var stale []int
	for fd, client := range s.clients {
		if !client.HasTimedOut(idleTimeout * time.Second) {
			continue
		}
		if !client.Request().IsComplete() && client.Request().IsStreamingMode() {
			continue
		}
		if client.InCgiState() && client.Cgi() != nil && client.Cgi().IsRunning() {
			continue
		}
		if client.State() == SendingResponse && len(client.SendBuffer()) > 0 {
			continue
		}
		stale = append(stale, fd)
	}
	for _, fd := range stale {
		Debugf("Client %d timed out", fd)
		s.closeClient(fd)
	}
}

func (s *Server) removeFinishedClients() {
	var done []int
	for fd, client := range s.clients {
		if client.State() == Finished || client.State() == ErrorState {
			done = append(done, fd)
		}
	}
	for _, fd := range done {
		s.closeClient(fd)
	}
}

func (s *Server) closeClient(fd int) {
	if client, ok := s.clients[fd]; ok {
		Debugf("Closing client connection (fd: %d, state=%d)", fd, client.State())
		client.Close()
		delete(s.clients, fd)
	}
}

func (s *Server) cleanup() {
	for fd := range s.clients {
		s.closeClient(fd)
	}
	for _, g := range s.gates {
		unix.Close(g.fd)
	}
	s.gates = nil
	s.accessLog.Close()
	s.accessLog = nil
	s.running.Store(false)
}
