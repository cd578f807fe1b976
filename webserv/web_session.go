// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// In-memory session store. Sessions live for an hour of inactivity; the
// store is only ever touched from the reactor thread.

package webserv

import (
	"time"

	"github.com/google/uuid"
)

const sessionMaxAge = 3600 // seconds

// Session is one client session.
type Session struct {
	// States
	id           string
	data         map[string]string
	createdAt    time.Time
	lastAccessed time.Time
}

func (s *Session) ID() string { return s.id }

func (s *Session) Get(key string) string { return s.data[key] }
func (s *Session) Has(key string) bool {
	_, ok := s.data[key]
	return ok
}
func (s *Session) Set(key, value string) {
	s.data[key] = value
	s.touch()
}
func (s *Session) Remove(key string) {
	delete(s.data, key)
	s.touch()
}

func (s *Session) touch() { s.lastAccessed = time.Now() }

func (s *Session) IsExpired() bool {
	return time.Since(s.lastAccessed) > sessionMaxAge*time.Second
}

// CookieFor renders the session's SESSIONID cookie.
func (s *Session) CookieFor() Cookie {
	cookie := NewCookie("SESSIONID", s.id)
	cookie.Path = "/"
	cookie.HttpOnly = true
	cookie.MaxAge = sessionMaxAge
	return cookie
}

// SessionStore holds every live session.
type SessionStore struct {
	// States
	sessions map[string]*Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*Session)}
}

// Get returns a live session by id, touching it, or nil.
func (st *SessionStore) Get(sessionID string) *Session {
	if s, ok := st.sessions[sessionID]; ok && !s.IsExpired() {
		s.touch()
		return s
	}
	return nil
}

// Create makes a fresh session with a generated id.
func (st *SessionStore) Create() *Session {
	now := time.Now()
	s := &Session{
		id:           "sess_" + uuid.NewString(),
		data:         make(map[string]string),
		createdAt:    now,
		lastAccessed: now,
	}
	st.sessions[s.id] = s
	Debugf("Created new session: %s", s.id)
	return s
}

// Destroy removes a session.
func (st *SessionStore) Destroy(sessionID string) {
	delete(st.sessions, sessionID)
}

// SweepExpired drops sessions past their inactivity window.
func (st *SessionStore) SweepExpired() {
	for id, s := range st.sessions {
		if s.IsExpired() {
			delete(st.sessions, id)
		}
	}
}

func (st *SessionStore) Len() int { return len(st.sessions) }
