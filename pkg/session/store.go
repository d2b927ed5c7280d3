// Copyright 2024-2026 Aiku AI

package session

import (
	"errors"
	"slices"
	"strings"
	"sync"
)

var (
	ErrExists   = errors.New("session already exists")
	ErrNotFound = errors.New("session not found")
)

// Store maps session names to their current snapshot. It is safe for
// concurrent use; no method performs I/O or blocks on anything but the
// store's own lock.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]Session)}
}

// Create registers a new session, failing with ErrExists if the name is
// taken.
func (s *Store) Create(sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.Name]; ok {
		return ErrExists
	}
	s.sessions[sess.Name] = sess
	return nil
}

// Put inserts or replaces a session.
func (s *Store) Put(sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.Name] = sess
}

// Get returns the snapshot for name.
func (s *Store) Get(name string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[name]
	return sess, ok
}

// Update applies fn to the current snapshot of name and stores the result
// atomically. It returns ErrNotFound if the session is not registered, in
// which case fn is not called.
func (s *Store) Update(name string, fn func(Session) Session) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[name]
	if !ok {
		return Session{}, ErrNotFound
	}
	sess = fn(sess)
	sess.Name = name
	s.sessions[name] = sess
	return sess, nil
}

// Remove deletes name and returns the last snapshot.
func (s *Store) Remove(name string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[name]
	if ok {
		delete(s.sessions, name)
	}
	return sess, ok
}

// List returns every session sorted by name.
func (s *Store) List() []Session {
	s.mu.RLock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b Session) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

// Len returns the number of registered sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
