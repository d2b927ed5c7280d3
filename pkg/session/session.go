// Copyright 2024-2026 Aiku AI

// Package session holds the session registry: the single source of truth
// for which sessions exist and what state each one is in.
package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of a session.
type Status int

const (
	StatusInitializing Status = iota
	StatusWaitingForScan
	StatusConnected
	StatusDisconnected
	StatusLoggedOut
)

var statusNames = [...]string{
	StatusInitializing:   "Initializing",
	StatusWaitingForScan: "WaitingForScan",
	StatusConnected:      "Connected",
	StatusDisconnected:   "Disconnected",
	StatusLoggedOut:      "LoggedOut",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for i, n := range statusNames {
		if n == name {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown session status %q", name)
}

// Session is an immutable snapshot of one session. Mutations go through the
// With* methods, which return a modified copy and keep the pairing code and
// identity invariants.
type Session struct {
	Name          string
	Status        Status
	Identity      string
	PairingCode   string
	CredentialDir string
	Interactive   bool

	CreatedAt   time.Time
	UpdatedAt   time.Time
	ConnectedAt time.Time
}

// New creates the initial snapshot of a session.
func New(name, credentialDir string, interactive bool) Session {
	now := time.Now()
	return Session{
		Name:          name,
		Status:        StatusInitializing,
		CredentialDir: credentialDir,
		Interactive:   interactive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// WithStatus moves the session to status. Leaving WaitingForScan always
// clears the pairing code.
func (s Session) WithStatus(status Status) Session {
	s.Status = status
	if status != StatusWaitingForScan {
		s.PairingCode = ""
	}
	if status == StatusConnected {
		s.ConnectedAt = time.Now()
	}
	s.UpdatedAt = time.Now()
	return s
}

// WithPairingCode stores a (re)issued pairing challenge and moves the
// session to WaitingForScan.
func (s Session) WithPairingCode(code string) Session {
	s = s.WithStatus(StatusWaitingForScan)
	s.PairingCode = code
	return s
}

// WithIdentity records the account identity. The first non-empty identity
// wins; later values are ignored.
func (s Session) WithIdentity(identity string) Session {
	if s.Identity == "" && identity != "" {
		s.Identity = identity
		s.UpdatedAt = time.Now()
	}
	return s
}

// PairingAvailable reports whether a pairing code can be shown right now.
func (s Session) PairingAvailable() bool {
	return s.Status == StatusWaitingForScan && s.PairingCode != ""
}
