// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package protocol defines the boundary between the session manager and the
// messaging platform client. The wire protocol itself lives behind [Dialer]
// and [Conn]; everything above this package only sees tagged [Event] values
// and a handful of outbound operations.
package protocol

import (
	"context"
)

// DialParams describes a single connection attempt for one session.
type DialParams struct {
	// Session is the registry name of the session being connected.
	Session string
	// Creds is the persisted credential material, or nil when the session
	// has never been paired.
	Creds []byte
	// Pairing requests pairing challenges when no usable credentials exist.
	Pairing bool
}

// Dialer opens connections to the messaging platform.
type Dialer interface {
	Dial(ctx context.Context, params DialParams) (Conn, error)
}

// Conn is one live connection. Events are delivered in order on the channel
// returned by Events, which is closed after the final close
// ConnectionUpdate (or when the transport dies without one).
type Conn interface {
	Events() <-chan Event

	SendText(ctx context.Context, to, text string, quoted *MessageKey) error
	React(ctx context.Context, key MessageKey, emoji string) error
	ReadMessages(ctx context.Context, keys []MessageKey) error
	RejectCall(ctx context.Context, callID, from string) error

	// Logout invalidates the credentials on the server side.
	Logout(ctx context.Context) error
	// Close tears the transport down without logging out.
	Close() error
}
