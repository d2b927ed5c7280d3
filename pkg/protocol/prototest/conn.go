// Copyright 2024-2026 Aiku AI

// Package prototest provides in-memory fakes of the protocol boundary for
// tests.
package prototest

import (
	"context"
	"errors"
	"sync"

	"github.com/aiku/sessiond/pkg/protocol"
)

// ErrClosed is returned by operations on a closed Conn.
var ErrClosed = errors.New("connection closed")

// Sent is an outbound text message recorded by Conn.
type Sent struct {
	To     string
	Text   string
	Quoted *protocol.MessageKey
}

// Reaction is an outbound reaction recorded by Conn.
type Reaction struct {
	Key   protocol.MessageKey
	Emoji string
}

// Conn is a scriptable protocol.Conn. Tests push inbound events with Emit and
// inspect the recorded outbound calls.
type Conn struct {
	events chan protocol.Event

	mu        sync.Mutex
	sent      []Sent
	reactions []Reaction
	reads     []protocol.MessageKey
	rejected  []string
	loggedOut bool
	closed    bool
	closeOnce sync.Once

	// Err, when set, is returned by every outbound operation.
	Err error
	// ReactErr, when set, is returned by React only.
	ReactErr error
	// OnLogout runs when Logout is called.
	OnLogout func()
}

// NewConn creates a Conn with a buffered event channel.
func NewConn() *Conn {
	return &Conn{events: make(chan protocol.Event, 64)}
}

func (c *Conn) Events() <-chan protocol.Event {
	return c.events
}

// Emit delivers evt to the consumer. It is a no-op after Close.
func (c *Conn) Emit(evt protocol.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- evt
}

// Drop emits a final close update with reason and closes the stream, like a
// transport going away.
func (c *Conn) Drop(reason protocol.DisconnectReason) {
	c.Emit(protocol.ConnectionUpdate{State: protocol.StateClose, Reason: reason})
	c.shutdown()
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.events)
		c.mu.Unlock()
	})
}

func (c *Conn) SendText(_ context.Context, to, text string, quoted *protocol.MessageKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	c.sent = append(c.sent, Sent{To: to, Text: text, Quoted: quoted})
	return nil
}

func (c *Conn) React(_ context.Context, key protocol.MessageKey, emoji string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ReactErr != nil {
		return c.ReactErr
	}
	if c.Err != nil {
		return c.Err
	}
	c.reactions = append(c.reactions, Reaction{Key: key, Emoji: emoji})
	return nil
}

func (c *Conn) ReadMessages(_ context.Context, keys []protocol.MessageKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	c.reads = append(c.reads, keys...)
	return nil
}

func (c *Conn) RejectCall(_ context.Context, callID, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	c.rejected = append(c.rejected, callID)
	return nil
}

func (c *Conn) Logout(context.Context) error {
	c.mu.Lock()
	c.loggedOut = true
	hook := c.OnLogout
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (c *Conn) Close() error {
	c.shutdown()
	return nil
}

// Sent returns the recorded text messages.
func (c *Conn) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// Reactions returns the recorded reactions.
func (c *Conn) Reactions() []Reaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Reaction(nil), c.reactions...)
}

// Reads returns the keys passed to ReadMessages.
func (c *Conn) Reads() []protocol.MessageKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.MessageKey(nil), c.reads...)
}

// Rejected returns the rejected call IDs.
func (c *Conn) Rejected() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.rejected...)
}

// LoggedOut reports whether Logout was called.
func (c *Conn) LoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

// Closed reports whether the event stream has been closed.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

var _ protocol.Conn = (*Conn)(nil)
