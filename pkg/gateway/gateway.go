// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package gateway implements the protocol connection over a WebSocket to a
// gateway process that holds the actual platform sockets.
//
// Every session gets its own WebSocket. The client opens with a hello frame
// carrying the session's credentials; after that the gateway pushes event
// frames and acknowledges every outbound frame by id.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aiku/sessiond/pkg/protocol"
)

var (
	ErrClosed   = errors.New("gateway connection closed")
	ErrRejected = errors.New("gateway rejected request")
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 8 << 20
	eventBuffer    = 64
	defaultAckWait = 30 * time.Second
)

// Dialer opens gateway connections.
type Dialer struct {
	URL              string
	HandshakeTimeout time.Duration
	// Browser is the client triple advertised to the platform.
	Browser []string
	Header  http.Header
	// AckTimeout bounds the wait for an acknowledgement when the caller's
	// context has no deadline.
	AckTimeout time.Duration

	log zerolog.Logger
}

// NewDialer creates a dialer for the gateway at url.
func NewDialer(url string, handshakeTimeout time.Duration, browser []string, log zerolog.Logger) *Dialer {
	return &Dialer{
		URL:              url,
		HandshakeTimeout: handshakeTimeout,
		Browser:          browser,
		AckTimeout:       defaultAckWait,
		log:              log.With().Str("component", "gateway").Logger(),
	}
}

func (d *Dialer) Dial(ctx context.Context, params protocol.DialParams) (protocol.Conn, error) {
	wsDialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	ws, _, err := wsDialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to gateway: %w", err)
	}
	c := newConn(ws, d.log.With().Str("session", params.Session).Logger(), d.AckTimeout)
	err = c.write(helloFrame{
		Type:    typeHello,
		Session: params.Session,
		Creds:   params.Creds,
		Pairing: params.Pairing,
		Browser: d.Browser,
	})
	if err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("failed to send hello: %w", err)
	}
	go c.readLoop()
	go c.pumpLoop()
	go c.pingLoop()
	return c, nil
}

// Conn is a single session's gateway connection.
type Conn struct {
	ws         *websocket.Conn
	log        zerolog.Logger
	ackTimeout time.Duration

	inbox     *inbox
	events    chan protocol.Event
	done      chan struct{}
	readDone  chan struct{}
	closeOnce sync.Once

	writeLock sync.Mutex

	pendingLock sync.Mutex
	pending     map[string]chan error
}

func newConn(ws *websocket.Conn, log zerolog.Logger, ackTimeout time.Duration) *Conn {
	return &Conn{
		ws:         ws,
		log:        log,
		ackTimeout: ackTimeout,
		inbox:      newInbox(),
		events:     make(chan protocol.Event, eventBuffer),
		done:       make(chan struct{}),
		readDone:   make(chan struct{}),
		pending:    make(map[string]chan error),
	}
}

func (c *Conn) Events() <-chan protocol.Event {
	return c.events
}

// readLoop reads frames until the socket fails. Acks are resolved inline and
// events are queued for pumpLoop, so a slow consumer never stalls acks or
// pongs.
func (c *Conn) readLoop() {
	defer close(c.readDone)
	defer c.inbox.close()

	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			reason := closeReason(err)
			c.log.Debug().Err(err).Str("reason", string(reason)).Msg("Gateway connection ended")
			c.inbox.push(protocol.ConnectionUpdate{State: protocol.StateClose, Reason: reason})
			_ = c.ws.Close()
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		evt, a, err := decodeFrame(data)
		switch {
		case err != nil:
			c.log.Warn().Err(err).Msg("Dropping malformed gateway frame")
			continue
		case a != nil:
			c.resolve(a)
			continue
		case evt == nil:
			c.log.Debug().Str("frame_type", frameType(data)).Msg("Ignoring unknown gateway frame")
			continue
		}
		c.inbox.push(evt)
		if update, ok := evt.(protocol.ConnectionUpdate); ok && update.State == protocol.StateClose {
			_ = c.ws.Close()
			return
		}
	}
}

func closeReason(err error) protocol.DisconnectReason {
	var closeErr *websocket.CloseError
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		return protocol.ReasonTimedOut
	case errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure:
		return protocol.ReasonConnectionClosed
	default:
		return protocol.ReasonConnectionLost
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-c.readDone:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug().Err(err).Msg("Failed to ping gateway")
				return
			}
		}
	}
}

// pumpLoop moves queued events to the consumer in order. The events channel
// is closed once the reader has finished and the queue is drained, or when
// the connection is closed locally.
func (c *Conn) pumpLoop() {
	defer close(c.events)
	for {
		items, open := c.inbox.take()
		for _, evt := range items {
			if !c.deliver(evt) {
				return
			}
		}
		if len(items) > 0 {
			continue
		}
		if !open {
			return
		}
		select {
		case <-c.inbox.notify:
		case <-c.done:
			return
		}
	}
}

// deliver hands evt to the consumer unless the connection was closed.
func (c *Conn) deliver(evt protocol.Event) bool {
	select {
	case c.events <- evt:
		return true
	case <-c.done:
		return false
	}
}

func (c *Conn) resolve(a *ack) {
	c.pendingLock.Lock()
	ch, ok := c.pending[a.id]
	delete(c.pending, a.id)
	c.pendingLock.Unlock()
	if !ok {
		c.log.Debug().Str("frame_id", a.id).Msg("Ack for unknown frame")
		return
	}
	if a.err != "" {
		ch <- fmt.Errorf("%w: %s", ErrRejected, a.err)
	} else {
		ch <- nil
	}
}

func (c *Conn) write(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// call writes a frame and waits for the gateway to acknowledge it.
func (c *Conn) call(ctx context.Context, id string, frame any) error {
	ch := make(chan error, 1)
	c.pendingLock.Lock()
	c.pending[id] = ch
	c.pendingLock.Unlock()
	defer func() {
		c.pendingLock.Lock()
		delete(c.pending, id)
		c.pendingLock.Unlock()
	}()

	if err := c.write(frame); err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok && c.ackTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.ackTimeout)
		defer cancel()
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return fmt.Errorf("no ack from gateway: %w", ctx.Err())
	case <-c.done:
		return ErrClosed
	case <-c.readDone:
		select {
		case err := <-ch:
			return err
		default:
			return ErrClosed
		}
	}
}

func newFrameID() string {
	return uuid.NewString()
}

func (c *Conn) SendText(ctx context.Context, to, text string, quoted *protocol.MessageKey) error {
	id := newFrameID()
	return c.call(ctx, id, sendFrame{Type: typeSend, ID: id, To: to, Text: text, Quoted: quoted})
}

func (c *Conn) React(ctx context.Context, key protocol.MessageKey, emoji string) error {
	id := newFrameID()
	return c.call(ctx, id, reactFrame{Type: typeReact, ID: id, Key: key, Emoji: emoji})
}

func (c *Conn) ReadMessages(ctx context.Context, keys []protocol.MessageKey) error {
	id := newFrameID()
	return c.call(ctx, id, readFrame{Type: typeRead, ID: id, Keys: keys})
}

func (c *Conn) RejectCall(ctx context.Context, callID, from string) error {
	id := newFrameID()
	return c.call(ctx, id, rejectCallFrame{Type: typeRejectCall, ID: id, CallID: callID, From: from})
}

// Logout asks the gateway to unlink the device. The gateway follows up with
// a close update carrying the logged_out reason.
func (c *Conn) Logout(ctx context.Context) error {
	id := newFrameID()
	return c.call(ctx, id, logoutFrame{Type: typeLogout, ID: id})
}

// Close closes the WebSocket. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		if closeErr := c.ws.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
			err = closeErr
		}
	})
	return err
}

var (
	_ protocol.Dialer = (*Dialer)(nil)
	_ protocol.Conn   = (*Conn)(nil)
)
