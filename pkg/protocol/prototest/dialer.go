// Copyright 2024-2026 Aiku AI

package prototest

import (
	"context"
	"sync"
	"time"

	"github.com/aiku/sessiond/pkg/protocol"
)

// Dialer is a scriptable protocol.Dialer. Every successful dial is published
// on the channel returned by Dialed so that tests can drive the connection.
type Dialer struct {
	// OnDial decides the result of attempt n (starting at 0). When nil,
	// every dial succeeds with a fresh Conn.
	OnDial func(n int, params protocol.DialParams) (*Conn, error)

	mu     sync.Mutex
	params []protocol.DialParams
	dialed chan *Conn
	once   sync.Once
}

func (d *Dialer) init() {
	d.once.Do(func() {
		d.dialed = make(chan *Conn, 32)
	})
}

func (d *Dialer) Dial(ctx context.Context, params protocol.DialParams) (protocol.Conn, error) {
	d.init()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	n := len(d.params)
	d.params = append(d.params, params)
	d.mu.Unlock()

	var (
		conn *Conn
		err  error
	)
	if d.OnDial != nil {
		conn, err = d.OnDial(n, params)
	} else {
		conn = NewConn()
	}
	if err != nil {
		return nil, err
	}
	d.dialed <- conn
	return conn, nil
}

// Dialed returns the channel of successfully dialed connections.
func (d *Dialer) Dialed() <-chan *Conn {
	d.init()
	return d.dialed
}

// Next waits up to timeout for the next dialed connection and returns nil if
// none arrives.
func (d *Dialer) Next(timeout time.Duration) *Conn {
	select {
	case c := <-d.Dialed():
		return c
	case <-time.After(timeout):
		return nil
	}
}

// Params returns the parameters of every dial attempt so far.
func (d *Dialer) Params() []protocol.DialParams {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.DialParams(nil), d.params...)
}

// Attempts returns the number of dial attempts so far.
func (d *Dialer) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.params)
}

var _ protocol.Dialer = (*Dialer)(nil)
