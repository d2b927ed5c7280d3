// Copyright 2024-2026 Aiku AI

package gateway

import (
	"sync"

	"github.com/aiku/sessiond/pkg/protocol"
)

// inbox is an unbounded FIFO between the socket reader and the event pump.
type inbox struct {
	lock   sync.Mutex
	items  []protocol.Event
	closed bool
	notify chan struct{}
}

func newInbox() *inbox {
	return &inbox{notify: make(chan struct{}, 1)}
}

func (q *inbox) push(evt protocol.Event) {
	q.lock.Lock()
	q.items = append(q.items, evt)
	q.lock.Unlock()
	q.wake()
}

// close marks the end of the stream. Queued events are still handed out.
func (q *inbox) close() {
	q.lock.Lock()
	q.closed = true
	q.lock.Unlock()
	q.wake()
}

func (q *inbox) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// take removes and returns everything queued so far. open is false once the
// stream has been closed.
func (q *inbox) take() (items []protocol.Event, open bool) {
	q.lock.Lock()
	defer q.lock.Unlock()
	items, q.items = q.items, nil
	return items, !q.closed
}
