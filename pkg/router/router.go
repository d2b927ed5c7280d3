// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package router fans inbound protocol events of one session out to an
// ordered list of independent handlers.
//
// Every handler runs inside its own error boundary: a returned error or a
// panic is logged with the session and handler names and never reaches the
// connection's event loop or the handlers after it.
package router

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aiku/sessiond/pkg/protocol"
)

// Handler consumes inbound events. Handlers ignore event categories they do
// not care about by returning nil.
type Handler interface {
	Name() string
	Handle(ctx context.Context, conn protocol.Conn, evt protocol.Event) error
}

// Router dispatches the events of one session.
type Router struct {
	session  string
	handlers []Handler
	log      zerolog.Logger
}

// New creates a router running handlers in the given order.
func New(session string, log zerolog.Logger, handlers ...Handler) *Router {
	return &Router{
		session:  session,
		handlers: handlers,
		log:      log.With().Str("component", "router").Str("session", session).Logger(),
	}
}

// Handlers returns the handler names in dispatch order.
func (r *Router) Handlers() []string {
	names := make([]string, len(r.handlers))
	for i, h := range r.handlers {
		names[i] = h.Name()
	}
	return names
}

// Dispatch runs every handler on evt, in order.
func (r *Router) Dispatch(ctx context.Context, conn protocol.Conn, evt protocol.Event) {
	for _, h := range r.handlers {
		r.invoke(ctx, h, conn, evt)
	}
}

func (r *Router) invoke(ctx context.Context, h Handler, conn protocol.Conn, evt protocol.Event) {
	log := r.log.With().
		Str("handler", h.Name()).
		Str("category", string(evt.Category())).
		Logger()
	defer func() {
		if p := recover(); p != nil {
			log.Error().
				Str("panic", fmt.Sprint(p)).
				Msg("Event handler panicked")
		}
	}()
	if err := h.Handle(log.WithContext(ctx), conn, evt); err != nil {
		log.Warn().Err(err).Msg("Event handler failed")
	}
}
