// Copyright 2024-2026 Aiku AI

package router

import (
	"time"

	"github.com/rs/zerolog"
)

// Options selects the handlers of a session router.
type Options struct {
	Credentials bool
	Messages    bool
	AutoReact   bool
	StatusView  bool
	Calls       bool
	Groups      bool

	ReactEmojis     []string
	StatusReply     bool
	StatusReplyText string
	// IntN overrides the random source of the auto-reaction handler.
	IntN func(n int) int
}

// Deps are the external collaborators the handlers delegate to.
type Deps struct {
	Messages MessageDispatcher
	Calls    CallResponder
	Groups   GroupResponder
}

// Build assembles the router of one session. Enabled handlers always run in
// the order credentials, message, autoreact, statusview, call, group.
func Build(session, credentialDir string, opts Options, deps Deps, log zerolog.Logger) *Router {
	var handlers []Handler
	if opts.Credentials {
		handlers = append(handlers, &CredentialsHandler{
			Dir:        credentialDir,
			Attempts:   3,
			RetryDelay: 100 * time.Millisecond,
		})
	}
	if opts.Messages && deps.Messages != nil {
		handlers = append(handlers, &MessageHandler{Dispatcher: deps.Messages})
	}
	if opts.AutoReact && len(opts.ReactEmojis) > 0 {
		handlers = append(handlers, &AutoReactHandler{Emojis: opts.ReactEmojis, IntN: opts.IntN})
	}
	if opts.StatusView {
		handlers = append(handlers, &StatusViewHandler{Reply: opts.StatusReply, ReplyText: opts.StatusReplyText})
	}
	if opts.Calls && deps.Calls != nil {
		handlers = append(handlers, &CallHandler{Responder: deps.Calls})
	}
	if opts.Groups && deps.Groups != nil {
		handlers = append(handlers, &GroupHandler{Responder: deps.Groups})
	}
	return New(session, log, handlers...)
}
