// Copyright 2024-2026 Aiku AI

package router

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/sessiond/pkg/credentials"
	"github.com/aiku/sessiond/pkg/protocol"
)

// MessageDispatcher is the command-plugin surface that receives every
// inbound message batch.
type MessageDispatcher interface {
	DispatchMessages(ctx context.Context, conn protocol.Conn, upsert protocol.MessagesUpsert) error
}

// CallResponder reacts to call signalling.
type CallResponder interface {
	HandleCalls(ctx context.Context, conn protocol.Conn, offer protocol.CallOffer) error
}

// GroupResponder reacts to group membership changes.
type GroupResponder interface {
	HandleParticipants(ctx context.Context, conn protocol.Conn, update protocol.GroupParticipantsUpdate) error
}

// CredentialsHandler persists rotated credentials to the session's
// credential directory.
type CredentialsHandler struct {
	Dir        string
	Attempts   int
	RetryDelay time.Duration
}

func (h *CredentialsHandler) Name() string { return "credentials" }

func (h *CredentialsHandler) Handle(ctx context.Context, _ protocol.Conn, evt protocol.Event) error {
	update, ok := evt.(protocol.CredentialsUpdate)
	if !ok {
		return nil
	}
	if len(update.Creds) == 0 {
		return errors.New("empty credential update")
	}
	attempts := max(h.Attempts, 1)
	var err error
	for i := range attempts {
		if err = credentials.Persist(h.Dir, update.Creds); err == nil {
			zerolog.Ctx(ctx).Trace().Int("size", len(update.Creds)).Msg("Persisted rotated credentials")
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("credentials not persisted: %w", ctx.Err())
		case <-time.After(h.RetryDelay):
		}
	}
	return fmt.Errorf("credentials not persisted after %d attempts, restart may require re-pairing: %w", attempts, err)
}

// MessageHandler forwards message batches to the command surface.
type MessageHandler struct {
	Dispatcher MessageDispatcher
}

func (h *MessageHandler) Name() string { return "message" }

func (h *MessageHandler) Handle(ctx context.Context, conn protocol.Conn, evt protocol.Event) error {
	upsert, ok := evt.(protocol.MessagesUpsert)
	if !ok || h.Dispatcher == nil {
		return nil
	}
	return h.Dispatcher.DispatchMessages(ctx, conn, upsert)
}

// AutoReactHandler reacts to inbound messages with a random emoji.
type AutoReactHandler struct {
	Emojis []string
	// IntN returns a uniform value in [0, n). Defaults to math/rand/v2.
	IntN func(n int) int
}

func (h *AutoReactHandler) Name() string { return "autoreact" }

func (h *AutoReactHandler) Handle(ctx context.Context, conn protocol.Conn, evt protocol.Event) error {
	upsert, ok := evt.(protocol.MessagesUpsert)
	if !ok || len(h.Emojis) == 0 {
		return nil
	}
	intN := h.IntN
	if intN == nil {
		intN = rand.IntN
	}
	var errs []error
	for _, msg := range upsert.Messages {
		if msg.Key.FromMe || !msg.HasContent() || msg.IsControl() || msg.Key.RemoteJID == protocol.StatusBroadcast {
			continue
		}
		emoji := h.Emojis[intN(len(h.Emojis))]
		if err := conn.React(ctx, msg.Key, emoji); err != nil {
			errs = append(errs, fmt.Errorf("react to %s: %w", msg.Key.ID, err))
		}
	}
	return errors.Join(errs...)
}

// StatusViewHandler marks status updates as viewed and optionally replies to
// the poster.
type StatusViewHandler struct {
	Reply     bool
	ReplyText string
}

func (h *StatusViewHandler) Name() string { return "statusview" }

func (h *StatusViewHandler) Handle(ctx context.Context, conn protocol.Conn, evt protocol.Event) error {
	upsert, ok := evt.(protocol.MessagesUpsert)
	if !ok {
		return nil
	}
	for _, msg := range upsert.Messages {
		if msg.Key.RemoteJID != protocol.StatusBroadcast || msg.Key.FromMe || !msg.HasContent() || msg.IsControl() {
			continue
		}
		if err := conn.ReadMessages(ctx, []protocol.MessageKey{msg.Key}); err != nil {
			return fmt.Errorf("mark status %s viewed: %w", msg.Key.ID, err)
		}
		zerolog.Ctx(ctx).Debug().Str("poster", msg.Key.Sender()).Msg("Viewed status")
		if h.Reply && h.ReplyText != "" {
			key := msg.Key
			if err := conn.SendText(ctx, msg.Key.Sender(), h.ReplyText, &key); err != nil {
				return fmt.Errorf("reply to status %s: %w", msg.Key.ID, err)
			}
		}
	}
	return nil
}

// CallHandler forwards call events to a CallResponder.
type CallHandler struct {
	Responder CallResponder
}

func (h *CallHandler) Name() string { return "call" }

func (h *CallHandler) Handle(ctx context.Context, conn protocol.Conn, evt protocol.Event) error {
	offer, ok := evt.(protocol.CallOffer)
	if !ok || h.Responder == nil {
		return nil
	}
	return h.Responder.HandleCalls(ctx, conn, offer)
}

// GroupHandler forwards membership changes to a GroupResponder.
type GroupHandler struct {
	Responder GroupResponder
}

func (h *GroupHandler) Name() string { return "group" }

func (h *GroupHandler) Handle(ctx context.Context, conn protocol.Conn, evt protocol.Event) error {
	update, ok := evt.(protocol.GroupParticipantsUpdate)
	if !ok || h.Responder == nil {
		return nil
	}
	return h.Responder.HandleParticipants(ctx, conn, update)
}
