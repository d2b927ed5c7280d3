// Copyright 2024-2026 Aiku AI

// Package responder answers call signalling and group membership changes.
package responder

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aiku/sessiond/pkg/protocol"
)

// CallRejecter declines incoming calls and optionally tells the caller why.
type CallRejecter struct {
	// Notice is sent to the caller after rejecting. Empty disables it.
	Notice string
}

func (cr *CallRejecter) HandleCalls(ctx context.Context, conn protocol.Conn, offer protocol.CallOffer) error {
	log := zerolog.Ctx(ctx)
	var errs []error
	for _, call := range offer.Calls {
		if call.Status != protocol.CallStatusOffer {
			continue
		}
		if err := conn.RejectCall(ctx, call.ID, call.From); err != nil {
			errs = append(errs, fmt.Errorf("reject call %s: %w", call.ID, err))
			continue
		}
		log.Debug().
			Str("call_id", call.ID).
			Str("from", call.From).
			Bool("video", call.IsVideo).
			Msg("Rejected call")
		if cr.Notice == "" {
			continue
		}
		if err := conn.SendText(ctx, call.From, cr.Notice, nil); err != nil {
			errs = append(errs, fmt.Errorf("send call notice to %s: %w", call.From, err))
		}
	}
	return errors.Join(errs...)
}

// GroupGreeter greets members joining a group and says goodbye to those
// leaving. Either message func may be nil to stay silent.
type GroupGreeter struct {
	Welcome func(group, user string) string
	Goodbye func(group, user string) string
}

func (gg *GroupGreeter) HandleParticipants(ctx context.Context, conn protocol.Conn, update protocol.GroupParticipantsUpdate) error {
	var render func(group, user string) string
	switch update.Action {
	case protocol.GroupAdd:
		render = gg.Welcome
	case protocol.GroupRemove:
		render = gg.Goodbye
	}
	if render == nil {
		return nil
	}
	group := protocol.ParseUserJID(update.GroupID)
	var errs []error
	for _, participant := range update.Participants {
		text := render(group, protocol.ParseUserJID(participant))
		if text == "" {
			continue
		}
		if err := conn.SendText(ctx, update.GroupID, text, nil); err != nil {
			errs = append(errs, fmt.Errorf("greet %s in %s: %w", participant, update.GroupID, err))
		}
	}
	return errors.Join(errs...)
}
