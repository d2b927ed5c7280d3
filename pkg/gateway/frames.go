// Copyright 2024-2026 Aiku AI

package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/aiku/sessiond/pkg/protocol"
)

// Outbound frame types.
const (
	typeHello      = "hello"
	typeSend       = "send"
	typeReact      = "react"
	typeRead       = "read"
	typeRejectCall = "reject_call"
	typeLogout     = "logout"
)

// typeAck acknowledges an outbound frame by id.
const typeAck = "ack"

type helloFrame struct {
	Type    string   `json:"type"`
	Session string   `json:"session"`
	Creds   []byte   `json:"creds,omitempty"`
	Pairing bool     `json:"pairing"`
	Browser []string `json:"browser,omitempty"`
}

type sendFrame struct {
	Type   string               `json:"type"`
	ID     string               `json:"id"`
	To     string               `json:"to"`
	Text   string               `json:"text"`
	Quoted *protocol.MessageKey `json:"quoted,omitempty"`
}

type reactFrame struct {
	Type  string              `json:"type"`
	ID    string              `json:"id"`
	Key   protocol.MessageKey `json:"key"`
	Emoji string              `json:"emoji"`
}

type readFrame struct {
	Type string                `json:"type"`
	ID   string                `json:"id"`
	Keys []protocol.MessageKey `json:"keys"`
}

type rejectCallFrame struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	CallID string `json:"call_id"`
	From   string `json:"from"`
}

type logoutFrame struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type connectionFrame struct {
	Connection string `json:"connection"`
	QR         string `json:"qr,omitempty"`
	Identity   string `json:"identity,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type credsFrame struct {
	Creds []byte `json:"creds"`
}

type wireMessage struct {
	Key       protocol.MessageKey `json:"key"`
	Kind      string              `json:"kind"`
	Text      string              `json:"text,omitempty"`
	PushName  string              `json:"push_name,omitempty"`
	Timestamp int64               `json:"timestamp,omitempty"`
	Mentions  []string            `json:"mentions,omitempty"`
}

type upsertFrame struct {
	// UpsertType is "notify" or "append". The frame's own type field is
	// taken by the discriminator.
	UpsertType string        `json:"upsert_type"`
	Messages   []wireMessage `json:"messages"`
}

type wireCall struct {
	ID      string `json:"id"`
	From    string `json:"from"`
	Status  string `json:"status"`
	IsVideo bool   `json:"is_video,omitempty"`
	IsGroup bool   `json:"is_group,omitempty"`
}

type callFrame struct {
	Calls []wireCall `json:"calls"`
}

type groupFrame struct {
	ID           string   `json:"id"`
	Participants []string `json:"participants"`
	Action       string   `json:"action"`
}

// ack is a parsed acknowledgement.
type ack struct {
	id  string
	err string
}

// decodeFrame converts an inbound frame into an event or an ack. Unknown
// frame types yield neither.
func decodeFrame(data []byte) (protocol.Event, *ack, error) {
	if !gjson.ValidBytes(data) {
		return nil, nil, fmt.Errorf("invalid JSON frame")
	}
	typ := frameType(data)
	switch typ {
	case typeAck:
		return nil, &ack{
			id:  gjson.GetBytes(data, "id").String(),
			err: gjson.GetBytes(data, "error").String(),
		}, nil
	case string(protocol.CategoryConnection):
		var f connectionFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, nil, fmt.Errorf("failed to decode %s: %w", typ, err)
		}
		return protocol.ConnectionUpdate{
			State:    protocol.ConnectionState(f.Connection),
			QR:       f.QR,
			Identity: f.Identity,
			Reason:   protocol.DisconnectReason(f.Reason),
		}, nil, nil
	case string(protocol.CategoryCreds):
		var f credsFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, nil, fmt.Errorf("failed to decode %s: %w", typ, err)
		}
		return protocol.CredentialsUpdate{Creds: f.Creds}, nil, nil
	case string(protocol.CategoryMessages):
		var f upsertFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, nil, fmt.Errorf("failed to decode %s: %w", typ, err)
		}
		msgs := make([]protocol.Message, len(f.Messages))
		for i, m := range f.Messages {
			msgs[i] = protocol.Message{
				Key:       m.Key,
				Kind:      protocol.MessageKind(m.Kind),
				Text:      m.Text,
				PushName:  m.PushName,
				Timestamp: m.Timestamp,
				Mentions:  m.Mentions,
			}
		}
		return protocol.MessagesUpsert{Type: f.UpsertType, Messages: msgs}, nil, nil
	case string(protocol.CategoryCall):
		var f callFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, nil, fmt.Errorf("failed to decode %s: %w", typ, err)
		}
		calls := make([]protocol.Call, len(f.Calls))
		for i, c := range f.Calls {
			calls[i] = protocol.Call{ID: c.ID, From: c.From, Status: c.Status, IsVideo: c.IsVideo, IsGroup: c.IsGroup}
		}
		return protocol.CallOffer{Calls: calls}, nil, nil
	case string(protocol.CategoryGroup):
		var f groupFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, nil, fmt.Errorf("failed to decode %s: %w", typ, err)
		}
		return protocol.GroupParticipantsUpdate{
			GroupID:      f.ID,
			Participants: f.Participants,
			Action:       protocol.GroupAction(f.Action),
		}, nil, nil
	default:
		return nil, nil, nil
	}
}

func frameType(data []byte) string {
	return gjson.GetBytes(data, "type").String()
}
