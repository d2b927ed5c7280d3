// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

// Event is an inbound event from a live connection. The concrete type is one
// of the structs in this file.
type Event interface {
	// Category names the event stream the event was delivered on.
	Category() Category
}

// Category identifies an inbound event stream.
type Category string

const (
	CategoryConnection Category = "connection.update"
	CategoryCreds      Category = "creds.update"
	CategoryMessages   Category = "messages.upsert"
	CategoryCall       Category = "call"
	CategoryGroup      Category = "group-participants.update"
)

// ConnectionState is the transport state reported by a ConnectionUpdate.
type ConnectionState string

const (
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateClose      ConnectionState = "close"
)

// DisconnectReason classifies why a connection closed.
type DisconnectReason string

const (
	ReasonUnknown          DisconnectReason = ""
	ReasonConnectionClosed DisconnectReason = "connection_closed"
	ReasonConnectionLost   DisconnectReason = "connection_lost"
	ReasonReplaced         DisconnectReason = "connection_replaced"
	ReasonTimedOut         DisconnectReason = "timed_out"
	ReasonRestartRequired  DisconnectReason = "restart_required"
	ReasonBadSession       DisconnectReason = "bad_session"
	ReasonLoggedOut        DisconnectReason = "logged_out"
)

// IsLogout reports whether the reason invalidates the stored credentials.
func (r DisconnectReason) IsLogout() bool {
	return r == ReasonLoggedOut
}

// ConnectionUpdate reports a change of the transport or pairing state. QR
// carries a fresh pairing challenge when non-empty.
type ConnectionUpdate struct {
	State    ConnectionState
	QR       string
	Identity string
	Reason   DisconnectReason
}

// CredentialsUpdate carries the full rotated credential material.
type CredentialsUpdate struct {
	Creds []byte
}

// MessagesUpsert is a batch of inbound (or echoed outbound) messages.
type MessagesUpsert struct {
	// Type is "notify" for live messages and "append" for history sync.
	Type     string
	Messages []Message
}

// CallOffer is a batch of call signalling events.
type CallOffer struct {
	Calls []Call
}

// GroupParticipantsUpdate reports membership changes in one group.
type GroupParticipantsUpdate struct {
	GroupID      string
	Participants []string
	Action       GroupAction
}

func (ConnectionUpdate) Category() Category        { return CategoryConnection }
func (CredentialsUpdate) Category() Category       { return CategoryCreds }
func (MessagesUpsert) Category() Category          { return CategoryMessages }
func (CallOffer) Category() Category               { return CategoryCall }
func (GroupParticipantsUpdate) Category() Category { return CategoryGroup }

// GroupAction is the kind of membership change.
type GroupAction string

const (
	GroupAdd     GroupAction = "add"
	GroupRemove  GroupAction = "remove"
	GroupPromote GroupAction = "promote"
	GroupDemote  GroupAction = "demote"
)

// MessageKey addresses a single message.
type MessageKey struct {
	RemoteJID   string `json:"remote_jid"`
	FromMe      bool   `json:"from_me"`
	ID          string `json:"id"`
	Participant string `json:"participant,omitempty"`
}

// Sender returns the participant for group and broadcast messages, or the
// chat itself for direct messages.
func (k MessageKey) Sender() string {
	if k.Participant != "" {
		return k.Participant
	}
	return k.RemoteJID
}

// MessageKind is the content type of a message.
type MessageKind string

const (
	KindNone      MessageKind = ""
	KindText      MessageKind = "text"
	KindImage     MessageKind = "image"
	KindVideo     MessageKind = "video"
	KindAudio     MessageKind = "audio"
	KindDocument  MessageKind = "document"
	KindSticker   MessageKind = "sticker"
	KindReaction  MessageKind = "reaction"
	KindProtocol  MessageKind = "protocol"
	KindEphemeral MessageKind = "ephemeral"
)

// Message is one inbound message.
type Message struct {
	Key       MessageKey
	Kind      MessageKind
	Text      string
	PushName  string
	Timestamp int64
	Mentions  []string
}

// HasContent reports whether the message carries a payload at all.
func (m Message) HasContent() bool {
	return m.Kind != KindNone
}

// IsControl reports whether the message is protocol plumbing rather than
// user content.
func (m Message) IsControl() bool {
	switch m.Kind {
	case KindProtocol, KindEphemeral, KindReaction:
		return true
	}
	return false
}

// Call is a single call signalling event.
type Call struct {
	ID      string
	From    string
	Status  string
	IsVideo bool
	IsGroup bool
}

// CallStatusOffer is the status of a freshly offered call.
const CallStatusOffer = "offer"
