// Copyright 2024-2026 Aiku AI

package protocol

import (
	"strings"
)

const (
	// UserServer is the server part of individual account JIDs.
	UserServer = "s.whatsapp.net"
	// GroupServer is the server part of group JIDs.
	GroupServer = "g.us"
	// StatusBroadcast is the reserved chat that carries status updates.
	StatusBroadcast = "status@broadcast"
)

// MakeUserJID creates an account JID from a phone number, dropping every
// non-digit character.
func MakeUserJID(number string) string {
	var b strings.Builder
	for _, r := range number {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return b.String() + "@" + UserServer
}

// ParseUserJID extracts the bare user part of a JID, dropping any device
// suffix ("123:4@s.whatsapp.net" becomes "123").
func ParseUserJID(jid string) string {
	user, _, _ := strings.Cut(jid, "@")
	user, _, _ = strings.Cut(user, ":")
	return user
}

// NormalizeJID strips the device suffix so that the same account compares
// equal regardless of which device reported it.
func NormalizeJID(jid string) string {
	user := ParseUserJID(jid)
	_, server, ok := strings.Cut(jid, "@")
	if !ok {
		return user
	}
	return user + "@" + server
}

// IsGroupJID reports whether the JID addresses a group chat.
func IsGroupJID(jid string) bool {
	return strings.HasSuffix(jid, "@"+GroupServer)
}
