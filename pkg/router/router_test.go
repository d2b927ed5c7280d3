// Copyright 2024-2026 Aiku AI

package router

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/aiku/sessiond/pkg/credentials"
	"github.com/aiku/sessiond/pkg/protocol"
	"github.com/aiku/sessiond/pkg/protocol/prototest"
)

// recordingHandler records the events it sees and optionally fails.
type recordingHandler struct {
	name  string
	calls *[]string
	mu    *sync.Mutex
	err   error
	panic bool
}

func (h *recordingHandler) Name() string { return h.name }

func (h *recordingHandler) Handle(_ context.Context, _ protocol.Conn, _ protocol.Event) error {
	h.mu.Lock()
	*h.calls = append(*h.calls, h.name)
	h.mu.Unlock()
	if h.panic {
		panic("boom")
	}
	return h.err
}

type fakeDispatcher struct {
	mu      sync.Mutex
	batches []protocol.MessagesUpsert
	err     error
}

func (d *fakeDispatcher) DispatchMessages(_ context.Context, _ protocol.Conn, upsert protocol.MessagesUpsert) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batches = append(d.batches, upsert)
	return d.err
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.batches)
}

type fakeCalls struct{ offers []protocol.CallOffer }

func (f *fakeCalls) HandleCalls(_ context.Context, _ protocol.Conn, offer protocol.CallOffer) error {
	f.offers = append(f.offers, offer)
	return errors.New("call collaborator failed")
}

type fakeGroups struct{ updates []protocol.GroupParticipantsUpdate }

func (f *fakeGroups) HandleParticipants(_ context.Context, _ protocol.Conn, update protocol.GroupParticipantsUpdate) error {
	f.updates = append(f.updates, update)
	return nil
}

func textMessage(id, from string, fromMe bool) protocol.Message {
	return protocol.Message{
		Key:  protocol.MessageKey{RemoteJID: from, ID: id, FromMe: fromMe},
		Kind: protocol.KindText,
		Text: "hello",
	}
}

func TestDispatchRunsHandlersInOrder(t *testing.T) {
	t.Parallel()
	var (
		calls []string
		mu    sync.Mutex
	)
	mk := func(name string) *recordingHandler {
		return &recordingHandler{name: name, calls: &calls, mu: &mu}
	}
	r := New("s1", zerolog.Nop(), mk("a"), mk("b"), mk("c"))
	r.Dispatch(context.Background(), prototest.NewConn(), protocol.MessagesUpsert{})
	if !slices.Equal(calls, []string{"a", "b", "c"}) {
		t.Errorf("got order %v", calls)
	}
}

func TestDispatchIsolatesErrorsAndPanics(t *testing.T) {
	t.Parallel()
	var (
		calls []string
		mu    sync.Mutex
	)
	r := New("s1", zerolog.Nop(),
		&recordingHandler{name: "err", calls: &calls, mu: &mu, err: errors.New("failed")},
		&recordingHandler{name: "panic", calls: &calls, mu: &mu, panic: true},
		&recordingHandler{name: "last", calls: &calls, mu: &mu},
	)
	r.Dispatch(context.Background(), prototest.NewConn(), protocol.CallOffer{})
	if !slices.Equal(calls, []string{"err", "panic", "last"}) {
		t.Errorf("got %v", calls)
	}
}

func TestAutoReactFailureDoesNotBlockMessageHandler(t *testing.T) {
	t.Parallel()
	conn := prototest.NewConn()
	conn.ReactErr = errors.New("react failed")
	dispatcher := &fakeDispatcher{}
	r := Build("s1", t.TempDir(), Options{
		Messages:    true,
		AutoReact:   true,
		ReactEmojis: []string{"🔥"},
	}, Deps{Messages: dispatcher}, zerolog.Nop())

	upsert := protocol.MessagesUpsert{Type: "notify", Messages: []protocol.Message{textMessage("m1", "123@s.whatsapp.net", false)}}
	r.Dispatch(context.Background(), conn, upsert)
	r.Dispatch(context.Background(), conn, upsert)

	if dispatcher.count() != 2 {
		t.Errorf("message handler ran %d times, want 2", dispatcher.count())
	}
	if conn.Closed() {
		t.Error("handler failure must not close the connection")
	}
}

// panickingReactConn panics inside React to simulate a throwing handler.
type panickingReactConn struct {
	*prototest.Conn
}

func (panickingReactConn) React(context.Context, protocol.MessageKey, string) error {
	panic("reaction exploded")
}

func TestAutoReactPanicIsContained(t *testing.T) {
	t.Parallel()
	dispatcher := &fakeDispatcher{}
	groups := &fakeGroups{}
	r := Build("s1", t.TempDir(), Options{
		Messages:    true,
		AutoReact:   true,
		ReactEmojis: []string{"🔥"},
		Groups:      true,
	}, Deps{Messages: dispatcher, Groups: groups}, zerolog.Nop())
	conn := panickingReactConn{prototest.NewConn()}

	r.Dispatch(context.Background(), conn, protocol.MessagesUpsert{Messages: []protocol.Message{textMessage("m1", "1@s.whatsapp.net", false)}})
	r.Dispatch(context.Background(), conn, protocol.GroupParticipantsUpdate{GroupID: "g@g.us", Action: protocol.GroupAdd})

	if dispatcher.count() != 1 {
		t.Errorf("message handler ran %d times, want 1", dispatcher.count())
	}
	if len(groups.updates) != 1 {
		t.Errorf("group handler ran %d times, want 1", len(groups.updates))
	}
}

func TestBuildOrderAndToggles(t *testing.T) {
	t.Parallel()
	all := Options{
		Credentials: true, Messages: true, AutoReact: true, StatusView: true, Calls: true, Groups: true,
		ReactEmojis: []string{"👍"},
	}
	deps := Deps{Messages: &fakeDispatcher{}, Calls: &fakeCalls{}, Groups: &fakeGroups{}}
	r := Build("s1", t.TempDir(), all, deps, zerolog.Nop())
	want := []string{"credentials", "message", "autoreact", "statusview", "call", "group"}
	if got := r.Handlers(); !slices.Equal(got, want) {
		t.Errorf("Handlers() = %v, want %v", got, want)
	}

	partial := all
	partial.AutoReact = false
	partial.Calls = false
	r = Build("s1", t.TempDir(), partial, deps, zerolog.Nop())
	want = []string{"credentials", "message", "statusview", "group"}
	if got := r.Handlers(); !slices.Equal(got, want) {
		t.Errorf("Handlers() = %v, want %v", got, want)
	}
}

func TestCredentialsHandlerPersists(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	h := &CredentialsHandler{Dir: dir, Attempts: 3}
	for _, v := range []string{"v1", "v2"} {
		if err := h.Handle(context.Background(), nil, protocol.CredentialsUpdate{Creds: []byte(v)}); err != nil {
			t.Fatalf("Handle(%s): %v", v, err)
		}
	}
	data, err := credentials.Read(dir)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "v2" {
		t.Errorf("got %q, want v2", data)
	}
	if err := h.Handle(context.Background(), nil, protocol.MessagesUpsert{}); err != nil {
		t.Errorf("non-credential event: %v", err)
	}
	if err := h.Handle(context.Background(), nil, protocol.CredentialsUpdate{}); err == nil {
		t.Error("expected error for empty credential update")
	}
}

func TestCredentialsHandlerReportsFailure(t *testing.T) {
	t.Parallel()
	// A regular file where the directory should be makes every write fail.
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	h := &CredentialsHandler{Dir: blocker, Attempts: 2}
	if err := h.Handle(context.Background(), nil, protocol.CredentialsUpdate{Creds: []byte("v1")}); err == nil {
		t.Fatal("expected persistence failure")
	}
}

func TestAutoReactSkipsOwnAndControlMessages(t *testing.T) {
	t.Parallel()
	conn := prototest.NewConn()
	var asked []int
	h := &AutoReactHandler{
		Emojis: []string{"a", "b", "c"},
		IntN: func(n int) int {
			asked = append(asked, n)
			return 2
		},
	}
	msgs := []protocol.Message{
		textMessage("own", "1@s.whatsapp.net", true),
		{Key: protocol.MessageKey{RemoteJID: "1@s.whatsapp.net", ID: "empty"}},
		{Key: protocol.MessageKey{RemoteJID: "1@s.whatsapp.net", ID: "proto"}, Kind: protocol.KindProtocol},
		textMessage("status", protocol.StatusBroadcast, false),
		textMessage("ok", "2@s.whatsapp.net", false),
	}
	if err := h.Handle(context.Background(), conn, protocol.MessagesUpsert{Messages: msgs}); err != nil {
		t.Fatal(err)
	}
	reactions := conn.Reactions()
	if len(reactions) != 1 || reactions[0].Key.ID != "ok" || reactions[0].Emoji != "c" {
		t.Errorf("unexpected reactions %+v", reactions)
	}
	if !slices.Equal(asked, []int{3}) {
		t.Errorf("random source called with %v, want [3]", asked)
	}
}

func TestAutoReactUniformSelection(t *testing.T) {
	t.Parallel()
	conn := prototest.NewConn()
	emojis := []string{"a", "b", "c", "d"}
	h := &AutoReactHandler{Emojis: emojis}
	var msgs []protocol.Message
	for i := range 4000 {
		msgs = append(msgs, textMessage(string(rune('A'+i%26)), "1@s.whatsapp.net", false))
	}
	// The fake conn buffers reactions; split into batches to keep it simple.
	for i := 0; i < len(msgs); i += 100 {
		if err := h.Handle(context.Background(), conn, protocol.MessagesUpsert{Messages: msgs[i : i+100]}); err != nil {
			t.Fatal(err)
		}
	}
	counts := map[string]int{}
	for _, r := range conn.Reactions() {
		counts[r.Emoji]++
	}
	for _, e := range emojis {
		if counts[e] < 800 || counts[e] > 1200 {
			t.Errorf("emoji %q chosen %d times out of 4000", e, counts[e])
		}
	}
}

func TestStatusViewHandler(t *testing.T) {
	t.Parallel()
	conn := prototest.NewConn()
	h := &StatusViewHandler{Reply: true, ReplyText: "seen"}
	status := protocol.Message{
		Key:  protocol.MessageKey{RemoteJID: protocol.StatusBroadcast, ID: "st1", Participant: "9@s.whatsapp.net"},
		Kind: protocol.KindImage,
	}
	msgs := []protocol.Message{
		status,
		textMessage("dm", "9@s.whatsapp.net", false),
		{Key: protocol.MessageKey{RemoteJID: protocol.StatusBroadcast, ID: "own", FromMe: true}, Kind: protocol.KindText},
		{Key: protocol.MessageKey{RemoteJID: protocol.StatusBroadcast, ID: "react"}, Kind: protocol.KindReaction},
	}
	if err := h.Handle(context.Background(), conn, protocol.MessagesUpsert{Messages: msgs}); err != nil {
		t.Fatal(err)
	}
	reads := conn.Reads()
	if len(reads) != 1 || reads[0].ID != "st1" {
		t.Fatalf("unexpected reads %+v", reads)
	}
	sent := conn.Sent()
	if len(sent) != 1 || sent[0].To != "9@s.whatsapp.net" || sent[0].Text != "seen" || sent[0].Quoted == nil || sent[0].Quoted.ID != "st1" {
		t.Errorf("unexpected reply %+v", sent)
	}
}

func TestStatusViewWithoutReply(t *testing.T) {
	t.Parallel()
	conn := prototest.NewConn()
	h := &StatusViewHandler{}
	msg := textMessage("st1", protocol.StatusBroadcast, false)
	if err := h.Handle(context.Background(), conn, protocol.MessagesUpsert{Messages: []protocol.Message{msg}}); err != nil {
		t.Fatal(err)
	}
	if len(conn.Reads()) != 1 {
		t.Error("status should be marked viewed")
	}
	if len(conn.Sent()) != 0 {
		t.Error("no reply expected")
	}
}

func TestCallAndGroupDelegation(t *testing.T) {
	t.Parallel()
	calls := &fakeCalls{}
	groups := &fakeGroups{}
	r := Build("s1", t.TempDir(), Options{Calls: true, Groups: true}, Deps{Calls: calls, Groups: groups}, zerolog.Nop())
	conn := prototest.NewConn()

	r.Dispatch(context.Background(), conn, protocol.CallOffer{Calls: []protocol.Call{{ID: "c1", From: "1@s.whatsapp.net", Status: protocol.CallStatusOffer}}})
	r.Dispatch(context.Background(), conn, protocol.GroupParticipantsUpdate{GroupID: "g@g.us", Participants: []string{"1@s.whatsapp.net"}, Action: protocol.GroupAdd})

	if len(calls.offers) != 1 || calls.offers[0].Calls[0].ID != "c1" {
		t.Errorf("call handler got %+v", calls.offers)
	}
	if len(groups.updates) != 1 || groups.updates[0].GroupID != "g@g.us" {
		t.Errorf("group handler got %+v", groups.updates)
	}
}
