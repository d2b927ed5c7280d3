// Copyright 2024-2026 Aiku AI

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/aiku/sessiond/pkg/protocol"
)

// fakeGateway accepts WebSocket connections, reads the hello frame and hands
// the server side of each connection to the test.
type fakeGateway struct {
	srv    *httptest.Server
	hellos chan helloFrame
	conns  chan *websocket.Conn
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	fg := &fakeGateway{
		hellos: make(chan helloFrame, 4),
		conns:  make(chan *websocket.Conn, 4),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	fg.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var hello helloFrame
		if err := ws.ReadJSON(&hello); err != nil {
			_ = ws.Close()
			return
		}
		fg.hellos <- hello
		fg.conns <- ws
	}))
	t.Cleanup(fg.srv.Close)
	return fg
}

func (fg *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(fg.srv.URL, "http") + "/ws"
}

func dialFake(t *testing.T, fg *fakeGateway, params protocol.DialParams) (*Conn, *websocket.Conn, helloFrame) {
	t.Helper()
	d := NewDialer(fg.url(), time.Second, []string{"PRIME-MD", "safari", "3.3"}, zerolog.Nop())
	conn, err := d.Dial(context.Background(), params)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	var (
		hello helloFrame
		ws    *websocket.Conn
	)
	select {
	case hello = <-fg.hellos:
		ws = <-fg.conns
	case <-time.After(2 * time.Second):
		t.Fatal("gateway never received hello")
	}
	c := conn.(*Conn)
	t.Cleanup(func() {
		_ = c.Close()
		_ = ws.Close()
	})
	return c, ws, hello
}

func nextEvent(t *testing.T, c *Conn) protocol.Event {
	t.Helper()
	select {
	case evt, ok := <-c.Events():
		if !ok {
			t.Fatal("event stream closed")
		}
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func expectClosed(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case evt, ok := <-c.Events():
		if ok {
			t.Fatalf("unexpected event %#v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event stream not closed")
	}
}

// ackNext reads one frame from the client and acknowledges it, optionally
// with an error. It returns the raw frame.
func ackNext(t *testing.T, ws *websocket.Conn, ackErr string) []byte {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("gateway read: %v", err)
	}
	reply := map[string]string{"type": "ack", "id": gjson.GetBytes(data, "id").String()}
	if ackErr != "" {
		reply["error"] = ackErr
	}
	if err := ws.WriteJSON(reply); err != nil {
		t.Fatalf("gateway write: %v", err)
	}
	return data
}

func TestDialSendsHello(t *testing.T) {
	t.Parallel()
	fg := newFakeGateway(t)
	_, _, hello := dialFake(t, fg, protocol.DialParams{Session: "main", Creds: []byte(`{"k":1}`)})

	if hello.Type != "hello" || hello.Session != "main" || string(hello.Creds) != `{"k":1}` || hello.Pairing {
		t.Errorf("unexpected hello %+v", hello)
	}
	if !slices.Equal(hello.Browser, []string{"PRIME-MD", "safari", "3.3"}) {
		t.Errorf("browser = %v", hello.Browser)
	}
}

func TestDialUnreachableGateway(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	d := NewDialer(url, time.Second, nil, zerolog.Nop())
	if _, err := d.Dial(context.Background(), protocol.DialParams{Session: "main"}); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestInboundFramesBecomeEvents(t *testing.T) {
	t.Parallel()
	fg := newFakeGateway(t)
	c, ws, _ := dialFake(t, fg, protocol.DialParams{Session: "main", Pairing: true})

	frames := []string{
		`{"type":"connection.update","connection":"connecting","qr":"2@abc"}`,
		`{"type":"something.new","x":1}`,
		`not json`,
		`{"type":"connection.update","connection":"open","identity":"1:2@s.whatsapp.net"}`,
		`{"type":"creds.update","creds":"eyJrIjoyfQ=="}`,
		`{"type":"messages.upsert","upsert_type":"notify","messages":[{"key":{"remote_jid":"9@s.whatsapp.net","from_me":false,"id":"M1"},"kind":"text","text":".ping","push_name":"Ann","timestamp":1700000000}]}`,
		`{"type":"call","calls":[{"id":"C1","from":"9@s.whatsapp.net","status":"offer","is_video":true}]}`,
		`{"type":"group-participants.update","id":"123@g.us","participants":["9@s.whatsapp.net"],"action":"add"}`,
	}
	for _, f := range frames {
		if err := ws.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			t.Fatal(err)
		}
	}

	if evt := nextEvent(t, c).(protocol.ConnectionUpdate); evt.State != protocol.StateConnecting || evt.QR != "2@abc" {
		t.Errorf("pairing update = %+v", evt)
	}
	if evt := nextEvent(t, c).(protocol.ConnectionUpdate); evt.State != protocol.StateOpen || evt.Identity != "1:2@s.whatsapp.net" {
		t.Errorf("open update = %+v", evt)
	}
	if evt := nextEvent(t, c).(protocol.CredentialsUpdate); string(evt.Creds) != `{"k":2}` {
		t.Errorf("creds update = %q", evt.Creds)
	}
	upsert := nextEvent(t, c).(protocol.MessagesUpsert)
	if upsert.Type != "notify" || len(upsert.Messages) != 1 {
		t.Fatalf("upsert = %+v", upsert)
	}
	msg := upsert.Messages[0]
	if msg.Key.ID != "M1" || msg.Kind != protocol.KindText || msg.Text != ".ping" || msg.PushName != "Ann" || msg.Timestamp != 1700000000 {
		t.Errorf("message = %+v", msg)
	}
	calls := nextEvent(t, c).(protocol.CallOffer)
	if len(calls.Calls) != 1 || calls.Calls[0].ID != "C1" || !calls.Calls[0].IsVideo || calls.Calls[0].Status != protocol.CallStatusOffer {
		t.Errorf("calls = %+v", calls)
	}
	group := nextEvent(t, c).(protocol.GroupParticipantsUpdate)
	if group.GroupID != "123@g.us" || group.Action != protocol.GroupAdd || !slices.Equal(group.Participants, []string{"9@s.whatsapp.net"}) {
		t.Errorf("group = %+v", group)
	}
}

func TestSendTextWaitsForAck(t *testing.T) {
	t.Parallel()
	fg := newFakeGateway(t)
	c, ws, _ := dialFake(t, fg, protocol.DialParams{Session: "main"})

	result := make(chan error, 1)
	go func() {
		result <- c.SendText(context.Background(), "9@s.whatsapp.net", "hello", &protocol.MessageKey{RemoteJID: "9@s.whatsapp.net", ID: "Q1"})
	}()
	frame := ackNext(t, ws, "")
	if err := <-result; err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if gjson.GetBytes(frame, "type").String() != "send" ||
		gjson.GetBytes(frame, "to").String() != "9@s.whatsapp.net" ||
		gjson.GetBytes(frame, "text").String() != "hello" ||
		gjson.GetBytes(frame, "quoted.id").String() != "Q1" ||
		gjson.GetBytes(frame, "id").String() == "" {
		t.Errorf("unexpected frame %s", frame)
	}
}

func TestAckResolvedWhileConsumerLags(t *testing.T) {
	t.Parallel()
	fg := newFakeGateway(t)
	c, ws, _ := dialFake(t, fg, protocol.DialParams{Session: "main"})

	const burst = eventBuffer + 5
	for i := range burst {
		frame := fmt.Sprintf(`{"type":"messages.upsert","upsert_type":"append","messages":[{"key":{"remote_jid":"9@s.whatsapp.net","id":"H%d"},"kind":"text","text":"old"}]}`, i)
		if err := ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatal(err)
		}
	}
	if first := nextEvent(t, c).(protocol.MessagesUpsert); first.Messages[0].Key.ID != "H0" {
		t.Fatalf("first event = %+v", first)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result := make(chan error, 1)
	go func() { result <- c.SendText(ctx, "9@s.whatsapp.net", "reply", nil) }()
	ackNext(t, ws, "")
	if err := <-result; err != nil {
		t.Fatalf("SendText during a backlog: %v", err)
	}

	for i := 1; i < burst; i++ {
		upsert := nextEvent(t, c).(protocol.MessagesUpsert)
		if want := fmt.Sprintf("H%d", i); upsert.Messages[0].Key.ID != want {
			t.Fatalf("event %d = %s, want %s", i, upsert.Messages[0].Key.ID, want)
		}
	}
}

func TestOutboundFrames(t *testing.T) {
	t.Parallel()
	fg := newFakeGateway(t)
	c, ws, _ := dialFake(t, fg, protocol.DialParams{Session: "main"})
	key := protocol.MessageKey{RemoteJID: "status@broadcast", ID: "S1", Participant: "9@s.whatsapp.net"}

	ops := []struct {
		check string
		want  string
		run   func() error
	}{
		{"emoji", "🔥", func() error { return c.React(context.Background(), key, "🔥") }},
		{"keys.0.participant", "9@s.whatsapp.net", func() error { return c.ReadMessages(context.Background(), []protocol.MessageKey{key}) }},
		{"call_id", "C1", func() error { return c.RejectCall(context.Background(), "C1", "9@s.whatsapp.net") }},
		{"type", "logout", func() error { return c.Logout(context.Background()) }},
	}
	for _, op := range ops {
		result := make(chan error, 1)
		go func() { result <- op.run() }()
		frame := ackNext(t, ws, "")
		if err := <-result; err != nil {
			t.Errorf("%s: %v", op.want, err)
		}
		if got := gjson.GetBytes(frame, op.check).String(); got != op.want {
			t.Errorf("frame %s: %s = %q, want %q", frame, op.check, got, op.want)
		}
	}
}

func TestRejectedAckReturnsError(t *testing.T) {
	t.Parallel()
	fg := newFakeGateway(t)
	c, ws, _ := dialFake(t, fg, protocol.DialParams{Session: "main"})

	result := make(chan error, 1)
	go func() { result <- c.SendText(context.Background(), "9@s.whatsapp.net", "hi", nil) }()
	ackNext(t, ws, "not-authorized")
	err := <-result
	if !errors.Is(err, ErrRejected) || !strings.Contains(err.Error(), "not-authorized") {
		t.Errorf("SendText = %v", err)
	}
}

func TestMissingAckTimesOut(t *testing.T) {
	t.Parallel()
	fg := newFakeGateway(t)
	c, _, _ := dialFake(t, fg, protocol.DialParams{Session: "main"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.SendText(ctx, "9@s.whatsapp.net", "hi", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("SendText = %v, want deadline exceeded", err)
	}
}

func TestGatewayCloseUpdateEndsStream(t *testing.T) {
	t.Parallel()
	fg := newFakeGateway(t)
	c, ws, _ := dialFake(t, fg, protocol.DialParams{Session: "main"})

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"connection.update","connection":"close","reason":"logged_out"}`)); err != nil {
		t.Fatal(err)
	}
	evt := nextEvent(t, c).(protocol.ConnectionUpdate)
	if evt.State != protocol.StateClose || !evt.Reason.IsLogout() {
		t.Errorf("close update = %+v", evt)
	}
	expectClosed(t, c)
}

func TestSocketLossReportsClose(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		name   string
		close  func(ws *websocket.Conn)
		reason protocol.DisconnectReason
	}{
		{
			name:   "abrupt",
			close:  func(ws *websocket.Conn) { _ = ws.Close() },
			reason: protocol.ReasonConnectionLost,
		},
		{
			name: "normal",
			close: func(ws *websocket.Conn) {
				_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
				_ = ws.Close()
			},
			reason: protocol.ReasonConnectionClosed,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fg := newFakeGateway(t)
			c, ws, _ := dialFake(t, fg, protocol.DialParams{Session: "main"})
			tc.close(ws)

			evt := nextEvent(t, c).(protocol.ConnectionUpdate)
			if evt.State != protocol.StateClose || evt.Reason != tc.reason {
				t.Errorf("close update = %+v, want reason %s", evt, tc.reason)
			}
			expectClosed(t, c)
			if err := c.SendText(context.Background(), "9@s.whatsapp.net", "hi", nil); err == nil {
				t.Error("send on a dead connection should fail")
			}
		})
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	fg := newFakeGateway(t)
	c, _, _ := dialFake(t, fg, protocol.DialParams{Session: "main"})

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	expectClosed(t, c)
	if err := c.SendText(context.Background(), "9@s.whatsapp.net", "hi", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("SendText after Close = %v, want ErrClosed", err)
	}
}

func TestDecodeFrame(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		name    string
		frame   string
		wantErr bool
		wantAck bool
		wantEvt bool
	}{
		{"ack", `{"type":"ack","id":"1"}`, false, true, false},
		{"unknown", `{"type":"presence.update"}`, false, false, false},
		{"invalid", `{"type":`, true, false, false},
		{"bad field", `{"type":"call","calls":"nope"}`, true, false, false},
		{"creds", `{"type":"creds.update","creds":"AA=="}`, false, false, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			evt, a, err := decodeFrame([]byte(tc.frame))
			if (err != nil) != tc.wantErr || (a != nil) != tc.wantAck || (evt != nil) != tc.wantEvt {
				t.Errorf("decodeFrame(%s) = %v, %v, %v", tc.frame, evt, a, err)
			}
		})
	}
}
