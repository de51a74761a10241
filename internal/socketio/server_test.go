package socketio

import (
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"e2ee-relay/internal/auth"
	"e2ee-relay/internal/model"
	"e2ee-relay/internal/presence"
)

func waitForPrefix(t *testing.T, c *websocket.Conn, prefix string, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		_ = c.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		_, data, err := c.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			t.Fatalf("ReadMessage: %v", err)
		}
		msg := string(data)
		if msg == "2" {
			_ = c.WriteMessage(websocket.TextMessage, []byte("3"))
			continue
		}
		if strings.HasPrefix(msg, prefix) {
			_ = c.SetReadDeadline(time.Time{})
			return msg
		}
	}
	t.Fatalf("timeout waiting for %q", prefix)
	return ""
}

type recordedMessages struct {
	mu       sync.Mutex
	privates []model.MessageEnvelope
	groups   []model.MessageEnvelope
	seen     []string
}

func (r *recordedMessages) SendPrivate(_ context.Context, envelope model.MessageEnvelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.privates = append(r.privates, envelope)
}

func (r *recordedMessages) SendGroup(_ context.Context, envelope model.MessageEnvelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups = append(r.groups, envelope)
}

func (r *recordedMessages) AckSeenPrivate(senderID, messageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, "private:"+senderID+":"+messageID)
}

func (r *recordedMessages) AckSeenGroup(conversationID, messageID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, "group:"+conversationID+":"+messageID+":"+userID)
}

type recordedCalls struct {
	mu     sync.Mutex
	offers []string // callerID/callerDevice/receiverID
	ends   []string
}

func (r *recordedCalls) HandleOffer(callerID, callerDevice string, payload model.OfferPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offers = append(r.offers, callerID+"/"+callerDevice+"/"+payload.ReceiverID)
}

func (r *recordedCalls) HandleAnswer(string, string, model.AnswerPayload)             {}
func (r *recordedCalls) HandleIceCandidate(string, string, model.IceCandidatePayload) {}
func (r *recordedCalls) HandleReject(string, string, model.CallActionPayload)         {}

func (r *recordedCalls) HandleEnd(fromUserID, fromDevice string, payload model.CallActionPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ends = append(r.ends, fromUserID+"/"+fromDevice+"/"+payload.ReceiverID)
}

type recordedConsumers struct {
	mu       sync.Mutex
	attached []string
	detached []string
}

func (r *recordedConsumers) AttachConsumer(userID, connectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attached = append(r.attached, userID+"/"+connectionID)
	return nil
}

func (r *recordedConsumers) DetachConsumer(userID, connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detached = append(r.detached, userID+"/"+connectionID)
}

type gatewayFixture struct {
	gw        *Server
	registry  *presence.Registry
	messages  *recordedMessages
	calls     *recordedCalls
	consumers *recordedConsumers
	tokenCfg  auth.TokenConfig
	srv       *httptest.Server
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	f := &gatewayFixture{
		registry:  presence.NewRegistry(),
		messages:  &recordedMessages{},
		calls:     &recordedCalls{},
		consumers: &recordedConsumers{},
		tokenCfg:  auth.TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"},
	}
	f.gw = NewServer(Deps{
		Presence:    f.registry,
		TokenConfig: f.tokenCfg,
		Metrics:     nil,
		Log:         zap.NewNop(),
	})
	f.gw.Wire(f.messages, f.calls, f.consumers)
	f.srv = httptest.NewServer(f.gw)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *gatewayFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/socket.io/?EIO=4&transport=websocket"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (f *gatewayFixture) connect(t *testing.T, userID, deviceUUID string) *websocket.Conn {
	t.Helper()
	token, err := auth.CreateToken(userID, f.tokenCfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	conn := f.dial(t)
	_ = waitForPrefix(t, conn, "0{", 2*time.Second)

	authBytes, _ := json.Marshal(map[string]string{"token": token, "deviceUuid": deviceUUID})
	if err := conn.WriteMessage(websocket.TextMessage, []byte("40"+string(authBytes))); err != nil {
		t.Fatalf("WriteMessage(connect): %v", err)
	}
	_ = waitForPrefix(t, conn, "40", 2*time.Second)
	return conn
}

func TestConnect_RegistersPresenceAndBroadcasts(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.connect(t, "user-1", "dev-a")

	raw := waitForPrefix(t, conn, `42["online-users"`, 2*time.Second)
	var arr []json.RawMessage
	if err := json.Unmarshal([]byte(raw[2:]), &arr); err != nil || len(arr) != 2 {
		t.Fatalf("unexpected broadcast: %s", raw)
	}
	var snap model.PresenceSnapshot
	if err := json.Unmarshal(arr[1], &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if !snap.OnlineUsers["user-1"] {
		t.Fatalf("user-1 should be online: %v", snap.OnlineUsers)
	}

	devices := f.registry.DevicesOf("user-1")
	if len(devices) != 1 || devices["dev-a"] == "" {
		t.Fatalf("unexpected registry state: %v", devices)
	}

	f.consumers.mu.Lock()
	attached := len(f.consumers.attached)
	f.consumers.mu.Unlock()
	if attached != 1 {
		t.Fatalf("expected 1 consumer attach, got %d", attached)
	}
}

func TestConnect_RejectsInvalidToken(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t)
	_ = waitForPrefix(t, conn, "0{", 2*time.Second)

	authBytes, _ := json.Marshal(map[string]string{"token": "garbage", "deviceUuid": "dev-a"})
	if err := conn.WriteMessage(websocket.TextMessage, []byte("40"+string(authBytes))); err != nil {
		t.Fatalf("WriteMessage(connect): %v", err)
	}
	raw := waitForPrefix(t, conn, `42["error"`, 2*time.Second)
	if !strings.Contains(raw, "Invalid authentication token") {
		t.Fatalf("unexpected error payload: %s", raw)
	}
	if len(f.registry.DevicesOf("")) != 0 || len(f.registry.Entries()) != 0 {
		t.Fatalf("failed auth must not touch the registry")
	}
}

func TestConnect_RejectsMissingDeviceUUID(t *testing.T) {
	f := newGatewayFixture(t)
	token, _ := auth.CreateToken("user-1", f.tokenCfg)

	conn := f.dial(t)
	_ = waitForPrefix(t, conn, "0{", 2*time.Second)
	authBytes, _ := json.Marshal(map[string]string{"token": token})
	if err := conn.WriteMessage(websocket.TextMessage, []byte("40"+string(authBytes))); err != nil {
		t.Fatalf("WriteMessage(connect): %v", err)
	}
	_ = waitForPrefix(t, conn, `42["error"`, 2*time.Second)
	if len(f.registry.Entries()) != 0 {
		t.Fatalf("registry must stay empty")
	}
}

func TestSendPrivateMessage_DispatchedWithAck(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.connect(t, "user-1", "dev-a")

	body := `{"id":"m1","conversationId":"conv-1","receiverId":"bob","content":"ct","iv":"iv"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`421["send-private-message",`+body+`]`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	ack := waitForPrefix(t, conn, "431", 2*time.Second)
	if ack != `431[{"ok":true}]` {
		t.Fatalf("unexpected ack: %s", ack)
	}

	f.messages.mu.Lock()
	defer f.messages.mu.Unlock()
	if len(f.messages.privates) != 1 {
		t.Fatalf("expected 1 private message, got %d", len(f.messages.privates))
	}
	got := f.messages.privates[0]
	if got.ID != "m1" || got.ReceiverID != "bob" {
		t.Fatalf("unexpected envelope: %+v", got)
	}
	if got.SenderID != "user-1" {
		t.Fatalf("sender must come from the authenticated identity, got %q", got.SenderID)
	}
}

func TestSeenEvents_Dispatched(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.connect(t, "user-1", "dev-a")

	msgs := []string{
		`42["private-message-seen",{"senderId":"alice","messageId":"m1","conversationId":"conv-1"}]`,
		`42["group-message-seen",{"messageId":"m2","conversationId":"conv-2"}]`,
	}
	for _, msg := range msgs {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("WriteMessage: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		f.messages.mu.Lock()
		n := len(f.messages.seen)
		f.messages.mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("seen events never arrived")
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.messages.mu.Lock()
	defer f.messages.mu.Unlock()
	if f.messages.seen[0] != "private:alice:m1" {
		t.Fatalf("unexpected private seen: %q", f.messages.seen[0])
	}
	if f.messages.seen[1] != "group:conv-2:m2:user-1" {
		t.Fatalf("group seen must carry the acking user: %q", f.messages.seen[1])
	}
}

func TestOffer_DispatchedWithDeviceIdentity(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.connect(t, "user-1", "dev-a")

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`42["offer",{"offer":"sdp","receiverId":"bob","isVideo":true}]`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		f.calls.mu.Lock()
		n := len(f.calls.offers)
		f.calls.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("offer never dispatched")
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.calls.mu.Lock()
	defer f.calls.mu.Unlock()
	if f.calls.offers[0] != "user-1/dev-a/bob" {
		t.Fatalf("unexpected offer dispatch: %q", f.calls.offers[0])
	}
}

func TestPushWithAck(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.connect(t, "user-1", "dev-a")

	connectionID := f.registry.DevicesOf("user-1")["dev-a"]
	if connectionID == "" {
		t.Fatalf("missing connection id")
	}
	if !f.gw.IsLive(connectionID) {
		t.Fatalf("connection should be live")
	}

	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				return
			}
			msg := string(data)
			if !strings.HasPrefix(msg, "42") {
				continue
			}
			pkt, err := parseSocketEventPacket(msg[1:])
			if err != nil || pkt.ID == nil || pkt.Event != "new-private-message" {
				continue
			}
			ackPayload, _ := buildSocketAckPacket("/", *pkt.ID, true)
			_ = conn.WriteMessage(websocket.TextMessage, []byte("4"+ackPayload))
			return
		}
	}()

	acked, err := f.gw.PushWithAck(connectionID, "new-private-message", json.RawMessage(`{"id":"m1"}`), 2*time.Second)
	if err != nil {
		t.Fatalf("PushWithAck: %v", err)
	}
	if !acked {
		t.Fatalf("expected positive ack")
	}
}

func TestPushWithAck_Timeout(t *testing.T) {
	f := newGatewayFixture(t)
	_ = f.connect(t, "user-1", "dev-a")

	connectionID := f.registry.DevicesOf("user-1")["dev-a"]
	if _, err := f.gw.PushWithAck(connectionID, "new-private-message", json.RawMessage(`{"id":"m1"}`), 50*time.Millisecond); err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestPushWithAck_UnknownConnection(t *testing.T) {
	f := newGatewayFixture(t)
	if _, err := f.gw.PushWithAck("nope", "new-private-message", json.RawMessage(`{}`), 50*time.Millisecond); err == nil {
		t.Fatalf("expected error for unknown connection")
	}
}

func TestDisconnect_CleansUpPresenceAndConsumer(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.connect(t, "user-1", "dev-a")
	connectionID := f.registry.DevicesOf("user-1")["dev-a"]

	_ = conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for len(f.registry.DevicesOf("user-1")) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("presence entry never removed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if f.gw.IsLive(connectionID) {
		t.Fatalf("connection should be dead")
	}

	f.consumers.mu.Lock()
	defer f.consumers.mu.Unlock()
	if len(f.consumers.detached) != 1 || f.consumers.detached[0] != "user-1/"+connectionID {
		t.Fatalf("unexpected detach calls: %v", f.consumers.detached)
	}

	if snap := f.registry.Snapshot(); snap.LastSeen["user-1"] == "" {
		t.Fatalf("last-seen must be stamped on final disconnect")
	}
}

func TestSweepOnce_RemovesStaleEntries(t *testing.T) {
	f := newGatewayFixture(t)
	_ = f.connect(t, "user-1", "dev-a")

	// A record left behind by a connection that died without cleanup.
	f.registry.AddDevice("ghost", "ghost-dev", "conn-long-gone")

	if !f.gw.sweepOnce() {
		t.Fatalf("sweep should report a change")
	}
	if len(f.registry.DevicesOf("ghost")) != 0 {
		t.Fatalf("stale entry survived the sweep")
	}
	if len(f.registry.DevicesOf("user-1")) != 1 {
		t.Fatalf("live entry must survive the sweep")
	}
	if f.gw.sweepOnce() {
		t.Fatalf("second sweep should be a no-op")
	}
}

func TestAppLevelPingAck(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.connect(t, "user-1", "dev-a")

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`421["ping"]`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	ack := waitForPrefix(t, conn, "431", 2*time.Second)
	if ack != "431[]" {
		t.Fatalf("unexpected ack: %s", ack)
	}
}
