package socketio

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"e2ee-relay/internal/auth"
	"e2ee-relay/internal/metrics"
	"e2ee-relay/internal/model"
	"e2ee-relay/internal/presence"
)

const (
	maxPayload   int64         = 1000000
	writeTimeout time.Duration = 10 * time.Second
)

// MessageSink receives messaging events from authenticated connections.
type MessageSink interface {
	SendPrivate(ctx context.Context, envelope model.MessageEnvelope)
	SendGroup(ctx context.Context, envelope model.MessageEnvelope)
	AckSeenPrivate(senderID, messageID string)
	AckSeenGroup(conversationID, messageID, userID string)
}

// CallSink receives call-signaling events from authenticated connections.
type CallSink interface {
	HandleOffer(callerID, callerDevice string, payload model.OfferPayload)
	HandleAnswer(calleeID, calleeDevice string, payload model.AnswerPayload)
	HandleIceCandidate(fromUserID, fromDevice string, payload model.IceCandidatePayload)
	HandleReject(fromUserID, fromDevice string, payload model.CallActionPayload)
	HandleEnd(fromUserID, fromDevice string, payload model.CallActionPayload)
}

// ConsumerManager attaches and detaches the per-user offline-queue consumer
// as devices come and go.
type ConsumerManager interface {
	AttachConsumer(userID, connectionID string) error
	DetachConsumer(userID, connectionID string)
}

type Deps struct {
	Presence    *presence.Registry
	TokenConfig auth.TokenConfig
	Metrics     *metrics.Metrics
	Log         *zap.Logger
}

// Server is the connection gateway: it authenticates device connections,
// keeps the presence registry in sync, and dispatches inbound events to the
// message router and the call relay.
type Server struct {
	presenceReg *presence.Registry
	tokenConfig auth.TokenConfig
	metrics     *metrics.Metrics
	log         *zap.Logger

	messages  MessageSink
	calls     CallSink
	consumers ConsumerManager

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*conn // connectionID -> conn
}

func NewServer(deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		presenceReg: deps.Presence,
		tokenConfig: deps.TokenConfig,
		metrics:     deps.Metrics,
		log:         log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*conn),
	}
}

// Wire injects the event sinks. Call once before serving; the sinks need the
// server as their emitter, so they cannot be constructor arguments.
func (s *Server) Wire(m MessageSink, c CallSink, q ConsumerManager) {
	s.messages = m
	s.calls = c
	s.consumers = q
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(maxPayload)

	c := newConn(ws)

	open := map[string]any{
		"sid":          c.sid,
		"upgrades":     []string{},
		"pingInterval": 25000,
		"pingTimeout":  20000,
		"maxPayload":   maxPayload,
	}
	openBytes, _ := json.Marshal(open)
	_ = c.writeText(string(engineOpen) + string(openBytes))

	go c.pingLoop()
	defer s.teardown(c)
	c.readLoop(func(msg string) {
		s.handleMessage(c, msg)
	})
}

// teardown runs exactly once per connection, whether the client closed
// cleanly or the read loop died.
func (s *Server) teardown(c *conn) {
	c.close()

	if !c.connected.Load() {
		return
	}
	c.connected.Store(false)

	s.mu.Lock()
	delete(s.conns, c.sid)
	s.mu.Unlock()

	s.presenceReg.RemoveDevice(c.userID, c.deviceUUID)
	s.consumers.DetachConsumer(c.userID, c.sid)
	s.metrics.ConnClosed()
	s.log.Info("device disconnected",
		zap.String("userId", c.userID),
		zap.String("deviceUuid", c.deviceUUID))
	s.BroadcastSnapshot()
}

func (s *Server) handleMessage(c *conn, msg string) {
	if msg == "" {
		return
	}

	switch enginePacketType(msg[0]) {
	case enginePong:
		c.markPong()
	case engineMessage:
		s.handleSocketPayload(c, msg[1:])
	case engineClose:
		c.close()
	}
}

func (s *Server) handleSocketPayload(c *conn, payload string) {
	if payload == "" {
		return
	}

	switch socketPacketType(payload[0]) {
	case socketConnect:
		s.handleConnect(c, payload)
	case socketDisconnect:
		c.close()
	case socketEvent:
		s.handleEvent(c, payload)
	case socketAck:
		ack, err := parseSocketAckPacket(payload)
		if err != nil {
			return
		}
		c.resolveAck(ack.ID, ack.Args)
	}
}

type connectAuth struct {
	Token      string `json:"token"`
	DeviceUUID string `json:"deviceUuid"`
}

// handleConnect authenticates the device. A connection that fails here is
// closed before it ever touches the presence registry.
func (s *Server) handleConnect(c *conn, payload string) {
	if c.connected.Load() {
		return
	}

	_, rest := parseOptionalNamespace(payload[1:])
	if rest == "" {
		_ = c.writeSocketError("Missing auth")
		c.close()
		return
	}

	var authObj connectAuth
	if err := json.Unmarshal([]byte(rest), &authObj); err != nil {
		_ = c.writeSocketError("Invalid auth")
		c.close()
		return
	}
	if authObj.Token == "" || authObj.DeviceUUID == "" {
		_ = c.writeSocketError("Missing token or deviceUuid")
		c.close()
		return
	}
	claims, err := auth.VerifyToken(authObj.Token, s.tokenConfig)
	if err != nil || claims == nil || claims.UserID == "" {
		_ = c.writeSocketError("Invalid authentication token")
		c.close()
		return
	}

	c.userID = claims.UserID
	c.deviceUUID = authObj.DeviceUUID
	c.connected.Store(true)

	s.mu.Lock()
	s.conns[c.sid] = c
	s.mu.Unlock()

	s.presenceReg.AddDevice(c.userID, c.deviceUUID, c.sid)
	if err := s.consumers.AttachConsumer(c.userID, c.sid); err != nil {
		// Offline persistence is degraded, live routing still works.
		s.log.Warn("offline queue consumer not attached",
			zap.String("userId", c.userID),
			zap.Error(err))
	}
	s.metrics.ConnOpened()
	s.log.Info("device connected",
		zap.String("userId", c.userID),
		zap.String("deviceUuid", c.deviceUUID))

	connectPayload, err := buildSocketConnectPacket("/", c.sid)
	if err == nil {
		_ = c.writeText(string(engineMessage) + connectPayload)
	}
	s.BroadcastSnapshot()
}

func (s *Server) handleEvent(c *conn, payload string) {
	if !c.connected.Load() {
		return
	}

	pkt, err := parseSocketEventPacket(payload)
	if err != nil {
		return
	}

	switch pkt.Event {
	case "ping":
		if pkt.ID != nil {
			if ackPayload, err := buildSocketAckPacket(pkt.Namespace, *pkt.ID); err == nil {
				_ = c.writeText(string(engineMessage) + ackPayload)
			}
		}

	case "send-private-message":
		var envelope model.MessageEnvelope
		if !decodeArg(pkt, &envelope) || envelope.ID == "" || envelope.ReceiverID == "" {
			return
		}
		envelope.SenderID = c.userID
		s.messages.SendPrivate(context.Background(), envelope)
		s.ackOK(c, pkt)

	case "send-group-message":
		var envelope model.MessageEnvelope
		if !decodeArg(pkt, &envelope) || envelope.ID == "" || envelope.ConversationID == "" {
			return
		}
		envelope.SenderID = c.userID
		s.messages.SendGroup(context.Background(), envelope)
		s.ackOK(c, pkt)

	case "private-message-seen":
		var body struct {
			SenderID       string `json:"senderId"`
			MessageID      string `json:"messageId"`
			ConversationID string `json:"conversationId"`
		}
		if !decodeArg(pkt, &body) || body.SenderID == "" || body.MessageID == "" {
			return
		}
		s.messages.AckSeenPrivate(body.SenderID, body.MessageID)

	case "group-message-seen":
		var body struct {
			MessageID      string `json:"messageId"`
			ConversationID string `json:"conversationId"`
		}
		if !decodeArg(pkt, &body) || body.MessageID == "" || body.ConversationID == "" {
			return
		}
		s.messages.AckSeenGroup(body.ConversationID, body.MessageID, c.userID)

	case "offer":
		var body model.OfferPayload
		if !decodeArg(pkt, &body) || body.ReceiverID == "" {
			return
		}
		s.calls.HandleOffer(c.userID, c.deviceUUID, body)

	case "answer":
		var body model.AnswerPayload
		if !decodeArg(pkt, &body) || body.ReceiverID == "" {
			return
		}
		s.calls.HandleAnswer(c.userID, c.deviceUUID, body)

	case "ice-candidate":
		var body model.IceCandidatePayload
		if !decodeArg(pkt, &body) || body.ReceiverID == "" {
			return
		}
		s.calls.HandleIceCandidate(c.userID, c.deviceUUID, body)

	case "call-rejected":
		var body model.CallActionPayload
		if !decodeArg(pkt, &body) || body.ReceiverID == "" {
			return
		}
		s.calls.HandleReject(c.userID, c.deviceUUID, body)

	case "call-ended":
		var body model.CallActionPayload
		if !decodeArg(pkt, &body) || body.ReceiverID == "" {
			return
		}
		s.calls.HandleEnd(c.userID, c.deviceUUID, body)
	}
}

func decodeArg(pkt socketEventPacket, dst any) bool {
	return len(pkt.Args) >= 1 && json.Unmarshal(pkt.Args[0], dst) == nil
}

func (s *Server) ackOK(c *conn, pkt socketEventPacket) {
	if pkt.ID == nil {
		return
	}
	ackPayload, err := buildSocketAckPacket(pkt.Namespace, *pkt.ID, map[string]any{"ok": true})
	if err == nil {
		_ = c.writeText(string(engineMessage) + ackPayload)
	}
}

// EmitToConnection pushes one event to one connection. An unknown connection
// id is the normal "offline" answer.
func (s *Server) EmitToConnection(connectionID, event string, payload any) error {
	s.mu.RLock()
	c := s.conns[connectionID]
	s.mu.RUnlock()
	if c == nil {
		return errors.New("connection not found")
	}

	packet, err := buildSocketEventPacket("/", nil, event, payload)
	if err != nil {
		return err
	}
	if err := c.writeText(string(engineMessage) + packet); err != nil {
		c.close()
		return err
	}
	return nil
}

// PushWithAck delivers an event and blocks until the client acknowledges it
// or the timeout elapses. The first ack argument decides the outcome: any
// truthy value is a positive acknowledgment.
func (s *Server) PushWithAck(connectionID, event string, payload json.RawMessage, timeout time.Duration) (bool, error) {
	s.mu.RLock()
	c := s.conns[connectionID]
	s.mu.RUnlock()
	if c == nil {
		return false, errors.New("connection not found")
	}

	args, err := c.emitWithAck(event, payload, timeout)
	if err != nil {
		return false, err
	}
	return truthyArg(args), nil
}

func truthyArg(args []json.RawMessage) bool {
	if len(args) == 0 {
		return false
	}
	var v any
	if err := json.Unmarshal(args[0], &v); err != nil {
		return false
	}
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case float64:
		return val != 0
	default:
		return true
	}
}

// IsLive reports whether the connection id still maps to an open socket.
func (s *Server) IsLive(connectionID string) bool {
	s.mu.RLock()
	c := s.conns[connectionID]
	s.mu.RUnlock()
	return c != nil && !c.closed.Load()
}

// BroadcastSnapshot pushes the current presence snapshot to every
// authenticated connection.
func (s *Server) BroadcastSnapshot() {
	snap := s.presenceReg.Snapshot()
	packet, err := buildSocketEventPacket("/", nil, "online-users", snap)
	if err != nil {
		return
	}

	s.mu.RLock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		if err := c.writeText(string(engineMessage) + packet); err != nil {
			c.close()
		}
	}
	s.metrics.PresenceBroadcast()
}

// StartStaleSweep launches the periodic reconciliation of the presence
// registry against the live connection set. It returns a stop function.
func (s *Server) StartStaleSweep(interval time.Duration) func() {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.sweepOnce()
			}
		}
	}()
	return func() { close(stop) }
}

// sweepOnce removes presence records whose connection is no longer live and
// broadcasts once if anything changed. Every removal is independently
// idempotent, so the sweep is safe against concurrent connects and
// disconnects: it only ever touches entries that are already stale.
func (s *Server) sweepOnce() bool {
	changed := false
	for _, entry := range s.presenceReg.Entries() {
		if s.IsLive(entry.ConnectionID) {
			continue
		}
		s.presenceReg.RemoveDevice(entry.UserID, entry.DeviceUUID)
		s.log.Info("stale presence entry removed",
			zap.String("userId", entry.UserID),
			zap.String("deviceUuid", entry.DeviceUUID))
		changed = true
	}
	if changed {
		s.BroadcastSnapshot()
	}
	return changed
}

type conn struct {
	ws *websocket.Conn

	sid string

	connected atomic.Bool

	userID     string
	deviceUUID string

	sendMu sync.Mutex

	ackMu      sync.Mutex
	nextAckID  int
	pendingAck map[int]chan []json.RawMessage

	pingMu       sync.Mutex
	awaitingPong bool
	pingSentAt   time.Time
	nextPingAt   time.Time

	closed atomic.Bool
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		ws:         ws,
		sid:        uuid.NewString(),
		pendingAck: make(map[int]chan []json.RawMessage),
		nextPingAt: time.Now().Add(25 * time.Second),
	}
}

func (c *conn) close() {
	if c.closed.Swap(true) {
		return
	}
	_ = c.ws.Close()
}

func (c *conn) writeText(msg string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (c *conn) readLoop(onMessage func(string)) {
	defer c.close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		onMessage(string(data))
	}
}

func (c *conn) pingLoop() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if c.closed.Load() {
			return
		}
		now := time.Now()
		c.pingMu.Lock()
		awaiting := c.awaitingPong
		pingSentAt := c.pingSentAt
		nextPingAt := c.nextPingAt
		if awaiting && now.Sub(pingSentAt) > 20*time.Second {
			c.pingMu.Unlock()
			c.close()
			return
		}
		if !awaiting && !now.Before(nextPingAt) {
			c.awaitingPong = true
			c.pingSentAt = now
			c.nextPingAt = now.Add(25 * time.Second)
			c.pingMu.Unlock()
			_ = c.writeText(string(enginePing))
			continue
		}
		c.pingMu.Unlock()
	}
}

func (c *conn) markPong() {
	c.pingMu.Lock()
	c.awaitingPong = false
	c.pingMu.Unlock()
}

func (c *conn) writeSocketError(msg string) error {
	packet, err := buildSocketEventPacket("/", nil, "error", map[string]any{"message": msg})
	if err != nil {
		return err
	}
	return c.writeText(string(engineMessage) + packet)
}

func (c *conn) emitWithAck(event string, arg any, timeout time.Duration) ([]json.RawMessage, error) {
	c.ackMu.Lock()
	c.nextAckID++
	id := c.nextAckID
	ch := make(chan []json.RawMessage, 1)
	c.pendingAck[id] = ch
	c.ackMu.Unlock()

	packet, err := buildSocketEventPacket("/", &id, event, arg)
	if err != nil {
		c.dropPendingAck(id)
		return nil, err
	}
	if err := c.writeText(string(engineMessage) + packet); err != nil {
		c.dropPendingAck(id)
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(timeout):
		c.dropPendingAck(id)
		return nil, errors.New("ack timeout")
	}
}

func (c *conn) dropPendingAck(id int) {
	c.ackMu.Lock()
	delete(c.pendingAck, id)
	c.ackMu.Unlock()
}

func (c *conn) resolveAck(id int, args []json.RawMessage) {
	c.ackMu.Lock()
	ch := c.pendingAck[id]
	delete(c.pendingAck, id)
	c.ackMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- args:
	default:
	}
}
