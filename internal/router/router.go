package router

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"e2ee-relay/internal/metrics"
	"e2ee-relay/internal/model"
)

// Emitter pushes one event to one connection. A missing connection is an
// error the router treats as "offline", not a failure.
type Emitter interface {
	EmitToConnection(connectionID, event string, payload any) error
}

type Presence interface {
	ConnectionIDFor(userID, deviceUUID string) (string, bool)
	DevicesOf(userID string) map[string]string
}

type Conversations interface {
	OtherParticipants(conversationID, userID string) []model.Participant
	AllParticipants(conversationID string) []model.Participant
	BoundDevice(conversationID, userID string) (string, bool)
}

type OfflineQueue interface {
	Enqueue(ctx context.Context, userID string, envelope model.MessageEnvelope) error
}

// messageRecord tracks delivery state for one message. The aggregate status
// and the per-user receipt list are mutually exclusive: once any per-user
// receipt lands, the aggregate is cleared and the list is authoritative.
type messageRecord struct {
	aggregate *model.MessageStatus
	receipts  []model.UserReceipt
}

type Router struct {
	presence      Presence
	conversations Conversations
	queue         OfflineQueue
	emitter       Emitter
	metrics       *metrics.Metrics
	log           *zap.Logger

	mu      sync.Mutex
	records map[string]*messageRecord // messageID -> record
}

func New(p Presence, c Conversations, q OfflineQueue, e Emitter, m *metrics.Metrics, log *zap.Logger) *Router {
	return &Router{
		presence:      p,
		conversations: c,
		queue:         q,
		emitter:       e,
		metrics:       m,
		log:           log,
		records:       make(map[string]*messageRecord),
	}
}

// SendPrivate routes to the single device the conversation is bound to for
// the receiver. If that device is live the message is pushed directly;
// otherwise it is handed to the durable queue. The sender always gets an
// optimistic SENT echo on every connected device, even when the broker is
// down: end-to-end confirmation is asynchronous and may never arrive.
func (r *Router) SendPrivate(ctx context.Context, envelope model.MessageEnvelope) {
	delivered := false
	if deviceUUID, bound := r.conversations.BoundDevice(envelope.ConversationID, envelope.ReceiverID); bound {
		if connectionID, live := r.presence.ConnectionIDFor(envelope.ReceiverID, deviceUUID); live {
			if err := r.emitter.EmitToConnection(connectionID, "new-private-message", envelope); err == nil {
				delivered = true
				r.metrics.RoutedLive()
			}
		}
	}
	if !delivered {
		if err := r.queue.Enqueue(ctx, envelope.ReceiverID, envelope); err != nil {
			r.log.Warn("offline enqueue failed, message not persisted",
				zap.String("messageId", envelope.ID),
				zap.String("receiverId", envelope.ReceiverID),
				zap.Error(err))
		}
	}

	r.recordSent(envelope.ID)
	r.emitToAllDevices(envelope.SenderID, "private-message-status-update", statusUpdate{
		MessageID: envelope.ID,
		Status:    model.StatusSent,
	})
}

// SendGroup fans out to every connected device of every other participant.
// Participants with no connected device are skipped: offline queuing applies
// to private messages only.
func (r *Router) SendGroup(ctx context.Context, envelope model.MessageEnvelope) {
	for _, participant := range r.conversations.OtherParticipants(envelope.ConversationID, envelope.SenderID) {
		devices := r.presence.DevicesOf(participant.UserID)
		if len(devices) == 0 {
			continue
		}
		for _, connectionID := range devices {
			if err := r.emitter.EmitToConnection(connectionID, "new-group-message", envelope); err == nil {
				r.metrics.RoutedLive()
			}
		}
	}

	r.recordSent(envelope.ID)
	r.emitToAllDevices(envelope.SenderID, "group-message-status-update", statusUpdate{
		MessageID: envelope.ID,
		Status:    model.StatusSent,
	})
}

// AckSeenPrivate notifies every connected device of the original sender that
// the message was read.
func (r *Router) AckSeenPrivate(senderID, messageID string) {
	r.mu.Lock()
	if rec := r.records[messageID]; rec != nil {
		seen := model.StatusSeen
		rec.aggregate = &seen
	}
	r.mu.Unlock()

	r.emitToAllDevices(senderID, "private-message-status-update", statusUpdate{
		MessageID: messageID,
		Status:    model.StatusSeen,
	})
}

// AckSeenGroup records the acking user's receipt and notifies every device of
// every participant. The first receipt clears the aggregate status for good.
func (r *Router) AckSeenGroup(conversationID, messageID, userID string) {
	r.mu.Lock()
	rec := r.records[messageID]
	if rec == nil {
		rec = &messageRecord{}
		r.records[messageID] = rec
	}
	rec.aggregate = nil
	updated := false
	for i := range rec.receipts {
		if rec.receipts[i].UserID == userID {
			rec.receipts[i].Status = model.StatusSeen
			updated = true
			break
		}
	}
	if !updated {
		rec.receipts = append(rec.receipts, model.UserReceipt{UserID: userID, Status: model.StatusSeen})
	}
	r.mu.Unlock()

	update := statusUpdate{MessageID: messageID, Status: model.StatusSeen, UserID: userID}
	for _, participant := range r.conversations.AllParticipants(conversationID) {
		r.emitToAllDevices(participant.UserID, "group-message-status-update", update)
	}
}

// Status exposes a message's delivery view: the aggregate status while no
// per-user receipt exists, the receipt list afterwards.
func (r *Router) Status(messageID string) (*model.MessageStatus, []model.UserReceipt) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.records[messageID]
	if rec == nil {
		return nil, nil
	}
	receipts := make([]model.UserReceipt, len(rec.receipts))
	copy(receipts, rec.receipts)
	return rec.aggregate, receipts
}

func (r *Router) recordSent(messageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.records[messageID]
	if rec == nil {
		rec = &messageRecord{}
		r.records[messageID] = rec
	}
	// Never resurrect the aggregate after a per-user receipt landed.
	if len(rec.receipts) == 0 {
		sent := model.StatusSent
		rec.aggregate = &sent
	}
}

func (r *Router) emitToAllDevices(userID, event string, payload any) {
	for _, connectionID := range r.presence.DevicesOf(userID) {
		_ = r.emitter.EmitToConnection(connectionID, event, payload)
	}
}

type statusUpdate struct {
	MessageID string              `json:"messageId"`
	Status    model.MessageStatus `json:"status"`
	UserID    string              `json:"userId,omitempty"`
}
