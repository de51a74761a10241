package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"e2ee-relay/internal/metrics"
	"e2ee-relay/internal/model"
)

// ErrBrokerUnavailable is returned by every operation once the bounded
// reconnect budget is exhausted, so callers can degrade instead of crashing.
var ErrBrokerUnavailable = errors.New("message broker unavailable")

// Pusher delivers a queued envelope to a live connection and reports whether
// the client acknowledged it within the timeout.
type Pusher interface {
	PushWithAck(connectionID, event string, payload json.RawMessage, timeout time.Duration) (bool, error)
}

// Liveness answers whether a connection id still belongs to a live socket.
type Liveness interface {
	IsLive(connectionID string) bool
}

type Options struct {
	URL           string
	MaxReconnects int
	AckTimeout    time.Duration
}

type consumer struct {
	tag          string
	connectionID string
}

// Queue is the durable per-user offline mailbox, backed by RabbitMQ. One
// queue per user, prefetch 1, so delivery order within a user is strict FIFO.
type Queue struct {
	opts     Options
	pusher   Pusher
	liveness Liveness
	metrics  *metrics.Metrics
	log      *zap.Logger

	mu        sync.Mutex
	conn      *amqp.Connection
	ch        *amqp.Channel
	consumers map[string]consumer // userID -> active consumer
	attempts  int
}

func New(opts Options, pusher Pusher, liveness Liveness, m *metrics.Metrics, log *zap.Logger) *Queue {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 5 * time.Second
	}
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = 5
	}
	return &Queue{
		opts:      opts,
		pusher:    pusher,
		liveness:  liveness,
		metrics:   m,
		log:       log,
		consumers: make(map[string]consumer),
	}
}

func queueName(userID string) string {
	return "offline_user_" + userID
}

// Connect dials the broker. Callers may ignore the error: subsequent
// operations retry until the reconnect budget runs out.
func (q *Queue) Connect() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, err := q.channelLocked()
	return err
}

// channelLocked returns a usable channel, redialing if needed. Each failed
// dial burns one reconnect attempt; a successful dial resets the budget.
func (q *Queue) channelLocked() (*amqp.Channel, error) {
	if q.ch != nil && !q.ch.IsClosed() {
		return q.ch, nil
	}
	if q.attempts >= q.opts.MaxReconnects {
		return nil, ErrBrokerUnavailable
	}
	q.attempts++

	if q.conn == nil || q.conn.IsClosed() {
		conn, err := amqp.Dial(q.opts.URL)
		if err != nil {
			q.log.Warn("broker dial failed",
				zap.Int("attempt", q.attempts),
				zap.Int("max", q.opts.MaxReconnects),
				zap.Error(err))
			return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
		}
		q.conn = conn
	}

	ch, err := q.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	// Prefetch 1 keeps per-user delivery strictly one in flight.
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	q.ch = ch
	q.attempts = 0
	return ch, nil
}

// Enqueue publishes a persistent copy of the envelope to the receiver's
// mailbox queue.
func (q *Queue) Enqueue(ctx context.Context, userID string, envelope model.MessageEnvelope) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	q.mu.Lock()
	ch, err := q.channelLocked()
	q.mu.Unlock()
	if err != nil {
		return err
	}

	name := queueName(userID)
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	err = ch.PublishWithContext(ctx, "", name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	q.metrics.Queued()
	return nil
}

// AttachConsumer starts draining the user's mailbox toward the given
// connection. A consumer already attached for the user is replaced, so a
// reconnecting device takes over cleanly.
func (q *Queue) AttachConsumer(userID, connectionID string) error {
	q.mu.Lock()
	ch, err := q.channelLocked()
	if err != nil {
		q.mu.Unlock()
		return err
	}
	if prev, ok := q.consumers[userID]; ok {
		_ = ch.Cancel(prev.tag, false)
		delete(q.consumers, userID)
	}
	q.mu.Unlock()

	name := queueName(userID)
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}

	tag := "relay-" + userID + "-" + connectionID
	deliveries, err := ch.Consume(name, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}

	q.mu.Lock()
	q.consumers[userID] = consumer{tag: tag, connectionID: connectionID}
	q.mu.Unlock()

	go q.drain(userID, connectionID, deliveries)
	return nil
}

func (q *Queue) drain(userID, connectionID string, deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		if !q.handleDelivery(connectionID, amqpDelivery{d}) {
			// Bound connection is gone; stop so a future attach retries.
			q.DetachConsumer(userID, connectionID)
			return
		}
	}
}

// handleDelivery applies the per-message delivery policy and reports whether
// the consumer should keep going. Only a dead bound connection stops the
// consumer; a timed-out or negative acknowledgment requeues the message and
// keeps consuming, so one slow message never stalls the mailbox.
//
//   - unparseable body: permanently ack and drop, a retry can never succeed
//   - bound connection dead: nack with requeue, stop consuming
//   - client ack within the timeout: permanent ack
//   - negative ack, timeout, or push failure: nack with requeue, keep going
func (q *Queue) handleDelivery(connectionID string, d delivery) bool {
	var envelope model.MessageEnvelope
	if err := json.Unmarshal(d.Body(), &envelope); err != nil {
		q.log.Error("dropping unparseable queued payload", zap.Error(err))
		_ = d.Ack()
		q.metrics.DeliveryDropped()
		return true
	}

	if !q.liveness.IsLive(connectionID) {
		_ = d.NackRequeue()
		q.metrics.DeliveryRequeued()
		return false
	}

	acked, err := q.pusher.PushWithAck(connectionID, "new-private-message", d.Body(), q.opts.AckTimeout)
	if err != nil || !acked {
		_ = d.NackRequeue()
		q.metrics.DeliveryRequeued()
		return true
	}
	_ = d.Ack()
	q.metrics.DeliveryAcked()
	return true
}

// DetachConsumer cancels the user's consumer, but only when it is still bound
// to the given connection. That keeps multi-device disconnects idempotent: a
// second device that re-attached is left alone.
func (q *Queue) DetachConsumer(userID, connectionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok := q.consumers[userID]
	if !ok || c.connectionID != connectionID {
		return
	}
	delete(q.consumers, userID)
	if q.ch != nil && !q.ch.IsClosed() {
		_ = q.ch.Cancel(c.tag, false)
	}
}

func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		_ = q.conn.Close()
	}
}

// delivery narrows amqp.Delivery to what the policy needs, so it can be
// exercised without a broker.
type delivery interface {
	Body() []byte
	Ack() error
	NackRequeue() error
}

type amqpDelivery struct {
	d amqp.Delivery
}

func (a amqpDelivery) Body() []byte       { return a.d.Body }
func (a amqpDelivery) Ack() error         { return a.d.Ack(false) }
func (a amqpDelivery) NackRequeue() error { return a.d.Nack(false, true) }
