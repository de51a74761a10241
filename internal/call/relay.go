package call

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"e2ee-relay/internal/metrics"
	"e2ee-relay/internal/model"
)

type Emitter interface {
	EmitToConnection(connectionID, event string, payload any) error
}

type Presence interface {
	ConnectionIDFor(userID, deviceUUID string) (string, bool)
	FirstDeviceOf(userID string) (deviceUUID, connectionID string, ok bool)
}

// session binds one call to exactly one device per participant for its whole
// lifetime, so signaling never leaks to a user's idle devices.
type session struct {
	callerDevice string
	calleeDevice string
	answered     bool
	ringTimer    *time.Timer
}

// Relay forwards WebRTC signaling between the two bound devices of a call.
// Sessions are keyed by the ordered (caller, callee) pair.
type Relay struct {
	presence    Presence
	emitter     Emitter
	metrics     *metrics.Metrics
	log         *zap.Logger
	ringTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*session
}

func New(p Presence, e Emitter, m *metrics.Metrics, log *zap.Logger, ringTimeout time.Duration) *Relay {
	if ringTimeout <= 0 {
		ringTimeout = 60 * time.Second
	}
	return &Relay{
		presence:    p,
		emitter:     e,
		metrics:     m,
		log:         log,
		ringTimeout: ringTimeout,
		sessions:    make(map[string]*session),
	}
}

func pairKey(callerID, calleeID string) string {
	return callerID + "|" + calleeID
}

// HandleOffer rings the callee's first connected device only, binds both
// devices, and relays the offer there. A callee with no connected device
// means the offer goes nowhere: ringing offline users is not a relay concern.
func (r *Relay) HandleOffer(callerID, callerDevice string, payload model.OfferPayload) {
	calleeDevice, calleeConn, ok := r.presence.FirstDeviceOf(payload.ReceiverID)
	if !ok {
		r.log.Info("offer to offline callee dropped",
			zap.String("callerId", callerID),
			zap.String("calleeId", payload.ReceiverID))
		return
	}

	key := pairKey(callerID, payload.ReceiverID)
	r.mu.Lock()
	if existing := r.sessions[key]; existing != nil {
		// Re-offer while a session exists replaces the old binding.
		r.destroyLocked(key, existing)
	}
	sess := &session{callerDevice: callerDevice, calleeDevice: calleeDevice}
	sess.ringTimer = time.AfterFunc(r.ringTimeout, func() { r.expire(key) })
	r.sessions[key] = sess
	r.mu.Unlock()
	r.metrics.CallBound()

	_ = r.emitter.EmitToConnection(calleeConn, "offer", map[string]any{
		"offer":   payload.Offer,
		"sender":  callerID,
		"isVideo": payload.IsVideo,
	})
}

// HandleAnswer relays the callee's answer to the caller's bound device. The
// answer must come from the bound callee device, and the caller's bound
// device must still be connected; a mismatch (a peer switched devices
// mid-ring) is dropped with a warning and surfaced to neither side.
func (r *Relay) HandleAnswer(calleeID, calleeDevice string, payload model.AnswerPayload) {
	callerID := payload.ReceiverID
	key := pairKey(callerID, calleeID)

	r.mu.Lock()
	sess := r.sessions[key]
	if sess == nil || sess.calleeDevice != calleeDevice {
		r.mu.Unlock()
		r.log.Warn("answer from unbound device dropped",
			zap.String("callerId", callerID),
			zap.String("calleeId", calleeID),
			zap.String("deviceUuid", calleeDevice))
		return
	}
	callerDevice := sess.callerDevice
	r.mu.Unlock()

	callerConn, live := r.presence.ConnectionIDFor(callerID, callerDevice)
	if !live {
		r.log.Warn("answer dropped, bound caller device no longer connected",
			zap.String("callerId", callerID),
			zap.String("deviceUuid", callerDevice))
		return
	}

	r.mu.Lock()
	if sess := r.sessions[key]; sess != nil {
		sess.answered = true
		if sess.ringTimer != nil {
			sess.ringTimer.Stop()
		}
	}
	r.mu.Unlock()

	_ = r.emitter.EmitToConnection(callerConn, "answer", map[string]any{"answer": payload.Answer})
}

// HandleIceCandidate relays a candidate verbatim to the bound peer device.
// Buffering candidates that arrive before the remote description is the
// client's job, not the relay's.
func (r *Relay) HandleIceCandidate(fromUserID, fromDevice string, payload model.IceCandidatePayload) {
	peerConn, ok := r.boundPeer(fromUserID, fromDevice, payload.ReceiverID)
	if !ok {
		return
	}
	_ = r.emitter.EmitToConnection(peerConn, "ice-candidate", map[string]any{"candidate": payload.Candidate})
}

func (r *Relay) HandleReject(fromUserID, fromDevice string, payload model.CallActionPayload) {
	r.terminate(fromUserID, fromDevice, payload.ReceiverID, "call-rejected")
}

func (r *Relay) HandleEnd(fromUserID, fromDevice string, payload model.CallActionPayload) {
	r.terminate(fromUserID, fromDevice, payload.ReceiverID, "call-ended")
}

// boundPeer resolves the connection of the other bound device of the call
// between fromUserID and peerID, validating that the event comes from the
// bound device itself.
func (r *Relay) boundPeer(fromUserID, fromDevice, peerID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var peerUser, peerDevice string
	if sess := r.sessions[pairKey(fromUserID, peerID)]; sess != nil {
		// from is the caller
		if sess.callerDevice != fromDevice {
			r.logMismatch(fromUserID, fromDevice)
			return "", false
		}
		peerUser, peerDevice = peerID, sess.calleeDevice
	} else if sess := r.sessions[pairKey(peerID, fromUserID)]; sess != nil {
		// from is the callee
		if sess.calleeDevice != fromDevice {
			r.logMismatch(fromUserID, fromDevice)
			return "", false
		}
		peerUser, peerDevice = peerID, sess.callerDevice
	} else {
		return "", false
	}

	connectionID, live := r.presence.ConnectionIDFor(peerUser, peerDevice)
	return connectionID, live
}

func (r *Relay) logMismatch(userID, deviceUUID string) {
	r.log.Warn("call event from unbound device dropped",
		zap.String("userId", userID),
		zap.String("deviceUuid", deviceUUID))
}

// terminate relays the terminal event to the bound peer device, then destroys
// the session unconditionally. Destroying an already-cleared session is a
// no-op.
func (r *Relay) terminate(fromUserID, fromDevice, peerID, event string) {
	if peerConn, ok := r.boundPeer(fromUserID, fromDevice, peerID); ok {
		_ = r.emitter.EmitToConnection(peerConn, event, map[string]any{})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range []string{pairKey(fromUserID, peerID), pairKey(peerID, fromUserID)} {
		if sess := r.sessions[key]; sess != nil {
			r.destroyLocked(key, sess)
		}
	}
}

// expire clears a session whose offer was never answered.
func (r *Relay) expire(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess := r.sessions[key]
	if sess == nil || sess.answered {
		return
	}
	r.log.Info("unanswered call expired", zap.String("pair", key))
	r.destroyLocked(key, sess)
}

func (r *Relay) destroyLocked(key string, sess *session) {
	if sess.ringTimer != nil {
		sess.ringTimer.Stop()
	}
	delete(r.sessions, key)
	r.metrics.CallReleased()
}

// ActivePairs reports how many calls currently hold device bindings.
func (r *Relay) ActivePairs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
