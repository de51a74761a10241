package keydir

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"e2ee-relay/internal/model"
)

// ParticipantResolver maps a (conversation, user) pair to the participant id
// wrapped keys are stored under. Implemented by the conversation store.
type ParticipantResolver interface {
	ParticipantID(conversationID, userID string) (string, bool)
}

// Directory stores per-device public keys and per-(participant, device)
// wrapped group keys. Pure data lookups: no key material is ever derived or
// unwrapped here.
type Directory struct {
	resolver ParticipantResolver

	mu            sync.RWMutex
	keysByDevice  map[string]model.DeviceKey                   // deviceUUID -> key
	devicesByUser map[string][]string                          // userID -> deviceUUIDs, registration order
	userByDevice  map[string]string                            // deviceUUID -> userID
	wrappedKeys   map[string]map[string]model.WrappedGroupKey  // participantID -> deviceUUID -> key
	now           func() time.Time
}

func NewDirectory(resolver ParticipantResolver) *Directory {
	return &Directory{
		resolver:      resolver,
		keysByDevice:  make(map[string]model.DeviceKey),
		devicesByUser: make(map[string][]string),
		userByDevice:  make(map[string]string),
		wrappedKeys:   make(map[string]map[string]model.WrappedGroupKey),
		now:           time.Now,
	}
}

// RegisterDevice creates a new device record for the user and returns its
// generated uuid.
func (d *Directory) RegisterDevice(userID, publicKey string) string {
	deviceUUID := uuid.NewString()
	d.RegisterDeviceKey(userID, deviceUUID, publicKey)
	return deviceUUID
}

// RegisterDeviceKey is an idempotent upsert of one device's public key.
func (d *Directory) RegisterDeviceKey(userID, deviceUUID, publicKey string) {
	if userID == "" || deviceUUID == "" {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, known := d.userByDevice[deviceUUID]; !known {
		d.devicesByUser[userID] = append(d.devicesByUser[userID], deviceUUID)
		d.userByDevice[deviceUUID] = userID
	}
	d.keysByDevice[deviceUUID] = model.DeviceKey{DeviceUUID: deviceUUID, PublicKey: publicKey}
}

// ListDeviceKeys returns every registered device key for the user so senders
// can wrap per-device payloads.
func (d *Directory) ListDeviceKeys(userID string) []model.DeviceKey {
	d.mu.RLock()
	defer d.mu.RUnlock()

	uuids := d.devicesByUser[userID]
	result := make([]model.DeviceKey, 0, len(uuids))
	for _, id := range uuids {
		if key, ok := d.keysByDevice[id]; ok {
			result = append(result, key)
		}
	}
	return result
}

// StoreWrappedGroupKey is an idempotent upsert: one row per
// (participant, device) pair.
func (d *Directory) StoreWrappedGroupKey(participantID, deviceUUID, encryptedGroupKey string) {
	if participantID == "" || deviceUUID == "" {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	byDevice := d.wrappedKeys[participantID]
	if byDevice == nil {
		byDevice = make(map[string]model.WrappedGroupKey)
		d.wrappedKeys[participantID] = byDevice
	}
	byDevice[deviceUUID] = model.WrappedGroupKey{
		ParticipantID:     participantID,
		DeviceUUID:        deviceUUID,
		EncryptedGroupKey: encryptedGroupKey,
		UpdatedAt:         d.now().UnixMilli(),
	}
}

// FetchWrappedGroupKey returns the caller's own wrapped key for the
// conversation, never another participant's. An absent key is a normal miss:
// the caller has to fetch and unwrap via the owner's public key first. When
// the participant stored keys for several devices the most recently written
// entry wins.
func (d *Directory) FetchWrappedGroupKey(conversationID, userID string) (string, bool) {
	participantID, ok := d.resolver.ParticipantID(conversationID, userID)
	if !ok {
		return "", false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	var latest model.WrappedGroupKey
	found := false
	for _, key := range d.wrappedKeys[participantID] {
		if !found || key.UpdatedAt > latest.UpdatedAt {
			latest = key
			found = true
		}
	}
	if !found {
		return "", false
	}
	return latest.EncryptedGroupKey, true
}
