package presence

import (
	"sync"
	"time"

	"e2ee-relay/internal/model"
)

// Entry is one live (user, device) connection as the registry sees it.
type Entry struct {
	UserID       string
	DeviceUUID   string
	ConnectionID string
	ConnectedAt  time.Time
}

// Registry is the authoritative store of which devices are reachable right
// now. A user is online iff their device set is non-empty; last-seen is
// written only at the moment the set transitions to empty.
type Registry struct {
	mu       sync.RWMutex
	devices  map[string]map[string]Entry // userID -> deviceUUID -> entry
	lastSeen map[string]time.Time
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		devices:  make(map[string]map[string]Entry),
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
}

func (r *Registry) AddDevice(userID, deviceUUID, connectionID string) {
	if userID == "" || deviceUUID == "" || connectionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.devices[userID]
	if set == nil {
		set = make(map[string]Entry)
		r.devices[userID] = set
	}
	set[deviceUUID] = Entry{
		UserID:       userID,
		DeviceUUID:   deviceUUID,
		ConnectionID: connectionID,
		ConnectedAt:  r.now(),
	}
}

// RemoveDevice is idempotent: removing an absent device is a no-op. When the
// user's device set empties, last-seen is stamped under the same lock.
func (r *Registry) RemoveDevice(userID, deviceUUID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.devices[userID]
	if set == nil {
		return
	}
	if _, ok := set[deviceUUID]; !ok {
		return
	}
	delete(set, deviceUUID)
	if len(set) == 0 {
		delete(r.devices, userID)
		r.lastSeen[userID] = r.now()
	}
}

func (r *Registry) ConnectionIDFor(userID, deviceUUID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.devices[userID][deviceUUID]
	if !ok {
		return "", false
	}
	return entry.ConnectionID, true
}

// DevicesOf returns a copy of the user's deviceUUID -> connectionID map.
func (r *Registry) DevicesOf(userID string) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.devices[userID]
	result := make(map[string]string, len(set))
	for deviceUUID, entry := range set {
		result[deviceUUID] = entry.ConnectionID
	}
	return result
}

// FirstDeviceOf returns the user's earliest-connected device, used by the
// single-device ring policy.
func (r *Registry) FirstDeviceOf(userID string) (deviceUUID, connectionID string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var first Entry
	for _, entry := range r.devices[userID] {
		if !ok || entry.ConnectedAt.Before(first.ConnectedAt) {
			first = entry
			ok = true
		}
	}
	if !ok {
		return "", "", false
	}
	return first.DeviceUUID, first.ConnectionID, true
}

func (r *Registry) MarkLastSeenNow(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSeen[userID] = r.now()
}

// Entries lists every live (user, device, connection) record, for the stale
// connection sweep.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Entry
	for _, set := range r.devices {
		for _, entry := range set {
			result = append(result, entry)
		}
	}
	return result
}

// Snapshot is the online-users broadcast payload: every online user plus the
// last-seen time of every user that has ever disconnected.
func (r *Registry) Snapshot() model.PresenceSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := model.PresenceSnapshot{
		OnlineUsers: make(map[string]bool, len(r.devices)),
		LastSeen:    make(map[string]string, len(r.lastSeen)),
	}
	for userID := range r.devices {
		snap.OnlineUsers[userID] = true
	}
	for userID, at := range r.lastSeen {
		snap.LastSeen[userID] = at.UTC().Format(time.RFC3339)
	}
	return snap
}
