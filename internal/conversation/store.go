package conversation

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"e2ee-relay/internal/model"
)

const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

var ErrNotParticipant = errors.New("not a participant of this conversation")

type participant struct {
	id     string
	userID string
	role   string
}

// Store is the conversation collaborator the routing path depends on: who is
// in a conversation, and which device a private conversation is bound to for
// each participant. Conversation CRUD itself lives in an external service;
// this store only mirrors the routing-relevant rows.
type Store struct {
	mu           sync.RWMutex
	participants map[string][]*participant // conversationID -> members
	byConvUser   map[string]*participant   // conversationID|userID
	boundDevice  map[string]string         // conversationID|userID -> deviceUUID
}

func NewStore() *Store {
	return &Store{
		participants: make(map[string][]*participant),
		byConvUser:   make(map[string]*participant),
		boundDevice:  make(map[string]string),
	}
}

func convUserKey(conversationID, userID string) string {
	return conversationID + "|" + userID
}

// AddParticipant is an idempotent upsert; it returns the participant id.
func (s *Store) AddParticipant(conversationID, userID, role string) string {
	if role == "" {
		role = RoleMember
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := convUserKey(conversationID, userID)
	if existing, ok := s.byConvUser[key]; ok {
		existing.role = role
		return existing.id
	}

	p := &participant{id: uuid.NewString(), userID: userID, role: role}
	s.participants[conversationID] = append(s.participants[conversationID], p)
	s.byConvUser[key] = p
	return p.id
}

func (s *Store) ParticipantID(conversationID, userID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.byConvUser[convUserKey(conversationID, userID)]
	if !ok {
		return "", false
	}
	return p.id, true
}

func (s *Store) AllParticipants(conversationID string) []model.Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := s.participants[conversationID]
	result := make([]model.Participant, 0, len(members))
	for _, p := range members {
		result = append(result, model.Participant{UserID: p.userID, Role: p.role})
	}
	return result
}

func (s *Store) OtherParticipants(conversationID, userID string) []model.Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := s.participants[conversationID]
	result := make([]model.Participant, 0, len(members))
	for _, p := range members {
		if p.userID != userID {
			result = append(result, model.Participant{UserID: p.userID, Role: p.role})
		}
	}
	return result
}

// BindDevice designates the device a private conversation routes to for this
// participant.
func (s *Store) BindDevice(conversationID, userID, deviceUUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byConvUser[convUserKey(conversationID, userID)]; !ok {
		return ErrNotParticipant
	}
	s.boundDevice[convUserKey(conversationID, userID)] = deviceUUID
	return nil
}

func (s *Store) BoundDevice(conversationID, userID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	deviceUUID, ok := s.boundDevice[convUserKey(conversationID, userID)]
	return deviceUUID, ok
}
