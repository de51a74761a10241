package model

import "encoding/json"

type MessageStatus string

const (
	StatusSent MessageStatus = "SENT"
	StatusSeen MessageStatus = "SEEN"
)

// MessageEnvelope carries ciphertext between devices. The server never
// inspects Content; it only routes by the addressing fields. ID is
// client-generated and globally unique so duplicate redelivery from the
// offline queue can be deduplicated client-side.
type MessageEnvelope struct {
	ID                 string `json:"id"`
	ConversationID     string `json:"conversationId"`
	SenderID           string `json:"senderId"`
	ReceiverID         string `json:"receiverId,omitempty"`
	GroupID            string `json:"groupId,omitempty"`
	Content            string `json:"content"`
	IV                 string `json:"iv"`
	EphemeralPublicKey string `json:"ephemeralPublicKey,omitempty"`
	CreatedAt          int64  `json:"createdAt"`
}

// UserReceipt is one per-user read receipt of a group message.
type UserReceipt struct {
	UserID string        `json:"userId"`
	Status MessageStatus `json:"status"`
}

type Participant struct {
	UserID string
	Role   string
}

type DeviceKey struct {
	DeviceUUID string `json:"deviceUuid"`
	PublicKey  string `json:"publicKey"`
}

// WrappedGroupKey is a conversation's symmetric key re-encrypted for one
// participant device. Unique per (participant, device) pair.
type WrappedGroupKey struct {
	ParticipantID     string
	DeviceUUID        string
	EncryptedGroupKey string
	UpdatedAt         int64
}

// PresenceSnapshot is the online-users broadcast payload.
type PresenceSnapshot struct {
	OnlineUsers map[string]bool   `json:"onlineUsers"`
	LastSeen    map[string]string `json:"lastSeen"`
}

type OfferPayload struct {
	Offer      json.RawMessage `json:"offer"`
	ReceiverID string          `json:"receiverId"`
	IsVideo    bool            `json:"isVideo"`
}

type AnswerPayload struct {
	Answer     json.RawMessage `json:"answer"`
	ReceiverID string          `json:"receiverId"`
}

type IceCandidatePayload struct {
	Candidate  json.RawMessage `json:"candidate"`
	ReceiverID string          `json:"receiverId"`
}

type CallActionPayload struct {
	ReceiverID string `json:"receiverId"`
}
