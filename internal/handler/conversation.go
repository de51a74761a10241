package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"e2ee-relay/internal/conversation"
	"e2ee-relay/internal/keydir"
	"e2ee-relay/internal/middleware"
)

type ConversationHandler struct {
	Store     *conversation.Store
	Directory *keydir.Directory
}

type addParticipantBody struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

// AddParticipant mirrors a conversation membership row into the relay so
// routing and key lookups can resolve it.
func (h *ConversationHandler) AddParticipant(c *gin.Context) {
	if _, ok := middleware.UserIDFromContext(c); !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	conversationID := c.Param("id")
	var body addParticipantBody
	if err := c.ShouldBindJSON(&body); err != nil || body.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	participantID := h.Store.AddParticipant(conversationID, body.UserID, body.Role)
	c.JSON(http.StatusOK, gin.H{"participantId": participantID})
}

type bindDeviceBody struct {
	DeviceUUID string `json:"deviceUuid"`
}

// BindDevice designates which of the calling user's devices this private
// conversation routes to.
func (h *ConversationHandler) BindDevice(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	conversationID := c.Param("id")
	var body bindDeviceBody
	if err := c.ShouldBindJSON(&body); err != nil || body.DeviceUUID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if err := h.Store.BindDevice(conversationID, userID, body.DeviceUUID); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type storeWrappedKeyBody struct {
	ConversationID    string `json:"conversationId"`
	DeviceUUID        string `json:"deviceUuid"`
	EncryptedGroupKey string `json:"encryptedGroupKey"`
}

// StoreKey saves the caller's wrapped group key for one of their devices.
// The key is already encrypted to that device; the relay just stores bytes.
func (h *ConversationHandler) StoreKey(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body storeWrappedKeyBody
	if err := c.ShouldBindJSON(&body); err != nil ||
		body.ConversationID == "" || body.DeviceUUID == "" || body.EncryptedGroupKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	participantID, ok := h.Store.ParticipantID(body.ConversationID, userID)
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": conversation.ErrNotParticipant.Error()})
		return
	}

	h.Directory.StoreWrappedGroupKey(participantID, body.DeviceUUID, body.EncryptedGroupKey)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// FetchKey returns the caller's own wrapped group key for the conversation,
// or an explicit null when none is stored yet. A missing key is a normal
// first-fetch state, not an error.
func (h *ConversationHandler) FetchKey(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	conversationID := c.Param("id")
	key, found := h.Directory.FetchWrappedGroupKey(conversationID, userID)
	if !found {
		c.JSON(http.StatusOK, gin.H{"encryptedGroupKey": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"encryptedGroupKey": key})
}
