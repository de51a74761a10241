package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"e2ee-relay/internal/keydir"
	"e2ee-relay/internal/middleware"
)

type DeviceHandler struct {
	Directory *keydir.Directory
}

type registerDeviceBody struct {
	PublicKey string `json:"publicKey"`
}

// Register creates a device record for the calling user and returns the
// generated device uuid. The public key is stored opaque; the relay never
// inspects key material.
func (h *DeviceHandler) Register(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body registerDeviceBody
	if err := c.ShouldBindJSON(&body); err != nil || body.PublicKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	deviceUUID := h.Directory.RegisterDevice(userID, body.PublicKey)
	c.JSON(http.StatusCreated, gin.H{"deviceUuid": deviceUUID})
}

// PublicKeys lists every registered device key of a user, so a sender can
// wrap payloads per device.
func (h *DeviceHandler) PublicKeys(c *gin.Context) {
	targetID := c.Param("id")
	devices := h.Directory.ListDeviceKeys(targetID)
	if len(devices) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "No devices registered for user"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"userId": targetID, "devices": devices})
}
