package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"e2ee-relay/internal/auth"
	"e2ee-relay/internal/conversation"
	"e2ee-relay/internal/handler"
	"e2ee-relay/internal/keydir"
	"e2ee-relay/internal/middleware"
)

type Deps struct {
	TokenConfig   auth.TokenConfig
	Directory     *keydir.Directory
	Conversations *conversation.Store
	Gateway       http.Handler
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/socket.io/*any", gin.WrapH(deps.Gateway))

	protected := r.Group("/v1")
	protected.Use(middleware.RequireAuth(deps.TokenConfig))

	deviceHandler := &handler.DeviceHandler{Directory: deps.Directory}
	registerLimiter := middleware.NewRateLimiter(10, time.Minute)
	protected.POST("/devices", middleware.RateLimitMiddleware(registerLimiter), deviceHandler.Register)
	protected.GET("/users/:id/public-keys", deviceHandler.PublicKeys)

	conversationHandler := &handler.ConversationHandler{Store: deps.Conversations, Directory: deps.Directory}
	protected.POST("/conversations/:id/participants", conversationHandler.AddParticipant)
	protected.PUT("/conversations/:id/device", conversationHandler.BindDevice)
	protected.POST("/conversations/key", conversationHandler.StoreKey)
	protected.GET("/conversations/:id/key", conversationHandler.FetchKey)

	return r
}
