package main

import (
	"fmt"
	"log"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"e2ee-relay/internal/auth"
	"e2ee-relay/internal/call"
	"e2ee-relay/internal/config"
	"e2ee-relay/internal/conversation"
	"e2ee-relay/internal/keydir"
	"e2ee-relay/internal/logging"
	"e2ee-relay/internal/metrics"
	"e2ee-relay/internal/presence"
	"e2ee-relay/internal/queue"
	"e2ee-relay/internal/router"
	"e2ee-relay/internal/server"
	"e2ee-relay/internal/socketio"
)

func main() {
	cfg, err := config.Load(os.Getenv("RELAY_CONFIG"))
	if err != nil {
		log.Fatal(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	gin.SetMode(cfg.GinMode)

	tokenCfg := auth.TokenConfig{
		Secret: cfg.MasterSecret,
		Expiry: cfg.TokenExpiry,
		Issuer: auth.Issuer,
	}

	presenceReg := presence.NewRegistry()
	conversations := conversation.NewStore()
	directory := keydir.NewDirectory(conversations)
	m := metrics.New(prometheus.DefaultRegisterer)

	gateway := socketio.NewServer(socketio.Deps{
		Presence:    presenceReg,
		TokenConfig: tokenCfg,
		Metrics:     m,
		Log:         logger,
	})

	mailbox := queue.New(queue.Options{
		URL:           cfg.AMQPURL,
		MaxReconnects: cfg.BrokerMaxReconnects,
		AckTimeout:    cfg.DeliveryAckTimeout,
	}, gateway, gateway, m, logger)
	if err := mailbox.Connect(); err != nil {
		// Live routing works without the broker; offline messages are lost
		// until it comes back.
		logger.Warn("broker unavailable at startup", zap.Error(err))
	}
	defer mailbox.Close()

	messageRouter := router.New(presenceReg, conversations, mailbox, gateway, m, logger)
	callRelay := call.New(presenceReg, gateway, m, logger, cfg.RingTimeout)
	gateway.Wire(messageRouter, callRelay, mailbox)

	stopSweep := gateway.StartStaleSweep(cfg.SweepInterval)
	defer stopSweep()

	engine := server.NewRouter(server.Deps{
		TokenConfig:   tokenCfg,
		Directory:     directory,
		Conversations: conversations,
		Gateway:       gateway,
	})

	logger.Info("relay listening", zap.String("addr", fmt.Sprintf(":%d", cfg.Port)))
	log.Fatal(server.Run(cfg, engine))
}
