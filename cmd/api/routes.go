package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"call-relay/internal/bot"
	"call-relay/internal/config"
	"call-relay/internal/pipeline"
	"call-relay/internal/telegram"
	"call-relay/internal/webhook"
	"call-relay/pkg/logger"
	"call-relay/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

type routeDeps struct {
	base       context.Context
	cfg        config.Config
	db         *sql.DB
	rdb        *redis.Client
	pipeline   *pipeline.Service
	dispatcher *bot.Dispatcher
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), d.db, 2*time.Second); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "db": err.Error()})
			return
		}
		if err := d.rdb.Ping(c.Request.Context()).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "redis": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// CRM call-result webhook (public, always 200).
	wh := &webhook.Handler{Pipeline: d.pipeline, Base: d.base}
	r.POST("/webhooks/calls", wh.HandleCallResult)

	// Bot updates in webhook mode. The token in the path is the shared
	// secret, mirroring the platform's recommended setup.
	r.POST("/bot/:token", func(c *gin.Context) {
		if c.Param("token") != d.cfg.Bot.Token {
			c.Status(http.StatusNotFound)
			return
		}
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
		if err != nil {
			c.Status(http.StatusOK)
			return
		}
		var u telegram.Update
		if err := json.Unmarshal(body, &u); err != nil {
			logger.FromGin(c).Warn("bot update decode failed", "err", err)
			c.Status(http.StatusOK)
			return
		}
		d.dispatcher.HandleUpdate(d.base, u)
		c.Status(http.StatusOK)
	})
}
