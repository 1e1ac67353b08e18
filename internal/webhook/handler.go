package webhook

import (
	"context"
	"io"
	"net/http"

	"call-relay/internal/pipeline"
	"call-relay/pkg/logger"

	"github.com/gin-gonic/gin"
)

// maxBodySize bounds webhook bodies; the CRM payloads are small JSON.
const maxBodySize = 1 << 20

// Handler accepts CRM call-result webhooks.
//
// Contract: the response is always 200. The CRM treats non-2xx as a
// delivery failure and retries aggressively; internal outcomes are
// observable through logs and the call log only.
type Handler struct {
	Pipeline *pipeline.Service

	// Base is the context deliveries run under. It must outlive the HTTP
	// request: the recording wait alone exceeds any sane request deadline.
	Base context.Context
}

func (h *Handler) HandleCallResult(c *gin.Context) {
	log := logger.FromGin(c)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodySize))
	if err != nil {
		log.Warn("webhook body read failed", "err", err)
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}

	ev := ParseCallEvent(body)
	if ev.CallID != 0 {
		log.Debug("call event accepted", "call_id", ev.CallID, "scenario_id", ev.ScenarioID)
	}
	h.Pipeline.Enqueue(h.Base, ev)

	c.JSON(http.StatusOK, gin.H{"ok": true})
}
