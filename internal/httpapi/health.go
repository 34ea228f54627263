package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const healthMessage = "Gateway Service is healthy and OK"

func (h Handlers) GatewayHealth(c *gin.Context) {
	c.String(http.StatusOK, healthMessage)
}

// Healthz reports readiness: the shared cache must answer a ping.
func (h Handlers) Healthz(c *gin.Context) {
	if h.Cache == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.Cache.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "cache": "unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "cache": "ok"})
}
