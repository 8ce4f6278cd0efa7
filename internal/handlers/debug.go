package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"messaging-service/internal/observability"
	"messaging-service/internal/telemetry"
)

// Pinger reports database reachability.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Healthz answers 200 when the database responds and 503 otherwise.
func Healthz(db Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router *gin.Engine, emitter *telemetry.AuditEmitter, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"message": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), "INFO", telemetry.ActionAuditTest, "audit test", observability.RequestID(c), 0)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
