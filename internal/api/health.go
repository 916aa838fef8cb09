package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const healthPingTimeout = 2 * time.Second

func (s *Server) handleHealth(c *gin.Context) {
	status := "healthy"

	database := "up"
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthPingTimeout)
	defer cancel()
	if err := s.deps.Repo.DB().PingContext(ctx); err != nil {
		s.logger.Warn("database ping failed", zap.Error(err))
		database = "down"
		status = "degraded"
	}

	resp := gin.H{
		"status":     status,
		"database":   database,
		"uptime_sec": int64(time.Since(s.started).Seconds()),
	}
	if s.deps.Caster != nil {
		resp["broadcaster"] = gin.H{"subscribers": s.deps.Caster.SubscriberCount()}
	}
	if s.deps.Workers != nil {
		workers := s.deps.Workers.Health()
		resp["workers"] = workers
		for _, state := range workers {
			if state != "running" {
				status = "degraded"
				resp["status"] = status
				break
			}
		}
	}

	code := http.StatusOK
	if database == "down" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}
