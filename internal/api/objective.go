package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/headspace/headspace/internal/api/apierr"
	"github.com/headspace/headspace/internal/events"
	"github.com/headspace/headspace/internal/events/bus"
	"github.com/headspace/headspace/internal/models"
)

const defaultObjectiveHistory = 20

type setObjectiveRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleGetObjective(c *gin.Context) {
	obj, err := s.deps.Repo.GetObjective(c.Request.Context())
	if err != nil {
		s.logger.Error("get objective failed", zap.Error(err))
		apierr.Write(c, apierr.Internal())
		return
	}

	limit := defaultObjectiveHistory
	if raw := c.Query("history"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			limit = n
		}
	}
	resp := gin.H{"objective": obj}
	if limit > 0 {
		history, err := s.deps.Repo.ListObjectiveHistory(c.Request.Context(), limit)
		if err != nil {
			s.logger.Error("list objective history failed", zap.Error(err))
			apierr.Write(c, apierr.Internal())
			return
		}
		if history == nil {
			history = []*models.ObjectiveHistory{}
		}
		resp["history"] = history
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSetObjective(c *gin.Context) {
	var req setObjectiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.Write(c, apierr.Validation("invalid request body"))
		return
	}
	if req.Text == "" {
		apierr.Write(c, apierr.Validation("text is required"))
		return
	}

	current, err := s.deps.Repo.GetObjective(c.Request.Context())
	if err != nil {
		s.logger.Error("get objective failed", zap.Error(err))
		apierr.Write(c, apierr.Internal())
		return
	}
	if current.Text == req.Text {
		// Unchanged text neither rotates the history nor emits an event.
		c.JSON(http.StatusOK, gin.H{"objective": current})
		return
	}

	updated, err := s.deps.Repo.SetObjective(c.Request.Context(), req.Text)
	if err != nil {
		s.logger.Error("set objective failed", zap.Error(err))
		apierr.Write(c, apierr.Internal())
		return
	}

	ev := &models.Event{
		Type:    models.EventObjectiveUpdated,
		Payload: map[string]interface{}{"text": updated.Text},
	}
	if err := s.deps.Repo.AppendEvent(c.Request.Context(), ev); err != nil {
		s.logger.Warn("objective event append failed", zap.Error(err))
	}
	if s.deps.Bus != nil {
		data := map[string]interface{}{
			"event_id": ev.ID,
			"text":     updated.Text,
		}
		busEv := bus.NewEvent(events.HeadspaceUpdate, "api", data)
		if err := s.deps.Bus.Publish(c.Request.Context(), events.HeadspaceUpdate, busEv); err != nil {
			s.logger.Warn("objective event publish failed", zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, gin.H{"objective": updated})
}
