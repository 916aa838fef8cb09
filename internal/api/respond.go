package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/headspace/headspace/internal/api/apierr"
	"github.com/headspace/headspace/internal/bridge"
	"github.com/headspace/headspace/internal/models"
)

// Respond modes. An answer requires the session to be waiting on input; a
// command is a deliberate new instruction and skips that guard.
const (
	modeAnswer  = "answer"
	modeCommand = "command"
)

type respondRequest struct {
	Text string `json:"text"`
	Mode string `json:"mode"`
}

func (s *Server) handleRespond(c *gin.Context) {
	var req respondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.Write(c, apierr.Validation("invalid request body"))
		return
	}
	if req.Text == "" {
		apierr.Write(c, apierr.Validation("text is required"))
		return
	}
	mode := req.Mode
	if mode == "" {
		mode = modeAnswer
	}
	if mode != modeAnswer && mode != modeCommand {
		apierr.Write(c, apierr.Validation("mode must be answer or command"))
		return
	}

	sess, err := s.lookupSession(c, c.Param("session_id"))
	if err != nil {
		return
	}
	if !sess.Active {
		apierr.Write(c, apierr.WrongState("session has ended"))
		return
	}
	if mode == modeAnswer && sess.State != models.TaskStateAwaitingInput {
		apierr.Write(c, apierr.WrongState(
			"session is "+string(sess.State)+", not awaiting input"))
		return
	}

	res, err := s.deps.Sender.Deliver(c.Request.Context(), sess, req.Text)
	if err != nil {
		switch {
		case errors.Is(err, bridge.ErrPaneUnavailable):
			apierr.Write(c, apierr.PaneUnavailable("session pane is not available"))
		case errors.Is(err, bridge.ErrSendFailed):
			apierr.Write(c, apierr.SendFailed("pane did not accept the text"))
		default:
			s.logger.Error("respond failed", zap.String("session_id", sess.ID), zap.Error(err))
			apierr.Write(c, apierr.Internal())
		}
		return
	}

	resp := gin.H{"status": "delivered", "state": res.To}
	if res.Turn != nil {
		resp["turn_id"] = res.Turn.ID
	}
	c.JSON(http.StatusOK, resp)
}
