package api

import (
	"errors"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/headspace/headspace/internal/api/apierr"
	"github.com/headspace/headspace/internal/correlator"
	"github.com/headspace/headspace/internal/lifecycle"
	"github.com/headspace/headspace/internal/models"
	"github.com/headspace/headspace/internal/store"
)

// sessionTurnLimit caps the conversation tail in the detail view.
const sessionTurnLimit = 50

// sessionEventLimit caps the event tail in the detail view.
const sessionEventLimit = 20

type registerSessionRequest struct {
	ExternalSessionID string `json:"external_session_id"`
	ProjectPath       string `json:"project_path"`
	PaneHandle        string `json:"pane_handle"`
	TmuxSession       string `json:"tmux_session"`
	PersonaSlug       string `json:"persona_slug"`
	PreviousSessionID string `json:"previous_session_id"`
}

func (s *Server) handleRegisterSession(c *gin.Context) {
	var req registerSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.Write(c, apierr.Validation("invalid request body"))
		return
	}
	if req.ExternalSessionID == "" {
		apierr.Write(c, apierr.Validation("external_session_id is required"))
		return
	}
	if req.ProjectPath == "" {
		apierr.Write(c, apierr.Validation("project_path is required"))
		return
	}

	hint := correlator.Hint{
		ExternalID:    req.ExternalSessionID,
		WorkDir:       filepath.Clean(req.ProjectPath),
		PaneID:        req.PaneHandle,
		TmuxSession:   req.TmuxSession,
		PersonaSlug:   req.PersonaSlug,
		PredecessorID: req.PreviousSessionID,
	}
	in := lifecycle.Input{
		Actor:      models.ActorUser,
		Timestamp:  time.Now().UTC(),
		Source:     models.TimestampSourceServer,
		Provenance: lifecycle.ProvenanceAPI,
	}

	res, err := s.deps.Engine.ProcessHook(c.Request.Context(), hint, in)
	if err != nil {
		if errors.Is(err, correlator.ErrUnregisteredProject) {
			apierr.Write(c, apierr.UnregisteredProject(hint.WorkDir))
			return
		}
		s.logger.Error("session registration failed",
			zap.String("external_id", req.ExternalSessionID), zap.Error(err))
		apierr.Write(c, apierr.Internal())
		return
	}

	// Re-read for the joined project name; the lifecycle result carries the
	// bare row.
	sess, err := s.deps.Repo.GetSession(c.Request.Context(), res.Session.ID)
	if err != nil {
		sess = res.Session
	}

	status := http.StatusCreated
	if !res.Created {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"id":           sess.ID,
		"project_id":   sess.ProjectID,
		"project_name": sess.ProjectName,
	})
}

func (s *Server) handleListSessions(c *gin.Context) {
	activeOnly := c.Query("active") == "true"
	sessions, err := s.deps.Repo.ListSessions(c.Request.Context(), activeOnly)
	if err != nil {
		s.logger.Error("list sessions failed", zap.Error(err))
		apierr.Write(c, apierr.Internal())
		return
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	for _, sess := range sessions {
		s.overlayPaneLiveness(sess)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.lookupSession(c, c.Param("id"))
	if err != nil {
		return
	}
	s.overlayPaneLiveness(sess)

	detail := gin.H{"session": sess}

	task, err := s.deps.Repo.GetCurrentTask(c.Request.Context(), sess.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("get current task failed", zap.String("session_id", sess.ID), zap.Error(err))
		apierr.Write(c, apierr.Internal())
		return
	}
	if task != nil {
		detail["task"] = task
		if task.State == models.TaskStateAwaitingInput {
			q, err := s.deps.Repo.LatestQuestion(c.Request.Context(), task.ID)
			if err == nil {
				detail["latest_question"] = q
			} else if !errors.Is(err, store.ErrNotFound) {
				s.logger.Warn("latest question lookup failed",
					zap.String("task_id", task.ID), zap.Error(err))
			}
		}
	}

	turns, err := s.deps.Repo.ListTurnsBySession(c.Request.Context(), sess.ID, sessionTurnLimit)
	if err != nil {
		s.logger.Error("list turns failed", zap.String("session_id", sess.ID), zap.Error(err))
		apierr.Write(c, apierr.Internal())
		return
	}
	if turns == nil {
		turns = []*models.Turn{}
	}
	detail["turns"] = turns

	events, err := s.deps.Repo.ListEventsBySession(c.Request.Context(), sess.ID, sessionEventLimit)
	if err != nil {
		s.logger.Error("list events failed", zap.String("session_id", sess.ID), zap.Error(err))
		apierr.Write(c, apierr.Internal())
		return
	}
	if events == nil {
		events = []*models.Event{}
	}
	detail["events"] = events

	c.JSON(http.StatusOK, detail)
}

func (s *Server) handleEndSession(c *gin.Context) {
	sess, err := s.lookupSession(c, c.Param("id"))
	if err != nil {
		return
	}
	if !sess.Active {
		c.Status(http.StatusNoContent)
		return
	}

	_, err = s.deps.Engine.Apply(c.Request.Context(), lifecycle.Input{
		SessionID:  sess.ID,
		Trigger:    lifecycle.TriggerSessionEnd,
		Actor:      models.ActorUser,
		Timestamp:  time.Now().UTC(),
		Source:     models.TimestampSourceServer,
		Provenance: lifecycle.ProvenanceAPI,
	})
	if err != nil {
		s.logger.Error("end session failed", zap.String("session_id", sess.ID), zap.Error(err))
		apierr.Write(c, apierr.Internal())
		return
	}
	c.Status(http.StatusNoContent)
}

// lookupSession resolves a path parameter that may be either the launcher's
// external id or the canonical id. On failure it writes the error response
// and returns a non-nil error.
func (s *Server) lookupSession(c *gin.Context, id string) (*models.Session, error) {
	sess, err := s.deps.Repo.GetSessionByExternalID(c.Request.Context(), id)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("session lookup failed", zap.String("session_id", id), zap.Error(err))
		apierr.Write(c, apierr.Internal())
		return nil, err
	}

	sess, err = s.deps.Repo.GetSession(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierr.Write(c, apierr.NotFound("session "+id+" not found"))
			return nil, err
		}
		s.logger.Error("session lookup failed", zap.String("session_id", id), zap.Error(err))
		apierr.Write(c, apierr.Internal())
		return nil, err
	}
	return sess, nil
}

// overlayPaneLiveness prefers the availability cache over the persisted
// column so responses reflect the latest probe between sweeps.
func (s *Server) overlayPaneLiveness(sess *models.Session) {
	if s.deps.Avail == nil || sess.PaneID == "" {
		return
	}
	if alive, ok := s.deps.Avail.IsAlive(sess.ID); ok {
		sess.PaneAlive = alive
	}
}
