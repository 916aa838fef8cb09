package api

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/headspace/headspace/internal/api/apierr"
	"github.com/headspace/headspace/internal/events"
	"github.com/headspace/headspace/internal/events/bus"
	"github.com/headspace/headspace/internal/models"
	"github.com/headspace/headspace/internal/store"
)

type createProjectRequest struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

type updateProjectRequest struct {
	Name *string `json:"name"`
	Path *string `json:"path"`
}

func (s *Server) handleCreateProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.Write(c, apierr.Validation("invalid request body"))
		return
	}
	if req.Path == "" {
		apierr.Write(c, apierr.Validation("path is required"))
		return
	}

	p := &models.Project{
		Name: req.Name,
		Path: filepath.Clean(req.Path),
	}
	if p.Name == "" {
		p.Name = filepath.Base(p.Path)
	}

	if err := s.deps.Repo.CreateProject(c.Request.Context(), p); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			apierr.Write(c, apierr.Validation("a project with this path already exists"))
			return
		}
		s.logger.Error("create project failed", zap.Error(err))
		apierr.Write(c, apierr.Internal())
		return
	}

	s.recordProjectEvent(c.Request.Context(), p,
		models.EventProjectCreated, events.ProjectCreated)
	c.JSON(http.StatusCreated, p)
}

func (s *Server) handleListProjects(c *gin.Context) {
	var (
		projects []*models.Project
		err      error
	)
	if q := strings.TrimSpace(c.Query("q")); q != "" {
		projects, err = s.deps.Repo.SearchProjects(c.Request.Context(), q)
	} else {
		projects, err = s.deps.Repo.ListProjects(c.Request.Context())
	}
	if err != nil {
		s.logger.Error("list projects failed", zap.Error(err))
		apierr.Write(c, apierr.Internal())
		return
	}
	if projects == nil {
		projects = []*models.Project{}
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (s *Server) handleGetProject(c *gin.Context) {
	id := c.Param("id")
	p, err := s.deps.Repo.GetProject(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierr.Write(c, apierr.NotFound("project "+id+" not found"))
			return
		}
		s.logger.Error("get project failed", zap.String("project_id", id), zap.Error(err))
		apierr.Write(c, apierr.Internal())
		return
	}

	sessions, err := s.deps.Repo.ListSessionsByProject(c.Request.Context(), p.ID)
	if err != nil {
		s.logger.Error("list project sessions failed", zap.String("project_id", id), zap.Error(err))
		apierr.Write(c, apierr.Internal())
		return
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	c.JSON(http.StatusOK, gin.H{"project": p, "sessions": sessions})
}

func (s *Server) handleUpdateProject(c *gin.Context) {
	id := c.Param("id")
	var req updateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.Write(c, apierr.Validation("invalid request body"))
		return
	}
	if req.Name == nil && req.Path == nil {
		apierr.Write(c, apierr.Validation("nothing to update"))
		return
	}

	p, err := s.deps.Repo.GetProject(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierr.Write(c, apierr.NotFound("project "+id+" not found"))
			return
		}
		s.logger.Error("get project failed", zap.String("project_id", id), zap.Error(err))
		apierr.Write(c, apierr.Internal())
		return
	}

	if req.Name != nil {
		p.Name = *req.Name
	}
	if req.Path != nil {
		if *req.Path == "" {
			apierr.Write(c, apierr.Validation("path cannot be empty"))
			return
		}
		p.Path = filepath.Clean(*req.Path)
	}

	if err := s.deps.Repo.UpdateProject(c.Request.Context(), p); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			apierr.Write(c, apierr.NotFound("project "+id+" not found"))
		case errors.Is(err, store.ErrDuplicate):
			apierr.Write(c, apierr.Validation("a project with this path already exists"))
		default:
			s.logger.Error("update project failed", zap.String("project_id", id), zap.Error(err))
			apierr.Write(c, apierr.Internal())
		}
		return
	}

	s.recordProjectEvent(c.Request.Context(), p,
		models.EventProjectUpdated, events.ProjectUpdated)
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleDeleteProject(c *gin.Context) {
	id := c.Param("id")
	p, err := s.deps.Repo.GetProject(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierr.Write(c, apierr.NotFound("project "+id+" not found"))
			return
		}
		s.logger.Error("get project failed", zap.String("project_id", id), zap.Error(err))
		apierr.Write(c, apierr.Internal())
		return
	}

	if err := s.deps.Repo.DeleteProject(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierr.Write(c, apierr.NotFound("project "+id+" not found"))
			return
		}
		s.logger.Error("delete project failed", zap.String("project_id", id), zap.Error(err))
		apierr.Write(c, apierr.Internal())
		return
	}

	s.recordProjectEvent(c.Request.Context(), p,
		models.EventProjectDeleted, events.ProjectDeleted)
	c.Status(http.StatusNoContent)
}

// recordProjectEvent appends the audit row and mirrors it onto the bus so
// subscribers see the change live. Failures here never fail the request.
// The deleted event keeps the project id in the payload only; the row's
// foreign key cannot reference a project that is already gone.
func (s *Server) recordProjectEvent(ctx context.Context, p *models.Project, stored, subject string) {
	ev := &models.Event{
		Type: stored,
		Payload: map[string]interface{}{
			"project_id": p.ID,
			"name":       p.Name,
			"path":       p.Path,
		},
	}
	if stored != models.EventProjectDeleted {
		ev.ProjectID = &p.ID
	}
	if err := s.deps.Repo.AppendEvent(ctx, ev); err != nil {
		s.logger.Warn("project event append failed",
			zap.String("project_id", p.ID), zap.Error(err))
	}
	if s.deps.Bus == nil {
		return
	}
	data := map[string]interface{}{
		"event_id":   ev.ID,
		"project_id": p.ID,
		"name":       p.Name,
		"path":       p.Path,
	}
	if err := s.deps.Bus.Publish(ctx, subject+"."+p.ID, bus.NewEvent(subject, "api", data)); err != nil {
		s.logger.Warn("project event publish failed",
			zap.String("project_id", p.ID), zap.Error(err))
	}
}
