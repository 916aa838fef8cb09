// Package correlator resolves inbound hook traffic to canonical session rows.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/headspace/headspace/internal/common/config"
	"github.com/headspace/headspace/internal/common/logger"
	"github.com/headspace/headspace/internal/models"
	"github.com/headspace/headspace/internal/store"
)

// ErrUnregisteredProject means no registered project covers the working
// directory. Projects are never created from hook traffic; the caller must
// register one first.
var ErrUnregisteredProject = errors.New("project not registered")

// Strategy identifies which resolution rule matched.
type Strategy string

const (
	// StrategyExternalID matched the agent-assigned session UUID.
	StrategyExternalID Strategy = "external_id"
	// StrategyProjectPath matched an active session whose project path
	// equals the working directory.
	StrategyProjectPath Strategy = "project_path"
	// StrategyPathPrefix matched an active session of the closest project
	// whose path contains the working directory.
	StrategyPathPrefix Strategy = "path_prefix"
	// StrategyPaneClaim claimed a launcher-registered session by pane.
	StrategyPaneClaim Strategy = "pane_claim"
	// StrategyPredecessor created a continuation of a predecessor session.
	StrategyPredecessor Strategy = "predecessor"
	// StrategyNewSession created a fresh session under a registered project.
	StrategyNewSession Strategy = "new_session"
)

// Hint carries the identifiers an inbound hook or registration offers.
type Hint struct {
	ExternalID    string
	WorkDir       string
	PaneID        string
	TmuxSession   string
	PersonaSlug   string
	PredecessorID string
}

// Resolution is a successful session match.
type Resolution struct {
	Session  *models.Session
	Strategy Strategy
	Created  bool
}

// Correlator maps hints to sessions. Reads go against committed state; all
// writes join the caller's transaction so a hook's side effects land
// atomically with the rest of its processing.
type Correlator struct {
	repo        *store.Repository
	claimWindow time.Duration
	logger      *logger.Logger
}

// New creates a correlator.
func New(repo *store.Repository, cfg config.CorrelatorConfig, log *logger.Logger) *Correlator {
	return &Correlator{
		repo:        repo,
		claimWindow: cfg.ClaimWindowDuration(),
		logger:      log.WithFields(zap.String("component", "correlator")),
	}
}

// Resolve finds or creates the session a hint refers to. Strategies run in
// order and the first match wins:
//
//  1. exact external session id
//  2. active session whose project path equals the working directory
//  3. active session of the closest project containing the working directory
//  4. unclaimed launcher session on the same pane inside the claim window
//  5. continuation of the predecessor session's project
//  6. new session under the project registered for the working directory
//
// Matches other than (1) adopt the hint's external id, pane and tmux name in
// the same transaction. A working directory no project covers fails with
// ErrUnregisteredProject.
func (c *Correlator) Resolve(ctx context.Context, tx *sqlx.Tx, hint Hint, seenAt time.Time) (*Resolution, error) {
	if hint.ExternalID != "" {
		session, err := c.repo.GetSessionByExternalID(ctx, hint.ExternalID)
		if err == nil {
			return c.adopt(ctx, tx, session, hint, seenAt, StrategyExternalID)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	workDir := cleanPath(hint.WorkDir)

	if workDir != "" {
		project, err := c.repo.GetProjectByPath(ctx, workDir)
		if err == nil {
			session, err := c.repo.GetLatestActiveSessionByProject(ctx, project.ID)
			if err == nil {
				return c.adopt(ctx, tx, session, hint, seenAt, StrategyProjectPath)
			}
			if !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}

		closest, err := c.closestProject(ctx, workDir)
		if err != nil {
			return nil, err
		}
		if closest != nil && closest.Path != workDir {
			session, err := c.repo.GetLatestActiveSessionByProject(ctx, closest.ID)
			if err == nil {
				return c.adopt(ctx, tx, session, hint, seenAt, StrategyPathPrefix)
			}
			if !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
		}
	}

	if hint.PaneID != "" {
		cutoff := seenAt.Add(-c.claimWindow)
		session, err := c.repo.GetUnclaimedSessionByPane(ctx, hint.PaneID, cutoff)
		if err == nil {
			return c.adopt(ctx, tx, session, hint, seenAt, StrategyPaneClaim)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	if hint.PredecessorID != "" {
		predecessor, err := c.repo.GetSessionByExternalID(ctx, hint.PredecessorID)
		if err == nil {
			return c.continueFrom(ctx, tx, predecessor, hint, seenAt)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	return c.createUnder(ctx, tx, workDir, hint, seenAt)
}

// adopt applies the hint's identifiers to a matched session. The external id
// match only refreshes pane, tmux name and last-seen; every other strategy
// also takes over the external id.
func (c *Correlator) adopt(ctx context.Context, tx *sqlx.Tx, session *models.Session, hint Hint, seenAt time.Time, strategy Strategy) (*Resolution, error) {
	externalID := hint.ExternalID
	if strategy == StrategyExternalID {
		externalID = ""
	}
	if err := c.repo.AdoptSessionTx(ctx, tx, session.ID, externalID, hint.PaneID, hint.TmuxSession, seenAt); err != nil {
		return nil, err
	}
	if externalID != "" {
		session.ExternalID = externalID
	}
	if hint.PaneID != "" {
		session.PaneID = hint.PaneID
	}
	if hint.TmuxSession != "" {
		session.TmuxSession = hint.TmuxSession
	}
	session.Active = true
	session.LastSeenAt = seenAt

	if hint.PersonaSlug != "" && hint.PersonaSlug != session.PersonaSlug {
		if err := c.repo.SetSessionPersonaTx(ctx, tx, session.ID, hint.PersonaSlug); err != nil {
			return nil, err
		}
		session.PersonaSlug = hint.PersonaSlug
	}

	c.logger.WithSessionID(session.ID).Debug("session resolved",
		zap.String("strategy", string(strategy)), zap.String("external_id", session.ExternalID))
	return &Resolution{Session: session, Strategy: strategy}, nil
}

// continueFrom starts a new session in the predecessor's project, keeping
// the continuity chain and inheriting the persona unless the hint overrides
// it.
func (c *Correlator) continueFrom(ctx context.Context, tx *sqlx.Tx, predecessor *models.Session, hint Hint, seenAt time.Time) (*Resolution, error) {
	persona := hint.PersonaSlug
	if persona == "" {
		persona = predecessor.PersonaSlug
	}
	paneID := hint.PaneID
	if paneID == "" {
		paneID = predecessor.PaneID
	}
	tmuxSession := hint.TmuxSession
	if tmuxSession == "" {
		tmuxSession = predecessor.TmuxSession
	}

	session := &models.Session{
		ExternalID:    hint.ExternalID,
		ProjectID:     predecessor.ProjectID,
		PersonaSlug:   persona,
		PaneID:        paneID,
		TmuxSession:   tmuxSession,
		PredecessorID: &predecessor.ID,
		StartedAt:     seenAt,
		LastSeenAt:    seenAt,
	}
	if err := c.repo.CreateSessionTx(ctx, tx, session); err != nil {
		return nil, err
	}
	session.ProjectName = predecessor.ProjectName
	session.ProjectPath = predecessor.ProjectPath
	session.State = models.TaskStateIdle

	c.logger.WithSessionID(session.ID).Debug("session continued",
		zap.String("predecessor", predecessor.ID))
	return &Resolution{Session: session, Strategy: StrategyPredecessor, Created: true}, nil
}

// createUnder registers a new session for the project covering workDir.
func (c *Correlator) createUnder(ctx context.Context, tx *sqlx.Tx, workDir string, hint Hint, seenAt time.Time) (*Resolution, error) {
	if workDir == "" {
		return nil, fmt.Errorf("no working directory in hint: %w", ErrUnregisteredProject)
	}

	project, err := c.repo.GetProjectByPath(ctx, workDir)
	if errors.Is(err, store.ErrNotFound) {
		closest, cerr := c.closestProject(ctx, workDir)
		if cerr != nil {
			return nil, cerr
		}
		if closest == nil {
			c.logger.Warn("no project registered for working directory",
				zap.String("work_dir", workDir))
			return nil, fmt.Errorf("working directory %s: %w", workDir, ErrUnregisteredProject)
		}
		project = closest
	} else if err != nil {
		return nil, err
	}

	session := &models.Session{
		ExternalID:  hint.ExternalID,
		ProjectID:   project.ID,
		PersonaSlug: hint.PersonaSlug,
		PaneID:      hint.PaneID,
		TmuxSession: hint.TmuxSession,
		StartedAt:   seenAt,
		LastSeenAt:  seenAt,
	}
	if err := c.repo.CreateSessionTx(ctx, tx, session); err != nil {
		return nil, err
	}
	session.ProjectName = project.Name
	session.ProjectPath = project.Path
	session.State = models.TaskStateIdle

	c.logger.WithSessionID(session.ID).WithProjectID(project.ID).Debug("session created")
	return &Resolution{Session: session, Strategy: StrategyNewSession, Created: true}, nil
}

// closestProject returns the registered project with the longest path that
// contains workDir, or nil when none does.
func (c *Correlator) closestProject(ctx context.Context, workDir string) (*models.Project, error) {
	projects, err := c.repo.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	var closest *models.Project
	for _, p := range projects {
		if !isPathPrefix(p.Path, workDir) {
			continue
		}
		if closest == nil || len(p.Path) > len(closest.Path) {
			closest = p
		}
	}
	return closest, nil
}

func cleanPath(path string) string {
	if path == "" {
		return ""
	}
	cleaned := filepath.Clean(path)
	if cleaned == "." {
		return ""
	}
	return cleaned
}

// isPathPrefix reports whether path sits at or below root, respecting
// component boundaries ("/a/bc" is not under "/a/b").
func isPathPrefix(root, path string) bool {
	if root == "" || path == "" {
		return false
	}
	if root == path {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
