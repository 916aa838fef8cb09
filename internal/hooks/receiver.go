package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/headspace/headspace/internal/api/apierr"
	"github.com/headspace/headspace/internal/common/logger"
	"github.com/headspace/headspace/internal/correlator"
	"github.com/headspace/headspace/internal/lifecycle"
	"github.com/headspace/headspace/internal/models"
	"github.com/headspace/headspace/internal/store"
	"github.com/headspace/headspace/internal/transcript"
)

// Engine is the lifecycle surface the receiver drives.
type Engine interface {
	ProcessHook(ctx context.Context, hint correlator.Hint, in lifecycle.Input) (*lifecycle.Result, error)
}

// Tracker keeps the transcript watcher informed about hook traffic and
// transcript locations.
type Tracker interface {
	NoteHookActivity()
	Track(s *models.Session)
}

// Primer supplies persona priming text for session_start responses.
type Primer interface {
	Priming(slug string) string
}

// Receiver accepts the eight hook kinds and funnels them into the
// lifecycle. Validation happens before any work; processing is inline
// because every step is local DB work, with summaries already detached
// inside the engine.
type Receiver struct {
	engine  Engine
	repo    *store.Repository
	tracker Tracker
	primer  Primer
	logger  *logger.Logger
}

// NewReceiver creates the hook receiver. tracker and primer may be nil.
func NewReceiver(engine Engine, repo *store.Repository, tracker Tracker, primer Primer, log *logger.Logger) *Receiver {
	if log == nil {
		log = logger.Default()
	}
	return &Receiver{
		engine:  engine,
		repo:    repo,
		tracker: tracker,
		primer:  primer,
		logger:  log.WithFields(zap.String("component", "hooks")),
	}
}

// Kinds lists the eight accepted hook kinds in endpoint order.
func Kinds() []models.HookKind {
	return []models.HookKind{
		models.HookSessionStart,
		models.HookUserPromptSubmit,
		models.HookPreToolUse,
		models.HookPostToolUse,
		models.HookNotification,
		models.HookPermissionRequest,
		models.HookStop,
		models.HookSessionEnd,
	}
}

// RegisterRoutes mounts POST /hook/<kind> for every kind.
func (rc *Receiver) RegisterRoutes(router gin.IRouter) {
	g := router.Group("/hook")
	for _, kind := range Kinds() {
		g.POST("/"+string(kind), rc.handle(kind))
	}
}

func (rc *Receiver) handle(kind models.HookKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		if rc.tracker != nil {
			rc.tracker.NoteHookActivity()
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
		if err != nil {
			apierr.Write(c, apierr.Validation("unreadable request body"))
			return
		}
		p := decode(kind)
		if err := json.Unmarshal(body, p); err != nil {
			apierr.Write(c, apierr.Validation("malformed JSON payload"))
			return
		}
		if err := p.Validate(); err != nil {
			apierr.Write(c, apierr.Validation(err.Error()))
			return
		}

		hint, in := rc.build(kind, p, body)
		res, err := rc.engine.ProcessHook(c.Request.Context(), hint, in)
		if err != nil {
			if errors.Is(err, correlator.ErrUnregisteredProject) {
				apierr.Write(c, apierr.UnregisteredProject(p.common().CWD))
				return
			}
			rc.logger.Error("hook processing failed",
				zap.String("kind", string(kind)), zap.Error(err))
			apierr.Write(c, apierr.Internal())
			return
		}

		rc.noteTranscript(c.Request.Context(), res.Session, p.common().TranscriptPath)

		if res.AlreadyApplied {
			c.JSON(http.StatusOK, gin.H{"status": "already_applied"})
			return
		}
		resp := gin.H{"status": "accepted", "session_id": res.Session.ID}
		if kind == models.HookSessionStart {
			if text := rc.priming(res.Session, p.common()); text != "" {
				resp["context"] = text
			}
		}
		c.JSON(http.StatusOK, resp)
	}
}

// build maps one validated payload onto a correlation hint and the
// canonical lifecycle input.
func (rc *Receiver) build(kind models.HookKind, p payload, body []byte) (correlator.Hint, lifecycle.Input) {
	cm := p.common()
	hint := correlator.Hint{
		ExternalID:    cm.SessionID,
		WorkDir:       cm.CWD,
		PaneID:        cm.TmuxPaneID,
		TmuxSession:   cm.TmuxSession,
		PersonaSlug:   cm.PersonaSlug,
		PredecessorID: cm.PreviousSessionID,
	}
	in := lifecycle.Input{
		Actor:      models.ActorAgent,
		Timestamp:  time.Now().UTC(),
		Source:     models.TimestampSourceServer,
		Provenance: lifecycle.ProvenanceHook,
		HookKind:   kind,
		EventKey:   eventKey(p, body),
	}

	switch v := p.(type) {
	case *UserPromptSubmit:
		in.Trigger = lifecycle.TriggerUserCommand
		in.Actor = models.ActorUser
		in.Text = v.PromptText
	case *PreToolUse:
		in.Trigger = lifecycle.TriggerAgentProgress
	case *PostToolUse:
		in.Trigger = lifecycle.TriggerAgentProgress
		in.Text = v.TranscriptText
	case *Notification:
		in.Trigger = lifecycle.TriggerAttention
		in.Text = v.Message
	case *PermissionRequest:
		in.Trigger = lifecycle.TriggerAttention
		in.Text = permissionText(v)
	case *Stop:
		in.Trigger = lifecycle.TriggerStop
		in.Text = rc.stopText(v)
	case *SessionEnd:
		in.Trigger = lifecycle.TriggerSessionEnd
	case *SessionStart:
		// Registration only; no trigger.
	}
	return hint, in
}

func permissionText(v *PermissionRequest) string {
	if v.Message != "" {
		return v.Message
	}
	if v.ToolName != "" {
		return fmt.Sprintf("Permission requested: %s", v.ToolName)
	}
	return "Permission requested"
}

// stopText recovers the agent's closing utterance so the lifecycle can
// detect a trailing question.
func (rc *Receiver) stopText(v *Stop) string {
	if v.LastAgentText != "" {
		return v.LastAgentText
	}
	if v.TranscriptPath == "" {
		return ""
	}
	text, err := transcript.LastAgentText(v.TranscriptPath)
	if err != nil {
		rc.logger.Debug("transcript tail unavailable",
			zap.String("path", v.TranscriptPath), zap.Error(err))
		return ""
	}
	return text
}

// noteTranscript persists a newly announced transcript path and hands the
// session to the watcher.
func (rc *Receiver) noteTranscript(ctx context.Context, sess *models.Session, path string) {
	if sess == nil || path == "" {
		return
	}
	if sess.TranscriptPath != path {
		if rc.repo != nil {
			if err := rc.repo.SetSessionTranscriptPath(ctx, sess.ID, path); err != nil {
				rc.logger.Warn("persist transcript path",
					zap.String("session_id", sess.ID), zap.Error(err))
			}
		}
		sess.TranscriptPath = path
	}
	if rc.tracker != nil {
		rc.tracker.Track(sess)
	}
}

func (rc *Receiver) priming(sess *models.Session, cm Common) string {
	if rc.primer == nil {
		return ""
	}
	slug := cm.PersonaSlug
	if slug == "" {
		slug = sess.PersonaSlug
	}
	if slug == "" {
		return ""
	}
	return rc.primer.Priming(slug)
}
