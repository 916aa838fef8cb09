package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/headspace/headspace/internal/common/config"
	"github.com/headspace/headspace/internal/common/logger"
	"github.com/headspace/headspace/internal/events"
	"github.com/headspace/headspace/internal/events/bus"
	"github.com/headspace/headspace/internal/lifecycle"
	"github.com/headspace/headspace/internal/models"
	"github.com/headspace/headspace/internal/store"
)

var (
	// ErrPaneUnavailable means the target pane does not exist or its
	// process has died.
	ErrPaneUnavailable = errors.New("pane unavailable")
	// ErrSendFailed means the pane never accepted the typed text.
	ErrSendFailed = errors.New("send failed")
)

// pasteThreshold is the text length above which the typing delay grows.
const pasteThreshold = 200

// ghostSettle is the pause after dismissing ghost text with Escape.
const ghostSettle = 100 * time.Millisecond

// settleDelay is the pause between Enter and the verification capture.
const settleDelay = 300 * time.Millisecond

// paneDriver is the slice of tmux the sender needs. *Tmux implements it.
type paneDriver interface {
	PaneExists(ctx context.Context, pane string) bool
	CapturePaneEscaped(ctx context.Context, pane string, lines int) (string, error)
	SendKeysLiteral(ctx context.Context, pane, text string) error
	SendEnter(ctx context.Context, pane string) error
	SendEscape(ctx context.Context, pane string) error
}

// Dispatcher records an accepted answer as a turn and advances the task
// state machine. *lifecycle.Service implements it.
type Dispatcher interface {
	Apply(ctx context.Context, in lifecycle.Input) (*lifecycle.Result, error)
}

// Sender types remote answers into agent panes and verifies acceptance.
type Sender struct {
	driver paneDriver
	repo   *store.Repository
	engine Dispatcher
	bus    bus.EventBus
	cfg    config.BridgeConfig
	logger *logger.Logger
}

// NewSender creates a pane sender. repo and eventBus may be nil, which
// disables the audit events.
func NewSender(driver paneDriver, repo *store.Repository, engine Dispatcher, eventBus bus.EventBus, cfg config.BridgeConfig, log *logger.Logger) *Sender {
	if log == nil {
		log = logger.Default()
	}
	return &Sender{
		driver: driver,
		repo:   repo,
		engine: engine,
		bus:    eventBus,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "bridge")),
	}
}

// Deliver runs the full remote answer path: type text into the session's
// pane, verify the pane accepted it, then record the accepted text as a user
// turn and advance the task state machine. The caller decides whether the
// session's state permits input.
func (s *Sender) Deliver(ctx context.Context, sess *models.Session, text string) (*lifecycle.Result, error) {
	if sess.PaneID == "" {
		err := fmt.Errorf("%w: session %s has no pane", ErrPaneUnavailable, sess.ID)
		s.recordFailure(ctx, sess, err)
		return nil, err
	}
	if err := s.Send(ctx, sess.PaneID, text); err != nil {
		s.recordFailure(ctx, sess, err)
		return nil, err
	}

	res, err := s.engine.Apply(ctx, lifecycle.Input{
		SessionID:  sess.ID,
		Trigger:    lifecycle.TriggerUserCommand,
		Actor:      models.ActorUser,
		Text:       text,
		Timestamp:  time.Now().UTC(),
		Source:     models.TimestampSourceServer,
		Provenance: lifecycle.ProvenanceBridge,
	})
	if err != nil {
		return nil, fmt.Errorf("record delivered answer: %w", err)
	}
	s.recordDelivered(ctx, sess, res)
	return res, nil
}

// Send types text into the pane and verifies the input line accepted it.
// The text is typed exactly once; failed verification retries re-press Enter
// but never retype.
func (s *Sender) Send(ctx context.Context, pane, text string) error {
	if !s.driver.PaneExists(ctx, pane) {
		return fmt.Errorf("%w: pane %s", ErrPaneUnavailable, pane)
	}

	// Autocomplete ghost text would be committed along with the answer,
	// so dismiss it before typing.
	snap, err := s.capture(ctx, pane)
	if err != nil {
		return fmt.Errorf("capture pane %s: %w", pane, err)
	}
	if snap.hasGhostText() {
		if err := s.dismissGhost(ctx, pane); err != nil {
			return err
		}
	}

	if err := s.driver.SendKeysLiteral(ctx, pane, text); err != nil {
		return fmt.Errorf("type answer into pane %s: %w", pane, err)
	}
	if err := sleepCtx(ctx, s.typingDelay(text)); err != nil {
		return err
	}

	retries := s.cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}

	var last *snapshot
	for attempt := 0; attempt <= retries; attempt++ {
		before, err := s.capture(ctx, pane)
		if err != nil {
			return fmt.Errorf("capture pane %s: %w", pane, err)
		}
		if before.hasGhostText() {
			if err := s.dismissGhost(ctx, pane); err != nil {
				return err
			}
			// Re-capture so the comparison baseline excludes the
			// dismissed overlay.
			if before, err = s.capture(ctx, pane); err != nil {
				return fmt.Errorf("capture pane %s: %w", pane, err)
			}
		}
		last = before

		if err := s.driver.SendEnter(ctx, pane); err != nil {
			return fmt.Errorf("submit answer in pane %s: %w", pane, err)
		}
		if err := sleepCtx(ctx, settleDelay); err != nil {
			return err
		}

		after, err := s.capture(ctx, pane)
		if err != nil {
			return fmt.Errorf("capture pane %s: %w", pane, err)
		}
		last = after

		if s.accepted(text, before, after) {
			if attempt > 0 {
				s.logger.Info("answer accepted after retry",
					zap.String("pane", pane),
					zap.Int("attempt", attempt))
			}
			return nil
		}
		s.logger.Warn("answer still in input area",
			zap.String("pane", pane),
			zap.Int("attempt", attempt))
	}

	if last != nil {
		s.logger.Error("answer delivery exhausted retries",
			zap.String("pane", pane),
			zap.Int("attempts", retries+1),
			zap.String("pane_tail", last.tail(12)))
	}
	return fmt.Errorf("%w: pane %s did not accept input after %d attempts", ErrSendFailed, pane, retries+1)
}

func (s *Sender) capture(ctx context.Context, pane string) (*snapshot, error) {
	raw, err := s.driver.CapturePaneEscaped(ctx, pane, s.cfg.CaptureLines)
	if err != nil {
		return nil, err
	}
	return parseSnapshot(raw), nil
}

func (s *Sender) dismissGhost(ctx context.Context, pane string) error {
	if err := s.driver.SendEscape(ctx, pane); err != nil {
		return fmt.Errorf("dismiss ghost text in pane %s: %w", pane, err)
	}
	return sleepCtx(ctx, ghostSettle)
}

// typingDelay gives the TUI time to consume a paste before Enter arrives.
// Grows past the paste threshold at one millisecond per ten characters.
func (s *Sender) typingDelay(text string) time.Duration {
	d := s.cfg.BaseDelay()
	if n := len(text) - pasteThreshold; n > 0 {
		d += time.Duration(n/10) * time.Millisecond
	}
	return d
}

// accepted decides whether Enter submitted the text. Long answers leave a
// probeable tail snippet; short ones fall back to watching the pane change.
func (s *Sender) accepted(text string, before, after *snapshot) bool {
	snippet := verifySnippet(text, s.cfg.SnippetMaxChars)
	if utf8.RuneCountInString(text) >= s.cfg.VerifyMinChars &&
		utf8.RuneCountInString(snippet) >= s.cfg.SnippetMinChars {
		return !strings.Contains(after.inputAreaCompact(), snippet)
	}
	return before.text() != after.text()
}

// verifySnippet is the trailing slice of the compacted text probed for in
// the input area after Enter. Compaction makes the probe immune to the TUI
// re-wrapping the typed text.
func verifySnippet(text string, max int) string {
	r := []rune(compactText(text))
	if max > 0 && len(r) > max {
		r = r[len(r)-max:]
	}
	return string(r)
}

func (s *Sender) recordDelivered(ctx context.Context, sess *models.Session, res *lifecycle.Result) {
	payload := map[string]interface{}{"pane_id": sess.PaneID}
	if res != nil && res.Turn != nil {
		payload["turn_id"] = res.Turn.ID
	}
	ev := &models.Event{
		Type:      models.EventAnswerDelivered,
		ProjectID: &sess.ProjectID,
		SessionID: &sess.ID,
		Payload:   payload,
	}
	if s.repo != nil {
		if err := s.repo.AppendEvent(ctx, ev); err != nil {
			s.logger.Warn("record answer_delivered event", zap.Error(err))
		}
	}
	data := map[string]interface{}{
		"event_id":   ev.ID,
		"session_id": sess.ID,
		"project_id": sess.ProjectID,
	}
	if id, ok := payload["turn_id"]; ok {
		data["turn_id"] = id
	}
	s.publish(ctx, events.AnswerDelivered+"."+sess.ID,
		bus.NewEvent(events.AnswerDelivered, "bridge", data))
}

func (s *Sender) recordFailure(ctx context.Context, sess *models.Session, cause error) {
	ev := &models.Event{
		Type:      models.EventAnswerFailed,
		ProjectID: &sess.ProjectID,
		SessionID: &sess.ID,
		Payload: map[string]interface{}{
			"pane_id": sess.PaneID,
			"reason":  cause.Error(),
		},
	}
	if s.repo != nil {
		if err := s.repo.AppendEvent(ctx, ev); err != nil {
			s.logger.Warn("record answer_failed event", zap.Error(err))
		}
	}
	s.publish(ctx, events.AnswerFailed+"."+sess.ID,
		bus.NewEvent(events.AnswerFailed, "bridge", map[string]interface{}{
			"event_id":   ev.ID,
			"session_id": sess.ID,
			"project_id": sess.ProjectID,
			"reason":     cause.Error(),
		}))
}

func (s *Sender) publish(ctx context.Context, subject string, ev *bus.Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, subject, ev); err != nil {
		s.logger.Warn("publish bridge event",
			zap.String("subject", subject), zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
