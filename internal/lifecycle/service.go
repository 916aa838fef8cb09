package lifecycle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/headspace/headspace/internal/common/appctx"
	"github.com/headspace/headspace/internal/common/logger"
	"github.com/headspace/headspace/internal/correlator"
	"github.com/headspace/headspace/internal/events"
	"github.com/headspace/headspace/internal/events/bus"
	"github.com/headspace/headspace/internal/models"
	"github.com/headspace/headspace/internal/store"
)

// Provenance values recorded on state_transition events.
const (
	ProvenanceHook       = "hook"
	ProvenanceTranscript = "transcript"
	ProvenanceBridge     = "bridge"
	ProvenanceAPI        = "api"
	ProvenanceReaper     = "reaper"
)

const summaryTimeout = 30 * time.Second

// Summarizer produces the derived task fields. Both calls run detached from
// the transition that scheduled them and may fail without consequence.
type Summarizer interface {
	Instruction(ctx context.Context, command string) (string, error)
	Completion(ctx context.Context, finalText string) (string, error)
}

// Input is the canonical event shape every source is normalised to before it
// reaches the state machine.
type Input struct {
	SessionID string
	Trigger   Trigger
	Actor     models.Actor
	// Text is the utterance, empty for pure signals such as pre_tool_use.
	Text string
	// Intent overrides detection when the caller already classified the text.
	Intent     models.Intent
	Timestamp  time.Time
	Source     models.TimestampSource
	Provenance string
	// HookKind and EventKey drive the idempotency receipt; both empty for
	// watcher and bridge inputs, which dedupe by content hash instead.
	HookKind models.HookKind
	EventKey string
}

// Result reports what a dispatched input did.
type Result struct {
	Session *models.Session
	Task    *models.Task
	Turn    *models.Turn
	From    models.TaskState
	To      models.TaskState
	// Changed means at least one task state column moved.
	Changed bool
	// Created means the correlator opened a new session for this input.
	Created  bool
	Strategy correlator.Strategy
	// TaskCreated means this input opened a fresh task.
	TaskCreated bool
	// AlreadyApplied means the idempotency receipt matched a prior delivery.
	AlreadyApplied bool
	// Rejected means the transition was invalid from the current state.
	Rejected bool
}

type pendingPublish struct {
	subject string
	typ     string
	data    map[string]interface{}
}

// Service is the sole writer of task and turn state. All sources funnel
// through Apply, which serialises work per session; hooks enter through
// ProcessHook, which correlates first.
type Service struct {
	repo       *store.Repository
	correlator *correlator.Correlator
	bus        bus.EventBus
	detector   *Detector
	summarizer Summarizer
	logger     *logger.Logger

	locks  map[string]*sync.Mutex
	lockMu sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewService creates the lifecycle service.
func NewService(repo *store.Repository, corr *correlator.Correlator, eventBus bus.EventBus, detector *Detector, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		repo:       repo,
		correlator: corr,
		bus:        eventBus,
		detector:   detector,
		logger:     log.WithFields(zap.String("component", "lifecycle")),
		locks:      make(map[string]*sync.Mutex),
		stopCh:     make(chan struct{}),
	}
}

// SetSummarizer wires the inference-backed summariser. Without one, tasks
// keep their raw command and final text.
func (s *Service) SetSummarizer(sum Summarizer) {
	s.summarizer = sum
}

// Stop cancels detached summary work and waits for it to drain.
func (s *Service) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// ContentHash is the dedupe key for turn text. The watcher and the hook
// receiver must hash identically for reconciliation to collapse duplicates.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(text)))
	return hex.EncodeToString(sum[:])
}

// ClassifyAgentText maps raw agent text to the trigger and intent the state
// machine consumes. Used by the transcript watcher, which has no hook kind
// to go by.
func (s *Service) ClassifyAgentText(text string) (Trigger, models.Intent) {
	switch s.detector.Classify(text) {
	case models.IntentQuestion:
		return TriggerAgentQuestion, models.IntentQuestion
	case models.IntentCompletion:
		return TriggerAgentCompletion, models.IntentCompletion
	default:
		return TriggerAgentProgress, models.IntentProgress
	}
}

// lock returns the mutex for a serialisation key, creating it on first use.
// Hook resolution keys on the agent-supplied identity, everything else on
// the canonical session id.
func (s *Service) lock(key string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	if l, ok := s.locks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[key] = l
	return l
}

// ProcessHook correlates a hook to its session and applies the input. The
// resolution commits on its own so adoption side effects survive even when
// the transition itself is a no-op, and so the per-session lock can be taken
// on the canonical id before any task state is touched.
func (s *Service) ProcessHook(ctx context.Context, hint correlator.Hint, in Input) (*Result, error) {
	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now().UTC()
	}
	if in.Provenance == "" {
		in.Provenance = ProvenanceHook
	}

	key := hint.ExternalID
	if key == "" {
		key = hint.PaneID
	}
	if key == "" {
		key = hint.WorkDir
	}
	l := s.lock("resolve:" + key)
	l.Lock()

	var (
		resolution *correlator.Resolution
		regPublish []pendingPublish
	)
	err := s.repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		regPublish = regPublish[:0]
		r, err := s.correlator.Resolve(ctx, tx, hint, in.Timestamp)
		if err != nil {
			return err
		}
		resolution = r
		if !r.Created {
			return nil
		}
		ev := &models.Event{
			Type:      models.EventSessionRegistered,
			ProjectID: &r.Session.ProjectID,
			SessionID: &r.Session.ID,
			Payload: map[string]interface{}{
				"external_session_id": r.Session.ExternalID,
				"strategy":            string(r.Strategy),
			},
		}
		if err := s.repo.AppendEventTx(ctx, tx, ev); err != nil {
			return err
		}
		regPublish = append(regPublish, pendingPublish{
			subject: events.SessionRegistered + "." + r.Session.ID,
			typ:     events.SessionRegistered,
			data: map[string]interface{}{
				"event_id":   ev.ID,
				"session_id": r.Session.ID,
				"project_id": r.Session.ProjectID,
			},
		})
		return nil
	})
	l.Unlock()

	if err != nil {
		if errors.Is(err, correlator.ErrUnregisteredProject) {
			s.recordRejectedHook(ctx, hint, in)
		}
		return nil, err
	}
	s.publishAll(ctx, regPublish)

	in.SessionID = resolution.Session.ID
	res, err := s.Apply(ctx, in)
	if err != nil {
		return nil, err
	}
	res.Session = resolution.Session
	res.Created = resolution.Created
	res.Strategy = resolution.Strategy
	return res, nil
}

// recordRejectedHook persists the only trace an unregistered project leaves:
// an event row with no session or project reference.
func (s *Service) recordRejectedHook(ctx context.Context, hint correlator.Hint, in Input) {
	ev := &models.Event{
		Type: models.EventHookRejected,
		Payload: map[string]interface{}{
			"kind":                string(in.HookKind),
			"external_session_id": hint.ExternalID,
			"project_path":        hint.WorkDir,
			"reason":              "unregistered_project",
		},
	}
	if err := s.repo.AppendEvent(ctx, ev); err != nil {
		s.logger.Error("failed to record rejected hook", zap.Error(err))
		return
	}
	s.publishAll(ctx, []pendingPublish{{
		subject: events.HookRejected,
		typ:     events.HookRejected,
		data: map[string]interface{}{
			"event_id":     ev.ID,
			"kind":         string(in.HookKind),
			"project_path": hint.WorkDir,
		},
	}})
}

// Apply runs one input through the state machine under the session's lock.
// Receipt, turns, task state and events commit in a single transaction;
// broadcast and summary generation happen after it.
func (s *Service) Apply(ctx context.Context, in Input) (*Result, error) {
	if in.SessionID == "" {
		return nil, fmt.Errorf("lifecycle: session id required")
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now().UTC()
	}
	if in.Source == "" {
		in.Source = models.TimestampSourceServer
	}
	if in.Provenance == "" {
		in.Provenance = ProvenanceAPI
	}

	l := s.lock(in.SessionID)
	l.Lock()
	defer l.Unlock()

	session, err := s.repo.GetSession(ctx, in.SessionID)
	if err != nil {
		return nil, err
	}

	res := &Result{Session: session}
	var publishes []pendingPublish

	err = s.repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		publishes = publishes[:0]
		res.AlreadyApplied = false

		if in.HookKind != "" && in.EventKey != "" {
			inserted, err := s.repo.RecordHookReceiptTx(ctx, tx, session.ID, in.HookKind, in.EventKey)
			if err != nil {
				return err
			}
			if !inserted {
				res.AlreadyApplied = true
				return nil
			}
		}
		return s.apply(ctx, tx, session, in, res, &publishes)
	})
	if err != nil {
		return nil, err
	}

	if res.AlreadyApplied {
		s.logger.Debug("duplicate hook delivery ignored",
			zap.String("session_id", session.ID),
			zap.String("kind", string(in.HookKind)))
		return res, nil
	}

	s.publishAll(ctx, publishes)
	s.scheduleSummaries(ctx, res)
	return res, nil
}

// apply is the in-transaction body of Apply.
func (s *Service) apply(ctx context.Context, tx *sqlx.Tx, session *models.Session, in Input, res *Result, pubs *[]pendingPublish) error {
	task, err := s.repo.GetOpenTaskTx(ctx, tx, session.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	current := models.TaskStateIdle
	if task != nil {
		current = task.State
	}
	res.From = current
	res.To = current

	if in.Trigger != TriggerSessionEnd {
		if err := s.repo.TouchSessionTx(ctx, tx, session.ID, in.Timestamp); err != nil {
			return err
		}
	}

	if in.HookKind != "" {
		ev := &models.Event{
			Type:      models.EventHookReceived,
			ProjectID: &session.ProjectID,
			SessionID: &session.ID,
			Payload: map[string]interface{}{
				"kind":    string(in.HookKind),
				"trigger": string(in.Trigger),
			},
		}
		if task != nil {
			ev.TaskID = &task.ID
		}
		if err := s.repo.AppendEventTx(ctx, tx, ev); err != nil {
			return err
		}
		*pubs = append(*pubs, pendingPublish{
			subject: events.BuildHookReceivedSubject(session.ID),
			typ:     events.HookReceived,
			data: map[string]interface{}{
				"event_id":   ev.ID,
				"session_id": session.ID,
				"project_id": session.ProjectID,
				"kind":       string(in.HookKind),
			},
		})
	}

	// Registration-only inputs carry no trigger.
	if in.Trigger == "" {
		return nil
	}

	trailing := in.Trigger == TriggerStop && s.detector.IsQuestion(in.Text)
	outcome := Transition(current, in.Trigger, trailing)

	if outcome.Reject {
		res.Rejected = true
		s.logger.Warn("invalid transition dropped",
			zap.String("session_id", session.ID),
			zap.String("state", string(current)),
			zap.String("trigger", string(in.Trigger)))
		return nil
	}

	switch {
	case outcome.NewTask:
		if in.Provenance == ProvenanceTranscript && task != nil {
			// First writer wins: a transcript replay of a command the
			// hook path already captured reconciles into the open task
			// instead of superseding it.
			_, err := s.repo.FindTurnByHashTx(ctx, tx, task.ID, ContentHash(in.Text))
			if err == nil {
				return s.applyCommandEcho(ctx, tx, session, task, in, Outcome{}, res, pubs)
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
		return s.applyNewTask(ctx, tx, session, task, in, outcome, res, pubs)
	case outcome.Answer:
		return s.applyAnswer(ctx, tx, session, task, in, res, pubs)
	}

	switch in.Trigger {
	case TriggerUserCommand:
		// Open task in commanded state: the prompt echo confirms delivery.
		return s.applyCommandEcho(ctx, tx, session, task, in, outcome, res, pubs)
	case TriggerAgentQuestion, TriggerAttention:
		return s.applyQuestion(ctx, tx, session, task, in, outcome, res, pubs)
	case TriggerAgentProgress:
		return s.applyProgress(ctx, tx, session, task, in, outcome, res, pubs)
	case TriggerAgentCompletion:
		return s.applyCompletion(ctx, tx, session, task, in, outcome, res, pubs)
	case TriggerStop:
		return s.applyStop(ctx, tx, session, task, in, outcome, trailing, res, pubs)
	case TriggerSessionEnd:
		return s.applySessionEnd(ctx, tx, session, task, in, res, pubs)
	}
	return nil
}

func (s *Service) applyNewTask(ctx context.Context, tx *sqlx.Tx, session *models.Session, open *models.Task, in Input, outcome Outcome, res *Result, pubs *[]pendingPublish) error {
	ts := in.Timestamp

	if open != nil {
		if err := s.closeTask(ctx, tx, session, open, open.State, in, "superseded", res, pubs); err != nil {
			return err
		}
	}

	task := &models.Task{
		SessionID: session.ID,
		State:     models.TaskStateCommanded,
		Command:   in.Text,
		StartedAt: ts,
	}
	if err := s.repo.CreateTaskTx(ctx, tx, task); err != nil {
		return err
	}
	if err := s.appendTaskEvent(ctx, tx, models.EventTaskCreated, session, task, map[string]interface{}{
		"command": in.Text,
	}, events.TaskCreated, pubs); err != nil {
		return err
	}
	if err := s.recordTransition(ctx, tx, session, task, models.TaskStateIdle, models.TaskStateCommanded, in, 1.0, pubs); err != nil {
		return err
	}

	if err := s.repo.UpdateTaskStateTx(ctx, tx, task.ID, outcome.Next, nil); err != nil {
		return err
	}
	task.State = outcome.Next
	if err := s.recordTransition(ctx, tx, session, task, models.TaskStateCommanded, outcome.Next, in, 1.0, pubs); err != nil {
		return err
	}

	if in.Text != "" {
		turn, _, err := s.addTurn(ctx, tx, session, task, models.ActorUser, models.IntentCommand, in, nil, pubs)
		if err != nil {
			return err
		}
		res.Turn = turn
	}

	res.Task = task
	res.TaskCreated = true
	res.To = outcome.Next
	res.Changed = true
	s.queueCardRefresh(session, pubs)
	return nil
}

func (s *Service) applyAnswer(ctx context.Context, tx *sqlx.Tx, session *models.Session, task *models.Task, in Input, res *Result, pubs *[]pendingPublish) error {
	var answers *int64
	if q, err := s.repo.LatestQuestionTx(ctx, tx, task.ID); err == nil {
		answers = &q.ID
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	turn, _, err := s.addTurn(ctx, tx, session, task, models.ActorUser, models.IntentAnswer, in, answers, pubs)
	if err != nil {
		return err
	}
	res.Turn = turn

	if err := s.transitionTask(ctx, tx, session, task, models.TaskStateProcessing, nil, in, 1.0, res, pubs); err != nil {
		return err
	}
	s.queueCardRefresh(session, pubs)
	return nil
}

// applyCommandEcho handles user_cmd against an open commanded task: the
// prompt was delivered through the bridge and the agent's own hook now
// confirms it. The turn usually dedupes against the bridge-created one.
func (s *Service) applyCommandEcho(ctx context.Context, tx *sqlx.Tx, session *models.Session, task *models.Task, in Input, outcome Outcome, res *Result, pubs *[]pendingPublish) error {
	if in.Text != "" {
		turn, created, err := s.addTurn(ctx, tx, session, task, models.ActorUser, models.IntentCommand, in, nil, pubs)
		if err != nil {
			return err
		}
		res.Turn = turn
		if created && task.Command == "" {
			if err := s.repo.SetTaskCommandTx(ctx, tx, task.ID, in.Text); err != nil {
				return err
			}
			task.Command = in.Text
		}
	}
	if outcome.Changed && outcome.Next != task.State {
		if err := s.transitionTask(ctx, tx, session, task, outcome.Next, nil, in, 1.0, res, pubs); err != nil {
			return err
		}
	}
	s.queueCardRefresh(session, pubs)
	return nil
}

func (s *Service) applyQuestion(ctx context.Context, tx *sqlx.Tx, session *models.Session, task *models.Task, in Input, outcome Outcome, res *Result, pubs *[]pendingPublish) error {
	if task == nil {
		// Attention with nothing open: nothing to park.
		return nil
	}
	if in.Text != "" {
		intent := in.Intent
		if intent == "" {
			intent = models.IntentQuestion
		}
		turn, _, err := s.addTurn(ctx, tx, session, task, models.ActorAgent, intent, in, nil, pubs)
		if err != nil {
			return err
		}
		res.Turn = turn
	}
	// A repeated question must still park the task even when its text
	// deduped against an earlier turn.
	if outcome.Changed && outcome.Next != task.State {
		conf := confidenceFor(in.Trigger, false)
		if err := s.transitionTask(ctx, tx, session, task, outcome.Next, nil, in, conf, res, pubs); err != nil {
			return err
		}
	}
	s.queueCardRefresh(session, pubs)
	return nil
}

func (s *Service) applyProgress(ctx context.Context, tx *sqlx.Tx, session *models.Session, task *models.Task, in Input, outcome Outcome, res *Result, pubs *[]pendingPublish) error {
	if in.Text != "" {
		turn, _, err := s.addTurn(ctx, tx, session, task, models.ActorAgent, models.IntentProgress, in, nil, pubs)
		if err != nil {
			return err
		}
		res.Turn = turn
	}
	if outcome.Changed && outcome.Next != task.State {
		if err := s.transitionTask(ctx, tx, session, task, outcome.Next, nil, in, confidenceFor(in.Trigger, false), res, pubs); err != nil {
			return err
		}
	}
	if res.Turn != nil || res.Changed {
		s.queueCardRefresh(session, pubs)
	}
	return nil
}

func (s *Service) applyCompletion(ctx context.Context, tx *sqlx.Tx, session *models.Session, task *models.Task, in Input, outcome Outcome, res *Result, pubs *[]pendingPublish) error {
	if in.Text != "" {
		turn, created, err := s.addTurn(ctx, tx, session, task, models.ActorAgent, models.IntentCompletion, in, nil, pubs)
		if err != nil {
			return err
		}
		if !created {
			// First writer already closed the task off this content.
			res.Turn = turn
			return nil
		}
		res.Turn = turn
		if err := s.repo.SetTaskFinalTextTx(ctx, tx, task.ID, in.Text); err != nil {
			return err
		}
		task.FinalText = in.Text
	}
	if err := s.closeTask(ctx, tx, session, task, task.State, in, "", res, pubs); err != nil {
		return err
	}
	s.queueCardRefresh(session, pubs)
	return nil
}

func (s *Service) applyStop(ctx context.Context, tx *sqlx.Tx, session *models.Session, task *models.Task, in Input, outcome Outcome, trailing bool, res *Result, pubs *[]pendingPublish) error {
	if task == nil {
		// Late stop after the task already closed.
		return nil
	}
	if in.Text != "" {
		intent := in.Intent
		if intent == "" {
			intent = s.detector.Classify(in.Text)
		}
		turn, created, err := s.addTurn(ctx, tx, session, task, models.ActorAgent, intent, in, nil, pubs)
		if err != nil {
			return err
		}
		res.Turn = turn
		if created && !trailing {
			if err := s.repo.SetTaskFinalTextTx(ctx, tx, task.ID, in.Text); err != nil {
				return err
			}
			task.FinalText = in.Text
		}
	}

	if !outcome.Changed {
		if res.Turn != nil {
			s.queueCardRefresh(session, pubs)
		}
		return nil
	}
	conf := confidenceFor(in.Trigger, trailing)
	if trailing {
		if err := s.transitionTask(ctx, tx, session, task, models.TaskStateAwaitingInput, nil, in, conf, res, pubs); err != nil {
			return err
		}
		s.queueCardRefresh(session, pubs)
		return nil
	}

	if err := s.endOfTaskMarker(ctx, tx, session, task, in, pubs); err != nil {
		return err
	}
	if err := s.closeTask(ctx, tx, session, task, task.State, in, "", res, pubs); err != nil {
		return err
	}
	s.queueCardRefresh(session, pubs)
	return nil
}

func (s *Service) applySessionEnd(ctx context.Context, tx *sqlx.Tx, session *models.Session, task *models.Task, in Input, res *Result, pubs *[]pendingPublish) error {
	if task != nil {
		if err := s.endOfTaskMarker(ctx, tx, session, task, in, pubs); err != nil {
			return err
		}
		if err := s.closeTask(ctx, tx, session, task, task.State, in, "", res, pubs); err != nil {
			return err
		}
	}

	if err := s.repo.EndSessionTx(ctx, tx, session.ID, in.Timestamp); err != nil {
		return err
	}
	session.Active = false
	ended := in.Timestamp
	session.EndedAt = &ended

	ev := &models.Event{
		Type:      models.EventSessionEnded,
		ProjectID: &session.ProjectID,
		SessionID: &session.ID,
	}
	if err := s.repo.AppendEventTx(ctx, tx, ev); err != nil {
		return err
	}
	*pubs = append(*pubs, pendingPublish{
		subject: events.SessionEnded + "." + session.ID,
		typ:     events.SessionEnded,
		data: map[string]interface{}{
			"event_id":   ev.ID,
			"session_id": session.ID,
			"project_id": session.ProjectID,
		},
	})
	s.queueCardRefresh(session, pubs)
	return nil
}

// closeTask moves an open task to complete, recording the transition and
// the task_completed event. reason annotates superseded closes.
func (s *Service) closeTask(ctx context.Context, tx *sqlx.Tx, session *models.Session, task *models.Task, from models.TaskState, in Input, reason string, res *Result, pubs *[]pendingPublish) error {
	ts := in.Timestamp
	if err := s.repo.UpdateTaskStateTx(ctx, tx, task.ID, models.TaskStateComplete, &ts); err != nil {
		return err
	}
	task.State = models.TaskStateComplete
	task.CompletedAt = &ts

	if err := s.recordTransition(ctx, tx, session, task, from, models.TaskStateComplete, in, confidenceFor(in.Trigger, false), pubs); err != nil {
		return err
	}

	payload := map[string]interface{}{}
	if reason != "" {
		payload["reason"] = reason
	}
	if err := s.appendTaskEvent(ctx, tx, models.EventTaskCompleted, session, task, payload, events.TaskCompleted, pubs); err != nil {
		return err
	}

	if res.Task == nil {
		res.Task = task
	}
	res.To = models.TaskStateComplete
	res.Changed = true
	return nil
}

// endOfTaskMarker appends the marker turn recording that stop or
// session_end closed the task without further agent text. The hash is
// derived from the task id so replays dedupe.
func (s *Service) endOfTaskMarker(ctx context.Context, tx *sqlx.Tx, session *models.Session, task *models.Task, in Input, pubs *[]pendingPublish) error {
	turn := &models.Turn{
		TaskID:          task.ID,
		SessionID:       session.ID,
		Actor:           models.ActorAgent,
		Intent:          models.IntentEndOfTask,
		ContentHash:     ContentHash("end_of_task:" + task.ID),
		Timestamp:       in.Timestamp,
		TimestampSource: in.Source,
	}
	if _, err := s.repo.FindTurnByHashTx(ctx, tx, task.ID, turn.ContentHash); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err := s.repo.CreateTurnTx(ctx, tx, turn); err != nil {
		return err
	}
	return s.appendTurnEvent(ctx, tx, session, task, turn, pubs)
}

// addTurn inserts a turn, deduplicating on content hash. A duplicate from
// the transcript upgrades the stored timestamp to the authoritative one;
// the returned bool reports whether a new row was created.
func (s *Service) addTurn(ctx context.Context, tx *sqlx.Tx, session *models.Session, task *models.Task, actor models.Actor, intent models.Intent, in Input, answers *int64, pubs *[]pendingPublish) (*models.Turn, bool, error) {
	hash := ContentHash(in.Text)

	existing, err := s.repo.FindTurnByHashTx(ctx, tx, task.ID, hash)
	if err == nil {
		if in.Source == models.TimestampSourceJSONL && existing.TimestampSource == models.TimestampSourceServer {
			if err := s.repo.UpgradeTurnTimestampTx(ctx, tx, existing.ID, in.Timestamp); err != nil {
				return nil, false, err
			}
			existing.Timestamp = in.Timestamp.UTC()
			existing.TimestampSource = models.TimestampSourceJSONL
		}
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	turn := &models.Turn{
		TaskID:          task.ID,
		SessionID:       session.ID,
		Actor:           actor,
		Intent:          intent,
		Text:            in.Text,
		ContentHash:     hash,
		Timestamp:       in.Timestamp,
		TimestampSource: in.Source,
		AnswersTurnID:   answers,
	}
	if err := s.repo.CreateTurnTx(ctx, tx, turn); err != nil {
		return nil, false, err
	}
	if err := s.appendTurnEvent(ctx, tx, session, task, turn, pubs); err != nil {
		return nil, false, err
	}
	return turn, true, nil
}

func (s *Service) appendTurnEvent(ctx context.Context, tx *sqlx.Tx, session *models.Session, task *models.Task, turn *models.Turn, pubs *[]pendingPublish) error {
	ev := &models.Event{
		Type:      models.EventTurnAdded,
		ProjectID: &session.ProjectID,
		SessionID: &session.ID,
		TaskID:    &task.ID,
		TurnID:    &turn.ID,
		Payload: map[string]interface{}{
			"actor":  string(turn.Actor),
			"intent": string(turn.Intent),
		},
	}
	if err := s.repo.AppendEventTx(ctx, tx, ev); err != nil {
		return err
	}
	*pubs = append(*pubs, pendingPublish{
		subject: events.BuildTurnAddedSubject(session.ID),
		typ:     events.TurnAdded,
		data: map[string]interface{}{
			"event_id":   ev.ID,
			"session_id": session.ID,
			"project_id": session.ProjectID,
			"task_id":    task.ID,
			"turn_id":    turn.ID,
			"actor":      string(turn.Actor),
			"intent":     string(turn.Intent),
		},
	})
	return nil
}

func (s *Service) appendTaskEvent(ctx context.Context, tx *sqlx.Tx, eventType string, session *models.Session, task *models.Task, payload map[string]interface{}, busType string, pubs *[]pendingPublish) error {
	ev := &models.Event{
		Type:      eventType,
		ProjectID: &session.ProjectID,
		SessionID: &session.ID,
		TaskID:    &task.ID,
		Payload:   payload,
	}
	if err := s.repo.AppendEventTx(ctx, tx, ev); err != nil {
		return err
	}
	*pubs = append(*pubs, pendingPublish{
		subject: busType + "." + session.ID,
		typ:     busType,
		data: map[string]interface{}{
			"event_id":   ev.ID,
			"session_id": session.ID,
			"project_id": session.ProjectID,
			"task_id":    task.ID,
		},
	})
	return nil
}

// transitionTask moves the open task to next and records the transition.
func (s *Service) transitionTask(ctx context.Context, tx *sqlx.Tx, session *models.Session, task *models.Task, next models.TaskState, completedAt *time.Time, in Input, confidence float64, res *Result, pubs *[]pendingPublish) error {
	from := task.State
	if err := s.repo.UpdateTaskStateTx(ctx, tx, task.ID, next, completedAt); err != nil {
		return err
	}
	task.State = next
	if err := s.recordTransition(ctx, tx, session, task, from, next, in, confidence, pubs); err != nil {
		return err
	}
	if res.Task == nil {
		res.Task = task
	}
	res.To = next
	res.Changed = true
	return nil
}

// recordTransition appends the state_transition event and queues the
// state_changed broadcast. Always called in the same transaction as the
// task update it describes.
func (s *Service) recordTransition(ctx context.Context, tx *sqlx.Tx, session *models.Session, task *models.Task, from, to models.TaskState, in Input, confidence float64, pubs *[]pendingPublish) error {
	ev := &models.Event{
		Type:      models.EventStateTransition,
		ProjectID: &session.ProjectID,
		SessionID: &session.ID,
		TaskID:    &task.ID,
		Payload: map[string]interface{}{
			"from":       string(from),
			"to":         string(to),
			"trigger":    string(in.Trigger),
			"confidence": confidence,
			"provenance": in.Provenance,
		},
	}
	if err := s.repo.AppendEventTx(ctx, tx, ev); err != nil {
		return err
	}
	*pubs = append(*pubs, pendingPublish{
		subject: events.BuildSessionStateSubject(session.ID),
		typ:     events.SessionStateChanged,
		data: map[string]interface{}{
			"event_id":   ev.ID,
			"session_id": session.ID,
			"project_id": session.ProjectID,
			"task_id":    task.ID,
			"from":       string(from),
			"to":         string(to),
			"trigger":    string(in.Trigger),
		},
	})
	return nil
}

// queueCardRefresh schedules the per-session snapshot refresh signal. It has
// no persisted event behind it, so the frame carries no resume id.
func (s *Service) queueCardRefresh(session *models.Session, pubs *[]pendingPublish) {
	*pubs = append(*pubs, pendingPublish{
		subject: events.BuildCardRefreshSubject(session.ID),
		typ:     events.SessionCardRefresh,
		data: map[string]interface{}{
			"session_id": session.ID,
			"project_id": session.ProjectID,
		},
	})
}

func (s *Service) publishAll(ctx context.Context, pubs []pendingPublish) {
	if s.bus == nil {
		return
	}
	for _, p := range pubs {
		ev := bus.NewEvent(p.typ, "lifecycle", p.data)
		if err := s.bus.Publish(ctx, p.subject, ev); err != nil {
			s.logger.Warn("event publish failed",
				zap.String("subject", p.subject), zap.Error(err))
		}
	}
}

func confidenceFor(trigger Trigger, trailing bool) float64 {
	switch trigger {
	case TriggerAgentQuestion, TriggerAgentProgress, TriggerAgentCompletion:
		return 0.9
	case TriggerStop:
		if trailing {
			return 0.9
		}
	}
	return 1.0
}

// scheduleSummaries kicks off detached instruction and completion summary
// generation for the task the input touched. Neither blocks the caller.
func (s *Service) scheduleSummaries(ctx context.Context, res *Result) {
	if s.summarizer == nil || res.Task == nil {
		return
	}

	if res.Changed && res.Task.State == models.TaskStateComplete && res.Task.FinalText != "" {
		s.spawnSummary(ctx, res.Session, res.Task.ID, res.Task.FinalText, false)
	}
	if res.TaskCreated && res.Task.Command != "" {
		s.spawnSummary(ctx, res.Session, res.Task.ID, res.Task.Command, true)
	}
}

func (s *Service) spawnSummary(parent context.Context, session *models.Session, taskID, text string, instruction bool) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := appctx.DetachedWithValues(parent, s.stopCh, summaryTimeout)
		defer cancel()

		var (
			summary string
			err     error
		)
		if instruction {
			summary, err = s.summarizer.Instruction(ctx, text)
		} else {
			summary, err = s.summarizer.Completion(ctx, text)
		}
		if err != nil {
			s.logger.Debug("summary generation skipped",
				zap.String("task_id", taskID), zap.Error(err))
			return
		}
		if summary == "" {
			return
		}

		if instruction {
			err = s.repo.SetTaskInstruction(ctx, taskID, summary)
		} else {
			err = s.repo.SetTaskCompletionSummary(ctx, taskID, summary)
		}
		if err != nil {
			s.logger.Warn("failed to store summary",
				zap.String("task_id", taskID), zap.Error(err))
			return
		}

		var pubs []pendingPublish
		s.queueCardRefresh(session, &pubs)
		s.publishAll(ctx, pubs)
	}()
}
