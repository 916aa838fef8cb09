package workers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/headspace/headspace/internal/common/config"
	"github.com/headspace/headspace/internal/common/logger"
	"github.com/headspace/headspace/internal/events"
	"github.com/headspace/headspace/internal/events/bus"
	"github.com/headspace/headspace/internal/inference"
	"github.com/headspace/headspace/internal/models"
	"github.com/headspace/headspace/internal/store"
)

// Attention scoring. A session waiting on the user outranks a stalled one at
// any age, and a stalled one outranks anything still making progress.
const (
	awaitingBase = 60
	stalledBase  = 30
	stalledCap   = 55
	workingScore = 20
	idleScore    = 5

	// stallAfter is how long a task may go without an update before it
	// counts as stalled.
	stallAfter = 5 * time.Minute

	// refineLimit caps inference calls per sweep to the entries that can
	// change the top of the ordering.
	refineLimit = 3

	promptRuneLimit = 140
)

// Entry is one session's place in the attention ordering.
type Entry struct {
	SessionID string `json:"session_id"`
	ProjectID string `json:"project_id"`
	State     string `json:"state"`
	Score     int    `json:"score"`
	Reason    string `json:"reason"`

	prompt string
}

// Priority recomputes the attention ordering over active sessions and
// broadcasts it. Updates are ephemeral: they carry no event row and never
// appear in catch-up replay.
type Priority struct {
	repo    *store.Repository
	bus     bus.EventBus
	refiner Refiner
	cfg     config.WorkersConfig
	logger  *logger.Logger

	// hadEntries suppresses repeat empty publishes once the last session
	// ends. Touched only by the sweep loop.
	hadEntries bool

	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPriority creates the priority worker.
func NewPriority(deps Deps, cfg config.WorkersConfig, log *logger.Logger) *Priority {
	if log == nil {
		log = logger.Default()
	}
	return &Priority{
		repo:    deps.Repo,
		bus:     deps.Bus,
		refiner: deps.Refiner,
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "priority")),
		stopCh:  make(chan struct{}),
	}
}

// Name identifies the worker in health output.
func (p *Priority) Name() string { return "priority" }

// Running reports whether the sweep loop is live.
func (p *Priority) Running() bool { return p.running.Load() }

// Start launches the sweep loop.
func (p *Priority) Start() {
	p.running.Store(true)
	p.wg.Add(1)
	go p.loop()
	p.logger.Info("priority worker started",
		zap.Duration("interval", p.cfg.PriorityIntervalDuration()))
}

// Stop halts the loop and waits for the in-flight sweep.
func (p *Priority) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Priority) loop() {
	defer p.wg.Done()
	defer p.running.Store(false)
	interval := p.cfg.PriorityIntervalDuration()
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
			p.Sweep(ctx)
			cancel()
		}
	}
}

// Sweep recomputes the ordering and publishes it. An empty ordering is
// published once after the last session ends so dashboards clear stale rows,
// then the worker goes quiet.
func (p *Priority) Sweep(ctx context.Context) {
	entries, err := p.Compute(ctx)
	if err != nil {
		p.logger.Warn("compute priorities", zap.Error(err))
		return
	}
	if len(entries) == 0 && !p.hadEntries {
		return
	}
	p.hadEntries = len(entries) > 0

	if p.bus == nil {
		return
	}
	data := map[string]interface{}{
		"priorities":  entries,
		"computed_at": time.Now().UTC().Format(time.RFC3339),
	}
	if err := p.bus.Publish(ctx, events.PriorityUpdate, bus.NewEvent(events.PriorityUpdate, "priority-worker", data)); err != nil {
		p.logger.Warn("publish priority_update", zap.Error(err))
	}
}

// Compute scores every active session and returns the ordering, highest
// attention first. Ties keep the sessions' recency order.
func (p *Priority) Compute(ctx context.Context) ([]Entry, error) {
	sessions, err := p.repo.ListSessions(ctx, true)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	entries := make([]Entry, 0, len(sessions))
	for _, sess := range sessions {
		e := Entry{SessionID: sess.ID, ProjectID: sess.ProjectID, State: string(sess.State)}

		basis := sess.LastSeenAt
		var activity string
		task, err := p.repo.GetOpenTask(ctx, sess.ID)
		switch {
		case err == nil:
			basis = task.UpdatedAt
			activity = task.Instruction
			if activity == "" {
				activity = inference.Truncate(task.Command, promptRuneLimit)
			}
		case !errors.Is(err, store.ErrNotFound):
			p.logger.Warn("load open task",
				zap.String("session_id", sess.ID), zap.Error(err))
		}

		age := now.Sub(basis)
		e.Score, e.Reason = score(sess.State, age)
		e.prompt = summaryLine(sess, age, activity)
		entries = append(entries, e)
	}

	byScore := func(i, j int) bool { return entries[i].Score > entries[j].Score }
	sort.SliceStable(entries, byScore)
	p.refine(ctx, entries)
	sort.SliceStable(entries, byScore)
	return entries, nil
}

// refine asks the inference backend to second-guess the top rule scores. The
// refined score is the mean of the two, so a wild model answer cannot flip
// the ordering on its own. Failures leave the rule score standing.
func (p *Priority) refine(ctx context.Context, entries []Entry) {
	if p.refiner == nil || !p.refiner.Enabled() {
		return
	}
	for i := range entries {
		if i >= refineLimit {
			return
		}
		e := &entries[i]
		if e.Score <= workingScore {
			return
		}
		out, err := p.refiner.Infer(ctx, e.prompt, inference.PurposePriority)
		if err != nil {
			p.logger.Debug("priority refinement failed",
				zap.String("session_id", e.SessionID), zap.Error(err))
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(out))
		if err != nil || n < 0 || n > 100 {
			p.logger.Debug("unusable priority answer",
				zap.String("session_id", e.SessionID), zap.String("answer", out))
			continue
		}
		e.Score = (e.Score + n) / 2
	}
}

// score maps a task state and its age to an attention score and a short
// explanation for dashboards.
func score(state models.TaskState, age time.Duration) (int, string) {
	minutes := int(age / time.Minute)
	if minutes < 0 {
		minutes = 0
	}
	switch state {
	case models.TaskStateAwaitingInput:
		n := awaitingBase + minutes
		if n > 100 {
			n = 100
		}
		return n, fmt.Sprintf("waiting %dm", minutes)
	case models.TaskStateProcessing, models.TaskStateCommanded:
		if age < stallAfter {
			return workingScore, "working"
		}
		n := stalledBase + minutes - int(stallAfter/time.Minute)
		if n > stalledCap {
			n = stalledCap
		}
		return n, fmt.Sprintf("stalled %dm", minutes)
	default:
		return idleScore, "idle"
	}
}

func summaryLine(sess *models.Session, age time.Duration, activity string) string {
	var b strings.Builder
	b.WriteString("project ")
	b.WriteString(sess.ProjectName)
	b.WriteString(": ")
	b.WriteString(string(sess.State))
	fmt.Fprintf(&b, " for %dm", int(age/time.Minute))
	if activity != "" {
		b.WriteString("; task: ")
		b.WriteString(activity)
	}
	return b.String()
}
