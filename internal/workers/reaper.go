package workers

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/headspace/headspace/internal/common/config"
	"github.com/headspace/headspace/internal/common/logger"
	"github.com/headspace/headspace/internal/events"
	"github.com/headspace/headspace/internal/events/bus"
	"github.com/headspace/headspace/internal/lifecycle"
	"github.com/headspace/headspace/internal/models"
	"github.com/headspace/headspace/internal/store"
)

// Reaper retires sessions the hook stream abandoned. Each sweep ends
// sessions whose panes died, flags hook-silent sessions inactive, and purges
// ended sessions and hook receipts past the retention horizon.
type Reaper struct {
	repo          *store.Repository
	engine        Applier
	avail         PaneHealth
	bus           bus.EventBus
	cfg           config.WorkersConfig
	inactiveAfter time.Duration
	logger        *logger.Logger

	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReaper creates the session reaper. inactiveAfter is the quiet window
// after which a session with no activity is flagged inactive; zero disables
// that pass.
func NewReaper(deps Deps, cfg config.WorkersConfig, inactiveAfter time.Duration, log *logger.Logger) *Reaper {
	if log == nil {
		log = logger.Default()
	}
	return &Reaper{
		repo:          deps.Repo,
		engine:        deps.Engine,
		avail:         deps.Avail,
		bus:           deps.Bus,
		cfg:           cfg,
		inactiveAfter: inactiveAfter,
		logger:        log.WithFields(zap.String("component", "reaper")),
		stopCh:        make(chan struct{}),
	}
}

// Name identifies the worker in health output.
func (r *Reaper) Name() string { return "reaper" }

// Running reports whether the sweep loop is live.
func (r *Reaper) Running() bool { return r.running.Load() }

// Start launches the sweep loop.
func (r *Reaper) Start() {
	r.running.Store(true)
	r.wg.Add(1)
	go r.loop()
	r.logger.Info("reaper started",
		zap.Duration("interval", r.cfg.ReaperIntervalDuration()),
		zap.Duration("inactive_after", r.inactiveAfter),
		zap.Duration("reap_after", r.cfg.ReapAfterDuration()))
}

// Stop halts the loop and waits for the in-flight sweep.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Reaper) loop() {
	defer r.wg.Done()
	defer r.running.Store(false)
	interval := r.cfg.ReaperIntervalDuration()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
			r.Sweep(ctx)
			cancel()
		}
	}
}

// Sweep runs one maintenance pass. Dead panes are handled before the
// inactive flagging so a dead session ends instead of parking as revivable.
func (r *Reaper) Sweep(ctx context.Context) {
	now := time.Now().UTC()
	r.endDeadPanes(ctx, now)
	r.markInactive(ctx, now)
	r.purge(ctx, now)
}

// endDeadPanes closes active sessions whose tmux pane is gone. Pane ids are
// never reused, so a probed-dead pane means the agent process is not coming
// back. Sessions the availability tracker has not probed yet are left alone.
func (r *Reaper) endDeadPanes(ctx context.Context, now time.Time) {
	if r.avail == nil || r.engine == nil {
		return
	}
	sessions, err := r.repo.ListSessions(ctx, true)
	if err != nil {
		r.logger.Warn("list sessions for dead pane sweep", zap.Error(err))
		return
	}
	for _, sess := range sessions {
		if sess.PaneID == "" {
			continue
		}
		alive, probed := r.avail.IsAlive(sess.ID)
		if !probed || alive {
			continue
		}
		_, err := r.engine.Apply(ctx, lifecycle.Input{
			SessionID:  sess.ID,
			Trigger:    lifecycle.TriggerSessionEnd,
			Actor:      models.ActorAgent,
			Timestamp:  now,
			Source:     models.TimestampSourceServer,
			Provenance: lifecycle.ProvenanceReaper,
		})
		if err != nil {
			r.logger.Warn("end dead pane session",
				zap.String("session_id", sess.ID), zap.Error(err))
			continue
		}
		r.logger.Info("ended session with dead pane",
			zap.String("session_id", sess.ID),
			zap.String("pane_id", sess.PaneID))
	}
}

// markInactive flags sessions with no activity inside the quiet window. The
// transcript watcher raises the same signal from file silence; this pass
// covers sessions without a transcript and makes the store reflect it.
func (r *Reaper) markInactive(ctx context.Context, now time.Time) {
	if r.inactiveAfter <= 0 {
		return
	}
	ids, err := r.repo.MarkSessionsInactive(ctx, now.Add(-r.inactiveAfter))
	if err != nil {
		r.logger.Warn("mark sessions inactive", zap.Error(err))
		return
	}
	for _, id := range ids {
		sess, err := r.repo.GetSession(ctx, id)
		if err != nil {
			r.logger.Warn("load inactive session",
				zap.String("session_id", id), zap.Error(err))
			continue
		}
		quiet := now.Sub(sess.LastSeenAt)
		ev := &models.Event{
			Type:      models.EventSessionInactive,
			ProjectID: &sess.ProjectID,
			SessionID: &sess.ID,
			Payload: map[string]interface{}{
				"quiet_seconds": int(quiet.Seconds()),
			},
		}
		if err := r.repo.AppendEvent(ctx, ev); err != nil {
			r.logger.Warn("record session_inactive",
				zap.String("session_id", id), zap.Error(err))
			continue
		}
		r.publish(ctx, events.SessionInactive+"."+sess.ID, events.SessionInactive, map[string]interface{}{
			"event_id":   ev.ID,
			"session_id": sess.ID,
			"project_id": sess.ProjectID,
		})
		r.logger.Info("session went inactive",
			zap.String("session_id", sess.ID),
			zap.Duration("quiet_for", quiet))
	}
}

// purge drops ended sessions and hook receipts past the retention horizon.
func (r *Reaper) purge(ctx context.Context, now time.Time) {
	reapAfter := r.cfg.ReapAfterDuration()
	if reapAfter <= 0 {
		return
	}
	cutoff := now.Add(-reapAfter)

	ids, err := r.repo.PurgeEndedSessionsBefore(ctx, cutoff)
	if err != nil {
		r.logger.Warn("purge ended sessions", zap.Error(err))
	}
	for _, id := range ids {
		// The row is gone, so the audit event keeps the id in the payload.
		ev := &models.Event{
			Type: models.EventSessionDeleted,
			Payload: map[string]interface{}{
				"session_id": id,
				"reason":     "retention",
			},
		}
		if err := r.repo.AppendEvent(ctx, ev); err != nil {
			r.logger.Warn("record session_deleted",
				zap.String("session_id", id), zap.Error(err))
		}
		r.publish(ctx, events.SessionDeleted+"."+id, events.SessionDeleted, map[string]interface{}{
			"event_id":   ev.ID,
			"session_id": id,
		})
	}
	if len(ids) > 0 {
		r.logger.Info("purged ended sessions", zap.Int("count", len(ids)))
	}

	n, err := r.repo.PurgeHookReceiptsBefore(ctx, cutoff)
	if err != nil {
		r.logger.Warn("purge hook receipts", zap.Error(err))
		return
	}
	if n > 0 {
		r.logger.Debug("purged hook receipts", zap.Int64("count", n))
	}
}

func (r *Reaper) publish(ctx context.Context, subject, typ string, data map[string]interface{}) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, subject, bus.NewEvent(typ, "reaper", data)); err != nil {
		r.logger.Warn("publish event", zap.String("subject", subject), zap.Error(err))
	}
}
