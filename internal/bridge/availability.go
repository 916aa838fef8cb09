package bridge

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/headspace/headspace/internal/common/config"
	"github.com/headspace/headspace/internal/common/logger"
	"github.com/headspace/headspace/internal/events"
	"github.com/headspace/headspace/internal/events/bus"
	"github.com/headspace/headspace/internal/models"
	"github.com/headspace/headspace/internal/store"
)

// paneProber is the single tmux call the availability tracker needs.
type paneProber interface {
	PaneExists(ctx context.Context, pane string) bool
}

// Availability polls the panes of active sessions and tracks which are
// alive. Flips are persisted as availability_changed events and published so
// dashboards can grey out unreachable sessions.
type Availability struct {
	prober paneProber
	repo   *store.Repository
	bus    bus.EventBus
	cfg    config.BridgeConfig
	logger *logger.Logger

	mu    sync.RWMutex
	alive map[string]bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAvailability creates the pane liveness tracker.
func NewAvailability(prober paneProber, repo *store.Repository, eventBus bus.EventBus, cfg config.BridgeConfig, log *logger.Logger) *Availability {
	if log == nil {
		log = logger.Default()
	}
	return &Availability{
		prober: prober,
		repo:   repo,
		bus:    eventBus,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "availability")),
		alive:  make(map[string]bool),
		stopCh: make(chan struct{}),
	}
}

// Start launches the polling loop.
func (a *Availability) Start() {
	a.wg.Add(1)
	go a.loop()
	a.logger.Info("availability tracker started",
		zap.Duration("poll_interval", a.cfg.PollIntervalDuration()))
}

// Stop halts polling and waits for the in-flight sweep.
func (a *Availability) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.wg.Wait()
}

func (a *Availability) loop() {
	defer a.wg.Done()
	interval := a.cfg.PollIntervalDuration()
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.Sweep(context.Background())
		}
	}
}

// IsAlive returns the last probe result for the session. The second return
// is false when the session has not been probed yet.
func (a *Availability) IsAlive(sessionID string) (bool, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	alive, ok := a.alive[sessionID]
	return alive, ok
}

// Sweep probes every active session that has a pane and records flips.
func (a *Availability) Sweep(ctx context.Context) {
	sessions, err := a.repo.ListSessions(ctx, true)
	if err != nil {
		a.logger.Warn("list sessions for pane probe", zap.Error(err))
		return
	}

	seen := make(map[string]bool, len(sessions))
	for _, sess := range sessions {
		if sess.PaneID == "" {
			continue
		}
		alive := a.prober.PaneExists(ctx, sess.PaneID)
		seen[sess.ID] = true

		a.mu.Lock()
		a.alive[sess.ID] = alive
		a.mu.Unlock()

		flipped, err := a.repo.SetPaneAlive(ctx, sess.ID, alive)
		if err != nil {
			a.logger.Warn("persist pane liveness",
				zap.String("session_id", sess.ID), zap.Error(err))
			continue
		}
		if flipped {
			a.recordFlip(ctx, sess, alive)
		}
	}

	// Drop cache entries for sessions that ended or lost their pane.
	a.mu.Lock()
	for id := range a.alive {
		if !seen[id] {
			delete(a.alive, id)
		}
	}
	a.mu.Unlock()
}

func (a *Availability) recordFlip(ctx context.Context, sess *models.Session, alive bool) {
	a.logger.Info("pane liveness changed",
		zap.String("session_id", sess.ID),
		zap.String("pane_id", sess.PaneID),
		zap.Bool("alive", alive))

	ev := &models.Event{
		Type:      models.EventAvailabilityChanged,
		ProjectID: &sess.ProjectID,
		SessionID: &sess.ID,
		Payload: map[string]interface{}{
			"pane_id":    sess.PaneID,
			"pane_alive": alive,
		},
	}
	if err := a.repo.AppendEvent(ctx, ev); err != nil {
		a.logger.Warn("record availability_changed event", zap.Error(err))
	}

	if a.bus == nil {
		return
	}
	data := map[string]interface{}{
		"event_id":   ev.ID,
		"session_id": sess.ID,
		"project_id": sess.ProjectID,
		"pane_id":    sess.PaneID,
		"pane_alive": alive,
	}
	if err := a.bus.Publish(ctx, events.BuildAvailabilitySubject(sess.ID),
		bus.NewEvent(events.AvailabilityChanged, "bridge", data)); err != nil {
		a.logger.Warn("publish availability_changed", zap.Error(err))
	}
}
