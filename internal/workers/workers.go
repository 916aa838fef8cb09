// Package workers runs the background maintenance loops: the reaper, which
// retires sessions the hook stream abandoned, and the priority worker, which
// recomputes the attention ordering dashboards sort by.
package workers

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/headspace/headspace/internal/common/config"
	"github.com/headspace/headspace/internal/common/logger"
	"github.com/headspace/headspace/internal/events/bus"
	"github.com/headspace/headspace/internal/lifecycle"
	"github.com/headspace/headspace/internal/store"
)

// sweepTimeout bounds one pass of either worker so a wedged session lock or
// a slow inference call cannot stall the loop.
const sweepTimeout = 30 * time.Second

// Applier is the lifecycle surface the reaper ends sessions through.
type Applier interface {
	Apply(ctx context.Context, in lifecycle.Input) (*lifecycle.Result, error)
}

// PaneHealth reports the last probe result for a session's pane. The second
// return is false when the pane has not been probed yet.
type PaneHealth interface {
	IsAlive(sessionID string) (bool, bool)
}

// Refiner is the inference surface the priority worker adjusts scores with.
type Refiner interface {
	Enabled() bool
	Infer(ctx context.Context, prompt, purpose string) (string, error)
}

// Deps bundles the collaborators the workers drive. Avail and Refiner may be
// nil; the passes that need them are then skipped.
type Deps struct {
	Repo    *store.Repository
	Engine  Applier
	Avail   PaneHealth
	Bus     bus.EventBus
	Refiner Refiner
}

// worker is the lifecycle the manager runs each loop through.
type worker interface {
	Name() string
	Start()
	Stop()
	Running() bool
}

// Manager owns the enabled workers and reports their status for the health
// endpoint.
type Manager struct {
	workers []worker
	logger  *logger.Logger
}

// New builds the workers the configuration enables. A non-positive interval
// disables the corresponding worker and drops it from Health. inactiveAfter
// is the watcher's quiet window, which the reaper enforces at the store
// level.
func New(deps Deps, cfg config.WorkersConfig, inactiveAfter time.Duration, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	m := &Manager{logger: log.WithFields(zap.String("component", "workers"))}
	if cfg.ReaperInterval > 0 {
		m.workers = append(m.workers, NewReaper(deps, cfg, inactiveAfter, log))
	}
	if cfg.PriorityInterval > 0 {
		m.workers = append(m.workers, NewPriority(deps, cfg, log))
	}
	return m
}

// Start launches every worker loop.
func (m *Manager) Start() {
	for _, w := range m.workers {
		w.Start()
	}
	m.logger.Info("workers started", zap.Int("count", len(m.workers)))
}

// Stop halts the loops and waits for in-flight sweeps.
func (m *Manager) Stop() {
	for _, w := range m.workers {
		w.Stop()
	}
	m.logger.Info("workers stopped")
}

// Health reports each worker's status. Disabled workers are absent.
func (m *Manager) Health() map[string]string {
	health := make(map[string]string, len(m.workers))
	for _, w := range m.workers {
		status := "stopped"
		if w.Running() {
			status = "running"
		}
		health[w.Name()] = status
	}
	return health
}
