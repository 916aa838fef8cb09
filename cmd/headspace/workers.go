package main

import (
	"github.com/headspace/headspace/internal/common/config"
	"github.com/headspace/headspace/internal/common/logger"
	"github.com/headspace/headspace/internal/events/bus"
	"github.com/headspace/headspace/internal/store"
	"github.com/headspace/headspace/internal/workers"
)

// provideWorkers builds the reaper and priority workers. The inference
// client doubles as the optional score refiner and the bridge poller is
// the pane health source.
func provideWorkers(cfg *config.Config, log *logger.Logger, repo *store.Repository, svcs *Services, eventBus bus.EventBus) *workers.Manager {
	return workers.New(workers.Deps{
		Repo:    repo,
		Engine:  svcs.Engine,
		Avail:   svcs.Avail,
		Bus:     eventBus,
		Refiner: svcs.Inference,
	}, cfg.Workers, cfg.Watcher.InactiveAfterDuration(), log)
}
