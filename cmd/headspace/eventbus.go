package main

import (
	"github.com/headspace/headspace/internal/common/config"
	"github.com/headspace/headspace/internal/common/logger"
	"github.com/headspace/headspace/internal/events"
	"github.com/headspace/headspace/internal/events/bus"
)

func provideEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, func() error, error) {
	provided, cleanup, err := events.Provide(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return provided.Bus, cleanup, nil
}
