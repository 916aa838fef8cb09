package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/headspace/headspace/internal/bridge"
	"github.com/headspace/headspace/internal/broadcast"
	"github.com/headspace/headspace/internal/common/config"
	"github.com/headspace/headspace/internal/common/logger"
	"github.com/headspace/headspace/internal/correlator"
	"github.com/headspace/headspace/internal/events/bus"
	"github.com/headspace/headspace/internal/hooks"
	"github.com/headspace/headspace/internal/inference"
	"github.com/headspace/headspace/internal/lifecycle"
	"github.com/headspace/headspace/internal/persona"
	"github.com/headspace/headspace/internal/store"
	"github.com/headspace/headspace/internal/transcript"
)

// provideServices wires the hook-to-broadcast pipeline: correlator and
// lifecycle engine, transcript watcher, tmux bridge, SSE broadcaster and
// hook receiver.
func provideServices(ctx context.Context, cfg *config.Config, log *logger.Logger, repo *store.Repository, eventBus bus.EventBus) (*Services, error) {
	corr := correlator.New(repo, cfg.Correlator, log)
	detector := lifecycle.NewDetector(cfg.Intent)
	engine := lifecycle.NewService(repo, corr, eventBus, detector, log)

	infClient, err := inference.New(cfg.Inference, log)
	if err != nil {
		return nil, err
	}
	if infClient.Enabled() {
		engine.SetSummarizer(inference.NewSummarizer(infClient))
		log.Info("inference summarizer enabled", zap.String("model", cfg.Inference.Model))
	}

	personaSvc, err := persona.NewService(cfg.Personas, log)
	if err != nil {
		return nil, err
	}
	if err := personaSvc.Sync(ctx, repo); err != nil {
		log.Warn("persona catalog sync failed", zap.Error(err))
	}

	watcher := transcript.New(repo, engine, eventBus, cfg.Watcher, log)

	tmux := bridge.NewTmux(cfg.Bridge.TmuxBinary, log)
	sender := bridge.NewSender(tmux, repo, engine, eventBus, cfg.Bridge, log)
	avail := bridge.NewAvailability(tmux, repo, eventBus, cfg.Bridge, log)

	caster := broadcast.New(repo, eventBus, cfg.Broadcaster, log)
	receiver := hooks.NewReceiver(engine, repo, watcher, personaSvc, log)

	return &Services{
		Engine:    engine,
		Inference: infClient,
		Personas:  personaSvc,
		Watcher:   watcher,
		Sender:    sender,
		Avail:     avail,
		Caster:    caster,
		Receiver:  receiver,
	}, nil
}
