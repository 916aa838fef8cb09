package main

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/headspace/headspace/internal/common/logger"
	"github.com/headspace/headspace/internal/tracing"
	"github.com/headspace/headspace/internal/workers"
)

// shutdownParams carries everything runGracefulShutdown stops.
type shutdownParams struct {
	server   *http.Server
	svcs     *Services
	workers  *workers.Manager
	mcp      func() error
	cleanups []func() error
	timeout  time.Duration
	log      *logger.Logger
}

// runGracefulShutdown stops the HTTP surface first so no new hooks or
// answers arrive, then the background loops, then the event bus and
// storage behind them.
func runGracefulShutdown(p shutdownParams) {
	p.log.Info("shutting down headspace...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if err := p.server.Shutdown(shutdownCtx); err != nil {
		p.log.Error("HTTP server shutdown error", zap.Error(err))
	}

	p.workers.Stop()
	p.svcs.Avail.Stop()
	p.svcs.Watcher.Stop()
	p.svcs.Engine.Stop()
	p.svcs.Caster.Stop()

	if p.mcp != nil {
		if err := p.mcp(); err != nil {
			p.log.Error("MCP server shutdown error", zap.Error(err))
		}
	}
	for _, cleanup := range p.cleanups {
		if err := cleanup(); err != nil {
			p.log.Error("cleanup error", zap.Error(err))
		}
	}

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		p.log.Error("tracing shutdown error", zap.Error(err))
	}

	p.log.Info("headspace stopped")
	_ = p.log.Sync()
}
