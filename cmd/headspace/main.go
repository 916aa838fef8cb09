// Package main is the entry point for the headspace server. The single
// binary runs the hook receiver, transcript watcher, lifecycle engine,
// broadcaster, tmux bridge and background workers together with shared
// infrastructure.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/headspace/headspace/internal/api"
	"github.com/headspace/headspace/internal/common/config"
	"github.com/headspace/headspace/internal/common/logger"
	"github.com/headspace/headspace/internal/tracing"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(&logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("starting headspace",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("db_driver", cfg.Database.Driver))

	// 3. Tracing (no-op without an endpoint)
	tracing.Configure(cfg.Tracing.Endpoint, cfg.Tracing.ServiceName)

	// 4. Root context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 5. Event bus
	eventBus, busCleanup, err := provideEventBus(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}

	// 6. Storage
	repo, storageCleanups, err := provideStorage(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize storage", zap.Error(err))
	}

	// 7. Domain services
	svcs, err := provideServices(ctx, cfg, log, repo, eventBus)
	if err != nil {
		log.Fatal("Failed to initialize services", zap.Error(err))
	}

	// 8. Start the pipeline. The broadcaster subscribes before the HTTP
	// surface accepts its first hook.
	if err := svcs.Caster.Start(ctx); err != nil {
		log.Fatal("Failed to start broadcaster", zap.Error(err))
	}
	if err := svcs.Watcher.Start(ctx); err != nil {
		log.Fatal("Failed to start transcript watcher", zap.Error(err))
	}
	svcs.Avail.Start()

	// 9. Background workers
	manager := provideWorkers(cfg, log, repo, svcs, eventBus)
	manager.Start()

	// 10. Embedded MCP server (optional)
	mcpEndpoint, mcpCleanup, err := provideMcpServer(ctx, cfg, log)
	if err != nil {
		log.Warn("MCP server unavailable", zap.Error(err))
	} else if mcpEndpoint != "" {
		log.Info("MCP server ready", zap.String("sse_endpoint", mcpEndpoint))
	}

	// 11. WebSocket gateway
	gateway := provideGateway(svcs.Caster, log)

	// 12. HTTP server. WriteTimeout stays zero: /api/events and /ws hold
	// their connections open for the client's lifetime.
	apiServer := api.NewServer(cfg.Server, api.Deps{
		Repo:     repo,
		Engine:   svcs.Engine,
		Sender:   svcs.Sender,
		Avail:    svcs.Avail,
		Caster:   svcs.Caster,
		Receiver: svcs.Receiver,
		Bus:      eventBus,
		Workers:  manager,
		WS:       gateway.Handler.HandleConnection,
	}, log)
	server := &http.Server{
		Addr:        cfg.Server.Addr(),
		Handler:     apiServer.Router(),
		ReadTimeout: cfg.Server.ReadTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		gateway.Hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// 13. Wait for a shutdown signal or a server failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-gctx.Done():
	}
	cancel()

	runGracefulShutdown(shutdownParams{
		server:   server,
		svcs:     svcs,
		workers:  manager,
		mcp:      mcpCleanup,
		cleanups: append([]func() error{busCleanup}, storageCleanups...),
		timeout:  cfg.Server.ShutdownTimeoutDuration(),
		log:      log,
	})

	if err := g.Wait(); err != nil {
		log.Error("server exited with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}
