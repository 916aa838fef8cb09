package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/headspace/headspace/internal/api"
	"github.com/headspace/headspace/internal/common/config"
	"github.com/headspace/headspace/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(&logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Database.Driver = "sqlite3"
	cfg.Database.Path = filepath.Join(t.TempDir(), "headspace.db")
	cfg.Database.BusyTimeoutMillis = 5000
	cfg.Bridge.TmuxBinary = "tmux"
	cfg.Watcher.InactiveAfter = 1800
	cfg.Broadcaster.BufferSize = 16
	cfg.Broadcaster.MaxSubscribers = 4
	cfg.Workers.ReaperInterval = 60
	cfg.Workers.PriorityInterval = 120
	return cfg
}

func TestProvideStorageSQLite(t *testing.T) {
	cfg := testConfig(t)
	log := newTestLogger()

	repo, cleanups, err := provideStorage(cfg, log)
	if err != nil {
		t.Fatalf("provideStorage failed: %v", err)
	}
	if repo == nil {
		t.Fatal("expected a repository")
	}
	if len(cleanups) != 2 {
		t.Fatalf("expected writer and reader cleanups, got %d", len(cleanups))
	}
	if err := repo.DB().Ping(); err != nil {
		t.Errorf("ping failed: %v", err)
	}
	for _, cleanup := range cleanups {
		if err := cleanup(); err != nil {
			t.Errorf("cleanup failed: %v", err)
		}
	}
}

// TestBootWiring builds the full service graph the way main does, without
// binding a port, and checks the health surface over the router.
func TestBootWiring(t *testing.T) {
	cfg := testConfig(t)
	log := newTestLogger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus, busCleanup, err := provideEventBus(cfg, log)
	if err != nil {
		t.Fatalf("provideEventBus failed: %v", err)
	}
	defer func() { _ = busCleanup() }()

	repo, cleanups, err := provideStorage(cfg, log)
	if err != nil {
		t.Fatalf("provideStorage failed: %v", err)
	}
	defer func() {
		for _, cleanup := range cleanups {
			_ = cleanup()
		}
	}()

	svcs, err := provideServices(ctx, cfg, log, repo, eventBus)
	if err != nil {
		t.Fatalf("provideServices failed: %v", err)
	}
	if svcs.Engine == nil || svcs.Receiver == nil || svcs.Caster == nil {
		t.Fatal("pipeline services missing")
	}

	manager := provideWorkers(cfg, log, repo, svcs, eventBus)
	health := manager.Health()
	if health["reaper"] != "stopped" || health["priority"] != "stopped" {
		t.Fatalf("unexpected worker health before start: %v", health)
	}
	manager.Start()
	defer manager.Stop()

	gateway := provideGateway(svcs.Caster, log)
	if gateway.Handler == nil {
		t.Fatal("gateway handler missing")
	}

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

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	apiServer.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("health returned %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"database":"up"`) {
		t.Errorf("health body missing database status: %s", rec.Body.String())
	}
}

func TestProvideMcpServerDisabled(t *testing.T) {
	cfg := testConfig(t)
	endpoint, cleanup, err := provideMcpServer(context.Background(), cfg, newTestLogger())
	if err != nil {
		t.Fatalf("disabled MCP server must not error: %v", err)
	}
	if endpoint != "" || cleanup != nil {
		t.Errorf("disabled MCP server must stay inert, got endpoint %q", endpoint)
	}
}
