package workers

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headspace/headspace/internal/api"
	"github.com/headspace/headspace/internal/common/config"
	"github.com/headspace/headspace/internal/common/logger"
	"github.com/headspace/headspace/internal/db"
	"github.com/headspace/headspace/internal/lifecycle"
	"github.com/headspace/headspace/internal/models"
	"github.com/headspace/headspace/internal/store"
)

var _ api.WorkerHealth = (*Manager)(nil)

func testLog(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(&logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func testWorkersConfig() config.WorkersConfig {
	return config.WorkersConfig{
		ReaperInterval:   60,
		ReapAfterHours:   72,
		PriorityInterval: 300,
	}
}

func newTestRepo(t *testing.T) *store.Repository {
	t.Helper()
	conn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.db"), 0)
	require.NoError(t, err)
	repo, err := store.NewWithDB(conn, conn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return repo
}

func seedProject(t *testing.T, repo *store.Repository) *models.Project {
	t.Helper()
	p := &models.Project{Name: "webapp", Path: "/home/dev/webapp"}
	require.NoError(t, repo.CreateProject(context.Background(), p))
	return p
}

func seedSession(t *testing.T, repo *store.Repository, projectID, pane string, lastSeen time.Time) *models.Session {
	t.Helper()
	s := &models.Session{
		ProjectID:  projectID,
		PaneID:     pane,
		PaneAlive:  pane != "",
		StartedAt:  lastSeen,
		LastSeenAt: lastSeen,
	}
	require.NoError(t, repo.CreateSession(context.Background(), s))
	return s
}

func seedTask(t *testing.T, repo *store.Repository, sessionID string, state models.TaskState, command string) *models.Task {
	t.Helper()
	task := &models.Task{SessionID: sessionID, State: state, Command: command}
	require.NoError(t, repo.WithTx(context.Background(), func(tx *sqlx.Tx) error {
		return repo.CreateTaskTx(context.Background(), tx, task)
	}))
	return task
}

// fakeEngine records inputs and ends the session like the real lifecycle
// service would.
type fakeEngine struct {
	repo   *store.Repository
	inputs []lifecycle.Input
}

func (f *fakeEngine) Apply(ctx context.Context, in lifecycle.Input) (*lifecycle.Result, error) {
	f.inputs = append(f.inputs, in)
	if f.repo != nil {
		err := f.repo.WithTx(ctx, func(tx *sqlx.Tx) error {
			return f.repo.EndSessionTx(ctx, tx, in.SessionID, in.Timestamp)
		})
		if err != nil {
			return nil, err
		}
	}
	return &lifecycle.Result{To: models.TaskStateComplete, Changed: true}, nil
}

// fakePanes maps session ids to probe results; absent ids count as unprobed.
type fakePanes map[string]bool

func (f fakePanes) IsAlive(sessionID string) (bool, bool) {
	alive, ok := f[sessionID]
	return alive, ok
}

type fakeRefiner struct {
	answer   string
	err      error
	prompts  []string
	purposes []string
}

func (f *fakeRefiner) Enabled() bool { return true }

func (f *fakeRefiner) Infer(_ context.Context, prompt, purpose string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	f.purposes = append(f.purposes, purpose)
	return f.answer, f.err
}

func TestManagerHealthTracksLoops(t *testing.T) {
	repo := newTestRepo(t)
	m := New(Deps{Repo: repo}, testWorkersConfig(), 30*time.Minute, testLog(t))

	assert.Equal(t, map[string]string{"reaper": "stopped", "priority": "stopped"}, m.Health())

	m.Start()
	t.Cleanup(m.Stop)
	assert.Equal(t, map[string]string{"reaper": "running", "priority": "running"}, m.Health())

	m.Stop()
	assert.Equal(t, map[string]string{"reaper": "stopped", "priority": "stopped"}, m.Health())
}

func TestManagerSkipsDisabledWorkers(t *testing.T) {
	repo := newTestRepo(t)
	cfg := testWorkersConfig()
	cfg.PriorityInterval = 0

	m := New(Deps{Repo: repo}, cfg, 0, testLog(t))

	health := m.Health()
	assert.NotContains(t, health, "priority", "disabled workers stay out of health")
	assert.Contains(t, health, "reaper")
}
