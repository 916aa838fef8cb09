package workers

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headspace/headspace/internal/events"
	"github.com/headspace/headspace/internal/events/bus"
	"github.com/headspace/headspace/internal/lifecycle"
	"github.com/headspace/headspace/internal/models"
	"github.com/headspace/headspace/internal/store"
)

func TestReaperEndsDeadPaneSessions(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	p := seedProject(t, repo)
	now := time.Now().UTC()
	dead := seedSession(t, repo, p.ID, "%1", now)
	alive := seedSession(t, repo, p.ID, "%2", now)
	unprobed := seedSession(t, repo, p.ID, "%3", now)
	noPane := seedSession(t, repo, p.ID, "", now)

	engine := &fakeEngine{repo: repo}
	panes := fakePanes{dead.ID: false, alive.ID: true}
	r := NewReaper(Deps{Repo: repo, Engine: engine, Avail: panes}, testWorkersConfig(), 0, testLog(t))
	r.Sweep(ctx)

	require.Len(t, engine.inputs, 1)
	in := engine.inputs[0]
	assert.Equal(t, dead.ID, in.SessionID)
	assert.Equal(t, lifecycle.TriggerSessionEnd, in.Trigger)
	assert.Equal(t, models.ActorAgent, in.Actor)
	assert.Equal(t, lifecycle.ProvenanceReaper, in.Provenance)

	got, err := repo.GetSession(ctx, dead.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.NotNil(t, got.EndedAt)

	for _, s := range []*models.Session{alive, unprobed, noPane} {
		got, err := repo.GetSession(ctx, s.ID)
		require.NoError(t, err)
		assert.True(t, got.Active)
	}
}

func TestReaperFlagsHookSilentSessions(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	p := seedProject(t, repo)
	now := time.Now().UTC()
	stale := seedSession(t, repo, p.ID, "", now.Add(-time.Hour))
	fresh := seedSession(t, repo, p.ID, "", now)

	mb := bus.NewMemoryEventBus(testLog(t))
	var published []*bus.Event
	_, err := mb.Subscribe(events.SessionInactive+".*", func(_ context.Context, ev *bus.Event) error {
		published = append(published, ev)
		return nil
	})
	require.NoError(t, err)

	r := NewReaper(Deps{Repo: repo, Bus: mb}, testWorkersConfig(), 30*time.Minute, testLog(t))
	r.Sweep(ctx)

	got, err := repo.GetSession(ctx, stale.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Nil(t, got.EndedAt, "inactive sessions stay revivable")

	got, err = repo.GetSession(ctx, fresh.ID)
	require.NoError(t, err)
	assert.True(t, got.Active)

	require.Len(t, published, 1)
	assert.Equal(t, stale.ID, published[0].Data["session_id"])
	assert.Equal(t, p.ID, published[0].Data["project_id"])

	evs, err := repo.ListEventsAfter(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, models.EventSessionInactive, evs[0].Type)
	require.NotNil(t, evs[0].SessionID)
	assert.Equal(t, stale.ID, *evs[0].SessionID)
	quiet, ok := evs[0].Payload["quiet_seconds"].(float64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, int(quiet), 3500)

	// The next sweep leaves the already flagged session alone.
	r.Sweep(ctx)
	evs, err = repo.ListEventsAfter(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestReaperPurgesAgedSessions(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	p := seedProject(t, repo)
	now := time.Now().UTC()
	old := seedSession(t, repo, p.ID, "", now.Add(-100*time.Hour))
	recent := seedSession(t, repo, p.ID, "", now)

	require.NoError(t, repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		return repo.EndSessionTx(ctx, tx, old.ID, now.Add(-80*time.Hour))
	}))
	require.NoError(t, repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		return repo.EndSessionTx(ctx, tx, recent.ID, now)
	}))

	r := NewReaper(Deps{Repo: repo}, testWorkersConfig(), 0, testLog(t))
	r.Sweep(ctx)

	_, err := repo.GetSession(ctx, old.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = repo.GetSession(ctx, recent.ID)
	assert.NoError(t, err, "recently ended sessions wait out the retention window")

	evs, err := repo.ListEventsAfter(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, models.EventSessionDeleted, evs[0].Type)
	assert.Nil(t, evs[0].SessionID, "the audit row cannot reference the purged session")
	assert.Equal(t, old.ID, evs[0].Payload["session_id"])
	assert.Equal(t, "retention", evs[0].Payload["reason"])
}

func TestReaperSkipsDisabledPasses(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	p := seedProject(t, repo)
	stale := seedSession(t, repo, p.ID, "", time.Now().UTC().Add(-24*time.Hour))

	cfg := testWorkersConfig()
	cfg.ReapAfterHours = 0
	r := NewReaper(Deps{Repo: repo}, cfg, 0, testLog(t))
	r.Sweep(ctx)

	got, err := repo.GetSession(ctx, stale.ID)
	require.NoError(t, err)
	assert.True(t, got.Active, "a zero window disables the inactive pass")

	evs, err := repo.ListEventsAfter(ctx, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, evs)
}
