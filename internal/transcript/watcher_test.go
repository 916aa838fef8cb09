package transcript

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headspace/headspace/internal/common/config"
	"github.com/headspace/headspace/internal/common/logger"
	"github.com/headspace/headspace/internal/db"
	"github.com/headspace/headspace/internal/lifecycle"
	"github.com/headspace/headspace/internal/models"
	"github.com/headspace/headspace/internal/store"
)

type fakeDispatcher struct {
	inputs  []lifecycle.Input
	failIdx int // 1-based call number that fails once; 0 never fails
	calls   int
}

func (f *fakeDispatcher) Apply(_ context.Context, in lifecycle.Input) (*lifecycle.Result, error) {
	f.calls++
	if f.failIdx != 0 && f.calls == f.failIdx {
		f.failIdx = 0
		return nil, errors.New("database is locked")
	}
	f.inputs = append(f.inputs, in)
	return &lifecycle.Result{}, nil
}

func (f *fakeDispatcher) ClassifyAgentText(text string) (lifecycle.Trigger, models.Intent) {
	if strings.HasSuffix(strings.TrimSpace(text), "?") {
		return lifecycle.TriggerAgentQuestion, models.IntentQuestion
	}
	return lifecycle.TriggerAgentProgress, models.IntentProgress
}

func testWatcherConfig() config.WatcherConfig {
	return config.WatcherConfig{
		PollInterval:       60,
		ActivePollInterval: 2,
		SilenceThreshold:   300,
		InactiveAfter:      600,
		DebounceMillis:     200,
	}
}

func newTestWatcher(t *testing.T, repo *store.Repository, d Dispatcher) *Watcher {
	t.Helper()
	log, err := logger.NewLogger(&logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	w := New(repo, d, nil, testWatcherConfig(), log)
	t.Cleanup(w.Stop)
	return w
}

func trackFile(t *testing.T, w *Watcher, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	w.Track(&models.Session{ID: "sess-1", ProjectID: "proj-1", TranscriptPath: path})
	return path
}

const (
	userLine      = `{"type":"user","message":{"role":"user","content":"fix the tests"},"timestamp":"2026-08-25T10:00:00.000Z"}` + "\n"
	agentLine     = `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"working on it"}]},"timestamp":"2026-08-25T10:00:05.000Z"}` + "\n"
	agentQuestion = `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Keep both versions?"}]},"timestamp":"2026-08-25T10:00:09.000Z"}` + "\n"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		wantNil   bool
		wantErr   bool
		wantActor models.Actor
		wantText  string
	}{
		{
			name:      "user string content",
			line:      strings.TrimSuffix(userLine, "\n"),
			wantActor: models.ActorUser,
			wantText:  "fix the tests",
		},
		{
			name:      "assistant block content",
			line:      strings.TrimSuffix(agentLine, "\n"),
			wantActor: models.ActorAgent,
			wantText:  "working on it",
		},
		{
			name:    "tool result only",
			line:    `{"type":"user","message":{"role":"user","content":[{"type":"tool_result","content":"exit 0"}]}}`,
			wantNil: true,
		},
		{
			name:    "summary record",
			line:    `{"type":"summary","summary":"compacted"}`,
			wantNil: true,
		},
		{
			name:    "malformed json",
			line:    `{"type":"user","message":`,
			wantErr: true,
		},
		{
			name:    "bad timestamp",
			line:    `{"type":"user","message":{"role":"user","content":"hi"},"timestamp":"yesterday"}`,
			wantErr: true,
		},
		{
			name:      "multiple text blocks join",
			line:      `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"part one"},{"type":"tool_use","text":""},{"type":"text","text":"part two"}]}}`,
			wantActor: models.ActorAgent,
			wantText:  "part one\n\npart two",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, err := ParseLine([]byte(tt.line))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, entry)
				return
			}
			require.NotNil(t, entry)
			assert.Equal(t, tt.wantActor, entry.Actor)
			assert.Equal(t, tt.wantText, entry.Text)
		})
	}
}

func TestSweep_PartialLineHeldBack(t *testing.T) {
	d := &fakeDispatcher{}
	w := newTestWatcher(t, nil, d)
	partial := `{"type":"assistant","message":{"role":"assistant","content":[{"ty`
	path := trackFile(t, w, userLine+agentLine+partial)

	w.sweep(context.Background(), path)
	require.Len(t, d.inputs, 2)
	assert.Equal(t, lifecycle.TriggerUserCommand, d.inputs[0].Trigger)
	assert.Equal(t, "fix the tests", d.inputs[0].Text)
	assert.Equal(t, models.TimestampSourceJSONL, d.inputs[0].Source)
	assert.Equal(t, lifecycle.ProvenanceTranscript, d.inputs[0].Provenance)
	assert.Equal(t, lifecycle.TriggerAgentProgress, d.inputs[1].Trigger)

	w.mu.Lock()
	offset := w.cursors[path].offset
	w.mu.Unlock()
	assert.Equal(t, int64(len(userLine)+len(agentLine)), offset)

	// The writer finishes the line; only the completed line is new.
	rest := `pe":"text","text":"Keep both versions?"}]}}` + "\n"
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(rest)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w.sweep(context.Background(), path)
	require.Len(t, d.inputs, 3)
	assert.Equal(t, lifecycle.TriggerAgentQuestion, d.inputs[2].Trigger)
	assert.Equal(t, "Keep both versions?", d.inputs[2].Text)
}

func TestSweep_MalformedCompleteLineSkipped(t *testing.T) {
	d := &fakeDispatcher{}
	w := newTestWatcher(t, nil, d)
	bad := "{not json}\n"
	path := trackFile(t, w, bad+agentLine)

	w.sweep(context.Background(), path)
	require.Len(t, d.inputs, 1)
	assert.Equal(t, "working on it", d.inputs[0].Text)

	w.mu.Lock()
	offset := w.cursors[path].offset
	w.mu.Unlock()
	assert.Equal(t, int64(len(bad)+len(agentLine)), offset)
}

func TestSweep_DispatchFailureRetriesLine(t *testing.T) {
	d := &fakeDispatcher{failIdx: 2}
	w := newTestWatcher(t, nil, d)
	path := trackFile(t, w, userLine+agentLine)

	w.sweep(context.Background(), path)
	require.Len(t, d.inputs, 1)

	w.mu.Lock()
	offset := w.cursors[path].offset
	w.mu.Unlock()
	assert.Equal(t, int64(len(userLine)), offset)

	w.sweep(context.Background(), path)
	require.Len(t, d.inputs, 2)
	assert.Equal(t, "working on it", d.inputs[1].Text)
}

func TestSweep_TruncationRereads(t *testing.T) {
	d := &fakeDispatcher{}
	w := newTestWatcher(t, nil, d)
	path := trackFile(t, w, userLine+agentLine)

	w.sweep(context.Background(), path)
	require.Len(t, d.inputs, 2)

	// The file is replaced by a shorter one.
	require.NoError(t, os.WriteFile(path, []byte(agentQuestion), 0o644))
	w.sweep(context.Background(), path)
	require.Len(t, d.inputs, 3)
	assert.Equal(t, "Keep both versions?", d.inputs[2].Text)

	w.mu.Lock()
	offset := w.cursors[path].offset
	w.mu.Unlock()
	assert.Equal(t, int64(len(agentQuestion)), offset)
}

func TestPollIntervalSwitchesOnHookSilence(t *testing.T) {
	w := newTestWatcher(t, nil, &fakeDispatcher{})

	w.NoteHookActivity()
	assert.Equal(t, 60*time.Second, w.pollInterval())

	w.mu.Lock()
	w.lastHook = time.Now().Add(-301 * time.Second)
	w.mu.Unlock()
	assert.Equal(t, 2*time.Second, w.pollInterval())

	w.NoteHookActivity()
	assert.Equal(t, 60*time.Second, w.pollInterval())
}

func TestLastAgentText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(userLine+agentLine+agentQuestion+userLine), 0o644))

	text, err := LastAgentText(path)
	require.NoError(t, err)
	assert.Equal(t, "Keep both versions?", text)
}

func TestLastAgentTextEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	text, err := LastAgentText(path)
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestCheckInactiveFiresOnce(t *testing.T) {
	conn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.db"), 0)
	require.NoError(t, err)
	repo, err := store.NewWithDB(conn, conn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ctx := context.Background()
	p := &models.Project{Name: "webapp", Path: "/home/dev/webapp"}
	require.NoError(t, repo.CreateProject(ctx, p))
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	s := &models.Session{ExternalID: "uuid-1", ProjectID: p.ID, TranscriptPath: path}
	require.NoError(t, repo.CreateSession(ctx, s))

	w := newTestWatcher(t, repo, &fakeDispatcher{})
	w.Track(s)
	w.mu.Lock()
	w.cursors[path].lastLine = time.Now().Add(-11 * time.Minute)
	w.mu.Unlock()

	w.checkInactive(ctx, path)
	w.checkInactive(ctx, path)

	evs, err := repo.ListEventsAfter(ctx, 0, 100)
	require.NoError(t, err)
	var inactive int
	for _, ev := range evs {
		if ev.Type == models.EventSessionInactive {
			inactive++
		}
	}
	assert.Equal(t, 1, inactive)

	// New activity rearms the notification.
	w.markActivity(path)
	w.mu.Lock()
	assert.False(t, w.cursors[path].notified)
	w.mu.Unlock()
}
