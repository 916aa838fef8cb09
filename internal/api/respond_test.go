package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headspace/headspace/internal/bridge"
	"github.com/headspace/headspace/internal/common/config"
	"github.com/headspace/headspace/internal/lifecycle"
	"github.com/headspace/headspace/internal/models"
	"github.com/headspace/headspace/internal/store"
)

// seedAwaiting puts the session into awaiting_input via an open task.
func seedAwaiting(t *testing.T, repo *store.Repository, sess *models.Session) *models.Task {
	t.Helper()
	ctx := context.Background()
	task := &models.Task{SessionID: sess.ID, State: models.TaskStateAwaitingInput, Command: "fix the tests"}
	require.NoError(t, repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		return repo.CreateTaskTx(ctx, tx, task)
	}))
	return task
}

func TestRespondDelivered(t *testing.T) {
	repo := newTestRepo(t)
	p := seedProject(t, repo, "/home/dev/webapp")
	sess := seedSession(t, repo, p.ID, "uuid-1", "%1")
	seedAwaiting(t, repo, sess)

	sender := &fakeResponder{res: &lifecycle.Result{
		To:   models.TaskStateProcessing,
		Turn: &models.Turn{ID: 7},
	}}
	s := newTestServer(t, config.ServerConfig{}, Deps{Repo: repo, Sender: sender})

	rec := doJSON(s, http.MethodPost, "/api/respond/"+sess.ID, `{"text":"keep both"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "delivered", resp["status"])
	assert.Equal(t, string(models.TaskStateProcessing), resp["state"])
	assert.Equal(t, float64(7), resp["turn_id"])

	require.Len(t, sender.texts, 1)
	assert.Equal(t, "keep both", sender.texts[0])
	assert.Equal(t, sess.ID, sender.sessions[0].ID)
}

func TestRespondWrongStateWithoutQuestion(t *testing.T) {
	repo := newTestRepo(t)
	p := seedProject(t, repo, "/home/dev/webapp")
	sess := seedSession(t, repo, p.ID, "uuid-1", "%1")

	sender := &fakeResponder{}
	s := newTestServer(t, config.ServerConfig{}, Deps{Repo: repo, Sender: sender})

	rec := doJSON(s, http.MethodPost, "/api/respond/"+sess.ID, `{"text":"keep both"}`, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"wrong_state"`)
	assert.Empty(t, sender.texts, "nothing reaches the pane")
}

func TestRespondCommandModeBypassesStateGuard(t *testing.T) {
	repo := newTestRepo(t)
	p := seedProject(t, repo, "/home/dev/webapp")
	sess := seedSession(t, repo, p.ID, "uuid-1", "%1")

	sender := &fakeResponder{}
	s := newTestServer(t, config.ServerConfig{}, Deps{Repo: repo, Sender: sender})

	rec := doJSON(s, http.MethodPost, "/api/respond/"+sess.ID,
		`{"text":"run the linter","mode":"command"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, sender.texts, 1)
}

func TestRespondEndedSession(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	p := seedProject(t, repo, "/home/dev/webapp")
	sess := seedSession(t, repo, p.ID, "uuid-1", "%1")
	require.NoError(t, repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		return repo.EndSessionTx(ctx, tx, sess.ID, time.Now().UTC())
	}))

	s := newTestServer(t, config.ServerConfig{}, Deps{Repo: repo, Sender: &fakeResponder{}})

	rec := doJSON(s, http.MethodPost, "/api/respond/"+sess.ID,
		`{"text":"hello","mode":"command"}`, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"wrong_state"`)
}

func TestRespondPaneUnavailable(t *testing.T) {
	repo := newTestRepo(t)
	p := seedProject(t, repo, "/home/dev/webapp")
	sess := seedSession(t, repo, p.ID, "uuid-1", "%1")
	seedAwaiting(t, repo, sess)

	sender := &fakeResponder{err: bridge.ErrPaneUnavailable}
	s := newTestServer(t, config.ServerConfig{}, Deps{Repo: repo, Sender: sender})

	rec := doJSON(s, http.MethodPost, "/api/respond/"+sess.ID, `{"text":"keep both"}`, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"pane_unavailable"`)
	assert.Contains(t, rec.Body.String(), `"retryable":true`)
}

func TestRespondSendFailed(t *testing.T) {
	repo := newTestRepo(t)
	p := seedProject(t, repo, "/home/dev/webapp")
	sess := seedSession(t, repo, p.ID, "uuid-1", "%1")
	seedAwaiting(t, repo, sess)

	sender := &fakeResponder{err: bridge.ErrSendFailed}
	s := newTestServer(t, config.ServerConfig{}, Deps{Repo: repo, Sender: sender})

	rec := doJSON(s, http.MethodPost, "/api/respond/"+sess.ID, `{"text":"keep both"}`, nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"send_failed"`)
}

func TestRespondValidation(t *testing.T) {
	repo := newTestRepo(t)
	p := seedProject(t, repo, "/home/dev/webapp")
	sess := seedSession(t, repo, p.ID, "uuid-1", "%1")
	s := newTestServer(t, config.ServerConfig{}, Deps{Repo: repo, Sender: &fakeResponder{}})

	rec := doJSON(s, http.MethodPost, "/api/respond/"+sess.ID, `{}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(s, http.MethodPost, "/api/respond/"+sess.ID, `{"text":"x","mode":"shout"}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "mode")

	rec = doJSON(s, http.MethodPost, "/api/respond/missing", `{"text":"x"}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
