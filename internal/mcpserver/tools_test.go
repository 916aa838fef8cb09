package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headspace/headspace/internal/common/logger"
)

func testLog(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(&logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// recorded captures the last request the fake API saw.
type recorded struct {
	method string
	path   string
	query  string
	auth   string
	body   []byte
}

func fakeAPI(t *testing.T, token string, status int, response string) (*apiClient, *recorded) {
	t.Helper()
	rec := &recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.method = r.Method
		rec.path = r.URL.Path
		rec.query = r.URL.RawQuery
		rec.auth = r.Header.Get("Authorization")
		rec.body, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return newAPIClient(Config{HeadspaceURL: srv.URL, AuthToken: token}), rec
}

func callReq(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{Params: mcp.CallToolParams{Arguments: args}}
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok, "expected text content")
	return tc.Text
}

func TestListProjectsFormatsResponse(t *testing.T) {
	api, rec := fakeAPI(t, "secret", http.StatusOK, `{"projects":[{"id":"p1","name":"webapp"}]}`)

	res, err := listProjectsHandler(api, testLog(t))(context.Background(), callReq(nil))
	require.NoError(t, err)
	require.False(t, res.IsError)

	assert.Equal(t, http.MethodGet, rec.method)
	assert.Equal(t, "/api/projects", rec.path)
	assert.Equal(t, "Bearer secret", rec.auth)

	text := resultText(t, res)
	assert.Contains(t, text, `"name": "webapp"`)
}

func TestListSessionsActiveFilter(t *testing.T) {
	api, rec := fakeAPI(t, "secret", http.StatusOK, `{"sessions":[]}`)
	log := testLog(t)

	_, err := listSessionsHandler(api, log)(context.Background(), callReq(map[string]any{"active": true}))
	require.NoError(t, err)
	assert.Equal(t, "/api/sessions", rec.path)
	assert.Equal(t, "active=true", rec.query)

	_, err = listSessionsHandler(api, log)(context.Background(), callReq(nil))
	require.NoError(t, err)
	assert.Empty(t, rec.query)
}

func TestGetSessionRequiresID(t *testing.T) {
	api, rec := fakeAPI(t, "secret", http.StatusOK, `{"session":{"id":"sess-1"}}`)
	log := testLog(t)

	res, err := getSessionHandler(api, log)(context.Background(), callReq(nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Empty(t, rec.method, "missing session_id must not reach the API")

	res, err = getSessionHandler(api, log)(context.Background(), callReq(map[string]any{"session_id": "sess-1"}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Equal(t, "/api/sessions/sess-1", rec.path)
}

func TestRespondPostsTextAndMode(t *testing.T) {
	api, rec := fakeAPI(t, "secret", http.StatusOK, `{"status":"delivered","state":"processing"}`)

	res, err := respondHandler(api, testLog(t))(context.Background(), callReq(map[string]any{
		"session_id": "sess-1",
		"text":       "use sqlite for now",
		"mode":       "command",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	assert.Equal(t, http.MethodPost, rec.method)
	assert.Equal(t, "/api/respond/sess-1", rec.path)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.body, &body))
	assert.Equal(t, "use sqlite for now", body["text"])
	assert.Equal(t, "command", body["mode"])
}

func TestRespondOmitsDefaultMode(t *testing.T) {
	api, rec := fakeAPI(t, "secret", http.StatusOK, `{"status":"delivered"}`)

	_, err := respondHandler(api, testLog(t))(context.Background(), callReq(map[string]any{
		"session_id": "sess-1",
		"text":       "yes",
	}))
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.body, &body))
	assert.NotContains(t, body, "mode")
}

func TestRespondSurfacesAPIErrors(t *testing.T) {
	api, _ := fakeAPI(t, "secret", http.StatusConflict,
		`{"code":"wrong_state","message":"session is processing, not awaiting input","retryable":false}`)

	res, err := respondHandler(api, testLog(t))(context.Background(), callReq(map[string]any{
		"session_id": "sess-1",
		"text":       "yes",
	}))
	require.NoError(t, err)
	require.True(t, res.IsError)

	text := resultText(t, res)
	assert.Contains(t, text, "409")
	assert.Contains(t, text, "wrong_state")
}

func TestSetObjectivePutsText(t *testing.T) {
	api, rec := fakeAPI(t, "secret", http.StatusOK, `{"objective":{"text":"ship the beta"}}`)

	res, err := setObjectiveHandler(api, testLog(t))(context.Background(), callReq(map[string]any{
		"text": "ship the beta",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	assert.Equal(t, http.MethodPut, rec.method)
	assert.Equal(t, "/api/objective", rec.path)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.body, &body))
	assert.Equal(t, "ship the beta", body["text"])
}

func TestGetObjectiveFormatsResponse(t *testing.T) {
	api, rec := fakeAPI(t, "secret", http.StatusOK, `{"objective":{"text":"ship the beta","set_at":"2026-01-02T10:00:00Z"}}`)

	res, err := getObjectiveHandler(api, testLog(t))(context.Background(), callReq(nil))
	require.NoError(t, err)
	require.False(t, res.IsError)

	assert.Equal(t, "/api/objective", rec.path)
	assert.Contains(t, resultText(t, res), `"text": "ship the beta"`)
}

func TestClientSkipsAuthHeaderWithoutToken(t *testing.T) {
	api, rec := fakeAPI(t, "", http.StatusOK, `{"projects":[]}`)

	_, status, err := api.get(context.Background(), "/api/projects")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Empty(t, rec.auth)
}
