package inference

import (
	"context"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headspace/headspace/internal/common/config"
	"github.com/headspace/headspace/internal/common/logger"
)

type fakeAPI struct {
	calls int
	// errs are returned in order before reply succeeds.
	errs  []error
	reply string
}

func (f *fakeAPI) CreateChatCompletion(_ context.Context, _ openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return openai.ChatCompletionResponse{}, err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: f.reply}},
		},
	}, nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(&logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func newFakeClient(t *testing.T, api completionAPI) *Client {
	t.Helper()
	c, err := New(config.InferenceConfig{
		BaseURL: "http://localhost:9", APIKey: "k", Model: "m",
		Timeout: 5, CacheSize: 16, RequestsPerMinute: 600, MaxTokens: 64,
	}, testLogger(t))
	require.NoError(t, err)
	c.api = api
	return c
}

func TestClient_DisabledReturnsUnavailable(t *testing.T) {
	c, err := New(config.InferenceConfig{CacheSize: 16}, testLogger(t))
	require.NoError(t, err)
	assert.False(t, c.Enabled())

	_, err = c.Infer(context.Background(), "anything", PurposeInstruction)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestClient_CacheHitSkipsBackend(t *testing.T) {
	api := &fakeAPI{reply: "  fix the login bug  "}
	c := newFakeClient(t, api)

	out, err := c.Infer(context.Background(), "please fix the login bug", PurposeInstruction)
	require.NoError(t, err)
	assert.Equal(t, "fix the login bug", out)

	out, err = c.Infer(context.Background(), "please fix the login bug", PurposeInstruction)
	require.NoError(t, err)
	assert.Equal(t, "fix the login bug", out)
	assert.Equal(t, 1, api.calls)

	// Same prompt under a different purpose is a different cache entry.
	_, err = c.Infer(context.Background(), "please fix the login bug", PurposeCompletion)
	require.NoError(t, err)
	assert.Equal(t, 2, api.calls)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	api := &fakeAPI{
		errs:  []error{&openai.APIError{HTTPStatusCode: 500, Message: "boom"}},
		reply: "recovered",
	}
	c := newFakeClient(t, api)

	out, err := c.Infer(context.Background(), "prompt", PurposeCompletion)
	require.NoError(t, err)
	assert.Equal(t, "recovered", out)
	assert.Equal(t, 2, api.calls)
}

func TestClient_ClientErrorIsPermanent(t *testing.T) {
	api := &fakeAPI{
		errs:  []error{&openai.APIError{HTTPStatusCode: 400, Message: "bad request"}},
		reply: "never",
	}
	c := newFakeClient(t, api)

	_, err := c.Infer(context.Background(), "prompt", PurposeCompletion)
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 1, api.calls)
}

func TestClient_RateWaitHonoursContext(t *testing.T) {
	api := &fakeAPI{reply: "ok"}
	c := newFakeClient(t, api)
	c.cfg.RequestsPerMinute = 1 // burst 1: the second call must wait a minute

	_, err := c.Infer(context.Background(), "first", PurposePriority)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Infer(ctx, "second", PurposePriority)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate wait")
	assert.Equal(t, 1, api.calls)
}

func TestSummarizer_FallsBackToTruncation(t *testing.T) {
	c, err := New(config.InferenceConfig{CacheSize: 16}, testLogger(t))
	require.NoError(t, err)
	s := NewSummarizer(c)

	long := strings.Repeat("refactor the storage layer ", 20)
	out, err := s.Instruction(context.Background(), long)
	require.NoError(t, err)
	assert.True(t, len([]rune(out)) <= fallbackRuneLimit+3)
	assert.True(t, strings.HasSuffix(out, "..."))

	out, err = s.Completion(context.Background(), "short answer")
	require.NoError(t, err)
	assert.Equal(t, "short answer", out)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "a b c", Truncate("  a   b \n c ", 10))
	assert.Equal(t, "exact", Truncate("exact", 5))

	got := Truncate("one two three four five six", 14)
	assert.Equal(t, "one two three...", got)
}
