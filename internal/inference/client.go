// Package inference wraps the OpenAI-compatible aggregator behind a single
// Infer call with caching, per-purpose rate limits and retry. The rest of
// the system treats it as optional: when no backend is configured or a call
// exhausts its retries, callers degrade to local fallbacks.
package inference

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/headspace/headspace/internal/common/config"
	"github.com/headspace/headspace/internal/common/logger"
)

// Purposes name what a prompt is for. Each purpose gets its own rate
// limiter so a burst of completion summaries cannot starve priority
// scoring.
const (
	PurposeInstruction = "instruction"
	PurposeCompletion  = "completion"
	PurposePriority    = "priority"
)

// ErrUnavailable reports that no backend is configured or the backend could
// not be reached within the retry budget.
var ErrUnavailable = errors.New("inference unavailable")

// completionAPI is the slice of the OpenAI client used here, split out so
// tests can substitute a fake backend.
type completionAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Client talks to the inference aggregator.
type Client struct {
	cfg    config.InferenceConfig
	api    completionAPI
	cache  *lru.Cache[string, string]
	logger *logger.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds a client from configuration. An empty base URL yields a
// disabled client whose Infer always returns ErrUnavailable.
func New(cfg config.InferenceConfig, log *logger.Logger) (*Client, error) {
	if log == nil {
		log = logger.Default()
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[string, string](size)
	if err != nil {
		return nil, fmt.Errorf("inference cache: %w", err)
	}

	c := &Client{
		cfg:      cfg,
		cache:    cache,
		logger:   log.WithFields(zap.String("component", "inference")),
		limiters: make(map[string]*rate.Limiter),
	}
	if cfg.Enabled() {
		apiCfg := openai.DefaultConfig(cfg.APIKey)
		apiCfg.BaseURL = cfg.BaseURL
		c.api = openai.NewClientWithConfig(apiCfg)
	}
	return c, nil
}

// Enabled reports whether a backend is configured.
func (c *Client) Enabled() bool {
	return c.api != nil
}

// Infer sends a prompt for the given purpose and returns the generated
// text. Identical prompts for the same purpose are served from the cache
// without touching the backend or the limiter.
func (c *Client) Infer(ctx context.Context, prompt, purpose string) (string, error) {
	if c.api == nil {
		return "", ErrUnavailable
	}

	key := cacheKey(purpose, prompt)
	if cached, ok := c.cache.Get(key); ok {
		return cached, nil
	}

	if err := c.limiter(purpose).Wait(ctx); err != nil {
		return "", fmt.Errorf("inference rate wait: %w", err)
	}

	text, err := c.complete(ctx, prompt, purpose)
	if err != nil {
		c.logger.Warn("inference call failed",
			zap.String("purpose", purpose),
			zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	c.cache.Add(key, text)
	return text, nil
}

func (c *Client) complete(ctx context.Context, prompt, purpose string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: 0.2,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(purpose)},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}

	var text string
	op := func() error {
		resp, err := c.api.CreateChatCompletion(ctx, req)
		if err != nil {
			if !retryableError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		if len(resp.Choices) == 0 {
			return backoff.Permanent(errors.New("empty completion"))
		}
		text = strings.TrimSpace(resp.Choices[0].Message.Content)
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = c.cfg.TimeoutDuration()
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, 3), ctx)); err != nil {
		return "", err
	}
	return text, nil
}

// limiter returns the rate limiter for a purpose, creating it on first use.
func (c *Client) limiter(purpose string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lim, ok := c.limiters[purpose]; ok {
		return lim
	}
	rpm := c.cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 30
	}
	burst := rpm / 6
	if burst < 1 {
		burst = 1
	}
	lim := rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)
	c.limiters[purpose] = lim
	return lim
}

// retryableError keeps 429 and server-side failures in the retry loop;
// other API errors are the caller's fault and fail immediately.
func retryableError(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	return true
}

func cacheKey(purpose, prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return purpose + ":" + hex.EncodeToString(sum[:])
}

func systemPrompt(purpose string) string {
	switch purpose {
	case PurposeInstruction:
		return "Summarise the user's request as one short imperative sentence of at most twelve words. Output only the sentence."
	case PurposeCompletion:
		return "Summarise what the agent accomplished as one short past-tense sentence of at most twelve words. Output only the sentence."
	case PurposePriority:
		return "Given the session summary, answer with a single integer priority from 0 (ignore) to 100 (urgent). Output only the integer."
	default:
		return "Answer concisely."
	}
}
