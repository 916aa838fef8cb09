package bridge

import (
	"context"
	"strings"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headspace/headspace/internal/common/config"
	"github.com/headspace/headspace/internal/common/logger"
	"github.com/headspace/headspace/internal/events"
	"github.com/headspace/headspace/internal/events/bus"
	"github.com/headspace/headspace/internal/lifecycle"
	"github.com/headspace/headspace/internal/models"
)

// longAnswer is over the verify threshold so acceptance is checked by
// probing for its tail snippet.
const longAnswer = "Keep both implementations and add a regression test for the wrapping case."

type fakeDriver struct {
	exists   bool
	captures []string
	idx      int
	calls    []string
}

func (f *fakeDriver) PaneExists(context.Context, string) bool { return f.exists }

func (f *fakeDriver) CapturePaneEscaped(context.Context, string, int) (string, error) {
	f.calls = append(f.calls, "capture")
	if len(f.captures) == 0 {
		return "", nil
	}
	out := f.captures[f.idx]
	if f.idx < len(f.captures)-1 {
		f.idx++
	}
	return out, nil
}

func (f *fakeDriver) SendKeysLiteral(context.Context, string, string) error {
	f.calls = append(f.calls, "type")
	return nil
}

func (f *fakeDriver) SendEnter(context.Context, string) error {
	f.calls = append(f.calls, "enter")
	return nil
}

func (f *fakeDriver) SendEscape(context.Context, string) error {
	f.calls = append(f.calls, "escape")
	return nil
}

func (f *fakeDriver) count(op string) int {
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

type fakeEngine struct {
	inputs []lifecycle.Input
	err    error
}

func (f *fakeEngine) Apply(_ context.Context, in lifecycle.Input) (*lifecycle.Result, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &lifecycle.Result{Turn: &models.Turn{ID: 42}}, nil
}

func testBridgeConfig() config.BridgeConfig {
	return config.BridgeConfig{
		TmuxBinary:      "tmux",
		BaseDelayMillis: 150,
		MaxRetries:      3,
		CaptureLines:    80,
		VerifyMinChars:  40,
		SnippetMinChars: 15,
		SnippetMaxChars: 60,
		PollInterval:    15,
	}
}

func testLog(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(&logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func newTestSender(t *testing.T, f *fakeDriver, engine Dispatcher, eventBus bus.EventBus, cfg config.BridgeConfig) *Sender {
	t.Helper()
	return NewSender(f, nil, engine, eventBus, cfg, testLog(t))
}

func TestSendAcceptedFirstAttempt(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := &fakeDriver{exists: true, captures: []string{
			paneWithInput("> "),
			paneWithInput("> " + longAnswer),
			paneWithInput("> "),
		}}
		s := newTestSender(t, f, nil, nil, testBridgeConfig())

		require.NoError(t, s.Send(context.Background(), "%1", longAnswer))
		assert.Equal(t, []string{"capture", "type", "capture", "enter", "capture"}, f.calls)
	})
}

func TestSendRetryReEntersWithoutRetyping(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := &fakeDriver{exists: true, captures: []string{
			paneWithInput("> "),
			paneWithInput("> " + longAnswer),
			paneWithInput("> " + longAnswer), // Enter ignored, text still queued
			paneWithInput("> " + longAnswer),
			paneWithInput("> "),
		}}
		s := newTestSender(t, f, nil, nil, testBridgeConfig())

		require.NoError(t, s.Send(context.Background(), "%1", longAnswer))
		assert.Equal(t, 1, f.count("type"))
		assert.Equal(t, 2, f.count("enter"))
		assert.Equal(t, 0, f.count("escape"))
	})
}

func TestSendExhaustionReturnsSendFailed(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := &fakeDriver{exists: true, captures: []string{
			paneWithInput("> "),
			paneWithInput("> " + longAnswer), // never clears
		}}
		cfg := testBridgeConfig()
		cfg.MaxRetries = 1
		s := newTestSender(t, f, nil, nil, cfg)

		err := s.Send(context.Background(), "%1", longAnswer)
		require.ErrorIs(t, err, ErrSendFailed)
		assert.Equal(t, 1, f.count("type"))
		assert.Equal(t, 2, f.count("enter"))
	})
}

func TestSendPaneGone(t *testing.T) {
	f := &fakeDriver{exists: false}
	s := newTestSender(t, f, nil, nil, testBridgeConfig())

	err := s.Send(context.Background(), "%1", longAnswer)
	require.ErrorIs(t, err, ErrPaneUnavailable)
	assert.Empty(t, f.calls)
}

func TestSendDismissesGhostBeforeTyping(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := &fakeDriver{exists: true, captures: []string{
			paneWithInput("> fix\x1b[2m the remaining tests\x1b[22m"),
			paneWithInput("> " + longAnswer),
			paneWithInput("> "),
		}}
		s := newTestSender(t, f, nil, nil, testBridgeConfig())

		require.NoError(t, s.Send(context.Background(), "%1", longAnswer))
		assert.Equal(t, []string{"capture", "escape", "type", "capture", "enter", "capture"}, f.calls)
	})
}

func TestSendGhostReappearingBeforeEnter(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := &fakeDriver{exists: true, captures: []string{
			paneWithInput("> "),
			paneWithInput("> " + longAnswer + "\x1b[2m --verbose\x1b[22m"),
			paneWithInput("> " + longAnswer),
			paneWithInput("> "),
		}}
		s := newTestSender(t, f, nil, nil, testBridgeConfig())

		require.NoError(t, s.Send(context.Background(), "%1", longAnswer))
		assert.Equal(t,
			[]string{"capture", "type", "capture", "escape", "capture", "enter", "capture"},
			f.calls)
	})
}

func TestSendShortTextComparesPane(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := &fakeDriver{exists: true, captures: []string{
			paneWithInput("> "),
			paneWithInput("> ok"),
			paneLines("agent output", "> ok accepted", separator, "> ", separator),
		}}
		s := newTestSender(t, f, nil, nil, testBridgeConfig())

		require.NoError(t, s.Send(context.Background(), "%1", "ok"))
		assert.Equal(t, 1, f.count("enter"))
	})
}

func TestSendShortTextFrozenPaneFails(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := &fakeDriver{exists: true, captures: []string{
			paneWithInput("> "),
			paneWithInput("> ok"), // identical before and after every Enter
		}}
		cfg := testBridgeConfig()
		cfg.MaxRetries = 1
		s := newTestSender(t, f, nil, nil, cfg)

		err := s.Send(context.Background(), "%1", "ok")
		require.ErrorIs(t, err, ErrSendFailed)
	})
}

// At the verification length threshold the strategy switches: one character
// under uses the pane comparison, at the threshold the snippet probe decides.
func TestSendVerifyLengthBoundary(t *testing.T) {
	captures := func(text string) []string {
		return []string{
			paneWithInput("> "),
			paneWithInput("> " + text),
			// Spinner advanced but the input line still holds the text.
			paneLines("agent output spinning", separator, "> "+text, separator, "? for shortcuts"),
		}
	}
	cfg := testBridgeConfig()
	cfg.MaxRetries = 0

	t.Run("at threshold the lingering snippet fails the send", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			text := strings.Repeat("x", cfg.VerifyMinChars)
			f := &fakeDriver{exists: true, captures: captures(text)}
			s := newTestSender(t, f, nil, nil, cfg)

			err := s.Send(context.Background(), "%1", text)
			require.ErrorIs(t, err, ErrSendFailed)
		})
	})

	t.Run("under threshold the changed pane passes", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			text := strings.Repeat("x", cfg.VerifyMinChars-1)
			f := &fakeDriver{exists: true, captures: captures(text)}
			s := newTestSender(t, f, nil, nil, cfg)

			require.NoError(t, s.Send(context.Background(), "%1", text))
		})
	})
}

func TestTypingDelay(t *testing.T) {
	s := newTestSender(t, &fakeDriver{}, nil, nil, testBridgeConfig())

	assert.Equal(t, 150*time.Millisecond, s.typingDelay("short"))
	assert.Equal(t, 150*time.Millisecond, s.typingDelay(strings.Repeat("a", 200)))
	assert.Equal(t, 151*time.Millisecond, s.typingDelay(strings.Repeat("a", 210)))
	assert.Equal(t, 330*time.Millisecond, s.typingDelay(strings.Repeat("a", 2000)))
}

func TestDeliverRecordsTurn(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := &fakeDriver{exists: true, captures: []string{
			paneWithInput("> "),
			paneWithInput("> " + longAnswer),
			paneWithInput("> "),
		}}
		engine := &fakeEngine{}
		mb := bus.NewMemoryEventBus(testLog(t))
		var published []*bus.Event
		_, err := mb.Subscribe(events.AnswerDelivered+".*", func(_ context.Context, ev *bus.Event) error {
			published = append(published, ev)
			return nil
		})
		require.NoError(t, err)

		s := newTestSender(t, f, engine, mb, testBridgeConfig())
		sess := &models.Session{ID: "sess-1", ProjectID: "proj-1", PaneID: "%5"}

		res, err := s.Deliver(context.Background(), sess, longAnswer)
		require.NoError(t, err)
		require.NotNil(t, res.Turn)

		require.Len(t, engine.inputs, 1)
		in := engine.inputs[0]
		assert.Equal(t, "sess-1", in.SessionID)
		assert.Equal(t, lifecycle.TriggerUserCommand, in.Trigger)
		assert.Equal(t, models.ActorUser, in.Actor)
		assert.Equal(t, longAnswer, in.Text)
		assert.Equal(t, models.TimestampSourceServer, in.Source)
		assert.Equal(t, lifecycle.ProvenanceBridge, in.Provenance)
		assert.Empty(t, in.HookKind)
		assert.Empty(t, in.EventKey)

		require.Len(t, published, 1)
		assert.Equal(t, events.AnswerDelivered, published[0].Type)
		assert.Equal(t, "sess-1", published[0].Data["session_id"])
		assert.Equal(t, int64(42), published[0].Data["turn_id"])
	})
}

func TestDeliverFailurePublishesAnswerFailed(t *testing.T) {
	f := &fakeDriver{exists: false}
	engine := &fakeEngine{}
	mb := bus.NewMemoryEventBus(testLog(t))
	var published []*bus.Event
	_, err := mb.Subscribe(events.AnswerFailed+".*", func(_ context.Context, ev *bus.Event) error {
		published = append(published, ev)
		return nil
	})
	require.NoError(t, err)

	s := newTestSender(t, f, engine, mb, testBridgeConfig())
	sess := &models.Session{ID: "sess-1", ProjectID: "proj-1", PaneID: "%5"}

	_, err = s.Deliver(context.Background(), sess, longAnswer)
	require.ErrorIs(t, err, ErrPaneUnavailable)

	assert.Empty(t, engine.inputs)
	require.Len(t, published, 1)
	assert.Equal(t, events.AnswerFailed, published[0].Type)
	assert.Contains(t, published[0].Data["reason"], "pane")
}

func TestDeliverWithoutPane(t *testing.T) {
	engine := &fakeEngine{}
	s := newTestSender(t, &fakeDriver{exists: true}, engine, nil, testBridgeConfig())

	_, err := s.Deliver(context.Background(), &models.Session{ID: "sess-1", ProjectID: "proj-1"}, "hi")
	require.ErrorIs(t, err, ErrPaneUnavailable)
	assert.Empty(t, engine.inputs)
}
