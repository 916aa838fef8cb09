package transcript

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/headspace/headspace/internal/common/config"
	"github.com/headspace/headspace/internal/common/logger"
	"github.com/headspace/headspace/internal/events"
	"github.com/headspace/headspace/internal/events/bus"
	"github.com/headspace/headspace/internal/lifecycle"
	"github.com/headspace/headspace/internal/models"
	"github.com/headspace/headspace/internal/store"
)

// maxLineBytes caps a single transcript line. Complete lines beyond the cap
// are unsalvageable and skipped.
const maxLineBytes = 1 << 20

// Dispatcher is the slice of the lifecycle service the watcher feeds.
type Dispatcher interface {
	Apply(ctx context.Context, in lifecycle.Input) (*lifecycle.Result, error)
	ClassifyAgentText(text string) (lifecycle.Trigger, models.Intent)
}

// cursor tracks one transcript file. offset only advances past lines that
// have been parsed and applied (or judged unsalvageable).
type cursor struct {
	sessionID string
	projectID string
	offset    int64
	lastLine  time.Time
	notified  bool
}

// Watcher tails registered transcript files. fsnotify events coalesce
// through a debounce window; polling sweeps reconcile anything notification
// misses, accelerating when hooks go silent.
type Watcher struct {
	repo       *store.Repository
	dispatcher Dispatcher
	bus        bus.EventBus
	cfg        config.WatcherConfig
	logger     *logger.Logger

	fsw     *fsnotify.Watcher
	trigger chan struct{}

	mu       sync.Mutex
	cursors  map[string]*cursor
	dirty    map[string]struct{}
	watched  map[string]struct{}
	lastHook time.Time
	started  bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a transcript watcher. A failed fsnotify init degrades to
// polling only.
func New(repo *store.Repository, dispatcher Dispatcher, eventBus bus.EventBus, cfg config.WatcherConfig, log *logger.Logger) *Watcher {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "transcript-watcher"))

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Error("failed to create filesystem watcher, polling only", zap.Error(err))
		fsw = nil
	}

	return &Watcher{
		repo:       repo,
		dispatcher: dispatcher,
		bus:        eventBus,
		cfg:        cfg,
		logger:     log,
		fsw:        fsw,
		trigger:    make(chan struct{}, 1),
		cursors:    make(map[string]*cursor),
		dirty:      make(map[string]struct{}),
		watched:    make(map[string]struct{}),
		lastHook:   time.Now(),
		stopCh:     make(chan struct{}),
	}
}

// Start rebuilds cursors for registered sessions and begins watching.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = true
	w.mu.Unlock()

	sessions, err := w.repo.ListSessionsWithTranscripts(ctx)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		w.Track(s)
	}
	for _, root := range w.cfg.Roots {
		w.watchDir(root)
	}

	if w.fsw != nil {
		w.wg.Add(1)
		go w.watchLoop()
	}
	w.wg.Add(1)
	go w.sweepLoop(ctx)

	w.logger.Info("transcript watcher started", zap.Int("sessions", len(sessions)))
	return nil
}

// Stop halts the loops and waits for them.
func (w *Watcher) Stop() {
	close(w.stopCh)
	if w.fsw != nil {
		if err := w.fsw.Close(); err != nil {
			w.logger.Debug("failed to close fsnotify watcher", zap.Error(err))
		}
	}
	w.wg.Wait()
	w.logger.Info("transcript watcher stopped")
}

// Track registers a session's transcript file. The cursor starts at zero;
// the replay of already-captured lines dedupes inside the lifecycle.
func (w *Watcher) Track(s *models.Session) {
	if s.TranscriptPath == "" {
		return
	}
	w.mu.Lock()
	if cur, ok := w.cursors[s.TranscriptPath]; ok {
		cur.sessionID = s.ID
		cur.projectID = s.ProjectID
		w.mu.Unlock()
		return
	}
	w.cursors[s.TranscriptPath] = &cursor{
		sessionID: s.ID,
		projectID: s.ProjectID,
		lastLine:  time.Now(),
	}
	w.dirty[s.TranscriptPath] = struct{}{}
	w.mu.Unlock()

	w.watchDir(filepath.Dir(s.TranscriptPath))
	w.wake()
	w.logger.Debug("tracking transcript",
		zap.String("session_id", s.ID), zap.String("path", s.TranscriptPath))
}

// Untrack forgets a session's transcript file.
func (w *Watcher) Untrack(path string) {
	w.mu.Lock()
	delete(w.cursors, path)
	delete(w.dirty, path)
	w.mu.Unlock()
}

// NoteHookActivity records that a hook arrived. The receiver calls this so
// the poll cadence can relax while the hook path is healthy.
func (w *Watcher) NoteHookActivity() {
	w.mu.Lock()
	w.lastHook = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) watchDir(dir string) {
	if w.fsw == nil || dir == "" {
		return
	}
	w.mu.Lock()
	if _, ok := w.watched[dir]; ok {
		w.mu.Unlock()
		return
	}
	w.watched[dir] = struct{}{}
	w.mu.Unlock()

	if err := w.fsw.Add(dir); err != nil {
		w.logger.Debug("failed to watch directory", zap.String("dir", dir), zap.Error(err))
	}
}

// wake nudges the sweep loop without blocking.
func (w *Watcher) wake() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

func (w *Watcher) watchLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.mu.Lock()
			_, tracked := w.cursors[event.Name]
			if tracked {
				w.dirty[event.Name] = struct{}{}
			}
			w.mu.Unlock()
			if tracked {
				w.wake()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Debug("filesystem watcher error", zap.Error(err))
		}
	}
}

// sweepLoop drains dirty files after a debounce window and runs periodic
// reconciliation sweeps over everything.
func (w *Watcher) sweepLoop(ctx context.Context) {
	defer w.wg.Done()

	var debounce *time.Timer
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	nextPoll := time.Now()

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return
		case <-w.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		case <-w.trigger:
			if debounce == nil {
				debounce = time.NewTimer(w.cfg.DebounceDuration())
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(w.cfg.DebounceDuration())
			}
		case <-func() <-chan time.Time {
			if debounce != nil {
				return debounce.C
			}
			return nil
		}():
			debounce = nil
			w.sweepDirty(ctx)
		case now := <-tick.C:
			if now.Before(nextPoll) {
				continue
			}
			w.pollSweep(ctx)
			nextPoll = now.Add(w.pollInterval())
		}
	}
}

// pollInterval returns the reconciliation cadence: relaxed while hooks are
// flowing, accelerated once they have been silent past the threshold.
func (w *Watcher) pollInterval() time.Duration {
	w.mu.Lock()
	silent := time.Since(w.lastHook)
	w.mu.Unlock()
	if silent >= w.cfg.SilenceThresholdDuration() {
		return w.cfg.ActivePollIntervalDuration()
	}
	return w.cfg.PollIntervalDuration()
}

func (w *Watcher) sweepDirty(ctx context.Context) {
	w.mu.Lock()
	paths := make([]string, 0, len(w.dirty))
	for p := range w.dirty {
		paths = append(paths, p)
	}
	w.dirty = make(map[string]struct{})
	w.mu.Unlock()

	for _, p := range paths {
		w.sweep(ctx, p)
	}
}

// pollSweep reconciles every tracked file, adopts sessions registered since
// the last poll, drops ended ones, and raises inactivity events.
func (w *Watcher) pollSweep(ctx context.Context) {
	sessions, err := w.repo.ListSessionsWithTranscripts(ctx)
	if err != nil {
		w.logger.Warn("failed to refresh transcript sessions", zap.Error(err))
	} else {
		active := make(map[string]struct{}, len(sessions))
		for _, s := range sessions {
			w.Track(s)
			active[s.TranscriptPath] = struct{}{}
		}
		w.mu.Lock()
		for p := range w.cursors {
			if _, ok := active[p]; !ok {
				delete(w.cursors, p)
				delete(w.dirty, p)
			}
		}
		w.mu.Unlock()
	}

	w.mu.Lock()
	paths := make([]string, 0, len(w.cursors))
	for p := range w.cursors {
		paths = append(paths, p)
	}
	w.dirty = make(map[string]struct{})
	w.mu.Unlock()

	for _, p := range paths {
		w.sweep(ctx, p)
		w.checkInactive(ctx, p)
	}
}

// sweep reads new complete lines from one file. The cursor advances line by
// line: parse failures on complete lines are unsalvageable and skipped, a
// dispatch failure aborts the sweep so the line is retried next time, and a
// partial tail without a newline is left for the writer to finish.
func (w *Watcher) sweep(ctx context.Context, path string) {
	w.mu.Lock()
	cur, ok := w.cursors[path]
	if !ok {
		w.mu.Unlock()
		return
	}
	sessionID, offset := cur.sessionID, cur.offset
	w.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("failed to open transcript", zap.String("path", path), zap.Error(err))
		}
		return
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return
	}
	if info.Size() < offset {
		w.logger.Warn("transcript truncated, rereading",
			zap.String("path", path), zap.Int64("offset", offset))
		offset = 0
	}
	if info.Size() == offset {
		return
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		w.logger.Warn("failed to seek transcript", zap.String("path", path), zap.Error(err))
		return
	}

	r := bufio.NewReaderSize(f, 64*1024)
	for {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			// Partial tail; wait for the writer to finish the line.
			break
		}
		if err != nil {
			w.logger.Warn("failed to read transcript", zap.String("path", path), zap.Error(err))
			break
		}

		consumed := int64(len(line))
		if len(line) > maxLineBytes {
			w.logger.Warn("transcript line too long, skipped",
				zap.String("path", path), zap.Int("bytes", len(line)))
			offset += consumed
			continue
		}

		entry, perr := ParseLine(line)
		if perr != nil {
			w.logger.Warn("malformed transcript line skipped",
				zap.String("path", path), zap.Error(perr))
			offset += consumed
			continue
		}
		if entry != nil {
			if derr := w.dispatch(ctx, sessionID, entry); derr != nil {
				w.logger.Warn("transcript dispatch failed, will retry",
					zap.String("session_id", sessionID), zap.Error(derr))
				break
			}
			w.markActivity(path)
		}
		offset += consumed
	}

	w.mu.Lock()
	if cur, ok := w.cursors[path]; ok {
		cur.offset = offset
	}
	w.mu.Unlock()
}

func (w *Watcher) markActivity(path string) {
	w.mu.Lock()
	if cur, ok := w.cursors[path]; ok {
		cur.lastLine = time.Now()
		cur.notified = false
	}
	w.mu.Unlock()
}

func (w *Watcher) dispatch(ctx context.Context, sessionID string, e *Entry) error {
	in := lifecycle.Input{
		SessionID:  sessionID,
		Actor:      e.Actor,
		Text:       e.Text,
		Timestamp:  e.Timestamp,
		Source:     models.TimestampSourceJSONL,
		Provenance: lifecycle.ProvenanceTranscript,
	}
	if e.Actor == models.ActorUser {
		in.Trigger = lifecycle.TriggerUserCommand
		in.Intent = models.IntentCommand
	} else {
		in.Trigger, in.Intent = w.dispatcher.ClassifyAgentText(e.Text)
	}
	_, err := w.dispatcher.Apply(ctx, in)
	return err
}

// checkInactive raises session_inactive once per quiet period.
func (w *Watcher) checkInactive(ctx context.Context, path string) {
	window := w.cfg.InactiveAfterDuration()
	if window <= 0 {
		return
	}

	w.mu.Lock()
	cur, ok := w.cursors[path]
	if !ok || cur.notified || time.Since(cur.lastLine) < window {
		w.mu.Unlock()
		return
	}
	cur.notified = true
	sessionID, projectID := cur.sessionID, cur.projectID
	quietFor := time.Since(cur.lastLine)
	w.mu.Unlock()

	ev := &models.Event{
		Type:      models.EventSessionInactive,
		ProjectID: &projectID,
		SessionID: &sessionID,
		Payload: map[string]interface{}{
			"quiet_seconds": int(quietFor.Seconds()),
		},
	}
	if err := w.repo.AppendEvent(ctx, ev); err != nil {
		w.logger.Warn("failed to record session_inactive", zap.Error(err))
		return
	}
	w.publish(ctx, events.SessionInactive+"."+sessionID, events.SessionInactive, map[string]interface{}{
		"event_id":   ev.ID,
		"session_id": sessionID,
		"project_id": projectID,
	})
	w.logger.Info("session transcript quiet",
		zap.String("session_id", sessionID),
		zap.Duration("quiet_for", quietFor))
}

func (w *Watcher) publish(ctx context.Context, subject, typ string, data map[string]interface{}) {
	if w.bus == nil {
		return
	}
	if err := w.bus.Publish(ctx, subject, bus.NewEvent(typ, "transcript-watcher", data)); err != nil {
		w.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
