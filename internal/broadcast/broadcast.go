// Package broadcast fans the event bus out to long-lived subscribers and
// serves them over SSE. Each subscriber gets an ordered stream with
// monotonically increasing event ids; overflow drops the oldest frame and
// surfaces the loss as a marker instead of silent gaps.
package broadcast

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/headspace/headspace/internal/api/apierr"
	"github.com/headspace/headspace/internal/common/config"
	"github.com/headspace/headspace/internal/common/logger"
	"github.com/headspace/headspace/internal/events"
	"github.com/headspace/headspace/internal/events/bus"
	"github.com/headspace/headspace/internal/models"
	"github.com/headspace/headspace/internal/store"
)

// Frame kinds delivered to subscribers. The marker kinds carry stream
// bookkeeping, not domain events, and always pass subscriber filters.
const (
	KindStateChanged      = "state_changed"
	KindCardRefresh       = "card_refresh"
	KindAvailability      = "availability_changed"
	KindPriorityUpdate    = "priority_update"
	KindHeadspaceUpdate   = "headspace_update"
	KindProjectChanged    = "project_changed"
	KindSessionRegistered = "session_registered"
	KindSessionEnded      = "session_ended"
	KindSessionInactive   = "session_inactive"
	KindHookReceived      = "hook_received"

	KindDropped = "dropped"
	KindClosing = "closing"
)

var (
	// ErrSubscriberLimit is returned when the concurrent subscriber cap is
	// reached. Callers should retry after a short delay.
	ErrSubscriberLimit = errors.New("subscriber limit reached")
	// ErrClosed is returned when subscribing to a stopped broadcaster.
	ErrClosed = errors.New("broadcaster closed")
)

// busKinds maps bus event types to subscriber-facing frame kinds. Types
// absent from the map are internal and not broadcast.
var busKinds = map[string]string{
	events.SessionStateChanged: KindStateChanged,
	events.SessionCardRefresh:  KindCardRefresh,
	events.AvailabilityChanged: KindAvailability,
	events.PriorityUpdate:      KindPriorityUpdate,
	events.HeadspaceUpdate:     KindHeadspaceUpdate,
	events.ProjectCreated:      KindProjectChanged,
	events.ProjectUpdated:      KindProjectChanged,
	events.ProjectDeleted:      KindProjectChanged,
	events.SessionRegistered:   KindSessionRegistered,
	events.SessionEnded:        KindSessionEnded,
	events.SessionInactive:     KindSessionInactive,
	events.HookReceived:        KindHookReceived,
}

// storedKinds maps persisted event types to frame kinds for Last-Event-ID
// catch-up. Ephemeral kinds (card_refresh, priority_update) have no rows
// and cannot be replayed.
var storedKinds = map[string]string{
	models.EventStateTransition:     KindStateChanged,
	models.EventSessionRegistered:   KindSessionRegistered,
	models.EventSessionEnded:        KindSessionEnded,
	models.EventSessionInactive:     KindSessionInactive,
	models.EventHookReceived:        KindHookReceived,
	models.EventProjectCreated:      KindProjectChanged,
	models.EventProjectUpdated:      KindProjectChanged,
	models.EventProjectDeleted:      KindProjectChanged,
	models.EventAvailabilityChanged: KindAvailability,
	models.EventObjectiveUpdated:    KindHeadspaceUpdate,
}

// frameKinds is the set of kind names subscribers may filter on.
var frameKinds = map[string]struct{}{
	KindStateChanged:      {},
	KindCardRefresh:       {},
	KindAvailability:      {},
	KindPriorityUpdate:    {},
	KindHeadspaceUpdate:   {},
	KindProjectChanged:    {},
	KindSessionRegistered: {},
	KindSessionEnded:      {},
	KindSessionInactive:   {},
	KindHookReceived:      {},
}

// Frame is one unit of the subscriber stream. ID is the persisted event id,
// zero for ephemeral frames; zero-id frames carry no SSE id line so they
// never disturb Last-Event-ID resume.
type Frame struct {
	ID        int64
	Kind      string
	ProjectID string
	SessionID string
	Data      map[string]interface{}
}

// Filter selects which frames a subscriber receives. Empty fields match
// everything; scope fields require the frame to carry the matching id.
type Filter struct {
	Types     map[string]struct{}
	ProjectID string
	SessionID string
}

// NewFilter builds a subscriber filter from raw type names and scope ids.
// Unknown type names are rejected; both the SSE and websocket surfaces parse
// their filter parameters through here.
func NewFilter(types []string, projectID, sessionID string) (Filter, error) {
	f := Filter{ProjectID: projectID, SessionID: sessionID}
	if len(types) == 0 {
		return f, nil
	}
	f.Types = make(map[string]struct{}, len(types))
	for _, t := range types {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := frameKinds[t]; !ok {
			return Filter{}, apierr.Validation("unknown event type " + strconv.Quote(t))
		}
		f.Types[t] = struct{}{}
	}
	return f, nil
}

// Match reports whether the frame passes the filter. Marker frames always
// pass so subscribers cannot filter away loss or shutdown signals.
func (f Filter) Match(fr Frame) bool {
	if fr.Kind == KindDropped || fr.Kind == KindClosing {
		return true
	}
	if len(f.Types) > 0 {
		if _, ok := f.Types[fr.Kind]; !ok {
			return false
		}
	}
	if f.ProjectID != "" && fr.ProjectID != f.ProjectID {
		return false
	}
	if f.SessionID != "" && fr.SessionID != f.SessionID {
		return false
	}
	return true
}

// Subscriber is one registered stream consumer. Frames are read from
// Events(); a closed channel means the broadcaster unregistered the
// subscriber or shut down.
type Subscriber struct {
	id     string
	filter Filter
	ch     chan Frame

	dropped atomic.Int64

	// overflowSince is touched only under the broadcaster lock.
	overflowSince time.Time
}

// Events returns the subscriber's frame channel.
func (s *Subscriber) Events() <-chan Frame { return s.ch }

// ID returns the subscriber's identifier.
func (s *Subscriber) ID() string { return s.id }

// TakeDropped returns and resets the count of frames lost to overflow since
// the last call. The stream writer turns a non-zero count into a dropped
// marker frame.
func (s *Subscriber) TakeDropped() int64 { return s.dropped.Swap(0) }

// Broadcaster subscribes once to the bus wildcard and fans matching events
// out to every registered subscriber.
type Broadcaster struct {
	repo   *store.Repository
	bus    bus.EventBus
	cfg    config.BroadcasterConfig
	logger *logger.Logger

	sub bus.Subscription

	mu     sync.Mutex
	subs   map[string]*Subscriber
	closed bool
}

// New creates a broadcaster. Start wires it to the bus.
func New(repo *store.Repository, eventBus bus.EventBus, cfg config.BroadcasterConfig, log *logger.Logger) *Broadcaster {
	if log == nil {
		log = logger.Default()
	}
	return &Broadcaster{
		repo:   repo,
		bus:    eventBus,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "broadcaster")),
		subs:   make(map[string]*Subscriber),
	}
}

// Start subscribes to every bus subject.
func (b *Broadcaster) Start(ctx context.Context) error {
	if b.bus == nil {
		return nil
	}
	sub, err := b.bus.Subscribe(events.AllSubjectsWildcard, b.handle)
	if err != nil {
		return err
	}
	b.sub = sub
	b.logger.Info("broadcaster started")
	return nil
}

// Stop sends every subscriber a closing frame and unregisters them.
func (b *Broadcaster) Stop() {
	if b.sub != nil && b.sub.IsValid() {
		_ = b.sub.Unsubscribe()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	closing := Frame{Kind: KindClosing, Data: map[string]interface{}{"reason": "shutdown"}}
	for id, s := range b.subs {
		b.offer(s, closing)
		close(s.ch)
		delete(b.subs, id)
	}
	b.logger.Info("broadcaster stopped")
}

// Subscribe registers a consumer. The subscriber must be released with
// Unsubscribe when the consumer disconnects.
func (b *Broadcaster) Subscribe(f Filter) (*Subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.cfg.MaxSubscribers > 0 && len(b.subs) >= b.cfg.MaxSubscribers {
		return nil, ErrSubscriberLimit
	}

	size := b.cfg.BufferSize
	if size <= 0 {
		size = 100
	}
	s := &Subscriber{
		id:     uuid.New().String(),
		filter: f,
		ch:     make(chan Frame, size),
	}
	b.subs[s.id] = s
	b.logger.Debug("subscriber registered",
		zap.String("subscriber_id", s.id), zap.Int("total", len(b.subs)))
	return s, nil
}

// Unsubscribe releases a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(s *Subscriber) {
	if s == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.id]; !ok {
		return
	}
	delete(b.subs, s.id)
	close(s.ch)
	b.logger.Debug("subscriber unregistered",
		zap.String("subscriber_id", s.id), zap.Int("total", len(b.subs)))
}

// SubscriberCount returns the number of registered subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// CatchUp returns persisted events with ids greater than afterID that pass
// the filter, capped at the configured catch-up limit. Ephemeral kinds have
// no rows and never appear in the result.
func (b *Broadcaster) CatchUp(ctx context.Context, f Filter, afterID int64) ([]Frame, error) {
	if b.repo == nil || afterID < 0 {
		return nil, nil
	}
	limit := b.cfg.CatchupLimit
	if limit <= 0 {
		limit = 500
	}
	rows, err := b.repo.ListEventsAfter(ctx, afterID, limit)
	if err != nil {
		return nil, err
	}
	frames := make([]Frame, 0, len(rows))
	for _, ev := range rows {
		fr, ok := frameFromStored(ev)
		if !ok || !f.Match(fr) {
			continue
		}
		frames = append(frames, fr)
	}
	return frames, nil
}

// handle is the bus callback. Broadcast failures never propagate back to
// publishers.
func (b *Broadcaster) handle(_ context.Context, ev *bus.Event) error {
	fr, ok := frameFromBus(ev)
	if !ok {
		return nil
	}
	b.fanOut(fr)
	return nil
}

func (b *Broadcaster) fanOut(fr Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	var kicked []*Subscriber
	for _, s := range b.subs {
		if !s.filter.Match(fr) {
			continue
		}
		if !b.offer(s, fr) {
			kicked = append(kicked, s)
		}
	}
	for _, s := range kicked {
		delete(b.subs, s.id)
		close(s.ch)
		b.logger.Warn("slow subscriber unregistered",
			zap.String("subscriber_id", s.id),
			zap.Duration("stalled_for", time.Since(s.overflowSince)))
	}
}

// offer delivers a frame, dropping the subscriber's oldest buffered frame on
// overflow. Returns false once the subscriber has been overflowing for
// longer than the write grace period and should be unregistered. Must be
// called with b.mu held.
func (b *Broadcaster) offer(s *Subscriber, fr Frame) bool {
	select {
	case s.ch <- fr:
		s.overflowSince = time.Time{}
		return true
	default:
	}

	if s.overflowSince.IsZero() {
		s.overflowSince = time.Now()
	} else if grace := b.cfg.WriteGraceDuration(); grace > 0 && time.Since(s.overflowSince) > grace {
		return false
	}

	select {
	case oldest := <-s.ch:
		if oldest.Kind != KindDropped {
			s.dropped.Add(1)
		}
	default:
	}
	select {
	case s.ch <- fr:
	default:
		s.dropped.Add(1)
	}
	return true
}

// frameFromBus converts a bus event into a subscriber frame. The second
// return is false for event types that are not broadcast.
func frameFromBus(ev *bus.Event) (Frame, bool) {
	if ev == nil {
		return Frame{}, false
	}
	kind, ok := busKinds[ev.Type]
	if !ok {
		return Frame{}, false
	}
	fr := Frame{Kind: kind, Data: ev.Data}
	if ev.Data == nil {
		return fr, true
	}
	fr.ID = asInt64(ev.Data["event_id"])
	fr.ProjectID, _ = ev.Data["project_id"].(string)
	fr.SessionID, _ = ev.Data["session_id"].(string)
	return fr, true
}

// frameFromStored converts a persisted event row for catch-up replay.
func frameFromStored(ev *models.Event) (Frame, bool) {
	kind, ok := storedKinds[ev.Type]
	if !ok {
		return Frame{}, false
	}
	fr := Frame{ID: ev.ID, Kind: kind}
	data := make(map[string]interface{}, len(ev.Payload)+4)
	for k, v := range ev.Payload {
		data[k] = v
	}
	data["event_id"] = ev.ID
	if ev.ProjectID != nil {
		fr.ProjectID = *ev.ProjectID
		data["project_id"] = *ev.ProjectID
	}
	if ev.SessionID != nil {
		fr.SessionID = *ev.SessionID
		data["session_id"] = *ev.SessionID
	}
	if ev.TaskID != nil {
		data["task_id"] = *ev.TaskID
	}
	fr.Data = data
	return fr, true
}

// asInt64 reads an event id that may have crossed a JSON boundary.
func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
