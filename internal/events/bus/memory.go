package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/headspace/headspace/internal/common/logger"
)

// MemoryEventBus is an in-process EventBus with NATS-style subject matching.
//
// Dispatch is synchronous: Publish returns after every matching handler has
// run. Subscribers therefore observe events in exactly the order they were
// published, which the broadcaster relies on when sequencing SSE frames.
type MemoryEventBus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*memorySubscription
	queues        map[string]*queueGroup
	logger        *logger.Logger
	closed        bool
}

// memorySubscription is a single handler bound to a subject pattern.
type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	queue   string
	handler EventHandler
	mu      sync.RWMutex
	active  bool
}

// Unsubscribe removes the subscription from the bus.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	s.mu.Unlock()

	s.bus.remove(s)
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// queueGroup delivers each event to exactly one member, round-robin.
type queueGroup struct {
	members []*memorySubscription
	next    int
}

// NewMemoryEventBus creates an in-process event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		queues:        make(map[string]*queueGroup),
		logger:        log,
	}
}

// Publish delivers the event to every matching subscription and one member
// of each matching queue group. Handlers run synchronously on the caller's
// goroutine; handler errors are logged, not returned.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("event bus is closed")
	}

	var handlers []EventHandler
	for pattern, subs := range b.subscriptions {
		if !matches(pattern, subject) {
			continue
		}
		for _, sub := range subs {
			if sub.IsValid() {
				handlers = append(handlers, sub.handler)
			}
		}
	}
	for key, group := range b.queues {
		pattern := queuePattern(key)
		if !matches(pattern, subject) || len(group.members) == 0 {
			continue
		}
		// Round-robin across live members.
		for range group.members {
			member := group.members[group.next%len(group.members)]
			group.next++
			if member.IsValid() {
				handlers = append(handlers, member.handler)
				break
			}
		}
	}
	b.mu.Unlock()

	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			b.logger.Warn("event handler failed",
				zap.String("subject", subject),
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	}
	return nil
}

// Subscribe registers a handler for a subject pattern. Patterns support the
// NATS wildcards * (one token) and > (one or more trailing tokens).
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	if _, err := compilePattern(subject); err != nil {
		return nil, fmt.Errorf("invalid subject pattern %q: %w", subject, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		handler: handler,
		active:  true,
	}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)
	return sub, nil
}

// QueueSubscribe registers a handler in a named queue group. Each event is
// delivered to exactly one member of the group.
func (b *MemoryEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	if _, err := compilePattern(subject); err != nil {
		return nil, fmt.Errorf("invalid subject pattern %q: %w", subject, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		queue:   queue,
		handler: handler,
		active:  true,
	}
	key := queueKey(subject, queue)
	group, ok := b.queues[key]
	if !ok {
		group = &queueGroup{}
		b.queues[key] = group
	}
	group.members = append(group.members, sub)
	return sub, nil
}

// Close deactivates all subscriptions and rejects further use.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
	}
	for _, group := range b.queues {
		for _, sub := range group.members {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)
	b.queues = make(map[string]*queueGroup)
}

// IsConnected reports whether the bus accepts publishes.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (b *MemoryEventBus) remove(target *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if target.queue != "" {
		key := queueKey(target.subject, target.queue)
		if group, ok := b.queues[key]; ok {
			members := group.members[:0]
			for _, sub := range group.members {
				if sub != target {
					members = append(members, sub)
				}
			}
			group.members = members
			if len(group.members) == 0 {
				delete(b.queues, key)
			}
		}
		return
	}

	subs := b.subscriptions[target.subject]
	kept := subs[:0]
	for _, sub := range subs {
		if sub != target {
			kept = append(kept, sub)
		}
	}
	if len(kept) == 0 {
		delete(b.subscriptions, target.subject)
	} else {
		b.subscriptions[target.subject] = kept
	}
}

const queueKeySep = "\x00"

func queueKey(subject, queue string) string {
	return subject + queueKeySep + queue
}

func queuePattern(key string) string {
	if i := strings.Index(key, queueKeySep); i >= 0 {
		return key[:i]
	}
	return key
}

// matches reports whether a subject satisfies a subscription pattern.
func matches(pattern, subject string) bool {
	if !strings.ContainsAny(pattern, "*>") {
		return pattern == subject
	}
	re, err := compilePattern(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(subject)
}

// compilePattern turns a NATS-style pattern into an anchored regexp.
// * matches exactly one token; > matches one or more trailing tokens.
// Note QuoteMeta escapes * but leaves > alone, hence the two spellings.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	quoted := regexp.QuoteMeta(pattern)
	quoted = strings.ReplaceAll(quoted, `\*`, `[^.]+`)
	quoted = strings.ReplaceAll(quoted, `>`, `.+`)
	return regexp.Compile("^" + quoted + "$")
}
