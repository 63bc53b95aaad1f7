// ABOUTME: In-memory topic broker delivering full snapshots to live subscribers
// ABOUTME: Publish only wakes subscribers; each pulls the newest state on its own goroutine

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultLoadTimeout bounds a single snapshot load.
const DefaultLoadTimeout = 5 * time.Second

// Loader reads the current snapshot for a topic.
type Loader[T any] func(ctx context.Context, topic string) (T, error)

// Handler receives snapshots. err is non-nil when the snapshot could not be
// loaded; the subscription stays active and later publishes retry.
type Handler[T any] func(snapshot T, err error)

// Broker fans store mutations out to subscribers of a topic (a uid for
// conversation lists, a conversation id for message logs).
//
// Publish never blocks: every subscriber has a one-slot wake channel and its
// own goroutine that reloads the snapshot when woken. Several publishes that
// land before the subscriber gets around to loading collapse into one
// delivery of the newest state, and because loads for one subscriber are
// sequential a subscriber never observes state older than what it already
// saw.
type Broker[T any] struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*subscriber[T] // topic -> subID -> sub
	closed      bool

	load        Loader[T]
	loadTimeout time.Duration
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type subscriber[T any] struct {
	id      string
	topic   string
	handler Handler[T]
	wake    chan struct{}
	done    chan struct{}

	cancelled atomic.Bool
	once      sync.Once
}

// NewBroker creates a broker backed by load. Pass nil logger for default and
// zero loadTimeout for DefaultLoadTimeout.
func NewBroker[T any](name string, load Loader[T], loadTimeout time.Duration, logger *slog.Logger) *Broker[T] {
	if logger == nil {
		logger = slog.Default()
	}
	if loadTimeout <= 0 {
		loadTimeout = DefaultLoadTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker[T]{
		subscribers: make(map[string]map[string]*subscriber[T]),
		load:        load,
		loadTimeout: loadTimeout,
		logger:      logger.With("component", "broker", "feed", name),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Subscription is the cancellation handle returned by Subscribe.
type Subscription struct {
	id     string
	topic  string
	cancel func()
}

// ID returns the subscription's unique id.
func (s *Subscription) ID() string { return s.id }

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Cancel stops deliveries. It is safe to call more than once and from inside
// the handler. A delivery already running when Cancel is called may finish.
func (s *Subscription) Cancel() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
}

// Subscribe registers handler for topic. The current snapshot is delivered
// first, then a fresh one after every Publish on the topic. The subscription
// is cancelled automatically when ctx is done.
func (b *Broker[T]) Subscribe(ctx context.Context, topic string, handler Handler[T]) (*Subscription, error) {
	sub := &subscriber[T]{
		id:      uuid.New().String(),
		topic:   topic,
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	// Initial snapshot.
	sub.wake <- struct{}{}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: %w", topic, ErrNotificationUnavailable)
	}
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[string]*subscriber[T])
	}
	b.subscribers[topic][sub.id] = sub
	b.wg.Add(1)
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "topic", topic, "sub_id", sub.id)

	go b.run(ctx, sub)

	return &Subscription{
		id:     sub.id,
		topic:  topic,
		cancel: func() { b.unsubscribe(sub) },
	}, nil
}

// Publish wakes every subscriber of the given topics. Non-blocking: a
// subscriber that already has a wake pending is skipped.
func (b *Broker[T]) Publish(topics ...string) {
	b.mu.RLock()
	var targets []*subscriber[T]
	for _, topic := range topics {
		for _, sub := range b.subscribers[topic] {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.wake <- struct{}{}:
		default:
			// Already woken; the pending load will see this mutation too.
		}
	}
}

// Subscribers returns the number of live subscriptions on topic.
func (b *Broker[T]) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}

func (b *Broker[T]) run(ctx context.Context, sub *subscriber[T]) {
	defer b.wg.Done()

	for {
		select {
		case <-sub.done:
			return
		case <-ctx.Done():
			b.unsubscribe(sub)
			return
		case <-sub.wake:
		}

		if sub.cancelled.Load() {
			return
		}
		snapshot, err := b.loadSnapshot(sub.topic)
		if sub.cancelled.Load() {
			return
		}
		b.deliver(sub, snapshot, err)
	}
}

func (b *Broker[T]) loadSnapshot(topic string) (T, error) {
	ctx, cancel := context.WithTimeout(b.ctx, b.loadTimeout)
	defer cancel()

	snapshot, err := b.load(ctx, topic)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("load snapshot %s: %w: %w", topic, ErrStoreUnavailable, err)
	}
	return snapshot, nil
}

// deliver invokes the handler, isolating the broker from handler panics.
func (b *Broker[T]) deliver(sub *subscriber[T], snapshot T, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber handler panicked",
				"topic", sub.topic,
				"sub_id", sub.id,
				"panic", r)
		}
	}()
	if err != nil {
		b.logger.Warn("snapshot load failed", "topic", sub.topic, "sub_id", sub.id, "error", err)
	}
	sub.handler(snapshot, err)
}

func (b *Broker[T]) unsubscribe(sub *subscriber[T]) {
	sub.once.Do(func() {
		sub.cancelled.Store(true)
		close(sub.done)

		b.mu.Lock()
		defer b.mu.Unlock()

		subs, ok := b.subscribers[sub.topic]
		if !ok {
			return
		}
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(b.subscribers, sub.topic)
		}

		b.logger.Debug("subscriber removed", "topic", sub.topic, "sub_id", sub.id)
	})
}

// Close cancels every subscription and waits for subscriber goroutines to
// exit. Must not be called from inside a handler.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*subscriber[T]
	for _, subs := range b.subscribers {
		for _, sub := range subs {
			all = append(all, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range all {
		b.unsubscribe(sub)
	}
	b.cancel()
	b.wg.Wait()

	b.logger.Debug("broker closed")
}
