// ABOUTME: In-memory fan-out of gateway events to any number of subscribers
// ABOUTME: Each subscriber has its own queue and pump so a slow reader never stalls the rest

package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/concierge-gateway/internal/metrics"
)

// DefaultQueueLimit is the number of undelivered events a subscriber may
// accumulate before it is evicted.
const DefaultQueueLimit = 1024

// SnapshotSource produces the status event replayed to new subscribers.
type SnapshotSource interface {
	Snapshot() Event
}

// Options configures a Broadcaster.
type Options struct {
	QueueLimit int
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Broadcaster delivers every published event to all current subscribers in
// publish order.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[string]*Subscription
	seq    uint64
	source SnapshotSource
	closed bool

	limit   int
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewBroadcaster creates a broadcaster. Zero options select defaults.
func NewBroadcaster(opts Options) *Broadcaster {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.QueueLimit <= 0 {
		opts.QueueLimit = DefaultQueueLimit
	}
	return &Broadcaster{
		subs:    make(map[string]*Subscription),
		limit:   opts.QueueLimit,
		logger:  opts.Logger.With("component", "broadcaster"),
		metrics: opts.Metrics,
	}
}

// SetSource sets where subscribe-time snapshots come from.
func (b *Broadcaster) SetSource(src SnapshotSource) {
	b.mu.Lock()
	b.source = src
	b.mu.Unlock()
}

// Subscribe registers a subscriber. The first event on its channel is always
// a status snapshot; every event published afterwards follows in order. The
// subscription ends when ctx is cancelled, when Close is called, or when the
// subscriber falls more than the queue limit behind.
func (b *Broadcaster) Subscribe(ctx context.Context) *Subscription {
	sub := &Subscription{
		ID:   uuid.New().String(),
		b:    b,
		q:    NewQueue[Event](),
		ch:   make(chan Event),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.stop()
		go sub.pump()
		return sub
	}
	// Holding mu excludes Publish, so nothing lands between the snapshot
	// and the live stream.
	sub.q.Push(b.snapshotLocked())
	b.subs[sub.ID] = sub
	b.mu.Unlock()

	b.metrics.SubscriberAdded()
	b.logger.Debug("subscriber added", "sub_id", sub.ID)

	go sub.pump()
	go func() {
		select {
		case <-ctx.Done():
			b.Unsubscribe(sub.ID)
		case <-sub.done:
		}
	}()
	return sub
}

func (b *Broadcaster) snapshotLocked() Event {
	var evt Event
	if b.source != nil {
		evt = b.source.Snapshot()
	} else {
		evt = New(TypeStatus, StatusData{State: "uninitialized"})
	}
	evt.Type = TypeStatus
	evt.Seq = b.seq
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	return evt
}

// Publish assigns the next sequence number to evt and queues it for every
// subscriber. It never blocks on subscribers. The sequenced event is returned.
func (b *Broadcaster) Publish(evt Event) Event {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return evt
	}
	b.seq++
	evt.Seq = b.seq

	var evicted []*Subscription
	for id, sub := range b.subs {
		if n := sub.q.Push(evt); n > b.limit {
			delete(b.subs, id)
			evicted = append(evicted, sub)
		}
	}
	b.mu.Unlock()

	b.metrics.EventPublished(string(evt.Type))
	for _, sub := range evicted {
		sub.evicted.Store(true)
		sub.stop()
		b.metrics.SubscriberRemoved(true)
		b.logger.Warn("evicted slow subscriber", "sub_id", sub.ID, "queue_limit", b.limit)
	}
	return evt
}

// Unsubscribe removes a subscriber and closes its channel. Unknown or
// already removed IDs are ignored.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	sub.stop()
	b.metrics.SubscriberRemoved(false)
	b.logger.Debug("subscriber removed", "sub_id", id)
}

// Len returns the number of live subscribers.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription. Later publishes are dropped and later
// subscriptions are born closed.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
		b.metrics.SubscriberRemoved(false)
	}
	b.logger.Debug("broadcaster closed")
}

// Subscription is one subscriber's view of the event stream.
type Subscription struct {
	ID string

	b       *Broadcaster
	q       *Queue[Event]
	ch      chan Event
	done    chan struct{}
	once    sync.Once
	evicted atomic.Bool
}

// C returns the delivery channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Done is closed as soon as the subscription ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.b.Unsubscribe(s.ID)
}

// Evicted reports whether the subscription was dropped for falling behind.
func (s *Subscription) Evicted() bool {
	return s.evicted.Load()
}

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		select {
		case <-s.done:
			return
		case <-s.q.Ready():
		}
		for _, evt := range s.q.Drain() {
			select {
			case s.ch <- evt:
			case <-s.done:
				return
			}
		}
	}
}
