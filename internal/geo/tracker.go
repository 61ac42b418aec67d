package geo

import (
	"context"
	"sync"
	"time"

	"github.com/kozaktomas/checkpoint/internal/logger"
	"go.uber.org/zap"
)

// DefaultInterval between position queries.
const DefaultInterval = 10 * time.Second

const subscriberBuffer = 16

// EventKind distinguishes tracker events.
type EventKind string

const (
	EventSample      EventKind = "sample"
	EventUnavailable EventKind = "unavailable"
)

// Event is either a new Sample or the terminal Unavailable notice.
type Event struct {
	Kind   EventKind `json:"kind"`
	Sample *Sample   `json:"sample,omitempty"`
	Reason string    `json:"reason,omitempty"`
}

// Tracker polls a Locator and keeps the most recent Sample. The polling
// goroutine is the only writer.
type Tracker struct {
	locator  Locator
	opts     Options
	interval time.Duration
	log      *zap.Logger

	startOnce sync.Once
	done      chan struct{}

	mu          sync.RWMutex
	latest      *Sample
	unavailable string
	subs        map[int]chan Event
	nextSub     int
}

// NewTracker creates a tracker; nothing happens until Start.
func NewTracker(locator Locator, opts Options, interval time.Duration, log *zap.Logger) *Tracker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Tracker{
		locator:  locator,
		opts:     opts,
		interval: interval,
		log:      logger.OrNop(log).Named("geo"),
		done:     make(chan struct{}),
		subs:     make(map[int]chan Event),
	}
}

// Start begins tracking in the background and returns immediately. Calling it
// again has no effect.
func (t *Tracker) Start(ctx context.Context) {
	t.startOnce.Do(func() {
		go t.run(ctx)
	})
}

func (t *Tracker) run(ctx context.Context) {
	defer close(t.done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		if stop := t.poll(ctx); stop {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll runs one query and reports whether tracking has ended.
func (t *Tracker) poll(ctx context.Context) bool {
	sample, err := t.locator.CurrentPosition(ctx, t.opts)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		if reason, ok := terminal(err); ok {
			t.log.Info("location unavailable", zap.String("reason", reason))
			t.setUnavailable(reason)
			return true
		}
		t.log.Debug("location query failed, retrying", zap.Error(err))
		return false
	}

	t.mu.Lock()
	t.latest = &sample
	t.broadcastLocked(Event{Kind: EventSample, Sample: &sample})
	t.mu.Unlock()
	return false
}

func (t *Tracker) setUnavailable(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unavailable = reason
	ev := Event{Kind: EventUnavailable, Reason: reason}
	for id, ch := range t.subs {
		deliverTerminal(ch, ev)
		close(ch)
		delete(t.subs, id)
	}
}

// deliverTerminal sends ev, dropping the oldest queued event when the
// subscriber's buffer is full. Callers hold t.mu, so no other send can
// refill the freed slot.
func deliverTerminal(ch chan Event, ev Event) {
	select {
	case ch <- ev:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- ev
}

func (t *Tracker) broadcastLocked(ev Event) {
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber buffer full, skip.
		}
	}
}

// Subscribe returns a channel of tracker events and a function to cancel the
// subscription. After the Unavailable event the channel is closed; a
// subscriber arriving later receives that event immediately.
func (t *Tracker) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.unavailable != "" {
		ch <- Event{Kind: EventUnavailable, Reason: t.unavailable}
		close(ch)
		return ch, func() {}
	}

	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if c, ok := t.subs[id]; ok {
				close(c)
				delete(t.subs, id)
			}
		})
	}
}

// Latest returns a copy of the most recent sample, or nil when none arrived.
func (t *Tracker) Latest() *Sample {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.latest == nil {
		return nil
	}
	s := *t.latest
	return &s
}

// Unavailable returns the terminal reason once tracking has given up.
func (t *Tracker) Unavailable() (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.unavailable, t.unavailable != ""
}

// Done is closed when the polling goroutine exits.
func (t *Tracker) Done() <-chan struct{} {
	return t.done
}
