package events

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tinwald/claimpull/internal/data"
	"github.com/tinwald/claimpull/internal/metrics"
	"github.com/tinwald/claimpull/internal/repo"
)

// subBuffer is the per-subscriber channel depth. A consumer that falls
// further behind than this starts losing events rather than blocking the
// orchestration path.
const subBuffer = 64

// Broker is the one Emitter implementation: it appends every event to the
// durable journal, counts it, and fans it out to live stream subscribers.
type Broker struct {
	log  *slog.Logger
	repo repo.EventRepo

	mu      sync.RWMutex
	subs    map[string]map[int64]chan *data.Event
	nextSub int64
}

func NewBroker(log *slog.Logger, eventRepo repo.EventRepo) *Broker {
	if log == nil {
		log = slog.Default()
	}
	return &Broker{
		log:  log,
		repo: eventRepo,
		subs: make(map[string]map[int64]chan *data.Event),
	}
}

var _ Emitter = (*Broker)(nil)

func (b *Broker) Emit(sessionID string, t data.EventType, payload map[string]any) {
	e := &data.Event{
		SessionID: sessionID,
		Type:      t,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stored, err := b.repo.AppendEvent(ctx, e)
	if err != nil {
		b.log.Error("append event", "session_id", sessionID, "type", t, "err", err)
		stored = e
	}
	metrics.SessionEvents.WithLabelValues(strings.ToLower(string(t))).Inc()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[sessionID] {
		select {
		case ch <- stored:
		default:
			// Slow consumer: drop rather than stall a worker.
		}
	}
}

// Subscribe registers a live listener for one session's events. The returned
// cancel func must be called to release the subscription; it closes the
// channel.
func (b *Broker) Subscribe(sessionID string) (<-chan *data.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSub
	b.nextSub++
	ch := make(chan *data.Event, subBuffer)
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[int64]chan *data.Event)
	}
	b.subs[sessionID][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if m, ok := b.subs[sessionID]; ok {
			if c, ok := m[id]; ok {
				delete(m, id)
				close(c)
			}
			if len(m) == 0 {
				delete(b.subs, sessionID)
			}
		}
	}
	return ch, cancel
}

// Replay returns the persisted events for a session after afterID, oldest
// first. Stream attach uses it to backfill before following live events.
func (b *Broker) Replay(ctx context.Context, sessionID string, afterID int64) (data.Events, error) {
	return b.repo.ListEvents(ctx, sessionID, afterID, 0)
}
