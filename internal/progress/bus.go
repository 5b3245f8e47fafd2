// Package progress implements the per-task progress event stream. Events are
// persisted append-only and fanned out to live subscribers.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/scrape-orchestrator/internal/model"
	"github.com/sells-group/scrape-orchestrator/internal/store"
)

const subscriberBuffer = 64

// Bus fans progress events out to subscribers and persists them through the
// store. Publish never blocks the publishing worker: a subscriber that falls
// more than subscriberBuffer events behind has events dropped, and the
// persisted stream remains the source of truth.
type Bus struct {
	store store.Store

	mu     sync.Mutex
	subs   map[string][]chan model.ProgressEvent
	closed bool
}

// NewBus creates a Bus persisting through st.
func NewBus(st store.Store) *Bus {
	return &Bus{
		store: st,
		subs:  make(map[string][]chan model.ProgressEvent),
	}
}

// Publish assigns the event an ID and timestamp if unset, persists it, and
// delivers it to current subscribers of the event's task. Persistence errors
// are logged, not returned: a progress report must never fail the work it
// reports on.
func (b *Bus) Publish(ctx context.Context, ev model.ProgressEvent) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	if err := b.store.AppendProgressEvent(ctx, ev); err != nil {
		zap.L().Warn("progress event not persisted",
			zap.String("task_id", ev.TaskID),
			zap.String("type", string(ev.Type)),
			zap.Error(err))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[ev.TaskID] {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; it can replay from the store.
		}
	}
}

// Subscribe returns a channel of future events for the task and a cancel
// function. The channel is closed on cancel or when the bus shuts down.
// Events published before Subscribe are available via History.
func (b *Bus) Subscribe(taskID string) (<-chan model.ProgressEvent, func()) {
	ch := make(chan model.ProgressEvent, subscriberBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[taskID] = append(b.subs[taskID], ch)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			chans := b.subs[taskID]
			for i, c := range chans {
				if c == ch {
					b.subs[taskID] = append(chans[:i], chans[i+1:]...)
					break
				}
			}
			if len(b.subs[taskID]) == 0 {
				delete(b.subs, taskID)
			}
			if !b.closed {
				close(ch)
			}
		})
	}
	return ch, cancel
}

// History returns the persisted event stream for a task in creation order.
func (b *Bus) History(ctx context.Context, taskID string) ([]model.ProgressEvent, error) {
	return b.store.ListProgressEvents(ctx, taskID)
}

// Close shuts down the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	b.subs = make(map[string][]chan model.ProgressEvent)
}
