package crm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/VoiceBridge/internal/core"
	"github.com/dkeye/VoiceBridge/internal/domain"
	"github.com/dkeye/VoiceBridge/internal/infrastructure/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// eventNamespace scopes the name-based event ids.
var eventNamespace = uuid.MustParse("5b0f1c3e-8d5a-4c1e-9f3a-2e6d7c8b9a01")

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// EventPayload is the body posted to the CRM event endpoint.
type EventPayload struct {
	EventID       string `json:"event_id"`
	EventType     string `json:"event_type"`
	UserID        string `json:"userId"`
	CallSessionID string `json:"callSessionId"`
	SessionID     string `json:"sessionId"`
	Timestamp     string `json:"timestamp"`
	Reason        string `json:"reason,omitempty"`
}

// NewEventPayload derives the payload and its idempotency key from ev. The same
// session, type and timestamp always give the same event_id.
func NewEventPayload(ev domain.CallEvent) EventPayload {
	ts := ev.Timestamp.UTC().Format(timestampLayout)
	key := ev.SessionID + "|" + string(ev.Type) + "|" + ts
	return EventPayload{
		EventID:       uuid.NewSHA1(eventNamespace, []byte(key)).String(),
		EventType:     string(ev.Type),
		UserID:        string(ev.UserID),
		CallSessionID: string(ev.CallID),
		SessionID:     ev.SessionID,
		Timestamp:     ts,
		Reason:        ev.Reason,
	}
}

type EventPoster interface {
	PostEvent(ctx context.Context, payload EventPayload) error
}

type NotifierConfig struct {
	Workers   int
	QueueSize int
	// Timeout bounds one delivery attempt.
	Timeout time.Duration
}

// Notifier delivers call events in the background. Notify never blocks: a full queue or
// a failed POST loses the event and is only logged and counted.
type Notifier struct {
	poster EventPoster
	cfg    NotifierConfig
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan domain.CallEvent
	wg     sync.WaitGroup

	delivered atomic.Int64
	dropped   atomic.Int64
}

var _ core.CallEventNotifier = (*Notifier)(nil)

func NewNotifier(poster EventPoster, cfg NotifierConfig) *Notifier {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Notifier{
		poster: poster,
		cfg:    cfg,
		logger: log.With().Str("component", "crm-notifier").Logger(),
		queue:  make(chan domain.CallEvent, cfg.QueueSize),
	}
}

// Start launches the delivery workers.
func (n *Notifier) Start() {
	for i := 0; i < n.cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker(i)
	}
	n.logger.Info().Int("workers", n.cfg.Workers).Int("queue_size", n.cfg.QueueSize).Msg("notifier started")
}

func (n *Notifier) Notify(ev domain.CallEvent) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		n.drop(ev, "closed")
		return
	}
	select {
	case n.queue <- ev:
		metrics.NotifierQueueDepth.Set(float64(len(n.queue)))
	default:
		n.drop(ev, "queue_full")
	}
}

func (n *Notifier) drop(ev domain.CallEvent, reason string) {
	n.dropped.Add(1)
	metrics.NotifierDropped.WithLabelValues(reason).Inc()
	n.logger.Warn().
		Str("event_type", string(ev.Type)).
		Str("user", string(ev.UserID)).
		Str("call", string(ev.CallID)).
		Str("reason", reason).
		Msg("call event dropped")
}

func (n *Notifier) worker(id int) {
	defer n.wg.Done()
	for ev := range n.queue {
		metrics.NotifierQueueDepth.Set(float64(len(n.queue)))
		payload := NewEventPayload(ev)
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Timeout)
		err := n.poster.PostEvent(ctx, payload)
		cancel()
		if err != nil {
			n.drop(ev, "delivery_failed")
			n.logger.Debug().Err(err).Int("worker", id).Str("event_id", payload.EventID).Msg("delivery failed")
			continue
		}
		n.delivered.Add(1)
	}
}

// Close stops accepting events and waits for queued ones to drain or ctx to end.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		n.logger.Info().Int64("delivered", n.delivered.Load()).Int64("dropped", n.dropped.Load()).Msg("notifier stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports delivered and dropped event counts.
func (n *Notifier) Stats() (delivered, dropped int64) {
	return n.delivered.Load(), n.dropped.Load()
}
