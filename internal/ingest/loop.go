// ABOUTME: Per-account ingestion loop: queue registration, bounded replay, long-poll, dispatch.
// ABOUTME: Message handling is fire-and-forget; the loop's only obligation is watermark + dedupe first.

package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-zulip/internal/dedupe"
	"github.com/2389/coven-zulip/internal/watermark"
	"github.com/2389/coven-zulip/internal/zulip"
)

// Client is the slice of the protocol client the loop consumes.
type Client interface {
	RegisterQueue(ctx context.Context) (*zulip.Queue, error)
	GetEvents(ctx context.Context, queueID string, lastEventID int64) ([]zulip.Event, error)
	GetMessages(ctx context.Context, numBefore int, narrow []zulip.Narrow) ([]zulip.Message, error)
	Email() string
}

// Handler receives each deduplicated inbound message. Implementations run
// on their own goroutine and own their error handling; nothing they do can
// stall or fail the loop.
type Handler interface {
	HandleMessage(ctx context.Context, msg *zulip.Message)
}

// Config holds loop tuning for one account.
type Config struct {
	AccountID string

	// Replay bounds after a reconnect: at most ReplayMaxCount messages no
	// older than ReplayMaxAge are re-delivered.
	ReplayMaxAge   time.Duration
	ReplayMaxCount int

	// RegisterBackoff paces registration retries; ErrorBackoff paces
	// re-registration after a non-expiry poll failure.
	RegisterBackoff time.Duration
	ErrorBackoff    time.Duration
}

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.ReplayMaxAge <= 0 {
		c.ReplayMaxAge = 30 * time.Minute
	}
	if c.ReplayMaxCount <= 0 {
		c.ReplayMaxCount = 100
	}
	if c.RegisterBackoff <= 0 {
		c.RegisterBackoff = 5 * time.Second
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 2 * time.Second
	}
	return c
}

// Loop drives ingestion for one account. One logical thread of control runs
// the state machine; handlers run on spawned goroutines.
type Loop struct {
	cfg        Config
	client     Client
	handler    Handler
	watermarks *watermark.Store
	dedupe     *dedupe.Cache
	logger     *slog.Logger

	mu sync.Mutex
	wm int64 // unix seconds of the last processed message
}

// New creates an ingestion loop.
func New(cfg Config, client Client, handler Handler, watermarks *watermark.Store, cache *dedupe.Cache, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		cfg:        cfg.withDefaults(),
		client:     client,
		handler:    handler,
		watermarks: watermarks,
		dedupe:     cache,
		logger:     logger.With("component", "ingest", "account", cfg.AccountID),
	}
}

// Run executes the loop until ctx is cancelled: register a queue, replay
// messages missed since the watermark, then poll. Any poll failure circles
// back to registration; re-subscribing is cheap and keeps the state machine
// simple. Returns nil on cancellation.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	l.wm = l.watermarks.Load(l.cfg.AccountID)
	l.mu.Unlock()

	l.logger.Info("ingest loop starting", "watermark", l.Watermark())

	for ctx.Err() == nil {
		q := l.register(ctx)
		if q == nil {
			break // cancelled while registering
		}
		l.replay(ctx)
		l.poll(ctx, q)
	}

	l.logger.Info("ingest loop stopped")
	return nil
}

// Watermark returns the current in-memory watermark.
func (l *Loop) Watermark() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.wm
}

// register obtains a fresh event queue, retrying with a fixed backoff until
// it succeeds or ctx is cancelled. Registration is the only state that
// retries in place rather than transitioning away on failure.
func (l *Loop) register(ctx context.Context) *zulip.Queue {
	for {
		q, err := l.client.RegisterQueue(ctx)
		if err == nil {
			l.logger.Info("event queue registered", "queue_id", q.QueueID)
			return q
		}
		if ctx.Err() != nil {
			return nil
		}
		l.logger.Warn("queue registration failed, retrying", "error", err)
		if !l.sleep(ctx, l.cfg.RegisterBackoff) {
			return nil
		}
	}
}

// replay re-delivers messages that arrived while disconnected: everything
// newer than the watermark, bounded by age and count, oldest first. Replay
// failures are logged and swallowed; the loop proceeds to polling, trading
// a possible small gap for availability.
func (l *Loop) replay(ctx context.Context) {
	cutoff := l.Watermark()
	if floor := time.Now().Add(-l.cfg.ReplayMaxAge).Unix(); floor > cutoff {
		cutoff = floor
	}

	msgs, err := l.client.GetMessages(ctx, l.cfg.ReplayMaxCount, nil)
	if err != nil {
		l.logger.Warn("replay fetch failed, proceeding to poll", "error", err)
		return
	}

	self := l.client.Email()
	eligible := msgs[:0]
	for _, m := range msgs {
		if m.Timestamp > cutoff && m.SenderEmail != self {
			eligible = append(eligible, m)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Timestamp != eligible[j].Timestamp {
			return eligible[i].Timestamp < eligible[j].Timestamp
		}
		return eligible[i].ID < eligible[j].ID
	})

	dispatched := 0
	for i := range eligible {
		msg := eligible[i]
		// Advance before dispatch so a crash mid-replay does not replay
		// already-replayed messages again.
		l.advanceWatermark(msg.Timestamp)
		if l.dispatch(ctx, &msg) {
			dispatched++
		}
	}

	if len(eligible) > 0 {
		l.logger.Info("replay complete",
			"eligible", len(eligible),
			"dispatched", dispatched,
			"cutoff", cutoff)
	}
}

// poll long-polls the queue until it expires, an error forces
// re-registration, or ctx is cancelled.
func (l *Loop) poll(ctx context.Context, q *zulip.Queue) {
	lastEventID := q.LastEventID
	self := l.client.Email()

	for ctx.Err() == nil {
		events, err := l.client.GetEvents(ctx, q.QueueID, lastEventID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, zulip.ErrQueueExpired) {
				l.logger.Warn("event queue expired, re-registering", "queue_id", q.QueueID)
				return
			}
			l.logger.Warn("poll failed, re-registering", "error", err)
			l.sleep(ctx, l.cfg.ErrorBackoff)
			return
		}

		for i := range events {
			ev := events[i]
			if ev.ID > lastEventID {
				lastEventID = ev.ID
			}
			if ev.Type != "message" || ev.Message == nil {
				continue
			}

			msg := *ev.Message
			l.advanceWatermark(msg.Timestamp)
			if msg.SenderEmail == self {
				continue
			}
			l.dispatch(ctx, &msg)
		}
	}
}

// dispatch hands a message to the handler on its own goroutine after the
// dedupe check. Returns false if the message was a duplicate. By the time
// the goroutine starts, the watermark and dedupe cache already cover the
// message; a handler failure is the handler's problem alone.
func (l *Loop) dispatch(ctx context.Context, msg *zulip.Message) bool {
	key := dedupe.Key(l.cfg.AccountID, msg.ID)
	if l.dedupe.CheckAndMark(key) {
		l.logger.Debug("duplicate message skipped", "message_id", msg.ID)
		return false
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				l.logger.Error("message handler panicked",
					"message_id", msg.ID, "panic", r)
			}
		}()
		l.handler.HandleMessage(ctx, msg)
	}()
	return true
}

// advanceWatermark raises the watermark monotonically and persists it.
func (l *Loop) advanceWatermark(ts int64) {
	l.mu.Lock()
	if ts <= l.wm {
		l.mu.Unlock()
		return
	}
	l.wm = ts
	l.mu.Unlock()

	l.watermarks.Save(l.cfg.AccountID, ts)
}

// sleep waits for d or until ctx is cancelled. Returns false on cancellation.
func (l *Loop) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
