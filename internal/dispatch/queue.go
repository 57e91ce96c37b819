package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"hookrelay/internal/event"
	"hookrelay/internal/eventbus"
	"hookrelay/internal/webhook"
	logx "hookrelay/pkg/logx"
)

var (
	ErrShuttingDown = errors.New("dispatch: shutting down")
	ErrSinkInvalid  = errors.New("dispatch: sink invalid")
	ErrQueueFull    = errors.New("dispatch: queue full")
)

// Sender performs one outbound delivery. *webhook.Client implements it.
type Sender interface {
	Deliver(ctx context.Context, dest string, batch []event.Message) (webhook.Limits, error)
}

// Queue buffers and delivers messages to one destination.
//
// It is safe for concurrent use.
type Queue struct {
	dest string
	key  string
	cfg  Config
	rate Rate

	sender Sender
	clock  clock.Clock
	log    logx.Logger
	bus    eventbus.Bus

	ctx    context.Context
	cancel context.CancelFunc

	mu sync.Mutex

	state  State
	resume State // state to return to when a delivery completes

	buffer      []event.Message
	bufferChars int
	queue       []envelope

	backoff  backoff
	breaker  breaker
	history  requestHistory
	shutdown bool

	windowTimer *clock.Timer
	windowGen   uint64
	tickTimer   *clock.Timer
	tickGen     uint64
	resumeTimer *clock.Timer
	resumeGen   uint64

	lastLimits webhook.Limits
	stats      Stats
}

// Stats are cumulative counters for one queue.
type Stats struct {
	Submitted uint64 `json:"submitted"`
	Truncated uint64 `json:"truncated"`
	Flushes   uint64 `json:"flushes"`
	Attempts  uint64 `json:"attempts"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Limited   uint64 `json:"rate_limited"`
	Dropped   uint64 `json:"dropped"`
	Rejected  uint64 `json:"rejected"`
}

// Snapshot is a point-in-time view of a Queue.
type Snapshot struct {
	Dest           string         `json:"dest"`
	State          State          `json:"state"`
	Queued         int            `json:"queued"`
	Buffered       int            `json:"buffered"`
	BufferedChars  int            `json:"buffered_chars"`
	BlockedUntil   time.Time      `json:"blocked_until,omitempty"`
	InvalidSince   time.Time      `json:"invalid_since,omitempty"`
	RecentRequests int            `json:"recent_requests"`
	Rate           Rate           `json:"rate"`
	Limits         webhook.Limits `json:"limits"`
	ShuttingDown   bool           `json:"shutting_down"`
	Stats          Stats          `json:"stats"`
}

// New builds a Queue for dest. The queue does nothing until the first Submit.
func New(dest string, cfg Config, sender Sender, opts Options) *Queue {
	cfg = cfg.withDefaults()
	opts = opts.withDefaults()
	key := DestKey(dest)
	ctx, cancel := context.WithCancel(opts.Context)
	q := &Queue{
		dest:    dest,
		key:     key,
		cfg:     cfg,
		rate:    ComputeRate(cfg.RateMessages, cfg.RateWindow),
		sender:  sender,
		clock:   opts.Clock,
		log:     opts.Logger.With(logx.String("dest", key)),
		bus:     opts.Bus,
		ctx:     ctx,
		cancel:  cancel,
		history: requestHistory{window: cfg.RateWindow},
	}
	q.log.Debug("queue created",
		logx.Duration("tick", q.rate.Interval),
		logx.Int("per_tick", q.rate.PerTick),
		logx.Bool("buffering", cfg.BufferEnabled),
		logx.Duration("window", cfg.BufferWindow),
		logx.Int("max_buffered", cfg.MaxBuffered),
	)
	return q
}

// Key returns the destination key used in logs and metrics.
func (q *Queue) Key() string { return q.key }

// Rate returns the derived scheduler cadence.
func (q *Queue) Rate() Rate { return q.rate }

// State reports the current lane state.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stateLocked()
}

func (q *Queue) stateLocked() State {
	st := q.state
	if st == StateBackoff && q.resumeTimer == nil && q.backoff.canSendNow(q.clock.Now()) {
		st = StateIdle
	}
	if st == StateIdle && len(q.buffer) > 0 {
		return StateBuffering
	}
	return st
}

// Len returns the number of messages waiting in the dispatch queue.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.Now()
	q.history.prune(now)
	snap := Snapshot{
		Dest:           q.key,
		State:          q.stateLocked(),
		Queued:         len(q.queue),
		Buffered:       len(q.buffer),
		BufferedChars:  q.bufferChars,
		RecentRequests: q.history.len(),
		Rate:           q.rate,
		Limits:         q.lastLimits,
		ShuttingDown:   q.shutdown,
		Stats:          q.stats,
	}
	if !q.backoff.canSendNow(now) {
		snap.BlockedUntil = q.backoff.blockedUntil
	}
	if q.breaker.tripped {
		snap.InvalidSince = q.breaker.trippedAt
	}
	return snap
}

// Submit accepts one message. It never blocks on delivery.
//
// The returned error is informational: ErrShuttingDown and ErrSinkInvalid
// mean the message was discarded, ErrQueueFull means the queue overflowed.
func (q *Queue) Submit(m event.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.shutdown {
		q.stats.Rejected++
		q.log.Info("message rejected: shutting down", logx.String("source", m.Source))
		q.publish(EventRejected, DeliveryEvent{Count: 1, Reason: ReasonShutdown})
		return ErrShuttingDown
	}
	if q.breaker.tripped {
		q.stats.Rejected++
		q.log.Debug("message rejected: sink invalid", logx.String("source", m.Source))
		q.publish(EventRejected, DeliveryEvent{Count: 1, Reason: ReasonInvalid})
		return ErrSinkInvalid
	}
	q.stats.Submitted++

	m = q.truncateLocked(m)
	if !q.cfg.BufferEnabled {
		return q.pushLocked(newEnvelope(m))
	}
	return q.bufferLocked(m)
}

// Flush moves any buffered messages into the dispatch queue now.
func (q *Queue) Flush() {
	q.mu.Lock()
	defer q.mu.Unlock()
	_ = q.flushLocked()
}

// DispatchOnce runs one manual dispatch cycle and waits for its outcome.
// It reports whether a delivery was attempted. On an empty queue it is a
// no-op.
func (q *Queue) DispatchOnce(ctx context.Context) bool {
	return q.cycle(ctx, true)
}

// Close stops all timers and cancels in-flight deliveries. Messages still
// queued are discarded.
func (q *Queue) Close() {
	q.mu.Lock()
	q.shutdown = true
	q.stopWindowLocked()
	q.stopTickLocked()
	q.stopResumeLocked()
	q.mu.Unlock()
	q.cancel()
}

// pushLocked appends one envelope to the dispatch queue and makes sure the
// scheduler will pick it up.
func (q *Queue) pushLocked(env envelope) error {
	if len(q.queue) >= q.cfg.QueueLimit {
		q.stats.Dropped++
		q.log.Warn("dispatch queue full; dropping message",
			logx.String("id", env.id),
			logx.String("source", env.msg.Source),
			logx.Int("queue_len", len(q.queue)),
			logx.Int("queue_cap", q.cfg.QueueLimit),
		)
		q.publish(EventDropped, DeliveryEvent{IDs: []string{env.id}, Count: 1, Reason: ReasonQueueFull})
		return ErrQueueFull
	}
	q.queue = append(q.queue, env)
	q.publish(EventQueued, DeliveryEvent{IDs: []string{env.id}, Count: 1})
	q.ensureActiveLocked()
	return nil
}
