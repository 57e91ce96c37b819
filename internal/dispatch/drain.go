package dispatch

import (
	"context"
	"time"

	logx "hookrelay/pkg/logx"
)

// Drain stop reasons.
const (
	DrainEmpty    = "empty"
	DrainInvalid  = "sink_invalid"
	DrainAttempts = "max_attempts"
	DrainDeadline = "deadline"
	DrainRepeated = "already_shut_down"
)

// DrainResult summarizes one Shutdown.
type DrainResult struct {
	Dest      string        `json:"dest"`
	Delivered uint64        `json:"delivered"`
	Remaining int           `json:"remaining"`
	Attempts  int           `json:"attempts"`
	Reason    string        `json:"reason"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Shutdown rejects further submits, flushes the buffer and drains the queue
// with manual cycles until it is empty, the sink is invalid, the attempt
// budget is spent or the deadline passes. The deadline is the earlier of
// ctx's and the configured drain timeout. Whatever is left is discarded.
//
// Shutdown is idempotent; later calls return immediately.
func (q *Queue) Shutdown(ctx context.Context) DrainResult {
	start := q.clock.Now()

	q.mu.Lock()
	if q.shutdown {
		res := DrainResult{Dest: q.key, Remaining: len(q.queue), Reason: DrainRepeated}
		q.mu.Unlock()
		return res
	}
	q.shutdown = true
	q.stopWindowLocked()
	q.stopTickLocked()
	q.stopResumeLocked()
	if err := q.flushLocked(); err != nil {
		q.log.Warn("final flush failed", logx.Err(err))
	}
	switch q.state {
	case StateInvalid:
	case StateDispatching:
		q.resume = StateDraining
	default:
		q.state = StateDraining
	}
	delivered0 := q.stats.Delivered
	q.mu.Unlock()

	dctx, cancel := q.clock.WithTimeout(ctx, q.cfg.DrainTimeout)
	defer cancel()

	attempts := 0
	reason := ""
	for reason == "" {
		switch empty, invalid := q.drainStatus(); {
		case invalid:
			reason = DrainInvalid
		case empty:
			reason = DrainEmpty
		case attempts >= q.cfg.DrainAttempts:
			reason = DrainAttempts
		case dctx.Err() != nil:
			reason = DrainDeadline
		}
		if reason != "" {
			break
		}

		attempts++
		q.cycle(dctx, true)

		if empty, invalid := q.drainStatus(); empty || invalid {
			continue
		}
		select {
		case <-dctx.Done():
		case <-q.clock.After(q.cfg.DrainDelay):
		}
	}

	q.mu.Lock()
	res := DrainResult{
		Dest:      q.key,
		Delivered: q.stats.Delivered - delivered0,
		Remaining: len(q.queue),
		Attempts:  attempts,
		Reason:    reason,
		Elapsed:   q.clock.Since(start),
	}
	if res.Remaining > 0 {
		q.stats.Dropped += uint64(res.Remaining)
		q.publish(EventDropped, DeliveryEvent{IDs: ids(q.queue), Count: res.Remaining, Reason: ReasonShutdown})
		q.queue = nil
	}
	q.mu.Unlock()
	q.cancel()

	fields := []logx.Field{
		logx.Uint64("delivered", res.Delivered),
		logx.Int("remaining", res.Remaining),
		logx.Int("attempts", res.Attempts),
		logx.String("reason", res.Reason),
		logx.Duration("elapsed", res.Elapsed),
	}
	if res.Remaining > 0 {
		q.log.Warn("drain finished with undelivered messages", fields...)
	} else {
		q.log.Info("drain finished", fields...)
	}
	return res
}

func (q *Queue) drainStatus() (empty, invalid bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue) == 0 && q.state != StateDispatching, q.breaker.tripped
}
