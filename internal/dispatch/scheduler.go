package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"

	"hookrelay/internal/webhook"
	logx "hookrelay/pkg/logx"
)

// cycle runs one dispatch step: take up to PerTick envelopes from the head,
// deliver them outside the lock, then apply the outcome. It reports whether
// the transport was called.
func (q *Queue) cycle(ctx context.Context, manual bool) bool {
	q.mu.Lock()
	if q.breaker.tripped || !q.state.canDispatch(manual) {
		q.mu.Unlock()
		return false
	}
	if !manual && q.shutdown {
		q.mu.Unlock()
		return false
	}

	now := q.clock.Now()
	if !q.backoff.canSendNow(now) {
		if !manual {
			q.stopTickLocked()
			q.armResumeLocked(q.backoff.remaining(now))
			q.state = StateBackoff
		}
		q.mu.Unlock()
		return false
	}

	if len(q.queue) == 0 {
		q.stopTickLocked()
		if q.state == StateBackoff {
			q.state = StateIdle
		}
		q.mu.Unlock()
		return false
	}

	n := q.rate.PerTick
	if n > len(q.queue) {
		n = len(q.queue)
	}
	batch := make([]envelope, n)
	copy(batch, q.queue[:n])
	q.queue = append(q.queue[:0], q.queue[n:]...)

	if q.state == StateDraining {
		q.resume = StateDraining
	} else {
		q.resume = StateIdle
	}
	q.state = StateDispatching
	q.stopTickLocked()
	q.history.prune(now)
	q.history.add(now)
	q.stats.Attempts++
	attempt := uuid.NewString()
	q.mu.Unlock()

	q.log.Trace("delivering batch", logx.String("attempt", attempt), logx.Int("messages", n))
	limits, err := q.sender.Deliver(ctx, q.dest, messages(batch))

	q.mu.Lock()
	defer q.mu.Unlock()
	q.applyOutcomeLocked(attempt, batch, limits, err)
	if q.state == StateDispatching {
		q.state = q.resume
	}
	q.ensureActiveLocked()
	return true
}

func (q *Queue) applyOutcomeLocked(attempt string, batch []envelope, limits webhook.Limits, err error) {
	now := q.clock.Now()
	if limits.HasLimit || limits.Bucket != "" || limits.RetryAfter > 0 {
		q.lastLimits = limits
	}

	switch {
	case err == nil:
		q.stats.Delivered += uint64(len(batch))
		q.log.Debug("batch delivered",
			logx.String("attempt", attempt),
			logx.Int("messages", len(batch)),
			logx.Int("remaining", limits.Remaining),
		)
		q.publish(EventSent, DeliveryEvent{Attempt: attempt, IDs: ids(batch), Count: len(batch), At: now})

	case webhook.IsPermanent(err):
		q.tripLocked(now, attempt, batch, err)

	default:
		q.stats.Failed++
		if rl, ok := webhook.IsRateLimited(err); ok {
			q.stats.Limited++
			until := q.backoff.engage(now, rl.RetryAfter)
			q.log.Warn("rate limited by sink; backing off",
				logx.String("attempt", attempt),
				logx.Duration("retry_after", rl.RetryAfter),
				logx.Bool("global", rl.Global),
				logx.Time("blocked_until", until),
			)
			q.publish(EventBackoff, DeliveryEvent{Attempt: attempt, Count: len(batch), Delay: rl.RetryAfter, At: now})
			if q.resume == StateIdle && rl.RetryAfter > 0 {
				q.resume = StateBackoff
			}
		} else {
			q.log.Warn("delivery failed", logx.String("attempt", attempt), logx.Int("messages", len(batch)), logx.Err(err))
		}
		q.requeueLocked(attempt, batch, err)
	}
}

// requeueLocked returns survivors to the head of the queue in their original
// order. Envelopes past the retry cap are dropped.
func (q *Queue) requeueLocked(attempt string, batch []envelope, cause error) {
	keep := make([]envelope, 0, len(batch))
	for _, env := range batch {
		if env.fail() {
			keep = append(keep, env)
			continue
		}
		q.stats.Dropped++
		q.log.Warn("message dropped after max retries",
			logx.String("id", env.id),
			logx.String("source", env.msg.Source),
			logx.Int("attempts", env.attempts),
			logx.Err(cause),
		)
		q.publish(EventDropped, DeliveryEvent{
			Attempt:  attempt,
			IDs:      []string{env.id},
			Count:    1,
			Attempts: env.attempts,
			Reason:   ReasonRetryCap,
			Error:    cause.Error(),
		})
	}
	if len(keep) == 0 {
		return
	}
	q.queue = append(keep, q.queue...)

	maxAttempts := 0
	for _, env := range keep {
		if env.attempts > maxAttempts {
			maxAttempts = env.attempts
		}
	}
	q.publish(EventRetry, DeliveryEvent{Attempt: attempt, IDs: ids(keep), Count: len(keep), Attempts: maxAttempts, Error: cause.Error()})
}

// tripLocked engages the breaker. The in-flight batch and everything still
// pending is discarded.
func (q *Queue) tripLocked(now time.Time, attempt string, batch []envelope, cause error) {
	if !q.breaker.trip(now) {
		return
	}
	q.state = StateInvalid
	q.resume = StateInvalid
	q.stopTickLocked()
	q.stopResumeLocked()
	q.stopWindowLocked()

	discarded := len(batch) + len(q.queue) + len(q.buffer)
	q.stats.Dropped += uint64(discarded)
	q.queue = nil
	q.buffer = nil
	q.bufferChars = 0

	q.log.Error("webhook no longer exists; delivery halted",
		logx.String("attempt", attempt),
		logx.Int("discarded", discarded),
		logx.Err(cause),
	)
	q.publish(EventInvalid, DeliveryEvent{Attempt: attempt, IDs: ids(batch), Count: discarded, Reason: ReasonInvalid, Error: cause.Error(), At: now})
	if discarded > 0 {
		q.publish(EventDropped, DeliveryEvent{Attempt: attempt, Count: discarded, Reason: ReasonInvalid, At: now})
	}
}

// ensureActiveLocked arms the tick if there is work and nothing else will
// pick it up. The first tick after idling waits out the rest of the interval
// since the last dispatch.
func (q *Queue) ensureActiveLocked() {
	if q.shutdown || q.breaker.tripped || len(q.queue) == 0 {
		return
	}
	switch q.state {
	case StateDispatching, StateInvalid, StateDraining:
		return
	}
	now := q.clock.Now()
	if !q.backoff.canSendNow(now) {
		q.stopTickLocked()
		q.armResumeLocked(q.backoff.remaining(now))
		q.state = StateBackoff
		return
	}
	if q.state == StateBackoff {
		q.state = StateIdle
	}
	if q.tickTimer != nil {
		return
	}
	var delay time.Duration
	if last := q.history.last(); !last.IsZero() {
		delay = last.Add(q.rate.Interval).Sub(now)
		if delay < 0 {
			delay = 0
		}
	}
	q.armTickLocked(delay)
}

func (q *Queue) armTickLocked(delay time.Duration) {
	q.stopTickLocked()
	gen := q.tickGen
	q.tickTimer = q.clock.AfterFunc(delay, func() { q.onTick(gen) })
}

func (q *Queue) stopTickLocked() {
	q.tickGen++
	if q.tickTimer != nil {
		q.tickTimer.Stop()
		q.tickTimer = nil
	}
}

func (q *Queue) onTick(gen uint64) {
	q.mu.Lock()
	if gen != q.tickGen {
		q.mu.Unlock()
		return
	}
	q.tickTimer = nil
	q.mu.Unlock()
	q.cycle(q.ctx, false)
}

// armResumeLocked arms the single backoff one-shot. Re-arming replaces it.
func (q *Queue) armResumeLocked(delay time.Duration) {
	if q.shutdown {
		return
	}
	q.stopResumeLocked()
	gen := q.resumeGen
	q.resumeTimer = q.clock.AfterFunc(delay, func() { q.onResume(gen) })
	q.log.Debug("resume armed", logx.Duration("in", delay))
}

func (q *Queue) stopResumeLocked() {
	q.resumeGen++
	if q.resumeTimer != nil {
		q.resumeTimer.Stop()
		q.resumeTimer = nil
	}
}

func (q *Queue) onResume(gen uint64) {
	q.mu.Lock()
	if gen != q.resumeGen {
		q.mu.Unlock()
		return
	}
	q.resumeTimer = nil
	if q.state == StateBackoff {
		q.state = StateIdle
	}
	q.mu.Unlock()
	if q.ctx.Err() != nil {
		return
	}
	q.cycle(q.ctx, false)
}
