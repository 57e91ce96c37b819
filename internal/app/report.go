package app

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"hookrelay/internal/config"
	"hookrelay/internal/dispatch"
	"hookrelay/internal/ingest"
	logx "hookrelay/pkg/logx"
)

// reporter logs a status line per destination on a cron schedule.
type reporter struct {
	c        *cron.Cron
	log      logx.Logger
	queues   func() []dispatch.Snapshot
	pipeline *ingest.Pipeline
}

// newReporter returns nil when no schedule is configured.
func newReporter(rc config.ReportConfig, queues func() []dispatch.Snapshot, p *ingest.Pipeline, log logx.Logger) (*reporter, error) {
	spec := strings.TrimSpace(rc.Schedule)
	if spec == "" {
		return nil, nil
	}
	loc := time.Local
	if tz := strings.TrimSpace(rc.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, err
		}
		loc = l
	}
	r := &reporter{
		c:        cron.New(cron.WithParser(config.CronParser), cron.WithLocation(loc)),
		log:      log,
		queues:   queues,
		pipeline: p,
	}
	if _, err := r.c.AddFunc(spec, r.report); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *reporter) Start() { r.c.Start() }

// Stop halts the schedule and returns a channel closed once a running
// report finishes.
func (r *reporter) Stop() <-chan struct{} {
	return r.c.Stop().Done()
}

func (r *reporter) report() {
	snaps := r.queues()
	accepted, filtered, failed := r.pipeline.Counters()
	r.log.Info("status",
		logx.Int("destinations", len(snaps)),
		logx.Uint64("accepted", accepted),
		logx.Uint64("filtered", filtered),
		logx.Uint64("failed", failed),
	)
	for _, s := range snaps {
		fields := []logx.Field{
			logx.String("dest", s.Dest),
			logx.String("state", s.State.String()),
			logx.Int("queued", s.Queued),
			logx.Int("buffered", s.Buffered),
			logx.Int("recent_requests", s.RecentRequests),
			logx.Float64("rate_per_sec", s.Rate.PerSecond()),
			logx.Uint64("delivered", s.Stats.Delivered),
			logx.Uint64("dropped", s.Stats.Dropped),
		}
		if !s.BlockedUntil.IsZero() {
			fields = append(fields, logx.Time("blocked_until", s.BlockedUntil))
		}
		if !s.InvalidSince.IsZero() {
			fields = append(fields, logx.Time("invalid_since", s.InvalidSince))
		}
		r.log.Info("queue status", fields...)
	}
}
