package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"hookrelay/internal/dispatch"
)

var allStates = []dispatch.State{
	dispatch.StateIdle,
	dispatch.StateBuffering,
	dispatch.StateDispatching,
	dispatch.StateBackoff,
	dispatch.StateDraining,
	dispatch.StateInvalid,
}

// queueCollector reads live queue snapshots at scrape time.
type queueCollector struct {
	snapshots SnapshotFunc

	depth    *prometheus.Desc
	buffered *prometheus.Desc
	chars    *prometheus.Desc
	recent   *prometheus.Desc
	blocked  *prometheus.Desc
	state    *prometheus.Desc
	dests    *prometheus.Desc
}

func newQueueCollector(fn SnapshotFunc) *queueCollector {
	name := func(s string) string { return prometheus.BuildFQName(namespace, "queue", s) }
	return &queueCollector{
		snapshots: fn,
		depth:     prometheus.NewDesc(name("depth"), "Messages waiting in the dispatch queue.", []string{"dest"}, nil),
		buffered:  prometheus.NewDesc(name("buffered"), "Messages waiting in the coalescing buffer.", []string{"dest"}, nil),
		chars:     prometheus.NewDesc(name("buffered_chars"), "Characters waiting in the coalescing buffer.", []string{"dest"}, nil),
		recent:    prometheus.NewDesc(name("recent_requests"), "Deliveries within the current rate window.", []string{"dest"}, nil),
		blocked:   prometheus.NewDesc(name("blocked_until_seconds"), "Unix time until which sending is paused, 0 when not blocked.", []string{"dest"}, nil),
		state:     prometheus.NewDesc(name("state"), "1 for the current lane state.", []string{"dest", "state"}, nil),
		dests:     prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "destinations"), "Known destinations.", nil, nil),
	}
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.depth
	ch <- c.buffered
	ch <- c.chars
	ch <- c.recent
	ch <- c.blocked
	ch <- c.state
	ch <- c.dests
}

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	snaps := c.snapshots()
	ch <- prometheus.MustNewConstMetric(c.dests, prometheus.GaugeValue, float64(len(snaps)))
	for _, s := range snaps {
		ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue, float64(s.Queued), s.Dest)
		ch <- prometheus.MustNewConstMetric(c.buffered, prometheus.GaugeValue, float64(s.Buffered), s.Dest)
		ch <- prometheus.MustNewConstMetric(c.chars, prometheus.GaugeValue, float64(s.BufferedChars), s.Dest)
		ch <- prometheus.MustNewConstMetric(c.recent, prometheus.GaugeValue, float64(s.RecentRequests), s.Dest)
		var blocked float64
		if !s.BlockedUntil.IsZero() {
			blocked = float64(s.BlockedUntil.Unix())
		}
		ch <- prometheus.MustNewConstMetric(c.blocked, prometheus.GaugeValue, blocked, s.Dest)
		for _, st := range allStates {
			v := 0.0
			if s.State == st {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, v, s.Dest, st.String())
		}
	}
}
