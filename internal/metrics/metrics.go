// Package metrics exports delivery counters and queue gauges to Prometheus.
//
// Counters are fed from relay.* events on the bus; gauges are read from the
// dispatch registry on every scrape.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hookrelay/internal/dispatch"
	"hookrelay/internal/eventbus"
	logx "hookrelay/pkg/logx"
)

const namespace = "hookrelay"

// SnapshotFunc returns the current per-destination snapshots.
type SnapshotFunc func() []dispatch.Snapshot

type Metrics struct {
	reg *prometheus.Registry
	log logx.Logger

	queued    *prometheus.CounterVec
	delivered *prometheus.CounterVec
	retried   *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	truncated *prometheus.CounterVec
	limited   *prometheus.CounterVec
	invalid   *prometheus.CounterVec
	rejected  *prometheus.CounterVec
	backoff   *prometheus.HistogramVec
}

// New registers all metrics on a private registry. snapshots may be nil.
func New(snapshots SnapshotFunc, log logx.Logger) *Metrics {
	if log.IsZero() {
		log = logx.Nop()
	}
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, labels)
	}
	m := &Metrics{
		reg:       prometheus.NewRegistry(),
		log:       log,
		queued:    counter("messages_queued_total", "Messages pushed onto a dispatch queue.", "dest"),
		delivered: counter("messages_delivered_total", "Messages accepted by the sink.", "dest"),
		retried:   counter("messages_retried_total", "Messages put back at the queue head after a failed delivery.", "dest"),
		dropped:   counter("messages_dropped_total", "Messages discarded without delivery.", "dest", "reason"),
		truncated: counter("messages_truncated_total", "Descriptions cut to the sink character limit.", "dest"),
		limited:   counter("rate_limited_total", "Deliveries rejected with 429.", "dest"),
		invalid:   counter("sink_invalid_total", "Destinations that reported the webhook gone.", "dest"),
		rejected:  counter("submits_rejected_total", "Submits refused by a queue.", "dest", "reason"),
		backoff: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backoff_seconds",
			Help:      "Server-declared wait after a 429.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		}, []string{"dest"}),
	}
	m.reg.MustRegister(
		m.queued, m.delivered, m.retried, m.dropped, m.truncated,
		m.limited, m.invalid, m.rejected, m.backoff,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if snapshots != nil {
		m.reg.MustRegister(newQueueCollector(snapshots))
	}
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Observe applies one bus event. Unknown event types are ignored.
func (m *Metrics) Observe(ev eventbus.Event) {
	de, ok := ev.Data.(dispatch.DeliveryEvent)
	if !ok {
		return
	}
	n := float64(de.Count)
	switch ev.Type {
	case dispatch.EventQueued:
		m.queued.WithLabelValues(de.Dest).Add(n)
	case dispatch.EventSent:
		m.delivered.WithLabelValues(de.Dest).Add(n)
	case dispatch.EventRetry:
		m.retried.WithLabelValues(de.Dest).Add(n)
	case dispatch.EventDropped:
		m.dropped.WithLabelValues(de.Dest, de.Reason).Add(n)
	case dispatch.EventTruncated:
		m.truncated.WithLabelValues(de.Dest).Add(n)
	case dispatch.EventBackoff:
		m.limited.WithLabelValues(de.Dest).Inc()
		m.backoff.WithLabelValues(de.Dest).Observe(de.Delay.Seconds())
	case dispatch.EventInvalid:
		m.invalid.WithLabelValues(de.Dest).Inc()
	case dispatch.EventRejected:
		m.rejected.WithLabelValues(de.Dest, de.Reason).Add(n)
	}
}

// Run consumes relay events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(256, "relay.")
	defer unsub()
	m.log.Debug("metrics subscriber started")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(ev)
		}
	}
}
