package ingest

import (
	"errors"
	"sync/atomic"

	"hookrelay/internal/dispatch"
	"hookrelay/internal/event"
	logx "hookrelay/pkg/logx"
)

// ErrFiltered means the source is excluded by the filter.
var ErrFiltered = errors.New("ingest: source filtered")

// Submitter accepts a message for one destination. *dispatch.Registry
// implements it.
type Submitter interface {
	Submit(dest string, m event.Message) error
}

// Pipeline filters, routes and submits messages. The filter can be swapped
// at runtime.
type Pipeline struct {
	filter atomic.Pointer[Filter]
	router *Router
	sink   Submitter
	log    logx.Logger

	accepted atomic.Uint64
	filtered atomic.Uint64
	failed   atomic.Uint64
}

func NewPipeline(filter *Filter, router *Router, sink Submitter, log logx.Logger) *Pipeline {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Pipeline{router: router, sink: sink, log: log}
	p.filter.Store(filter)
	return p
}

func (p *Pipeline) SetFilter(f *Filter) { p.filter.Store(f) }

// Handle relays one message. Overflow and shutdown errors from the queue
// are returned as is.
func (p *Pipeline) Handle(m event.Message) error {
	if !p.filter.Load().Allow(m.Source) {
		p.filtered.Add(1)
		p.log.Trace("message filtered", logx.String("source", m.Source))
		return ErrFiltered
	}
	dest, err := p.router.Resolve(m.Source)
	if err != nil {
		p.failed.Add(1)
		p.log.Warn("message has no destination", logx.String("source", m.Source))
		return err
	}
	if err := p.sink.Submit(dest, m); err != nil {
		p.failed.Add(1)
		if !errors.Is(err, dispatch.ErrShuttingDown) {
			p.log.Debug("submit refused", logx.String("source", m.Source), logx.String("dest", dispatch.DestKey(dest)), logx.Err(err))
		}
		return err
	}
	p.accepted.Add(1)
	return nil
}

// Counters reports accepted, filtered and failed totals.
func (p *Pipeline) Counters() (accepted, filtered, failed uint64) {
	return p.accepted.Load(), p.filtered.Load(), p.failed.Load()
}
