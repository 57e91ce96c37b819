package dispatch

import (
	"context"
	"sort"
	"strings"
	"sync"

	"hookrelay/internal/event"
	logx "hookrelay/pkg/logx"
)

// Registry owns one Queue per destination address, created on first use.
// Queues live until Shutdown.
type Registry struct {
	cfg    Config
	sender Sender
	opts   Options

	mu     sync.Mutex
	queues map[string]*Queue
	closed bool
}

func NewRegistry(cfg Config, sender Sender, opts Options) *Registry {
	return &Registry{
		cfg:    cfg,
		sender: sender,
		opts:   opts.withDefaults(),
		queues: map[string]*Queue{},
	}
}

// Queue returns the queue for dest, creating it if needed.
func (r *Registry) Queue(dest string) (*Queue, error) {
	dest = strings.TrimSpace(dest)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrShuttingDown
	}
	q, ok := r.queues[dest]
	if !ok {
		q = New(dest, r.cfg, r.sender, r.opts)
		r.queues[dest] = q
		r.opts.Logger.Info("destination registered", logx.String("dest", q.Key()), logx.Int("destinations", len(r.queues)))
	}
	return q, nil
}

// Submit routes m to the queue for dest.
func (r *Registry) Submit(dest string, m event.Message) error {
	q, err := r.Queue(dest)
	if err != nil {
		return err
	}
	return q.Submit(m)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues)
}

func (r *Registry) list() []*Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Queue, 0, len(r.queues))
	for _, q := range r.queues {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

// Snapshot returns one snapshot per destination, ordered by key.
func (r *Registry) Snapshot() []Snapshot {
	qs := r.list()
	out := make([]Snapshot, len(qs))
	for i, q := range qs {
		out[i] = q.Snapshot()
	}
	return out
}

// Shutdown drains every queue concurrently and returns their results in key
// order. Later Queue and Submit calls fail with ErrShuttingDown.
func (r *Registry) Shutdown(ctx context.Context) []DrainResult {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	qs := r.list()
	out := make([]DrainResult, len(qs))
	var wg sync.WaitGroup
	for i, q := range qs {
		wg.Add(1)
		go func(i int, q *Queue) {
			defer wg.Done()
			out[i] = q.Shutdown(ctx)
		}(i, q)
	}
	wg.Wait()
	return out
}

// Close stops every queue without draining.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	for _, q := range r.list() {
		q.Close()
	}
}
