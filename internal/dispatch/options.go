package dispatch

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"hookrelay/internal/eventbus"
	logx "hookrelay/pkg/logx"
)

// Sink constants.
const (
	// MaxChars is the sink's hard ceiling for one message body.
	MaxChars = 2000

	SinkCeilingMessages = 30
	SinkCeilingWindow   = 60 * time.Second

	// MaxRetries is how many failed deliveries a message survives.
	// The next failure drops it.
	MaxRetries = 5
)

// Drain defaults.
const (
	DefaultDrainTimeout  = 5 * time.Second
	DefaultDrainDelay    = 500 * time.Millisecond
	DefaultDrainAttempts = 10
	DefaultQueueLimit    = 1000
)

// Config holds per-queue settings. Values are expected to be validated and
// clamped by the config layer; New only fills zero values.
type Config struct {
	BufferEnabled bool
	BufferWindow  time.Duration
	MaxBuffered   int

	RateMessages int
	RateWindow   time.Duration

	// QueueLimit bounds the dispatch queue; pushes beyond it are dropped.
	QueueLimit int

	DrainTimeout  time.Duration
	DrainDelay    time.Duration
	DrainAttempts int
}

func (c Config) withDefaults() Config {
	if c.BufferWindow <= 0 {
		c.BufferWindow = 2 * time.Second
	}
	if c.MaxBuffered <= 0 {
		c.MaxBuffered = 10
	}
	if c.RateMessages <= 0 {
		c.RateMessages = SinkCeilingMessages
	}
	if c.RateWindow <= 0 {
		c.RateWindow = SinkCeilingWindow
	}
	if c.QueueLimit <= 0 {
		c.QueueLimit = DefaultQueueLimit
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.DrainDelay <= 0 {
		c.DrainDelay = DefaultDrainDelay
	}
	if c.DrainAttempts <= 0 {
		c.DrainAttempts = DefaultDrainAttempts
	}
	return c
}

// Options carries collaborators. All fields are optional.
type Options struct {
	Context context.Context
	Clock   clock.Clock
	Logger  logx.Logger
	Bus     eventbus.Bus
}

func (o Options) withDefaults() Options {
	if o.Context == nil {
		o.Context = context.Background()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger.IsZero() {
		o.Logger = logx.Nop()
	}
	return o
}
