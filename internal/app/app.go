package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"hookrelay/internal/config"
	"hookrelay/internal/dispatch"
	"hookrelay/internal/eventbus"
	"hookrelay/internal/httpx"
	"hookrelay/internal/ingest"
	"hookrelay/internal/metrics"
	"hookrelay/internal/observability/debug"
	rtsup "hookrelay/internal/runtime/supervisor"
	"hookrelay/internal/storage"
	"hookrelay/internal/webhook"
	logx "hookrelay/pkg/logx"
)

// Version is set at build time with -ldflags "-X hookrelay/internal/app.Version=...".
var Version = "dev"

// Option tweaks New.
type Option func(*App)

// WithInput sets the line reader used when ingest.stdin is enabled.
func WithInput(r io.Reader) Option { return func(a *App) { a.input = r } }

// WithSource overrides ingest.source for plain-text lines.
func WithSource(s string) Option { return func(a *App) { a.source = strings.TrimSpace(s) } }

// WithSender replaces the webhook client. Tests use it.
func WithSender(s dispatch.Sender) Option { return func(a *App) { a.sender = s } }

type App struct {
	cfgm *config.Manager
	cfg  *config.Config

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	sender   dispatch.Sender
	registry *dispatch.Registry
	router   *ingest.Router
	parser   ingest.Parser
	pipeline *ingest.Pipeline
	metrics  *metrics.Metrics
	store    storage.Store
	recorder *storage.Recorder
	report   *reporter

	debug  *httpx.Server
	intake *httpx.Server

	input     io.Reader
	source    string
	inputDone chan struct{}

	sup       *rtsup.Supervisor
	subs      *rtsup.Supervisor // event subscribers; outlive the drain
	startedAt time.Time
	stopOnce  sync.Once
}

func New(cfgPath string, opts ...Option) (*App, error) {
	a := &App{inputDone: make(chan struct{}), startedAt: time.Now()}
	for _, o := range opts {
		o(a)
	}

	a.cfgm = config.NewManager(cfgPath)
	a.cfgm.SetLogger(logx.NewConsole("INFO").With(logx.String("comp", "config")))
	cfg, err := a.cfgm.Load()
	if err != nil {
		return nil, err
	}
	a.cfg = cfg

	logSvc, log := logx.New(cfg.LogConfig())
	a.logs = logSvc
	a.log = log.With(logx.String("comp", "app"))
	a.cfgm.SetLogger(log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateReload)
	a.bus = eventbus.New()

	if a.sender == nil {
		if Version != "dev" {
			webhook.UserAgent = fmt.Sprintf("DiscordBot (hookrelay, %s)", Version)
		}
		a.sender = webhook.New(cfg.WebhookClientConfig())
	}
	a.registry = dispatch.NewRegistry(cfg.DispatchConfig(), a.sender, dispatch.Options{
		Logger: log.With(logx.String("comp", "dispatch")),
		Bus:    a.bus,
	})

	filter, err := ingest.NewFilter(cfg.Sources.Include, cfg.Sources.Exclude)
	if err != nil {
		return nil, err
	}
	router, err := ingest.NewRouter(cfg.Webhook.URL, cfg.Routes())
	if err != nil {
		return nil, err
	}
	a.router = router
	if a.source == "" {
		a.source = cfg.Ingest.Source
	}
	a.parser = ingest.Parser{Source: a.source}
	a.pipeline = ingest.NewPipeline(filter, router, a.registry, log.With(logx.String("comp", "ingest")))

	a.metrics = metrics.New(a.registry.Snapshot, log.With(logx.String("comp", "metrics")))

	store, err := storage.Open(cfg.StorageConfig(), log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if store != nil {
		a.store = store
		a.recorder = storage.NewRecorder(store, log.With(logx.String("comp", "audit")))
		a.log.Info("storage enabled", logx.String("driver", cfg.Storage.Driver))
	}

	a.report, err = newReporter(cfg.Report, a.registry.Snapshot, a.pipeline, log.With(logx.String("comp", "report")))
	if err != nil {
		_ = a.closeStore()
		return nil, err
	}

	a.debug = httpx.New("debug", "127.0.0.1:9464", debug.Handler(debug.Sources{
		Version:    Version,
		StartedAt:  a.startedAt,
		Queues:     a.registry.Snapshot,
		Supervisor: func() *rtsup.Supervisor { return a.sup },
		Store:      a.store,
		Metrics:    a.metrics.Handler(),
	}, log.With(logx.String("comp", "debug"))), log)

	_, intakeCfg := cfg.IntakeHTTP()
	ilog := log.With(logx.String("comp", "intake"))
	a.intake = httpx.New("intake", "127.0.0.1:8787", func(httpx.Config) http.Handler {
		return ingest.Handler(intakeCfg, a.parser, a.pipeline, ilog)
	}, log)

	return a, nil
}

// Done is closed when the app supervisor stops (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// InputDone is closed when stdin hits EOF and no other intake is running.
func (a *App) InputDone() <-chan struct{} { return a.inputDone }

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Pipeline exposes the ingest entry point.
func (a *App) Pipeline() *ingest.Pipeline { return a.pipeline }

func (a *App) Registry() *dispatch.Registry { return a.registry }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.subs = rtsup.New(context.Background(), rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))

	a.subs.Go0("metrics", func(c context.Context) { a.metrics.Run(c, a.bus) })
	if a.recorder != nil {
		a.subs.Go0("storage.recorder", func(c context.Context) { a.recorder.Run(c, a.bus) })
	}

	a.sup.Go("config.watch", a.cfgm.Watch)
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})

	dbgCfg := a.cfg.DebugHTTP()
	a.debug.Reconfigure(a.sup.Context(), dbgCfg)
	intakeServer, _ := a.cfg.IntakeHTTP()
	a.intake.Reconfigure(a.sup.Context(), intakeServer)

	if a.cfg.Ingest.Stdin && a.input != nil {
		ilog := a.log.With(logx.String("comp", "stdin"))
		// Blocking reads cannot be interrupted; this goroutine ends with the
		// input or the process.
		go func() {
			err := ingest.ReadLines(a.sup.Context(), a.input, a.parser, a.pipeline, ilog)
			if err != nil && a.sup.Context().Err() == nil {
				ilog.Warn("input read failed", logx.Err(err))
			}
			if !intakeServer.Enabled {
				close(a.inputDone)
			}
		}()
	}

	if a.report != nil {
		a.report.Start()
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) { watchdog(c, a.log) })
	sdNotify(a.log, daemon.SdNotifyReady)

	a.log.Info("hookrelay started",
		logx.String("version", Version),
		logx.String("config", a.cfgm.Path()),
		logx.Int("routes", len(a.cfg.Webhook.Routes)),
		logx.Int("destinations", len(a.router.Destinations())),
		logx.Bool("buffer", a.cfg.Buffer.Enabled),
		logx.Bool("stdin", a.cfg.Ingest.Stdin && a.input != nil),
		logx.Bool("intake_http", intakeServer.Enabled),
		logx.Bool("debug_http", dbgCfg.Enabled),
	)
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(last, next)
			last = next
		}
	}
}

// validateReload rejects a reloaded config whose source patterns or routes
// do not compile.
func validateReload(_ context.Context, cfg *config.Config) error {
	if _, err := ingest.NewFilter(cfg.Sources.Include, cfg.Sources.Exclude); err != nil {
		return err
	}
	_, err := ingest.NewRouter(cfg.Webhook.URL, cfg.Routes())
	return err
}

// applyConfig hot-applies logging and the source filter. Other sections
// only take effect after a restart.
func (a *App) applyConfig(old, next *config.Config) {
	ch := config.Diff(old, next)
	if ch.Empty() {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	for _, s := range ch.Live {
		switch s {
		case "logging":
			prev := a.logs.Config()
			a.logs.Apply(next.LogConfig())
			if cur := a.logs.Config(); cur.Level != prev.Level {
				a.log.Info("log level changed", logx.String("from", prev.Level), logx.String("to", cur.Level))
			}
		case "sources":
			f, err := ingest.NewFilter(next.Sources.Include, next.Sources.Exclude)
			if err != nil {
				a.log.Warn("source filter rejected", logx.Err(err))
				continue
			}
			a.pipeline.SetFilter(f)
		}
	}
	if len(ch.Live) > 0 {
		a.log.Info("config applied", logx.String("changed", strings.Join(ch.Live, ",")))
	}
	if len(ch.Restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(ch.Restart, ",")))
	}
}

// Stop shuts the relay down: intake first, then the queues drain, then the
// servers and sinks close.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	var err error
	a.stopOnce.Do(func() { err = a.stop(ctx, reason) })
	return err
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	// step runs fn bounded by max so one component cannot stall the stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		begin := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			took := time.Since(begin)
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				return
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("max", max))
		}
	}

	step("intake", 2*time.Second, func(c context.Context) error { a.intake.Stop(c); return nil })
	if a.report != nil {
		step("report", time.Second, func(c context.Context) error {
			select {
			case <-a.report.Stop():
				return nil
			case <-c.Done():
				return c.Err()
			}
		})
	}

	drainMax := a.cfg.ShutdownTimeout() + time.Second
	step("dispatch", drainMax, func(c context.Context) error {
		a.log.Info("draining queues", logx.Int("queues", a.registry.Len()))
		results := a.registry.Shutdown(c)
		var delivered uint64
		remaining := 0
		for _, r := range results {
			delivered += r.Delivered
			remaining += r.Remaining
		}
		fields := []logx.Field{
			logx.Int("destinations", len(results)),
			logx.Uint64("delivered", delivered),
			logx.Int("remaining", remaining),
		}
		if remaining > 0 {
			a.log.Warn("drain finished with undelivered messages", fields...)
		} else {
			a.log.Info("drain finished", fields...)
		}
		return nil
	})

	step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	if a.sup != nil {
		a.sup.Cancel()
		step("supervisor", 2*time.Second, a.sup.Wait)
	}
	if a.subs != nil {
		a.subs.Cancel()
		step("subscribers", time.Second, a.subs.Wait)
	}
	step("storage", time.Second, func(context.Context) error { return a.closeStore() })

	a.log.Info("stopped", logx.String("reason", string(reason)), logx.Duration("took", time.Since(start)))
	return a.logs.Close()
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}
