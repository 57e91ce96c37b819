// Package debug serves the operator endpoints: liveness, prometheus
// metrics, a JSON status view and pprof.
package debug

import (
	"context"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"hookrelay/internal/dispatch"
	"hookrelay/internal/httpx"
	rtsup "hookrelay/internal/runtime/supervisor"
	"hookrelay/internal/storage"
	logx "hookrelay/pkg/logx"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// PprofPrefix is where the profiling endpoints are mounted.
const PprofPrefix = "/debug/pprof/"

// recentLimit bounds the audit rows returned by /status.
const recentLimit = 50

// Sources feeds the handlers. Nil fields are skipped.
type Sources struct {
	Version    string
	StartedAt  time.Time
	Queues     func() []dispatch.Snapshot
	Supervisor func() *rtsup.Supervisor
	Store      storage.Store
	Metrics    http.Handler
}

// Status is the /status body.
type Status struct {
	Version    string              `json:"version,omitempty"`
	StartedAt  time.Time           `json:"started_at"`
	Uptime     string              `json:"uptime"`
	Queues     []dispatch.Snapshot `json:"queues"`
	Supervisor *rtsup.Snapshot     `json:"supervisor,omitempty"`
	Recent     []storage.Delivery  `json:"recent,omitempty"`
	Errors     map[string]string   `json:"errors,omitempty"`
}

// Handler returns a builder for httpx.New. Every route is behind the
// configured token.
func Handler(src Sources, log logx.Logger) func(cfg httpx.Config) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return func(cfg httpx.Config) http.Handler {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		if src.Metrics != nil {
			mux.Handle("/metrics", src.Metrics)
		}
		mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
			st := collect(r.Context(), src)
			b, err := json.MarshalIndent(st, "", "  ")
			if err != nil {
				log.Warn("status encode failed", logx.Err(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(b)
		})

		base := strings.TrimSuffix(PprofPrefix, "/")
		mux.HandleFunc(PprofPrefix, pprofIndexAt(PprofPrefix))
		mux.HandleFunc(base+"/cmdline", hpprof.Cmdline)
		mux.HandleFunc(base+"/profile", hpprof.Profile)
		mux.HandleFunc(base+"/symbol", hpprof.Symbol)
		mux.HandleFunc(base+"/trace", hpprof.Trace)
		mux.HandleFunc(base, func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, PprofPrefix, http.StatusPermanentRedirect)
		})
		return httpx.Bearer(cfg.Token, mux)
	}
}

func collect(ctx context.Context, src Sources) Status {
	st := Status{Version: src.Version, StartedAt: src.StartedAt, Queues: []dispatch.Snapshot{}}
	if !src.StartedAt.IsZero() {
		st.Uptime = time.Since(src.StartedAt).Truncate(time.Second).String()
	}
	if src.Queues != nil {
		st.Queues = src.Queues()
	}
	if src.Supervisor != nil {
		if sup := src.Supervisor(); sup != nil {
			snap := sup.Snapshot()
			st.Supervisor = &snap
		}
	}
	if src.Store != nil {
		rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		recent, err := src.Store.Recent(rctx, recentLimit)
		cancel()
		if err != nil {
			st.Errors = map[string]string{"recent": err.Error()}
		} else {
			st.Recent = recent
		}
	}
	return st
}

// pprofIndexAt serves the pprof index (and named profiles) under prefix.
func pprofIndexAt(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		suffix := strings.TrimPrefix(r.URL.Path, prefix)
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + suffix
		hpprof.Index(w, r2)
	}
}
