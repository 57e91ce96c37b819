package ingest

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"hookrelay/internal/dispatch"
	"hookrelay/internal/event"
	"hookrelay/internal/httpx"
	logx "hookrelay/pkg/logx"
)

// maxBody bounds one intake request.
const maxBody = 1 << 20

// HTTPConfig configures the intake endpoint.
type HTTPConfig struct {
	RatePerSec int // accepted requests per second; <=0 disables limiting
	Burst      int
	Token      string
}

type intakeResponse struct {
	Accepted int      `json:"accepted"`
	Filtered int      `json:"filtered,omitempty"`
	Rejected int      `json:"rejected,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// Handler serves POST /v1/events and GET /healthz.
func Handler(cfg HTTPConfig, parser Parser, p *Pipeline, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = cfg.RatePerSec
		}
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}

	events := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if lim != nil && !lim.Allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
		if err != nil {
			http.Error(w, "read failed", http.StatusBadRequest)
			return
		}
		if len(body) > maxBody {
			http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
			return
		}

		var msgs []event.Message
		if ct := r.Header.Get("Content-Type"); strings.HasPrefix(ct, "text/plain") {
			for _, line := range strings.Split(string(body), "\n") {
				m, ok, _ := parser.ParseLine([]byte(line))
				if ok {
					msgs = append(msgs, m)
				}
			}
		} else {
			msgs, err = parser.Decode(body)
			if err != nil {
				http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
				return
			}
		}

		var resp intakeResponse
		overloaded := false
		for _, m := range msgs {
			switch err := p.Handle(m); {
			case err == nil:
				resp.Accepted++
			case errors.Is(err, ErrFiltered):
				resp.Filtered++
			default:
				resp.Rejected++
				resp.Errors = append(resp.Errors, err.Error())
				overloaded = overloaded || IsOverload(err)
			}
		}
		status := http.StatusAccepted
		if overloaded && resp.Accepted == 0 {
			status = http.StatusServiceUnavailable
		}
		log.Debug("intake request", logx.Int("accepted", resp.Accepted), logx.Int("filtered", resp.Filtered), logx.Int("rejected", resp.Rejected))
		writeJSON(w, status, resp)
	})

	mux := http.NewServeMux()
	mux.Handle("/v1/events", httpx.Bearer(cfg.Token, events))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

// IsOverload reports whether err means the relay could not take the message.
func IsOverload(err error) bool {
	return errors.Is(err, dispatch.ErrQueueFull) || errors.Is(err, dispatch.ErrShuttingDown)
}
