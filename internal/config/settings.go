package config

import (
	"strings"
	"time"

	"hookrelay/internal/dispatch"
	"hookrelay/internal/httpx"
	"hookrelay/internal/ingest"
	"hookrelay/internal/storage"
	"hookrelay/internal/webhook"
	logx "hookrelay/pkg/logx"
)

// The accessors below assume Validate passed.

// durationOr returns raw as a duration, or def when it is unset or invalid.
func durationOr(raw string, def time.Duration) time.Duration {
	d, err := parseDuration("", raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func (c *Config) DispatchConfig() dispatch.Config {
	return dispatch.Config{
		BufferEnabled: c.Buffer.Enabled,
		BufferWindow:  time.Duration(c.Buffer.WindowSeconds) * time.Second,
		MaxBuffered:   c.Buffer.MaxMessages,
		RateMessages:  c.RateLimit.Messages,
		RateWindow:    time.Duration(c.RateLimit.WindowSeconds) * time.Second,
		DrainTimeout:  c.ShutdownTimeout(),
	}
}

func (c *Config) ShutdownTimeout() time.Duration {
	return durationOr(c.Shutdown.Timeout, dispatch.DefaultDrainTimeout)
}

func (c *Config) WebhookClientConfig() webhook.Config {
	return webhook.Config{Timeout: durationOr(c.Webhook.Timeout, webhook.DefaultTimeout), Username: strings.TrimSpace(c.Webhook.Username)}
}

func (c *Config) Routes() []ingest.Route {
	out := make([]ingest.Route, len(c.Webhook.Routes))
	for i, r := range c.Webhook.Routes {
		out[i] = ingest.Route{Sources: r.Sources, URL: r.URL}
	}
	return out
}

func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
	}
}

func (c *Config) StorageConfig() storage.Config {
	return storage.Config{
		Driver:      c.Storage.Driver,
		Path:        c.Storage.Path,
		Retention:   durationOr(c.Storage.Retention, 0),
		BusyTimeout: durationOr(c.Storage.BusyTimeout, 0),
	}
}

func (c *Config) DebugHTTP() httpx.Config {
	rt := durationOr(c.Debug.ReadTimeout, 10*time.Second)
	// pprof profile/trace stream for up to 30s by default.
	wt := durationOr(c.Debug.WriteTimeout, 60*time.Second)
	return httpx.Config{
		Enabled:       c.Debug.Enabled,
		Addr:          c.Debug.Addr,
		Token:         c.Debug.Token,
		AllowInsecure: c.Debug.AllowInsecure,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
		IdleTimeout:   60 * time.Second,
	}
}

func (c *Config) IntakeHTTP() (httpx.Config, ingest.HTTPConfig) {
	h := c.Ingest.HTTP
	return httpx.Config{
			Enabled:       h.Enabled,
			Addr:          h.Addr,
			Token:         h.Token,
			AllowInsecure: h.AllowInsecure,
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			IdleTimeout:   60 * time.Second,
		}, ingest.HTTPConfig{
			RatePerSec: h.RatePerSec,
			Burst:      h.Burst,
			Token:      h.Token,
		}
}
