package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "hookrelay/pkg/logx"
)

// Bounds applied by Normalize.
const (
	MinBufferWindow = 1
	MaxBufferWindow = 5
	MinBufferMax    = 10
	MaxBufferMax    = 100
)

// AllowedHosts are the only webhook hosts accepted.
var AllowedHosts = []string{"discord.com", "discordapp.com", "canary.discord.com", "ptb.discord.com"}

const webhookPathPrefix = "/api/webhooks/"

var (
	ErrNoWebhook  = errors.New("webhook.url is required")
	ErrBadWebhook = errors.New("invalid webhook url")
)

// CronParser accepts standard 5-field specs and descriptors.
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Normalize clamps out-of-range values in place and returns one note per
// adjustment.
func Normalize(cfg *Config) []string {
	var notes []string
	clamp := func(field string, v *int, lo, hi int) {
		orig := *v
		switch {
		case *v < lo:
			*v = lo
		case hi > 0 && *v > hi:
			*v = hi
		default:
			return
		}
		notes = append(notes, fmt.Sprintf("%s clamped from %d to %d", field, orig, *v))
	}
	clamp("buffer.window_seconds", &cfg.Buffer.WindowSeconds, MinBufferWindow, MaxBufferWindow)
	clamp("buffer.max_messages", &cfg.Buffer.MaxMessages, MinBufferMax, MaxBufferMax)
	clamp("rate_limit.messages", &cfg.RateLimit.Messages, 1, 0)
	clamp("rate_limit.window_seconds", &cfg.RateLimit.WindowSeconds, 1, 0)

	cfg.Webhook.URL = strings.TrimSpace(cfg.Webhook.URL)
	for i := range cfg.Webhook.Routes {
		cfg.Webhook.Routes[i].URL = strings.TrimSpace(cfg.Webhook.Routes[i].URL)
	}
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	return notes
}

// ValidateWebhookURL checks that raw is an https URL on an allowed host
// under /api/webhooks/.
func ValidateWebhookURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadWebhook, err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be https", ErrBadWebhook)
	}
	host := strings.ToLower(u.Hostname())
	allowed := false
	for _, h := range AllowedHosts {
		if host == h {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: host %q is not allowed", ErrBadWebhook, host)
	}
	if !strings.HasPrefix(u.Path, webhookPathPrefix) || len(u.Path) == len(webhookPathPrefix) {
		return fmt.Errorf("%w: path must start with %s", ErrBadWebhook, webhookPathPrefix)
	}
	return nil
}

// Validate reports every problem found, joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	switch {
	case cfg.Webhook.URL == "" && len(cfg.Webhook.Routes) == 0:
		add(ErrNoWebhook)
	case cfg.Webhook.URL != "":
		if err := ValidateWebhookURL(cfg.Webhook.URL); err != nil {
			add(fmt.Errorf("webhook.url: %w", err))
		}
	}
	for i, r := range cfg.Webhook.Routes {
		if err := ValidateWebhookURL(r.URL); err != nil {
			add(fmt.Errorf("webhook.routes[%d].url: %w", i, err))
		}
		if len(r.Sources) == 0 {
			add(fmt.Errorf("webhook.routes[%d].sources is required", i))
		}
	}
	if !logx.ValidLevel(cfg.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	if cfg.Ingest.HTTP.Enabled && strings.TrimSpace(cfg.Ingest.HTTP.Addr) == "" {
		add(errors.New("ingest.http.addr is required when enabled"))
	}
	if cfg.Ingest.HTTP.RatePerSec < 0 || cfg.Ingest.HTTP.Burst < 0 {
		add(errors.New("ingest.http rate_per_sec and burst must be >= 0"))
	}

	switch cfg.Storage.Driver {
	case "", "none":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(fmt.Errorf("storage.path is required for driver %q", cfg.Storage.Driver))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	if s := strings.TrimSpace(cfg.Report.Schedule); s != "" {
		if _, err := CronParser.Parse(s); err != nil {
			add(fmt.Errorf("report.schedule: %w", err))
		}
	}
	if tz := strings.TrimSpace(cfg.Report.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("report.timezone: %w", err))
		}
	}
	for _, f := range durationFields(cfg) {
		_, err := parseDuration(f.name, f.raw)
		add(err)
	}

	return errors.Join(errs...)
}

type durationField struct{ name, raw string }

// durationFields lists every duration-valued setting.
func durationFields(cfg *Config) []durationField {
	return []durationField{
		{"webhook.timeout", cfg.Webhook.Timeout},
		{"debug.read_timeout", cfg.Debug.ReadTimeout},
		{"debug.write_timeout", cfg.Debug.WriteTimeout},
		{"storage.retention", cfg.Storage.Retention},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"shutdown.timeout", cfg.Shutdown.Timeout},
	}
}

// parseDuration reads a Go duration string. Blank means unset (0).
func parseDuration(field, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration (e.g. 500ms, 5s, 168h)", field, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative", field)
	}
	return d, nil
}
