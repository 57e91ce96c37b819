package config

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "5s", "168h").
type Config struct {
	Webhook   WebhookConfig   `json:"webhook"`
	Buffer    BufferConfig    `json:"buffer"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Sources   SourcesConfig   `json:"sources"`
	Ingest    IngestConfig    `json:"ingest"`
	Logging   LoggingConfig   `json:"logging"`
	Debug     DebugConfig     `json:"debug"`
	Storage   StorageConfig   `json:"storage"`
	Report    ReportConfig    `json:"report"`
	Shutdown  ShutdownConfig  `json:"shutdown"`
}

// WebhookConfig names the destinations. URL is the default sink; Routes
// send matching sources elsewhere (first match wins).
type WebhookConfig struct {
	URL      string        `json:"url"`
	Username string        `json:"username,omitempty"`
	Timeout  string        `json:"timeout,omitempty"`
	Routes   []RouteConfig `json:"routes,omitempty"`
}

type RouteConfig struct {
	Sources []string `json:"sources"`
	URL     string   `json:"url"`
}

// BufferConfig controls coalescing. Bounds: window 1..5 s, max 10..100.
type BufferConfig struct {
	Enabled       bool `json:"enabled"`
	WindowSeconds int  `json:"window_seconds"`
	MaxMessages   int  `json:"max_messages"`
}

// RateLimitConfig is the desired send rate. It is always capped by the
// sink ceiling of 30 per 60 s.
type RateLimitConfig struct {
	Messages      int `json:"messages"`
	WindowSeconds int `json:"window_seconds"`
}

// SourcesConfig holds case-insensitive glob lists.
type SourcesConfig struct {
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
}

type IngestConfig struct {
	Stdin  bool             `json:"stdin"`
	Source string           `json:"source,omitempty"` // default source for plain lines
	HTTP   IngestHTTPConfig `json:"http"`
}

type IngestHTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	Burst         int    `json:"burst,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

type LoggingConfig struct {
	Level   string     `json:"level"`
	Console bool       `json:"console"`
	File    FileConfig `json:"file"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// DebugConfig controls the status server (/healthz, /metrics, /status,
// /debug/pprof/).
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // none | file | sqlite
	Path        string `json:"path,omitempty"`
	Retention   string `json:"retention,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// ReportConfig schedules a periodic status log line. Schedule is a cron
// spec ("*/15 * * * *") or a descriptor ("@every 15m", "@hourly").
type ReportConfig struct {
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

type ShutdownConfig struct {
	Timeout string `json:"timeout,omitempty"`
}

// Default returns the configuration used for omitted fields.
func Default() *Config {
	return &Config{
		Buffer:    BufferConfig{Enabled: true, WindowSeconds: 2, MaxMessages: 10},
		RateLimit: RateLimitConfig{Messages: 30, WindowSeconds: 60},
		Ingest: IngestConfig{
			Stdin: true,
			HTTP:  IngestHTTPConfig{Addr: "127.0.0.1:8787", RatePerSec: 20},
		},
		Logging:  LoggingConfig{Level: "info", Console: true},
		Debug:    DebugConfig{Addr: "127.0.0.1:9464"},
		Shutdown: ShutdownConfig{Timeout: "5s"},
	}
}
