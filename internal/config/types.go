package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Omitted or zero values fall back to the component defaults.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Engine   EngineConfig   `json:"engine"`
	Timer    TimerConfig    `json:"timer"`
	Delivery DeliveryConfig `json:"delivery"`
	Gmail    GmailConfig    `json:"gmail"`
	Storage  StorageConfig  `json:"storage"`
	HTTP     HTTPConfig     `json:"http,omitempty"`
	Systemd  SystemdConfig  `json:"systemd,omitempty"`
}

// EngineConfig controls the worker pool and the execution pipeline.
//
// Defaults:
//   - workers: 2
//   - queue_size: 256
//   - run_timeout: "2m"
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - min_gap: "5s"
//   - timezone: local
type EngineConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RunTimeout    string `json:"run_timeout,omitempty"`
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`

	// MinGap suppresses a second start of the same tale within this window.
	MinGap string `json:"min_gap,omitempty"`

	// Timezone is an IANA name used for DAILY_AT schedules and TIME results.
	Timezone string `json:"timezone,omitempty"`
}

// TimerConfig controls the timer backend.
//
// periodic_granularity is the coarsest period the native periodic timer is
// trusted with; shorter intervals are chained one-shots.
type TimerConfig struct {
	PeriodicGranularity string `json:"periodic_granularity,omitempty"` // default "15m"
	MinimumLead         string `json:"minimum_lead,omitempty"`         // default "5s"
	MinChainInterval    string `json:"min_chain_interval,omitempty"`   // default "5s"
	MaxSleep            string `json:"max_sleep,omitempty"`            // default "60s"
	ReconcileEvery      string `json:"reconcile_every,omitempty"`      // default "30s"; "0s" keeps the default
}

// DeliveryConfig controls webhook delivery.
type DeliveryConfig struct {
	Timeout   string `json:"timeout,omitempty"` // default "30s"
	UserAgent string `json:"user_agent,omitempty"`
	Device    string `json:"device,omitempty"` // default: hostname
}

// GmailConfig controls the search collaborator.
//
// Example:
//
//	"gmail": { "enabled": true, "credentials_file": "./credentials.json" }
type GmailConfig struct {
	Enabled         bool   `json:"enabled"`
	CredentialsFile string `json:"credentials_file,omitempty"`
	TokenFile       string `json:"token_file,omitempty"` // default "./telly_token.json"
	MaxResults      int    `json:"max_results,omitempty"`
	SearchTimeout   string `json:"search_timeout,omitempty"` // default "30s"
	Concurrency     int    `json:"concurrency,omitempty"`    // parallel detail fetches, default 4
	// CallbackAddr is where `telly gmail login` listens for the OAuth redirect.
	CallbackAddr string `json:"callback_addr,omitempty"` // default "127.0.0.1:8085"
}

// StorageConfig controls persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./telly.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres only (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	MaxConns    int32  `json:"max_conns,omitempty"`    // postgres only

	// LogRetention prunes execution logs older than this, daily at PruneAt.
	// "0s" keeps the default of 30 days.
	LogRetention string `json:"log_retention,omitempty"`
	PruneAt      string `json:"prune_at,omitempty"` // "@daily", cron spec or "HH:MM"
}

// HTTPConfig controls the optional ops HTTP server (health, metrics,
// pprof and the tale API).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:7070").
//   - A non-loopback address requires a token or allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:7070"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	Metrics       *bool  `json:"metrics,omitempty"` // default true

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// SystemdConfig controls sd_notify integration for `telly serve`.
// Both settings are no-ops when NOTIFY_SOCKET is unset.
type SystemdConfig struct {
	Notify   *bool `json:"notify,omitempty"` // default true
	Watchdog *bool `json:"watchdog,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards warn+ records to an HTTP endpoint.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	URL        string `json:"url,omitempty"` // do not log
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// Default is used when no config file exists yet.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Storage: StorageConfig{Driver: "sqlite", Path: "./telly.db"},
	}
}

// BoolOr dereferences an optional flag.
func BoolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
