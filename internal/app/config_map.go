package app

import (
	"fmt"
	"strings"
	"time"

	"telly/internal/action"
	"telly/internal/config"
	"telly/internal/delivery"
	"telly/internal/gmail"
	"telly/internal/observability/ops"
	"telly/internal/storage"
	"telly/internal/task/coordinator"
	"telly/internal/task/engine"
	"telly/internal/task/scheduler"
	logx "telly/pkg/logx"
)

const (
	defaultReconcileEvery = 30 * time.Second
	defaultLogRetention   = 30 * 24 * time.Hour
	defaultPruneAt        = "@daily"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			URL:        cfg.Logging.Alert.URL,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

// loadLocation resolves engine.timezone; empty means the host zone.
func loadLocation(cfg *config.Config) (*time.Location, error) {
	tz := strings.TrimSpace(cfg.Engine.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("engine.timezone: invalid %q: %w", tz, err)
	}
	return loc, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	ec := cfg.Engine
	workers := ec.Workers
	if workers <= 0 {
		workers = 2
	}
	queueSize := ec.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	historySize := ec.HistorySize
	if historySize <= 0 {
		historySize = 200
	}
	runTimeout, err := config.ParseDurationOrDefault("engine.run_timeout", ec.RunTimeout, coordinator.DefaultRunTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := config.ParseDurationField("engine.max_queue_delay", ec.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Enabled:        true,
		Workers:        workers,
		QueueSize:      queueSize,
		DefaultTimeout: runTimeout,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    historySize,
	}, nil
}

func mapTimerConfig(cfg *config.Config, loc *time.Location) (scheduler.Config, error) {
	tc := cfg.Timer
	gran, err := config.ParseDurationField("timer.periodic_granularity", tc.PeriodicGranularity)
	if err != nil {
		return scheduler.Config{}, err
	}
	lead, err := config.ParseDurationField("timer.minimum_lead", tc.MinimumLead)
	if err != nil {
		return scheduler.Config{}, err
	}
	chain, err := config.ParseDurationField("timer.min_chain_interval", tc.MinChainInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	maxSleep, err := config.ParseDurationField("timer.max_sleep", tc.MaxSleep)
	if err != nil {
		return scheduler.Config{}, err
	}
	// Zero values pick up the scheduler defaults.
	return scheduler.Config{
		Location:            loc,
		PeriodicGranularity: gran,
		MinimumLead:         lead,
		MinChainInterval:    chain,
		MaxSleep:            maxSleep,
	}, nil
}

func mapCoordinatorConfig(cfg *config.Config) (coordinator.Config, error) {
	minGap, err := config.ParseDurationField("engine.min_gap", cfg.Engine.MinGap)
	if err != nil {
		return coordinator.Config{}, err
	}
	lead, err := config.ParseDurationField("timer.minimum_lead", cfg.Timer.MinimumLead)
	if err != nil {
		return coordinator.Config{}, err
	}
	runTimeout, err := config.ParseDurationField("engine.run_timeout", cfg.Engine.RunTimeout)
	if err != nil {
		return coordinator.Config{}, err
	}
	return coordinator.Config{MinGap: minGap, MinimumLead: lead, RunTimeout: runTimeout}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, false, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
		return storage.Config{Driver: driver, DSN: sc.DSN, MaxConns: sc.MaxConns}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func logRetention(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("storage.log_retention", cfg.Storage.LogRetention, defaultLogRetention)
}

func pruneAt(cfg *config.Config) (string, error) {
	raw := strings.TrimSpace(cfg.Storage.PruneAt)
	if raw == "" {
		raw = defaultPruneAt
	}
	spec, err := scheduler.ParseMaintenanceSpec(raw)
	if err != nil {
		return "", fmt.Errorf("storage.prune_at: %w", err)
	}
	return spec, nil
}

func reconcileEvery(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("timer.reconcile_every", cfg.Timer.ReconcileEvery, defaultReconcileEvery)
}

func mapDeliveryConfig(cfg *config.Config, loc *time.Location) (delivery.Config, error) {
	timeout, err := config.ParseDurationField("delivery.timeout", cfg.Delivery.Timeout)
	if err != nil {
		return delivery.Config{}, err
	}
	return delivery.Config{
		Timeout:   timeout,
		UserAgent: cfg.Delivery.UserAgent,
		Device:    cfg.Delivery.Device,
		Location:  loc,
	}, nil
}

func mapActionConfig(cfg *config.Config, loc *time.Location) (action.Config, error) {
	timeout, err := config.ParseDurationField("gmail.search_timeout", cfg.Gmail.SearchTimeout)
	if err != nil {
		return action.Config{}, err
	}
	return action.Config{SearchTimeout: timeout, MaxResults: cfg.Gmail.MaxResults, Location: loc}, nil
}

func mapGmailConfig(cfg *config.Config) gmail.Config {
	return gmail.Config{
		CredentialsFile: cfg.Gmail.CredentialsFile,
		TokenFile:       cfg.Gmail.TokenFile,
		CallbackAddr:    cfg.Gmail.CallbackAddr,
		Concurrency:     cfg.Gmail.Concurrency,
	}
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	hc := cfg.HTTP
	rt, err := config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 10*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	wt, err := config.ParseDurationField("http.write_timeout", hc.WriteTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	it, err := config.ParseDurationOrDefault("http.idle_timeout", hc.IdleTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	addr := strings.TrimSpace(hc.Addr)
	if addr == "" {
		addr = config.DefaultHTTPAddr
	}
	return ops.Config{
		Enabled:       hc.Enabled,
		Addr:          addr,
		Token:         strings.TrimSpace(hc.Token),
		AllowInsecure: hc.AllowInsecure,
		Pprof:         hc.Pprof,
		Metrics:       config.BoolOr(hc.Metrics, true),
		ReadTimeout:   rt,
		WriteTimeout:  wt,
		IdleTimeout:   it,
	}, nil
}

// newSearcher returns nil when gmail is disabled so search tales report
// that nobody is signed in.
func newSearcher(cfg *config.Config, log logx.Logger) action.Searcher {
	if !cfg.Gmail.Enabled {
		return nil
	}
	return gmail.New(mapGmailConfig(cfg), log)
}
