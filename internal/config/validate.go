package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

var knownDrivers = map[string]bool{
	"": true, "none": true, "file": true,
	"sqlite": true, "sqlite3": true,
	"postgres": true, "postgresql": true, "pgx": true,
}

// Validate reports every problem it finds, joined.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	dur("engine.run_timeout", c.Engine.RunTimeout)
	dur("engine.max_queue_delay", c.Engine.MaxQueueDelay)
	dur("engine.min_gap", c.Engine.MinGap)
	if c.Engine.Workers < 0 || c.Engine.QueueSize < 0 || c.Engine.HistorySize < 0 {
		errs = append(errs, errors.New("engine: workers, queue_size and history_size must be >= 0"))
	}
	if tz := strings.TrimSpace(c.Engine.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("engine.timezone: %w", err))
		}
	}

	dur("timer.periodic_granularity", c.Timer.PeriodicGranularity)
	dur("timer.minimum_lead", c.Timer.MinimumLead)
	dur("timer.min_chain_interval", c.Timer.MinChainInterval)
	dur("timer.max_sleep", c.Timer.MaxSleep)
	dur("timer.reconcile_every", c.Timer.ReconcileEvery)

	dur("delivery.timeout", c.Delivery.Timeout)

	dur("gmail.search_timeout", c.Gmail.SearchTimeout)
	if c.Gmail.Enabled && strings.TrimSpace(c.Gmail.CredentialsFile) == "" {
		errs = append(errs, errors.New("gmail.credentials_file is required when gmail is enabled"))
	}

	if !knownDrivers[strings.ToLower(strings.TrimSpace(c.Storage.Driver))] {
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	dur("storage.busy_timeout", c.Storage.BusyTimeout)
	dur("storage.log_retention", c.Storage.LogRetention)

	if c.Logging.Alert.Enabled {
		if u, err := url.Parse(strings.TrimSpace(c.Logging.Alert.URL)); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, errors.New("logging.alert.url must be an http(s) URL"))
		}
	}

	if c.HTTP.Enabled {
		dur("http.read_timeout", c.HTTP.ReadTimeout)
		dur("http.write_timeout", c.HTTP.WriteTimeout)
		dur("http.idle_timeout", c.HTTP.IdleTimeout)
		if err := checkExposure(c.HTTP); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DefaultHTTPAddr is the ops server's default listen address.
const DefaultHTTPAddr = "127.0.0.1:7070"

func checkExposure(h HTTPConfig) error {
	addr := strings.TrimSpace(h.Addr)
	if addr == "" {
		addr = DefaultHTTPAddr
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("http.addr: %w", err)
	}
	if IsLoopbackHost(host) || strings.TrimSpace(h.Token) != "" || h.AllowInsecure {
		return nil
	}
	return fmt.Errorf("http.addr %q is not loopback: set http.token or http.allow_insecure", addr)
}

// IsLoopbackHost reports whether host only accepts local connections.
// An empty host binds every interface.
func IsLoopbackHost(host string) bool {
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
