package config

import (
	"sort"
	"strings"

	logx "telly/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (tokens, DSNs, alert URLs) are never
// included, only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if oldCfg.Logging != newCfg.Logging {
		l := newCfg.Logging
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", l.Level),
			logx.Bool("logging.console", l.Console),
			logx.Bool("logging.file_enabled", l.File.Enabled),
			logx.Bool("logging.alert_enabled", l.Alert.Enabled),
			logx.Bool("logging.alert_url_set", strings.TrimSpace(l.Alert.URL) != ""),
		)
	}

	if oldCfg.Engine != newCfg.Engine {
		e := newCfg.Engine
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.workers", e.Workers),
			logx.Int("engine.queue_size", e.QueueSize),
			logx.String("engine.run_timeout", strings.TrimSpace(e.RunTimeout)),
			logx.String("engine.min_gap", strings.TrimSpace(e.MinGap)),
			logx.String("engine.timezone", strings.TrimSpace(e.Timezone)),
		)
	}

	if oldCfg.Timer != newCfg.Timer {
		t := newCfg.Timer
		changed = append(changed, "timer")
		attrs = append(attrs,
			logx.String("timer.periodic_granularity", strings.TrimSpace(t.PeriodicGranularity)),
			logx.String("timer.min_chain_interval", strings.TrimSpace(t.MinChainInterval)),
			logx.String("timer.reconcile_every", strings.TrimSpace(t.ReconcileEvery)),
		)
	}

	if oldCfg.Delivery != newCfg.Delivery {
		d := newCfg.Delivery
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.String("delivery.timeout", strings.TrimSpace(d.Timeout)),
			logx.String("delivery.device", strings.TrimSpace(d.Device)),
		)
	}

	if oldCfg.Gmail != newCfg.Gmail {
		g := newCfg.Gmail
		changed = append(changed, "gmail")
		attrs = append(attrs,
			logx.Bool("gmail.enabled", g.Enabled),
			logx.Int("gmail.max_results", g.MaxResults),
			logx.Int("gmail.concurrency", g.Concurrency),
		)
	}

	// Storage (never log dsn)
	oldS, newS := oldCfg.Storage, newCfg.Storage
	if strings.TrimSpace(oldS.Driver) != strings.TrimSpace(newS.Driver) ||
		strings.TrimSpace(oldS.Path) != strings.TrimSpace(newS.Path) ||
		oldS.DSN != newS.DSN ||
		oldS.BusyTimeout != newS.BusyTimeout ||
		oldS.MaxConns != newS.MaxConns ||
		oldS.LogRetention != newS.LogRetention ||
		oldS.PruneAt != newS.PruneAt {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newS.DSN) != ""),
			logx.String("storage.log_retention", strings.TrimSpace(newS.LogRetention)),
		)
	}

	// HTTP (never log token)
	oh, nh := oldCfg.HTTP, newCfg.HTTP
	if oh.Enabled != nh.Enabled ||
		strings.TrimSpace(oh.Addr) != strings.TrimSpace(nh.Addr) ||
		oh.Token != nh.Token ||
		oh.AllowInsecure != nh.AllowInsecure ||
		oh.Pprof != nh.Pprof ||
		BoolOr(oh.Metrics, true) != BoolOr(nh.Metrics, true) ||
		oh.ReadTimeout != nh.ReadTimeout ||
		oh.WriteTimeout != nh.WriteTimeout ||
		oh.IdleTimeout != nh.IdleTimeout {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", nh.Enabled),
			logx.String("http.addr", strings.TrimSpace(nh.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(nh.Token) != ""),
			logx.Bool("http.pprof", nh.Pprof),
		)
	}

	if BoolOr(oldCfg.Systemd.Notify, true) != BoolOr(newCfg.Systemd.Notify, true) ||
		BoolOr(oldCfg.Systemd.Watchdog, true) != BoolOr(newCfg.Systemd.Watchdog, true) {
		changed = append(changed, "systemd")
		attrs = append(attrs,
			logx.Bool("systemd.notify", BoolOr(newCfg.Systemd.Notify, true)),
			logx.Bool("systemd.watchdog", BoolOr(newCfg.Systemd.Watchdog, true)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
