package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// AlertConfig forwards log lines at or above MinLevel to URL as JSON.
type AlertConfig struct {
	Enabled    bool
	URL        string
	MinLevel   string
	RatePerSec int
}

type alertItem struct {
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Time    string         `json:"time,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Field values longer than these are cut before posting.
const (
	alertFieldMax = 600
	alertStackMax = 900
	alertLineMax  = 3500
)

// alertRule is replaced wholesale by apply.
type alertRule struct {
	url      string
	minLevel zerolog.Level
	limiter  *rate.Limiter
}

// alertSink is a zerolog writer that hands qualifying lines to a single
// poster goroutine.
type alertSink struct {
	rule   atomic.Pointer[alertRule]
	client *http.Client
	queue  chan alertItem
	stop   context.CancelFunc
	wg     sync.WaitGroup
}

func newAlertSink(cfg AlertConfig) *alertSink {
	ctx, stop := context.WithCancel(context.Background())
	a := &alertSink{
		client: &http.Client{Timeout: 10 * time.Second},
		queue:  make(chan alertItem, 256),
		stop:   stop,
	}
	a.apply(cfg)
	a.wg.Add(1)
	go a.run(ctx)
	return a
}

func (a *alertSink) apply(cfg AlertConfig) {
	rps := max(1, cfg.RatePerSec)
	a.rule.Store(&alertRule{
		url:      strings.TrimSpace(cfg.URL),
		minLevel: parseLevel(cfg.MinLevel, zerolog.WarnLevel),
		limiter:  rate.NewLimiter(rate.Limit(rps), rps),
	})
}

// close drops anything still queued.
func (a *alertSink) close() {
	a.stop()
	a.wg.Wait()
}

func (a *alertSink) run(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-a.queue:
			_ = a.post(ctx, it)
		}
	}
}

func (a *alertSink) post(ctx context.Context, it alertItem) error {
	body, err := json.Marshal(it)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.rule.Load().url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func (a *alertSink) Write(p []byte) (int, error) {
	return a.WriteLevel(zerolog.InfoLevel, p)
}

// WriteLevel never blocks the logging path: lines over the rate or beyond
// the queue are dropped.
func (a *alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	r := a.rule.Load()
	if level == zerolog.NoLevel || level < r.minLevel || !r.limiter.Allow() {
		return len(p), nil
	}
	if it, ok := decodeAlert(p); ok {
		select {
		case a.queue <- it:
		default:
		}
	}
	return len(p), nil
}

// decodeAlert lifts level, message and time out of a JSON log line and keeps
// the rest as fields. Non-JSON lines become a bare message.
func decodeAlert(p []byte) (alertItem, bool) {
	p = bytes.TrimSpace(p)
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		if len(p) == 0 {
			return alertItem{}, false
		}
		return alertItem{Message: truncate(string(p), alertLineMax)}, true
	}

	var it alertItem
	take := func(key string) string {
		v, _ := m[key].(string)
		delete(m, key)
		return v
	}
	it.Level = take(zerolog.LevelFieldName)
	it.Message = take(zerolog.MessageFieldName)
	it.Time = take(zerolog.TimestampFieldName)
	for k, v := range m {
		if s, ok := v.(string); ok {
			limit := alertFieldMax
			if k == "stack" {
				limit = alertStackMax
			}
			m[k] = truncate(s, limit)
		}
	}
	if len(m) > 0 {
		it.Fields = m
	}
	if it.Message == "" && it.Fields == nil {
		return alertItem{}, false
	}
	return it, true
}

func truncate(s string, n int) string {
	switch {
	case n <= 0 || len(s) <= n:
		return s
	case n < 10:
		return s[:n]
	default:
		return s[:n-3] + "..."
	}
}

var _ zerolog.LevelWriter = (*alertSink)(nil)
