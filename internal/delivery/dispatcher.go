// Package delivery posts tale results to their configured webhook.
//
// Delivery is fire-and-forget: one attempt, no retry, and the outcome is
// reported as text for the execution log instead of an error.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"telly/internal/action"
	"telly/internal/tale"
	logx "telly/pkg/logx"
)

const DefaultTimeout = 30 * time.Second

type Config struct {
	// Timeout bounds connect, request write and response header wait each.
	Timeout   time.Duration
	UserAgent string
	// Device identifies this host in payloads. Empty means the hostname.
	Device   string
	Location *time.Location
}

type Dispatcher struct {
	cfg    Config
	client *http.Client
	log    logx.Logger
}

func New(cfg Config, log logx.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = "Telly/" + Version + " (" + runtime.GOOS + ")"
	}
	if strings.TrimSpace(cfg.Device) == "" {
		if h, err := os.Hostname(); err == nil && h != "" {
			cfg.Device = h
		} else {
			cfg.Device = "unknown"
		}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: cfg.Timeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   cfg.Timeout,
		ResponseHeaderTimeout: cfg.Timeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   2,
	}
	return &Dispatcher{
		cfg:    cfg,
		client: &http.Client{Transport: tr, Timeout: 3 * cfg.Timeout},
		log:    log.With(logx.String("comp", "delivery")),
	}
}

// Deliver posts the envelope for r to target and describes what happened:
// "OK (<code>)", "Failed (<code>)" or "Error: <msg>".
func (d *Dispatcher) Deliver(ctx context.Context, target string, t tale.Tale, r action.Result, now time.Time) (outcome string) {
	defer func() {
		if p := recover(); p != nil {
			d.log.Error("delivery panicked", logx.String("tale", t.ID), logx.Any("panic", p))
			outcome = fmt.Sprintf("Error: %v", p)
		}
	}()

	body, err := json.Marshal(BuildPayload(d.cfg.Device, t, r, now, d.cfg.Location))
	if err != nil {
		return "Error: " + err.Error()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSpace(target), bytes.NewReader(body))
	if err != nil {
		return "Error: " + err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.cfg.UserAgent)

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		d.log.Warn("delivery failed", logx.String("tale", t.ID), logx.Err(err))
		return "Error: " + err.Error()
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	d.log.Debug("delivered", logx.String("tale", t.ID), logx.Int("status", resp.StatusCode),
		logx.Int("bytes", len(body)), logx.Duration("took", time.Since(start)))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return fmt.Sprintf("OK (%d)", resp.StatusCode)
	}
	return fmt.Sprintf("Failed (%d)", resp.StatusCode)
}
