// Package ops serves the daemon's operational HTTP surface: health,
// Prometheus metrics, pprof and a small tale API.
package ops

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"telly/internal/config"
	rtsup "telly/internal/runtime/supervisor"
	"telly/internal/storage"
	"telly/internal/task/coordinator"
	logx "telly/pkg/logx"
)

const pprofPrefix = "/debug/pprof/"

// Config controls the ops server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback address needs Token or AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool
	Metrics       bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// TaleView is one row of GET /api/tales.
type TaleView struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Action    string     `json:"action"`
	Schedule  string     `json:"schedule"`
	Enabled   bool       `json:"enabled"`
	LastRunAt *time.Time `json:"lastRunAt,omitempty"`
	Strategy  string     `json:"strategy,omitempty"`
	Next      *time.Time `json:"next,omitempty"`
	InFlight  bool       `json:"inFlight,omitempty"`
}

// API is what the tale endpoints need from the daemon.
type API interface {
	Tales(ctx context.Context) ([]TaleView, error)
	RunNow(ctx context.Context, id string) (coordinator.ExecutedEvent, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
}

type Deps struct {
	API     API
	Metrics http.Handler
	// Health returns nil when the daemon is healthy.
	Health func() error
	// Goroutines reports supervised goroutine stats as JSON-encodable data.
	Goroutines func() any
}

type Service struct {
	log  logx.Logger
	deps Deps

	mu  sync.Mutex
	cfg Config
	gen *serving
	ln  net.Listener
}

// serving is one started instance of the server. A config change retires
// the whole instance and starts a fresh one.
type serving struct {
	sup      *rtsup.Supervisor
	stopping bool
	done     chan struct{}
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "ops"))}
}

// Supervisor returns the running instance's supervisor, or nil.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == nil {
		return nil
	}
	return s.gen.sup
}

// Addr is the bound listener address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Reconfigure brings the server in line with cfg. An unchanged config on a
// running server is a no-op.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev, running := s.cfg, s.gen != nil
	s.cfg = cfg
	s.mu.Unlock()

	changed := prev != cfg
	if running && (changed || !cfg.Enabled) {
		s.Stop(ctx)
	}
	if cfg.Enabled && (changed || !running) {
		s.Start(ctx)
	}
}

// Start serves in the background until Stop. Bind and serve failures are
// retried with backoff and never cancel ctx.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if g := s.gen; g != nil && g.stopping {
		s.mu.Unlock()
		select {
		case <-g.done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	defer s.mu.Unlock()
	if s.gen != nil || !s.cfg.Enabled {
		return
	}

	g := &serving{sup: rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log)), done: make(chan struct{})}
	g.sup.GoRestart("ops.serve", s.serveOnce,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
	s.gen = g
}

// Stop shuts the server down and returns once the listener is closed or
// ctx ends.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	g := s.gen
	if g == nil {
		s.mu.Unlock()
		return
	}
	first := !g.stopping
	g.stopping = true
	s.mu.Unlock()

	if first {
		g.sup.Cancel()
		go func() {
			_ = g.sup.Wait(context.Background())
			s.mu.Lock()
			if s.gen == g {
				s.gen = nil
			}
			s.mu.Unlock()
			close(g.done)
			s.log.Info("ops server stopped")
		}()
	}
	select {
	case <-g.done:
	case <-ctx.Done():
		s.log.Warn("ops server stop timed out", logx.Err(ctx.Err()))
	}
}

// listen binds cfg's address after checking it may be exposed.
func (s *Service) listen(cfg Config) (net.Listener, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = config.DefaultHTTPAddr
	}
	if cfg.Token == "" && !isLoopbackAddr(addr) {
		if !cfg.AllowInsecure {
			return nil, fmt.Errorf("refusing to serve %s without a token (set allow_insecure to override)", addr)
		}
		s.log.Warn("ops server exposed without a token", logx.String("addr", addr))
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, nil
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if !cfg.Enabled {
		return context.Canceled
	}

	ln, err := s.listen(cfg)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		s.log.Error("ops server cannot start", logx.Err(err))
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(cfg),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		// 0 keeps /debug/pprof/profile (30s+) working.
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.ln == ln {
			s.ln = nil
		}
		s.mu.Unlock()
	}()

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				_ = srv.Close()
			}
		case <-stopped:
		}
	}()

	s.log.Info("ops server listening",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token", cfg.Token != ""),
		logx.Bool("pprof", cfg.Pprof),
		logx.Bool("metrics", cfg.Metrics),
	)
	err = srv.Serve(ln)
	switch {
	case ctx.Err() != nil:
		return context.Canceled
	case errors.Is(err, http.ErrServerClosed):
		return errors.New("ops server closed unexpectedly")
	default:
		_ = srv.Close()
		return err
	}
}

// Handler builds the route table for cfg.
func (s *Service) Handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Token, h) }

	mux.HandleFunc("GET /healthz", wrap(s.health))
	if cfg.Metrics && s.deps.Metrics != nil {
		mux.Handle("GET /metrics", wrap(s.deps.Metrics.ServeHTTP))
	}
	if s.deps.API != nil {
		mux.HandleFunc("GET /api/tales", wrap(s.listTales))
		mux.HandleFunc("POST /api/tales/{id}/run", wrap(s.runTale))
		mux.HandleFunc("POST /api/tales/{id}/enable", wrap(s.toggle(true)))
		mux.HandleFunc("POST /api/tales/{id}/disable", wrap(s.toggle(false)))
	}
	if s.deps.Goroutines != nil {
		mux.HandleFunc("GET /api/goroutines", wrap(func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, s.deps.Goroutines())
		}))
	}
	if cfg.Pprof {
		mux.HandleFunc(pprofPrefix, wrap(hpprof.Index))
		mux.HandleFunc(pprofPrefix+"cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc(pprofPrefix+"profile", wrap(hpprof.Profile))
		mux.HandleFunc(pprofPrefix+"symbol", wrap(hpprof.Symbol))
		mux.HandleFunc(pprofPrefix+"trace", wrap(hpprof.Trace))
	}
	return mux
}

func (s *Service) health(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Service) listTales(w http.ResponseWriter, r *http.Request) {
	views, err := s.deps.API.Tales(r.Context())
	if err != nil {
		s.log.Warn("list tales failed", logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if views == nil {
		views = []TaleView{}
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Service) runTale(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	ev, err := s.deps.API.RunNow(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, ev)
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("tale %s not found", id)})
	case errors.Is(err, coordinator.ErrBusy), errors.Is(err, coordinator.ErrDisabled):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		s.log.Warn("run now failed", logx.String("id", id), logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (s *Service) toggle(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.PathValue("id"))
		err := s.deps.API.SetEnabled(r.Context(), id, enabled)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": enabled})
		case errors.Is(err, storage.ErrNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("tale %s not found", id)})
		default:
			s.log.Warn("toggle tale failed", logx.String("id", id), logx.Err(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// withAuth requires token as a bearer header or, for browsers, a ?token=
// query parameter. An empty token leaves h open.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	want := []byte(strings.TrimSpace(token))
	if len(want) == 0 {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if subtle.ConstantTimeCompare([]byte(presented(r)), want) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="telly"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		h(w, r)
	}
}

func presented(r *http.Request) string {
	if q := r.URL.Query().Get("token"); q != "" {
		return q
	}
	scheme, cred, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(cred)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	return config.IsLoopbackHost(h)
}
