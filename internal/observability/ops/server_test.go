package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"telly/internal/storage"
	"telly/internal/task/coordinator"
	logx "telly/pkg/logx"
)

type fakeAPI struct {
	views []TaleView
	runs  map[string]error
}

func (f *fakeAPI) Tales(context.Context) ([]TaleView, error) { return f.views, nil }

func (f *fakeAPI) RunNow(_ context.Context, id string) (coordinator.ExecutedEvent, error) {
	if err := f.runs[id]; err != nil {
		return coordinator.ExecutedEvent{}, err
	}
	return coordinator.ExecutedEvent{ID: id, Success: true, Result: "ok", Manual: true}, nil
}

func (f *fakeAPI) SetEnabled(_ context.Context, id string, _ bool) error {
	return f.runs[id]
}

func newTestService(token string) (*Service, http.Handler) {
	api := &fakeAPI{
		views: []TaleView{{ID: "t1", Name: "ping", Action: "TIME", Schedule: "every 1s", Enabled: true, Strategy: "chained"}},
		runs: map[string]error{
			"gone": fmt.Errorf("load: %w", storage.ErrNotFound),
			"busy": coordinator.ErrBusy,
			"off":  fmt.Errorf("%w: off", coordinator.ErrDisabled),
		},
	}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("telly_up 1\n")) })
	s := New(Config{}, Deps{
		API:        api,
		Metrics:    metrics,
		Goroutines: func() any { return map[string]int{"active": 2} },
	}, logx.Nop())
	return s, s.Handler(Config{Token: token, Metrics: true, Pprof: true})
}

func TestHandlerRoutes(t *testing.T) {
	t.Parallel()

	_, h := newTestService("")
	tests := []struct {
		name     string
		method   string
		path     string
		wantCode int
	}{
		{"health", http.MethodGet, "/healthz", http.StatusOK},
		{"metrics", http.MethodGet, "/metrics", http.StatusOK},
		{"tales", http.MethodGet, "/api/tales", http.StatusOK},
		{"run", http.MethodPost, "/api/tales/t1/run", http.StatusOK},
		{"run missing", http.MethodPost, "/api/tales/gone/run", http.StatusNotFound},
		{"run busy", http.MethodPost, "/api/tales/busy/run", http.StatusConflict},
		{"run disabled", http.MethodPost, "/api/tales/off/run", http.StatusConflict},
		{"run needs post", http.MethodGet, "/api/tales/t1/run", http.StatusMethodNotAllowed},
		{"enable", http.MethodPost, "/api/tales/t1/enable", http.StatusOK},
		{"disable missing", http.MethodPost, "/api/tales/gone/disable", http.StatusNotFound},
		{"pprof index", http.MethodGet, "/debug/pprof/", http.StatusOK},
		{"goroutines", http.MethodGet, "/api/goroutines", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			if rec.Code != tt.wantCode {
				t.Fatalf("%s %s = %d, want %d (body %q)", tt.method, tt.path, rec.Code, tt.wantCode, rec.Body.String())
			}
		})
	}
}

func TestListTalesBody(t *testing.T) {
	t.Parallel()

	_, h := newTestService("")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tales", nil))

	var got []TaleView
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []TaleView{{ID: "t1", Name: "ping", Action: "TIME", Schedule: "every 1s", Enabled: true, Strategy: "chained"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("tales (-want +got):\n%s", diff)
	}
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()

	_, h := newTestService("s3cret")
	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{name: "none", want: http.StatusUnauthorized},
		{name: "bearer", header: "Bearer s3cret", want: http.StatusOK},
		{name: "wrong bearer", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "query", query: "?token=s3cret", want: http.StatusOK},
		{name: "wrong query wins over header", header: "Bearer s3cret", query: "?token=bad", want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/healthz"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("code = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestHealthDegraded(t *testing.T) {
	t.Parallel()

	s := New(Config{}, Deps{Health: func() error { return errors.New("scheduler stopped") }}, logx.Nop())
	rec := httptest.NewRecorder()
	s.Handler(Config{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func waitForHTTP(ctx context.Context, url string) error {
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestReconfigureEnableDisable(t *testing.T) {
	t.Parallel()

	s := New(Config{}, Deps{}, logx.Nop())
	t.Cleanup(func() { s.Stop(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	var addr string
	for addr == "" {
		if ctx.Err() != nil {
			t.Fatalf("server never bound")
		}
		addr = s.Addr()
		time.Sleep(10 * time.Millisecond)
	}
	if err := waitForHTTP(ctx, "http://"+addr+"/healthz"); err != nil {
		t.Fatalf("healthz not reachable: %v", err)
	}

	s.Reconfigure(ctx, Config{Enabled: false})
	if got := s.Addr(); got != "" {
		t.Fatalf("Addr() after disable = %q, want empty", got)
	}
	if s.Supervisor() != nil {
		t.Fatalf("supervisor still set after disable")
	}
}

func TestRefusesExposedBindWithoutToken(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Deps{}, logx.Nop())
	err := s.serveOnce(context.Background())
	if err == nil {
		t.Fatalf("serveOnce succeeded on an exposed bind without a token")
	}
	if s.Addr() != "" {
		t.Fatalf("listener bound despite refusal")
	}
}
