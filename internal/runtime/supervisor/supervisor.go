// Package supervisor runs named goroutines bound to one context, recovering
// panics and restarting long-running loops with backoff.
package supervisor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	logx "telly/pkg/logx"
)

// healthyRun is how long a restarted loop must survive before its backoff
// resets to the minimum.
const healthyRun = 30 * time.Second

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool
	onPanic     func(name string, p any)
	onRestart   func(name string)

	wg       sync.WaitGroup
	started  atomic.Uint64
	active   atomic.Int64
	firstErr atomic.Pointer[error]
	waitOnce sync.Once
	done     chan struct{}

	mu    sync.Mutex
	stats map[string]*GoroutineStats
}

type Option func(*Supervisor)

// GoroutineStats aggregates runs by goroutine name.
type GoroutineStats struct {
	Name        string    `json:"name"`
	Active      int64     `json:"active"`
	Started     uint64    `json:"started"`
	Panics      uint64    `json:"panics"`
	Restarts    uint64    `json:"restarts"`
	LastStartAt time.Time `json:"last_start_at"`
	LastErr     string    `json:"last_err,omitempty"`
	LastErrAt   time.Time `json:"last_err_at,omitempty"`
}

type Snapshot struct {
	Active     int64            `json:"active"`
	Started    uint64           `json:"started"`
	FirstError string           `json:"first_error,omitempty"`
	Goroutines []GoroutineStats `json:"goroutines"`
}

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

// WithCancelOnError cancels the shared context when a goroutine fails for good.
func WithCancelOnError(enabled bool) Option { return func(s *Supervisor) { s.cancelOnErr = enabled } }

// WithHooks registers callbacks for panics and restarts. Either may be nil.
func WithHooks(onPanic func(name string, p any), onRestart func(name string)) Option {
	return func(s *Supervisor) {
		s.onPanic = onPanic
		s.onRestart = onRestart
	}
}

func NewSupervisor(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		stats:  map[string]*GoroutineStats{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first recorded failure, or nil.
func (s *Supervisor) Err() error {
	if p := s.firstErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Active: s.active.Load(), Started: s.started.Load()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.mu.Lock()
	for _, st := range s.stats {
		snap.Goroutines = append(snap.Goroutines, *st)
	}
	s.mu.Unlock()
	slices.SortFunc(snap.Goroutines, func(a, b GoroutineStats) int { return cmp.Compare(a.Name, b.Name) })
	return snap
}

// Go runs fn once. A panic or an error other than context.Canceled becomes
// a failure.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.spawn(name, fn, policy{})
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

type RestartOption func(*policy)

// policy decides what happens after a run fails. The zero value never
// restarts.
type policy struct {
	restart         bool
	minBackoff      time.Duration
	maxBackoff      time.Duration
	maxRestarts     int
	publishFirstErr bool
}

func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *policy) {
		if min > 0 {
			p.minBackoff = min
		}
		if max > 0 {
			p.maxBackoff = max
		}
	}
}

// WithMaxRestarts gives up after n restarts. n <= 0 means unlimited.
func WithMaxRestarts(n int) RestartOption { return func(p *policy) { p.maxRestarts = n } }

// WithPublishFirstError surfaces the first failure through Err while still restarting.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *policy) { p.publishFirstErr = enabled }
}

// GoRestart runs fn until it returns nil or context.Canceled, restarting it
// on error or panic with jittered exponential backoff.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	p := policy{restart: true, minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&p)
	}
	p.maxBackoff = max(p.maxBackoff, p.minBackoff)
	s.spawn(name, fn, p)
}

func (s *Supervisor) spawn(name string, fn func(ctx context.Context) error, p policy) {
	if fn == nil {
		return
	}
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		s.loop(name, fn, p)
	}()
}

func (s *Supervisor) loop(name string, fn func(ctx context.Context) error, p policy) {
	backoff := p.minBackoff
	for attempt := 0; ; attempt++ {
		began := s.begin(name, attempt > 0)
		err := s.call(name, fn)

		// A restartable loop that returns during shutdown has stopped cleanly.
		if err == nil || errors.Is(err, context.Canceled) || (p.restart && s.ctx.Err() != nil) {
			s.end(name, nil)
			return
		}
		err = fmt.Errorf("%s: %w", name, err)
		s.end(name, err)

		if !p.restart {
			s.fail(err)
			return
		}
		if p.publishFirstErr {
			s.record(err)
		}
		if p.maxRestarts > 0 && attempt >= p.maxRestarts {
			s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", attempt), logx.Err(err))
			s.fail(err)
			return
		}

		if time.Since(began) >= healthyRun {
			backoff = p.minBackoff
		}
		wait := backoff
		if j := wait / 5; j > 0 {
			wait += rand.N(j)
		}
		s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

		t := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		backoff = min(backoff*2, p.maxBackoff)
	}
}

// call runs fn on the shared context, turning a panic into an error.
func (s *Supervisor) call(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.mu.Lock()
			s.stat(name).Panics++
			s.mu.Unlock()
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			if s.onPanic != nil {
				s.onPanic(name, r)
			}
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(s.ctx)
}

// stat needs s.mu held.
func (s *Supervisor) stat(name string) *GoroutineStats {
	st, ok := s.stats[name]
	if !ok {
		st = &GoroutineStats{Name: name}
		s.stats[name] = st
	}
	return st
}

func (s *Supervisor) begin(name string, restart bool) time.Time {
	now := time.Now()
	s.mu.Lock()
	st := s.stat(name)
	st.Started++
	st.Active++
	st.LastStartAt = now
	if restart {
		st.Restarts++
	}
	s.mu.Unlock()
	if restart && s.onRestart != nil {
		s.onRestart(name)
	}
	return now
}

// end keeps LastErr from earlier runs when err is nil.
func (s *Supervisor) end(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stat(name)
	st.Active = max(st.Active-1, 0)
	if err != nil {
		st.LastErr, st.LastErrAt = err.Error(), time.Now()
	}
}

func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx ends, then reports Err.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}

func (s *Supervisor) fail(err error) {
	s.record(err)
	if s.cancelOnErr {
		s.cancel()
	}
}

// record keeps only the first error.
func (s *Supervisor) record(err error) {
	if err != nil {
		s.firstErr.CompareAndSwap(nil, &err)
	}
}
