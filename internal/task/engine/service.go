package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"telly/internal/eventbus"
	rtsup "telly/internal/runtime/supervisor"
	logx "telly/pkg/logx"
)

// Service is a fixed-size worker pool with a bounded queue. Enqueue never
// blocks: a full queue is reported to the caller, who decides when to retry.
type Service struct {
	log logx.Logger
	bus eventbus.Bus

	// drop warnings are throttled; counters still see every drop.
	fullWarn  rate.Sometimes
	staleWarn rate.Sometimes

	mu   sync.Mutex
	cfg  Config
	pool *pool

	seq          atomic.Uint64
	inFlight     atomic.Int32
	droppedFull  atomic.Uint64
	droppedStale atomic.Uint64

	hmu     sync.Mutex
	history []TaskEvent
}

// pool is one generation of workers and their queue. Apply replaces the
// generation when its shape changes.
type pool struct {
	queue    chan job
	quit     chan struct{}
	sup      *rtsup.Supervisor
	stopping bool
	done     chan struct{}
}

type job struct {
	Task
	queued  time.Time
	timeout time.Duration
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:       cfg.withDefaults(),
		log:       log.With(logx.String("comp", "engine")),
		bus:       bus,
		fullWarn:  rate.Sometimes{Interval: 5 * time.Second},
		staleWarn: rate.Sometimes{Interval: 5 * time.Second},
	}
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. Timeouts and history size take effect at once;
// a change of worker count, queue size or enabled restarts the pool.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.pool != nil && !s.pool.stopping
	s.mu.Unlock()

	reshaped := prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize || prev.Enabled != cfg.Enabled
	if running && reshaped {
		s.log.Info("restarting task engine for new config",
			logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize), logx.Bool("enabled", cfg.Enabled))
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches the workers. It is a no-op when disabled or already
// running, and waits out a Stop that is still draining.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if p := s.pool; p != nil && p.stopping {
		s.mu.Unlock()
		select {
		case <-p.done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.pool != nil {
		return
	}

	p := &pool{
		queue: make(chan job, s.cfg.QueueSize),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
		// A broken worker should not take the daemon down.
		sup: rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log)),
	}
	for i := range s.cfg.Workers {
		p.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.work(c, p)
			if c.Err() != nil || isClosed(p.quit) {
				return context.Canceled
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.pool = p
	s.log.Info("task engine started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
}

// Stop halts the workers after their current task. Jobs still queued are
// dropped with ErrStopped. It returns when the pool is down or ctx ends.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	p := s.pool
	if p == nil {
		s.mu.Unlock()
		return
	}
	first := !p.stopping
	if first {
		p.stopping = true
		close(p.quit)
		p.sup.Cancel()
	}
	s.mu.Unlock()

	if first {
		go s.drain(p)
	}
	select {
	case <-p.done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// drain drops whatever the workers left queued. Enqueue sends under s.mu
// and checks p.stopping first, so nothing lands in p.queue after this sweep.
func (s *Service) drain(p *pool) {
	_ = p.sup.Wait(context.Background())
	var left []job
	s.mu.Lock()
	for {
		select {
		case j := <-p.queue:
			left = append(left, j)
			continue
		default:
		}
		break
	}
	if s.pool == p {
		s.pool = nil
	}
	s.mu.Unlock()
	for _, j := range left {
		notifyDrop(j.Task, ErrStopped)
	}
	close(p.done)
}

// Enqueue queues t without blocking. On ErrQueueFull the task is not
// accepted and OnDrop is not called.
func (s *Service) Enqueue(t Task) error {
	if t.Run == nil {
		return errors.New("task has no Run func")
	}
	if t.Name = strings.TrimSpace(t.Name); t.Name == "" {
		return errors.New("task name is required")
	}
	now := time.Now()
	if t.ID == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.seq.Add(1))
	}

	// The send stays under s.mu so Stop cannot slip between the stopping
	// check and the queue.
	s.mu.Lock()
	cfg, p := s.cfg, s.pool
	switch {
	case !cfg.Enabled:
		s.mu.Unlock()
		return ErrDisabled
	case p == nil:
		s.mu.Unlock()
		return ErrStopped
	case p.stopping:
		s.mu.Unlock()
		return ErrStopping
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	select {
	case p.queue <- job{Task: t, queued: now, timeout: timeout}:
		s.mu.Unlock()
		return nil
	default:
	}
	s.mu.Unlock()

	n := s.droppedFull.Add(1)
	s.publish(eventbus.TaskDropped, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "queue_full"})
	s.fullWarn.Do(func() {
		s.log.Warn("task dropped: queue full",
			logx.String("task", t.Name), logx.Int("queue_cap", cap(p.queue)), logx.Uint64("dropped_queue_full", n))
	})
	return ErrQueueFull
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, p := s.cfg, s.pool
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:          cfg.Enabled,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		DroppedQueueFull: s.droppedFull.Load(),
		DroppedStale:     s.droppedStale.Load(),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
	}
	snap.Dropped = snap.DroppedQueueFull + snap.DroppedStale
	if p != nil {
		snap.QueueLen, snap.QueueCap = len(p.queue), cap(p.queue)
	}
	s.hmu.Lock()
	snap.History = append([]TaskEvent(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) remember(ev TaskEvent) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, ev)
	if over := len(s.history) - size; over > 0 {
		s.history = append(s.history[:0:0], s.history[over:]...)
	}
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
	}
}

// notifyDrop calls t.OnDrop, shielding the caller from its panics.
func notifyDrop(t Task, reason error) {
	if t.OnDrop == nil {
		return
	}
	defer func() { _ = recover() }()
	t.OnDrop(reason)
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
