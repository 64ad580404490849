package coordinator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"telly/internal/action"
	"telly/internal/eventbus"
	"telly/internal/storage"
	"telly/internal/tale"
	"telly/internal/tale/policy"
	"telly/internal/task/engine"
	logx "telly/pkg/logx"
)

var (
	ErrBusy     = errors.New("tale already running")
	ErrDisabled = errors.New("tale is disabled")
)

type Coordinator struct {
	mu     sync.RWMutex
	cfg    Config
	policy policy.Policy

	store   Store
	exec    Executor
	deliver Deliverer
	arm     Arming
	pool    Pool

	log logx.Logger
	bus eventbus.Bus

	// gap holds the start time of each tale's latest run.
	gap    *expirable.LRU[string, time.Time]
	flight *flight
}

type Deps struct {
	Store     Store
	Executor  Executor
	Deliverer Deliverer
	Arming    Arming
	Pool      Pool
	Bus       eventbus.Bus
}

func withDefaults(cfg Config) Config {
	if cfg.MinGap <= 0 {
		cfg.MinGap = DefaultMinGap
	}
	if cfg.MinimumLead <= 0 {
		cfg.MinimumLead = policy.DefaultMinimumLead
	}
	if cfg.GapCacheSize <= 0 {
		cfg.GapCacheSize = DefaultGapCacheSize
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg
}

func New(cfg Config, p policy.Policy, deps Deps, log logx.Logger) *Coordinator {
	cfg = withDefaults(cfg)
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{
		cfg:     cfg,
		policy:  p,
		store:   deps.Store,
		exec:    deps.Executor,
		deliver: deps.Deliverer,
		arm:     deps.Arming,
		pool:    deps.Pool,
		bus:     deps.Bus,
		log:     log.With(logx.String("comp", "coordinator")),
		gap:     expirable.NewLRU[string, time.Time](cfg.GapCacheSize, nil, cfg.MinGap),
		flight:  newFlight(),
	}
}

// Apply swaps timing knobs and the policy. The gap cache keeps its size and
// TTL until restart; comparisons use the new MinGap immediately.
func (c *Coordinator) Apply(cfg Config, p policy.Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg.Now = c.cfg.Now
	c.cfg = withDefaults(cfg)
	c.policy = p
}

func (c *Coordinator) snapshot() (Config, policy.Policy) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg, c.policy
}

// InFlight reports whether a run for id is queued or executing.
func (c *Coordinator) InFlight(id string) bool { return c.flight.busy(id) }

// Running is the number of tales queued or executing.
func (c *Coordinator) Running() int { return c.flight.count() }

// Fire is the timer callback. It never blocks: the run is queued on the
// worker pool, and a second trigger for a tale already queued or running
// is dropped.
func (c *Coordinator) Fire(id string, at time.Time) {
	if !c.flight.tryAcquire(id) {
		c.skipped(id, at, OutcomeSkippedInFlight)
		return
	}
	cfg, _ := c.snapshot()

	err := c.pool.Enqueue(engine.Task{
		Name:    "tale:" + id,
		Timeout: cfg.RunTimeout,
		Run: func(ctx context.Context) error {
			defer c.flight.release(id)
			_, err := c.runIfDue(ctx, id, at)
			return err
		},
		OnDrop: func(reason error) {
			c.flight.release(id)
			c.retryLater(id, reason)
		},
	})
	if err != nil {
		c.flight.release(id)
		c.retryLater(id, err)
	}
}

func (c *Coordinator) retryLater(id string, reason error) {
	cfg, _ := c.snapshot()
	at := cfg.Now().Add(cfg.MinimumLead)
	c.log.Warn("tale run not queued; retrying", logx.String("tale_id", id), logx.Time("at", at), logx.Err(reason))
	c.arm.Retry(id, at)
}

// RunIfDue executes the tale when the policy says it is due at now and no
// other run for it is too recent or still in flight.
func (c *Coordinator) RunIfDue(ctx context.Context, id string, now time.Time) (Outcome, error) {
	if !c.flight.tryAcquire(id) {
		c.skipped(id, now, OutcomeSkippedInFlight)
		return OutcomeSkippedInFlight, nil
	}
	defer c.flight.release(id)
	return c.runIfDue(ctx, id, now)
}

// runIfDue expects the in-flight guard for id to be held.
func (c *Coordinator) runIfDue(ctx context.Context, id string, now time.Time) (Outcome, error) {
	cfg, p := c.snapshot()

	t, err := c.store.GetTale(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		c.arm.Disarm(id)
		c.log.Debug("fired tale no longer exists", logx.String("tale_id", id))
		return OutcomeMissing, nil
	}
	if err != nil {
		return "", fmt.Errorf("load tale %s: %w", id, err)
	}
	if !t.Enabled {
		c.arm.Disarm(id)
		return OutcomeDisabled, nil
	}

	due, err := p.IsDue(t.Schedule, t.LastRunAt, now)
	if err != nil {
		c.arm.Disarm(id)
		c.log.Error("tale schedule is malformed", logx.String("tale_id", id), logx.String("schedule", t.Schedule.String()), logx.Err(err))
		return OutcomeConfigError, err
	}
	if !due {
		c.rearm(t)
		c.skipped(id, now, OutcomeNotDue)
		return OutcomeNotDue, nil
	}

	if started, ok := c.gap.Get(id); ok {
		if d := now.Sub(started); d < cfg.MinGap && d > -cfg.MinGap {
			// The run that set the gap re-arms when it finishes; this keeps
			// the tale armed if that run already did.
			c.arm.Retry(id, started.Add(cfg.MinGap))
			c.skipped(id, now, OutcomeSkippedGap)
			return OutcomeSkippedGap, nil
		}
	}

	c.execute(ctx, t, now, false)
	return OutcomeRan, nil
}

// RunNow executes the tale immediately, bypassing the due and gap checks.
// It still refuses disabled tales and runs that would overlap one in flight.
func (c *Coordinator) RunNow(ctx context.Context, id string) (ExecutedEvent, error) {
	if !c.flight.tryAcquire(id) {
		return ExecutedEvent{}, ErrBusy
	}
	defer c.flight.release(id)

	t, err := c.store.GetTale(ctx, id)
	if err != nil {
		return ExecutedEvent{}, err
	}
	if !t.Enabled {
		return ExecutedEvent{}, fmt.Errorf("%w: %s", ErrDisabled, id)
	}
	cfg, _ := c.snapshot()
	return c.execute(ctx, t, cfg.Now(), true), nil
}

func (c *Coordinator) execute(ctx context.Context, t tale.Tale, now time.Time, manual bool) ExecutedEvent {
	start := time.Now()
	c.gap.Add(t.ID, now)

	res := c.safeExecute(ctx, t, now)

	// Post-run work must survive a run timeout.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultStoreTimeout)
	defer cancel()

	text := res.Text()
	var outcome string
	if t.HasDelivery() {
		outcome = c.deliver.Deliver(context.WithoutCancel(ctx), t.DeliveryTarget, t, res, now)
		text += " | Webhook: " + outcome
	}

	entry := tale.NewLogEntry(t.ID, now, text, !res.Failed())
	recorded := true
	if err := c.store.RecordExecution(pctx, entry, now); err != nil {
		recorded = false
		if errors.Is(err, storage.ErrNotFound) {
			c.log.Warn("tale deleted while running; result dropped", logx.String("tale_id", t.ID))
		} else {
			c.log.Error("failed to record execution", logx.String("tale_id", t.ID), logx.Err(err))
			fail := tale.NewLogEntry(t.ID, now, "error: failed to record execution: "+err.Error(), false)
			if aerr := c.store.AppendLog(pctx, fail); aerr != nil {
				c.log.Error("failed to append failure log", logx.String("tale_id", t.ID), logx.Err(aerr))
			}
		}
	}

	ev := ExecutedEvent{
		ID:       t.ID,
		Name:     t.Name,
		At:       now,
		Success:  !res.Failed(),
		Result:   text,
		Delivery: outcome,
		Manual:   manual,
		Took:     time.Since(start),
	}
	c.log.Info("tale executed",
		logx.String("tale_id", t.ID),
		logx.String("name", t.Name),
		logx.Bool("success", ev.Success),
		logx.Bool("manual", manual),
		logx.Duration("took", ev.Took),
	)
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.TaleExecuted, Time: now, Data: ev})
	}

	// Without a recorded run the stored tale still looks due; the reconcile
	// sweep re-arms it once persistence is back.
	if !recorded {
		c.arm.Disarm(t.ID)
		return ev
	}
	fresh, err := c.store.GetTale(pctx, t.ID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.log.Warn("reload after run failed", logx.String("tale_id", t.ID), logx.Err(err))
		}
		c.arm.Disarm(t.ID)
		return ev
	}
	if !fresh.Enabled {
		c.arm.Disarm(t.ID)
		return ev
	}
	c.rearm(fresh)
	return ev
}

func (c *Coordinator) rearm(t tale.Tale) {
	if err := c.arm.Arm(t.ID, t.Schedule, t.LastRunAt); err != nil {
		c.log.Error("re-arm failed", logx.String("tale_id", t.ID), logx.Err(err))
	}
}

func (c *Coordinator) safeExecute(ctx context.Context, t tale.Tale, now time.Time) (res action.Result) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("action panicked", logx.String("tale_id", t.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			res = action.Errorf("%v", r)
		}
	}()
	return c.exec.Execute(ctx, t, now)
}

func (c *Coordinator) skipped(id string, at time.Time, reason Outcome) {
	c.log.Debug("tale trigger skipped", logx.String("tale_id", id), logx.String("reason", string(reason)))
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.TaleSkipped, Time: at, Data: SkippedEvent{ID: id, At: at, Reason: reason}})
	}
}
