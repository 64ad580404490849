package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"telly/internal/action"
	"telly/internal/config"
	"telly/internal/delivery"
	"telly/internal/eventbus"
	"telly/internal/observability/metrics"
	"telly/internal/observability/ops"
	rtsup "telly/internal/runtime/supervisor"
	"telly/internal/storage"
	"telly/internal/task/coordinator"
	"telly/internal/task/engine"
	"telly/internal/task/scheduler"
	logx "telly/pkg/logx"
	"telly/pkg/systemd"
)

const (
	maintPrune       = "logs.prune"
	reconcileTimeout = 10 * time.Second
)

// App is the long-running daemon behind `telly serve`.
type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	root logx.Logger
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  storage.Store
	engine *engine.Service
	sched  *scheduler.Service
	coord  *coordinator.Coordinator
	tales  *TaleService

	metrics *metrics.Metrics
	ops     *ops.Service
	sd      *systemd.Notifier
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.LoadOrDefault()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", cfgm.Path(), err)
	}

	logSvc, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	fail := func(err error) (*App, error) {
		_ = logSvc.Close()
		return nil, err
	}

	loc, err := loadLocation(cfg)
	if err != nil {
		return fail(err)
	}
	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return fail(err)
	}
	timerCfg, err := mapTimerConfig(cfg, loc)
	if err != nil {
		return fail(err)
	}
	coordCfg, err := mapCoordinatorConfig(cfg)
	if err != nil {
		return fail(err)
	}
	actCfg, err := mapActionConfig(cfg, loc)
	if err != nil {
		return fail(err)
	}
	delCfg, err := mapDeliveryConfig(cfg, loc)
	if err != nil {
		return fail(err)
	}
	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		return fail(err)
	}

	store, err := openStore(cfg, root)
	if err != nil {
		return fail(err)
	}

	bus := eventbus.New()
	eng := engine.New(engCfg, root, bus)

	// The timer callback needs the coordinator and the coordinator needs the
	// timer backend for re-arming; the closure breaks the cycle.
	var coord *coordinator.Coordinator
	sched := scheduler.New(timerCfg, func(id string, at time.Time) { coord.Fire(id, at) }, root, bus)
	coord = coordinator.New(coordCfg, sched.Policy(), coordinator.Deps{
		Store:     store,
		Executor:  action.New(actCfg, newSearcher(cfg, root), root),
		Deliverer: delivery.New(delCfg, root),
		Arming:    sched,
		Pool:      eng,
		Bus:       bus,
	}, root)

	a := &App{
		cfgm:   cfgm,
		root:   root,
		log:    log,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		engine: eng,
		sched:  sched,
		coord:  coord,
		tales:  NewTaleService(store, sched, root),
		sd:     systemd.New(config.BoolOr(cfg.Systemd.Notify, true), config.BoolOr(cfg.Systemd.Watchdog, true), root),
	}
	a.metrics = metrics.New(metrics.Gauges{
		Armed:    func() int { return len(sched.Snapshot().Armed) },
		QueueLen: func() int { return eng.Snapshot().QueueLen },
		InFlight: coord.Running,
	})
	a.ops = ops.New(opsCfg, ops.Deps{
		API:        opsAPI{a},
		Metrics:    a.metrics.Handler(),
		Health:     a.health,
		Goroutines: func() any { return a.sup.Snapshot() },
	}, root)

	log.Info("storage enabled", logx.String("driver", cfg.Storage.Driver))
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(true),
		rtsup.WithHooks(a.metrics.GoroutinePanic, a.metrics.GoroutineRestart),
	)

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.root.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		if _, err := pruneAt(cfg); err != nil {
			return err
		}
		_, _, err := mapStorageConfig(cfg)
		return err
	})

	runCtx := a.sup.Context()
	a.engine.Start(runCtx)
	a.sched.Start(runCtx)

	if err := a.armEnabled(runCtx); err != nil {
		return err
	}

	cfg := a.cfgm.Get()
	spec, err := pruneAt(cfg)
	if err != nil {
		return err
	}
	if err := a.sched.AddMaintenance(maintPrune, spec, a.pruneLogs); err != nil {
		return fmt.Errorf("schedule log prune: %w", err)
	}

	a.sup.Go("tales.reconcile", a.reconcileLoop)
	a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })

	// Debug-level event trail; the metrics loop is the real consumer.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.sd.Reloading()
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
				a.sd.Ready()
				a.sd.Status(fmt.Sprintf("%d tales armed", len(a.sched.Snapshot().Armed)))
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.ops.Start(runCtx)

	a.sd.Ready()
	a.sd.Status(fmt.Sprintf("%d tales armed", len(a.sched.Snapshot().Armed)))
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return a.sd.Watchdog(c, a.health)
	})

	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

// armEnabled arms every enabled tale from the store. A malformed schedule is
// logged by the scheduler and does not stop startup.
func (a *App) armEnabled(ctx context.Context) error {
	lctx, cancel := context.WithTimeout(ctx, reconcileTimeout)
	defer cancel()
	tales, err := a.store.ListEnabled(lctx)
	if err != nil {
		return fmt.Errorf("load enabled tales: %w", err)
	}
	if err := a.sched.Recover(ctx, tales); err != nil {
		a.log.Warn("some tales could not be armed", logx.Err(err))
	}
	a.log.Info("tales recovered", logx.Int("enabled", len(tales)), logx.Int("armed", len(a.sched.Snapshot().Armed)))
	return nil
}

// reconcileLoop picks up edits made by other processes (the CLI) by
// periodically diffing the store against the armed set.
func (a *App) reconcileLoop(ctx context.Context) error {
	for {
		every, err := reconcileEvery(a.cfgm.Get())
		if err != nil {
			every = defaultReconcileEvery
		}
		t := time.NewTimer(every)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		a.reconcileOnce(ctx)
	}
}

func (a *App) reconcileOnce(ctx context.Context) {
	lctx, cancel := context.WithTimeout(ctx, reconcileTimeout)
	defer cancel()
	tales, err := a.store.ListTales(lctx)
	if err != nil {
		a.log.Warn("reconcile: list tales failed", logx.Err(err))
		return
	}
	armed, disarmed, err := a.sched.Reconcile(lctx, tales)
	if armed > 0 || disarmed > 0 {
		a.log.Info("tales reconciled", logx.Int("armed", armed), logx.Int("disarmed", disarmed))
	}
	if err != nil {
		a.log.Debug("reconcile finished with arm errors", logx.Err(err))
	}
}

func (a *App) pruneLogs(ctx context.Context) {
	keep, err := logRetention(a.cfgm.Get())
	if err != nil {
		keep = defaultLogRetention
	}
	n, err := a.store.PruneLogs(ctx, time.Now().Add(-keep))
	if err != nil {
		a.log.Warn("log prune failed", logx.Err(err))
		return
	}
	a.log.Info("logs pruned", logx.Int64("deleted", n), logx.Duration("retention", keep))
}

func (a *App) health() error {
	if err := a.Err(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := a.store.ListEnabled(ctx); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	return nil
}

// restartOnly lists config sections whose changes only apply after a restart.
var restartOnly = map[string]bool{"storage": true, "gmail": true, "delivery": true, "systemd": true}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := logx.String("changed", strings.Join(sections, ","))
	a.log.Debug("config change summary", append([]logx.Field{changed}, attrs...)...)

	for _, s := range sections {
		if restartOnly[s] {
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	a.logs.Apply(mapLogConfig(next))

	if ec, err := mapEngineConfig(next); err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, ec)
	}

	a.applyTiming(ctx, next)

	if spec, err := pruneAt(next); err != nil {
		a.log.Warn("invalid storage.prune_at; keeping previous", logx.Err(err))
	} else if err := a.sched.AddMaintenance(maintPrune, spec, a.pruneLogs); err != nil {
		a.log.Warn("reschedule log prune failed", logx.Err(err))
	}

	if oc, err := mapOpsConfig(next); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, oc)
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Time: time.Now(), Data: sections})
	a.log.Info("config reloaded", append([]logx.Field{changed}, attrs...)...)
}

// applyTiming pushes timer and coordinator settings. A timezone change
// re-arms everything so daily triggers land on the new wall clock.
func (a *App) applyTiming(ctx context.Context, next *config.Config) {
	loc, err := loadLocation(next)
	if err != nil {
		a.log.Warn("invalid timezone; keeping previous", logx.Err(err))
		return
	}
	tc, err := mapTimerConfig(next, loc)
	if err != nil {
		a.log.Warn("invalid timer config; keeping previous", logx.Err(err))
		return
	}
	cc, err := mapCoordinatorConfig(next)
	if err != nil {
		a.log.Warn("invalid engine timing; keeping previous", logx.Err(err))
		return
	}
	prevTZ := a.sched.Snapshot().Timezone
	a.sched.Apply(tc)
	a.coord.Apply(cc, a.sched.Policy())
	if prevTZ != loc.String() {
		a.log.Info("timezone changed; re-arming tales", logx.String("from", prevTZ), logx.String("to", loc.String()))
		if err := a.armEnabled(ctx); err != nil {
			a.log.Warn("re-arm after timezone change failed", logx.Err(err))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Background loops start unwinding right away.
	a.sup.Cancel()

	// No new triggers first, then let queued runs drain while the ops
	// server shuts down. Supervised loops go last.
	steps := []struct {
		name   string
		budget time.Duration
		fn     func(context.Context) error
	}{
		{"scheduler", 2 * time.Second, func(c context.Context) error { a.sched.Stop(c); return nil }},
		{"drain", 3 * time.Second, func(c context.Context) error {
			g, gctx := errgroup.WithContext(c)
			g.Go(func() error { a.engine.Stop(gctx); return nil })
			g.Go(func() error { a.ops.Stop(gctx); return nil })
			return g.Wait()
		}},
		{"storage", time.Second, func(context.Context) error { return a.store.Close() }},
		{"supervisor", 2 * time.Second, func(c context.Context) error { return a.sup.Wait(c) }},
	}
	for _, st := range steps {
		a.stopStep(ctx, st.name, st.budget, st.fn)
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// opsAPI exposes tales to the ops server.
type opsAPI struct{ a *App }

func (o opsAPI) Tales(ctx context.Context) ([]ops.TaleView, error) {
	tales, err := o.a.store.ListTales(ctx)
	if err != nil {
		return nil, err
	}
	armed := map[string]scheduler.ArmedInfo{}
	for _, ai := range o.a.sched.Snapshot().Armed {
		armed[ai.ID] = ai
	}
	out := make([]ops.TaleView, 0, len(tales))
	for _, t := range tales {
		v := ops.TaleView{
			ID:        t.ID,
			Name:      t.Name,
			Action:    string(t.Action),
			Schedule:  t.Schedule.String(),
			Enabled:   t.Enabled,
			LastRunAt: t.LastRunAt,
			InFlight:  o.a.coord.InFlight(t.ID),
		}
		if ai, ok := armed[t.ID]; ok {
			v.Strategy = string(ai.Strategy)
			if !ai.Next.IsZero() {
				next := ai.Next
				v.Next = &next
			}
		}
		out = append(out, v)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (o opsAPI) SetEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := o.a.tales.SetEnabled(ctx, id, enabled)
	return err
}

func (o opsAPI) RunNow(ctx context.Context, id string) (coordinator.ExecutedEvent, error) {
	return o.a.coord.RunNow(ctx, id)
}

// stopStep runs fn with at most budget of ctx's remaining time. A step that
// overruns is abandoned so the rest of the shutdown proceeds; its late
// result is still logged.
func (a *App) stopStep(ctx context.Context, name string, budget time.Duration, fn func(context.Context) error) {
	log := a.log.With(logx.String("step", name))
	sctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- fn(sctx)
	}()

	select {
	case err := <-done:
		took := time.Since(start)
		switch {
		case err != nil:
			log.Warn("stop step failed", logx.Duration("took", took), logx.Err(err))
		case took >= 500*time.Millisecond:
			log.Info("stop step slow", logx.Duration("took", took))
		default:
			log.Debug("stop step done", logx.Duration("took", took))
		}
	case <-sctx.Done():
		log.Warn("stop step overran; moving on", logx.Err(sctx.Err()))
		go func() {
			if err := <-done; err != nil {
				log.Warn("abandoned stop step failed", logx.Duration("took", time.Since(start)), logx.Err(err))
			}
		}()
	}
}
