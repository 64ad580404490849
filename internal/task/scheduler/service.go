package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"telly/internal/eventbus"
	rtsup "telly/internal/runtime/supervisor"
	"telly/internal/tale/policy"
	logx "telly/pkg/logx"
)

type armState struct {
	strategy Strategy
	schedule string
	lastRun  time.Time // zero when never run
	next     time.Time
	ver      uint64
	fired    bool

	// periodic only
	entry cron.EntryID
	grid  gridSchedule
}

type maintenanceDef struct {
	name  string
	spec  string
	fn    func(ctx context.Context)
	entry cron.EntryID
}

type Service struct {
	mu sync.Mutex

	cfg    Config
	policy policy.Policy
	log    logx.Logger
	bus    eventbus.Bus
	fire   FireFunc

	parser cron.Parser
	c      *cron.Cron

	armed map[string]*armState
	shots shotHeap
	ver   uint64
	wake  chan struct{}

	maint []maintenanceDef

	sup *rtsup.Supervisor
	ctx context.Context

	warnMu    sync.Mutex
	warnEvery map[string]*rate.Sometimes
}

func New(cfg Config, fire FireFunc, log logx.Logger, bus eventbus.Bus) *Service {
	cfg = withDefaults(cfg)
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:       cfg,
		policy:    policy.Policy{Location: cfg.Location, MinimumLead: cfg.MinimumLead},
		log:       log.With(logx.String("comp", "scheduler")),
		bus:       bus,
		fire:      fire,
		parser:    cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		armed:     map[string]*armState{},
		wake:      make(chan struct{}, 1),
		ctx:       context.Background(),
		warnEvery: map[string]*rate.Sometimes{},
	}
}

// Policy returns the scheduling policy in effect.
func (s *Service) Policy() policy.Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// Start launches the cron runner and the one-shot loop. Triggers armed
// before Start are kept.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return
	}
	s.ctx = ctx
	s.startCronLocked()
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup := s.sup
	loc := s.cfg.Location
	n := len(s.armed)
	s.mu.Unlock()

	sup.GoRestart("scheduler.oneshot", s.runShots, rtsup.WithPublishFirstError(true))
	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("armed", n))
}

// Stop halts all triggers. Armed state is dropped; Recover rebuilds it.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	sup := s.sup
	s.sup = nil
	s.armed = map[string]*armState{}
	s.shots = nil
	for i := range s.maint {
		s.maint[i].entry = 0
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	if sup != nil {
		_ = sup.Stop(ctx)
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// Apply swaps the config. A timezone change restarts cron so maintenance
// specs follow the new location; callers should Recover afterwards so
// daily triggers are recomputed.
func (s *Service) Apply(cfg Config) {
	cfg = withDefaults(cfg)
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg.Now = s.cfg.Now
	oldLoc := s.cfg.Location.String()
	s.cfg = cfg
	s.policy = policy.Policy{Location: cfg.Location, MinimumLead: cfg.MinimumLead}
	if s.c != nil && oldLoc != cfg.Location.String() {
		s.restartCronLocked()
	}
}

func (s *Service) startCronLocked() {
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.cfg.Location), cron.WithLogger(cronLogger{s.log}))
	for i := range s.maint {
		s.addMaintenanceLocked(&s.maint[i])
	}
	for id, st := range s.armed {
		if st.strategy == StrategyPeriodic {
			st.entry = s.c.Schedule(st.grid, s.periodicJob(id, st.grid))
		}
	}
	s.c.Start()
}

func (s *Service) restartCronLocked() {
	// Not waiting: a running job may be blocked on s.mu.
	s.c.Stop()
	s.startCronLocked()
	s.log.Info("scheduler restarted", logx.String("tz", s.cfg.Location.String()))
}

func (s *Service) now() time.Time { return s.cfg.Now() }

func (s *Service) publish(typ string, ev ArmEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
