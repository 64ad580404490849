package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"telly/internal/tale"
	"telly/internal/tale/policy"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fired struct {
	ID string
	At time.Time
}

type recorder struct {
	mu    sync.Mutex
	fires []fired
	ch    chan fired
}

func newRecorder() *recorder { return &recorder{ch: make(chan fired, 16)} }

func (r *recorder) fire(id string, at time.Time) {
	r.mu.Lock()
	r.fires = append(r.fires, fired{ID: id, At: at})
	r.mu.Unlock()
	select {
	case r.ch <- fired{ID: id, At: at}:
	default:
	}
}

func (r *recorder) all() []fired {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]fired(nil), r.fires...)
}

var base = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

func newFixed(t *testing.T, cfg Config) (*Service, *clock, *recorder) {
	t.Helper()
	clk := &clock{t: base}
	rec := newRecorder()
	cfg.Location = time.UTC
	cfg.Now = clk.Now
	return New(cfg, rec.fire, nopLogger(), nil), clk, rec
}

func ptr(t time.Time) *time.Time { return &t }

func armedInfo(s *Service, id string) (ArmedInfo, bool) {
	for _, a := range s.Snapshot().Armed {
		if a.ID == id {
			return a, true
		}
	}
	return ArmedInfo{}, false
}

func TestSelectStrategy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		sched tale.Schedule
		gran  time.Duration
		want  Strategy
	}{
		{"once", tale.Once(), 0, StrategyOneShot},
		{"daily", tale.DailyAt("09:00"), 0, StrategyOneShot},
		{"short interval", tale.Interval(10 * time.Second), 0, StrategyChained},
		{"at granularity", tale.Interval(15 * time.Minute), 0, StrategyPeriodic},
		{"above granularity", tale.Interval(2 * time.Hour), 0, StrategyPeriodic},
		{"custom granularity", tale.Interval(time.Minute), 30 * time.Second, StrategyPeriodic},
		{"malformed interval", tale.Schedule{Type: tale.ScheduleInterval, Value: "x"}, 0, StrategyChained},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := SelectStrategy(tt.sched, tt.gran); got != tt.want {
				t.Fatalf("SelectStrategy(%v) = %v, want %v", tt.sched, got, tt.want)
			}
		})
	}
}

func TestGridSchedule(t *testing.T) {
	t.Parallel()

	g := gridSchedule{first: base, every: time.Hour}
	tests := []struct {
		in, next, floor time.Time
	}{
		{base.Add(-time.Minute), base, base.Add(-time.Minute)},
		{base, base.Add(time.Hour), base},
		{base.Add(90 * time.Minute), base.Add(2 * time.Hour), base.Add(time.Hour)},
		{base.Add(2*time.Hour + time.Millisecond), base.Add(3 * time.Hour), base.Add(2 * time.Hour)},
	}
	for _, tt := range tests {
		if got := g.Next(tt.in); !got.Equal(tt.next) {
			t.Fatalf("Next(%v) = %v, want %v", tt.in, got, tt.next)
		}
		if got := g.floor(tt.in); !got.Equal(tt.floor) {
			t.Fatalf("floor(%v) = %v, want %v", tt.in, got, tt.floor)
		}
	}

	if !g.contains(base.Add(5 * time.Hour)) {
		t.Fatalf("contains(first+5h) = false")
	}
	if !g.contains(base.Add(-time.Hour + 300*time.Millisecond)) {
		t.Fatalf("contains within tolerance = false")
	}
	if g.contains(base.Add(30 * time.Minute)) {
		t.Fatalf("contains(first+30m) = true")
	}
}

func TestArmOnce(t *testing.T) {
	t.Parallel()

	s, _, rec := newFixed(t, Config{})
	if err := s.Arm("o1", tale.Once(), nil); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if diff := cmp.Diff([]fired{{ID: "o1", At: base}}, rec.all()); diff != "" {
		t.Fatalf("fires mismatch (-want +got):\n%s", diff)
	}
	if !s.Armed("o1") {
		t.Fatalf("Armed = false after immediate fire")
	}

	// After its first attempt a ONCE tale has nothing left to arm.
	if err := s.Arm("o1", tale.Once(), ptr(base)); err != nil {
		t.Fatalf("Arm after run: %v", err)
	}
	if s.Armed("o1") {
		t.Fatalf("Armed = true after run")
	}
	if n := len(rec.all()); n != 1 {
		t.Fatalf("fires = %d, want 1", n)
	}
}

func TestArmDaily(t *testing.T) {
	t.Parallel()

	s, clk, rec := newFixed(t, Config{})
	if err := s.Arm("d1", tale.DailyAt("09:00"), nil); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	info, ok := armedInfo(s, "d1")
	if !ok {
		t.Fatalf("not armed")
	}
	want := ArmedInfo{ID: "d1", Strategy: StrategyOneShot, Schedule: "daily at 09:00", Next: base.Add(time.Hour)}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Fatalf("armed mismatch (-want +got):\n%s", diff)
	}
	if len(rec.all()) != 0 {
		t.Fatalf("fired early: %v", rec.all())
	}

	// Re-armed after running today: next is tomorrow.
	clk.Set(base.Add(time.Hour))
	if err := s.Arm("d1", tale.DailyAt("09:00"), ptr(base.Add(time.Hour))); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	info, _ = armedInfo(s, "d1")
	if want := base.Add(25 * time.Hour); !info.Next.Equal(want) {
		t.Fatalf("next = %v, want %v", info.Next, want)
	}
}

func TestArmDailyDueFiresNow(t *testing.T) {
	t.Parallel()

	s, clk, rec := newFixed(t, Config{})
	clk.Set(base.Add(time.Hour + 20*time.Second))
	if err := s.Arm("d2", tale.DailyAt("09:00"), ptr(base.Add(-23*time.Hour))); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	got := rec.all()
	if len(got) != 1 || !got[0].At.Equal(clk.Now()) {
		t.Fatalf("fires = %v, want one at %v", got, clk.Now())
	}
}

func TestArmMalformedDisarms(t *testing.T) {
	t.Parallel()

	s, _, _ := newFixed(t, Config{})
	if err := s.Arm("m1", tale.DailyAt("09:00"), nil); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	err := s.Arm("m1", tale.DailyAt("25:00"), nil)
	if !errors.Is(err, policy.ErrMalformed) {
		t.Fatalf("Arm err = %v, want ErrMalformed", err)
	}
	var cfgErr *policy.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Arm err = %T, want *policy.ConfigError", err)
	}
	if s.Armed("m1") {
		t.Fatalf("malformed tale still armed")
	}
}

func TestArmChainedRespectsFloor(t *testing.T) {
	t.Parallel()

	s, _, rec := newFixed(t, Config{MinChainInterval: 5 * time.Second})
	if err := s.Arm("c1", tale.Interval(time.Second), ptr(base.Add(-2*time.Second))); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if got := rec.all(); len(got) != 0 {
		t.Fatalf("fired inside the chain floor: %v", got)
	}
	info, _ := armedInfo(s, "c1")
	want := ArmedInfo{ID: "c1", Strategy: StrategyChained, Schedule: "every 1s", Next: base.Add(3 * time.Second)}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Fatalf("armed mismatch (-want +got):\n%s", diff)
	}
}

func TestArmIntervalNeverRunFiresNow(t *testing.T) {
	t.Parallel()

	s, _, rec := newFixed(t, Config{})
	if err := s.Arm("i1", tale.Interval(time.Hour), nil); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if diff := cmp.Diff([]fired{{ID: "i1", At: base}}, rec.all()); diff != "" {
		t.Fatalf("fires mismatch (-want +got):\n%s", diff)
	}
	info, _ := armedInfo(s, "i1")
	if info.Strategy != StrategyPeriodic {
		t.Fatalf("strategy = %v, want periodic", info.Strategy)
	}
}

func TestArmPeriodicKeepsGrid(t *testing.T) {
	t.Parallel()

	s, clk, _ := newFixed(t, Config{})
	last := base.Add(-10 * time.Minute)
	if err := s.Arm("p1", tale.Interval(time.Hour), ptr(last)); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	s.mu.Lock()
	ver := s.armed["p1"].ver
	first := s.armed["p1"].grid.first
	s.mu.Unlock()
	if !first.Equal(last.Add(time.Hour)) {
		t.Fatalf("grid first = %v, want %v", first, last.Add(time.Hour))
	}

	// Run at the grid point, then re-arm: same grid, same entry.
	clk.Set(first.Add(20 * time.Millisecond))
	if err := s.Arm("p1", tale.Interval(time.Hour), ptr(first)); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	s.mu.Lock()
	got := s.armed["p1"].ver
	s.mu.Unlock()
	if got != ver {
		t.Fatalf("periodic entry replaced on same grid (ver %d -> %d)", ver, got)
	}

	// A different interval replaces the entry.
	if err := s.Arm("p1", tale.Interval(2*time.Hour), ptr(first)); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	s.mu.Lock()
	got = s.armed["p1"].ver
	s.mu.Unlock()
	if got == ver {
		t.Fatalf("periodic entry kept after interval change")
	}
}

func TestNeedsArm(t *testing.T) {
	t.Parallel()

	s, clk, _ := newFixed(t, Config{})
	tl := tale.Tale{ID: "n1", Schedule: tale.DailyAt("09:00"), Enabled: true}
	if !s.NeedsArm(tl) {
		t.Fatalf("NeedsArm(unarmed) = false")
	}
	if err := s.Arm(tl.ID, tl.Schedule, tl.LastRunAt); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if s.NeedsArm(tl) {
		t.Fatalf("NeedsArm(armed) = true")
	}

	changed := tl
	changed.Schedule = tale.DailyAt("10:00")
	if !s.NeedsArm(changed) {
		t.Fatalf("NeedsArm(schedule changed) = false")
	}
	ran := tl
	ran.LastRunAt = ptr(base)
	if !s.NeedsArm(ran) {
		t.Fatalf("NeedsArm(last run changed) = false")
	}

	// An immediately fired one-shot that was never re-armed goes stale.
	once := tale.Tale{ID: "n2", Schedule: tale.Once(), Enabled: true}
	if err := s.Arm(once.ID, once.Schedule, nil); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if s.NeedsArm(once) {
		t.Fatalf("NeedsArm(just fired) = true")
	}
	clk.Set(base.Add(2 * DefaultMaxSleep))
	if !s.NeedsArm(once) {
		t.Fatalf("NeedsArm(stale fired) = false")
	}
}

func TestRecover(t *testing.T) {
	t.Parallel()

	s, _, rec := newFixed(t, Config{})
	if err := s.Arm("gone", tale.DailyAt("12:00"), nil); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	tales := []tale.Tale{
		{ID: "a", Schedule: tale.DailyAt("09:00"), Enabled: true},
		{ID: "b", Schedule: tale.Once(), Enabled: true},
		{ID: "off", Schedule: tale.Once(), Enabled: false},
		{ID: "bad", Schedule: tale.Schedule{Type: tale.ScheduleInterval, Value: "soon"}, Enabled: true},
	}
	err := s.Recover(context.Background(), tales)
	if !errors.Is(err, policy.ErrMalformed) {
		t.Fatalf("Recover err = %v, want ErrMalformed", err)
	}

	var ids []string
	for _, a := range s.Snapshot().Armed {
		ids = append(ids, a.ID)
	}
	if diff := cmp.Diff([]string{"b", "a"}, ids); diff != "" {
		t.Fatalf("armed ids mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]fired{{ID: "b", At: base}}, rec.all()); diff != "" {
		t.Fatalf("fires mismatch (-want +got):\n%s", diff)
	}
}

func TestParseMaintenanceSpec(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"@daily", "@daily", false},
		{"30 3 * * *", "30 3 * * *", false},
		{"03:30", "30 3 * * *", false},
		{"", "", true},
		{"25:00", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMaintenanceSpec(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseMaintenanceSpec(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("ParseMaintenanceSpec(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAddMaintenance(t *testing.T) {
	t.Parallel()

	s, _, _ := newFixed(t, Config{})
	if err := s.AddMaintenance("logs.prune", "04:00", func(context.Context) {}); err != nil {
		t.Fatalf("AddMaintenance: %v", err)
	}
	if err := s.AddMaintenance("logs.prune", "@hourly", func(context.Context) {}); err != nil {
		t.Fatalf("AddMaintenance replace: %v", err)
	}
	if err := s.AddMaintenance("bad", "61 * * * *", func(context.Context) {}); err == nil {
		t.Fatalf("AddMaintenance(bad spec) err = nil")
	}
	m := s.Snapshot().Maintenance
	if len(m) != 1 || m[0].Spec != "@hourly" {
		t.Fatalf("maintenance = %+v", m)
	}
	if !s.RemoveMaintenance("logs.prune") {
		t.Fatalf("RemoveMaintenance = false")
	}
}

func TestOneShotLoopFiresChained(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	s := New(Config{Location: time.UTC, MinChainInterval: 10 * time.Millisecond}, rec.fire, nopLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	last := time.Now()
	if err := s.Arm("c2", tale.Interval(100*time.Millisecond), &last); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	select {
	case f := <-rec.ch:
		if f.ID != "c2" || !f.At.Equal(last.Add(100*time.Millisecond)) {
			t.Fatalf("fired %+v, want c2 at %v", f, last.Add(100*time.Millisecond))
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("chained shot never fired")
	}
}

func TestDisarmDropsPendingShot(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	s := New(Config{Location: time.UTC, MinChainInterval: 10 * time.Millisecond}, rec.fire, nopLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	last := time.Now()
	if err := s.Arm("c3", tale.Interval(100*time.Millisecond), &last); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if !s.Disarm("c3") {
		t.Fatalf("Disarm = false")
	}
	if s.Disarm("c3") {
		t.Fatalf("second Disarm = true")
	}
	select {
	case f := <-rec.ch:
		t.Fatalf("disarmed tale fired: %+v", f)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestPeriodicFiresOnGrid(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	s := New(Config{Location: time.UTC, PeriodicGranularity: 100 * time.Millisecond}, rec.fire, nopLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	last := time.Now().Add(-100 * time.Millisecond)
	if err := s.Arm("p2", tale.Interval(300*time.Millisecond), &last); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	want := last.Add(300 * time.Millisecond)
	select {
	case f := <-rec.ch:
		if f.ID != "p2" || !f.At.Equal(want) {
			t.Fatalf("fired %+v, want p2 at %v", f, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("periodic entry never fired")
	}
}

func TestRetryMovesShot(t *testing.T) {
	t.Parallel()

	s, _, _ := newFixed(t, Config{})
	if err := s.Arm("r1", tale.DailyAt("09:00"), nil); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	at := base.Add(5 * time.Second)
	if !s.Retry("r1", at) {
		t.Fatalf("Retry = false")
	}
	info, _ := armedInfo(s, "r1")
	if !info.Next.Equal(at) {
		t.Fatalf("next = %v, want %v", info.Next, at)
	}

	s.mu.Lock()
	due := s.popDueLocked(at)
	s.mu.Unlock()
	if len(due) != 1 || due[0].id != "r1" {
		t.Fatalf("popDueLocked = %+v, want the retried shot only", due)
	}

	if s.Retry("missing", at) {
		t.Fatalf("Retry(missing) = true")
	}
}

func TestReconcile(t *testing.T) {
	t.Parallel()

	s, _, _ := newFixed(t, Config{})
	if err := s.Arm("gone", tale.DailyAt("12:00"), nil); err != nil {
		t.Fatalf("Arm gone: %v", err)
	}
	if err := s.Arm("off", tale.DailyAt("12:00"), nil); err != nil {
		t.Fatalf("Arm off: %v", err)
	}
	if err := s.Arm("same", tale.DailyAt("10:00"), nil); err != nil {
		t.Fatalf("Arm same: %v", err)
	}

	tales := []tale.Tale{
		{ID: "same", Schedule: tale.DailyAt("10:00"), Enabled: true},
		{ID: "new", Schedule: tale.DailyAt("09:00"), Enabled: true},
		{ID: "off", Schedule: tale.DailyAt("12:00"), Enabled: false},
	}
	armed, disarmed, err := s.Reconcile(context.Background(), tales)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if armed != 1 || disarmed != 2 {
		t.Fatalf("Reconcile = (%d, %d), want (1, 2)", armed, disarmed)
	}

	// A second pass with nothing changed is a no-op.
	armed, disarmed, err = s.Reconcile(context.Background(), tales)
	if err != nil || armed != 0 || disarmed != 0 {
		t.Fatalf("second Reconcile = (%d, %d, %v), want (0, 0, nil)", armed, disarmed, err)
	}

	tales[0].Schedule = tale.DailyAt("11:00")
	armed, _, err = s.Reconcile(context.Background(), tales)
	if err != nil || armed != 1 {
		t.Fatalf("Reconcile after edit = (%d, %v), want (1, nil)", armed, err)
	}
	if a, ok := armedInfo(s, "same"); !ok || a.Schedule != tale.DailyAt("11:00").String() {
		t.Fatalf("same = %+v (armed %v), want rearmed at 11:00", a, ok)
	}
}
