package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"telly/internal/action"
	"telly/internal/storage"
	"telly/internal/tale"
	"telly/internal/tale/policy"
	"telly/internal/task/engine"
	"telly/internal/task/scheduler"
	logx "telly/pkg/logx"
)

var t0 = time.Date(2026, 5, 4, 6, 59, 0, 0, time.UTC)

type harness struct {
	c     *Coordinator
	store *memStore
	arm   *fakeArming
	deliv *fakeDeliverer
	now   time.Time
}

func newHarness(t *testing.T, exec Executor, pool Pool, ts ...tale.Tale) *harness {
	t.Helper()
	h := &harness{
		store: newMemStore(ts...),
		arm:   &fakeArming{},
		deliv: &fakeDeliverer{outcome: "OK (200)"},
		now:   t0,
	}
	if exec == nil {
		exec = action.New(action.Config{Location: time.UTC}, nil, logx.Nop())
	}
	if pool == nil {
		pool = syncPool{}
	}
	h.c = New(Config{Now: func() time.Time { return h.now }}, policy.New(time.UTC), Deps{
		Store:     h.store,
		Executor:  exec,
		Deliverer: h.deliv,
		Arming:    h.arm,
		Pool:      pool,
	}, logx.Nop())
	return h
}

func newTale(id string, action tale.ActionKind, sched tale.Schedule) tale.Tale {
	return tale.Tale{ID: id, Name: id, Action: action, Schedule: sched, Enabled: true, CreatedAt: t0}
}

func TestScenarioIntervalNeverRun(t *testing.T) {
	t.Parallel()

	sched := tale.Interval(60 * time.Second)
	h := newHarness(t, nil, nil, newTale("a", tale.ActionTimeFetch, sched))

	out, err := h.c.RunIfDue(context.Background(), "a", t0)
	if err != nil || out != OutcomeRan {
		t.Fatalf("RunIfDue = %v, %v; want ran", out, err)
	}
	last := h.store.lastRun("a")
	if last == nil || !last.Equal(t0) {
		t.Fatalf("lastRunAt = %v, want %v", last, t0)
	}
	next, ok, err := policy.New(time.UTC).NextTrigger(sched, last, t0)
	if err != nil || !ok || !next.Equal(t0.Add(time.Minute)) {
		t.Fatalf("NextTrigger = %v, %v, %v; want %v", next, ok, err, t0.Add(time.Minute))
	}

	want := []tale.LogEntry{{TaleID: "a", Timestamp: t0, Result: "2026-05-04 06:59:00.000", Success: true}}
	if diff := cmp.Diff(want, h.store.entries(), cmpLog); diff != "" {
		t.Fatalf("logs mismatch (-want +got):\n%s", diff)
	}
	if arms, _, _ := h.arm.counts(); arms != 1 {
		t.Fatalf("arms = %d, want 1", arms)
	}
}

func TestScenarioDailyOncePerDay(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil, newTale("d", tale.ActionTimeFetch, tale.DailyAt("07:00")))
	ctx := context.Background()

	steps := []struct {
		at   time.Time
		want Outcome
	}{
		{t0, OutcomeNotDue},
		{t0.Add(time.Minute), OutcomeRan},
		{t0.Add(time.Minute + 30*time.Second), OutcomeNotDue},
		{t0.Add(2 * time.Minute), OutcomeNotDue},
		{t0.Add(24*time.Hour + time.Minute), OutcomeRan},
	}
	for _, st := range steps {
		out, err := h.c.RunIfDue(ctx, "d", st.at)
		if err != nil || out != st.want {
			t.Fatalf("RunIfDue(%v) = %v, %v; want %v", st.at, out, err, st.want)
		}
	}
	if n := len(h.store.entries()); n != 2 {
		t.Fatalf("logs = %d, want 2", n)
	}
}

func TestScenarioMalformedNeverFires(t *testing.T) {
	t.Parallel()

	bad := newTale("c", tale.ActionTimeFetch, tale.Schedule{Type: tale.ScheduleInterval, Value: "abc"})
	h := newHarness(t, nil, nil, bad)

	out, err := h.c.RunIfDue(context.Background(), "c", t0)
	if out != OutcomeConfigError || !errors.Is(err, policy.ErrMalformed) {
		t.Fatalf("RunIfDue = %v, %v; want config error", out, err)
	}
	if n := len(h.store.entries()); n != 0 {
		t.Fatalf("logs = %d, want 0", n)
	}
	if arms, disarms, _ := h.arm.counts(); arms != 0 || disarms != 1 {
		t.Fatalf("arms/disarms = %d/%d, want 0/1", arms, disarms)
	}
}

func TestScenarioSearchWithoutSession(t *testing.T) {
	t.Parallel()

	s := newTale("s", tale.ActionExternalSearch, tale.Interval(time.Hour))
	s.Query = "from:billing"
	h := newHarness(t, nil, nil, s)

	if out, err := h.c.RunIfDue(context.Background(), "s", t0); err != nil || out != OutcomeRan {
		t.Fatalf("RunIfDue = %v, %v; want ran", out, err)
	}
	logs := h.store.entries()
	if len(logs) != 1 || logs[0].Result != "error: not signed in" || logs[0].Success {
		t.Fatalf("logs = %+v, want one failed 'error: not signed in'", logs)
	}
	if last := h.store.lastRun("s"); last == nil || !last.Equal(t0) {
		t.Fatalf("lastRunAt = %v, want %v", last, t0)
	}
	if len(h.deliv.targets) != 0 {
		t.Fatalf("delivered without a target: %v", h.deliv.targets)
	}
}

func TestGapSkipsSecondRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil, newTale("g", tale.ActionTimeFetch, tale.Interval(time.Second)))
	ctx := context.Background()

	if out, _ := h.c.RunIfDue(ctx, "g", t0); out != OutcomeRan {
		t.Fatalf("first run = %v, want ran", out)
	}
	if out, _ := h.c.RunIfDue(ctx, "g", t0.Add(2*time.Second)); out != OutcomeSkippedGap {
		t.Fatalf("second run = %v, want skipped_gap", out)
	}
	if n := len(h.store.entries()); n != 1 {
		t.Fatalf("logs = %d, want 1", n)
	}
	h.arm.mu.Lock()
	retries := append([]time.Time(nil), h.arm.retries...)
	h.arm.mu.Unlock()
	if len(retries) != 1 || !retries[0].Equal(t0.Add(DefaultMinGap)) {
		t.Fatalf("retries = %v, want [%v]", retries, t0.Add(DefaultMinGap))
	}
	if out, _ := h.c.RunIfDue(ctx, "g", t0.Add(DefaultMinGap)); out != OutcomeRan {
		t.Fatalf("run after gap = %v, want ran", out)
	}
}

func TestNearSimultaneousFiresLogOnce(t *testing.T) {
	t.Parallel()

	pool := &heldPool{}
	h := newHarness(t, nil, pool, newTale("f", tale.ActionTimeFetch, tale.Interval(time.Second)))

	h.c.Fire("f", t0)
	h.c.Fire("f", t0.Add(10*time.Millisecond))
	if !h.c.InFlight("f") {
		t.Fatalf("InFlight = false with a queued run")
	}
	tasks := pool.drain()
	if len(tasks) != 1 {
		t.Fatalf("queued tasks = %d, want 1", len(tasks))
	}
	if err := tasks[0].Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// A third trigger inside the gap, after the first run finished.
	h.c.Fire("f", t0.Add(1500*time.Millisecond))
	for _, task := range pool.drain() {
		_ = task.Run(context.Background())
	}

	if n := len(h.store.entries()); n != 1 {
		t.Fatalf("logs = %d, want 1", n)
	}
	if h.c.InFlight("f") {
		t.Fatalf("InFlight = true after runs finished")
	}
}

func TestFireQueueFullRetries(t *testing.T) {
	t.Parallel()

	pool := &heldPool{err: engine.ErrQueueFull}
	h := newHarness(t, nil, pool, newTale("q", tale.ActionTimeFetch, tale.Interval(time.Minute)))

	h.c.Fire("q", t0)
	if h.c.InFlight("q") {
		t.Fatalf("guard held after enqueue failure")
	}
	h.arm.mu.Lock()
	retries := append([]time.Time(nil), h.arm.retries...)
	h.arm.mu.Unlock()
	if diff := cmp.Diff([]time.Time{t0.Add(policy.DefaultMinimumLead)}, retries); diff != "" {
		t.Fatalf("retries mismatch (-want +got):\n%s", diff)
	}
}

func TestFireDropReleasesGuard(t *testing.T) {
	t.Parallel()

	pool := &heldPool{}
	h := newHarness(t, nil, pool, newTale("x", tale.ActionTimeFetch, tale.Interval(time.Minute)))

	h.c.Fire("x", t0)
	tasks := pool.drain()
	if len(tasks) != 1 {
		t.Fatalf("queued tasks = %d, want 1", len(tasks))
	}
	tasks[0].OnDrop(engine.ErrStale)
	if h.c.InFlight("x") {
		t.Fatalf("guard held after drop")
	}
	if _, _, retries := h.arm.counts(); retries != 1 {
		t.Fatalf("retries = %d, want 1", retries)
	}
}

func TestMissingAndDisabled(t *testing.T) {
	t.Parallel()

	off := newTale("off", tale.ActionTimeFetch, tale.Once())
	off.Enabled = false
	h := newHarness(t, nil, nil, off)
	ctx := context.Background()

	if out, err := h.c.RunIfDue(ctx, "nope", t0); err != nil || out != OutcomeMissing {
		t.Fatalf("RunIfDue(missing) = %v, %v", out, err)
	}
	if out, err := h.c.RunIfDue(ctx, "off", t0); err != nil || out != OutcomeDisabled {
		t.Fatalf("RunIfDue(disabled) = %v, %v", out, err)
	}
	h.arm.mu.Lock()
	disarms := append([]string(nil), h.arm.disarms...)
	h.arm.mu.Unlock()
	if diff := cmp.Diff([]string{"nope", "off"}, disarms); diff != "" {
		t.Fatalf("disarms mismatch (-want +got):\n%s", diff)
	}
	if n := len(h.store.entries()); n != 0 {
		t.Fatalf("logs = %d, want 0", n)
	}
}

func TestPanicBecomesErrorResult(t *testing.T) {
	t.Parallel()

	boom := execFunc(func(context.Context, tale.Tale, time.Time) action.Result { panic("boom") })
	h := newHarness(t, boom, nil, newTale("p", tale.ActionTimeFetch, tale.Once()))

	if out, err := h.c.RunIfDue(context.Background(), "p", t0); err != nil || out != OutcomeRan {
		t.Fatalf("RunIfDue = %v, %v; want ran", out, err)
	}
	logs := h.store.entries()
	if len(logs) != 1 || logs[0].Result != "error: boom" || logs[0].Success {
		t.Fatalf("logs = %+v", logs)
	}
	if h.store.lastRun("p") == nil {
		t.Fatalf("lastRunAt not advanced after panic")
	}
}

func TestDeliveryOutcomeAppended(t *testing.T) {
	t.Parallel()

	failing := execFunc(func(context.Context, tale.Tale, time.Time) action.Result { return action.Errorf("upstream down") })
	tl := newTale("w", tale.ActionTimeFetch, tale.Once())
	tl.DeliveryTarget = "https://hooks.example/x"
	h := newHarness(t, failing, nil, tl)

	if _, err := h.c.RunIfDue(context.Background(), "w", t0); err != nil {
		t.Fatalf("RunIfDue: %v", err)
	}
	logs := h.store.entries()
	if len(logs) != 1 || logs[0].Result != "error: upstream down | Webhook: OK (200)" || logs[0].Success {
		t.Fatalf("logs = %+v", logs)
	}
	if diff := cmp.Diff([]string{"https://hooks.example/x"}, h.deliv.targets); diff != "" {
		t.Fatalf("targets mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordFailureAppendsFailureLog(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil, newTale("r", tale.ActionTimeFetch, tale.Interval(time.Minute)))
	h.store.recordErr = errors.New("disk full")

	if out, err := h.c.RunIfDue(context.Background(), "r", t0); err != nil || out != OutcomeRan {
		t.Fatalf("RunIfDue = %v, %v", out, err)
	}
	logs := h.store.entries()
	if len(logs) != 1 || logs[0].Success || !strings.Contains(logs[0].Result, "disk full") {
		t.Fatalf("logs = %+v, want one failure entry", logs)
	}
	if h.store.lastRun("r") != nil {
		t.Fatalf("lastRunAt advanced despite record failure")
	}
	if arms, disarms, _ := h.arm.counts(); arms != 0 || disarms != 1 {
		t.Fatalf("arms/disarms = %d/%d, want 0/1", arms, disarms)
	}
}

func TestDeletedWhileRunning(t *testing.T) {
	t.Parallel()

	var h *harness
	deleting := execFunc(func(_ context.Context, tl tale.Tale, now time.Time) action.Result {
		h.store.mu.Lock()
		delete(h.store.tales, tl.ID)
		h.store.mu.Unlock()
		return action.Simple("done")
	})
	h = newHarness(t, deleting, nil, newTale("del", tale.ActionTimeFetch, tale.Once()))

	if out, err := h.c.RunIfDue(context.Background(), "del", t0); err != nil || out != OutcomeRan {
		t.Fatalf("RunIfDue = %v, %v", out, err)
	}
	if n := len(h.store.entries()); n != 0 {
		t.Fatalf("logs = %d, want 0 for a deleted tale", n)
	}
}

func TestRunNow(t *testing.T) {
	t.Parallel()

	ran := t0.Add(-time.Hour)
	once := newTale("n", tale.ActionTimeFetch, tale.Once())
	once.LastRunAt = &ran
	h := newHarness(t, nil, nil, once)

	ev, err := h.c.RunNow(context.Background(), "n")
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if !ev.Manual || !ev.Success || !ev.At.Equal(t0) {
		t.Fatalf("event = %+v", ev)
	}
	if n := len(h.store.entries()); n != 1 {
		t.Fatalf("logs = %d, want 1", n)
	}

	if !h.c.flight.tryAcquire("n") {
		t.Fatalf("tryAcquire failed")
	}
	if _, err := h.c.RunNow(context.Background(), "n"); !errors.Is(err, ErrBusy) {
		t.Fatalf("RunNow while in flight err = %v, want ErrBusy", err)
	}
	h.c.flight.release("n")

	if _, err := h.c.RunNow(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("RunNow(missing) err = %v, want ErrNotFound", err)
	}
}

func TestRunNowRefusesDisabled(t *testing.T) {
	t.Parallel()

	off := newTale("off", tale.ActionTimeFetch, tale.Interval(time.Minute))
	off.Enabled = false
	h := newHarness(t, nil, nil, off)

	if _, err := h.c.RunNow(context.Background(), "off"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("RunNow(disabled) err = %v, want ErrDisabled", err)
	}
	if n := len(h.store.entries()); n != 0 {
		t.Fatalf("logs = %d, want 0", n)
	}
	got, err := h.store.GetTale(context.Background(), "off")
	if err != nil {
		t.Fatalf("GetTale: %v", err)
	}
	if got.LastRunAt != nil {
		t.Fatalf("last run = %v, want none", got.LastRunAt)
	}
	if h.c.InFlight("off") {
		t.Fatal("in-flight guard still held")
	}
}

// A restarted process holds no timers; recovery from the store alone must
// run an interval tale whose period elapsed while it was down.
func TestRestartRecovery(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "telly.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	last := t0.Add(-10 * time.Minute)
	tl := newTale("rr", tale.ActionTimeFetch, tale.Interval(5*time.Minute))
	if err := st.CreateTale(ctx, tl); err != nil {
		t.Fatalf("CreateTale: %v", err)
	}
	if err := st.UpdateLastRun(ctx, tl.ID, last); err != nil {
		t.Fatalf("UpdateLastRun: %v", err)
	}

	now := t0
	clock := func() time.Time { return now }
	var c *Coordinator
	sched := scheduler.New(scheduler.Config{Location: time.UTC, Now: clock}, func(id string, at time.Time) { c.Fire(id, at) }, logx.Nop(), nil)
	c = New(Config{Now: clock}, policy.New(time.UTC), Deps{
		Store:    st,
		Executor: action.New(action.Config{Location: time.UTC}, nil, logx.Nop()),
		Arming:   sched,
		Pool:     syncPool{},
	}, logx.Nop())

	tales, err := st.ListEnabled(ctx)
	if err != nil {
		t.Fatalf("ListEnabled: %v", err)
	}
	if err := sched.Recover(ctx, tales); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	logs, err := st.LogsForTale(ctx, tl.ID, 10)
	if err != nil {
		t.Fatalf("LogsForTale: %v", err)
	}
	if len(logs) != 1 || !logs[0].Success {
		t.Fatalf("logs = %+v, want one successful run", logs)
	}
	got, err := st.GetTale(ctx, tl.ID)
	if err != nil {
		t.Fatalf("GetTale: %v", err)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(now) {
		t.Fatalf("lastRunAt = %v, want %v", got.LastRunAt, now)
	}

	armed := sched.Snapshot().Armed
	if len(armed) != 1 || !armed[0].Next.Equal(now.Add(5*time.Minute)) {
		t.Fatalf("armed = %+v, want next at %v", armed, now.Add(5*time.Minute))
	}
}
