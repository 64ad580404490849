package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"telly/internal/eventbus"
	logx "telly/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) (*Service, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, bus
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) eventbus.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("no %s event", typ)
		}
	}
}

func TestRunsTasks(t *testing.T) {
	t.Parallel()

	s, bus := startEngine(t, Config{Workers: 2, QueueSize: 8})
	events, unsub := bus.Subscribe(32, "task.")
	defer unsub()

	var ran atomic.Int32
	for i := 0; i < 4; i++ {
		if err := s.Enqueue(Task{Name: "count", Run: func(ctx context.Context) error {
			ran.Add(1)
			return nil
		}}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	for i := 0; i < 4; i++ {
		waitEvent(t, events, eventbus.TaskFinished)
	}
	if ran.Load() != 4 {
		t.Fatalf("ran = %d, want 4", ran.Load())
	}
	if h := s.Snapshot().History; len(h) != 4 {
		t.Fatalf("history = %d, want 4", len(h))
	}
}

func TestPanicIsRecovered(t *testing.T) {
	t.Parallel()

	s, bus := startEngine(t, Config{Workers: 1, QueueSize: 4})
	events, unsub := bus.Subscribe(16, "task.")
	defer unsub()

	_ = s.Enqueue(Task{Name: "boom", Run: func(ctx context.Context) error { panic("kaboom") }})
	ev := waitEvent(t, events, eventbus.TaskFailed).Data.(TaskEvent)
	if ev.Error != "panic: kaboom" {
		t.Fatalf("error = %q", ev.Error)
	}

	done := make(chan struct{})
	_ = s.Enqueue(Task{Name: "after", Run: func(ctx context.Context) error { close(done); return nil }})
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("worker did not survive the panic")
	}
}

func TestQueueFull(t *testing.T) {
	t.Parallel()

	s, _ := startEngine(t, Config{Workers: 1, QueueSize: 1})
	release := make(chan struct{})
	started := make(chan struct{})
	defer close(release)

	block := func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}
	_ = s.Enqueue(Task{Name: "hold", Run: block})
	<-started
	if err := s.Enqueue(Task{Name: "queued", Run: block}); err != nil {
		t.Fatalf("second Enqueue: %v", err)
	}
	if err := s.Enqueue(Task{Name: "overflow", Run: block}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("third Enqueue = %v, want ErrQueueFull", err)
	}
	if got := s.Snapshot().DroppedQueueFull; got != 1 {
		t.Fatalf("DroppedQueueFull = %d, want 1", got)
	}
}

func TestStaleTaskIsDropped(t *testing.T) {
	t.Parallel()

	s, _ := startEngine(t, Config{Workers: 1, QueueSize: 4, MaxQueueDelay: 10 * time.Millisecond})
	release := make(chan struct{})
	started := make(chan struct{})
	_ = s.Enqueue(Task{Name: "hold", Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}})
	<-started

	dropped := make(chan error, 1)
	ran := atomic.Bool{}
	_ = s.Enqueue(Task{
		Name:   "late",
		Run:    func(ctx context.Context) error { ran.Store(true); return nil },
		OnDrop: func(reason error) { dropped <- reason },
	})
	time.Sleep(50 * time.Millisecond)
	close(release)

	select {
	case err := <-dropped:
		if !errors.Is(err, ErrStale) {
			t.Fatalf("OnDrop reason = %v, want ErrStale", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("OnDrop not called")
	}
	if ran.Load() {
		t.Fatalf("stale task ran")
	}
}

func TestTimeoutCancelsRun(t *testing.T) {
	t.Parallel()

	s, bus := startEngine(t, Config{Workers: 1, QueueSize: 1})
	events, unsub := bus.Subscribe(8, eventbus.TaskFailed)
	defer unsub()

	_ = s.Enqueue(Task{Name: "slow", Timeout: 20 * time.Millisecond, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	ev := waitEvent(t, events, eventbus.TaskFailed).Data.(TaskEvent)
	if ev.Error != context.DeadlineExceeded.Error() {
		t.Fatalf("error = %q", ev.Error)
	}
}

func TestDisabledAndStopped(t *testing.T) {
	t.Parallel()

	off := New(Config{}, logx.Nop(), nil)
	if err := off.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Enqueue(disabled) = %v", err)
	}

	idle := New(Config{Enabled: true}, logx.Nop(), nil)
	if err := idle.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue(not started) = %v", err)
	}
	if err := idle.Enqueue(Task{Name: "x"}); err == nil {
		t.Fatalf("Enqueue(nil Run) = nil")
	}
}

func TestStopDropsQueued(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Workers: 1, QueueSize: 4}, logx.Nop(), nil)
	s.Start(context.Background())

	started := make(chan struct{})
	_ = s.Enqueue(Task{Name: "hold", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}})
	<-started
	dropped := make(chan error, 1)
	_ = s.Enqueue(Task{
		Name:   "queued",
		Run:    func(context.Context) error { return nil },
		OnDrop: func(reason error) { dropped <- reason },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)

	select {
	case err := <-dropped:
		if !errors.Is(err, ErrStopped) {
			t.Fatalf("OnDrop reason = %v, want ErrStopped", err)
		}
	default:
		t.Fatalf("queued task was not dropped on Stop")
	}
	if err := s.Enqueue(Task{Name: "late", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue after Stop = %v, want ErrStopped", err)
	}
}

// Every accepted task either runs or is dropped, even when Stop races the
// enqueuers. A lost task would leave its caller's guard held forever.
func TestStopAccountsForRacingEnqueues(t *testing.T) {
	t.Parallel()

	for round := 0; round < 50; round++ {
		s := New(Config{Enabled: true, Workers: 2, QueueSize: 64}, logx.Nop(), nil)
		s.Start(context.Background())

		var accepted, settled atomic.Int64
		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 50; i++ {
					err := s.Enqueue(Task{
						Name:   "race",
						Run:    func(context.Context) error { settled.Add(1); return nil },
						OnDrop: func(error) { settled.Add(1) },
					})
					if err == nil {
						accepted.Add(1)
					}
				}
			}()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.Stop(ctx)
		cancel()
		wg.Wait()

		if a, n := accepted.Load(), settled.Load(); a != n {
			t.Fatalf("round %d: accepted %d tasks, %d ran or dropped", round, a, n)
		}
	}
}

func TestApplyReshapesPool(t *testing.T) {
	t.Parallel()

	s, bus := startEngine(t, Config{Workers: 1, QueueSize: 2})
	events, unsub := bus.Subscribe(8, eventbus.TaskFinished)
	defer unsub()

	s.Apply(context.Background(), Config{Enabled: true, Workers: 3, QueueSize: 5})
	snap := s.Snapshot()
	if snap.Workers != 3 || snap.QueueCap != 5 {
		t.Fatalf("after Apply workers=%d queue_cap=%d, want 3 and 5", snap.Workers, snap.QueueCap)
	}
	if err := s.Enqueue(Task{Name: "after", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("Enqueue after Apply: %v", err)
	}
	waitEvent(t, events, eventbus.TaskFinished)
}
