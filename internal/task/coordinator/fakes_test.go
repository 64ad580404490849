package coordinator

import (
	"context"
	"sync"
	"time"

	"telly/internal/action"
	"telly/internal/storage"
	"telly/internal/tale"
	"telly/internal/task/engine"
)

type memStore struct {
	mu        sync.Mutex
	tales     map[string]tale.Tale
	logs      []tale.LogEntry
	recordErr error
}

func newMemStore(ts ...tale.Tale) *memStore {
	m := &memStore{tales: map[string]tale.Tale{}}
	for _, t := range ts {
		m.tales[t.ID] = t
	}
	return m
}

func (m *memStore) GetTale(_ context.Context, id string) (tale.Tale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tales[id]
	if !ok {
		return tale.Tale{}, storage.ErrNotFound
	}
	return t, nil
}

func (m *memStore) AppendLog(_ context.Context, e tale.LogEntry) error {
	m.mu.Lock()
	m.logs = append(m.logs, e)
	m.mu.Unlock()
	return nil
}

func (m *memStore) RecordExecution(_ context.Context, e tale.LogEntry, ranAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordErr != nil {
		return m.recordErr
	}
	t, ok := m.tales[e.TaleID]
	if !ok {
		return storage.ErrNotFound
	}
	if t.LastRunAt == nil || ranAt.After(*t.LastRunAt) {
		at := ranAt
		t.LastRunAt = &at
	}
	m.tales[t.ID] = t
	m.logs = append(m.logs, e)
	return nil
}

func (m *memStore) entries() []tale.LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]tale.LogEntry(nil), m.logs...)
}

func (m *memStore) lastRun(id string) *time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tales[id].LastRunAt
}

type armCall struct {
	ID   string
	Last *time.Time
}

type fakeArming struct {
	mu       sync.Mutex
	arms     []armCall
	disarms  []string
	retries  []time.Time
	armError error
}

func (f *fakeArming) Arm(id string, _ tale.Schedule, last *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.arms = append(f.arms, armCall{ID: id, Last: last})
	return f.armError
}

func (f *fakeArming) Disarm(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disarms = append(f.disarms, id)
	return true
}

func (f *fakeArming) Retry(_ string, at time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries = append(f.retries, at)
	return true
}

func (f *fakeArming) counts() (arms, disarms, retries int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.arms), len(f.disarms), len(f.retries)
}

type execFunc func(ctx context.Context, t tale.Tale, now time.Time) action.Result

func (f execFunc) Execute(ctx context.Context, t tale.Tale, now time.Time) action.Result {
	return f(ctx, t, now)
}

type fakeDeliverer struct {
	mu      sync.Mutex
	targets []string
	outcome string
}

func (f *fakeDeliverer) Deliver(_ context.Context, target string, _ tale.Tale, _ action.Result, _ time.Time) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, target)
	return f.outcome
}

// syncPool runs tasks inline.
type syncPool struct{}

func (syncPool) Enqueue(t engine.Task) error {
	_ = t.Run(context.Background())
	return nil
}

// heldPool keeps tasks until the test releases them.
type heldPool struct {
	mu    sync.Mutex
	tasks []engine.Task
	err   error
}

func (p *heldPool) Enqueue(t engine.Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.tasks = append(p.tasks, t)
	return nil
}

func (p *heldPool) drain() []engine.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.tasks
	p.tasks = nil
	return out
}
