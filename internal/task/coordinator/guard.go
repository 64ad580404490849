package coordinator

import "sync"

// flight tracks tale ids with a run queued or executing.
type flight struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newFlight() *flight { return &flight{ids: map[string]struct{}{}} }

func (f *flight) tryAcquire(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.ids[id]; busy {
		return false
	}
	f.ids[id] = struct{}{}
	return true
}

func (f *flight) release(id string) {
	f.mu.Lock()
	delete(f.ids, id)
	f.mu.Unlock()
}

func (f *flight) busy(id string) bool {
	f.mu.Lock()
	_, ok := f.ids[id]
	f.mu.Unlock()
	return ok
}

func (f *flight) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ids)
}
