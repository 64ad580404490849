package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"telly/internal/eventbus"
	logx "telly/pkg/logx"
)

// slowTask is the run time above which completions are logged at info.
const slowTask = 750 * time.Millisecond

func (s *Service) work(ctx context.Context, p *pool) {
	for {
		// quit wins over queued work so Stop is prompt.
		if ctx.Err() != nil || isClosed(p.quit) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		case j := <-p.queue:
			s.inFlight.Add(1)
			s.run(ctx, j)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) run(ctx context.Context, j job) {
	start := time.Now()
	ev := TaskEvent{ID: j.ID, Name: j.Name, Started: start, QueueDelay: max(start.Sub(j.queued), 0)}

	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()
	if maxDelay > 0 && ev.QueueDelay > maxDelay {
		n := s.droppedStale.Add(1)
		ev.Error = "stale_queue_delay"
		s.publish(eventbus.TaskDropped, ev)
		s.remember(ev)
		notifyDrop(j.Task, ErrStale)
		s.staleWarn.Do(func() {
			s.log.Warn("task dropped: queued too long",
				logx.String("task", j.Name), logx.Duration("queue_delay", ev.QueueDelay), logx.Uint64("dropped_stale", n))
		})
		return
	}

	s.publish(eventbus.TaskStarted, ev)
	err := s.call(ctx, j)
	ev.Duration = time.Since(start)

	log := s.log.With(logx.String("task", j.Name), logx.Duration("queue_delay", ev.QueueDelay), logx.Duration("dur", ev.Duration))
	switch {
	case err != nil:
		ev.Error = err.Error()
		log.Warn("task failed", logx.Err(err))
		s.publish(eventbus.TaskFailed, ev)
	case ev.Duration >= slowTask:
		log.Info("task completed")
		s.publish(eventbus.TaskFinished, ev)
	default:
		log.Debug("task completed")
		s.publish(eventbus.TaskFinished, ev)
	}
	s.remember(ev)
}

// call runs the task under its timeout. A panic becomes an error so the
// worker survives.
func (s *Service) call(ctx context.Context, j job) (err error) {
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task panicked", logx.String("task", j.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return j.Run(ctx)
}
