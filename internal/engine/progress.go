package engine

import (
	"sync"
	"time"
)

const DefaultProgressInterval = 100 * time.Millisecond

// reporter delivers a task's progress to an observer from one goroutine. State changes
// are queued and always delivered in order; byte counts are sampled once per interval.
type reporter struct {
	task     *Task
	obs      Observer
	interval time.Duration

	mu      sync.Mutex
	pending []Progress

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	lastBytes int64
	lastState State
}

func newReporter(task *Task, obs Observer, interval time.Duration) *reporter {
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	return &reporter{
		task:      task,
		obs:       obs,
		interval:  interval,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		lastState: StatePending,
	}
}

// push queues a state change. It never blocks, so it is safe under the task lock.
func (r *reporter) push(p Progress) {
	r.mu.Lock()
	r.pending = append(r.pending, p)
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *reporter) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.wake:
			r.flush()
		case <-ticker.C:
			r.flush()
			r.sample()
		case <-r.stop:
			r.flush()
			return
		}
	}
}

func (r *reporter) flush() {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()
	for _, p := range batch {
		r.emit(p)
	}
}

func (r *reporter) sample() {
	if r.lastState.IsTerminal() {
		return
	}
	p := r.task.Snapshot()
	if p.BytesCompleted == r.lastBytes {
		return
	}
	// keep the last delivered state so a sample never overtakes a queued transition
	p.State = r.lastState
	p.Err = nil
	r.emit(p)
}

func (r *reporter) emit(p Progress) {
	r.lastBytes = p.BytesCompleted
	r.lastState = p.State
	if r.obs != nil {
		r.obs.OnProgress(p)
	}
}

func (r *reporter) close() {
	close(r.stop)
	<-r.done
}
