package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Segment is one byte-range slice of a task, fetched into its own temp file.
type Segment struct {
	ID       int
	TaskID   string
	Range    ByteRange
	TempPath string

	written atomic.Int64
	mu      sync.Mutex
	state   SegmentState
}

func newSegment(id int, taskID string, r ByteRange, tempPath string) *Segment {
	return &Segment{ID: id, TaskID: taskID, Range: r, TempPath: tempPath, state: SegmentQueued}
}

func (s *Segment) BytesWritten() int64 {
	return s.written.Load()
}

func (s *Segment) State() SegmentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Segment) setState(state SegmentState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Segment) complete() bool {
	length := s.Range.Len()
	return length >= 0 && s.written.Load() == length
}

// Task is one user-requested fetch. It owns its segments.
type Task struct {
	ID           string
	SourceURI    string
	SegmentCount int
	CreatedAt    time.Time

	mu          sync.Mutex
	destination string
	totalSize   int64
	state       State
	err         error
	segments    []*Segment
	chunked     bool
	cancelled   bool
	started     bool
	cancelFn    context.CancelFunc
	notify      func(Progress)

	completed atomic.Int64
	gate      *pauseGate
	done      chan struct{}
	doneOnce  sync.Once
}

// NewTask creates a Pending task. destination may be empty or a directory; the final
// file name is then derived from the probe response or the URI.
func NewTask(sourceURI, destination string, segmentCount int) *Task {
	return &Task{
		ID:           uuid.New().String(),
		SourceURI:    sourceURI,
		SegmentCount: max(segmentCount, 1),
		CreatedAt:    time.Now(),
		destination:  destination,
		state:        StatePending,
		gate:         newPauseGate(),
		done:         make(chan struct{}),
	}
}

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the failure cause once the task is Failed or Cancelled.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Task) Destination() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.destination
}

func (t *Task) TotalSize() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalSize
}

func (t *Task) BytesCompleted() int64 {
	return t.completed.Load()
}

// Chunked reports whether the task was planned as a multi-segment fetch.
func (t *Task) Chunked() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chunked
}

// Segments returns the task's segments in range order.
func (t *Task) Segments() []*Segment {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Segment, len(t.segments))
	copy(out, t.segments)
	return out
}

// Done is closed once the task is terminal and its cleanup has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task is done and returns its failure cause, if any.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return t.Err()
	}
}

func (t *Task) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Task) snapshotLocked() Progress {
	return Progress{
		TaskID:         t.ID,
		Destination:    t.destination,
		BytesCompleted: t.completed.Load(),
		TotalSize:      t.totalSize,
		State:          t.state,
		Err:            t.err,
	}
}

// Pause asks the task's segment fetchers to stop after their current buffer write.
func (t *Task) Pause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.state == StatePaused:
		return nil
	case t.state.IsTerminal():
		return ErrTaskFinished
	case t.state != StateDownloading:
		return fmt.Errorf("%w: cannot pause a %s task", ErrInvalidTransition, t.state)
	}
	t.gate.pause()
	return t.transitionLocked(StatePaused)
}

// Resume lets a paused task continue from the bytes already written.
func (t *Task) Resume() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.state == StateDownloading:
		return nil
	case t.state.IsTerminal():
		return ErrTaskFinished
	case t.state != StatePaused:
		return fmt.Errorf("%w: cannot resume a %s task", ErrInvalidTransition, t.state)
	}
	t.gate.unpause()
	return t.transitionLocked(StateDownloading)
}

// Cancel aborts the task. A task that never started becomes Cancelled at once;
// a running one is resolved by its downloader, with Cancelled winning over Completed
// unless the final file was already committed.
func (t *Task) Cancel() error {
	t.mu.Lock()
	if t.state.IsTerminal() {
		t.mu.Unlock()
		return ErrTaskFinished
	}
	t.cancelled = true
	if !t.started {
		t.err = ErrCancelled
		t.transitionLocked(StateCancelled)
		t.mu.Unlock()
		t.closeDone()
		return nil
	}
	cancel := t.cancelFn
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Started reports whether a downloader has taken the task.
func (t *Task) Started() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

// start attaches a run to the task. It fails if the task was cancelled before admission.
func (t *Task) start(cancel context.CancelFunc, notify func(Progress)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return fmt.Errorf("%w: task %s already started", ErrInvalidTransition, t.ID)
	}
	if t.cancelled || t.state.IsTerminal() {
		return ErrCancelled
	}
	t.started = true
	t.cancelFn = cancel
	t.notify = notify
	return nil
}

func (t *Task) transition(to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transitionLocked(to)
}

func (t *Task) transitionLocked(to State) error {
	if !canTransition(t.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.state, to)
	}
	t.state = to
	if t.notify != nil {
		t.notify(t.snapshotLocked())
	}
	return nil
}

// commit runs fn and marks the task Completed, unless a cancel got there first.
func (t *Task) commit(fn func() error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return ErrCancelled
	}
	if err := fn(); err != nil {
		return err
	}
	return t.transitionLocked(StateCompleted)
}

// finish moves a failed or cancelled run to its terminal state and returns that state.
func (t *Task) finish(err error) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.IsTerminal() {
		return t.state
	}
	if t.cancelled {
		t.err = ErrCancelled
		t.transitionLocked(StateCancelled)
		return t.state
	}
	t.err = err
	t.transitionLocked(StateFailed)
	return t.state
}

func (t *Task) closeDone() {
	t.doneOnce.Do(func() { close(t.done) })
}

func (t *Task) setPlan(destination string, totalSize int64, segments []*Segment, chunked bool) {
	sort.Slice(segments, func(i, j int) bool { return segments[i].Range.Start < segments[j].Range.Start })
	t.mu.Lock()
	defer t.mu.Unlock()
	t.destination = destination
	t.totalSize = totalSize
	t.segments = segments
	t.chunked = chunked
}

func (t *Task) setTotalSize(size int64) {
	t.mu.Lock()
	t.totalSize = size
	t.mu.Unlock()
}

// pauseGate is the cooperative pause flag checked between buffer writes.
type pauseGate struct {
	mu     sync.Mutex
	paused bool
	resume chan struct{}
}

func newPauseGate() *pauseGate {
	ch := make(chan struct{})
	close(ch)
	return &pauseGate{resume: ch}
}

func (g *pauseGate) pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		return
	}
	g.paused = true
	g.resume = make(chan struct{})
}

func (g *pauseGate) unpause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return
	}
	g.paused = false
	close(g.resume)
}

func (g *pauseGate) isPaused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

func (g *pauseGate) wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.resume
	g.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}
