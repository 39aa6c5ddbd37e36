package scheduler

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/segget/internal/engine"
	"golang.org/x/sync/semaphore"
)

const DefaultMaxConcurrentTasks = 3

var (
	ErrClosed        = errors.New("scheduler is shut down")
	ErrUnknownTask   = errors.New("unknown task")
	ErrDuplicateTask = errors.New("same URI and destination already queued")
)

// SourceResolver maps a URI to the source that fetches it.
type SourceResolver interface {
	Resolve(ctx context.Context, uri string) (engine.Source, error)
}

type Config struct {
	MaxConcurrentTasks    int
	MaxConcurrentSegments int
	Engine                engine.Config
	Observer              engine.Observer
}

type Request struct {
	URI          string
	Destination  string
	SegmentCount int // 0 uses the engine default
}

// Scheduler admits submitted tasks in FIFO order, running at most MaxConcurrentTasks at
// once. All running segment fetches share one pool of MaxConcurrentSegments slots.
type Scheduler struct {
	cfg        Config
	resolver   SourceResolver
	downloader *engine.Downloader
	ctx        context.Context
	cancel     context.CancelFunc

	mu       sync.Mutex
	queue    []*engine.Task
	active   int
	tasks    map[string]*engine.Task
	requests map[string]Request
	sources  map[string]engine.Source
	order    []string
	closed   bool
	wg       sync.WaitGroup
}

func New(cfg Config, resolver SourceResolver) *Scheduler {
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = DefaultMaxConcurrentTasks
	}
	if cfg.MaxConcurrentSegments <= 0 {
		cfg.MaxConcurrentSegments = engine.DefaultMaxConcurrentSegments
	}
	pool := semaphore.NewWeighted(int64(cfg.MaxConcurrentSegments))
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:        cfg,
		resolver:   resolver,
		downloader: engine.NewDownloader(cfg.Engine, pool),
		ctx:        ctx,
		cancel:     cancel,
		tasks:      make(map[string]*engine.Task),
		requests:   make(map[string]Request),
		sources:    make(map[string]engine.Source),
	}
}

// Submit creates a Pending task for req and queues it.
func (s *Scheduler) Submit(ctx context.Context, req Request) (*engine.Task, error) {
	src, err := s.resolver.Resolve(ctx, req.URI)
	if err != nil {
		return nil, err
	}
	count := req.SegmentCount
	if count <= 0 {
		count = s.downloader.Config().SegmentCount
	}
	task := engine.NewTask(req.URI, req.Destination, count)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	for id, existing := range s.requests {
		if existing.URI == req.URI && existing.Destination == req.Destination && !s.tasks[id].State().IsTerminal() {
			s.mu.Unlock()
			return nil, ErrDuplicateTask
		}
	}
	s.tasks[task.ID] = task
	s.requests[task.ID] = req
	s.sources[task.ID] = src
	s.order = append(s.order, task.ID)
	s.queue = append(s.queue, task)
	s.wg.Add(1)
	s.mu.Unlock()

	log.Debug().Str("op", "scheduler/submit").Str("task", task.ID).Str("uri", req.URI).Msg("task queued")
	s.notify(task.Snapshot())

	s.mu.Lock()
	s.admitLocked()
	s.mu.Unlock()
	return task, nil
}

func (s *Scheduler) admitLocked() {
	for s.active < s.cfg.MaxConcurrentTasks && len(s.queue) > 0 {
		task := s.queue[0]
		s.queue = s.queue[1:]
		if task.State().IsTerminal() {
			// cancelled directly while queued
			s.notify(task.Snapshot())
			s.wg.Done()
			continue
		}
		s.active++
		go s.execute(task, s.sources[task.ID])
	}
}

func (s *Scheduler) execute(task *engine.Task, src engine.Source) {
	defer s.wg.Done()
	s.downloader.Run(s.ctx, task, src, s.cfg.Observer)
	if !task.Started() {
		s.notify(task.Snapshot())
	}
	s.mu.Lock()
	s.active--
	s.admitLocked()
	s.mu.Unlock()
}

func (s *Scheduler) notify(p engine.Progress) {
	if s.cfg.Observer != nil {
		s.cfg.Observer.OnProgress(p)
	}
}

func (s *Scheduler) lookup(id string) (*engine.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrUnknownTask
	}
	return task, nil
}

func (s *Scheduler) Pause(id string) error {
	task, err := s.lookup(id)
	if err != nil {
		return err
	}
	return task.Pause()
}

func (s *Scheduler) Resume(id string) error {
	task, err := s.lookup(id)
	if err != nil {
		return err
	}
	return task.Resume()
}

// Cancel aborts a task. A queued task leaves the queue and is Cancelled at once.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownTask
	}
	queued := false
	if i := slices.Index(s.queue, task); i >= 0 {
		s.queue = slices.Delete(s.queue, i, i+1)
		queued = true
	}
	s.mu.Unlock()

	if err := task.Cancel(); err != nil {
		return err
	}
	if queued {
		s.notify(task.Snapshot())
		s.wg.Done()
	}
	return nil
}

// PauseAll pauses every downloading task and returns how many were paused.
func (s *Scheduler) PauseAll() int {
	paused := 0
	for _, task := range s.List() {
		if task.State() == engine.StateDownloading && task.Pause() == nil {
			paused++
		}
	}
	return paused
}

// ResumeAll resumes every paused task and returns how many were resumed.
func (s *Scheduler) ResumeAll() int {
	resumed := 0
	for _, task := range s.List() {
		if task.State() == engine.StatePaused && task.Resume() == nil {
			resumed++
		}
	}
	return resumed
}

func (s *Scheduler) Get(id string) (*engine.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	return task, ok
}

// List returns all submitted tasks in submission order.
func (s *Scheduler) List() []*engine.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := make([]*engine.Task, 0, len(s.order))
	for _, id := range s.order {
		tasks = append(tasks, s.tasks[id])
	}
	return tasks
}

// Wait blocks until every submitted task is terminal.
func (s *Scheduler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Shutdown stops admissions, cancels every task and waits for their cleanup.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	queued := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, task := range queued {
		task.Cancel()
		s.notify(task.Snapshot())
		s.wg.Done()
	}
	s.cancel()
	return s.Wait(ctx)
}
