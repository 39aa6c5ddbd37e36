package engine

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"
)

// memSource serves an in-memory payload the way a range-capable server would.
type memSource struct {
	data        []byte
	name        string
	ranges      bool
	sizeUnknown bool

	probeErr   error
	probeFails int // fail this many probes; 0 fails them all

	// readers stop after blockAfter bytes until block is closed; blocked is closed
	// once the first of them is waiting
	block      chan struct{}
	blockAfter int
	blocked    chan struct{}
	blockOnce  sync.Once

	failFirstAfter int
	openHook       func(start, end int64) error

	// the first reader (or every reader with stallAlways) goes silent after stallAfter bytes
	stallAfter  int
	stallAlways bool

	mu          sync.Mutex
	probes      int
	requests    []ByteRange
	failedOnce  bool
	stalledOnce bool
}

func (s *memSource) Probe(ctx context.Context) (ProbeResult, error) {
	s.mu.Lock()
	s.probes++
	n := s.probes
	s.mu.Unlock()
	if s.probeErr != nil && (s.probeFails == 0 || n <= s.probeFails) {
		return ProbeResult{}, s.probeErr
	}
	result := ProbeResult{SupportsRanges: s.ranges, SuggestedFilename: s.name}
	if !s.sizeUnknown {
		result.TotalSize = int64(len(s.data))
	}
	return result, nil
}

func (s *memSource) Open(ctx context.Context) (io.ReadCloser, error) {
	return s.open(ctx, 0, -1, false)
}

func (s *memSource) OpenRange(ctx context.Context, start, end int64) (io.ReadCloser, error) {
	return s.open(ctx, start, end, true)
}

func (s *memSource) open(ctx context.Context, start, end int64, ranged bool) (io.ReadCloser, error) {
	s.mu.Lock()
	s.requests = append(s.requests, ByteRange{Start: start, End: end})
	failAfter := -1
	if s.failFirstAfter > 0 && !s.failedOnce {
		s.failedOnce = true
		failAfter = s.failFirstAfter
	}
	block, blockAfter := s.block, s.blockAfter
	onBlock := s.signalBlocked
	if s.stallAfter > 0 && (s.stallAlways || !s.stalledOnce) {
		s.stalledOnce = true
		block, blockAfter = make(chan struct{}), s.stallAfter
		onBlock = nil
	}
	s.mu.Unlock()
	if s.openHook != nil {
		if err := s.openHook(start, end); err != nil {
			return nil, err
		}
	}
	if ranged && !s.ranges {
		return nil, ErrRangeIgnored
	}
	if end < 0 || end >= int64(len(s.data)) {
		end = int64(len(s.data)) - 1
	}
	return &memReader{
		ctx:        ctx,
		data:       s.data[start : end+1],
		block:      block,
		blockAfter: blockAfter,
		onBlock:    onBlock,
		failAfter:  failAfter,
	}, nil
}

func (s *memSource) signalBlocked() {
	if s.blocked != nil {
		s.blockOnce.Do(func() { close(s.blocked) })
	}
}

func (s *memSource) Requests() []ByteRange {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ByteRange, len(s.requests))
	copy(out, s.requests)
	return out
}

type memReader struct {
	ctx        context.Context
	data       []byte
	pos        int
	block      <-chan struct{}
	blockAfter int
	onBlock    func()
	failAfter  int
}

func (r *memReader) Read(p []byte) (int, error) {
	if r.block != nil && r.pos >= r.blockAfter {
		if r.onBlock != nil {
			r.onBlock()
		}
		select {
		case <-r.block:
			r.block = nil
		case <-r.ctx.Done():
			return 0, r.ctx.Err()
		}
	}
	if r.failAfter >= 0 && r.pos >= r.failAfter {
		return 0, io.ErrUnexpectedEOF
	}
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	if r.block != nil && r.pos+n > r.blockAfter {
		n = r.blockAfter - r.pos
	}
	if r.failAfter >= 0 && r.pos+n > r.failAfter {
		n = r.failAfter - r.pos
	}
	r.pos += n
	return n, nil
}

func (r *memReader) Close() error {
	return nil
}

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte((i*31 + i/251) % 256)
	}
	return data
}

func newTestDownloader() *Downloader {
	cfg := DefaultConfig()
	cfg.Retry = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	cfg.ProgressInterval = 5 * time.Millisecond
	return NewDownloader(cfg, nil)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

type progressLog struct {
	mu      sync.Mutex
	updates []Progress
}

func (l *progressLog) OnProgress(p Progress) {
	l.mu.Lock()
	l.updates = append(l.updates, p)
	l.mu.Unlock()
}

// states returns the delivered states with consecutive duplicates collapsed.
func (l *progressLog) states() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []State
	for _, p := range l.updates {
		if len(out) == 0 || out[len(out)-1] != p.State {
			out = append(out, p.State)
		}
	}
	return out
}

func (l *progressLog) last() Progress {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.updates) == 0 {
		return Progress{}
	}
	return l.updates[len(l.updates)-1]
}
