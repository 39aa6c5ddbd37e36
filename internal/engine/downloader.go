package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/segget/internal/utils"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultSegmentCount          = 8
	DefaultMaxConcurrentSegments = 16
	DefaultReadTimeout           = 60 * time.Second
)

type Config struct {
	SegmentCount     int
	ChunkThreshold   int64
	BufferSize       int
	Retry            RetryPolicy
	ProgressInterval time.Duration
	// ReadTimeout bounds the wait for the next bytes of a segment body; a stalled
	// segment is retried from the bytes already written.
	ReadTimeout time.Duration
	// FallbackOnProbeFailure streams the resource without ranges when probing keeps failing.
	FallbackOnProbeFailure bool
}

func DefaultConfig() Config {
	return Config{
		SegmentCount:           DefaultSegmentCount,
		ChunkThreshold:         utils.DefaultChunkThreshold,
		BufferSize:             utils.DefaultBufferSize,
		Retry:                  DefaultRetryPolicy(),
		ProgressInterval:       DefaultProgressInterval,
		ReadTimeout:            DefaultReadTimeout,
		FallbackOnProbeFailure: true,
	}
}

// Downloader runs tasks. One Downloader may run many tasks at once; their segment
// fetches share the limiter.
type Downloader struct {
	cfg     Config
	limiter Limiter

	mu      sync.Mutex
	claimed map[string]string
}

// NewDownloader fills zero fields of cfg with defaults. A nil limiter gets a private
// pool of DefaultMaxConcurrentSegments slots.
func NewDownloader(cfg Config, limiter Limiter) *Downloader {
	def := DefaultConfig()
	if cfg.SegmentCount <= 0 {
		cfg.SegmentCount = def.SegmentCount
	}
	if cfg.ChunkThreshold <= 0 {
		cfg.ChunkThreshold = def.ChunkThreshold
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = def.ProgressInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if limiter == nil {
		limiter = semaphore.NewWeighted(DefaultMaxConcurrentSegments)
	}
	return &Downloader{cfg: cfg, limiter: limiter, claimed: make(map[string]string)}
}

func (d *Downloader) Config() Config {
	return d.cfg
}

// plan is the outcome of probing: where the bytes go and how they are split.
type plan struct {
	dest     string
	total    int64
	ranged   bool
	chunked  bool
	segments []*Segment
}

// Run drives task to a terminal state and returns its failure cause. It returns once
// temp files of a cancelled or failed task are cleaned up.
func (d *Downloader) Run(ctx context.Context, task *Task, src Source, obs Observer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	rep := newReporter(task, obs, d.cfg.ProgressInterval)
	if err := task.start(cancel, rep.push); err != nil {
		return err
	}
	go rep.run()

	p, err := d.run(ctx, task, src)
	if err != nil {
		if ctx.Err() != nil {
			task.Cancel()
		}
		switch task.finish(err) {
		case StateCancelled:
			log.Info().Str("op", "engine/downloader").Str("task", task.ID).Msg("task cancelled")
			d.cleanup(p, true)
		case StateFailed:
			log.Error().Str("op", "engine/downloader").Str("task", task.ID).Err(err).Msg("task failed")
			d.cleanup(p, false)
		}
	} else {
		log.Info().Str("op", "engine/downloader").Str("task", task.ID).Str("path", p.dest).Int64("bytes", task.BytesCompleted()).Msg("task completed")
	}
	d.release(task.ID, p)
	rep.close()
	task.closeDone()
	return task.Err()
}

func (d *Downloader) run(ctx context.Context, task *Task, src Source) (*plan, error) {
	if err := task.transition(StateProbing); err != nil {
		return nil, err
	}
	probe, err := d.probe(ctx, task, src)
	if err != nil {
		return nil, err
	}
	p, err := d.plan(task, probe)
	if err != nil {
		return p, err
	}
	if err := task.transition(StateDownloading); err != nil {
		return p, err
	}
	if err := d.fetchAll(ctx, task, src, p); err != nil {
		return p, err
	}
	// a pause that lands after the last byte holds the merge until Resume
	for {
		if err := task.gate.wait(ctx); err != nil {
			return p, err
		}
		err := task.transition(StateMerging)
		if err == nil {
			break
		}
		if task.State() != StatePaused {
			return p, err
		}
	}
	merged, size, err := merge(p)
	if err != nil {
		return p, err
	}
	if p.total <= 0 {
		task.setTotalSize(size)
	}
	if err := ctx.Err(); err != nil {
		return p, err
	}
	if err := task.commit(func() error { return os.Rename(merged, p.dest) }); err != nil {
		return p, err
	}
	if err := utils.Clean(p.dest); err != nil {
		log.Debug().Str("op", "engine/downloader").Str("task", task.ID).Err(err).Msg("error removing temp files")
	}
	return p, nil
}

func (d *Downloader) probe(ctx context.Context, task *Task, src Source) (ProbeResult, error) {
	var result ProbeResult
	err := d.cfg.Retry.Do(ctx, func(attempt int) error {
		r, err := src.Probe(ctx)
		if err != nil {
			log.Debug().Str("op", "engine/downloader").Str("task", task.ID).Int("attempt", attempt).Err(err).Msg("probe attempt failed")
			return err
		}
		result = r
		return nil
	})
	if err == nil {
		log.Debug().Str("op", "engine/downloader").Str("task", task.ID).Int64("size", result.TotalSize).Bool("ranges", result.SupportsRanges).Msg("probe complete")
		return result, nil
	}
	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	if d.cfg.FallbackOnProbeFailure && !IsPermanent(err) {
		log.Warn().Str("op", "engine/downloader").Str("task", task.ID).Err(err).Msg("probe failed, falling back to a single stream")
		return ProbeResult{}, nil
	}
	return result, fmt.Errorf("%w: %w", ErrProbeFailed, err)
}

func (d *Downloader) plan(task *Task, probe ProbeResult) (*plan, error) {
	dest := d.claim(task.ID, resolveDestination(task.Destination(), probe.SuggestedFilename, task.SourceURI))
	p := &plan{
		dest:   dest,
		total:  probe.TotalSize,
		ranged: probe.SupportsRanges && probe.TotalSize > 0,
	}
	if !probe.SupportsRanges {
		log.Debug().Str("op", "engine/downloader").Str("task", task.ID).Err(ErrUnsupportedRangeServer).Msg("using a single stream")
	}
	count := task.SegmentCount
	var ranges []ByteRange
	switch {
	case p.ranged && p.total >= d.cfg.ChunkThreshold && count > 1:
		ranges = Partition(p.total, count)
	case p.total > 0:
		ranges = []ByteRange{{Start: 0, End: p.total - 1}}
	default:
		ranges = []ByteRange{{Start: 0, End: -1}}
	}

	reuse := false
	if p.ranged {
		var reused []ByteRange
		if reused, reuse = d.reconcile(task, dest, p.total); reuse {
			ranges = reused
		}
	} else if err := utils.Clean(dest); err != nil {
		return p, err
	}
	if err := os.MkdirAll(utils.TempDir(dest), 0755); err != nil {
		return p, fmt.Errorf("error creating temp directory: %w", err)
	}
	if p.ranged && !reuse {
		m := &manifest{Source: task.SourceURI, TotalSize: p.total, SegmentCount: len(ranges), Ranges: ranges}
		if err := writeManifest(utils.ManifestPath(dest), m); err != nil {
			return p, fmt.Errorf("error writing manifest: %w", err)
		}
	}

	p.chunked = len(ranges) > 1
	p.segments = make([]*Segment, len(ranges))
	for i, r := range ranges {
		seg := newSegment(i, task.ID, r, utils.PartPath(dest, i))
		if reuse {
			if info, err := os.Stat(seg.TempPath); err == nil && info.Size() <= r.Len() {
				seg.written.Store(info.Size())
				task.completed.Add(info.Size())
			}
		}
		p.segments[i] = seg
	}
	task.setPlan(dest, p.total, p.segments, p.chunked)
	return p, nil
}

// reconcile returns the ranges of a previous run of the same fetch when its manifest is
// still valid. Otherwise it removes the stale temp files.
func (d *Downloader) reconcile(task *Task, dest string, total int64) ([]ByteRange, bool) {
	m, err := readManifest(utils.ManifestPath(dest))
	if err == nil && m.matches(task.SourceURI, total) {
		log.Info().Str("op", "engine/downloader").Str("task", task.ID).Str("path", dest).Msg("resuming from existing segments")
		return m.Ranges, true
	}
	if err := utils.Clean(dest); err != nil {
		log.Debug().Str("op", "engine/downloader").Str("task", task.ID).Err(err).Msg("error removing stale temp files")
	}
	return nil, false
}

// claim reserves a destination so two running tasks never share one.
func (d *Downloader) claim(taskID, dest string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	dest = utils.UniqueOutputPath(dest, func(path string) bool {
		owner, ok := d.claimed[path]
		return ok && owner != taskID
	})
	d.claimed[dest] = taskID
	return dest
}

func (d *Downloader) release(taskID string, p *plan) {
	if p == nil {
		return
	}
	d.mu.Lock()
	if d.claimed[p.dest] == taskID {
		delete(d.claimed, p.dest)
	}
	d.mu.Unlock()
}

func (d *Downloader) cleanup(p *plan, all bool) {
	if p == nil {
		return
	}
	var err error
	if all {
		err = utils.Clean(p.dest)
	} else if err = os.Remove(utils.StagingPath(p.dest)); errors.Is(err, os.ErrNotExist) {
		err = nil
	}
	if err != nil {
		log.Debug().Str("op", "engine/downloader").Str("path", p.dest).Err(err).Msg("error removing temp files")
	}
}

// resolveDestination picks the final path: dest itself, or a file inside dest when it
// is empty, names a directory, or ends with a separator.
func resolveDestination(dest, suggested, sourceURI string) string {
	name := suggested
	if name == "" {
		name = utils.FileNameFromURL(sourceURI)
	}
	if dest == "" {
		return name
	}
	if strings.HasSuffix(dest, "/") || strings.HasSuffix(dest, string(os.PathSeparator)) {
		return filepath.Join(dest, name)
	}
	if info, err := os.Stat(dest); err == nil && info.IsDir() {
		return filepath.Join(dest, name)
	}
	return dest
}
