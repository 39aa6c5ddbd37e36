package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// fetchAll runs every unfinished segment of p concurrently. The first segment that
// exhausts its retries cancels its siblings.
func (d *Downloader) fetchAll(ctx context.Context, task *Task, src Source, p *plan) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, seg := range p.segments {
		if seg.complete() {
			seg.setState(SegmentDone)
			continue
		}
		g.Go(func() error {
			return d.fetchSegment(gctx, task, src, p, seg)
		})
	}
	return g.Wait()
}

func (d *Downloader) fetchSegment(ctx context.Context, task *Task, src Source, p *plan, seg *Segment) error {
	for {
		if err := task.gate.wait(ctx); err != nil {
			seg.setState(SegmentQueued)
			return err
		}
		if err := d.limiter.Acquire(ctx, 1); err != nil {
			seg.setState(SegmentQueued)
			return err
		}
		seg.setState(SegmentActive)
		err := d.cfg.Retry.Do(ctx, func(attempt int) error {
			err := d.streamSegment(ctx, task, src, p, seg)
			if errors.Is(err, errPaused) {
				return Permanent(err)
			}
			if err != nil && ctx.Err() == nil {
				log.Debug().Str("op", "engine/fetch").Str("task", task.ID).Int("segment", seg.ID).Int("attempt", attempt).Err(err).Msg("segment attempt failed")
			}
			return err
		})
		d.limiter.Release(1)
		switch {
		case err == nil:
			seg.setState(SegmentDone)
			return nil
		case errors.Is(err, errPaused):
			seg.setState(SegmentQueued)
			continue
		case ctx.Err() != nil:
			seg.setState(SegmentQueued)
			return ctx.Err()
		}
		seg.setState(SegmentFailed)
		return fmt.Errorf("%w: segment %d %s: %w", ErrSegmentFetchFailed, seg.ID, seg.Range, err)
	}
}

// streamSegment copies the rest of seg's range into its part file. It returns errPaused
// when the task's pause gate closes between two buffer writes.
func (d *Downloader) streamSegment(ctx context.Context, task *Task, src Source, p *plan, seg *Segment) error {
	if task.gate.isPaused() {
		return errPaused
	}
	if err := os.MkdirAll(filepath.Dir(seg.TempPath), 0755); err != nil {
		return err
	}
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	// an idle watchdog cancels the request when no bytes arrive for ReadTimeout
	var stalled atomic.Bool
	watchdog := time.AfterFunc(d.cfg.ReadTimeout, func() {
		stalled.Store(true)
		cancel()
	})
	defer watchdog.Stop()
	stallErr := func(err error) error {
		if ctx.Err() == nil && (stalled.Load() || errors.Is(err, ErrSegmentStalled)) {
			return fmt.Errorf("%w: no data for %s", ErrSegmentStalled, d.cfg.ReadTimeout)
		}
		return err
	}

	body, err := d.openSegment(reqCtx, task, src, p, seg)
	if err != nil {
		return stallErr(err)
	}
	defer body.Close()

	offset := seg.BytesWritten()
	file, err := os.OpenFile(seg.TempPath, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("error opening temp file: %w", err)
	}
	defer file.Close()
	// drop anything a failed write left past the recorded offset
	if err := file.Truncate(offset); err != nil {
		return err
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return err
	}

	length := seg.Range.Len()
	buffer := make([]byte, d.cfg.BufferSize)
	for {
		chunk := buffer
		if length >= 0 {
			remaining := length - seg.BytesWritten()
			if remaining <= 0 {
				return nil
			}
			if remaining < int64(len(chunk)) {
				chunk = chunk[:remaining]
			}
		}
		n, readErr := body.Read(chunk)
		if n > 0 {
			if !watchdog.Stop() {
				// the watchdog fired; these bytes are fetched again on retry
				return stallErr(ErrSegmentStalled)
			}
			watchdog.Reset(d.cfg.ReadTimeout)
			if _, err := file.Write(chunk[:n]); err != nil {
				return err
			}
			seg.written.Add(int64(n))
			task.completed.Add(int64(n))
		}
		if readErr != nil {
			if readErr != io.EOF {
				return stallErr(readErr)
			}
			if length >= 0 && seg.BytesWritten() < length {
				return io.ErrUnexpectedEOF
			}
			return nil
		}
		if seg.complete() {
			return nil
		}
		if task.gate.isPaused() {
			return errPaused
		}
	}
}

// openSegment starts the request for the unwritten part of seg. Streams that cannot
// resume restart the segment from its first byte.
func (d *Downloader) openSegment(ctx context.Context, task *Task, src Source, p *plan, seg *Segment) (io.ReadCloser, error) {
	offset := seg.BytesWritten()
	if !p.ranged {
		if offset > 0 {
			d.resetSegment(task, seg)
		}
		return src.Open(ctx)
	}
	single := len(p.segments) == 1
	if offset == 0 && single {
		return src.Open(ctx)
	}
	body, err := src.OpenRange(ctx, seg.Range.Start+offset, seg.Range.End)
	if errors.Is(err, ErrRangeIgnored) && offset > 0 {
		log.Debug().Str("op", "engine/fetch").Str("task", task.ID).Int("segment", seg.ID).Msg("range ignored on resume, restarting segment")
		d.resetSegment(task, seg)
		if single {
			return src.Open(ctx)
		}
		body, err = src.OpenRange(ctx, seg.Range.Start, seg.Range.End)
	}
	if errors.Is(err, ErrRangeIgnored) {
		return nil, Permanent(err)
	}
	return body, err
}

func (d *Downloader) resetSegment(task *Task, seg *Segment) {
	n := seg.written.Swap(0)
	task.completed.Add(-n)
}
