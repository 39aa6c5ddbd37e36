package engine

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tanq16/segget/internal/utils"
)

func assertFileContent(t *testing.T, path string, expected []byte) {
	t.Helper()
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Expected %s to exist, got %v", path, err)
	}
	if !bytes.Equal(got, expected) {
		t.Fatalf("Expected %s to hold %d identical bytes, got %d bytes", path, len(expected), len(got))
	}
}

func assertNoTempDir(t *testing.T, dest string) {
	t.Helper()
	if _, err := os.Stat(utils.TempDir(dest)); !os.IsNotExist(err) {
		entries, _ := os.ReadDir(utils.TempDir(dest))
		t.Errorf("Expected temp dir to be removed, found %d entries", len(entries))
	}
}

func TestRunChunkedDownload(t *testing.T) {
	data := payload(3 << 20)
	src := &memSource{data: data, ranges: true}
	dest := filepath.Join(t.TempDir(), "chunked.bin")
	task := NewTask("mem://chunked.bin", dest, 4)
	obs := &progressLog{}

	if err := newTestDownloader().Run(context.Background(), task, src, obs); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if task.State() != StateCompleted {
		t.Errorf("Expected state completed, got %s", task.State())
	}
	if !task.Chunked() {
		t.Error("Expected a chunked download")
	}
	var sum int64
	for _, seg := range task.Segments() {
		sum += seg.BytesWritten()
		if seg.State() != SegmentDone {
			t.Errorf("Expected segment %d to be done, got %s", seg.ID, seg.State())
		}
	}
	if sum != task.TotalSize() || sum != int64(len(data)) {
		t.Errorf("Expected segments to sum to %d, got %d (total %d)", len(data), sum, task.TotalSize())
	}
	if task.BytesCompleted() != int64(len(data)) {
		t.Errorf("Expected %d bytes completed, got %d", len(data), task.BytesCompleted())
	}
	assertFileContent(t, dest, data)
	assertNoTempDir(t, dest)
	if got := len(src.Requests()); got != 4 {
		t.Errorf("Expected 4 ranged requests, got %d", got)
	}

	states := obs.states()
	expected := []State{StateProbing, StateDownloading, StateMerging, StateCompleted}
	if len(states) != len(expected) {
		t.Fatalf("Expected states %v, got %v", expected, states)
	}
	for i := range expected {
		if states[i] != expected[i] {
			t.Errorf("Expected state %s at %d, got %s", expected[i], i, states[i])
		}
	}
	if last := obs.last(); last.BytesCompleted != int64(len(data)) {
		t.Errorf("Expected final update to report %d bytes, got %d", len(data), last.BytesCompleted)
	}
}

func TestRunSmallResourceUsesSingleStream(t *testing.T) {
	data := payload(500_000)
	src := &memSource{data: data, ranges: true}
	dest := filepath.Join(t.TempDir(), "small.bin")
	task := NewTask("mem://small.bin", dest, 8)

	if err := newTestDownloader().Run(context.Background(), task, src, nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if task.Chunked() {
		t.Error("Expected a single-stream download")
	}
	if got := len(task.Segments()); got != 1 {
		t.Errorf("Expected 1 segment, got %d", got)
	}
	assertFileContent(t, dest, data)
	assertNoTempDir(t, dest)
}

func TestRunWithoutRangeSupport(t *testing.T) {
	data := payload(2 << 20)
	src := &memSource{data: data, ranges: false}
	dest := filepath.Join(t.TempDir(), "noranges.bin")
	task := NewTask("mem://noranges.bin", dest, 8)

	if err := newTestDownloader().Run(context.Background(), task, src, nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if task.Chunked() {
		t.Error("Expected a single-stream download")
	}
	assertFileContent(t, dest, data)
	for _, r := range src.Requests() {
		if r.Start != 0 || r.End != -1 {
			t.Errorf("Expected only whole-resource requests, got %s", r)
		}
	}
}

func TestRunUnknownSize(t *testing.T) {
	data := payload(123_456)
	src := &memSource{data: data, sizeUnknown: true}
	dest := filepath.Join(t.TempDir(), "stream.bin")
	task := NewTask("mem://stream.bin", dest, 4)

	if err := newTestDownloader().Run(context.Background(), task, src, nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if task.TotalSize() != int64(len(data)) {
		t.Errorf("Expected total size %d after merge, got %d", len(data), task.TotalSize())
	}
	assertFileContent(t, dest, data)
}

func TestRunRetriesAndResumesSegment(t *testing.T) {
	data := payload(2 << 20)
	src := &memSource{data: data, ranges: true, failFirstAfter: 100_000}
	dest := filepath.Join(t.TempDir(), "retry.bin")
	task := NewTask("mem://retry.bin", dest, 2)

	if err := newTestDownloader().Run(context.Background(), task, src, nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	assertFileContent(t, dest, data)
	requests := src.Requests()
	if len(requests) != 3 {
		t.Fatalf("Expected 3 requests, got %d", len(requests))
	}
	resumed := false
	for _, r := range requests {
		if r.Start == 100_000 || r.Start == 1<<20+100_000 {
			resumed = true
		}
	}
	if !resumed {
		t.Errorf("Expected a request resuming at the failed offset, got %v", requests)
	}
}

func TestRunRestartsSegmentWhenResumeRangeIgnored(t *testing.T) {
	data := payload(600_000)
	src := &memSource{data: data, ranges: true, failFirstAfter: 50_000}
	src.openHook = func(start, end int64) error {
		if start > 0 {
			return ErrRangeIgnored
		}
		return nil
	}
	dest := filepath.Join(t.TempDir(), "restart.bin")
	task := NewTask("mem://restart.bin", dest, 4)

	if err := newTestDownloader().Run(context.Background(), task, src, nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	assertFileContent(t, dest, data)
	if task.BytesCompleted() != int64(len(data)) {
		t.Errorf("Expected %d bytes completed after restart, got %d", len(data), task.BytesCompleted())
	}
}

func newStallDownloader(attempts int) *Downloader {
	cfg := DefaultConfig()
	cfg.Retry = RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	cfg.ProgressInterval = 5 * time.Millisecond
	cfg.ReadTimeout = 50 * time.Millisecond
	return NewDownloader(cfg, nil)
}

func TestStalledSegmentResumesAfterReadTimeout(t *testing.T) {
	data := payload(300_000)
	src := &memSource{data: data, ranges: true, stallAfter: 100}
	dest := filepath.Join(t.TempDir(), "stalled.bin")
	task := NewTask("mem://stalled.bin", dest, 1)

	done := make(chan error, 1)
	go func() {
		done <- newStallDownloader(3).Run(context.Background(), task, src, nil)
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Expected the stalled body to time out, download is still hanging")
	}
	assertFileContent(t, dest, data)
	requests := src.Requests()
	if len(requests) != 2 {
		t.Fatalf("Expected 2 requests, got %d", len(requests))
	}
	if requests[1].Start != 100 {
		t.Errorf("Expected the retry to resume at 100, got %d", requests[1].Start)
	}
}

func TestStalledSegmentFailsAfterRetries(t *testing.T) {
	data := payload(300_000)
	src := &memSource{data: data, ranges: true, stallAfter: 100, stallAlways: true}
	dest := filepath.Join(t.TempDir(), "stuck.bin")
	task := NewTask("mem://stuck.bin", dest, 1)

	err := newStallDownloader(2).Run(context.Background(), task, src, nil)
	if !errors.Is(err, ErrSegmentFetchFailed) {
		t.Fatalf("Expected ErrSegmentFetchFailed, got %v", err)
	}
	if !errors.Is(err, ErrSegmentStalled) {
		t.Errorf("Expected ErrSegmentStalled in the chain, got %v", err)
	}
	if task.State() != StateFailed {
		t.Errorf("Expected state failed, got %s", task.State())
	}
	if got := len(src.Requests()); got != 2 {
		t.Errorf("Expected 2 requests, got %d", got)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("Expected no file at the destination")
	}
}

func TestPauseResumeIsByteIdentical(t *testing.T) {
	data := payload(2 << 20)
	block := make(chan struct{})
	src := &memSource{data: data, ranges: true, block: block, blockAfter: 64 << 10}
	dest := filepath.Join(t.TempDir(), "paused.bin")
	task := NewTask("mem://paused.bin", dest, 4)
	obs := &progressLog{}

	errCh := make(chan error, 1)
	go func() {
		errCh <- newTestDownloader().Run(context.Background(), task, src, obs)
	}()
	waitFor(t, "first bytes", func() bool { return task.BytesCompleted() == 4*64<<10 })

	if err := task.Pause(); err != nil {
		t.Fatalf("Expected no error pausing, got %v", err)
	}
	close(block)
	waitFor(t, "segments to pause", func() bool {
		for _, seg := range task.Segments() {
			if seg.State() != SegmentQueued {
				return false
			}
		}
		return true
	})
	if task.State() != StatePaused {
		t.Errorf("Expected state paused, got %s", task.State())
	}
	pausedAt := task.BytesCompleted()
	if pausedAt >= int64(len(data)) {
		t.Fatalf("Expected a partial download while paused, got %d bytes", pausedAt)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("Expected no file at the destination while paused")
	}

	if err := task.Resume(); err != nil {
		t.Fatalf("Expected no error resuming, got %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	assertFileContent(t, dest, data)

	starts := map[int64]bool{}
	for _, r := range Partition(int64(len(data)), 4) {
		starts[r.Start] = true
	}
	resumed := 0
	for _, r := range src.Requests() {
		if !starts[r.Start] {
			resumed++
		}
	}
	if resumed != 4 {
		t.Errorf("Expected 4 resumed requests, got %d", resumed)
	}

	sawPaused := false
	for _, s := range obs.states() {
		if s == StatePaused {
			sawPaused = true
		}
	}
	if !sawPaused {
		t.Error("Expected observer to see the paused state")
	}
}

func TestPauseAfterLastByteHoldsMerge(t *testing.T) {
	data := payload(300_000)
	block := make(chan struct{})
	src := &memSource{data: data, ranges: true, block: block, blockAfter: len(data) - 1, blocked: make(chan struct{})}
	dest := filepath.Join(t.TempDir(), "late-pause.bin")
	task := NewTask("mem://late-pause.bin", dest, 1)

	errCh := make(chan error, 1)
	go func() {
		errCh <- newTestDownloader().Run(context.Background(), task, src, nil)
	}()
	<-src.blocked
	if got := task.BytesCompleted(); got != int64(len(data)-1) {
		t.Fatalf("Expected %d bytes before the pause, got %d", len(data)-1, got)
	}

	if err := task.Pause(); err != nil {
		t.Fatalf("Expected no error pausing, got %v", err)
	}
	close(block)
	waitFor(t, "the last byte", func() bool { return task.BytesCompleted() == int64(len(data)) })
	waitFor(t, "segment to finish", func() bool { return task.Segments()[0].State() == SegmentDone })
	time.Sleep(50 * time.Millisecond)

	if task.State() != StatePaused {
		t.Errorf("Expected state paused, got %s", task.State())
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("Expected no file at the destination while paused")
	}
	select {
	case err := <-errCh:
		t.Fatalf("Expected the task to wait for resume, it finished with %v", err)
	default:
	}

	if err := task.Resume(); err != nil {
		t.Fatalf("Expected no error resuming, got %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if task.State() != StateCompleted {
		t.Errorf("Expected state completed, got %s", task.State())
	}
	assertFileContent(t, dest, data)
	if got := len(src.Requests()); got != 1 {
		t.Errorf("Expected 1 request, got %d", got)
	}
}

func TestCancelWhilePausedAfterLastByte(t *testing.T) {
	data := payload(300_000)
	block := make(chan struct{})
	src := &memSource{data: data, ranges: true, block: block, blockAfter: len(data) - 1, blocked: make(chan struct{})}
	dest := filepath.Join(t.TempDir(), "late-cancel.bin")
	task := NewTask("mem://late-cancel.bin", dest, 1)

	errCh := make(chan error, 1)
	go func() {
		errCh <- newTestDownloader().Run(context.Background(), task, src, nil)
	}()
	<-src.blocked
	if got := task.BytesCompleted(); got != int64(len(data)-1) {
		t.Fatalf("Expected %d bytes before the pause, got %d", len(data)-1, got)
	}
	if err := task.Pause(); err != nil {
		t.Fatalf("Expected no error pausing, got %v", err)
	}
	close(block)
	waitFor(t, "segment to finish", func() bool { return task.Segments()[0].State() == SegmentDone })

	if err := task.Cancel(); err != nil {
		t.Fatalf("Expected no error cancelling, got %v", err)
	}
	if err := <-errCh; !errors.Is(err, ErrCancelled) {
		t.Errorf("Expected ErrCancelled, got %v", err)
	}
	if task.State() != StateCancelled {
		t.Errorf("Expected state cancelled, got %s", task.State())
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("Expected no file at the destination")
	}
	assertNoTempDir(t, dest)
}

func TestCancelRemovesTempFiles(t *testing.T) {
	data := payload(2 << 20)
	src := &memSource{data: data, ranges: true, block: make(chan struct{}), blockAfter: 32 << 10}
	dest := filepath.Join(t.TempDir(), "cancel.bin")
	task := NewTask("mem://cancel.bin", dest, 4)

	errCh := make(chan error, 1)
	go func() {
		errCh <- newTestDownloader().Run(context.Background(), task, src, nil)
	}()
	waitFor(t, "segments in flight", func() bool { return task.BytesCompleted() == 4*32<<10 })

	if err := task.Cancel(); err != nil {
		t.Fatalf("Expected no error cancelling, got %v", err)
	}
	if err := <-errCh; !errors.Is(err, ErrCancelled) {
		t.Errorf("Expected ErrCancelled, got %v", err)
	}
	if task.State() != StateCancelled {
		t.Errorf("Expected state cancelled, got %s", task.State())
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("Expected no file at the destination")
	}
	assertNoTempDir(t, dest)
	if err := task.Cancel(); !errors.Is(err, ErrTaskFinished) {
		t.Errorf("Expected ErrTaskFinished on second cancel, got %v", err)
	}
}

func TestContextCancellationCancelsTask(t *testing.T) {
	data := payload(2 << 20)
	src := &memSource{data: data, ranges: true, block: make(chan struct{}), blockAfter: 16 << 10}
	dest := filepath.Join(t.TempDir(), "ctx.bin")
	task := NewTask("mem://ctx.bin", dest, 2)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- newTestDownloader().Run(ctx, task, src, nil)
	}()
	waitFor(t, "segments in flight", func() bool { return task.BytesCompleted() == 2*16<<10 })
	cancel()
	if err := <-errCh; !errors.Is(err, ErrCancelled) {
		t.Errorf("Expected ErrCancelled, got %v", err)
	}
	assertNoTempDir(t, dest)
}

func TestSegmentFailureFailsTask(t *testing.T) {
	data := payload(2 << 20)
	broken := Partition(int64(len(data)), 4)[2].Start
	src := &memSource{data: data, ranges: true}
	src.openHook = func(start, end int64) error {
		if start == broken {
			return errors.New("connection reset by peer")
		}
		return nil
	}
	dest := filepath.Join(t.TempDir(), "broken.bin")
	task := NewTask("mem://broken.bin", dest, 4)
	obs := &progressLog{}

	err := newTestDownloader().Run(context.Background(), task, src, obs)
	if !errors.Is(err, ErrSegmentFetchFailed) {
		t.Fatalf("Expected ErrSegmentFetchFailed, got %v", err)
	}
	if task.State() != StateFailed {
		t.Errorf("Expected state failed, got %s", task.State())
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("Expected no file at the destination")
	}
	if _, err := os.Stat(utils.ManifestPath(dest)); err != nil {
		t.Errorf("Expected manifest to be kept for a later resume, got %v", err)
	}
	last := obs.last()
	if last.State != StateFailed || last.Err == nil {
		t.Errorf("Expected final update to be failed with a cause, got %s %v", last.State, last.Err)
	}
	attempts := 0
	for _, r := range src.Requests() {
		if r.Start == broken {
			attempts++
		}
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts on the broken segment, got %d", attempts)
	}
}

func TestProbeFailureFallsBackToSingleStream(t *testing.T) {
	data := payload(300_000)
	src := &memSource{data: data, ranges: true, probeErr: errors.New("timeout")}
	dest := filepath.Join(t.TempDir(), "fallback.bin")
	task := NewTask("mem://fallback.bin", dest, 4)

	if err := newTestDownloader().Run(context.Background(), task, src, nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	assertFileContent(t, dest, data)
	if src.probes != 3 {
		t.Errorf("Expected 3 probe attempts, got %d", src.probes)
	}
}

func TestProbeFailureWithoutFallback(t *testing.T) {
	src := &memSource{data: payload(10), probeErr: errors.New("timeout")}
	d := newTestDownloader()
	d.cfg.FallbackOnProbeFailure = false
	task := NewTask("mem://x", filepath.Join(t.TempDir(), "x"), 1)

	err := d.Run(context.Background(), task, src, nil)
	if !errors.Is(err, ErrProbeFailed) {
		t.Errorf("Expected ErrProbeFailed, got %v", err)
	}
	if task.State() != StateFailed {
		t.Errorf("Expected state failed, got %s", task.State())
	}
}

func TestPermanentProbeFailureIsNotRetried(t *testing.T) {
	src := &memSource{data: payload(10), probeErr: Permanent(errors.New("404 not found"))}
	task := NewTask("mem://missing", filepath.Join(t.TempDir(), "missing"), 1)

	err := newTestDownloader().Run(context.Background(), task, src, nil)
	if !errors.Is(err, ErrProbeFailed) {
		t.Errorf("Expected ErrProbeFailed, got %v", err)
	}
	if src.probes != 1 {
		t.Errorf("Expected 1 probe attempt, got %d", src.probes)
	}
}

func TestRunResumesFromManifest(t *testing.T) {
	data := payload(2 << 20)
	dest := filepath.Join(t.TempDir(), "resume.bin")
	ranges := Partition(int64(len(data)), 4)
	if err := os.MkdirAll(utils.TempDir(dest), 0755); err != nil {
		t.Fatal(err)
	}
	m := &manifest{Source: "mem://resume.bin", TotalSize: int64(len(data)), SegmentCount: 4, Ranges: ranges}
	if err := writeManifest(utils.ManifestPath(dest), m); err != nil {
		t.Fatal(err)
	}
	half := ranges[0].Len() / 2
	for i, r := range ranges {
		if err := os.WriteFile(utils.PartPath(dest, i), data[r.Start:r.Start+half], 0644); err != nil {
			t.Fatal(err)
		}
	}

	src := &memSource{data: data, ranges: true}
	task := NewTask("mem://resume.bin", dest, 8)
	if err := newTestDownloader().Run(context.Background(), task, src, nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	assertFileContent(t, dest, data)
	assertNoTempDir(t, dest)
	requests := src.Requests()
	if len(requests) != 4 {
		t.Fatalf("Expected 4 requests, got %d", len(requests))
	}
	for _, r := range requests {
		if (r.Start % ranges[0].Len()) != half {
			t.Errorf("Expected every request to resume halfway into its range, got %s", r)
		}
	}
}

func TestRunDiscardsStaleManifest(t *testing.T) {
	data := payload(2 << 20)
	dest := filepath.Join(t.TempDir(), "stale.bin")
	if err := os.MkdirAll(utils.TempDir(dest), 0755); err != nil {
		t.Fatal(err)
	}
	stale := &manifest{Source: "mem://stale.bin", TotalSize: 999, SegmentCount: 1, Ranges: []ByteRange{{Start: 0, End: 998}}}
	if err := writeManifest(utils.ManifestPath(dest), stale); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(utils.PartPath(dest, 0), bytes.Repeat([]byte{0xff}, 999), 0644); err != nil {
		t.Fatal(err)
	}

	task := NewTask("mem://stale.bin", dest, 4)
	if err := newTestDownloader().Run(context.Background(), task, &memSource{data: data, ranges: true}, nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	assertFileContent(t, dest, data)
}

func TestMergeIntegrityErrorKeepsParts(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "merge.bin")
	if err := os.MkdirAll(utils.TempDir(dest), 0755); err != nil {
		t.Fatal(err)
	}
	p := &plan{dest: dest, total: 300}
	for i, r := range Partition(300, 3) {
		seg := newSegment(i, "task", r, utils.PartPath(dest, i))
		size := r.Len()
		if i == 1 {
			size -= 10
		}
		if err := os.WriteFile(seg.TempPath, make([]byte, size), 0644); err != nil {
			t.Fatal(err)
		}
		p.segments = append(p.segments, seg)
	}

	_, _, err := merge(p)
	var integrity *MergeIntegrityError
	if !errors.As(err, &integrity) || !errors.Is(err, ErrMergeIntegrity) {
		t.Fatalf("Expected MergeIntegrityError, got %v", err)
	}
	if integrity.Expected != 300 || integrity.Actual != 290 {
		t.Errorf("Expected 300 vs 290 bytes, got %d vs %d", integrity.Expected, integrity.Actual)
	}
	if _, err := os.Stat(utils.StagingPath(dest)); !os.IsNotExist(err) {
		t.Error("Expected staging file to be removed")
	}
	for _, seg := range p.segments {
		if _, err := os.Stat(seg.TempPath); err != nil {
			t.Errorf("Expected part %d to be kept, got %v", seg.ID, err)
		}
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("Expected no file at the destination")
	}
}

func TestResolveDestination(t *testing.T) {
	dir := t.TempDir()
	if got := resolveDestination("", "report.pdf", "https://example.com/x"); got != "report.pdf" {
		t.Errorf("Expected report.pdf, got %s", got)
	}
	if got := resolveDestination("", "", "https://example.com/files/a%20b.zip"); got != "a b.zip" {
		t.Errorf("Expected 'a b.zip', got %s", got)
	}
	if got := resolveDestination(dir, "", "https://example.com/data.tar"); got != filepath.Join(dir, "data.tar") {
		t.Errorf("Expected file inside directory, got %s", got)
	}
	if got := resolveDestination("out/", "x.bin", ""); got != filepath.Join("out", "x.bin") {
		t.Errorf("Expected out/x.bin, got %s", got)
	}
	if got := resolveDestination(filepath.Join(dir, "named.bin"), "x.bin", ""); got != filepath.Join(dir, "named.bin") {
		t.Errorf("Expected explicit path, got %s", got)
	}
}

func TestExistingDestinationIsRenamed(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "exists.bin")
	if err := os.WriteFile(dest, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}
	data := payload(1000)
	task := NewTask("mem://exists.bin", dest, 1)
	if err := newTestDownloader().Run(context.Background(), task, &memSource{data: data, ranges: true}, nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	renamed := filepath.Join(dir, "exists-(1).bin")
	if task.Destination() != renamed {
		t.Errorf("Expected destination %s, got %s", renamed, task.Destination())
	}
	assertFileContent(t, renamed, data)
	assertFileContent(t, dest, []byte("old"))
}
