package engine

import (
	"context"
	"fmt"
	"io"
)

// State is the lifecycle state of a download task.
type State string

const (
	StatePending     State = "pending"
	StateProbing     State = "probing"
	StateDownloading State = "downloading"
	StatePaused      State = "paused"
	StateMerging     State = "merging"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

func (s State) String() string {
	return string(s)
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// IsActive reports whether the task holds a scheduler slot in this state.
func (s State) IsActive() bool {
	return s == StateProbing || s == StateDownloading || s == StatePaused || s == StateMerging
}

var stateRank = map[State]int{
	StatePending:     0,
	StateProbing:     1,
	StateDownloading: 2,
	StatePaused:      2,
	StateMerging:     3,
	StateCompleted:   4,
	StateFailed:      4,
	StateCancelled:   4,
}

func canTransition(from, to State) bool {
	if from.IsTerminal() || from == to {
		return false
	}
	if to == StateFailed || to == StateCancelled {
		return true
	}
	// a paused task only leaves through Resume
	if from == StatePaused {
		return to == StateDownloading
	}
	if from == StateDownloading && to == StatePaused {
		return true
	}
	return stateRank[to] > stateRank[from]
}

// SegmentState is the lifecycle state of one byte-range sub-fetch.
type SegmentState string

const (
	SegmentQueued SegmentState = "queued"
	SegmentActive SegmentState = "active"
	SegmentDone   SegmentState = "done"
	SegmentFailed SegmentState = "failed"
)

// ByteRange is an inclusive byte range. End is -1 when the resource length is unknown.
type ByteRange struct {
	Start int64
	End   int64
}

// Len returns the number of bytes in the range, or -1 if it is open-ended.
func (r ByteRange) Len() int64 {
	if r.End < 0 {
		return -1
	}
	return r.End - r.Start + 1
}

// RangeHeader renders the Range header value for the part of r that starts offset bytes in.
func (r ByteRange) RangeHeader(offset int64) string {
	return FormatRange(r.Start+offset, r.End)
}

func (r ByteRange) String() string {
	return fmt.Sprintf("[%d,%d]", r.Start, r.End)
}

// FormatRange renders a Range header value; a negative end means "to the end".
func FormatRange(start, end int64) string {
	if end < 0 {
		return fmt.Sprintf("bytes=%d-", start)
	}
	return fmt.Sprintf("bytes=%d-%d", start, end)
}

// ProbeResult is what a metadata-only request tells us about a resource.
type ProbeResult struct {
	TotalSize         int64
	SupportsRanges    bool
	SuggestedFilename string
}

// Source is a fetchable resource. Implementations must be safe for concurrent use.
type Source interface {
	// Probe issues a metadata-only request.
	Probe(ctx context.Context) (ProbeResult, error)
	// Open streams the whole resource without range headers.
	Open(ctx context.Context) (io.ReadCloser, error)
	// OpenRange streams bytes [start, end]; end < 0 reads to the end. It returns
	// ErrRangeIgnored when the server answered with the full resource instead.
	OpenRange(ctx context.Context, start, end int64) (io.ReadCloser, error)
}

// Progress is one observation of a task.
type Progress struct {
	TaskID         string
	Destination    string
	BytesCompleted int64
	TotalSize      int64
	State          State
	Err            error
}

// Observer receives progress updates. Calls for one task arrive from a single goroutine.
type Observer interface {
	OnProgress(p Progress)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(p Progress)

func (f ObserverFunc) OnProgress(p Progress) {
	f(p)
}

// Limiter bounds concurrent segment fetches across tasks.
type Limiter interface {
	Acquire(ctx context.Context, n int64) error
	Release(n int64)
}
