package engine

import (
	"errors"
	"fmt"
)

var (
	ErrProbeFailed            = errors.New("probe failed")
	ErrSegmentFetchFailed     = errors.New("segment fetch failed")
	ErrMergeIntegrity         = errors.New("merge integrity check failed")
	ErrUnsupportedRangeServer = errors.New("server does not support range requests")
	ErrRangeIgnored           = errors.New("server ignored range request")
	ErrSegmentStalled         = errors.New("segment stalled")
	ErrCancelled              = errors.New("task cancelled")
	ErrTaskFinished           = errors.New("task already finished")
	ErrInvalidTransition      = errors.New("invalid state transition")

	errPaused = errors.New("segment paused")
)

// MergeIntegrityError reports a merged file whose size differs from the probed size.
type MergeIntegrityError struct {
	Path     string
	Expected int64
	Actual   int64
}

func (e *MergeIntegrityError) Error() string {
	return fmt.Sprintf("%v: %s has %d bytes, expected %d", ErrMergeIntegrity, e.Path, e.Actual, e.Expected)
}

func (e *MergeIntegrityError) Is(target error) bool {
	return target == ErrMergeIntegrity
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so that RetryPolicy.Do gives up on it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
