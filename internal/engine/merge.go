package engine

import (
	"fmt"
	"io"
	"os"

	"github.com/tanq16/segget/internal/utils"
)

// merge joins the segments of p and checks the result against the probed size.
// On a mismatch the staging file is removed and the part files are kept.
func merge(p *plan) (string, int64, error) {
	merged, size, err := mergeSegments(utils.StagingPath(p.dest), p.segments)
	if err != nil {
		return "", size, err
	}
	if p.total > 0 && size != p.total {
		if len(p.segments) > 1 {
			os.Remove(merged)
		}
		return "", size, &MergeIntegrityError{Path: p.dest, Expected: p.total, Actual: size}
	}
	return merged, size, nil
}

// mergeSegments concatenates the part files in range order into staging and returns the
// number of bytes written. A single segment is not copied; its part file is the result.
func mergeSegments(staging string, segments []*Segment) (string, int64, error) {
	if len(segments) == 1 {
		info, err := os.Stat(segments[0].TempPath)
		if err != nil {
			return "", 0, err
		}
		return segments[0].TempPath, info.Size(), nil
	}
	out, err := os.OpenFile(staging, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", 0, fmt.Errorf("error creating staging file: %w", err)
	}
	var written int64
	for _, seg := range segments {
		n, err := appendFile(out, seg.TempPath)
		written += n
		if err != nil {
			out.Close()
			return "", written, fmt.Errorf("error merging segment %d: %w", seg.ID, err)
		}
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return "", written, err
	}
	if err := out.Close(); err != nil {
		return "", written, err
	}
	return staging, written, nil
}

func appendFile(dst io.Writer, path string) (int64, error) {
	in, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	return io.Copy(dst, in)
}
