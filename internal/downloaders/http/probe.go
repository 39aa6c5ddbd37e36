package seghttp

import (
	"context"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/segget/internal/engine"
	"github.com/tanq16/segget/internal/utils"
)

// Probe asks for the resource metadata with HEAD, or with a one-byte ranged GET when
// the server does not allow HEAD.
func (s *Source) Probe(ctx context.Context) (engine.ProbeResult, error) {
	resp, err := s.do(ctx, http.MethodHead, "")
	if err != nil {
		return engine.ProbeResult{}, err
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		log.Debug().Str("op", "http/probe").Str("url", s.url).Int("status", resp.StatusCode).Msg("HEAD rejected, probing with ranged GET")
		return s.probeWithGet(ctx)
	}
	if resp.StatusCode >= 300 {
		return engine.ProbeResult{}, s.statusError(http.MethodHead, resp.StatusCode)
	}
	result := engine.ProbeResult{
		SupportsRanges:    resp.Header.Get("Accept-Ranges") == "bytes",
		SuggestedFilename: filenameFromHeader(resp.Header.Get("Content-Disposition")),
	}
	if size, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil && size > 0 {
		result.TotalSize = size
	}
	return result, nil
}

func (s *Source) probeWithGet(ctx context.Context) (engine.ProbeResult, error) {
	resp, err := s.do(ctx, http.MethodGet, engine.FormatRange(0, 0))
	if err != nil {
		return engine.ProbeResult{}, err
	}
	defer resp.Body.Close()
	result := engine.ProbeResult{SuggestedFilename: filenameFromHeader(resp.Header.Get("Content-Disposition"))}
	switch resp.StatusCode {
	case http.StatusPartialContent:
		if _, _, total, err := parseContentRange(resp.Header.Get("Content-Range")); err == nil && total > 0 {
			result.TotalSize = total
			result.SupportsRanges = true
		}
	case http.StatusOK:
		if resp.ContentLength > 0 {
			result.TotalSize = resp.ContentLength
		}
	default:
		return engine.ProbeResult{}, s.statusError(http.MethodGet, resp.StatusCode)
	}
	// drain the single byte so the connection can be reused
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1))
	return result, nil
}

func filenameFromHeader(contentDisposition string) string {
	if contentDisposition == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentDisposition)
	if err != nil {
		return ""
	}
	// ParseMediaType decodes an RFC 2231 filename* into filename
	return utils.SanitizeFilename(params["filename"])
}
