package seghttp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tanq16/segget/internal/engine"
	"github.com/tanq16/segget/internal/utils"
)

// StatusError is an unexpected HTTP response status.
type StatusError struct {
	Method string
	URL    string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status code %d", e.Method, e.URL, e.Code)
}

// Source fetches one HTTP(S) URL.
type Source struct {
	url    string
	client utils.HTTPDoer
}

func New(link string, client utils.HTTPDoer) (*Source, error) {
	parsedURL, err := url.Parse(link)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %s", parsedURL.Scheme)
	}
	if client == nil {
		client = utils.NewSeggetHTTPClient(utils.HTTPClientConfig{})
	}
	return &Source{url: link, client: client}, nil
}

func (s *Source) URL() string {
	return s.url
}

func (s *Source) Open(ctx context.Context) (io.ReadCloser, error) {
	resp, err := s.do(ctx, http.MethodGet, "")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, s.statusError(http.MethodGet, resp.StatusCode)
	}
	return resp.Body, nil
}

func (s *Source) OpenRange(ctx context.Context, start, end int64) (io.ReadCloser, error) {
	resp, err := s.do(ctx, http.MethodGet, engine.FormatRange(start, end))
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		resp.Body.Close()
		return nil, engine.ErrRangeIgnored
	default:
		resp.Body.Close()
		return nil, s.statusError(http.MethodGet, resp.StatusCode)
	}
	contentRange := resp.Header.Get("Content-Range")
	if contentRange == "" {
		resp.Body.Close()
		return nil, fmt.Errorf("missing Content-Range header")
	}
	gotStart, _, _, err := parseContentRange(contentRange)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}
	if gotStart != start {
		resp.Body.Close()
		return nil, fmt.Errorf("server returned range starting at %d, requested %d", gotStart, start)
	}
	return resp.Body, nil
}

func (s *Source) do(ctx context.Context, method, rangeHeader string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.url, nil)
	if err != nil {
		return nil, engine.Permanent(fmt.Errorf("error creating request: %w", err))
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	req.Header.Set("Connection", "keep-alive")
	return s.client.Do(req)
}

// statusError marks client errors as permanent, except timeouts and throttling.
func (s *Source) statusError(method string, code int) error {
	err := &StatusError{Method: method, URL: s.url, Code: code}
	if code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests {
		return engine.Permanent(err)
	}
	return err
}

// parseContentRange reads "bytes start-end/total"; total is -1 when given as "*".
func parseContentRange(value string) (start, end, total int64, err error) {
	rangeSpec, ok := strings.CutPrefix(strings.TrimSpace(value), "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	rangePart, totalPart, ok := strings.Cut(rangeSpec, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	total = -1
	if totalPart != "*" {
		if total, err = strconv.ParseInt(totalPart, 10, 64); err != nil {
			return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", value)
		}
	}
	startPart, endPart, ok := strings.Cut(rangePart, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	if start, err = strconv.ParseInt(startPart, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	if end, err = strconv.ParseInt(endPart, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	return start, end, total, nil
}
