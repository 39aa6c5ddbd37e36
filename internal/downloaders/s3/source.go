package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/tanq16/segget/internal/engine"
	"github.com/tanq16/segget/internal/utils"
)

// Source fetches one S3 object with ranged GetObject calls.
type Source struct {
	api    ObjectAPI
	bucket string
	key    string
}

func New(api ObjectAPI, link string) (*Source, error) {
	bucket, key, err := ParseURL(link)
	if err != nil {
		return nil, err
	}
	if key == "" || strings.HasSuffix(key, "/") {
		return nil, fmt.Errorf("s3://%s/%s is a prefix, not an object", bucket, key)
	}
	return &Source{api: api, bucket: bucket, key: key}, nil
}

func (s *Source) Probe(ctx context.Context) (engine.ProbeResult, error) {
	head, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return engine.ProbeResult{}, classify(fmt.Errorf("error getting object info for s3://%s/%s: %w", s.bucket, s.key, err))
	}
	result := engine.ProbeResult{
		SupportsRanges:    true,
		SuggestedFilename: utils.SanitizeFilename(path.Base(s.key)),
	}
	if head.ContentLength != nil {
		result.TotalSize = *head.ContentLength
	}
	return result, nil
}

func (s *Source) Open(ctx context.Context) (io.ReadCloser, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return nil, classify(fmt.Errorf("error getting object: %w", err))
	}
	return out.Body, nil
}

func (s *Source) OpenRange(ctx context.Context, start, end int64) (io.ReadCloser, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
		Range:  aws.String(engine.FormatRange(start, end)),
	})
	if err != nil {
		return nil, classify(fmt.Errorf("error getting object range: %w", err))
	}
	if out.ContentRange == nil {
		out.Body.Close()
		return nil, engine.ErrRangeIgnored
	}
	if got := rangeStart(*out.ContentRange); got != start {
		out.Body.Close()
		return nil, fmt.Errorf("object range starts at %d, requested %d", got, start)
	}
	return out.Body, nil
}

// classify marks missing objects and denied access as permanent.
func classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket", "AccessDenied", "Forbidden", "InvalidRange":
			return engine.Permanent(err)
		}
	}
	return err
}

func rangeStart(contentRange string) int64 {
	rangeSpec := strings.TrimPrefix(contentRange, "bytes ")
	first, _, _ := strings.Cut(rangeSpec, "-")
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return -1
	}
	return start
}
