package downloaders

import (
	"context"
	"fmt"
	"sync"

	seghttp "github.com/tanq16/segget/internal/downloaders/http"
	segs3 "github.com/tanq16/segget/internal/downloaders/s3"
	"github.com/tanq16/segget/internal/engine"
	"github.com/tanq16/segget/internal/utils"
)

// Resolver maps a URI to the source that can fetch it.
type Resolver struct {
	HTTPClient utils.HTTPDoer
	S3Profile  string

	mu       sync.Mutex
	s3Client segs3.ObjectAPI
}

// NewResolver builds a resolver. s3Client may be nil; a client for S3Profile is then
// created on first use.
func NewResolver(httpClient utils.HTTPDoer, s3Profile string, s3Client segs3.ObjectAPI) *Resolver {
	return &Resolver{HTTPClient: httpClient, S3Profile: s3Profile, s3Client: s3Client}
}

func (r *Resolver) Resolve(ctx context.Context, uri string) (engine.Source, error) {
	switch utils.DetermineDownloadType(uri) {
	case "http":
		return seghttp.New(uri, r.HTTPClient)
	case "s3":
		client, err := r.S3Client(ctx)
		if err != nil {
			return nil, err
		}
		return segs3.New(client, uri)
	}
	return nil, fmt.Errorf("unsupported URI: %s", uri)
}

func (r *Resolver) S3Client(ctx context.Context) (segs3.ObjectAPI, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.s3Client != nil {
		return r.s3Client, nil
	}
	client, err := segs3.NewClient(ctx, r.S3Profile)
	if err != nil {
		return nil, err
	}
	r.s3Client = client
	return client, nil
}
