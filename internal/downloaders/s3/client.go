package s3

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectAPI is the part of the S3 client the source needs.
type ObjectAPI interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type Object struct {
	Key  string
	Size int64
}

func NewClient(ctx context.Context, profile string) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRetryMode(aws.RetryModeAdaptive)}
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("error loading AWS config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

// ParseURL splits s3://bucket/key. The key may be empty.
func ParseURL(link string) (string, string, error) {
	rest, ok := strings.CutPrefix(link, "s3://")
	if !ok {
		return "", "", fmt.Errorf("invalid S3 URL format: %s", link)
	}
	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("invalid S3 URL format: %s", link)
	}
	return bucket, key, nil
}

// IsFolder reports whether an S3 URL names a prefix rather than one object.
func IsFolder(link string) bool {
	_, key, err := ParseURL(link)
	return err == nil && (key == "" || strings.HasSuffix(key, "/"))
}

// ListObjects returns every object under prefix, skipping folder placeholders.
func ListObjects(ctx context.Context, api ObjectAPI, bucket, prefix string) ([]Object, error) {
	var objects []Object
	paginator := s3.NewListObjectsV2Paginator(api, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("error listing objects: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil || obj.Size == nil {
				continue
			}
			if *obj.Size == 0 && strings.HasSuffix(*obj.Key, "/") {
				continue
			}
			objects = append(objects, Object{Key: *obj.Key, Size: *obj.Size})
		}
	}
	return objects, nil
}
