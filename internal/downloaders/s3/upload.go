package s3

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// Upload copies a completed local file to s3://bucket/prefix/<file name> and returns the
// object URL.
func Upload(ctx context.Context, api manager.UploadAPIClient, localPath, destination string) (string, error) {
	bucket, prefix, err := ParseURL(destination)
	if err != nil {
		return "", err
	}
	key := filepath.Base(localPath)
	if prefix != "" {
		key = path.Join(strings.TrimSuffix(prefix, "/"), key)
	}
	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("error opening file: %w", err)
	}
	defer file.Close()

	uploader := manager.NewUploader(api, func(u *manager.Uploader) {
		u.Concurrency = manager.DefaultUploadConcurrency
	})
	if _, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   file,
	}); err != nil {
		return "", fmt.Errorf("error uploading %s: %w", localPath, err)
	}
	target := fmt.Sprintf("s3://%s/%s", bucket, key)
	log.Info().Str("op", "s3/upload").Str("path", localPath).Str("target", target).Msg("upload complete")
	return target, nil
}
