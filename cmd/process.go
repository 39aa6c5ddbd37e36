package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/segget/internal/downloaders"
	segs3 "github.com/tanq16/segget/internal/downloaders/s3"
	"github.com/tanq16/segget/internal/engine"
	"github.com/tanq16/segget/internal/output"
	"github.com/tanq16/segget/internal/scheduler"
	"github.com/tanq16/segget/internal/utils"
)

const shutdownTimeout = 30 * time.Second

var errFailedOperations = errors.New("encountered failed operation(s)")

// runEntries downloads entries through one scheduler and optionally uploads the
// completed files. An interrupt cancels every task so no partial files remain.
func runEntries(entries []utils.DownloadEntry, profile, uploadTarget string) error {
	if uploadTarget != "" {
		if _, _, err := segs3.ParseURL(uploadTarget); err != nil {
			return err
		}
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := utils.NewSeggetHTTPClient(settings.HTTPClientConfig())
	resolver := downloaders.NewResolver(client, profile, nil)
	entries, err := expandEntries(ctx, resolver, entries, settings.OutputDir)
	if err != nil {
		return err
	}

	display := output.NewManager()
	sched := scheduler.New(settings.SchedulerConfig(display), resolver)
	display.StartDisplay()

	var tasks []*engine.Task
	for _, entry := range entries {
		task, err := sched.Submit(ctx, scheduler.Request{URI: entry.URL, Destination: entry.OutputPath})
		if err != nil {
			log.Error().Str("op", "cmd/process").Str("uri", entry.URL).Err(err).Msg("submit failed")
			display.Register(entry.URL, entry.URL)
			display.OnProgress(engine.Progress{TaskID: entry.URL, State: engine.StateFailed, Err: err})
			continue
		}
		display.Register(task.ID, entry.URL)
		tasks = append(tasks, task)
	}

	if err := sched.Wait(ctx); err != nil {
		log.Info().Str("op", "cmd/process").Msg("interrupted, cancelling downloads")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := sched.Shutdown(shutdownCtx); err != nil {
			log.Error().Str("op", "cmd/process").Err(err).Msg("shutdown did not finish")
		}
		cancel()
	}
	uploadFailures := 0
	if uploadTarget != "" && ctx.Err() == nil {
		uploadFailures = uploadCompleted(ctx, resolver, display, tasks, uploadTarget)
	}
	display.StopDisplay()

	if completed, _, _ := display.Counts(); completed < len(entries) || uploadFailures > 0 {
		return errFailedOperations
	}
	return nil
}

// expandEntries turns S3 folder entries into one entry per object and applies the
// default output directory.
func expandEntries(ctx context.Context, resolver *downloaders.Resolver, entries []utils.DownloadEntry, outputDir string) ([]utils.DownloadEntry, error) {
	var expanded []utils.DownloadEntry
	for _, entry := range entries {
		if entry.OutputPath == "" && outputDir != "" {
			entry.OutputPath = outputDir + string(os.PathSeparator)
		}
		if entry.Type != "s3" || !segs3.IsFolder(entry.URL) {
			expanded = append(expanded, entry)
			continue
		}
		api, err := resolver.S3Client(ctx)
		if err != nil {
			return nil, err
		}
		objects, err := folderEntries(ctx, api, entry)
		if err != nil {
			return nil, err
		}
		expanded = append(expanded, objects...)
	}
	return expanded, nil
}

func folderEntries(ctx context.Context, api segs3.ObjectAPI, entry utils.DownloadEntry) ([]utils.DownloadEntry, error) {
	bucket, prefix, err := segs3.ParseURL(entry.URL)
	if err != nil {
		return nil, err
	}
	objects, err := segs3.ListObjects(ctx, api, bucket, prefix)
	if err != nil {
		return nil, err
	}
	if len(objects) == 0 {
		return nil, fmt.Errorf("no objects found under %s", entry.URL)
	}
	base := entry.OutputPath
	if base == "" {
		base = filepath.Base(strings.TrimSuffix(prefix, "/"))
		if prefix == "" {
			base = bucket
		}
	}
	entries := make([]utils.DownloadEntry, 0, len(objects))
	for _, obj := range objects {
		rel := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(obj.Key, prefix)))
		if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, fmt.Errorf("object key %q escapes the output directory", obj.Key)
		}
		entries = append(entries, utils.DownloadEntry{
			URL:        fmt.Sprintf("s3://%s/%s", bucket, obj.Key),
			OutputPath: filepath.Join(base, rel),
			Type:       "s3",
		})
	}
	log.Debug().Str("op", "cmd/process").Str("uri", entry.URL).Int("objects", len(entries)).Msg("expanded S3 folder")
	return entries, nil
}

// uploadCompleted returns the number of failed uploads.
func uploadCompleted(ctx context.Context, resolver *downloaders.Resolver, display *output.Manager, tasks []*engine.Task, target string) int {
	api, err := resolver.S3Client(ctx)
	if err != nil {
		log.Error().Str("op", "cmd/upload").Err(err).Msg("no S3 client for upload")
		return len(tasks)
	}
	uploader, ok := api.(manager.UploadAPIClient)
	if !ok {
		log.Error().Str("op", "cmd/upload").Msg("S3 client cannot upload")
		return len(tasks)
	}
	failures := 0
	for _, task := range tasks {
		if task.State() != engine.StateCompleted {
			continue
		}
		display.SetMessage(task.ID, "Uploading "+task.Destination())
		uploaded, err := segs3.Upload(ctx, uploader, task.Destination(), target)
		if err != nil {
			display.ReportError(task.ID, err)
			failures++
			continue
		}
		display.SetMessage(task.ID, fmt.Sprintf("Completed %s (uploaded to %s)", task.Destination(), uploaded))
	}
	return failures
}
