// Command batchupload uploads the files of a local directory to an object store.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitrise-io/go-batchupload/analytics"
	"github.com/bitrise-io/go-batchupload/stepconf"
	"github.com/bitrise-io/go-batchupload/upload"
	"github.com/bitrise-io/go-batchupload/upload/fileset"
	"github.com/bitrise-io/go-batchupload/upload/objectstore"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"golang.org/x/time/rate"
)

const (
	exitFailed    = 1
	exitCancelled = 2

	renderInterval = time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := log.NewLogger()
	envRepo := env.NewRepository()

	cfg, err := parseConfig(envRepo)
	if err != nil {
		logger.Errorf("%s", err)
		return exitFailed
	}
	stepconf.Print(cfg)
	logger.EnableDebugLog(cfg.Verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	files, err := fileset.NewCollector(logger).Collect(cfg.SourceDir, cfg.Patterns)
	if err != nil {
		logger.Errorf("Failed to collect files: %s", err)
		return exitFailed
	}
	files = excludeFiles(files, cfg.Exclude, logger)
	if len(files) == 0 {
		logger.Warnf("No files to upload")
		return 0
	}

	logger.Println()
	logger.Infof("%s", upload.Summarize(files))

	uploader, wipID, err := newUploader(ctx, cfg, logger)
	if err != nil {
		logger.Errorf("%s", err)
		return exitFailed
	}

	batch, err := upload.NewBatch(upload.BatchParams{
		Files: files,
		Target: upload.Target{
			Container:        cfg.Container,
			Branch:           cfg.Branch,
			Prefix:           cfg.TargetPrefix,
			WorkInProgressID: wipID,
		},
		Concurrency: cfg.Concurrency,
	}, uploader, logger, batchOptions(cfg, envRepo, logger)...)
	if err != nil {
		logger.Errorf("%s", err)
		return exitFailed
	}

	renderer := newStatusRenderer(os.Stdout, batch, cfg.Container, destinationSizes(cfg.TargetPrefix, files))
	stopRendering := renderer.start(renderInterval)

	result, err := batch.Run(ctx, upload.NewCancelToken())
	stopRendering()
	renderer.render()
	if err != nil {
		logger.Errorf("%s", err)
		return exitFailed
	}

	switch result.Kind {
	case upload.ResultFailed:
		if objectstore.IsTransient(result.Cause) {
			logger.Warnf("The failure looks temporary, running the upload again may succeed")
		}
		return exitFailed
	case upload.ResultCancelled:
		return exitCancelled
	default:
		return 0
	}
}

// excludeFiles drops the listed paths, relative to the source directory, from the selection.
func excludeFiles(files []upload.FileHandle, excludes []string, logger log.Logger) []upload.FileHandle {
	for _, path := range excludes {
		if path == "" {
			continue
		}
		kept := upload.Without(files, path)
		if len(kept) == len(files) {
			logger.Warnf("Excluded file not in selection: %s", path)
		} else {
			logger.Debugf("Excluded: %s", path)
		}
		files = kept
	}
	return files
}

func newUploader(ctx context.Context, cfg Config, logger log.Logger) (upload.ObjectUploader, string, error) {
	switch cfg.Store {
	case storeS3:
		store, err := objectstore.NewS3Store(ctx, objectstore.S3Params{
			Region:           cfg.AWSRegion,
			AccessKeyID:      string(cfg.AWSAccessKeyID),
			SecretAccessKey:  string(cfg.AWSSecretAccessKey),
			Endpoint:         cfg.S3Endpoint,
			CompressionLevel: cfg.CompressionLevel,
		}, logger)
		if err != nil {
			return nil, "", fmt.Errorf("create s3 store: %w", err)
		}
		return store, cfg.WorkInProgressID, nil
	default:
		store := objectstore.NewHTTPStore(cfg.APIBaseURL, string(cfg.APIToken), logger)
		wipID, err := resolveWorkInProgress(ctx, store, cfg)
		if err != nil {
			return nil, "", err
		}
		return store, wipID, nil
	}
}

type workInProgressChecker interface {
	CheckWorkInProgress(ctx context.Context, container, branch string) (objectstore.WorkInProgress, error)
}

// resolveWorkInProgress returns the change set uploads are recorded into. A configured id must match the open one.
func resolveWorkInProgress(ctx context.Context, checker workInProgressChecker, cfg Config) (string, error) {
	wip, err := checker.CheckWorkInProgress(ctx, cfg.Container, cfg.Branch)
	if errors.Is(err, objectstore.ErrWorkInProgressNotFound) {
		if cfg.WorkInProgressID != "" {
			return "", fmt.Errorf("work in progress %s not found on %s", cfg.WorkInProgressID, cfg.Branch)
		}
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("check work in progress: %w", err)
	}
	if cfg.WorkInProgressID != "" && wip.ID != cfg.WorkInProgressID {
		return "", fmt.Errorf("work in progress %s is not open on %s (open: %s)", cfg.WorkInProgressID, cfg.Branch, wip.ID)
	}
	return wip.ID, nil
}

func batchOptions(cfg Config, envRepo env.Repository, logger log.Logger) []upload.Option {
	var opts []upload.Option
	if cfg.AdmissionRate > 0 {
		opts = append(opts, upload.WithAdmissionRate(rate.Limit(cfg.AdmissionRate), 1))
	}

	tracker, err := analytics.NewDefaultBatchTracker(envRepo, logger)
	if err != nil {
		logger.Debugf("Analytics disabled: %s", err)
	} else {
		opts = append(opts, upload.WithTracker(tracker))
	}
	return opts
}
