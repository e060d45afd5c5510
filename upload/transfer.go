package upload

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// ObjectUploader stores one object per call. Implementations decide about timeouts;
// the batch never retries a failed call.
type ObjectUploader interface {
	UploadObject(ctx context.Context, container, branch, path string, content io.Reader, workInProgressID string) error
}

// Target identifies where the files of a batch are uploaded to.
type Target struct {
	Container string
	Branch    string
	// Prefix is prepended to every file path to build its destination.
	Prefix string
	// WorkInProgressID is passed unchanged to every upload call.
	WorkInProgressID string
}

// transferUnit uploads one file.
type transferUnit struct {
	index       int
	file        FileHandle
	destination string
}

// execute performs the single upload call of the unit. It returns errNotStarted without
// calling the store when the token was cancelled before the call could begin.
func (u *transferUnit) execute(ctx context.Context, token *CancelToken, target Target, uploader ObjectUploader, status *StatusMap, logger log.Logger) error {
	if !status.begin(u.destination, token) {
		return errNotStarted
	}

	if err := u.upload(ctx, target, uploader, status, logger); err != nil {
		return &TransferError{Destination: u.destination, Err: err}
	}
	return nil
}

func (u *transferUnit) upload(ctx context.Context, target Target, uploader ObjectUploader, status *StatusMap, logger log.Logger) error {
	content, err := u.file.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", u.file.Path(), err)
	}
	defer func() {
		if err := content.Close(); err != nil {
			logger.Warnf("Failed to close %s: %s", u.file.Path(), err)
		}
	}()

	reader := newProgressReader(content, u.file.Size(), func(percent int) {
		status.progress(u.destination, percent)
	})

	start := time.Now()
	err = uploader.UploadObject(ctx, target.Container, target.Branch, u.destination, reader, target.WorkInProgressID)
	logger.Debugf("Upload call for %s returned after %s", u.destination, time.Since(start).Round(time.Millisecond))
	return err
}
