package upload

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
)

type batchTracker struct {
	tracker analytics.Tracker
}

func newBatchTracker(tracker analytics.Tracker) batchTracker {
	return batchTracker{tracker: tracker}
}

func (t batchTracker) logBatchFinished(batchID string, concurrency int, fileCount int, result BatchResult) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"batch_id":             batchID,
		"result":               result.Kind.String(),
		"file_count":           fileCount,
		"succeeded_count":      result.Succeeded,
		"failed_count":         result.Failed,
		"not_started_count":    result.NotStarted,
		"uploaded_size_bytes":  result.BytesUploaded,
		"upload_time_s":        result.Duration.Truncate(time.Second).Seconds(),
		"concurrency":          concurrency,
		"failure_is_transient": isTransient(result.Cause),
	}
	t.tracker.Enqueue("batch_upload_finished", properties)
}

func (t batchTracker) wait() {
	if t.tracker == nil {
		return
	}
	t.tracker.Wait()
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if transferErr, ok := err.(*TransferError); ok {
		return transferErr.Transient()
	}
	return false
}
