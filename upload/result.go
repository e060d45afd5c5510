package upload

import (
	"fmt"
	"time"
)

// ResultKind is the terminal outcome of a batch.
type ResultKind int

const (
	// ResultAllSucceeded means every file was uploaded.
	ResultAllSucceeded ResultKind = iota
	// ResultFailed means at least one upload failed and no cancellation happened.
	ResultFailed
	// ResultCancelled means the batch was cancelled by the caller.
	ResultCancelled
)

func (k ResultKind) String() string {
	switch k {
	case ResultAllSucceeded:
		return "succeeded"
	case ResultFailed:
		return "failed"
	case ResultCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("ResultKind(%d)", int(k))
	}
}

// BatchResult is produced once per Run.
type BatchResult struct {
	Kind ResultKind
	// Cause is the failure of the earliest admitted failing file. Set only for ResultFailed.
	Cause error

	Succeeded  int
	Failed     int
	NotStarted int
	// BytesUploaded is the summed size of the succeeded files.
	BytesUploaded int64
	Duration      time.Duration
}

func (r BatchResult) String() string {
	s := fmt.Sprintf("%s (%d succeeded, %d failed, %d not started)", r.Kind, r.Succeeded, r.Failed, r.NotStarted)
	if r.Cause != nil {
		s += ": " + r.Cause.Error()
	}
	return s
}
