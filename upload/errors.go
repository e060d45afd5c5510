package upload

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyBatch is returned when a batch is created without files.
	ErrEmptyBatch = errors.New("no files to upload")
	// ErrInvalidConcurrency is returned when the concurrency limit is below 1.
	ErrInvalidConcurrency = errors.New("concurrency limit must be at least 1")
	// ErrDuplicateDestination is returned when two files resolve to the same destination path.
	ErrDuplicateDestination = errors.New("duplicate destination path")
	// ErrMissingUploader is returned when a batch is created without an object uploader.
	ErrMissingUploader = errors.New("object uploader must not be nil")
	// ErrInvalidAdmissionRate is returned when the admission rate limit is not positive.
	ErrInvalidAdmissionRate = errors.New("admission rate must be positive")
	// ErrIncomplete is the cause of a failed result when files were left unstarted without a failure or cancellation.
	ErrIncomplete = errors.New("files were not started")
	// ErrBatchReused is returned when Run is called on a batch that has already been run.
	ErrBatchReused = errors.New("batch has already been run")

	errNotStarted = errors.New("transfer not started")
)

// PreconditionError reports caller misuse detected before any transfer is scheduled.
type PreconditionError struct {
	Err    error
	Detail string
}

func (e *PreconditionError) Error() string {
	if e.Detail == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Err, e.Detail)
}

func (e *PreconditionError) Unwrap() error {
	return e.Err
}

// TransferError is the failure of a single file upload. It is never retried.
type TransferError struct {
	Destination string
	Err         error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("upload %s: %s", e.Destination, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Transient reports whether the object store classified the failure as temporary.
func (e *TransferError) Transient() bool {
	var t interface{ Transient() bool }
	if errors.As(e.Err, &t) {
		return t.Transient()
	}
	return false
}
