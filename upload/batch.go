package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// DefaultConcurrency is the number of parallel transfers used when none is configured.
const DefaultConcurrency = 5

// State is the lifecycle phase of a Batch.
type State int

const (
	// StateIdle is the state of a new batch.
	StateIdle State = iota
	// StateRunning is entered when the first file is admitted.
	StateRunning
	// StateCompleted is terminal. A completed batch can not be run again.
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// BatchParams describes one upload action.
type BatchParams struct {
	Files  []FileHandle
	Target Target
	// Concurrency is the maximum number of files uploading at the same time.
	Concurrency int
}

// Option configures a Batch.
type Option func(*Batch)

// WithAdmissionRate paces the start of transfers. Waiting for the limiter is interrupted by cancellation
// and by the first failure. The limit must be positive; use rate.Inf for no pacing.
func WithAdmissionRate(limit rate.Limit, burst int) Option {
	return func(b *Batch) {
		if burst < 1 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithTracker sends a batch_upload_finished analytics event when the batch completes.
func WithTracker(tracker analytics.Tracker) Option {
	return func(b *Batch) {
		b.tracker = newBatchTracker(tracker)
	}
}

// WithID overrides the generated batch id.
func WithID(id string) Option {
	return func(b *Batch) {
		b.id = id
	}
}

// Batch uploads a set of files with at most Concurrency transfers in flight.
//
// The first failed transfer stops the admission of new files, transfers already in flight
// finish and their outcome is recorded. Cancellation also stops admissions without
// interrupting in-flight calls, and takes precedence over failures.
type Batch struct {
	id          string
	target      Target
	concurrency int
	uploader    ObjectUploader
	logger      log.Logger
	limiter     *rate.Limiter
	tracker     batchTracker
	// stopWaiting interrupts workers waiting for the limiter. Set by Run.
	stopWaiting context.CancelFunc
	stats       *Stats

	units  []*transferUnit
	status *StatusMap

	mu           sync.Mutex
	claimed      bool
	state        State
	next         int
	stopped      bool
	firstFailure *transferUnit
	firstErr     error
	succeeded    int
	failed       int
	bytes        int64
}

// NewBatch validates the parameters and creates an idle batch with every file queued.
// Invalid parameters are reported as *PreconditionError.
func NewBatch(params BatchParams, uploader ObjectUploader, logger log.Logger, opts ...Option) (*Batch, error) {
	if uploader == nil {
		return nil, &PreconditionError{Err: ErrMissingUploader}
	}
	if len(params.Files) == 0 {
		return nil, &PreconditionError{Err: ErrEmptyBatch}
	}
	if params.Concurrency < 1 {
		return nil, &PreconditionError{Err: ErrInvalidConcurrency, Detail: fmt.Sprintf("got %d", params.Concurrency)}
	}

	units := make([]*transferUnit, 0, len(params.Files))
	destinations := make([]string, 0, len(params.Files))
	seen := make(map[string]bool, len(params.Files))
	for i, file := range params.Files {
		destination := DestinationPath(params.Target.Prefix, file)
		if seen[destination] {
			return nil, &PreconditionError{Err: ErrDuplicateDestination, Detail: destination}
		}
		seen[destination] = true

		units = append(units, &transferUnit{
			index:       i,
			file:        file,
			destination: destination,
		})
		destinations = append(destinations, destination)
	}

	if logger == nil {
		logger = log.NewLogger()
	}

	b := &Batch{
		id:          uuid.New().String(),
		target:      params.Target,
		concurrency: params.Concurrency,
		uploader:    uploader,
		logger:      logger,
		stats:       NewStats(),
		units:       units,
		status:      newStatusMap(destinations),
		state:       StateIdle,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.limiter != nil && b.limiter.Limit() <= 0 {
		return nil, &PreconditionError{Err: ErrInvalidAdmissionRate, Detail: fmt.Sprintf("got %v", b.limiter.Limit())}
	}
	return b, nil
}

// ID returns the batch id used in logs and analytics events.
func (b *Batch) ID() string {
	return b.id
}

// State returns the current lifecycle state.
func (b *Batch) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Destinations returns the destination paths in the order the files were given.
func (b *Batch) Destinations() []string {
	destinations := make([]string, len(b.units))
	for i, u := range b.units {
		destinations[i] = u.destination
	}
	return destinations
}

// StatusSnapshot returns a copy of the latest status of every file. It never waits for network calls.
func (b *Batch) StatusSnapshot() map[string]TransferStatus {
	return b.status.Snapshot()
}

// Status returns the live status map.
func (b *Batch) Status() *StatusMap {
	return b.status
}

// Run uploads the files and returns the aggregate result. A nil token is replaced with a fresh one.
// Cancelling ctx signals the token. Upload calls receive a context that carries the values of ctx
// but is not cancelled with it, so that in-flight calls finish.
//
// The returned error is ErrBatchReused when the batch has already been run; upload failures are
// reported in the BatchResult.
func (b *Batch) Run(ctx context.Context, token *CancelToken) (BatchResult, error) {
	b.mu.Lock()
	if b.claimed {
		b.mu.Unlock()
		return BatchResult{}, ErrBatchReused
	}
	b.claimed = true
	b.mu.Unlock()

	if token == nil {
		token = NewCancelToken()
	}

	finished := make(chan struct{})
	defer close(finished)

	waitCtx, cancelWait := context.WithCancel(context.Background())
	defer cancelWait()
	b.mu.Lock()
	b.stopWaiting = cancelWait
	b.mu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
			b.logger.Warnf("Context done (%s), cancelling batch %s", ctx.Err(), b.id)
			token.Cancel()
			cancelWait()
		case <-token.Done():
			cancelWait()
		case <-finished:
		}
	}()

	callCtx := context.WithoutCancel(ctx)

	files := make([]FileHandle, len(b.units))
	for i, u := range b.units {
		files[i] = u.file
	}
	b.logger.Infof("%s, %d in parallel (batch %s)", Summarize(files), b.concurrency, b.id)

	start := time.Now()
	workers := b.concurrency
	if workers > len(b.units) {
		workers = len(b.units)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.work(callCtx, waitCtx, token)
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		token.Cancel()
	}

	result := b.complete(token, time.Since(start))
	b.logResult(result)

	b.tracker.logBatchFinished(b.id, b.concurrency, len(b.units), result)
	b.tracker.wait()

	return result, nil
}

func (b *Batch) work(callCtx, waitCtx context.Context, token *CancelToken) {
	for {
		if b.limiter != nil && b.hasPending(token) {
			if err := b.limiter.Wait(waitCtx); err != nil {
				return
			}
		}

		unit, ok := b.admit(token)
		if !ok {
			return
		}

		start := time.Now()
		err := unit.execute(callCtx, token, b.target, b.uploader, b.status, b.logger)
		b.record(unit, err, time.Since(start))
	}
}

func (b *Batch) hasPending(token *CancelToken) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.stopped && !token.Cancelled() && b.next < len(b.units)
}

// admit takes the next pending unit unless a stop condition fired.
func (b *Batch) admit(token *CancelToken) (*transferUnit, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped || token.Cancelled() || b.next >= len(b.units) {
		return nil, false
	}

	unit := b.units[b.next]
	b.next++
	if b.state == StateIdle {
		b.state = StateRunning
	}

	b.logger.Debugf("Admitting %s (%d/%d)", unit.destination, b.next, len(b.units))
	return unit, true
}

// record stores the outcome of a unit. Status and failure bookkeeping change together.
func (b *Batch) record(unit *transferUnit, err error, took time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if errors.Is(err, errNotStarted) {
		b.logger.Debugf("Skipped %s, batch cancelled before the upload started", unit.destination)
		return
	}

	b.status.finish(unit.destination, err)
	b.stats.Update(took)

	if err != nil {
		b.failed++
		if b.firstFailure == nil || unit.index < b.firstFailure.index {
			b.firstFailure = unit
			b.firstErr = err
		}
		b.logger.Warnf("%s", err)
		if !b.stopped {
			b.stopped = true
			if b.stopWaiting != nil {
				b.stopWaiting()
			}
			b.logger.Warnf("Not starting further uploads, waiting for in-flight uploads to finish")
		}
		return
	}

	b.succeeded++
	b.bytes += unit.file.Size()
	b.logger.Debugf("Uploaded %s in %s [finished=%d] [avg=%s]",
		unit.destination, took.Round(time.Millisecond), b.stats.FinishedCount(), b.stats.Average().Round(time.Millisecond))
}

func (b *Batch) complete(token *CancelToken, took time.Duration) BatchResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateCompleted

	result := BatchResult{
		Succeeded:     b.succeeded,
		Failed:        b.failed,
		NotStarted:    len(b.units) - b.succeeded - b.failed,
		BytesUploaded: b.bytes,
		Duration:      took,
	}

	switch {
	case token.Cancelled():
		result.Kind = ResultCancelled
	case b.firstErr != nil:
		result.Kind = ResultFailed
		result.Cause = b.firstErr
	case b.succeeded == len(b.units):
		result.Kind = ResultAllSucceeded
	default:
		result.Kind = ResultFailed
		result.Cause = fmt.Errorf("%w: %d of %d files", ErrIncomplete, result.NotStarted, len(b.units))
	}
	return result
}

func (b *Batch) logResult(result BatchResult) {
	b.logger.Println()
	switch result.Kind {
	case ResultAllSucceeded:
		b.logger.Donef("%d files (%s) uploaded in %s", result.Succeeded, HumanSize(result.BytesUploaded), result.Duration.Round(time.Second))
	case ResultCancelled:
		b.logger.Warnf("Upload cancelled: %d uploaded, %d failed, %d not started", result.Succeeded, result.Failed, result.NotStarted)
	case ResultFailed:
		b.logger.Errorf("Upload failed: %s", result.Cause)
		b.logger.Errorf("%d uploaded, %d failed, %d not started", result.Succeeded, result.Failed, result.NotStarted)
	}
}
