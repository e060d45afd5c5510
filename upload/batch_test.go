package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

const eventually = 5 * time.Second
const tick = 5 * time.Millisecond

type runOutcome struct {
	result BatchResult
	err    error
}

func runAsync(b *Batch, ctx context.Context, token *CancelToken) <-chan runOutcome {
	done := make(chan runOutcome, 1)
	go func() {
		result, err := b.Run(ctx, token)
		done <- runOutcome{result: result, err: err}
	}()
	return done
}

func waitRun(t *testing.T, done <-chan runOutcome) runOutcome {
	t.Helper()
	select {
	case out := <-done:
		return out
	case <-time.After(eventually):
		t.Fatal("batch did not complete")
		return runOutcome{}
	}
}

func newTestBatch(t *testing.T, files []FileHandle, concurrency int, uploader *fakeUploader, opts ...Option) *Batch {
	t.Helper()
	b, err := NewBatch(BatchParams{
		Files:       files,
		Target:      Target{Container: "repo", Branch: "main", WorkInProgressID: "wip-1"},
		Concurrency: concurrency,
	}, uploader, log.NewLogger(), opts...)
	require.NoError(t, err)
	uploader.status = b.Status()
	return b
}

func TestBatch_AllSucceed(t *testing.T) {
	files := memFiles(7)
	uploader := newFakeUploader()
	for _, f := range files {
		uploader.on(f.Path(), func(ctx context.Context) error {
			time.Sleep(10 * time.Millisecond)
			return nil
		})
	}
	b := newTestBatch(t, files, 3, uploader)
	assert.Equal(t, StateIdle, b.State())

	result, err := b.Run(context.Background(), NewCancelToken())
	require.NoError(t, err)

	assert.Equal(t, ResultAllSucceeded, result.Kind)
	assert.NoError(t, result.Cause)
	assert.Equal(t, 7, result.Succeeded)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 0, result.NotStarted)
	assert.Equal(t, TotalSize(files), result.BytesUploaded)
	assert.Equal(t, StateCompleted, b.State())

	snapshot := b.StatusSnapshot()
	require.Len(t, snapshot, 7)
	for dest, status := range snapshot {
		assert.Equal(t, StatusDone, status.Kind, dest)
	}

	assert.LessOrEqual(t, uploader.maxInFlight, 3)
	assert.LessOrEqual(t, uploader.maxUploading, 3)
	assert.Equal(t, 7, uploader.callCount())
	for _, f := range files {
		assert.Equal(t, int(f.Size()), len(uploader.received[f.Path()]))
	}
	for _, wip := range uploader.wipIDs {
		assert.Equal(t, "wip-1", wip)
	}
}

func TestBatch_ConcurrencyBound(t *testing.T) {
	for _, limit := range []int{1, 2, 4, 16} {
		t.Run(fmt.Sprintf("limit %d", limit), func(t *testing.T) {
			files := memFiles(12)
			uploader := newFakeUploader()
			for _, f := range files {
				uploader.on(f.Path(), func(ctx context.Context) error {
					time.Sleep(2 * time.Millisecond)
					return nil
				})
			}
			b := newTestBatch(t, files, limit, uploader)

			result, err := b.Run(context.Background(), nil)
			require.NoError(t, err)
			assert.Equal(t, ResultAllSucceeded, result.Kind)
			assert.LessOrEqual(t, uploader.maxInFlight, limit)
			assert.LessOrEqual(t, uploader.maxUploading, limit)
		})
	}
}

func TestBatch_StopsAdmittingAfterFirstFailure(t *testing.T) {
	files := memFiles(5)
	uploader := newFakeUploader()
	releaseFirst := make(chan struct{})
	uploadErr := errors.New("500 internal error")
	uploader.on("file1.txt", blockUntil(releaseFirst))
	uploader.on("file2.txt", failWith(uploadErr))
	b := newTestBatch(t, files, 2, uploader)

	done := runAsync(b, context.Background(), NewCancelToken())

	require.Eventually(t, func() bool {
		s, _ := b.Status().Get("file2.txt")
		return s.Kind == StatusFailed
	}, eventually, tick)

	s, _ := b.Status().Get("file1.txt")
	assert.Equal(t, StatusUploading, s.Kind)
	close(releaseFirst)

	out := waitRun(t, done)
	require.NoError(t, out.err)

	assert.Equal(t, ResultFailed, out.result.Kind)
	var transferErr *TransferError
	require.ErrorAs(t, out.result.Cause, &transferErr)
	assert.Equal(t, "file2.txt", transferErr.Destination)
	assert.ErrorIs(t, out.result.Cause, uploadErr)

	snapshot := b.StatusSnapshot()
	assert.Equal(t, StatusDone, snapshot["file1.txt"].Kind)
	assert.Equal(t, StatusFailed, snapshot["file2.txt"].Kind)
	assert.ErrorIs(t, snapshot["file2.txt"].Cause, uploadErr)
	for _, name := range []string{"file3.txt", "file4.txt", "file5.txt"} {
		assert.Equal(t, StatusQueued, snapshot[name].Kind, name)
		assert.False(t, uploader.called(name), name)
	}
	assert.Equal(t, 1, out.result.Succeeded)
	assert.Equal(t, 1, out.result.Failed)
	assert.Equal(t, 3, out.result.NotStarted)
}

func TestBatch_FirstFailureByAdmissionOrder(t *testing.T) {
	files := memFiles(2)
	uploader := newFakeUploader()
	releaseFirst := make(chan struct{})
	firstErr := errors.New("first admitted")
	secondErr := errors.New("second admitted")
	uploader.on("file1.txt", func(ctx context.Context) error {
		<-releaseFirst
		return firstErr
	})
	uploader.on("file2.txt", failWith(secondErr))
	b := newTestBatch(t, files, 2, uploader)

	done := runAsync(b, context.Background(), nil)
	require.Eventually(t, func() bool {
		s, _ := b.Status().Get("file2.txt")
		return s.Kind == StatusFailed
	}, eventually, tick)
	close(releaseFirst)

	out := waitRun(t, done)
	assert.Equal(t, ResultFailed, out.result.Kind)
	assert.ErrorIs(t, out.result.Cause, firstErr)
	assert.Equal(t, 2, out.result.Failed)
}

func TestBatch_CancelWhileInFlight(t *testing.T) {
	files := memFiles(10)
	uploader := newFakeUploader()
	gate := make(chan struct{})
	for _, f := range files[2:] {
		uploader.on(f.Path(), blockUntil(gate))
	}
	b := newTestBatch(t, files, 4, uploader)
	token := NewCancelToken()

	done := runAsync(b, context.Background(), token)

	require.Eventually(t, func() bool {
		return b.Status().Count(StatusDone) == 2 && b.Status().Count(StatusUploading) == 4
	}, eventually, tick)

	token.Cancel()
	close(gate)

	out := waitRun(t, done)
	require.NoError(t, out.err)
	assert.Equal(t, ResultCancelled, out.result.Kind)
	assert.NoError(t, out.result.Cause)

	snapshot := b.StatusSnapshot()
	terminal := 0
	for _, f := range files[:6] {
		assert.True(t, snapshot[f.Path()].IsTerminal(), f.Path())
		terminal++
	}
	for _, f := range files[6:] {
		assert.Equal(t, StatusQueued, snapshot[f.Path()].Kind, f.Path())
		assert.False(t, uploader.called(f.Path()), f.Path())
	}
	assert.Equal(t, 6, terminal)
	assert.Equal(t, 6, out.result.Succeeded)
	assert.Equal(t, 4, out.result.NotStarted)
}

func TestBatch_CancelledBeforeRun(t *testing.T) {
	files := memFiles(3)
	uploader := newFakeUploader()
	b := newTestBatch(t, files, 2, uploader)
	token := NewCancelToken()
	token.Cancel()

	result, err := b.Run(context.Background(), token)
	require.NoError(t, err)

	assert.Equal(t, ResultCancelled, result.Kind)
	assert.Equal(t, 0, uploader.callCount())
	assert.Equal(t, 3, result.NotStarted)
	assert.Equal(t, 3, b.Status().Count(StatusQueued))
	assert.Equal(t, StateCompleted, b.State())
}

func TestBatch_ContextCancellationDoesNotInterruptInFlightCalls(t *testing.T) {
	files := memFiles(4)
	uploader := newFakeUploader()
	gate := make(chan struct{})
	var mu sync.Mutex
	var callCtxErrs []error
	for _, f := range files {
		uploader.on(f.Path(), func(ctx context.Context) error {
			<-gate
			mu.Lock()
			callCtxErrs = append(callCtxErrs, ctx.Err())
			mu.Unlock()
			return nil
		})
	}
	b := newTestBatch(t, files, 2, uploader)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(b, ctx, nil)

	require.Eventually(t, func() bool {
		return b.Status().Count(StatusUploading) == 2
	}, eventually, tick)
	cancel()
	// give the watcher a chance to signal the token before releasing the calls
	time.Sleep(20 * time.Millisecond)
	close(gate)

	out := waitRun(t, done)
	assert.Equal(t, ResultCancelled, out.result.Kind)
	assert.Equal(t, 2, out.result.Succeeded)
	assert.Equal(t, 2, out.result.NotStarted)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, callCtxErrs, 2)
	for _, err := range callCtxErrs {
		assert.NoError(t, err)
	}
}

func TestBatch_CancellationTakesPrecedenceOverFailure(t *testing.T) {
	files := memFiles(3)
	uploader := newFakeUploader()
	gate := make(chan struct{})
	uploader.on("file1.txt", failWith(errors.New("boom")))
	uploader.on("file2.txt", blockUntil(gate))
	b := newTestBatch(t, files, 2, uploader)
	token := NewCancelToken()

	done := runAsync(b, context.Background(), token)
	require.Eventually(t, func() bool {
		s, _ := b.Status().Get("file1.txt")
		return s.Kind == StatusFailed
	}, eventually, tick)

	token.Cancel()
	close(gate)

	out := waitRun(t, done)
	assert.Equal(t, ResultCancelled, out.result.Kind)
	assert.NoError(t, out.result.Cause)
	assert.Equal(t, 1, out.result.Failed)

	s, _ := b.Status().Get("file1.txt")
	assert.Equal(t, StatusFailed, s.Kind)
}

func TestBatch_SnapshotIsNeverTorn(t *testing.T) {
	files := memFiles(40)
	uploader := newFakeUploader()
	for i, f := range files {
		i := i
		uploader.on(f.Path(), func(ctx context.Context) error {
			time.Sleep(time.Millisecond)
			if i == 35 {
				return errors.New("late failure")
			}
			return nil
		})
	}
	b := newTestBatch(t, files, 6, uploader)

	stop := make(chan struct{})
	var readers sync.WaitGroup
	var violations []string
	var mu sync.Mutex
	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for dest, s := range b.StatusSnapshot() {
					if msg := checkStatus(s); msg != "" {
						mu.Lock()
						violations = append(violations, dest+": "+msg)
						mu.Unlock()
					}
				}
			}
		}()
	}

	result, err := b.Run(context.Background(), nil)
	close(stop)
	readers.Wait()

	require.NoError(t, err)
	assert.Equal(t, ResultFailed, result.Kind)
	assert.Empty(t, violations)
	assert.Len(t, b.StatusSnapshot(), 40)
}

func checkStatus(s TransferStatus) string {
	switch s.Kind {
	case StatusQueued, StatusDone:
		if s.Cause != nil || s.Percent != 0 {
			return "unexpected fields"
		}
	case StatusUploading:
		if s.Percent < 0 || s.Percent > 100 || s.Cause != nil {
			return "bad percent"
		}
	case StatusFailed:
		if s.Cause == nil {
			return "failed without cause"
		}
	default:
		return "unknown kind"
	}
	return ""
}

func TestBatch_ProgressReported(t *testing.T) {
	file := memFile("big.bin", string(make([]byte, 1000)))
	uploader := newFakeUploader()
	b := newTestBatch(t, []FileHandle{file}, 1, uploader)

	var seen []int
	var mu sync.Mutex
	b.uploader = uploaderFunc(func(ctx context.Context, container, branch, path string, content io.Reader, wipID string) error {
		buf := make([]byte, 250)
		for {
			_, err := content.Read(buf)
			s, _ := b.Status().Get(path)
			mu.Lock()
			seen = append(seen, s.Percent)
			mu.Unlock()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
		}
	})

	result, err := b.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, ResultAllSucceeded, result.Kind)
	assert.Equal(t, []int{25, 50, 75, 99, 99}, seen)

	s, _ := b.Status().Get("big.bin")
	assert.Equal(t, TransferStatus{Kind: StatusDone}, s)
}

func TestBatch_RunTwice(t *testing.T) {
	uploader := newFakeUploader()
	b := newTestBatch(t, memFiles(1), 1, uploader)

	_, err := b.Run(context.Background(), nil)
	require.NoError(t, err)

	_, err = b.Run(context.Background(), nil)
	assert.ErrorIs(t, err, ErrBatchReused)
	assert.Equal(t, 1, uploader.callCount())
}

func TestBatch_AdmissionRateInterruptedByCancel(t *testing.T) {
	files := memFiles(3)
	uploader := newFakeUploader()
	b := newTestBatch(t, files, 1, uploader, WithAdmissionRate(rate.Every(time.Hour), 1))
	token := NewCancelToken()

	done := runAsync(b, context.Background(), token)
	require.Eventually(t, func() bool {
		return b.Status().Count(StatusDone) == 1
	}, eventually, tick)
	token.Cancel()

	out := waitRun(t, done)
	assert.Equal(t, ResultCancelled, out.result.Kind)
	assert.Equal(t, 1, uploader.callCount())
	assert.Equal(t, 2, out.result.NotStarted)
}

func TestBatch_AdmissionRateInterruptedByFailure(t *testing.T) {
	files := memFiles(3)
	uploadErr := errors.New("upload failed")
	uploader := newFakeUploader()
	uploader.on("file1.txt", func(ctx context.Context) error {
		time.Sleep(100 * time.Millisecond)
		return uploadErr
	})
	b := newTestBatch(t, files, 2, uploader, WithAdmissionRate(rate.Every(time.Hour), 1))

	out := waitRun(t, runAsync(b, context.Background(), nil))
	require.NoError(t, out.err)
	assert.Equal(t, ResultFailed, out.result.Kind)
	assert.ErrorIs(t, out.result.Cause, uploadErr)
	assert.Equal(t, 1, out.result.Failed)
	assert.Equal(t, 2, out.result.NotStarted)
	assert.Equal(t, 1, uploader.callCount())
}

func TestBatch_CompleteWithUnstartedFiles(t *testing.T) {
	uploader := newFakeUploader()
	b := newTestBatch(t, memFiles(3), 1, uploader)
	b.succeeded = 1

	result := b.complete(NewCancelToken(), time.Second)
	assert.Equal(t, ResultFailed, result.Kind)
	assert.ErrorIs(t, result.Cause, ErrIncomplete)
	assert.Equal(t, 2, result.NotStarted)
}

func TestBatch_Tracker(t *testing.T) {
	tracker := &fakeTracker{}
	uploader := newFakeUploader()
	b := newTestBatch(t, memFiles(2), 2, uploader, WithTracker(tracker), WithID("batch-1"))

	_, err := b.Run(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, "batch-1", b.ID())
	assert.Equal(t, []string{"batch_upload_finished"}, tracker.events)
	require.Len(t, tracker.props, 1)
	assert.Equal(t, "batch-1", tracker.props[0]["batch_id"])
	assert.Equal(t, "succeeded", tracker.props[0]["result"])
	assert.Equal(t, 2, tracker.props[0]["succeeded_count"])
	assert.True(t, tracker.waited)
}

func TestNewBatch_Preconditions(t *testing.T) {
	uploader := newFakeUploader()
	tests := []struct {
		name     string
		params   BatchParams
		uploader ObjectUploader
		opts     []Option
		wantErr  error
	}{
		{
			name:     "empty batch",
			params:   BatchParams{Concurrency: 1},
			uploader: uploader,
			wantErr:  ErrEmptyBatch,
		},
		{
			name:     "zero concurrency",
			params:   BatchParams{Files: memFiles(1)},
			uploader: uploader,
			wantErr:  ErrInvalidConcurrency,
		},
		{
			name:     "negative concurrency",
			params:   BatchParams{Files: memFiles(1), Concurrency: -2},
			uploader: uploader,
			wantErr:  ErrInvalidConcurrency,
		},
		{
			name: "duplicate destination after normalization",
			params: BatchParams{
				Files:       []FileHandle{memFile("dir/a.txt", "a"), memFile(`\dir\a.txt`, "b")},
				Concurrency: 1,
			},
			uploader: uploader,
			wantErr:  ErrDuplicateDestination,
		},
		{
			name:     "missing uploader",
			params:   BatchParams{Files: memFiles(1), Concurrency: 1},
			uploader: nil,
			wantErr:  ErrMissingUploader,
		},
		{
			name:     "zero admission rate",
			params:   BatchParams{Files: memFiles(3), Concurrency: 1},
			uploader: uploader,
			opts:     []Option{WithAdmissionRate(0, 1)},
			wantErr:  ErrInvalidAdmissionRate,
		},
		{
			name:     "negative admission rate",
			params:   BatchParams{Files: memFiles(3), Concurrency: 1},
			uploader: uploader,
			opts:     []Option{WithAdmissionRate(-1, 1)},
			wantErr:  ErrInvalidAdmissionRate,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewBatch(tt.params, tt.uploader, log.NewLogger(), tt.opts...)
			require.Error(t, err)
			assert.Nil(t, b)

			var preconditionErr *PreconditionError
			assert.ErrorAs(t, err, &preconditionErr)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Equal(t, 0, uploader.callCount())
}

func TestBatch_Destinations(t *testing.T) {
	b, err := NewBatch(BatchParams{
		Files:       []FileHandle{memFile("/a.txt", "a"), memFile(`sub\b.txt`, "b")},
		Target:      Target{Prefix: "uploads/"},
		Concurrency: 2,
	}, newFakeUploader(), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"uploads/a.txt", "uploads/sub/b.txt"}, b.Destinations())
	for _, s := range b.StatusSnapshot() {
		assert.Equal(t, StatusQueued, s.Kind)
	}
}

type uploaderFunc func(ctx context.Context, container, branch, path string, content io.Reader, wipID string) error

func (f uploaderFunc) UploadObject(ctx context.Context, container, branch, path string, content io.Reader, wipID string) error {
	return f(ctx, container, branch, path, content, wipID)
}

func TestBatch_LogResult(t *testing.T) {
	tests := []struct {
		name   string
		result BatchResult
		expect func(*mocks.Logger)
	}{
		{
			name:   "succeeded",
			result: BatchResult{Kind: ResultAllSucceeded, Succeeded: 2, BytesUploaded: 2000, Duration: time.Second},
			expect: func(l *mocks.Logger) {
				l.On("Donef", "%d files (%s) uploaded in %s", 2, "2kB", time.Second).Return()
			},
		},
		{
			name:   "failed",
			result: BatchResult{Kind: ResultFailed, Cause: errors.New("boom"), Succeeded: 1, Failed: 2, NotStarted: 3},
			expect: func(l *mocks.Logger) {
				l.On("Errorf", "Upload failed: %s", mock.Anything).Return()
				l.On("Errorf", "%d uploaded, %d failed, %d not started", 1, 2, 3).Return()
			},
		},
		{
			name:   "cancelled",
			result: BatchResult{Kind: ResultCancelled, Succeeded: 1, NotStarted: 4},
			expect: func(l *mocks.Logger) {
				l.On("Warnf", "Upload cancelled: %d uploaded, %d failed, %d not started", 1, 0, 4).Return()
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockLogger := new(mocks.Logger)
			mockLogger.On("Println").Return()
			tt.expect(mockLogger)

			b := &Batch{logger: mockLogger}
			b.logResult(tt.result)

			mockLogger.AssertExpectations(t)
		})
	}
}
