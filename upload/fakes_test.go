package upload

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/bitrise-io/go-utils/v2/analytics"
)

type fakeUploader struct {
	mu           sync.Mutex
	status       *StatusMap
	behaviors    map[string]func(ctx context.Context) error
	calls        []string
	received     map[string]string
	wipIDs       []string
	inFlight     int
	maxInFlight  int
	maxUploading int
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{
		behaviors: map[string]func(ctx context.Context) error{},
		received:  map[string]string{},
	}
}

func (f *fakeUploader) on(path string, behavior func(ctx context.Context) error) {
	f.behaviors[path] = behavior
}

func (f *fakeUploader) UploadObject(ctx context.Context, container, branch, path string, content io.Reader, workInProgressID string) error {
	f.mu.Lock()
	f.calls = append(f.calls, path)
	f.wipIDs = append(f.wipIDs, workInProgressID)
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	if f.status != nil {
		if n := f.status.Count(StatusUploading); n > f.maxUploading {
			f.maxUploading = n
		}
	}
	behavior := f.behaviors[path]
	f.mu.Unlock()

	data, readErr := io.ReadAll(content)

	var err error
	if behavior != nil {
		err = behavior(ctx)
	}

	f.mu.Lock()
	f.inFlight--
	f.received[path] = string(data)
	f.mu.Unlock()

	if readErr != nil {
		return readErr
	}
	return err
}

func (f *fakeUploader) called(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == path {
			return true
		}
	}
	return false
}

func (f *fakeUploader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeTracker struct {
	mu     sync.Mutex
	events []string
	props  []analytics.Properties
	waited bool
}

func (t *fakeTracker) Enqueue(eventName string, properties ...analytics.Properties) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, eventName)
	t.props = append(t.props, properties...)
}

func (t *fakeTracker) Wait() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.waited = true
}

type trackingCloser struct {
	io.Reader
	closed bool
}

func (c *trackingCloser) Close() error {
	c.closed = true
	return nil
}

func memFile(path, content string) FileHandle {
	return NewFileHandle(path, int64(len(content)), OpenerFunc(func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(content)), nil
	}))
}

func memFiles(n int) []FileHandle {
	files := make([]FileHandle, n)
	for i := range files {
		files[i] = memFile(fmt.Sprintf("file%d.txt", i+1), strings.Repeat("x", 100*(i+1)))
	}
	return files
}

// blockUntil returns a behavior that waits for the gate to be closed.
func blockUntil(gate <-chan struct{}) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		<-gate
		return nil
	}
}

func failWith(err error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return err
	}
}
