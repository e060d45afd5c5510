package upload

import "sync"

// CancelToken is a one-way cancellation signal shared by all transfers of a batch.
// Cancelling stops new transfers from starting; transfers already on the wire run to completion.
type CancelToken struct {
	once sync.Once
	done chan struct{}
}

// NewCancelToken ...
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel signals the token. Calling it more than once is a no-op.
func (t *CancelToken) Cancel() {
	t.once.Do(func() {
		close(t.done)
	})
}

// Done returns a channel that is closed once the token is cancelled.
func (t *CancelToken) Done() <-chan struct{} {
	return t.done
}

// Cancelled reports whether Cancel has been called.
func (t *CancelToken) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
