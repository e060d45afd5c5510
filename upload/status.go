package upload

import (
	"fmt"
	"sync"
)

// StatusKind is the phase of a single file transfer.
type StatusKind int

const (
	// StatusQueued means the file has not been started.
	StatusQueued StatusKind = iota
	// StatusUploading means the network call is in progress.
	StatusUploading
	// StatusDone means the file was uploaded.
	StatusDone
	// StatusFailed means the upload failed. Failures are final.
	StatusFailed
)

func (k StatusKind) String() string {
	switch k {
	case StatusQueued:
		return "queued"
	case StatusUploading:
		return "uploading"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("StatusKind(%d)", int(k))
	}
}

// TransferStatus is the current state of one file in a batch.
type TransferStatus struct {
	Kind StatusKind
	// Percent is set while Kind is StatusUploading.
	Percent int
	// Cause is set when Kind is StatusFailed.
	Cause error
}

// IsTerminal reports whether the status can no longer change.
func (s TransferStatus) IsTerminal() bool {
	return s.Kind == StatusDone || s.Kind == StatusFailed
}

func (s TransferStatus) String() string {
	switch s.Kind {
	case StatusUploading:
		return fmt.Sprintf("uploading %d%%", s.Percent)
	case StatusFailed:
		return fmt.Sprintf("failed: %s", s.Cause)
	default:
		return s.Kind.String()
	}
}

// StatusMap holds the status of every file of a batch, keyed by destination path.
// Writers go through the batch; readers get copies.
type StatusMap struct {
	mu      sync.RWMutex
	entries map[string]TransferStatus
}

func newStatusMap(destinations []string) *StatusMap {
	entries := make(map[string]TransferStatus, len(destinations))
	for _, d := range destinations {
		entries[d] = TransferStatus{Kind: StatusQueued}
	}
	return &StatusMap{entries: entries}
}

// Snapshot returns a consistent copy of all entries.
func (m *StatusMap) Snapshot() map[string]TransferStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := make(map[string]TransferStatus, len(m.entries))
	for k, v := range m.entries {
		snapshot[k] = v
	}
	return snapshot
}

// Get returns the status of a single destination.
func (m *StatusMap) Get(destination string) (TransferStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.entries[destination]
	return s, ok
}

// Count returns how many entries currently have the given kind.
func (m *StatusMap) Count(kind StatusKind) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, s := range m.entries {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

// begin moves a queued entry to uploading unless the token is already cancelled.
// The check and the transition happen under the same lock.
func (m *StatusMap) begin(destination string, token *CancelToken) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if token.Cancelled() {
		return false
	}
	if m.entries[destination].Kind != StatusQueued {
		return false
	}
	m.entries[destination] = TransferStatus{Kind: StatusUploading}
	return true
}

// progress raises the percentage of an uploading entry. Lower values are ignored and
// 100 is reserved for done entries.
func (m *StatusMap) progress(destination string, percent int) {
	if percent > maxUploadingPercent {
		percent = maxUploadingPercent
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.entries[destination]
	if current.Kind != StatusUploading || percent <= current.Percent {
		return
	}
	m.entries[destination] = TransferStatus{Kind: StatusUploading, Percent: percent}
}

// finish moves an uploading entry to done, or to failed when cause is not nil.
func (m *StatusMap) finish(destination string, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.entries[destination].Kind != StatusUploading {
		return
	}
	if cause != nil {
		m.entries[destination] = TransferStatus{Kind: StatusFailed, Cause: cause}
		return
	}
	m.entries[destination] = TransferStatus{Kind: StatusDone}
}
