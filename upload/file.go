// Package upload uploads a batch of local files to an object store with a bounded number of
// parallel transfers, live per-file status and batch-wide cancellation.
package upload

import (
	"fmt"
	"io"
	"strings"

	"github.com/docker/go-units"
)

// Opener opens the content of a selected file.
type Opener interface {
	Open() (io.ReadCloser, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func() (io.ReadCloser, error)

// Open ...
func (f OpenerFunc) Open() (io.ReadCloser, error) {
	return f()
}

// FileHandle references a local file selected for upload. It is immutable once created.
type FileHandle struct {
	path   string
	size   int64
	opener Opener
}

// NewFileHandle creates a FileHandle. The path is normalized with NormalizePath.
func NewFileHandle(path string, size int64, opener Opener) FileHandle {
	return FileHandle{
		path:   NormalizePath(path),
		size:   size,
		opener: opener,
	}
}

// Path returns the normalized relative path of the file.
func (f FileHandle) Path() string {
	return f.path
}

// Size returns the size of the file in bytes.
func (f FileHandle) Size() int64 {
	return f.size
}

// Open opens the file content. The caller must close the returned reader.
func (f FileHandle) Open() (io.ReadCloser, error) {
	if f.opener == nil {
		return nil, fmt.Errorf("no content source for %s", f.path)
	}
	return f.opener.Open()
}

// NormalizePath converts backslash separators to slashes and strips a single leading slash.
func NormalizePath(path string) string {
	path = strings.ReplaceAll(path, `\`, "/")
	return strings.TrimPrefix(path, "/")
}

// DestinationPath returns the object path of a file under the given target prefix.
// The prefix is used as is, no separator is inserted.
func DestinationPath(prefix string, file FileHandle) string {
	return prefix + file.Path()
}

// TotalSize returns the summed size of the files.
func TotalSize(files []FileHandle) int64 {
	var total int64
	for _, f := range files {
		total += f.size
	}
	return total
}

// Summarize describes a selection, for example "3 Files to upload (1.5MB)".
func Summarize(files []FileHandle) string {
	noun := "File"
	if len(files) != 1 {
		noun = "Files"
	}
	return fmt.Sprintf("%d %s to upload (%s)", len(files), noun, HumanSize(TotalSize(files)))
}

// HumanSize formats a byte count for display.
func HumanSize(size int64) string {
	return units.HumanSizeWithPrecision(float64(size), 3)
}

// Without returns the selection without the file at the given path.
func Without(files []FileHandle, path string) []FileHandle {
	path = NormalizePath(path)
	kept := make([]FileHandle, 0, len(files))
	for _, f := range files {
		if f.path == path {
			continue
		}
		kept = append(kept, f)
	}
	return kept
}
