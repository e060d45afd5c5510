package objectstore

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// zstdStream compresses its source while it is read.
type zstdStream struct {
	*io.PipeReader
	done chan struct{}
}

func newZstdStream(src io.Reader, level int) (*zstdStream, error) {
	pr, pw := io.Pipe()
	enc, err := zstd.NewWriter(pw, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}

	s := &zstdStream{PipeReader: pr, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		_, err := io.Copy(enc, src)
		if closeErr := enc.Close(); err == nil {
			err = closeErr
		}
		pw.CloseWithError(err)
	}()
	return s, nil
}

// Close stops the compression and waits until the source is no longer read.
func (s *zstdStream) Close() error {
	err := s.PipeReader.Close()
	<-s.done
	return err
}
