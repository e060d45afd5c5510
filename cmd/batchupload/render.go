package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/bitrise-io/go-batchupload/upload"
)

type statusSource interface {
	Destinations() []string
	StatusSnapshot() map[string]upload.TransferStatus
}

// statusRenderer prints a row per file whenever the status of any file changed.
type statusRenderer struct {
	w         io.Writer
	source    statusSource
	container string
	sizes     map[string]int64

	mu   sync.Mutex
	last string
}

func newStatusRenderer(w io.Writer, source statusSource, container string, sizes map[string]int64) *statusRenderer {
	return &statusRenderer{
		w:         w,
		source:    source,
		container: container,
		sizes:     sizes,
	}
}

// start renders on every tick until the returned stop function is called.
func (r *statusRenderer) start(interval time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		for {
			select {
			case <-ticker.C:
				r.render()
			case <-done:
				return
			}
		}
	}()

	return func() {
		ticker.Stop()
		close(done)
		<-stopped
	}
}

func (r *statusRenderer) render() {
	rows := formatRows(r.container, r.source.Destinations(), r.sizes, r.source.StatusSnapshot())
	table := strings.Join(rows, "\n")

	r.mu.Lock()
	defer r.mu.Unlock()
	if table == r.last {
		return
	}
	r.last = table
	fmt.Fprintf(r.w, "%s\n\n", table)
}

func formatRows(container string, destinations []string, sizes map[string]int64, snapshot map[string]upload.TransferStatus) []string {
	width := 0
	names := make([]string, len(destinations))
	for i, dest := range destinations {
		names[i] = fmt.Sprintf("repo://%s/%s", container, dest)
		if len(names[i]) > width {
			width = len(names[i])
		}
	}

	rows := make([]string, len(destinations))
	for i, dest := range destinations {
		rows[i] = fmt.Sprintf("%-*s  %8s  %s", width, names[i], upload.HumanSize(sizes[dest]), snapshot[dest])
	}
	return rows
}

func destinationSizes(prefix string, files []upload.FileHandle) map[string]int64 {
	sizes := make(map[string]int64, len(files))
	for _, f := range files {
		sizes[upload.DestinationPath(prefix, f)] = f.Size()
	}
	return sizes
}
