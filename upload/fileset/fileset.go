// Package fileset selects the local files of an upload batch.
package fileset

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"

	"github.com/bitrise-io/go-batchupload/internal"
	"github.com/bitrise-io/go-batchupload/upload"
	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
)

// MatchAll selects every file under the root.
const MatchAll = "**"

// Collector finds files under a root directory with glob patterns.
type Collector struct {
	logger       log.Logger
	osProxy      internal.OsProxy
	fileManager  fileutil.FileManager
	pathModifier pathutil.PathModifier
	pathChecker  pathutil.PathChecker
}

// NewCollector ...
func NewCollector(logger log.Logger) *Collector {
	return &Collector{
		logger:       logger,
		osProxy:      internal.RealOS{},
		fileManager:  fileutil.NewFileManager(),
		pathModifier: pathutil.NewPathModifier(),
		pathChecker:  pathutil.NewPathChecker(),
	}
}

// Collect returns the regular files under root matching any of the patterns, sorted by path.
// Patterns are relative to root, symlinks are not followed and every file is selected once.
func (c *Collector) Collect(root string, patterns []string) ([]upload.FileHandle, error) {
	absRoot, err := c.pathModifier.AbsPath(root) // resolves ~/ and expands any envs
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", root, err)
	}
	exists, err := c.pathChecker.IsPathExists(absRoot)
	if err != nil {
		return nil, fmt.Errorf("check %s: %w", absRoot, err)
	}
	if !exists {
		return nil, fmt.Errorf("source directory does not exist: %s", absRoot)
	}
	info, err := c.osProxy.Stat(absRoot)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source is not a directory: %s", absRoot)
	}

	if len(patterns) == 0 {
		patterns = []string{MatchAll}
	}

	selected := map[string]upload.FileHandle{}
	for _, pattern := range patterns {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid pattern: %s", pattern)
		}

		matches, err := doublestar.Glob(c.osProxy.DirFS(absRoot), pattern, doublestar.WithNoFollow())
		if err != nil {
			return nil, fmt.Errorf("match %s: %w", pattern, err)
		}
		if len(matches) == 0 {
			c.logger.Warnf("No match for pattern: %s", pattern)
		}

		for _, match := range matches {
			if _, ok := selected[match]; ok {
				continue
			}

			absPath := filepath.Join(absRoot, filepath.FromSlash(match))
			fileInfo, err := c.osProxy.Lstat(absPath)
			if err != nil {
				return nil, err
			}
			if !fileInfo.Mode().IsRegular() {
				c.logger.Debugf("Skipping %s, not a regular file", match)
				continue
			}

			selected[match] = upload.NewFileHandle(match, fileInfo.Size(), c.opener(absPath))
		}
	}

	files := make([]upload.FileHandle, 0, len(selected))
	for _, f := range selected {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].Path() < files[j].Path()
	})

	c.logger.Debugf("Selected %d files under %s", len(files), absRoot)
	return files, nil
}

func (c *Collector) opener(path string) upload.Opener {
	return upload.OpenerFunc(func() (io.ReadCloser, error) {
		return c.fileManager.Open(path)
	})
}
