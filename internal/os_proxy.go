package internal

import (
	"io/fs"
	"os"
)

// OsProxy defines the subset of os package functions the file collection needs.
type OsProxy interface {
	Stat(name string) (os.FileInfo, error)
	Lstat(name string) (os.FileInfo, error)
	DirFS(dir string) fs.FS
}

// RealOS is the default implementation that delegates to the real os package.
type RealOS struct{}

func (RealOS) Stat(name string) (os.FileInfo, error)  { return os.Stat(name) }  //nolint:revive
func (RealOS) Lstat(name string) (os.FileInfo, error) { return os.Lstat(name) } //nolint:revive
func (RealOS) DirFS(dir string) fs.FS                 { return os.DirFS(dir) }  //nolint:revive
