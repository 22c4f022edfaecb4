// Package vfs is the filesystem contract the engine consumes the
// POSIX filesystem through: create/open/read/write/rename/fsync/
// unlink/listdir, nothing more. Callers inject the collaborator rather
// than opening files themselves, so the disk manager can be exercised
// against an in-memory filesystem in tests.
package vfs

import "os"

// File is the subset of *os.File the disk manager needs: random-access
// read/write, fsync, and close. Only disk I/O may block (create, write,
// fsync, rename, unlink, directory read); RAM-only paths never touch
// this interface.
type File interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Sync() error
	Close() error
}

// FS is the filesystem contract. An OS implementation wraps os.*;
// tests substitute an in-memory implementation to drive crash and
// corruption scenarios without touching a real disk.
type FS interface {
	// Create creates (or truncates) the file at path and returns it
	// open for reading and writing.
	Create(path string) (File, error)

	// Open opens the existing file at path for reading and writing.
	Open(path string) (File, error)

	// Rename renames oldpath to newpath. The manager's
	// write-to-temp-then-rename keeps both paths in the same directory
	// so that rename is atomic; quarantine moves a file from its bucket
	// directory into corrupted/.
	Rename(oldpath, newpath string) error

	// Remove unlinks the file at path.
	Remove(path string) error

	// MkdirAll creates a directory and any necessary parents.
	MkdirAll(path string) error

	// ReadDir lists the entries of the directory at path, names only.
	ReadDir(path string) ([]string, error)

	// FsyncDir fsyncs the directory at path itself, so that a rename
	// within it is durable across a power loss, not just the file.
	FsyncDir(path string) error

	// Stat reports whether path exists.
	Stat(path string) (exists bool, err error)
}

// OS is the real, os-package-backed FS.
type OS struct{}

// NewOS returns the real filesystem implementation.
func NewOS() OS { return OS{} }

func (OS) Create(path string) (File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	return osFile{f}, nil
}

func (OS) Open(path string) (File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	return osFile{f}, nil
}

func (OS) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

func (OS) Remove(path string) error {
	return os.Remove(path)
}

func (OS) MkdirAll(path string) error {
	return os.MkdirAll(path, 0755)
}

func (OS) ReadDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (OS) FsyncDir(path string) error {
	d, err := os.Open(path)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func (OS) Stat(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

type osFile struct {
	f *os.File
}

func (o osFile) ReadAt(p []byte, off int64) (int, error)  { return o.f.ReadAt(p, off) }
func (o osFile) WriteAt(p []byte, off int64) (int, error) { return o.f.WriteAt(p, off) }
func (o osFile) Sync() error                              { return o.f.Sync() }
func (o osFile) Close() error                             { return o.f.Close() }
