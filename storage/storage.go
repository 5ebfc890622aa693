// Package storage abstracts the device's filesystem for the transfer
// engine. The engine only ever talks to the Storage and File
// interfaces; the OS-backed implementation lives here too, rooted at a
// base directory so a remote peer can never write outside the library.
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// File is an open destination accepting book bytes. Writes may be
// slow; callers batch them.
type File interface {
	Write(p []byte) (int, error)
	// Sync flushes buffered data to the underlying medium.
	Sync() error
	Close() error
	// Truncate resizes the file, releasing a probe allocation.
	Truncate(size int64) error
	// Preallocate reserves size bytes, reporting whether the medium
	// had room. Used only by the free-space probe.
	Preallocate(size int64) bool
}

// Storage is the filesystem surface the engine consumes.
type Storage interface {
	// OpenWrite creates or truncates path for writing.
	OpenWrite(path string) (File, error)
	Remove(path string) error
	Exists(path string) bool
	MkdirAll(path string) error
	// FreeSpace reports approximate available bytes.
	FreeSpace() uint64
}

// OSStorage implements Storage on the host filesystem, with all paths
// resolved under a base directory.
type OSStorage struct {
	base string
}

// NewOSStorage creates the base directory if needed and returns a
// Storage rooted there.
func NewOSStorage(base string) (*OSStorage, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("storage base: %w", err)
	}
	return &OSStorage{base: base}, nil
}

// Base returns the root directory.
func (s *OSStorage) Base() string {
	return s.base
}

// resolve joins path under the base. Paths are pre-sanitized by the
// caller; Clean here is a second fence against traversal.
func (s *OSStorage) resolve(path string) string {
	return filepath.Join(s.base, filepath.Clean("/"+path))
}

// OpenWrite creates or truncates the named file under the base dir.
func (s *OSStorage) OpenWrite(path string) (File, error) {
	full := s.resolve(path)

	logrus.WithFields(logrus.Fields{
		"function": "OpenWrite",
		"path":     full,
	}).Debug("Opening file for write")

	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return &osFile{f: f}, nil
}

// Remove deletes the named file.
func (s *OSStorage) Remove(path string) error {
	return os.Remove(s.resolve(path))
}

// Exists reports whether the named file is present.
func (s *OSStorage) Exists(path string) bool {
	_, err := os.Stat(s.resolve(path))
	return err == nil
}

// MkdirAll creates the named directory tree under the base dir.
func (s *OSStorage) MkdirAll(path string) error {
	return os.MkdirAll(s.resolve(path), 0o755)
}

// osFile adapts *os.File to the File interface.
type osFile struct {
	f *os.File
}

func (o *osFile) Write(p []byte) (int, error) { return o.f.Write(p) }
func (o *osFile) Sync() error                 { return o.f.Sync() }
func (o *osFile) Close() error                { return o.f.Close() }
func (o *osFile) Truncate(size int64) error   { return o.f.Truncate(size) }
