package commitstore

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// LocalFile is a CommitManager that persists the commit blob to a file via
// a temp-file-then-rename swap, matching the default logCommitFile
// behavior ("${device.filename}.commit"). It additionally preserves the
// previous generation alongside the current one, so a crash between the
// two renames a swap performs still leaves a readable, valid commit.
type LocalFile struct {
	mu       sync.Mutex
	path     string
	prevPath string
	tmpPath  string
	closed   bool
}

// NewLocalFile constructs a LocalFile manager writing to path.
func NewLocalFile(path string) *LocalFile {
	return &LocalFile{
		path:     path,
		prevPath: path + ".prev",
		tmpPath:  path + ".tmp",
	}
}

// Commit writes metadata to a temp file, fsyncs it, demotes the current
// commit file to the previous-generation slot, then promotes the temp file
// into place. Both renames are atomic; a crash between them still leaves
// either the prior or the new blob readable.
func (l *LocalFile) Commit(metadata []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("commitstore: Commit on closed manager")
	}

	f, err := os.OpenFile(l.tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("commitstore: create temp file: %w", err)
	}
	if _, err := f.Write(metadata); err != nil {
		f.Close()
		return fmt.Errorf("commitstore: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("commitstore: fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("commitstore: close temp file: %w", err)
	}

	if _, err := os.Stat(l.path); err == nil {
		if err := os.Rename(l.path, l.prevPath); err != nil {
			return fmt.Errorf("commitstore: demote previous commit: %w", err)
		}
	}
	if err := os.Rename(l.tmpPath, l.path); err != nil {
		return fmt.Errorf("commitstore: promote new commit: %w", err)
	}

	syncDir(l.path)
	return nil
}

// GetLatestCommit returns the current commit blob, falling back to the
// previous generation if the current file is missing or unreadable.
func (l *LocalFile) GetLatestCommit() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if err == nil {
		return data, nil
	}

	data, prevErr := os.ReadFile(l.prevPath)
	if prevErr == nil {
		return data, nil
	}
	if os.IsNotExist(err) && os.IsNotExist(prevErr) {
		return nil, nil
	}
	return nil, fmt.Errorf("commitstore: read commit file: %w", err)
}

// Close marks the manager closed. Further Commit calls fail.
func (l *LocalFile) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// syncDir best-effort fsyncs the parent directory of path so the rename
// itself is durable, not just the file contents. Failure is not fatal: the
// commit file's own contents are already synced, and not every filesystem
// requires a directory fsync for rename durability.
func syncDir(path string) {
	dir := path
	for i := len(dir) - 1; i >= 0; i-- {
		if dir[i] == '/' {
			dir = dir[:i]
			break
		}
	}
	if dir == "" {
		dir = "."
	}
	fd, err := unix.Open(dir, unix.O_RDONLY, 0)
	if err != nil {
		return
	}
	defer unix.Close(fd)
	_ = unix.Fsync(fd)
}

var _ CommitManager = (*LocalFile)(nil)
