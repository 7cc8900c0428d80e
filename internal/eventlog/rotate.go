package eventlog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mandelsoft/vfs/pkg/vfs"
)

// backupLayout is the date suffix of rotated files
const backupLayout = "2006-01-02"

// RotatingFile is an append-only writer that starts a new file whenever the
// local day changes. The previous file is renamed to <path>.YYYY-MM-DD.
type RotatingFile struct {
	mu      sync.Mutex
	fs      vfs.FileSystem
	path    string
	backups int
	now     func() time.Time

	file   vfs.File
	day    time.Time
	closed bool
}

// OpenRotatingFile opens path for appending, creating parent directories.
// backups limits how many rotated files are kept; 0 keeps all of them.
func OpenRotatingFile(fs vfs.FileSystem, path string, backups int, now func() time.Time) (*RotatingFile, error) {
	if now == nil {
		now = time.Now
	}
	r := &RotatingFile{
		fs:      fs,
		path:    path,
		backups: backups,
		now:     now,
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

// Path returns the path of the active file
func (r *RotatingFile) Path() string {
	return r.path
}

func (r *RotatingFile) open() error {
	dir := filepath.Dir(r.path)
	if err := r.fs.MkdirAll(dir, 0o755); err != nil && !errors.Is(err, vfs.ErrExist) {
		return fmt.Errorf("create log directory %s: %w", dir, err)
	}

	f, err := r.fs.OpenFile(r.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", r.path, err)
	}

	// An existing non-empty file belongs to the day it was last written.
	r.day = startOfDay(r.now())
	if fi, err := f.Stat(); err == nil && fi.Size() > 0 {
		r.day = startOfDay(fi.ModTime())
	}
	r.file = f
	return nil
}

// Write appends p, rotating first if the day changed. A failed rotation
// is reported but p is still written to the active file, and the next
// write tries to rotate again.
func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, os.ErrClosed
	}
	if r.file == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}

	var rotateErr error
	if today := startOfDay(r.now()); today.After(r.day) {
		rotateErr = r.rotate()
		if r.file == nil {
			return 0, rotateErr
		}
	}

	n, err := r.file.Write(p)
	if err != nil {
		return n, err
	}
	return n, rotateErr
}

// rotate renames the active file to its dated name and opens a fresh one.
// On failure the active file is reopened under its day.
func (r *RotatingFile) rotate() error {
	err := r.file.Close()
	r.file = nil
	if err != nil {
		return r.reopen(fmt.Errorf("close log file: %w", err))
	}

	backup := r.path + "." + r.day.Format(backupLayout)
	if err := r.fs.Remove(backup); err != nil && !errors.Is(err, vfs.ErrNotExist) {
		return r.reopen(fmt.Errorf("remove old backup %s: %w", backup, err))
	}
	if err := r.fs.Rename(r.path, backup); err != nil {
		return r.reopen(fmt.Errorf("rotate log file: %w", err))
	}

	if err := r.open(); err != nil {
		return err
	}
	r.day = startOfDay(r.now())

	return r.prune()
}

// reopen appends to the active file again after a failed rotation
func (r *RotatingFile) reopen(cause error) error {
	day := r.day
	if err := r.open(); err != nil {
		return errors.Join(cause, err)
	}
	r.day = day
	return cause
}

// prune removes the oldest rotated files beyond the backup limit
func (r *RotatingFile) prune() error {
	if r.backups <= 0 {
		return nil
	}

	old, err := r.Backups()
	if err != nil {
		return err
	}
	if len(old) <= r.backups {
		return nil
	}

	for _, path := range old[:len(old)-r.backups] {
		if err := r.fs.Remove(path); err != nil && !errors.Is(err, vfs.ErrNotExist) {
			return fmt.Errorf("remove old backup %s: %w", path, err)
		}
	}
	return nil
}

// Backups lists rotated files of this log, oldest first
func (r *RotatingFile) Backups() ([]string, error) {
	dir := filepath.Dir(r.path)
	prefix := filepath.Base(r.path) + "."

	entries, err := vfs.ReadDir(r.fs, dir)
	if err != nil {
		return nil, err
	}

	var backups []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		if _, err := time.Parse(backupLayout, strings.TrimPrefix(name, prefix)); err != nil {
			continue
		}
		backups = append(backups, filepath.Join(dir, name))
	}
	// the date layout sorts lexically
	sort.Strings(backups)
	return backups, nil
}

// Close closes the active file
func (r *RotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
