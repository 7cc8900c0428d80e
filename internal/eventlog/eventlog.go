// Package eventlog provides the per-job event stream: one append-only,
// daily-rotating text file per job name, exposed as a *slog.Logger.
package eventlog

import (
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/mandelsoft/vfs/pkg/osfs"
	"github.com/mandelsoft/vfs/pkg/vfs"
)

// Options configures an event log stream
type Options struct {
	// FS defaults to the OS filesystem
	FS vfs.FileSystem
	// Level defaults to info
	Level slog.Leveler
	// Backups is the number of rotated files to keep, 0 keeps all
	Backups int
	// Mirror receives a copy of every line when set
	Mirror io.Writer
	// Now is the clock used for rotation
	Now func() time.Time
}

// Log is an open event log stream
type Log struct {
	*slog.Logger
	file *RotatingFile
}

// StreamPath returns the file used for the stream of name inside dir
func StreamPath(dir, name string) string {
	return filepath.Join(dir, name+".log")
}

// Open opens the stream for name inside dir
func Open(dir, name string, opts Options) (*Log, error) {
	fs := opts.FS
	if fs == nil {
		fs = osfs.OsFs
	}

	file, err := OpenRotatingFile(fs, StreamPath(dir, name), opts.Backups, opts.Now)
	if err != nil {
		return nil, err
	}

	var w io.Writer = file
	if opts.Mirror != nil {
		w = io.MultiWriter(file, opts.Mirror)
	}

	return &Log{
		Logger: slog.New(NewHandler(w, opts.Level)),
		file:   file,
	}, nil
}

// Path returns the path of the active log file
func (l *Log) Path() string {
	return l.file.Path()
}

// Close closes the underlying file
func (l *Log) Close() error {
	return l.file.Close()
}
