package guard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mandelsoft/vfs/pkg/osfs"
	"github.com/mandelsoft/vfs/pkg/vfs"
)

// MarkerSuffix is appended to a job name to form its lock marker
const MarkerSuffix = ".lock"

// ErrAlreadyRunning is returned when another instance holds the marker
var ErrAlreadyRunning = errors.New("process is running")

// Result is the outcome of Acquire
type Result int

const (
	Acquired Result = iota
	AlreadyRunning
)

func (r Result) String() string {
	switch r {
	case Acquired:
		return "acquired"
	case AlreadyRunning:
		return "already_running"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// Guard provides single-host mutual exclusion through zero-byte marker
// files. The marker is the only state shared between processes.
type Guard struct {
	fs  vfs.FileSystem
	dir string
}

// New creates a guard keeping markers in dir. An empty dir means the
// working directory. The OS filesystem is used unless one is given.
func New(dir string, fss ...vfs.FileSystem) *Guard {
	var fs vfs.FileSystem = osfs.OsFs
	if len(fss) > 0 && fss[0] != nil {
		fs = fss[0]
	}
	if dir == "" {
		dir = "."
	}
	return &Guard{fs: fs, dir: dir}
}

// MarkerPath returns the marker path for a lock name
func (g *Guard) MarkerPath(name string) string {
	return filepath.Join(g.dir, name)
}

// Acquire creates the marker for name. The create is exclusive, so two
// concurrent callers can never both get Acquired.
func (g *Guard) Acquire(name string) (Result, error) {
	if err := g.fs.MkdirAll(g.dir, 0o755); err != nil && !errors.Is(err, vfs.ErrExist) {
		return AlreadyRunning, fmt.Errorf("create lock directory %s: %w", g.dir, err)
	}

	f, err := g.fs.OpenFile(g.MarkerPath(name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, vfs.ErrExist) {
			return AlreadyRunning, nil
		}
		return AlreadyRunning, fmt.Errorf("create lock marker %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return Acquired, fmt.Errorf("close lock marker %s: %w", name, err)
	}
	return Acquired, nil
}

// Release deletes the marker for name. A missing marker is not an error.
func (g *Guard) Release(name string) error {
	err := g.fs.Remove(g.MarkerPath(name))
	if err != nil && !errors.Is(err, vfs.ErrNotExist) {
		return fmt.Errorf("remove lock marker %s: %w", name, err)
	}
	return nil
}

// Held reports whether the marker for name exists
func (g *Guard) Held(name string) (bool, error) {
	_, err := g.fs.Stat(g.MarkerPath(name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, vfs.ErrNotExist) {
		return false, nil
	}
	return false, err
}
