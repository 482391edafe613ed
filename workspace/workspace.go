// Package workspace describes the on-disk layout of one date partition and guards it with a
// lock so only one run owns a partition at a time.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"

	"github.com/dhcgn/remittance-runner/state"
)

const (
	LogSubdir      = "secure-fetcher"
	FilesSubdir    = "files"
	DownloadSubdir = "downloads"
	SessionLogName = "session-log.txt"
	lockName       = ".lock"
)

// ErrLocked is returned when another run already owns the partition.
var ErrLocked = errors.New("date partition is locked by another run")

// Layout resolves every path a run touches for one date key.
type Layout struct {
	Base    string
	DateKey string

	lock *flock.Flock
}

// New returns the layout for dateKey under base. base is made absolute.
func New(base, dateKey string) (*Layout, error) {
	if strings.TrimSpace(base) == "" {
		return nil, fmt.Errorf("runner base is empty")
	}
	if strings.TrimSpace(dateKey) == "" {
		return nil, fmt.Errorf("date key is empty")
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolve runner base: %w", err)
	}
	return &Layout{Base: abs, DateKey: dateKey}, nil
}

func (l *Layout) RunRoot() string {
	return filepath.Join(l.Base, l.DateKey)
}

// FilesDir is the default discovery base and the parent of every store's artifacts.
func (l *Layout) FilesDir() string {
	return filepath.Join(l.RunRoot(), FilesSubdir)
}

func (l *Layout) StoreDir(store string) string {
	return filepath.Join(l.FilesDir(), store)
}

func (l *Layout) LogDir() string {
	return filepath.Join(l.RunRoot(), LogSubdir)
}

func (l *Layout) DownloadsDir() string {
	return filepath.Join(l.LogDir(), DownloadSubdir)
}

func (l *Layout) ManifestPath() string {
	return filepath.Join(l.LogDir(), state.ManifestName)
}

func (l *Layout) SessionLogPath() string {
	return filepath.Join(l.LogDir(), SessionLogName)
}

// Contains reports whether path resolves to a location under the runner base. Placeholders the
// run itself created live there and may be deleted once their transmission is downloaded.
func (l *Layout) Contains(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	base := l.Base
	if resolved, err := filepath.EvalSymlinks(base); err == nil {
		base = resolved
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	rel, err := filepath.Rel(base, abs)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Prepare creates the log and staging directories.
func (l *Layout) Prepare() error {
	for _, dir := range []string{l.LogDir(), l.DownloadsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// Lock takes the partition lock without blocking.
func (l *Layout) Lock() error {
	if err := os.MkdirAll(l.LogDir(), 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", l.LogDir(), err)
	}
	if l.lock == nil {
		l.lock = flock.New(filepath.Join(l.LogDir(), lockName))
	}
	ok, err := l.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLocked, l.RunRoot())
	}
	return nil
}

// Unlock releases the partition lock. It is safe to call without a held lock.
func (l *Layout) Unlock() error {
	if l.lock == nil {
		return nil
	}
	return l.lock.Unlock()
}
