package state

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrPersistence marks a manifest write failure. The dedup guarantee no longer holds after one,
// so callers treat it as fatal to the run.
var ErrPersistence = errors.New("processed manifest write failed")

// ManifestName is the file name of the per-date processed manifest.
const ManifestName = "processed_ids.txt"

type Tracker interface {
	AlreadyProcessed(transmissionID string) bool
	MarkProcessed(transmissionID string) error
	Snapshot() Snapshot
}

type Snapshot struct {
	Processed int
}

type MemoryTracker struct {
	mu        sync.RWMutex
	processed map[string]struct{}
}

func NewMemoryTracker(ids ...string) *MemoryTracker {
	m := &MemoryTracker{processed: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			m.processed[id] = struct{}{}
		}
	}
	return m
}

func (m *MemoryTracker) AlreadyProcessed(transmissionID string) bool {
	if transmissionID == "" {
		return false
	}

	m.mu.RLock()
	_, ok := m.processed[transmissionID]
	m.mu.RUnlock()
	return ok
}

func (m *MemoryTracker) MarkProcessed(transmissionID string) error {
	if transmissionID == "" {
		return nil
	}

	m.mu.Lock()
	m.processed[transmissionID] = struct{}{}
	m.mu.Unlock()
	return nil
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	count := len(m.processed)
	m.mu.RUnlock()
	return Snapshot{Processed: count}
}

// add records an id in memory and reports whether it was new.
func (m *MemoryTracker) add(transmissionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.processed[transmissionID]; exists {
		return false
	}
	m.processed[transmissionID] = struct{}{}
	return true
}

// FileTracker persists completed transmission ids, one per line, so future runs can skip them.
// Every MarkProcessed is flushed and synced before it returns.
type FileTracker struct {
	*MemoryTracker
	path    string
	persist bool
	file    *os.File
	writeMu sync.Mutex
}

func NewFileTracker(path string, persist bool) (*FileTracker, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("manifest path is empty")
	}

	tracker := &FileTracker{
		MemoryTracker: NewMemoryTracker(),
		path:          path,
		persist:       persist,
	}

	if err := tracker.load(); err != nil {
		return nil, err
	}

	if persist {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create manifest directory: %w", err)
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open manifest for append: %w", err)
		}
		tracker.file = file
	}

	return tracker, nil
}

// Path returns the manifest location.
func (f *FileTracker) Path() string {
	return f.path
}

func (f *FileTracker) load() error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open manifest: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		id := strings.TrimSpace(scanner.Text())
		if id == "" {
			continue
		}
		f.add(id)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}

	return nil
}

func (f *FileTracker) MarkProcessed(transmissionID string) error {
	transmissionID = strings.TrimSpace(transmissionID)
	if transmissionID == "" {
		return nil
	}

	if !f.add(transmissionID) || !f.persist {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if f.file == nil {
		return fmt.Errorf("%w: manifest closed", ErrPersistence)
	}
	if _, err := f.file.WriteString(transmissionID + "\n"); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrPersistence, transmissionID, err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync manifest: %v", ErrPersistence, err)
	}

	return nil
}

// Close syncs and closes the manifest.
func (f *FileTracker) Close() error {
	if !f.persist {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if f.file == nil {
		return nil
	}

	var firstErr error
	if err := f.file.Sync(); err != nil {
		firstErr = fmt.Errorf("sync manifest: %w", err)
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close manifest: %w", err)
	}
	f.file = nil

	return firstErr
}
