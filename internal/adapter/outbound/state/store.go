package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"
)

// ErrInvalidOverride is returned when an override entry cannot be enforced.
var ErrInvalidOverride = errors.New("invalid quota override")

// FileStateStore manages reading and writing the overrides file.
// It provides atomic writes (write-tmp-then-rename), automatic backups,
// and file locking (flock for cross-process, mutex for in-process).
type FileStateStore struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewFileStateStore creates a new FileStateStore for the given file path.
func NewFileStateStore(path string, logger *slog.Logger) *FileStateStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStateStore{
		path:   path,
		logger: logger,
	}
}

// Load reads and parses the overrides file.
// If the file does not exist, it returns DefaultState().
// If the file contains invalid JSON, it returns an error.
// Warns if the existing file has permissions more open than 0600.
func (s *FileStateStore) Load() (*OverrideState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Debug("overrides file not found, using empty state", "path", s.path)
			return s.DefaultState(), nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	// Unix permission bits mean nothing on Windows.
	if runtime.GOOS != "windows" {
		if info, statErr := os.Stat(s.path); statErr == nil {
			mode := info.Mode().Perm()
			if mode&0077 != 0 {
				s.logger.Warn("overrides file has too-open permissions, should be 0600",
					"path", s.path, "current_mode", fmt.Sprintf("%04o", mode))
			}
		}
	}

	var state OverrideState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	if state.Overrides == nil {
		state.Overrides = []OverrideEntry{}
	}
	return &state, nil
}

// Save writes the state to disk atomically.
//
// The write sequence is:
//  1. Acquire in-process mutex
//  2. Acquire flock on path+".lock"
//  3. Copy current file to path+".bak" (ignored if no current file)
//  4. Marshal state as indented JSON
//  5. Write to path+".tmp" with 0600 permissions
//  6. Fsync the temp file
//  7. Rename path+".tmp" -> path
//  8. Release flock
//  9. Release mutex
func (s *FileStateStore) Save(state *OverrideState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lockFile()
	if err != nil {
		return err
	}
	defer unlock()

	return s.saveLocked(state)
}

// Update loads the state, applies fn and saves the result, holding both
// locks for the whole sequence so concurrent editors cannot lose writes.
// Nothing is written when fn returns an error.
func (s *FileStateStore) Update(fn func(*OverrideState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lockFile()
	if err != nil {
		return err
	}
	defer unlock()

	state, err := s.Load()
	if err != nil {
		return err
	}
	if err := fn(state); err != nil {
		return err
	}
	return s.saveLocked(state)
}

// SetOverride creates or replaces the override for (entry.GroupID, entry.Endpoint).
// An empty endpoint is stored as AllEndpoints.
func (s *FileStateStore) SetOverride(entry OverrideEntry) error {
	entry.GroupID = strings.TrimSpace(entry.GroupID)
	entry.Endpoint = strings.TrimSpace(entry.Endpoint)
	if entry.Endpoint == "" {
		entry.Endpoint = AllEndpoints
	}
	if entry.GroupID == "" {
		return fmt.Errorf("%w: group is required", ErrInvalidOverride)
	}
	if !entry.Quota().Valid() {
		return fmt.Errorf("%w: limit must be >= 1 and window > 0 (got %d per %ds)",
			ErrInvalidOverride, entry.Limit, entry.WindowSeconds)
	}
	entry.UpdatedAt = time.Now().UTC()

	return s.Update(func(st *OverrideState) error {
		i := slices.IndexFunc(st.Overrides, func(e OverrideEntry) bool {
			return e.matches(entry.GroupID, entry.Endpoint)
		})
		if i >= 0 {
			st.Overrides[i] = entry
		} else {
			st.Overrides = append(st.Overrides, entry)
		}
		return nil
	})
}

// DeleteOverride removes the override for (groupID, endpoint).
// It reports whether an entry existed.
func (s *FileStateStore) DeleteOverride(groupID, endpoint string) (bool, error) {
	if endpoint == "" {
		endpoint = AllEndpoints
	}
	var removed bool
	err := s.Update(func(st *OverrideState) error {
		before := len(st.Overrides)
		st.Overrides = slices.DeleteFunc(st.Overrides, func(e OverrideEntry) bool {
			return e.matches(groupID, endpoint)
		})
		removed = len(st.Overrides) != before
		if !removed {
			return errNoChange
		}
		return nil
	})
	if errors.Is(err, errNoChange) {
		return false, nil
	}
	return removed, err
}

// ListOverrides returns all overrides sorted by group then endpoint.
func (s *FileStateStore) ListOverrides() ([]OverrideEntry, error) {
	st, err := s.Load()
	if err != nil {
		return nil, err
	}
	out := slices.Clone(st.Overrides)
	slices.SortFunc(out, func(a, b OverrideEntry) int {
		if c := strings.Compare(a.GroupID, b.GroupID); c != 0 {
			return c
		}
		return strings.Compare(a.Endpoint, b.Endpoint)
	})
	return out, nil
}

// errNoChange aborts an Update without writing.
var errNoChange = errors.New("no change")

// lockFile acquires the cross-process lock and returns its release function.
func (s *FileStateStore) lockFile() (func(), error) {
	lockPath := s.path + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := lockExclusive(lockFile.Fd()); err != nil {
		_ = lockFile.Close()
		return nil, fmt.Errorf("acquire file lock: %w", err)
	}
	return func() {
		_ = unlockFile(lockFile.Fd())
		_ = lockFile.Close()
	}, nil
}

func (s *FileStateStore) saveLocked(state *OverrideState) error {
	state.UpdatedAt = time.Now().UTC()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = state.UpdatedAt
	}

	// Create backup of current file (ignore error if file doesn't exist).
	if currentData, readErr := os.ReadFile(s.path); readErr == nil {
		bakPath := s.path + ".bak"
		if writeErr := os.WriteFile(bakPath, currentData, 0600); writeErr != nil {
			s.logger.Warn("failed to create backup", "error", writeErr)
		}
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	data = append(data, '\n')

	if err := s.writeAtomic(data); err != nil {
		return err
	}

	// Rename keeps the temp file mode, but umask may have widened it.
	if err := os.Chmod(s.path, 0600); err != nil {
		s.logger.Warn("failed to set permissions on state file", "error", err)
	}

	s.logger.Debug("overrides saved", "path", s.path, "entries", len(state.Overrides))
	return nil
}

// writeAtomic writes data to a temp file, fsyncs it, and renames it
// over the target path. On any error the temp file is cleaned up.
func (s *FileStateStore) writeAtomic(data []byte) error {
	tmpPath := s.path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp to state: %w", err)
	}
	return nil
}

// DefaultState returns an empty version "1" state.
func (s *FileStateStore) DefaultState() *OverrideState {
	now := time.Now().UTC()
	return &OverrideState{
		Version:   "1",
		Overrides: []OverrideEntry{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Exists returns true if the state file exists on disk.
func (s *FileStateStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Path returns the configured file path.
func (s *FileStateStore) Path() string {
	return s.path
}
