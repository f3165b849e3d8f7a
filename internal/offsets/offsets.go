// Package offsets persists per-file read offsets and the bounded set of
// event ids already emitted, so a restart neither replays nor skips lines.
package offsets

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// DefaultMaxSeen is the dedup-set capacity when none is configured.
const DefaultMaxSeen = 5000

// State is the on-disk shape of the state file.
type State struct {
	Offsets map[string]int64 `json:"offsets"`
	SeenIDs []string         `json:"seenIds"`
}

// Store holds offsets and the seen-id set in memory and writes them to a
// JSON file. All methods are safe for concurrent use.
type Store struct {
	path    string
	maxSeen int
	log     zerolog.Logger

	mu      sync.Mutex
	offsets map[string]int64
	seen    map[string]struct{}
	order   []string // insertion order, oldest first

	saveMu sync.Mutex
}

// New returns an empty store backed by path.
func New(path string, maxSeen int, log zerolog.Logger) *Store {
	if maxSeen <= 0 {
		maxSeen = DefaultMaxSeen
	}
	return &Store{
		path:    path,
		maxSeen: maxSeen,
		log:     log,
		offsets: make(map[string]int64),
		seen:    make(map[string]struct{}),
	}
}

// Load replaces the in-memory state with the contents of the state file.
// A missing or corrupt file leaves the store empty; corruption is logged.
func (s *Store) Load() State {
	st := State{Offsets: map[string]int64{}}

	data, err := os.ReadFile(s.path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		s.log.Warn().Err(err).Str("path", s.path).Msg("read state file")
	default:
		if err := json.Unmarshal(data, &st); err != nil {
			s.log.Warn().Err(err).Str("path", s.path).Msg("corrupt state file, starting empty")
			st = State{Offsets: map[string]int64{}}
		}
	}
	if st.Offsets == nil {
		st.Offsets = map[string]int64{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets = make(map[string]int64, len(st.Offsets))
	for k, v := range st.Offsets {
		if v >= 0 {
			s.offsets[k] = v
		}
	}
	s.seen = make(map[string]struct{})
	s.order = nil
	ids := st.SeenIDs
	if len(ids) > s.maxSeen {
		ids = ids[len(ids)-s.maxSeen:]
	}
	for _, id := range ids {
		s.markLocked(id)
	}
	return st
}

// Offset returns the stored offset for fileKey and whether one exists.
func (s *Store) Offset(fileKey string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	off, ok := s.offsets[fileKey]
	return off, ok
}

// SetOffset records a new offset. Offsets never move backwards; a lower
// value is ignored and false is returned.
func (s *Store) SetOffset(fileKey string, off int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.offsets[fileKey]; ok && off < cur {
		return false
	}
	s.offsets[fileKey] = off
	return true
}

// HasSeen reports whether id was already emitted and marks it seen.
func (s *Store) HasSeen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[id]; ok {
		return true
	}
	s.markLocked(id)
	return false
}

func (s *Store) markLocked(id string) {
	if _, ok := s.seen[id]; ok {
		return
	}
	s.seen[id] = struct{}{}
	s.order = append(s.order, id)
	for len(s.order) > s.maxSeen {
		delete(s.seen, s.order[0])
		s.order = s.order[1:]
	}
}

// SeenCount returns the current size of the seen-id set.
func (s *Store) SeenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// FileCount returns the number of files with a stored offset.
func (s *Store) FileCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.offsets)
}

// Snapshot copies the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{
		Offsets: make(map[string]int64, len(s.offsets)),
		SeenIDs: make([]string, len(s.order)),
	}
	for k, v := range s.offsets {
		st.Offsets[k] = v
	}
	copy(st.SeenIDs, s.order)
	return st
}

// Save writes the state atomically: a temp file in the same directory is
// written, synced and renamed over the target. Concurrent saves are
// serialized.
func (s *Store) Save() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	data, err := json.Marshal(s.Snapshot())
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}
