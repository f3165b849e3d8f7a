// Package sessionparser understands the agent's session log format: which
// files are session logs, how to read newly appended lines, and how to
// classify each JSON record into a closed set of variants.
package sessionparser

import (
	"errors"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/google/uuid"
)

// ErrNotSessionFile is returned for paths that do not follow the session
// log naming pattern.
var ErrNotSessionFile = errors.New("not a session file")

// SessionFile represents a discovered session log.
type SessionFile struct {
	Path      string // Absolute path to the file.
	Key       string // Path relative to the sessions dir, used for offsets.
	SessionID string // Base session id, without any thread suffix.
	Thread    int    // Thread number from a "-topic-N" suffix, 0 if none.
}

// <uuid>.jsonl or <uuid>-topic-<n>.jsonl
var sessionFileRe = regexp.MustCompile(`^([0-9a-fA-F-]{36})(?:-topic-(\d+))?\.jsonl$`)

// ParseFilename extracts the session id and thread number from a session
// log path.
func ParseFilename(path string) (sessionID string, thread int, err error) {
	m := sessionFileRe.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return "", 0, ErrNotSessionFile
	}
	id, err := uuid.Parse(m[1])
	if err != nil {
		return "", 0, ErrNotSessionFile
	}
	if m[2] != "" {
		thread, err = strconv.Atoi(m[2])
		if err != nil {
			return "", 0, ErrNotSessionFile
		}
	}
	return id.String(), thread, nil
}

// IsSessionFile reports whether path follows the session log naming pattern.
func IsSessionFile(path string) bool {
	_, _, err := ParseFilename(path)
	return err == nil
}

// NewSessionFile builds a SessionFile for path under baseDir.
func NewSessionFile(baseDir, path string) (SessionFile, error) {
	id, thread, err := ParseFilename(path)
	if err != nil {
		return SessionFile{}, err
	}
	key, err := filepath.Rel(baseDir, path)
	if err != nil {
		key = path
	}
	return SessionFile{
		Path:      path,
		Key:       filepath.ToSlash(key),
		SessionID: id,
		Thread:    thread,
	}, nil
}
