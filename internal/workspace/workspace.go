// Package workspace owns the per-job scratch directories and the durable
// store that finished artifacts are served from.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"omniconvert/internal/apperr"
)

// Manager creates exactly one workspace per session.
type Manager struct {
	root   string
	logger *slog.Logger
}

func NewManager(root string, logger *slog.Logger) *Manager {
	return &Manager{root: root, logger: logger}
}

// Workspace is a job's private directory. Close removes it and everything
// inside; it is safe to call more than once.
type Workspace struct {
	SessionID string
	Dir       string

	once   sync.Once
	logger *slog.Logger
}

// Create makes <root>/<sessionID>. An existing directory is an error:
// workspaces are never reused.
func (m *Manager) Create(sessionID string) (*Workspace, error) {
	if !validSegment(sessionID) {
		return nil, apperr.New(apperr.KindSystem, "invalid session id %q", sessionID)
	}
	if err := os.MkdirAll(m.root, 0o750); err != nil {
		return nil, apperr.Wrap(apperr.KindSystem, err, "create workspace root: %v", err)
	}
	dir := filepath.Join(m.root, sessionID)
	if err := os.Mkdir(dir, 0o750); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, apperr.Wrap(apperr.KindSystem, err, "workspace %s already exists", sessionID)
		}
		return nil, apperr.Wrap(apperr.KindSystem, err, "create workspace: %v", err)
	}
	return &Workspace{SessionID: sessionID, Dir: dir, logger: m.logger}, nil
}

// Sub creates and returns a directory inside the workspace.
func (w *Workspace) Sub(name string) (string, error) {
	if !validSegment(name) {
		return "", apperr.New(apperr.KindSystem, "invalid workspace subdirectory %q", name)
	}
	dir := filepath.Join(w.Dir, name)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", apperr.Wrap(apperr.KindSystem, err, "create %s: %v", name, err)
	}
	return dir, nil
}

func (w *Workspace) Close() error {
	var err error
	w.once.Do(func() {
		err = os.RemoveAll(w.Dir)
		if err != nil && w.logger != nil {
			w.logger.Warn("failed to remove workspace", "session_id", w.SessionID, "error", err)
		}
	})
	return err
}

// Store is the durable converted-artifact directory, one subdirectory per
// session.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

func (s *Store) Root() string { return s.root }

// SessionDir returns <root>/<sessionID>, creating it.
func (s *Store) SessionDir(sessionID string) (string, error) {
	if !validSegment(sessionID) {
		return "", apperr.New(apperr.KindSystem, "invalid session id %q", sessionID)
	}
	dir := filepath.Join(s.root, sessionID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", apperr.Wrap(apperr.KindSystem, err, "create store dir: %v", err)
	}
	return dir, nil
}

// Resolve maps a client-supplied session and relative path to a file in
// the store. Anything that would escape the session directory is an
// INPUT_ERROR.
func (s *Store) Resolve(sessionID, rel string) (string, error) {
	if !validSegment(sessionID) {
		return "", apperr.New(apperr.KindInput, "invalid session id")
	}
	rel = strings.ReplaceAll(rel, "\\", "/")
	if rel == "" || !filepath.IsLocal(filepath.FromSlash(rel)) {
		return "", apperr.New(apperr.KindInput, "invalid file path")
	}

	base := filepath.Join(s.root, sessionID)
	full := filepath.Join(base, filepath.FromSlash(rel))
	inside, err := filepath.Rel(base, full)
	if err != nil || inside == "." || strings.HasPrefix(inside, "..") {
		return "", apperr.New(apperr.KindInput, "invalid file path")
	}

	info, err := os.Stat(full)
	if err != nil || !info.Mode().IsRegular() {
		return "", apperr.New(apperr.KindInput, "file not found")
	}
	return full, nil
}

// RemoveSession deletes one session's artifacts.
func (s *Store) RemoveSession(sessionID string) error {
	if !validSegment(sessionID) {
		return apperr.New(apperr.KindInput, "invalid session id")
	}
	return os.RemoveAll(filepath.Join(s.root, sessionID))
}

// Purge removes every session.
func (s *Store) Purge() error {
	return PurgeDir(s.root)
}

// PurgeOlderThan removes sessions whose directory was last modified more
// than ttl ago and returns how many were removed.
func (s *Store) PurgeOlderThan(ttl time.Duration) (int, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-ttl)
	removed := 0
	var errs []error
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.root, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// PurgeDir empties dir, leaving the directory itself in place.
func PurgeDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return os.MkdirAll(dir, 0o750)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", dir, err)
	}
	var errs []error
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func validSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}
