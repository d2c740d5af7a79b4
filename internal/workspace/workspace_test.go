package workspace

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omniconvert/internal/apperr"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestManager_CreateNeverReuses(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "workspaces"), discard())

	ws, err := m.Create("session_a")
	require.NoError(t, err)
	assert.DirExists(t, ws.Dir)

	_, err = m.Create("session_a")
	assert.Error(t, err)

	require.NoError(t, ws.Close())
	require.NoError(t, ws.Close())
	assert.NoDirExists(t, ws.Dir)
}

func TestManager_RejectsBadIDs(t *testing.T) {
	m := NewManager(t.TempDir(), discard())
	for _, id := range []string{"", ".", "..", "a/b", `a\b`} {
		_, err := m.Create(id)
		assert.Error(t, err, id)
	}
}

func TestWorkspace_Sub(t *testing.T) {
	ws, err := NewManager(t.TempDir(), discard()).Create("s1")
	require.NoError(t, err)
	defer ws.Close()

	dir, err := ws.Sub("job_0")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws.Dir, "job_0"), dir)
	assert.DirExists(t, dir)

	_, err = ws.Sub("../escape")
	assert.Error(t, err)
}

func TestStore_Resolve(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)
	dir, err := s.SessionDir("session_1")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "extracted", "sub"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extracted", "sub", "a.txt"), []byte("a"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "secret.txt"), []byte("s"), 0o600))

	got, err := s.Resolve("session_1", "extracted/sub/a.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "extracted", "sub", "a.txt"), got)

	bad := []struct{ session, rel string }{
		{"session_1", "../secret.txt"},
		{"session_1", "extracted/../../secret.txt"},
		{"session_1", "/etc/passwd"},
		{"session_1", `..\secret.txt`},
		{"session_1", ""},
		{"session_1", "extracted"},
		{"..", "secret.txt"},
		{"session_1", "missing.txt"},
	}
	for _, b := range bad {
		_, err := s.Resolve(b.session, b.rel)
		require.Error(t, err, b.rel)
		assert.Equal(t, apperr.KindInput, apperr.KindOf(err), b.rel)
	}
}

func TestStore_PurgeOlderThan(t *testing.T) {
	s := NewStore(t.TempDir())
	oldDir, err := s.SessionDir("old")
	require.NoError(t, err)
	newDir, err := s.SessionDir("new")
	require.NoError(t, err)

	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(oldDir, past, past))

	n, err := s.PurgeOlderThan(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoDirExists(t, oldDir)
	assert.DirExists(t, newDir)
}

func TestPurgeDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), nil, 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "b"), 0o750))

	require.NoError(t, PurgeDir(dir))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.DirExists(t, dir)

	missing := filepath.Join(dir, "later")
	require.NoError(t, PurgeDir(missing))
	assert.DirExists(t, missing)
}
