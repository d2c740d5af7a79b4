package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyAtomic(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "nested", "dst.bin")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o600))

	require.NoError(t, CopyAtomic(src, dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
	assert.FileExists(t, src, "copy must keep the source")
	assert.NoFileExists(t, dst+".tmp")
}

func TestMove(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.txt")
	dst := filepath.Join(dir, "out", "b.txt")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o600))

	require.NoError(t, Move(src, dst))

	assert.NoFileExists(t, src)
	assert.FileExists(t, dst)
}

func TestMoveDir(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "tree")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "f.txt"), []byte("f"), 0o600))

	dst := filepath.Join(dir, "store", "tree")
	require.NoError(t, MoveDir(src, dst))

	assert.NoDirExists(t, src)
	assert.FileExists(t, filepath.Join(dst, "sub", "f.txt"))
}
