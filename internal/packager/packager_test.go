package packager

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omniconvert/internal/models"
	"omniconvert/internal/workspace"
)

func writeOutput(t *testing.T, dir, name, body string) Output {
	t.Helper()
	path := filepath.Join(dir, "process_"+name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return Output{Path: path, Name: name}
}

func TestPackage_Single(t *testing.T) {
	store := workspace.NewStore(t.TempDir())
	p := New(store)
	out := writeOutput(t, t.TempDir(), "photo.png", "png-bytes")

	res, err := p.Package("session_1", []Output{out})
	require.NoError(t, err)

	assert.Equal(t, models.ResultSingleFile, res.Kind)
	assert.Equal(t, "photo.png", res.Name)
	assert.Equal(t, filepath.Join(store.Root(), "session_1", "photo.png"), res.Path)
	assert.NoFileExists(t, out.Path)
	got, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(got))
}

func TestPackage_BundleKeepsOrder(t *testing.T) {
	store := workspace.NewStore(t.TempDir())
	p := New(store)
	work := t.TempDir()
	outs := []Output{
		writeOutput(t, work, "b.png", "b"),
		writeOutput(t, work, "a.png", "a"),
		writeOutput(t, work, "c.png", "c"),
	}

	res, err := p.Package("session_2", outs)
	require.NoError(t, err)
	assert.Equal(t, models.ResultBundle, res.Kind)
	assert.Equal(t, "OmniConvert_session_2.zip", res.Name)

	zr, err := zip.OpenReader(res.Path)
	require.NoError(t, err)
	defer zr.Close()

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"b.png", "a.png", "c.png"}, names)
}

func TestPackage_Empty(t *testing.T) {
	res, err := New(workspace.NewStore(t.TempDir())).Package("session_3", nil)
	require.NoError(t, err)
	assert.Equal(t, models.ResultFailure, res.Kind)
}

func TestPackageExtraction(t *testing.T) {
	store := workspace.NewStore(t.TempDir())
	extracted := filepath.Join(t.TempDir(), "extracted")
	require.NoError(t, os.MkdirAll(filepath.Join(extracted, "docs"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(extracted, "readme.txt"), []byte("r"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(extracted, "docs", "a.md"), []byte("a"), 0o600))

	res, err := New(store).PackageExtraction("session_4", extracted)
	require.NoError(t, err)

	assert.Equal(t, models.ResultExtracted, res.Kind)
	assert.Equal(t, []string{"docs/a.md", "readme.txt"}, res.FileNames)
	_, err = store.Resolve("session_4", "extracted/docs/a.md")
	assert.NoError(t, err)
}

func TestZipDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "x"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x", "y.txt"), []byte("y"), 0o600))

	dst := filepath.Join(t.TempDir(), "out.zip")
	require.NoError(t, ZipDir(dir, dst))

	zr, err := zip.OpenReader(dst)
	require.NoError(t, err)
	defer zr.Close()
	require.Len(t, zr.File, 1)
	assert.Equal(t, "x/y.txt", zr.File[0].Name)
}
