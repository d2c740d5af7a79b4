package archive

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omniconvert/internal/apperr"
)

type entry struct {
	name string
	// size is the declared uncompressed size; no payload is written for
	// forged entries.
	size   uint64
	forged bool
}

func buildZip(t *testing.T, entries ...entry) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for _, e := range entries {
		if e.forged {
			_, err := zw.CreateRaw(&zip.FileHeader{
				Name:               e.name,
				Method:             zip.Store,
				UncompressedSize64: e.size,
			})
			require.NoError(t, err)
			continue
		}
		w, err := zw.Create(e.name)
		require.NoError(t, err)
		_, err = w.Write(make([]byte, e.size))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return path
}

func TestScan_Safe(t *testing.T) {
	s := NewScanner(0, 0)
	path := buildZip(t, entry{name: "a.txt", size: 10}, entry{name: "dir/b.png", size: 20})

	report, err := s.Scan(path)
	require.NoError(t, err)
	assert.True(t, report.Safe())
	assert.Equal(t, 2, report.Entries)
	assert.Equal(t, int64(30), report.TotalUncompressed)
}

func TestScan_ZipBomb(t *testing.T) {
	s := NewScanner(0, 0)
	path := buildZip(t, entry{name: "bomb.bin", size: 10 << 30, forged: true})

	report, err := s.Scan(path)
	require.Error(t, err)
	assert.Equal(t, apperr.KindSecurity, apperr.KindOf(err))
	assert.False(t, report.SizeOK)
	assert.Zero(t, report.Entries)
}

func TestScan_TotalSizeAcrossEntries(t *testing.T) {
	s := NewScanner(10, 100)
	path := buildZip(t,
		entry{name: "a.bin", size: 60, forged: true},
		entry{name: "b.bin", size: 60, forged: true},
	)

	report, err := s.Scan(path)
	require.Error(t, err)
	assert.False(t, report.SizeOK)
	assert.Equal(t, 1, report.Entries)
	assert.Equal(t, int64(120), report.TotalUncompressed)
}

func TestScan_TooManyEntries(t *testing.T) {
	s := NewScanner(2, 0)
	path := buildZip(t, entry{name: "1.txt"}, entry{name: "2.txt"}, entry{name: "3.txt"})

	report, err := s.Scan(path)
	require.Error(t, err)
	assert.False(t, report.CountOK)
	assert.Equal(t, 2, report.Entries)
}

func TestScan_Nested(t *testing.T) {
	for _, name := range []string{"inner.zip", "deep/INNER.RAR", "x.7z", "y.tar", "z.gz"} {
		t.Run(name, func(t *testing.T) {
			report, err := NewScanner(0, 0).Scan(buildZip(t, entry{name: name}))
			require.Error(t, err)
			assert.Equal(t, apperr.KindSecurity, apperr.KindOf(err))
			assert.False(t, report.NestingOK)
		})
	}
}

func TestScan_Traversal(t *testing.T) {
	for _, name := range []string{"../../etc/passwd", "a/../../b", `..\evil.txt`, "/abs.txt", "C:/win.txt", "ok/..", "c:evil"} {
		t.Run(name, func(t *testing.T) {
			path := buildZip(t, entry{name: "fine.txt", size: 1}, entry{name: name, forged: true})
			report, err := NewScanner(0, 0).Scan(path)
			require.Error(t, err)
			assert.Equal(t, apperr.KindSecurity, apperr.KindOf(err))
			assert.False(t, report.PathsOK)
			assert.Equal(t, 1, report.Entries)
		})
	}
}

func TestScan_DotsInNamesAreFine(t *testing.T) {
	path := buildZip(t, entry{name: "notes..txt"}, entry{name: "v1.2/readme.md"})
	_, err := NewScanner(0, 0).Scan(path)
	assert.NoError(t, err)
}

func TestScan_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.zip")
	require.NoError(t, os.WriteFile(path, []byte("not a zip at all"), 0o600))

	_, err := NewScanner(0, 0).Scan(path)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInput, apperr.KindOf(err))
}

func TestSupports(t *testing.T) {
	assert.True(t, Supports(".zip"))
	assert.True(t, Supports("ZIP"))
	assert.False(t, Supports("rar"))
}

func TestCheckTree(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), make([]byte, 40), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.txt"), make([]byte, 40), 0o600))

	report, err := NewScanner(10, 100).CheckTree(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Entries)

	_, err = NewScanner(1, 100).CheckTree(dir)
	assert.Equal(t, apperr.KindSecurity, apperr.KindOf(err))

	_, err = NewScanner(10, 50).CheckTree(dir)
	assert.Equal(t, apperr.KindSecurity, apperr.KindOf(err))

	nested := filepath.Join(dir, "sub", "Inner.RAR")
	require.NoError(t, os.WriteFile(nested, []byte("rar"), 0o600))
	report, err = NewScanner(10, 1000).CheckTree(dir)
	assert.Equal(t, apperr.KindSecurity, apperr.KindOf(err))
	assert.False(t, report.NestingOK)
	require.NoError(t, os.Remove(nested))

	require.NoError(t, os.Symlink("/etc/passwd", filepath.Join(dir, "link")))
	report, err = NewScanner(10, 100).CheckTree(dir)
	assert.Equal(t, apperr.KindSecurity, apperr.KindOf(err))
	assert.False(t, report.PathsOK)
}
