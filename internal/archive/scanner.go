// Package archive inspects archive containers before anything is
// extracted from them.
package archive

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/klauspost/compress/zip"

	"omniconvert/internal/apperr"
	"omniconvert/internal/metrics"
	"omniconvert/internal/models"
)

const (
	DefaultMaxEntries       = 2000
	DefaultMaxBytes   int64 = 2 << 30
)

var (
	nestedArchive = regexp.MustCompile(`(?i)\.(zip|rar|7z|tar|gz)$`)
	driveLetter   = regexp.MustCompile(`^[A-Za-z]:`)
)

// Scanner enforces entry count, total size, nesting and path quotas using
// only the container's central directory.
type Scanner struct {
	MaxEntries int
	MaxBytes   int64
}

func NewScanner(maxEntries int, maxBytes int64) *Scanner {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Scanner{MaxEntries: maxEntries, MaxBytes: maxBytes}
}

// Supports reports whether ext names a container Scan can read.
func Supports(ext string) bool {
	return strings.EqualFold(strings.TrimPrefix(ext, "."), "zip")
}

// Scan checks every entry in directory order and stops at the first
// violation. The report returned with an error reflects the entries seen
// before the violation.
func (s *Scanner) Scan(path string) (models.ArchiveScanReport, error) {
	report := models.ArchiveScanReport{SizeOK: true, CountOK: true, NestingOK: true, PathsOK: true}

	f, err := os.Open(path)
	if err != nil {
		return report, apperr.Wrap(apperr.KindInput, err, "Archive could not be opened")
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return report, apperr.Wrap(apperr.KindInput, err, "Archive could not be opened")
	}

	// A reader returned alongside an error (insecure entry names) is still
	// scanned; the path check below reports those entries.
	zr, err := zip.NewReader(f, info.Size())
	if zr == nil {
		metrics.ArchiveScansTotal.WithLabelValues("invalid").Inc()
		return report, apperr.Wrap(apperr.KindInput, err, "Invalid or corrupted archive")
	}

	for _, entry := range zr.File {
		report.TotalUncompressed += int64(entry.UncompressedSize64)
		if entry.UncompressedSize64 > uint64(s.MaxBytes) || report.TotalUncompressed > s.MaxBytes {
			report.SizeOK = false
			return s.reject(report, "Archive exceeds max uncompressed size (Zip Bomb Risk)")
		}

		if report.Entries+1 > s.MaxEntries {
			report.CountOK = false
			return s.reject(report, "Archive contains too many files")
		}

		if nestedArchive.MatchString(entry.Name) {
			report.NestingOK = false
			return s.reject(report, "Nested archives are not allowed")
		}

		if unsafePath(entry.Name) {
			report.PathsOK = false
			return s.reject(report, "Archive contains malicious file paths")
		}

		report.Entries++
	}

	metrics.ArchiveScansTotal.WithLabelValues("safe").Inc()
	return report, nil
}

func (s *Scanner) reject(report models.ArchiveScanReport, msg string) (models.ArchiveScanReport, error) {
	metrics.ArchiveScansTotal.WithLabelValues("rejected").Inc()
	return report, apperr.New(apperr.KindSecurity, "%s", msg)
}

func unsafePath(name string) bool {
	name = strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(name, "/") || driveLetter.MatchString(name) {
		return true
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// CheckTree applies the same quotas, nesting included, to an already
// extracted directory. Symlinks are treated as path violations. It backs containers Scan cannot
// read.
func (s *Scanner) CheckTree(dir string) (models.ArchiveScanReport, error) {
	report := models.ArchiveScanReport{SizeOK: true, CountOK: true, NestingOK: true, PathsOK: true}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir || d.IsDir() {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 || !d.Type().IsRegular() {
			report.PathsOK = false
			return errStop
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		report.TotalUncompressed += info.Size()
		if report.TotalUncompressed > s.MaxBytes {
			report.SizeOK = false
			return errStop
		}
		if report.Entries+1 > s.MaxEntries {
			report.CountOK = false
			return errStop
		}
		if nestedArchive.MatchString(d.Name()) {
			report.NestingOK = false
			return errStop
		}
		report.Entries++
		return nil
	})

	switch {
	case !report.PathsOK:
		return s.reject(report, "Archive contains malicious file paths")
	case !report.SizeOK:
		return s.reject(report, "Archive exceeds max uncompressed size (Zip Bomb Risk)")
	case !report.CountOK:
		return s.reject(report, "Archive contains too many files")
	case !report.NestingOK:
		return s.reject(report, "Nested archives are not allowed")
	case err != nil:
		return report, apperr.Wrap(apperr.KindSystem, err, "inspect extraction: %v", err)
	}
	return report, nil
}

var errStop = errors.New("stop walk")
