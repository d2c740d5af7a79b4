// Package ingest is the security gate every file crosses before any
// converter sees it. Files are identified by content, copied into the
// sandbox under a generated name and registered by ID.
package ingest

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"omniconvert/internal/apperr"
	"omniconvert/internal/category"
	"omniconvert/internal/fsutil"
	"omniconvert/internal/metrics"
	"omniconvert/internal/models"
)

var (
	ErrFileMissing  = errors.New("file missing")
	ErrFileTooLarge = errors.New("file too large")
	ErrSecurityRisk = errors.New("security risk")
)

// Gate validates and sandboxes files.
type Gate struct {
	logger   *slog.Logger
	maxBytes int64
	registry *Registry
	now      func() time.Time
}

func NewGate(logger *slog.Logger, maxBytes int64, registry *Registry) *Gate {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Gate{logger: logger, maxBytes: maxBytes, registry: registry, now: time.Now}
}

// Registry returns the registry accepted files are recorded in.
func (g *Gate) Registry() *Registry { return g.registry }

// Ingest validates the file at rawPath and copies it into sandboxDir.
// The source file is never modified.
func (g *Gate) Ingest(rawPath, sandboxDir string) (models.IngestedFile, error) {
	path := norm.NFC.String(rawPath)
	return g.ingest(path, filepath.Base(path), sandboxDir)
}

// IngestReader stages r under stagingDir, bounded by the size cap, and
// ingests the staged copy. originalName is kept for display and for the
// claimed extension only.
func (g *Gate) IngestReader(r io.Reader, originalName, stagingDir, sandboxDir string) (models.IngestedFile, error) {
	if err := os.MkdirAll(stagingDir, 0o750); err != nil {
		return models.IngestedFile{}, apperr.Wrap(apperr.KindSystem, err, "create staging dir: %v", err)
	}
	name := norm.NFC.String(filepath.Base(strings.ReplaceAll(originalName, "\\", "/")))
	staged := filepath.Join(stagingDir, uuid.NewString()+claimedExt(name, true))

	f, err := os.OpenFile(staged, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return models.IngestedFile{}, apperr.Wrap(apperr.KindSystem, err, "stage upload: %v", err)
	}
	defer os.Remove(staged)

	n, copyErr := io.Copy(f, io.LimitReader(r, g.maxBytes+1))
	closeErr := f.Close()
	if copyErr != nil {
		return models.IngestedFile{}, apperr.Wrap(apperr.KindInput, copyErr, "upload interrupted: %v", copyErr)
	}
	if closeErr != nil {
		return models.IngestedFile{}, apperr.Wrap(apperr.KindSystem, closeErr, "stage upload: %v", closeErr)
	}
	if n > g.maxBytes {
		return g.reject(name, "too_large", g.tooLarge())
	}
	return g.ingest(staged, name, sandboxDir)
}

func (g *Gate) ingest(path, originalName, sandboxDir string) (models.IngestedFile, error) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return g.reject(originalName, "missing", apperr.Wrap(apperr.KindInput, ErrFileMissing, "FILE_MISSING: The file could not be found."))
	}
	if info.Size() > g.maxBytes {
		return g.reject(originalName, "too_large", g.tooLarge())
	}

	detected, err := mimetype.DetectFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return g.reject(originalName, "missing", apperr.Wrap(apperr.KindInput, ErrFileMissing, "FILE_MISSING: The file could not be read."))
		}
		return models.IngestedFile{}, apperr.Wrap(apperr.KindSystem, err, "inspect %s: %v", originalName, err)
	}

	ext, err := finalExtension(detected, claimedExt(originalName, false))
	if err != nil {
		g.logger.Warn("ingest rejected", "file", originalName, "mime", detected.String(), "reason", err)
		return g.reject(originalName, "security", err)
	}

	id := uuid.NewString()
	safePath := filepath.Join(sandboxDir, id+"."+ext)
	if err := fsutil.CopyAtomic(path, safePath); err != nil {
		return models.IngestedFile{}, apperr.Wrap(apperr.KindSystem, err, "copy into sandbox: %v", err)
	}

	file := models.IngestedFile{
		ID:                id,
		SafePath:          safePath,
		OriginalName:      originalName,
		DetectedExtension: ext,
		MIME:              baseMIME(detected.String()),
		Size:              info.Size(),
		IngestedAt:        g.now().UTC(),
	}
	g.registry.Put(file)
	metrics.IngestTotal.WithLabelValues("accepted").Inc()
	g.logger.Info("file ingested", "id", id, "file", originalName, "ext", ext, "mime", file.MIME, "size", file.Size)
	return file, nil
}

// finalExtension decides the sandbox extension from the detected type and
// the extension the filename claims.
func finalExtension(detected *mimetype.MIME, claimed string) (string, error) {
	if isDenied(detected) {
		return "", apperr.Wrap(apperr.KindSecurity, ErrSecurityRisk, "SECURITY_RISK: File type rejected (Executable/Script detected).")
	}

	if isUnidentified(detected) {
		if claimed != "" && slices.Contains(textLikeExtensions, claimed) {
			return claimed, nil
		}
		return "", apperr.Wrap(apperr.KindSecurity, ErrSecurityRisk, "SECURITY_RISK: Could not identify file type.")
	}

	ext := strings.TrimPrefix(detected.Extension(), ".")
	if category.ForExtension(ext) == category.Archive && category.IsMedia(category.ForExtension(claimed)) {
		return "", apperr.Wrap(apperr.KindSecurity, ErrSecurityRisk, "SECURITY_RISK: Archive disguised as %s file.", claimed)
	}
	if claimed != "" && refine(detected, claimed) {
		return claimed, nil
	}
	if ext == "" {
		return "", apperr.Wrap(apperr.KindSecurity, ErrSecurityRisk, "SECURITY_RISK: Could not identify file type.")
	}
	return ext, nil
}

func (g *Gate) tooLarge() error {
	return apperr.Wrap(apperr.KindInput, ErrFileTooLarge, "FILE_TOO_LARGE: Max size is %dMB.", g.maxBytes>>20)
}

func (g *Gate) reject(name, result string, err error) (models.IngestedFile, error) {
	metrics.IngestTotal.WithLabelValues(result).Inc()
	return models.IngestedFile{}, fmt.Errorf("%s: %w", name, err)
}

// claimedExt returns the lowercase extension of name. With dot set the
// leading dot is kept and anything outside [a-z0-9] yields "".
func claimedExt(name string, dot bool) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	for _, r := range ext {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	if dot && ext != "" {
		return "." + ext
	}
	return ext
}

func baseMIME(s string) string {
	mt, _, err := mime.ParseMediaType(s)
	if err != nil {
		return s
	}
	return mt
}
