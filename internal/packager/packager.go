// Package packager turns a job's outputs into the single artifact the
// client downloads.
package packager

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zip"

	"omniconvert/internal/apperr"
	"omniconvert/internal/fsutil"
	"omniconvert/internal/models"
	"omniconvert/internal/workspace"
)

// Output is one converted file waiting in the workspace. Name is the
// display name it is published under.
type Output struct {
	Path string
	Name string
}

type Packager struct {
	store *workspace.Store
}

func New(store *workspace.Store) *Packager {
	return &Packager{store: store}
}

// BundleName is the zip file name used for multi-output jobs.
func BundleName(sessionID string) string {
	return fmt.Sprintf("OmniConvert_%s.zip", sessionID)
}

// Package publishes outputs. One output is moved as is; several are zipped
// in the given order. Zero outputs is a failure result.
func (p *Packager) Package(sessionID string, outputs []Output) (models.ConversionResult, error) {
	if len(outputs) == 0 {
		return models.Failure(sessionID, "No files could be converted."), nil
	}

	dir, err := p.store.SessionDir(sessionID)
	if err != nil {
		return models.ConversionResult{}, err
	}

	if len(outputs) == 1 {
		dst := filepath.Join(dir, outputs[0].Name)
		if err := fsutil.Move(outputs[0].Path, dst); err != nil {
			return models.ConversionResult{}, apperr.Wrap(apperr.KindSystem, err, "publish %s: %v", outputs[0].Name, err)
		}
		return models.SingleFile(sessionID, dst, outputs[0].Name), nil
	}

	name := BundleName(sessionID)
	dst := filepath.Join(dir, name)
	if err := writeZip(dst, outputs); err != nil {
		_ = os.Remove(dst)
		return models.ConversionResult{}, apperr.Wrap(apperr.KindSystem, err, "build bundle: %v", err)
	}
	return models.Bundle(sessionID, dst, name), nil
}

// PackageExtraction relocates an extraction directory to
// <store>/<session>/extracted and lists its regular files relative to it.
func (p *Packager) PackageExtraction(sessionID, extractedDir string) (models.ConversionResult, error) {
	dir, err := p.store.SessionDir(sessionID)
	if err != nil {
		return models.ConversionResult{}, err
	}
	dst := filepath.Join(dir, "extracted")
	if err := os.RemoveAll(dst); err != nil {
		return models.ConversionResult{}, apperr.Wrap(apperr.KindSystem, err, "clear extraction target: %v", err)
	}
	if err := fsutil.MoveDir(extractedDir, dst); err != nil {
		return models.ConversionResult{}, apperr.Wrap(apperr.KindSystem, err, "publish extraction: %v", err)
	}

	names, err := ListFiles(dst)
	if err != nil {
		return models.ConversionResult{}, apperr.Wrap(apperr.KindSystem, err, "list extraction: %v", err)
	}
	return models.ExtractedListing(sessionID, names), nil
}

// ListFiles returns the regular files under dir as sorted slash paths.
func ListFiles(dir string) ([]string, error) {
	var names []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	sort.Strings(names)
	return names, err
}

// ZipDir writes every regular file under dir into a zip at dst, keeping
// relative paths.
func ZipDir(dir, dst string) error {
	names, err := ListFiles(dir)
	if err != nil {
		return err
	}
	outputs := make([]Output, 0, len(names))
	for _, n := range names {
		outputs = append(outputs, Output{Path: filepath.Join(dir, filepath.FromSlash(n)), Name: n})
	}
	return writeZip(dst, outputs)
}

func writeZip(dst string, outputs []Output) error {
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(f)

	for _, o := range outputs {
		if err := addFile(zw, o); err != nil {
			_ = zw.Close()
			_ = f.Close()
			return fmt.Errorf("add %s: %w", o.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func addFile(zw *zip.Writer, o Output) error {
	src, err := os.Open(o.Path)
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = o.Name
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}
