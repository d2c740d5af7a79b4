package convert

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"omniconvert/internal/apperr"
	"omniconvert/internal/archive"
	"omniconvert/internal/fsutil"
	"omniconvert/internal/packager"
	"omniconvert/internal/runner"
)

// Extract scans src when the container is scannable, unpacks it into dest
// with unar and checks the extracted tree against the same quotas.
func (c *Converter) Extract(ctx context.Context, src, ext, dest, workDir string) error {
	scanner := archive.NewScanner(c.limits.MaxEntries, c.limits.MaxBytes)
	if archive.Supports(ext) {
		if _, err := scanner.Scan(src); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(dest, 0o750); err != nil {
		return apperr.Wrap(apperr.KindSystem, err, "create extraction dir: %v", err)
	}

	_, err := c.runner.Run(ctx, c.tools.Unar, []string{
		"-o", dest,
		"-f",
		"-no-directory",
		"-p", "",
		src,
	}, runner.Options{Dir: workDir, Timeout: c.timeouts.Tool})
	if err != nil {
		_ = os.RemoveAll(dest)
		return err
	}

	if _, err := scanner.CheckTree(dest); err != nil {
		_ = os.RemoveAll(dest)
		return err
	}
	return nil
}

// repack produces a zip from any archive: zip sources are copied as is,
// other containers are extracted and zipped again.
func (c *Converter) repack(ctx context.Context, t Task) error {
	if t.SourceExt == "zip" {
		if err := fsutil.CopyAtomic(t.Source, t.Output); err != nil {
			return apperr.Wrap(apperr.KindSystem, err, "copy archive: %v", err)
		}
		return nil
	}

	dir := filepath.Join(t.WorkDir, fmt.Sprintf("repack_%d", t.Index))
	defer os.RemoveAll(dir)
	if err := c.Extract(ctx, t.Source, t.SourceExt, dir, t.WorkDir); err != nil {
		return err
	}
	t.progress(50)
	if err := packager.ZipDir(dir, t.Output); err != nil {
		return apperr.Wrap(apperr.KindSystem, err, "build zip: %v", err)
	}
	return nil
}
