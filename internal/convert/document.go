package convert

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"omniconvert/internal/apperr"
	"omniconvert/internal/fsutil"
	"omniconvert/internal/runner"
)

const (
	profileDirName = "user_profile"
	// Synthetic progress for office conversions stops here until the tool
	// returns.
	docProgressCap  = 95
	docProgressStep = 2
)

var (
	textSources  = []string{"txt", "md", "html", "htm", "rtf"}
	imageTargets = []string{"jpg", "png", "bmp", "tiff"}
)

// convertDocument works inside a clean room <workdir>/job_<index> holding
// only source.<ext>, so office tools never see the sandbox name and their
// side files stay contained.
func (c *Converter) convertDocument(ctx context.Context, t Task) error {
	room := filepath.Join(t.WorkDir, fmt.Sprintf("job_%d", t.Index))
	if err := os.MkdirAll(room, 0o750); err != nil {
		return apperr.Wrap(apperr.KindSystem, err, "create clean room: %v", err)
	}
	defer os.RemoveAll(room)

	sourceName := "source." + t.SourceExt
	expected := "output." + t.Format
	if err := fsutil.CopyAtomic(t.Source, filepath.Join(room, sourceName)); err != nil {
		return apperr.Wrap(apperr.KindSystem, err, "stage document: %v", err)
	}

	stop := c.fakeProgress(t)
	defer stop()

	isPDF := t.SourceExt == "pdf"
	isText := slices.Contains(textSources, t.SourceExt)
	toImage := slices.Contains(imageTargets, t.Format)

	var err error
	switch {
	case t.SourceExt == t.Format:
		err = fsutil.CopyAtomic(filepath.Join(room, sourceName), filepath.Join(room, expected))

	case isPDF && toImage:
		err = c.rasterize(ctx, room, sourceName, expected)

	case isText && toImage:
		if err = c.soffice(ctx, room, sourceName, "pdf", false); err == nil {
			pdf := findResult(room, sourceName, "pdf")
			if pdf == "" {
				pdf = sourceName
			}
			err = c.rasterize(ctx, room, pdf, expected)
		}

	case isText && t.Format != "pdf":
		_, err = c.runner.Run(ctx, c.tools.Pandoc, []string{sourceName, "-o", expected}, runner.Options{Dir: room, Timeout: c.timeouts.Tool})

	case isPDF && t.Format == "html":
		err = c.soffice(ctx, room, sourceName, "html:XHTML Writer File:UTF8", true)

	default:
		err = c.soffice(ctx, room, sourceName, t.Format, isPDF)
	}
	if err != nil {
		return err
	}

	result := collectResult(room, sourceName, expected, t.Format)
	if result == "" {
		names := listNames(room)
		c.logger.Warn("document output missing", "file_index", t.Index, "dir_contents", names)
		return apperr.New(apperr.KindToolCrash, "Output missing in Clean Room.")
	}
	return fsutil.Move(filepath.Join(room, result), t.Output)
}

// rasterize renders the first page of a PDF on a white background.
func (c *Converter) rasterize(ctx context.Context, room, pdf, out string) error {
	args := []string{
		"-density", "150",
		pdf + "[0]",
		"-background", "white",
		"-alpha", "remove", "-alpha", "off",
		"-quality", "100",
		out,
	}
	_, err := c.runner.Run(ctx, c.tools.Magick, args, runner.Options{Dir: room, Timeout: c.timeouts.Image})
	return err
}

// soffice runs a headless LibreOffice conversion with a private profile
// inside the clean room, so concurrent jobs never share an instance.
func (c *Converter) soffice(ctx context.Context, room, source, convertTo string, pdfImport bool) error {
	profile := url.URL{Scheme: "file", Path: filepath.ToSlash(filepath.Join(room, profileDirName))}
	args := []string{
		"-env:UserInstallation=" + profile.String(),
		"--headless", "--norestore",
	}
	if pdfImport {
		args = append(args, "--infilter=writer_pdf_import")
	}
	args = append(args, "--convert-to", convertTo, "--outdir", ".", source)

	_, err := c.runner.Run(ctx, c.tools.Soffice, args, runner.Options{Dir: room, Timeout: c.timeouts.Document})
	return err
}

// collectResult finds the converted file: the expected name first, then
// any other file with the target extension, then ImageMagick's -0 suffix.
func collectResult(room, source, expected, format string) string {
	if info, err := os.Stat(filepath.Join(room, expected)); err == nil && info.Mode().IsRegular() {
		return expected
	}
	if name := findResult(room, source, format); name != "" {
		return name
	}
	suffix := "-0." + format
	for _, name := range listNames(room) {
		if strings.Contains(name, suffix) {
			return name
		}
	}
	return ""
}

func findResult(room, source, format string) string {
	for _, name := range listNames(room) {
		if name == source || strings.HasPrefix(name, profileDirName) {
			continue
		}
		if strings.HasSuffix(strings.ToLower(name), "."+format) {
			return name
		}
	}
	return ""
}

func listNames(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	return names
}

// fakeProgress reports +2% every tick, capped, until stop is called.
func (c *Converter) fakeProgress(t Task) (stop func()) {
	if t.Progress == nil {
		return func() {}
	}
	t.progress(1)

	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(c.docTick)
		defer ticker.Stop()
		current := 0
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if current < docProgressCap {
					current = min(current+docProgressStep, docProgressCap)
					t.progress(current)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}
