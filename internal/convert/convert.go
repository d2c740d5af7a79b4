// Package convert holds the per-category conversion pipelines. Every
// pipeline reads one sandboxed source and writes exactly one output path.
package convert

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"omniconvert/internal/apperr"
	"omniconvert/internal/category"
	"omniconvert/internal/config"
	"omniconvert/internal/models"
	"omniconvert/internal/runner"
)

// Runner runs an external tool. *runner.Runner satisfies it.
type Runner interface {
	Run(ctx context.Context, tool string, args []string, opts runner.Options) (runner.Result, error)
}

// Task describes one file conversion.
type Task struct {
	Index int
	// Source is the sandbox path; SourceExt its detected extension.
	Source    string
	SourceExt string
	Category  category.Category
	Format    string
	// Output is where the pipeline must leave its result.
	Output string
	// WorkDir is the job workspace; tools run inside it.
	WorkDir  string
	Settings models.Settings
	// Progress receives the file's own percentage, 0 to 100.
	Progress func(percent int)
}

func (t Task) progress(p int) {
	if t.Progress != nil {
		t.Progress(p)
	}
}

// Timeouts per pipeline family. Zero falls back to the runner default.
type Timeouts struct {
	Image    time.Duration
	Document time.Duration
	Media    time.Duration
	Tool     time.Duration
}

// Limits bound what an extraction may produce.
type Limits struct {
	MaxEntries int
	MaxBytes   int64
}

type Converter struct {
	logger   *slog.Logger
	runner   Runner
	tools    config.Tools
	timeouts Timeouts
	limits   Limits
	// docTick is the synthetic progress interval for office conversions.
	docTick time.Duration
}

func New(logger *slog.Logger, r Runner, tools config.Tools, timeouts Timeouts, limits Limits) *Converter {
	return &Converter{
		logger:   logger,
		runner:   r,
		tools:    tools,
		timeouts: timeouts,
		limits:   limits,
		docTick:  250 * time.Millisecond,
	}
}

// FromConfig wires a Converter from the server configuration.
func FromConfig(logger *slog.Logger, r Runner, cfg *config.Config) *Converter {
	return New(logger, r, cfg.Tools, Timeouts{
		Image:    cfg.ImageTimeout,
		Document: cfg.DocumentTimeout,
		Media:    cfg.MediaTimeout,
		Tool:     cfg.ToolTimeout,
	}, Limits{MaxEntries: cfg.ArchiveMaxEntries, MaxBytes: cfg.ArchiveMaxBytes})
}

// Convert runs the pipeline for t.Category and verifies the output exists.
func (c *Converter) Convert(ctx context.Context, t Task) error {
	if !category.Allows(t.Category, t.Format) {
		return apperr.New(apperr.KindUnsupported, "%s is not supported for %s", t.Format, t.Category)
	}

	var err error
	switch t.Category {
	case category.Image:
		err = c.convertImage(ctx, t)
	case category.Vector:
		err = c.magick(ctx, t, c.timeouts.Image, t.Source, t.Output)
	case category.RawImage:
		err = c.convertRaw(ctx, t)
	case category.Document:
		err = c.convertDocument(ctx, t)
	case category.Video, category.Audio:
		err = c.convertMedia(ctx, t)
	case category.Ebook:
		_, err = c.runner.Run(ctx, c.tools.EbookConvert, []string{t.Source, t.Output}, runner.Options{Dir: t.WorkDir, Timeout: c.timeouts.Document})
	case category.Model3D:
		_, err = c.runner.Run(ctx, c.tools.Assimp, []string{"export", t.Source, t.Output}, runner.Options{Dir: t.WorkDir, Timeout: c.timeouts.Tool})
	case category.Archive:
		err = c.repack(ctx, t)
	default:
		return apperr.New(apperr.KindUnsupported, "Unsupported category: %s (ext: %s)", t.Category, t.SourceExt)
	}
	if err != nil {
		return err
	}

	info, statErr := os.Stat(t.Output)
	if statErr != nil || info.Size() == 0 {
		return apperr.New(apperr.KindToolCrash, "Tool finished but output missing: %s", filepath.Base(t.Output))
	}
	t.progress(100)
	return nil
}

func (c *Converter) magick(ctx context.Context, t Task, timeout time.Duration, args ...string) error {
	_, err := c.runner.Run(ctx, c.tools.Magick, args, runner.Options{Dir: t.WorkDir, Timeout: timeout})
	return err
}
