// Package selftest probes the external conversion tools and reports which
// of them are usable.
package selftest

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"omniconvert/internal/config"
	"omniconvert/internal/runner"
)

const (
	StatusOK      = "OK"
	StatusMissing = "MISSING"
)

// Runner runs a probe command.
type Runner interface {
	Run(ctx context.Context, tool string, args []string, opts runner.Options) (runner.Result, error)
}

// Probe names one tool and the version arguments that prove it runs.
type Probe struct {
	Name string
	Bin  string
	Args []string
}

// Probes lists the tools behind every pipeline.
func Probes(t config.Tools) []Probe {
	return []Probe{
		{Name: "ffmpeg", Bin: t.FFmpeg, Args: []string{"-version"}},
		{Name: "ffprobe", Bin: t.FFprobe, Args: []string{"-version"}},
		{Name: "magick", Bin: t.Magick, Args: []string{"-version"}},
		{Name: "pandoc", Bin: t.Pandoc, Args: []string{"--version"}},
		{Name: "libreoffice", Bin: t.Soffice, Args: []string{"--version"}},
		{Name: "calibre", Bin: t.EbookConvert, Args: []string{"--version"}},
		{Name: "ghostscript", Bin: t.Ghostscript, Args: []string{"--version"}},
		{Name: "assimp", Bin: t.Assimp, Args: []string{"version"}},
		{Name: "dcraw", Bin: t.Dcraw},
		{Name: "unar", Bin: t.Unar, Args: []string{"-v"}},
	}
}

type Checker struct {
	logger  *slog.Logger
	runner  Runner
	probes  []Probe
	timeout time.Duration
}

func New(logger *slog.Logger, r Runner, probes []Probe) *Checker {
	return &Checker{logger: logger, runner: r, probes: probes, timeout: 10 * time.Second}
}

// Run checks every probe concurrently. A tool is OK when it resolves on
// PATH and, if it has version arguments, exits cleanly with them. Tools
// without version arguments (dcraw exits non-zero on any flag) only need
// to resolve.
func (c *Checker) Run(ctx context.Context) map[string]string {
	c.logger.Info("self test starting", "tools", len(c.probes))

	var mu sync.Mutex
	results := make(map[string]string, len(c.probes))
	dir := os.TempDir()

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range c.probes {
		p := p // per-iteration copy; go directive is 1.21 (pre-loopvar semantics)
		g.Go(func() error {
			status := c.check(gctx, p, dir)
			mu.Lock()
			results[p.Name] = status
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c.logger.Info("self test", "tool", name, "status", results[name])
	}
	return results
}

func (c *Checker) check(ctx context.Context, p Probe, dir string) string {
	if p.Bin == "" {
		return StatusMissing
	}
	if _, err := runner.Locate(p.Bin); err != nil {
		return StatusMissing
	}
	if len(p.Args) == 0 {
		return StatusOK
	}
	if _, err := c.runner.Run(ctx, p.Bin, p.Args, runner.Options{Dir: dir, Timeout: c.timeout}); err != nil {
		c.logger.Debug("tool probe failed", "tool", p.Name, "error", err)
		return StatusMissing
	}
	return StatusOK
}

// AllOK reports whether every probe passed.
func AllOK(results map[string]string) bool {
	for _, s := range results {
		if s != StatusOK {
			return false
		}
	}
	return true
}
