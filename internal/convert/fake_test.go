package convert

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"omniconvert/internal/config"
	"omniconvert/internal/runner"
)

type call struct {
	tool string
	args []string
	opts runner.Options
}

// fakeRunner records calls. By default it writes a stub file at the last
// argument, resolved against the working directory.
type fakeRunner struct {
	mu    sync.Mutex
	calls []call
	fn    func(tool string, args []string, opts runner.Options) (runner.Result, error)
}

func (f *fakeRunner) Run(ctx context.Context, tool string, args []string, opts runner.Options) (runner.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{tool: tool, args: append([]string(nil), args...), opts: opts})
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(tool, args, opts)
	}
	return runner.Result{}, writeLastArg(args, opts)
}

func (f *fakeRunner) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func writeLastArg(args []string, opts runner.Options) error {
	if len(args) == 0 {
		return nil
	}
	out := args[len(args)-1]
	if !filepath.IsAbs(out) {
		out = filepath.Join(opts.Dir, out)
	}
	return os.WriteFile(out, []byte("converted"), 0o600)
}

var testTools = config.Tools{
	FFmpeg:       "ffmpeg",
	FFprobe:      "ffprobe",
	Magick:       "magick",
	Soffice:      "soffice",
	Pandoc:       "pandoc",
	EbookConvert: "ebook-convert",
	Assimp:       "assimp",
	Dcraw:        "dcraw",
	Unar:         "unar",
}

func newTestConverter(r Runner) *Converter {
	c := New(slog.New(slog.NewTextHandler(io.Discard, nil)), r, testTools,
		Timeouts{Image: time.Minute, Document: time.Minute, Media: time.Minute, Tool: time.Minute},
		Limits{MaxEntries: 100, MaxBytes: 1 << 20})
	c.docTick = 5 * time.Millisecond
	return c
}

func pngFile(t *testing.T, dir string) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 6, 6))
	img.Set(1, 1, color.NRGBA{G: 255, A: 128})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	path := filepath.Join(dir, "src.png")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}
