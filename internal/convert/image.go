package convert

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"slices"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"golang.org/x/sync/errgroup"

	"omniconvert/internal/apperr"
	"omniconvert/internal/runner"
)

var (
	// Decoded in process through the image registry.
	nativeSources = []string{"jpg", "jpeg", "png", "gif", "webp", "bmp", "tiff", "tif"}
	nativeTargets = []string{"jpg", "jpeg", "png", "gif"}
)

func (c *Converter) convertImage(ctx context.Context, t Task) error {
	if slices.Contains(nativeSources, t.SourceExt) && slices.Contains(nativeTargets, t.Format) {
		return transcodeImage(t.Source, t.Output, t.Format)
	}

	args := []string{t.Source}
	if t.Format == "ico" {
		args = append(args, "-resize", "256x256>")
	}
	args = append(args, t.Output)
	return c.magick(ctx, t, c.timeouts.Image, args...)
}

// transcodeImage decodes src and encodes it as format at dst.
func transcodeImage(src, dst, format string) error {
	in, err := os.Open(src)
	if err != nil {
		return apperr.Wrap(apperr.KindSystem, err, "open source: %v", err)
	}
	defer in.Close()

	img, _, err := image.Decode(in)
	if err != nil {
		return apperr.Wrap(apperr.KindInput, err, "Image could not be decoded: %v", err)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return apperr.Wrap(apperr.KindSystem, err, "create output: %v", err)
	}
	if err := encodeImage(out, img, format); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return apperr.Wrap(apperr.KindSystem, err, "encode %s: %v", format, err)
	}
	return out.Close()
}

func encodeImage(w io.Writer, img image.Image, format string) error {
	switch format {
	case "jpg", "jpeg":
		return jpeg.Encode(w, flatten(img), &jpeg.Options{Quality: 92})
	case "png":
		return png.Encode(w, img)
	case "gif":
		return gif.Encode(w, img, &gif.Options{NumColors: 256})
	}
	return apperr.New(apperr.KindUnsupported, "no in-process encoder for %s", format)
}

// flatten composites img onto white; JPEG has no alpha channel.
func flatten(img image.Image) image.Image {
	b := img.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, b, img, b.Min, draw.Over)
	return dst
}

// convertRaw develops a camera RAW with dcraw and pipes the TIFF into
// ImageMagick. Both processes share the task context; the first failure
// cancels the other.
func (c *Converter) convertRaw(ctx context.Context, t Task) error {
	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		_, err := c.runner.Run(gctx, c.tools.Dcraw, []string{"-c", "-w", "-T", t.Source}, runner.Options{
			Dir:     t.WorkDir,
			Timeout: c.timeouts.Image,
			Stdout:  pw,
		})
		pw.CloseWithError(err)
		return err
	})
	g.Go(func() error {
		_, err := c.runner.Run(gctx, c.tools.Magick, []string{"-", t.Output}, runner.Options{
			Dir:     t.WorkDir,
			Timeout: c.timeouts.Image,
			Stdin:   pr,
		})
		pr.CloseWithError(err)
		return err
	})
	return g.Wait()
}
