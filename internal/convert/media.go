package convert

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"omniconvert/internal/apperr"
	"omniconvert/internal/category"
	"omniconvert/internal/runner"
)

var (
	resolutionPattern = regexp.MustCompile(`^\d{1,5}x\d{1,5}$`)
	bitratePattern    = regexp.MustCompile(`^\d{1,4}k$`)
)

// muxers maps output tokens to ffmpeg -f names where they differ.
var muxers = map[string]string{
	"mkv":  "matroska",
	"aac":  "adts",
	"wma":  "asf",
	"wmv":  "asf",
	"m4a":  "ipod",
	"m4r":  "ipod",
	"aiff": "aiff",
}

func (c *Converter) convertMedia(ctx context.Context, t Task) error {
	args, err := mediaArgs(t)
	if err != nil {
		return err
	}

	duration, err := c.probeDuration(ctx, t)
	if err != nil {
		c.logger.Warn("could not probe duration, progress will be coarse", "file_index", t.Index, "error", err)
	}

	_, err = c.runner.Run(ctx, c.tools.FFmpeg, args, runner.Options{
		Dir:          t.WorkDir,
		Timeout:      c.timeouts.Media,
		OnStdoutLine: progressParser(duration, t.progress),
	})
	return err
}

// mediaArgs builds the ffmpeg argument vector for t.
func mediaArgs(t Task) ([]string, error) {
	settings := t.Settings
	resolution := strings.ToLower(strings.TrimSpace(settings.Resolution))
	bitrate := strings.ToLower(strings.TrimSpace(settings.AudioBitrate))
	if resolution == "original" {
		resolution = ""
	}
	if bitrate == "original" {
		bitrate = ""
	}
	if resolution != "" && !resolutionPattern.MatchString(resolution) {
		return nil, apperr.New(apperr.KindInput, "Invalid resolution %q", settings.Resolution)
	}
	if bitrate != "" && !bitratePattern.MatchString(bitrate) {
		return nil, apperr.New(apperr.KindInput, "Invalid audio bitrate %q", settings.AudioBitrate)
	}

	audioOut := category.IsAudioOutput(t.Format)
	args := []string{"-y", "-i", t.Source}

	if t.Category == category.Video {
		if audioOut {
			args = append(args, "-vn")
		} else if resolution != "" {
			args = append(args, "-s", resolution)
		}
	}

	args = append(args, codecArgs(t.Format)...)

	switch {
	case t.Format == "m4r":
		args = append(args, "-b:a", "128k")
	case bitrate != "":
		args = append(args, "-b:a", bitrate)
	}

	muxer := t.Format
	if m, ok := muxers[t.Format]; ok {
		muxer = m
	}
	args = append(args,
		"-f", muxer,
		"-progress", "pipe:1",
		"-nostats",
		t.Output,
	)
	return args, nil
}

// codecArgs picks an audio encoder for audio outputs; video containers
// keep ffmpeg's defaults.
func codecArgs(format string) []string {
	switch format {
	case "mp3":
		return []string{"-codec:a", "libmp3lame"}
	case "wav":
		return []string{"-codec:a", "pcm_s16le"}
	case "aiff":
		return []string{"-codec:a", "pcm_s16be"}
	case "aac", "m4a", "m4r":
		return []string{"-codec:a", "aac"}
	case "flac":
		return []string{"-codec:a", "flac", "-compression_level", "8"}
	case "ogg":
		return []string{"-codec:a", "libvorbis"}
	case "opus":
		return []string{"-codec:a", "libopus"}
	case "wma":
		return []string{"-codec:a", "wmav2"}
	}
	return nil
}

func (c *Converter) probeDuration(ctx context.Context, t Task) (float64, error) {
	res, err := c.runner.Run(ctx, c.tools.FFprobe, []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		t.Source,
	}, runner.Options{Dir: t.WorkDir, Timeout: c.timeouts.Tool})
	if err != nil {
		return 0, fmt.Errorf("ffprobe error: %w", err)
	}
	val := strings.TrimSpace(res.Stdout)
	if val == "" {
		return 0, errors.New("empty duration response")
	}
	dur, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration from ffprobe: %w", err)
	}
	return dur, nil
}

// progressParser turns ffmpeg -progress lines into percentages.
func progressParser(duration float64, report func(int)) func(string) {
	return func(line string) {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "out_time_ms="):
			if duration <= 0 {
				return
			}
			outMs, err := strconv.ParseFloat(strings.TrimPrefix(line, "out_time_ms="), 64)
			if err != nil {
				return
			}
			ratio := outMs / 1_000_000.0 / duration
			if ratio < 0 {
				ratio = 0
			}
			if ratio > 1 {
				ratio = 1
			}
			report(int(ratio * 100))
		case line == "progress=end":
			report(100)
		}
	}
}
