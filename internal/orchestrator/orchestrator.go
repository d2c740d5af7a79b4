// Package orchestrator runs a conversion job: every file in order through
// its category pipeline, partial failures recorded, one result out.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"github.com/google/uuid"

	"omniconvert/internal/apperr"
	"omniconvert/internal/category"
	"omniconvert/internal/convert"
	"omniconvert/internal/metrics"
	"omniconvert/internal/models"
	"omniconvert/internal/packager"
	"omniconvert/internal/workspace"
)

// Reporter observes a job. Progress values arrive non-decreasing.
type Reporter interface {
	State(models.JobState)
	Progress(percent int)
}

// Converter is the pipeline surface the orchestrator drives.
// *convert.Converter satisfies it.
type Converter interface {
	Convert(ctx context.Context, t convert.Task) error
	Extract(ctx context.Context, src, ext, dest, workDir string) error
}

type Orchestrator struct {
	logger     *slog.Logger
	conv       Converter
	workspaces *workspace.Manager
	packager   *packager.Packager
}

func New(logger *slog.Logger, conv Converter, workspaces *workspace.Manager, pkg *packager.Packager) *Orchestrator {
	return &Orchestrator{logger: logger, conv: conv, workspaces: workspaces, packager: pkg}
}

// NewSessionID returns a fresh session identifier.
func NewSessionID() string {
	return "session_" + uuid.NewString()
}

// Run executes job and always returns exactly one result. The workspace
// is removed on every path out.
func (o *Orchestrator) Run(ctx context.Context, job models.ConversionJob, rep Reporter) models.ConversionResult {
	if job.SessionID == "" {
		job.SessionID = NewSessionID()
	}
	log := o.logger.With("session_id", job.SessionID, "output_format", job.OutputFormat)
	sink := &progressSink{rep: rep}

	sink.state(models.StateInitializing)
	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()

	if len(job.Files) == 0 {
		return o.finish(sink, models.StateFatalFailure, models.Failure(job.SessionID, "No files were provided."))
	}

	ws, err := o.workspaces.Create(job.SessionID)
	if err != nil {
		log.Error("failed to create workspace", "error", err)
		return o.finish(sink, models.StateFatalFailure, models.Failure(job.SessionID, err.Error()))
	}
	defer ws.Close()

	format := strings.ToLower(strings.TrimSpace(job.OutputFormat))
	total := len(job.Files)
	names := newNamer()

	var (
		outputs  []packager.Output
		failures []error
	)

	sink.state(models.StateProcessingBatch)
	for i, file := range job.Files {
		if err := ctx.Err(); err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", file.OriginalName, err))
			break
		}

		cat := category.ForExtension(file.DetectedExtension)
		flog := log.With("file", file.OriginalName, "category", cat.String())
		report := func(p int) { sink.progress(overall(i, p, total)) }

		if cat == category.Archive && format == models.ExtractFormat {
			result, err := o.extract(ctx, ws, i, file)
			if err == nil {
				flog.Info("archive extracted", "files", len(result.FileNames))
				metrics.FilesTotal.WithLabelValues(cat.String(), "ok").Inc()
				sink.progress(100)
				state := models.StateComplete
				if len(failures) > 0 {
					state = models.StatePartialFailure
				}
				return o.finish(sink, state, result)
			}
			flog.Error("extraction failed", "error", err)
			metrics.FilesTotal.WithLabelValues(cat.String(), "failed").Inc()
			failures = append(failures, fmt.Errorf("%s: %w", file.OriginalName, err))
			sink.progress(overall(i+1, 0, total))
			continue
		}

		out, err := o.convertOne(ctx, ws, i, file, cat, format, job.Settings, report)
		if err != nil {
			attrs := []any{"error", err}
			if stderr := apperr.Stderr(err); stderr != "" {
				attrs = append(attrs, "stderr", stderr)
			}
			flog.Error("conversion failed", attrs...)
			metrics.FilesTotal.WithLabelValues(cat.String(), "failed").Inc()
			failures = append(failures, fmt.Errorf("%s: %w", file.OriginalName, err))
		} else {
			out.Name = names.next(file.OriginalName, i, format)
			outputs = append(outputs, out)
			metrics.FilesTotal.WithLabelValues(cat.String(), "ok").Inc()
			flog.Info("file converted", "output", out.Name)
		}
		sink.progress(overall(i+1, 0, total))
	}

	sink.state(models.StateAggregating)
	if len(outputs) == 0 {
		msg := "No files could be converted."
		if len(failures) > 0 {
			msg = userMessage(failures[0])
		}
		log.Warn("job failed", "failures", len(failures))
		return o.finish(sink, models.StateFatalFailure, models.Failure(job.SessionID, msg))
	}

	result, err := o.packager.Package(job.SessionID, outputs)
	if err != nil {
		log.Error("packaging failed", "error", err)
		return o.finish(sink, models.StateFatalFailure, models.Failure(job.SessionID, err.Error()))
	}

	state := models.StateComplete
	if len(failures) > 0 {
		state = models.StatePartialFailure
		log.Warn("job finished with failures", "converted", len(outputs), "failed", len(failures))
	}
	return o.finish(sink, state, result)
}

func (o *Orchestrator) convertOne(ctx context.Context, ws *workspace.Workspace, i int, file models.IngestedFile, cat category.Category, format string, settings models.Settings, report func(int)) (packager.Output, error) {
	if cat == category.Unsupported {
		return packager.Output{}, apperr.New(apperr.KindUnsupported, "Unsupported file type: .%s", file.DetectedExtension)
	}
	if !category.Allows(cat, format) {
		return packager.Output{}, apperr.New(apperr.KindUnsupported, "%s is not supported for %s", format, cat)
	}

	tmp := filepath.Join(ws.Dir, fmt.Sprintf("process_%d.%s", i, format))
	err := o.conv.Convert(ctx, convert.Task{
		Index:     i,
		Source:    file.SafePath,
		SourceExt: file.DetectedExtension,
		Category:  cat,
		Format:    format,
		Output:    tmp,
		WorkDir:   ws.Dir,
		Settings:  settings,
		Progress:  report,
	})
	if err != nil {
		return packager.Output{}, err
	}
	return packager.Output{Path: tmp}, nil
}

func (o *Orchestrator) extract(ctx context.Context, ws *workspace.Workspace, i int, file models.IngestedFile) (models.ConversionResult, error) {
	dest, err := ws.Sub(fmt.Sprintf("extracted_%d", i))
	if err != nil {
		return models.ConversionResult{}, err
	}
	if err := o.conv.Extract(ctx, file.SafePath, file.DetectedExtension, dest, ws.Dir); err != nil {
		return models.ConversionResult{}, err
	}
	return o.packager.PackageExtraction(ws.SessionID, dest)
}

func (o *Orchestrator) finish(sink *progressSink, state models.JobState, result models.ConversionResult) models.ConversionResult {
	sink.state(state)
	metrics.JobsTotal.WithLabelValues(string(result.Kind)).Inc()
	return result
}

// overall weights file i's own percentage into the batch percentage.
func overall(i, filePercent, total int) int {
	return int(math.Round(float64(i*100+filePercent) / float64(total)))
}

// userMessage strips wrapping down to the message a client should see,
// keeping the file name prefix.
func userMessage(err error) string {
	if errors.Is(err, context.Canceled) {
		return "Conversion cancelled."
	}
	return err.Error()
}

// progressSink drops values that would move progress backwards.
type progressSink struct {
	mu   sync.Mutex
	rep  Reporter
	last int
	sent bool
}

func (s *progressSink) progress(p int) {
	p = max(0, min(p, 100))
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent && p <= s.last {
		return
	}
	s.last, s.sent = p, true
	if s.rep != nil {
		s.rep.Progress(p)
	}
}

func (s *progressSink) state(st models.JobState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rep != nil {
		s.rep.State(st)
	}
}

// namer hands out display names unique within one batch.
type namer struct {
	used map[string]bool
}

func newNamer() *namer { return &namer{used: make(map[string]bool)} }

func (n *namer) next(original string, index int, format string) string {
	stem := DisplayStem(original)
	if stem == "" {
		stem = fmt.Sprintf("file_%d", index)
	}
	name := stem + "." + format
	for k := 2; n.used[strings.ToLower(name)]; k++ {
		name = fmt.Sprintf("%s (%d).%s", stem, k, format)
	}
	n.used[strings.ToLower(name)] = true
	return name
}

// DisplayStem returns the original file name without extension, with
// path separators, reserved characters and control characters removed.
// A stem with nothing left but dots and spaces is empty.
func DisplayStem(original string) string {
	base := filepath.Base(strings.ReplaceAll(original, "\\", "/"))
	if base == "." || base == "/" {
		return ""
	}
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	stem = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || strings.ContainsRune(`/\?<>:*|"`, r) {
			return -1
		}
		return r
	}, stem)
	stem = strings.TrimSpace(stem)
	if strings.Trim(stem, ". ") == "" {
		return ""
	}
	return strings.TrimRight(stem, ". ")
}
