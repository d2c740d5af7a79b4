package handlers

import (
	"context"
	"fmt"
	"net/url"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"omniconvert/internal/models"
)

const (
	unexpectedErrorMessage = "An unexpected server error occurred."

	// Drive jobs spend the first part of the bar on the download.
	downloadShare = 30
	downloadStep  = 5
	downloadTick  = 500 * time.Millisecond
)

// jobReporter forwards orchestrator events to the job record and the
// owning connection. Progress never moves backwards.
type jobReporter struct {
	app    *App
	client *client
	jobID  string

	mu   sync.Mutex
	base int
	last int
}

func (r *jobReporter) State(s models.JobState) {
	r.app.updateJob(r.jobID, func(j *models.JobRecord) {
		j.State = s
	})
}

func (r *jobReporter) Progress(p int) {
	r.mu.Lock()
	v := r.base + p*(100-r.base)/100
	if v <= r.last {
		r.mu.Unlock()
		return
	}
	r.last = v
	r.mu.Unlock()

	r.app.updateJob(r.jobID, func(j *models.JobRecord) {
		j.Progress = v
	})
	r.client.emit(msgProgress, progressPayload{JobID: r.jobID, Progress: v})
}

// rebase maps later progress into [base, 100].
func (r *jobReporter) rebase(base int) {
	r.mu.Lock()
	r.base = base
	if r.last < base {
		r.last = base
	}
	r.mu.Unlock()
}

func (a *App) newJob(format string, names []string) *models.JobRecord {
	now := time.Now()
	rec := &models.JobRecord{
		ID:           uuid.NewString(),
		OutputFormat: format,
		FileNames:    names,
		State:        models.StateInitializing,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	a.mu.Lock()
	a.jobs[rec.ID] = rec
	a.mu.Unlock()
	return rec
}

// launch runs work on its own goroutine under the connection context and
// delivers exactly one terminal event.
func (a *App) launch(c *client, rec *models.JobRecord, work func(ctx context.Context, rep *jobReporter) models.ConversionResult) {
	rep := &jobReporter{app: a, client: c, jobID: rec.ID}
	log := a.logger.With("job_id", rec.ID)

	a.jobsWG.Add(1)
	go func() {
		defer a.jobsWG.Done()
		defer func() {
			if rv := recover(); rv != nil {
				log.Error("job panicked", "error", fmt.Sprint(rv), "stack", string(debug.Stack()))
				a.updateJob(rec.ID, func(j *models.JobRecord) {
					j.State = models.StateFatalFailure
				})
				c.emit(msgError, errorPayload{JobID: rec.ID, Message: unexpectedErrorMessage})
			}
		}()

		log.Info("job started", "files", len(rec.FileNames), "output_format", rec.OutputFormat)
		result := work(c.ctx, rep)
		a.deliver(c, rec.ID, result)
	}()
}

func (a *App) deliver(c *client, jobID string, result models.ConversionResult) {
	a.updateJob(jobID, func(j *models.JobRecord) {
		j.SessionID = result.SessionID
		j.Result = &result
		if !j.State.Terminal() {
			j.State = models.StateFatalFailure
			if result.Kind != models.ResultFailure {
				j.State = models.StateComplete
			}
		}
	})
	a.logger.Info("job finished", "job_id", jobID, "session_id", result.SessionID, "result", result.Kind)

	switch result.Kind {
	case models.ResultSingleFile, models.ResultBundle:
		c.emit(msgComplete, completePayload{
			JobID:       jobID,
			DownloadURL: downloadURL(result.SessionID, result.Name),
		})
	case models.ResultExtracted:
		a.extracted.Add(result.SessionID, result.FileNames)
		c.emit(msgExtractComplete, extractPayload{
			JobID:     jobID,
			SessionID: result.SessionID,
			FileList:  result.FileNames,
		})
	default:
		c.emit(msgError, errorPayload{JobID: jobID, Message: result.Message})
	}
}

func downloadURL(sessionID, name string) string {
	return "/download/" + url.PathEscape(sessionID) + "/" + url.PathEscape(name)
}

func (a *App) getJob(id string) (models.JobRecord, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	job, ok := a.jobs[id]
	if !ok {
		return models.JobRecord{}, false
	}
	return cloneRecord(job), true
}

func (a *App) updateJob(id string, fn func(*models.JobRecord)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if job, ok := a.jobs[id]; ok {
		fn(job)
		job.UpdatedAt = time.Now()
	}
}

func cloneRecord(j *models.JobRecord) models.JobRecord {
	clone := *j
	clone.FileNames = append([]string(nil), j.FileNames...)
	if j.Result != nil {
		r := *j.Result
		clone.Result = &r
	}
	return clone
}

// downloadProgress ticks the bar toward downloadShare while a remote
// file is fetched. The returned func stops it.
func downloadProgress(rep *jobReporter) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(downloadTick)
		defer ticker.Stop()
		current := 0
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if current < downloadShare {
					current = min(current+downloadStep, downloadShare)
					rep.Progress(current)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
