package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"

	"omniconvert/internal/apperr"
	"omniconvert/internal/category"
	"omniconvert/internal/models"
	"omniconvert/internal/workspace"
)

// fileRef is what a client keeps for a file that passed the gate.
type fileRef struct {
	ID                string `json:"id"`
	OriginalName      string `json:"originalName"`
	DetectedExtension string   `json:"detectedExtension"`
	Size              int64    `json:"size"`
	Category          string   `json:"category"`
	Outputs           []string `json:"outputs"`
}

type fileError struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type ingestResponse struct {
	Files  []fileRef   `json:"files"`
	Errors []fileError `json:"errors,omitempty"`
}

// refFor classifies by the sandbox name, which carries the detected
// extension rather than the claimed one.
func refFor(f models.IngestedFile) fileRef {
	cat := category.Classify(f.SafePath)
	return fileRef{
		ID:                f.ID,
		OriginalName:      f.OriginalName,
		DetectedExtension: f.DetectedExtension,
		Size:              f.Size,
		Category:          cat.String(),
		Outputs:           category.OutputsFor(cat),
	}
}

// listFormats returns the output tokens each category accepts.
func (a *App) listFormats(w http.ResponseWriter, r *http.Request) {
	formats := make(map[string][]string, len(category.All))
	for _, c := range category.All {
		formats[c.String()] = category.OutputsFor(c)
	}
	a.respondJSON(w, http.StatusOK, formats)
}

func errorFor(name string, err error) fileError {
	msg := err.Error()
	var ae *apperr.Error
	if errors.As(err, &ae) {
		msg = ae.Error()
	}
	return fileError{Name: name, Kind: string(apperr.KindOf(err)), Message: msg}
}

// upload streams every "files" part through the ingestion gate.
func (a *App) upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.cfg.MaxUploadBytes)
	mr, err := r.MultipartReader()
	if err != nil {
		a.respondError(w, http.StatusBadRequest, "expected a multipart upload")
		return
	}

	resp := ingestResponse{Files: []fileRef{}}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				a.respondError(w, http.StatusRequestEntityTooLarge, "upload exceeds the request size limit")
				return
			}
			a.logger.Warn("invalid multipart upload", "error", err)
			a.respondError(w, http.StatusBadRequest, "invalid multipart upload")
			return
		}
		if part.FormName() != "files" || part.FileName() == "" {
			_ = part.Close()
			continue
		}

		name := part.FileName()
		file, err := a.gate.IngestReader(part, name, a.cfg.StagingDir(), a.cfg.SandboxDir())
		_ = part.Close()
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				a.respondError(w, http.StatusRequestEntityTooLarge, "upload exceeds the request size limit")
				return
			}
			resp.Errors = append(resp.Errors, errorFor(name, err))
			continue
		}
		resp.Files = append(resp.Files, refFor(file))
	}

	switch {
	case len(resp.Files) == 0 && len(resp.Errors) == 0:
		a.respondError(w, http.StatusBadRequest, "no files were uploaded")
	case len(resp.Files) == 0:
		a.respondJSON(w, statusFor(resp.Errors[0].Kind), resp)
	default:
		a.respondJSON(w, http.StatusOK, resp)
	}
}

// ingestPaths is the desktop-shell entry point: the caller names files
// on the server's own filesystem.
func (a *App) ingestPaths(w http.ResponseWriter, r *http.Request) {
	if !a.cfg.AllowLocalIngest {
		a.respondError(w, http.StatusForbidden, "local ingest is disabled")
		return
	}
	var req struct {
		Paths []string `json:"paths"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil || len(req.Paths) == 0 {
		a.respondError(w, http.StatusBadRequest, "expected {\"paths\": [...]}")
		return
	}

	resp := ingestResponse{Files: []fileRef{}}
	for _, p := range req.Paths {
		file, err := a.gate.Ingest(p, a.cfg.SandboxDir())
		if err != nil {
			resp.Errors = append(resp.Errors, errorFor(path.Base(p), err))
			continue
		}
		resp.Files = append(resp.Files, refFor(file))
	}
	code := http.StatusOK
	if len(resp.Files) == 0 {
		code = statusFor(resp.Errors[0].Kind)
	}
	a.respondJSON(w, code, resp)
}

func (a *App) listJobs(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, http.StatusOK, map[string]any{"jobs": a.recentJobs(50)})
}

func (a *App) getJobRecord(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.getJob(chi.URLParam(r, "id"))
	if !ok {
		a.respondError(w, http.StatusNotFound, "job not found")
		return
	}
	a.respondJSON(w, http.StatusOK, rec)
}

// clearCache drops every ingested file and durable artifact.
func (a *App) clearCache(w http.ResponseWriter, r *http.Request) {
	files := a.gate.Registry().Purge()
	a.extracted.Purge()

	var errs []error
	if err := workspace.PurgeDir(a.cfg.SandboxDir()); err != nil {
		errs = append(errs, err)
	}
	if err := a.store.Purge(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Error("cache clear failed", "error", err)
		a.respondError(w, http.StatusInternalServerError, "cache could not be fully cleared")
		return
	}
	a.logger.Info("cache cleared", "files", files)
	a.respondJSON(w, http.StatusOK, map[string]any{"status": "cleared", "files": files})
}

func (a *App) download(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")
	name := chi.URLParam(r, "name")
	full, err := a.store.Resolve(session, name)
	if err != nil {
		http.Error(w, "File not found or session expired.", http.StatusNotFound)
		return
	}
	serveAttachment(w, r, full, name)
}

func (a *App) downloadExtracted(w http.ResponseWriter, r *http.Request) {
	session := r.URL.Query().Get("sessionId")
	file := r.URL.Query().Get("file")
	if session == "" || file == "" {
		http.Error(w, "Missing session or file information.", http.StatusBadRequest)
		return
	}
	if _, ok := a.extracted.Get(session); !ok {
		http.Error(w, "File not found or session expired.", http.StatusNotFound)
		return
	}
	full, err := a.store.Resolve(session, "extracted/"+file)
	if err != nil {
		http.Error(w, "File not found or session expired.", http.StatusNotFound)
		return
	}
	serveAttachment(w, r, full, path.Base(file))
}

func serveAttachment(w http.ResponseWriter, r *http.Request, full, name string) {
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": name})
	if disposition == "" {
		disposition = "attachment"
	}
	w.Header().Set("Content-Disposition", disposition)
	http.ServeFile(w, r, full)
}

func statusFor(kind string) int {
	switch apperr.Kind(kind) {
	case apperr.KindInput:
		return http.StatusBadRequest
	case apperr.KindSecurity:
		return http.StatusUnprocessableEntity
	case apperr.KindUnsupported:
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusInternalServerError
	}
}
