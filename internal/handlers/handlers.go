package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/a-h/templ"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"omniconvert/internal/config"
	"omniconvert/internal/drive"
	"omniconvert/internal/ingest"
	"omniconvert/internal/logbuf"
	"omniconvert/internal/metrics"
	"omniconvert/internal/models"
	"omniconvert/internal/orchestrator"
	"omniconvert/internal/selftest"
	"omniconvert/internal/workspace"
	"omniconvert/templates"
)

const maxExtractedSessions = 1024

// Options carries the process-scoped services the App serves.
type Options struct {
	Config       *config.Config
	Gate         *ingest.Gate
	Orchestrator *orchestrator.Orchestrator
	Store        *workspace.Store
	Logs         *logbuf.Buffer
	Checker      *selftest.Checker
	Auth         *drive.Auth
	Drive        drive.Source
}

type App struct {
	logger *slog.Logger

	router *chi.Mux
	cfg    *config.Config
	gate   *ingest.Gate
	orch   *orchestrator.Orchestrator
	store  *workspace.Store
	logs   *logbuf.Buffer
	check  *selftest.Checker
	auth   *drive.Auth
	drive  drive.Source

	ctx    context.Context
	cancel context.CancelFunc
	jobsWG sync.WaitGroup

	mu      sync.RWMutex
	jobs    map[string]*models.JobRecord
	health  map[string]string
	clients map[*client]struct{}

	// extracted remembers which sessions published an extraction.
	// Evicted sessions lose their store directory.
	extracted *expirable.LRU[string, []string]

	upgrader websocket.Upgrader
}

func NewApp(logger *slog.Logger, opts Options) *App {
	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		logger:  logger,
		router:  chi.NewRouter(),
		cfg:     opts.Config,
		gate:    opts.Gate,
		orch:    opts.Orchestrator,
		store:   opts.Store,
		logs:    opts.Logs,
		check:   opts.Checker,
		auth:    opts.Auth,
		drive:   opts.Drive,
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[string]*models.JobRecord),
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if app.logs == nil {
		app.logs = logbuf.New(logbuf.DefaultSize)
	}
	app.extracted = expirable.NewLRU[string, []string](maxExtractedSessions, app.evictExtracted, opts.Config.ArtifactTTL)

	app.registerRoutes()
	return app
}

func (a *App) Router() http.Handler {
	return a.router
}

func (a *App) registerRoutes() {
	a.router.Use(middleware.RequestID)
	a.router.Use(middleware.RealIP)
	a.router.Use(middleware.Recoverer)
	a.router.Use(metrics.Middleware())
	a.router.Use(a.corsMiddleware)

	a.router.Get("/", a.index)
	a.router.Get("/healthz", a.healthz)
	a.router.Handle("/metrics", promhttp.Handler())

	a.router.Post("/upload", a.upload)
	a.router.Post("/api/ingest", a.ingestPaths)
	a.router.Get("/api/formats", a.listFormats)
	a.router.Get("/api/jobs", a.listJobs)
	a.router.Get("/api/jobs/{id}", a.getJobRecord)
	a.router.Post("/api/cache/clear", a.clearCache)

	a.router.Get("/download/{session}/{name}", a.download)
	a.router.Get("/download-extracted", a.downloadExtracted)

	a.router.Get("/auth/google", a.googleAuth)
	a.router.Get("/auth/google/callback", a.googleCallback)

	a.router.Get("/ws", a.serveWS)

	staticFS := http.FileServer(http.Dir("static"))
	a.router.Handle("/static/*", http.StripPrefix("/static/", staticFS))
}

func (a *App) healthz(w http.ResponseWriter, r *http.Request) {
	tools := a.cachedHealth()
	status := "ok"
	if tools != nil && !selftest.AllOK(tools) {
		status = "degraded"
	}
	a.respondJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"version":   config.Version,
		"tools":     tools,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (a *App) index(w http.ResponseWriter, r *http.Request) {
	a.render(w, r, templates.IndexPage(templates.IndexView{
		Version:         config.Version,
		Tools:           a.cachedHealth(),
		Jobs:            a.recentJobs(10),
		DriveConfigured: a.auth != nil && a.auth.Configured(),
	}))
}

// SystemHealth returns the last self test, running it first if it has
// never run.
func (a *App) SystemHealth(ctx context.Context) map[string]string {
	if h := a.cachedHealth(); h != nil {
		return h
	}
	return a.RefreshHealth(ctx)
}

// RefreshHealth reruns the self test and caches its result.
func (a *App) RefreshHealth(ctx context.Context) map[string]string {
	if a.check == nil {
		return map[string]string{}
	}
	results := a.check.Run(ctx)
	a.mu.Lock()
	a.health = results
	a.mu.Unlock()
	return results
}

func (a *App) cachedHealth() map[string]string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.health == nil {
		return nil
	}
	out := make(map[string]string, len(a.health))
	for k, v := range a.health {
		out[k] = v
	}
	return out
}

func (a *App) render(w http.ResponseWriter, r *http.Request, component templ.Component) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := component.Render(r.Context(), w); err != nil {
		a.logger.Error("failed to render template", "error", err)
		http.Error(w, "failed to render page", http.StatusInternalServerError)
	}
}

func (a *App) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Error("failed to encode json", "error", err)
	}
}

func (a *App) respondError(w http.ResponseWriter, code int, message string) {
	a.respondJSON(w, code, map[string]string{"error": message})
}

func (a *App) recentJobs(limit int) []models.JobRecord {
	a.mu.RLock()
	jobs := make([]models.JobRecord, 0, len(a.jobs))
	for _, j := range a.jobs {
		jobs = append(jobs, cloneRecord(j))
	}
	a.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].UpdatedAt.After(jobs[j].UpdatedAt)
	})

	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs
}

// StartCleanupLoop drops job records, ingested files and durable
// artifacts older than ttl every interval.
func (a *App) StartCleanupLoop(ctx context.Context, interval, ttl time.Duration) {
	if interval <= 0 || ttl <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.cleanup(ttl)
			}
		}
	}()
}

func (a *App) cleanup(ttl time.Duration) {
	cutoff := time.Now().Add(-ttl)

	a.mu.Lock()
	removedJobs := 0
	for id, job := range a.jobs {
		if job.State.Terminal() && job.UpdatedAt.Before(cutoff) {
			delete(a.jobs, id)
			removedJobs++
		}
	}
	a.mu.Unlock()

	removedFiles := a.gate.Registry().PurgeOlderThan(cutoff)
	removedSessions, err := a.store.PurgeOlderThan(ttl)
	if err != nil {
		a.logger.Warn("artifact cleanup incomplete", "error", err)
	}

	if removedJobs+removedFiles+removedSessions > 0 {
		a.logger.Info("cleanup completed",
			"removed_jobs", removedJobs,
			"removed_files", removedFiles,
			"removed_sessions", removedSessions,
		)
	}
}

// Shutdown cancels every running job and waits for their goroutines, or
// for ctx to end.
func (a *App) Shutdown(ctx context.Context) error {
	a.cancel()

	done := make(chan struct{})
	go func() {
		a.jobsWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *App) evictExtracted(sessionID string, _ []string) {
	if err := a.store.RemoveSession(sessionID); err != nil {
		a.logger.Warn("failed to remove extracted session", "session_id", sessionID, "error", err)
	}
}

func (a *App) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
