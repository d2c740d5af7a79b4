package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"omniconvert/internal/config"
	"omniconvert/internal/convert"
	"omniconvert/internal/drive"
	"omniconvert/internal/handlers"
	"omniconvert/internal/ingest"
	"omniconvert/internal/logbuf"
	"omniconvert/internal/orchestrator"
	"omniconvert/internal/packager"
	"omniconvert/internal/runner"
	"omniconvert/internal/selftest"
	"omniconvert/internal/workspace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logs := logbuf.New(cfg.LogBufferSize)
	logger := slog.New(logbuf.NewHandler(config.NewHandler(cfg, os.Stdout), logs))
	slog.SetDefault(logger)

	if err := prepareDirs(cfg, logger); err != nil {
		logger.Error("failed to prepare storage", "base_dir", cfg.BaseDir, "error", err)
		os.Exit(1)
	}

	procs := runner.New(logger, cfg.ToolTimeout, cfg.KillGrace)
	store := workspace.NewStore(cfg.ConvertedDir())
	orch := orchestrator.New(
		logger,
		convert.FromConfig(logger, procs, cfg),
		workspace.NewManager(cfg.WorkspaceDir(), logger),
		packager.New(store),
	)

	auth := drive.NewAuth(logger, cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL, drive.NewTokenStore(cfg.TokensPath()))

	app := handlers.NewApp(logger, handlers.Options{
		Config:       cfg,
		Gate:         ingest.NewGate(logger, cfg.MaxInputBytes, nil),
		Orchestrator: orch,
		Store:        store,
		Logs:         logs,
		Checker:      selftest.New(logger, procs, selftest.Probes(cfg.Tools)),
		Auth:         auth,
		Drive:        drive.NewGoogleDrive(auth),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	app.StartCleanupLoop(ctx, cfg.CleanupInterval, cfg.ArtifactTTL)
	go app.RefreshHealth(ctx)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("server started", "addr", cfg.Addr, "version", config.Version, "base_dir", cfg.BaseDir)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		_ = srv.Close()
	}
	if err := app.Shutdown(shutdownCtx); err != nil {
		logger.Warn("jobs still running at exit", "error", err)
	}
	logger.Info("server stopped")
}

// prepareDirs empties the sandbox, staging area, workspaces and durable
// store left by a previous run.
func prepareDirs(cfg *config.Config, logger *slog.Logger) error {
	dirs := []string{cfg.SandboxDir(), cfg.StagingDir(), cfg.WorkspaceDir(), cfg.ConvertedDir()}
	for _, dir := range dirs {
		if err := workspace.PurgeDir(dir); err != nil {
			return err
		}
	}
	logger.Info("cleaned up old temporary files", "dirs", len(dirs))
	return nil
}
