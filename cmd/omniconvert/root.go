package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"omniconvert/internal/archive"
	"omniconvert/internal/config"
	"omniconvert/internal/convert"
	"omniconvert/internal/fsutil"
	"omniconvert/internal/ingest"
	"omniconvert/internal/models"
	"omniconvert/internal/orchestrator"
	"omniconvert/internal/packager"
	"omniconvert/internal/runner"
	"omniconvert/internal/selftest"
	"omniconvert/internal/workspace"
)

func newRootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:          "omniconvert",
		Short:        "Convert files between formats using the OmniConvert pipelines.",
		Version:      config.Version,
		SilenceUsage: true,
	}
	root.SetVersionTemplate(`{{.Use}} version {{.Version}}` + "\n")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(
		newConvertCmd(&verbose),
		newScanCmd(),
		newDoctorCmd(&verbose),
		newPurgeCmd(),
	)
	return root
}

// loadConfig reads the environment configuration with CLI-friendly
// logging on stderr.
func loadConfig(cmd *cobra.Command, verbose bool) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	cfg.LogFormat = "text"
	cfg.LogLevel = slog.LevelWarn
	if verbose {
		cfg.LogLevel = slog.LevelDebug
	}
	return cfg, slog.New(config.NewHandler(cfg, cmd.ErrOrStderr())), nil
}

func newConvertCmd(verbose *bool) *cobra.Command {
	var (
		format   string
		outDir   string
		settings models.Settings
	)

	cmd := &cobra.Command{
		Use:   "convert <file>... --to <format>",
		Short: "Convert one or more local files",
		Long: `convert runs the given files through the ingestion gate and the
conversion pipelines. One converted file is written as is; several are
bundled into a zip. Use --to extract to unpack an archive.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			cfg, logger, err := loadConfig(cmd, *verbose)
			if err != nil {
				return err
			}
			base, err := os.MkdirTemp("", "omniconvert-*")
			if err != nil {
				return err
			}
			defer os.RemoveAll(base)
			cfg.BaseDir = base

			result, err := runConvert(ctx, cfg, logger, args, format, settings, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return publish(cmd.OutOrStdout(), cfg, result, outDir)
		},
	}
	cmd.Flags().StringVarP(&format, "to", "t", "", "Target format token (e.g. png, pdf, mp3, extract)")
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "Directory to write results into")
	cmd.Flags().StringVar(&settings.Resolution, "resolution", "", "Video resolution override, WIDTHxHEIGHT")
	cmd.Flags().StringVar(&settings.AudioBitrate, "bitrate", "", "Audio bitrate override, e.g. 192k")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func runConvert(ctx context.Context, cfg *config.Config, logger *slog.Logger, paths []string, format string, settings models.Settings, progress io.Writer) (models.ConversionResult, error) {
	gate := ingest.NewGate(logger, cfg.MaxInputBytes, nil)
	files := make([]models.IngestedFile, 0, len(paths))
	for _, p := range paths {
		f, err := gate.Ingest(p, cfg.SandboxDir())
		if err != nil {
			return models.ConversionResult{}, err
		}
		files = append(files, f)
	}

	store := workspace.NewStore(cfg.ConvertedDir())
	procs := runner.New(logger, cfg.ToolTimeout, cfg.KillGrace)
	orch := orchestrator.New(logger,
		convert.FromConfig(logger, procs, cfg),
		workspace.NewManager(cfg.WorkspaceDir(), logger),
		packager.New(store),
	)

	result := orch.Run(ctx, models.ConversionJob{
		SessionID:    orchestrator.NewSessionID(),
		Files:        files,
		OutputFormat: format,
		Settings:     settings,
	}, &progressPrinter{w: progress})
	fmt.Fprintln(progress)

	if result.Kind == models.ResultFailure {
		return result, errors.New(result.Message)
	}
	return result, nil
}

// publish moves the job's artifacts out of the temporary store.
func publish(w io.Writer, cfg *config.Config, result models.ConversionResult, outDir string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	switch result.Kind {
	case models.ResultSingleFile, models.ResultBundle:
		dst := filepath.Join(outDir, result.Name)
		if err := fsutil.Move(result.Path, dst); err != nil {
			return err
		}
		fmt.Fprintln(w, dst)
	case models.ResultExtracted:
		src := filepath.Join(cfg.ConvertedDir(), result.SessionID, "extracted")
		dst := filepath.Join(outDir, result.SessionID)
		if err := fsutil.MoveDir(src, dst); err != nil {
			return err
		}
		for _, name := range result.FileNames {
			fmt.Fprintln(w, filepath.Join(dst, filepath.FromSlash(name)))
		}
	}
	return nil
}

type progressPrinter struct {
	w io.Writer
}

func (p *progressPrinter) State(models.JobState) {}

func (p *progressPrinter) Progress(percent int) {
	fmt.Fprintf(p.w, "\rprogress %3d%%", percent)
}

func newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan <archive>",
		Short: "Inspect a zip archive against the extraction quotas",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			report, scanErr := archive.NewScanner(cfg.ArchiveMaxEntries, cfg.ArchiveMaxBytes).Scan(args[0])

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			return scanErr
		},
	}
}

func newDoctorCmd(verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that every external conversion tool is installed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd, *verbose)
			if err != nil {
				return err
			}
			procs := runner.New(logger, cfg.ToolTimeout, cfg.KillGrace)
			results := selftest.New(logger, procs, selftest.Probes(cfg.Tools)).Run(cmd.Context())

			names := make([]string, 0, len(results))
			for name := range results {
				names = append(names, name)
			}
			sort.Strings(names)
			out := cmd.OutOrStdout()
			for _, name := range names {
				fmt.Fprintf(out, "%-12s %s\n", name, results[name])
			}
			if !selftest.AllOK(results) {
				return errors.New("some tools are missing")
			}
			return nil
		},
	}
}

func newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Empty the sandbox, workspaces and durable store under BASE_DIR",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			var errs []error
			for _, dir := range []string{cfg.SandboxDir(), cfg.StagingDir(), cfg.WorkspaceDir(), cfg.ConvertedDir()} {
				if err := workspace.PurgeDir(dir); err != nil {
					errs = append(errs, err)
					continue
				}
				fmt.Fprintln(cmd.OutOrStdout(), "purged", dir)
			}
			return errors.Join(errs...)
		},
	}
}
