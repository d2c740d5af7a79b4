// Package config loads and validates the server configuration from
// environment variables.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Version is set at build time via -ldflags.
var Version = "dev"

const (
	gib = int64(1) << 30
)

// Tools holds the executable names or absolute paths of external tools.
type Tools struct {
	FFmpeg       string
	FFprobe      string
	Magick       string
	Soffice      string
	Pandoc       string
	EbookConvert string
	Assimp       string
	Dcraw        string
	Unar         string
	Ghostscript  string
}

// Config holds every server setting.
type Config struct {
	// HTTP listen address
	Addr string
	// Root for secure_uploads, workspaces and converted
	BaseDir string

	// Ingestion hard cap
	MaxInputBytes int64
	// Multipart request cap
	MaxUploadBytes int64

	ArchiveMaxEntries int
	ArchiveMaxBytes   int64

	ToolTimeout     time.Duration
	ImageTimeout    time.Duration
	DocumentTimeout time.Duration
	MediaTimeout    time.Duration
	DownloadTimeout time.Duration
	// Delay between SIGTERM and SIGKILL on timeout
	KillGrace time.Duration

	Tools Tools

	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	LogLevel      slog.Level
	LogFormat     string
	LogBufferSize int

	CleanupInterval time.Duration
	ArtifactTTL     time.Duration
	ShutdownTimeout time.Duration

	// Allows POST /api/ingest with server-local paths (desktop shell mode)
	AllowLocalIngest bool
}

// SandboxDir is where ingested files live under generated names.
func (c *Config) SandboxDir() string { return filepath.Join(c.BaseDir, "secure_uploads") }

// WorkspaceDir is the parent of per-job workspaces.
func (c *Config) WorkspaceDir() string { return filepath.Join(c.BaseDir, "workspaces") }

// ConvertedDir is the durable artifact store.
func (c *Config) ConvertedDir() string { return filepath.Join(c.BaseDir, "converted") }

// StagingDir receives raw uploads before they pass the ingestion gate.
func (c *Config) StagingDir() string { return filepath.Join(c.BaseDir, "staging") }

// TokensPath is the persisted OAuth token record.
func (c *Config) TokensPath() string { return filepath.Join(c.BaseDir, "tokens.json") }

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	cfg.Addr = getEnvDefault("APP_ADDR", ":5001")
	cfg.BaseDir = getEnvDefault("BASE_DIR", ".")

	if cfg.MaxInputBytes, err = getEnvInt64("MAX_INPUT_BYTES", 2*gib); err != nil {
		return nil, fmt.Errorf("MAX_INPUT_BYTES: %w", err)
	}
	if cfg.MaxInputBytes <= 0 {
		return nil, fmt.Errorf("MAX_INPUT_BYTES: value must be positive")
	}
	if cfg.MaxUploadBytes, err = getEnvInt64("MAX_UPLOAD_BYTES", 2*gib); err != nil {
		return nil, fmt.Errorf("MAX_UPLOAD_BYTES: %w", err)
	}
	if cfg.MaxUploadBytes <= 0 {
		return nil, fmt.Errorf("MAX_UPLOAD_BYTES: value must be positive")
	}

	if cfg.ArchiveMaxEntries, err = getEnvInt("ARCHIVE_MAX_ENTRIES", 2000); err != nil {
		return nil, fmt.Errorf("ARCHIVE_MAX_ENTRIES: %w", err)
	}
	if cfg.ArchiveMaxEntries <= 0 {
		return nil, fmt.Errorf("ARCHIVE_MAX_ENTRIES: value must be positive")
	}
	if cfg.ArchiveMaxBytes, err = getEnvInt64("ARCHIVE_MAX_BYTES", 2*gib); err != nil {
		return nil, fmt.Errorf("ARCHIVE_MAX_BYTES: %w", err)
	}
	if cfg.ArchiveMaxBytes <= 0 {
		return nil, fmt.Errorf("ARCHIVE_MAX_BYTES: value must be positive")
	}

	durations := []struct {
		key string
		dst *time.Duration
		def time.Duration
	}{
		{"TOOL_TIMEOUT", &cfg.ToolTimeout, 120 * time.Second},
		{"IMAGE_TIMEOUT", &cfg.ImageTimeout, 60 * time.Second},
		{"DOCUMENT_TIMEOUT", &cfg.DocumentTimeout, 180 * time.Second},
		{"MEDIA_TIMEOUT", &cfg.MediaTimeout, 5 * time.Minute},
		{"DOWNLOAD_TIMEOUT", &cfg.DownloadTimeout, 120 * time.Second},
		{"KILL_GRACE", &cfg.KillGrace, 2 * time.Second},
		{"CLEANUP_INTERVAL", &cfg.CleanupInterval, 30 * time.Minute},
		{"ARTIFACT_TTL", &cfg.ArtifactTTL, 24 * time.Hour},
		{"SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout, 15 * time.Second},
	}
	for _, d := range durations {
		v, err := getEnvDuration(d.key, d.def)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.key, err)
		}
		if v <= 0 {
			return nil, fmt.Errorf("%s: value must be positive", d.key)
		}
		*d.dst = v
	}

	cfg.Tools = Tools{
		FFmpeg:       getEnvDefault("FFMPEG_BIN", "ffmpeg"),
		FFprobe:      getEnvDefault("FFPROBE_BIN", "ffprobe"),
		Magick:       getEnvDefault("MAGICK_BIN", "magick"),
		Soffice:      getEnvDefault("SOFFICE_BIN", "soffice"),
		Pandoc:       getEnvDefault("PANDOC_BIN", "pandoc"),
		EbookConvert: getEnvDefault("EBOOK_CONVERT_BIN", "ebook-convert"),
		Assimp:       getEnvDefault("ASSIMP_BIN", "assimp"),
		Dcraw:        getEnvDefault("DCRAW_BIN", "dcraw"),
		Unar:         getEnvDefault("UNAR_BIN", "unar"),
		Ghostscript:  getEnvDefault("GS_BIN", "gs"),
	}

	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	cfg.GoogleClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	cfg.GoogleRedirectURL = getEnvDefault("GOOGLE_REDIRECT_URL", "http://localhost:5001/auth/google/callback")

	if cfg.LogLevel, err = parseLogLevel(getEnvDefault("LOG_LEVEL", "info")); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	cfg.LogFormat = getEnvDefault("LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("LOG_FORMAT: invalid value %q, expected json or text", cfg.LogFormat)
	}
	if cfg.LogBufferSize, err = getEnvInt("LOG_BUFFER_SIZE", 100); err != nil {
		return nil, fmt.Errorf("LOG_BUFFER_SIZE: %w", err)
	}
	if cfg.LogBufferSize <= 0 {
		return nil, fmt.Errorf("LOG_BUFFER_SIZE: value must be positive")
	}

	if cfg.AllowLocalIngest, err = getEnvBool("ALLOW_LOCAL_INGEST", false); err != nil {
		return nil, fmt.Errorf("ALLOW_LOCAL_INGEST: %w", err)
	}

	return cfg, nil
}

// NewHandler builds the base slog handler for the configured format.
func NewHandler(cfg *Config, w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "text" {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %q", val)
	}
	return n, nil
}

func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %q", val)
	}
	return n, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("invalid boolean: %q", val)
	}
	return b, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid duration: %q (use Go format: 30s, 5m, 1h)", val)
	}
	return d, nil
}

func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid level %q, expected debug, info, warn or error", level)
	}
}
