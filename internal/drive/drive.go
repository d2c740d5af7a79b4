// Package drive lists and downloads files from Google Drive on behalf of
// the single signed-in user.
package drive

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"

	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

const (
	googleAppsPrefix = "application/vnd.google-apps"
	folderMIME       = "application/vnd.google-apps.folder"
	exportMIME       = "application/pdf"
	listFields       = "files(id, name, size, modifiedTime, iconLink, mimeType)"
	pageSize         = 50
)

// RemoteFile is one entry of a Drive listing, shaped for the UI.
type RemoteFile struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	MIMEType     string `json:"mimeType"`
	Size         string `json:"size"`
	ModifiedTime string `json:"modifiedTime"`
	IconLink     string `json:"iconLink,omitempty"`
}

// Source is the remote file provider used by the WebSocket handlers.
type Source interface {
	ListFiles(ctx context.Context, search string) ([]RemoteFile, error)
	Open(ctx context.Context, f RemoteFile) (io.ReadCloser, string, error)
}

// GoogleDrive implements Source with the Drive v3 API.
type GoogleDrive struct {
	service func(ctx context.Context) (*drive.Service, error)
}

func NewGoogleDrive(auth *Auth) *GoogleDrive {
	return &GoogleDrive{service: func(ctx context.Context) (*drive.Service, error) {
		ts, err := auth.TokenSource(ctx)
		if err != nil {
			return nil, err
		}
		return drive.NewService(ctx, option.WithTokenSource(ts))
	}}
}

// NewGoogleDriveWithOptions builds a client from explicit options, such
// as an endpoint and HTTP client.
func NewGoogleDriveWithOptions(opts ...option.ClientOption) *GoogleDrive {
	return &GoogleDrive{service: func(ctx context.Context) (*drive.Service, error) {
		return drive.NewService(ctx, opts...)
	}}
}

// ListFiles returns the 50 most recently modified non-folder files,
// optionally filtered by name.
func (g *GoogleDrive) ListFiles(ctx context.Context, search string) ([]RemoteFile, error) {
	srv, err := g.service(ctx)
	if err != nil {
		return nil, err
	}
	res, err := srv.Files.List().
		Context(ctx).
		Q(BuildQuery(search)).
		PageSize(pageSize).
		Fields(listFields).
		OrderBy("modifiedTime desc").
		Do()
	if err != nil {
		return nil, fmt.Errorf("list drive files: %w", err)
	}

	files := make([]RemoteFile, 0, len(res.Files))
	for _, f := range res.Files {
		files = append(files, RemoteFile{
			ID:           f.Id,
			Name:         f.Name,
			MIMEType:     f.MimeType,
			Size:         formatSize(f.Size),
			ModifiedTime: formatDate(f.ModifiedTime),
			IconLink:     f.IconLink,
		})
	}
	return files, nil
}

// Open streams the file content. Google-native documents are exported
// as PDF. The returned name is the one the ingestion gate should see.
func (g *GoogleDrive) Open(ctx context.Context, f RemoteFile) (io.ReadCloser, string, error) {
	srv, err := g.service(ctx)
	if err != nil {
		return nil, "", err
	}

	var body io.ReadCloser
	if IsGoogleNative(f.MIMEType) {
		res, err := srv.Files.Export(f.ID, exportMIME).Context(ctx).Download()
		if err != nil {
			return nil, "", fmt.Errorf("export drive file: %w", err)
		}
		body = res.Body
	} else {
		res, err := srv.Files.Get(f.ID).Context(ctx).Download()
		if err != nil {
			return nil, "", fmt.Errorf("download drive file: %w", err)
		}
		body = res.Body
	}
	return body, DownloadName(f), nil
}

// BuildQuery returns the Drive search expression for a listing.
func BuildQuery(search string) string {
	q := "trashed = false and mimeType != '" + folderMIME + "'"
	if search = strings.TrimSpace(search); search != "" {
		q += " and name contains '" + escapeQuery(search) + "'"
	}
	return q
}

func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}

func IsGoogleNative(mimeType string) bool {
	return strings.HasPrefix(mimeType, googleAppsPrefix)
}

// DownloadName gives exported documents a .pdf name and extensionless
// files an extension derived from their MIME type.
func DownloadName(f RemoteFile) string {
	name := f.Name
	if name == "" {
		name = f.ID
	}
	if IsGoogleNative(f.MIMEType) {
		if !strings.EqualFold(filepath.Ext(name), ".pdf") {
			name += ".pdf"
		}
		return name
	}
	if filepath.Ext(name) == "" {
		if exts, err := mime.ExtensionsByType(f.MIMEType); err == nil && len(exts) > 0 {
			name += exts[0]
		}
	}
	return name
}

func formatSize(b int64) string {
	if b <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.2f MB", float64(b)/(1024*1024))
}

func formatDate(s string) string {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return s
	}
	return t.Format(time.DateOnly)
}
