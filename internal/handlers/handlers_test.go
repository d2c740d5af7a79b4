package handlers

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"omniconvert/internal/config"
	"omniconvert/internal/convert"
	"omniconvert/internal/drive"
	"omniconvert/internal/ingest"
	"omniconvert/internal/logbuf"
	"omniconvert/internal/models"
	"omniconvert/internal/orchestrator"
	"omniconvert/internal/packager"
	"omniconvert/internal/runner"
	"omniconvert/internal/workspace"
)

type fakeRunner struct {
	mu    sync.Mutex
	tools []string
}

// Run fakes unar by dropping one file into the -o directory and every
// other tool by writing its last argument.
func (f *fakeRunner) Run(_ context.Context, tool string, args []string, opts runner.Options) (runner.Result, error) {
	f.mu.Lock()
	f.tools = append(f.tools, tool)
	f.mu.Unlock()
	if tool == "unar" {
		return runner.Result{}, os.WriteFile(filepath.Join(args[1], "a.txt"), []byte("hello"), 0o600)
	}
	out := args[len(args)-1]
	if !filepath.IsAbs(out) {
		out = filepath.Join(opts.Dir, out)
	}
	return runner.Result{}, os.WriteFile(out, []byte("converted"), 0o600)
}

type fakeDrive struct {
	data []byte
}

func (f fakeDrive) ListFiles(_ context.Context, search string) ([]drive.RemoteFile, error) {
	return []drive.RemoteFile{{ID: "r1", Name: "photo.png", MIMEType: "image/png", Size: "0.01 MB"}}, nil
}

func (f fakeDrive) Open(_ context.Context, rf drive.RemoteFile) (io.ReadCloser, string, error) {
	return io.NopCloser(bytes.NewReader(f.data)), drive.DownloadName(rf), nil
}

type testEnv struct {
	app    *App
	srv    *httptest.Server
	cfg    *config.Config
	gate   *ingest.Gate
	logs   *logbuf.Buffer
	logger *slog.Logger
}

func newTestEnv(t *testing.T, withDrive bool) *testEnv {
	t.Helper()
	base := t.TempDir()
	cfg := &config.Config{
		BaseDir:           base,
		MaxInputBytes:     1 << 20,
		MaxUploadBytes:    4 << 20,
		ArchiveMaxEntries: 100,
		ArchiveMaxBytes:   1 << 20,
		ToolTimeout:       time.Minute,
		ImageTimeout:      time.Minute,
		DocumentTimeout:   time.Minute,
		MediaTimeout:      time.Minute,
		DownloadTimeout:   5 * time.Second,
		ArtifactTTL:       time.Hour,
		Tools:             config.Tools{Unar: "unar", Magick: "magick"},
	}
	require.NoError(t, os.MkdirAll(cfg.SandboxDir(), 0o750))

	logs := logbuf.New(logbuf.DefaultSize)
	logger := slog.New(logbuf.NewHandler(slog.NewTextHandler(io.Discard, nil), logs))

	gate := ingest.NewGate(logger, cfg.MaxInputBytes, nil)
	store := workspace.NewStore(cfg.ConvertedDir())
	conv := convert.FromConfig(logger, &fakeRunner{}, cfg)
	orch := orchestrator.New(logger, conv, workspace.NewManager(cfg.WorkspaceDir(), logger), packager.New(store))

	opts := Options{
		Config:       cfg,
		Gate:         gate,
		Orchestrator: orch,
		Store:        store,
		Logs:         logs,
	}
	if withDrive {
		tokens := drive.NewTokenStore(cfg.TokensPath())
		require.NoError(t, tokens.Save(&oauth2.Token{AccessToken: "t", Expiry: time.Now().Add(time.Hour)}))
		opts.Auth = drive.NewAuth(logger, "id", "secret", "http://localhost/cb", tokens)
		opts.Drive = fakeDrive{data: pngData(t)}
	}

	app := NewApp(logger, opts)
	srv := httptest.NewServer(app.Router())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Shutdown(ctx)
	})
	return &testEnv{app: app, srv: srv, cfg: cfg, gate: gate, logs: logs, logger: logger}
}

func (e *testEnv) ingest(t *testing.T, name string, data []byte) models.IngestedFile {
	t.Helper()
	f, err := e.gate.IngestReader(bytes.NewReader(data), name, e.cfg.StagingDir(), e.cfg.SandboxDir())
	require.NoError(t, err)
	return f
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// readUntil reads messages until one of type typ arrives, returning it
// and every PROGRESS value seen on the way.
func readUntil(t *testing.T, conn *websocket.Conn, types ...string) (message, []int) {
	t.Helper()
	var progress []int
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		var msg message
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == msgProgress {
			var p progressPayload
			require.NoError(t, json.Unmarshal(msg.Payload, &p))
			progress = append(progress, p.Progress)
		}
		for _, typ := range types {
			if msg.Type == typ {
				return msg, progress
			}
		}
	}
}

func pngData(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func zipData(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("a.txt")
	require.NoError(t, err)
	_, _ = w.Write([]byte("hello"))
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func assertIncreasing(t *testing.T, progress []int) {
	t.Helper()
	for i := 1; i < len(progress); i++ {
		assert.Greater(t, progress[i], progress[i-1], "progress %v", progress)
	}
	for _, p := range progress {
		assert.LessOrEqual(t, p, 100)
	}
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t, false)
	res, err := http.Get(e.srv.URL + "/healthz")
	require.NoError(t, err)
	defer res.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestIndex(t *testing.T) {
	e := newTestEnv(t, false)
	res, err := http.Get(e.srv.URL + "/")
	require.NoError(t, err)
	defer res.Body.Close()
	html, _ := io.ReadAll(res.Body)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(html), "OmniConvert")
}

func TestUpload(t *testing.T) {
	e := newTestEnv(t, false)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("files", "../../pic.jpg")
	require.NoError(t, err)
	_, _ = fw.Write(pngData(t))
	fw, err = mw.CreateFormFile("files", "notes.txt")
	require.NoError(t, err)
	_, _ = fw.Write(append([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1}, make([]byte, 64)...))
	require.NoError(t, mw.Close())

	res, err := http.Post(e.srv.URL+"/upload", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var got ingestResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&got))
	require.Len(t, got.Files, 1)
	assert.Equal(t, "pic.jpg", got.Files[0].OriginalName)
	assert.Equal(t, "png", got.Files[0].DetectedExtension)
	assert.Equal(t, "IMAGE", got.Files[0].Category)
	assert.Contains(t, got.Files[0].Outputs, "webp")
	require.Len(t, got.Errors, 1)
	assert.Equal(t, "notes.txt", got.Errors[0].Name)
	assert.Equal(t, "SECURITY_RISK", got.Errors[0].Kind)

	_, ok := e.gate.Registry().Get(got.Files[0].ID)
	assert.True(t, ok)
}

func TestFormats(t *testing.T) {
	e := newTestEnv(t, false)

	res, err := http.Get(e.srv.URL + "/api/formats")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var got map[string][]string
	require.NoError(t, json.NewDecoder(res.Body).Decode(&got))
	assert.ElementsMatch(t, []string{"extract", "zip"}, got["ARCHIVE"])
	assert.Contains(t, got["VIDEO"], "mp3")
	assert.NotContains(t, got, "UNSUPPORTED")
}

func TestUpload_Empty(t *testing.T) {
	e := newTestEnv(t, false)
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("note", "nothing"))
	require.NoError(t, mw.Close())

	res, err := http.Post(e.srv.URL+"/upload", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestIngestPaths_DisabledByDefault(t *testing.T) {
	e := newTestEnv(t, false)
	res, err := http.Post(e.srv.URL+"/api/ingest", "application/json", strings.NewReader(`{"paths":["/etc/hosts"]}`))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestIngestPaths(t *testing.T) {
	e := newTestEnv(t, false)
	e.cfg.AllowLocalIngest = true
	src := filepath.Join(t.TempDir(), "pic.png")
	require.NoError(t, os.WriteFile(src, pngData(t), 0o600))

	payload, _ := json.Marshal(map[string][]string{"paths": {src}})
	res, err := http.Post(e.srv.URL+"/api/ingest", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer res.Body.Close()

	var got ingestResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&got))
	assert.Equal(t, http.StatusOK, res.StatusCode)
	require.Len(t, got.Files, 1)
	assert.Equal(t, "png", got.Files[0].DetectedExtension)
	assert.FileExists(t, src)
}

func TestWS_Handshake(t *testing.T) {
	e := newTestEnv(t, false)
	conn := e.dial(t)

	var types []string
	for i := 0; i < 3; i++ {
		var msg message
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == msgServerLog {
			i--
			continue
		}
		types = append(types, msg.Type)
		if msg.Type == msgGoogleAuthStatus {
			var p authStatusPayload
			require.NoError(t, json.Unmarshal(msg.Payload, &p))
			assert.False(t, p.IsLoggedIn)
		}
	}
	assert.Equal(t, []string{msgLogHistory, msgSystemHealth, msgGoogleAuthStatus}, types)
}

func TestWS_ConvertAndDownload(t *testing.T) {
	e := newTestEnv(t, false)
	file := e.ingest(t, "holiday.png", pngData(t))
	conn := e.dial(t)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": msgConvert,
		"payload": map[string]any{
			"files":        []map[string]string{{"id": file.ID}},
			"outputFormat": "jpg",
		},
	}))

	msg, progress := readUntil(t, conn, msgComplete, msgError)
	require.Equal(t, msgComplete, msg.Type, string(msg.Payload))
	assertIncreasing(t, progress)
	require.NotEmpty(t, progress)
	assert.Equal(t, 100, progress[len(progress)-1])

	var done completePayload
	require.NoError(t, json.Unmarshal(msg.Payload, &done))
	assert.True(t, strings.HasSuffix(done.DownloadURL, "/holiday.jpg"), done.DownloadURL)

	res, err := http.Get(e.srv.URL + done.DownloadURL)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, res.Header.Get("Content-Disposition"), "holiday.jpg")
	_, format, err := image.DecodeConfig(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)

	res, err = http.Get(e.srv.URL + "/api/jobs/" + done.JobID)
	require.NoError(t, err)
	defer res.Body.Close()
	var rec models.JobRecord
	require.NoError(t, json.NewDecoder(res.Body).Decode(&rec))
	assert.Equal(t, models.StateComplete, rec.State)
	assert.Equal(t, 100, rec.Progress)
	assert.Equal(t, []string{"holiday.png"}, rec.FileNames)
}

func TestWS_UnknownFileReference(t *testing.T) {
	e := newTestEnv(t, false)
	conn := e.dial(t)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    msgConvert,
		"payload": map[string]any{"files": []map[string]string{{"id": "missing"}}, "outputFormat": "jpg"},
	}))
	msg, _ := readUntil(t, conn, msgError)
	var p errorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Contains(t, p.Message, "Unknown file reference")
}

func TestWS_UnsupportedTargetFails(t *testing.T) {
	e := newTestEnv(t, false)
	file := e.ingest(t, "pic.png", pngData(t))
	conn := e.dial(t)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    msgConvert,
		"payload": map[string]any{"files": []map[string]string{{"id": file.ID}}, "outputFormat": "mp3"},
	}))
	msg, _ := readUntil(t, conn, msgComplete, msgError)
	require.Equal(t, msgError, msg.Type)
	var p errorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.NotEmpty(t, p.JobID)
	assert.Contains(t, p.Message, "pic.png")
}

func TestWS_ExtractAndDownload(t *testing.T) {
	e := newTestEnv(t, false)
	file := e.ingest(t, "bundle.zip", zipData(t))
	conn := e.dial(t)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    msgConvert,
		"payload": map[string]any{"files": []map[string]string{{"id": file.ID}}, "outputFormat": "extract"},
	}))
	msg, _ := readUntil(t, conn, msgExtractComplete, msgError)
	require.Equal(t, msgExtractComplete, msg.Type, string(msg.Payload))

	var p extractPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, []string{"a.txt"}, p.FileList)

	q := url.Values{"sessionId": {p.SessionID}, "file": {"a.txt"}}
	res, err := http.Get(e.srv.URL + "/download-extracted?" + q.Encode())
	require.NoError(t, err)
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "hello", string(body))

	q.Set("file", "../../secure_uploads/x")
	res, err = http.Get(e.srv.URL + "/download-extracted?" + q.Encode())
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, err = http.Get(e.srv.URL + "/download-extracted?sessionId=session_unknown&file=a.txt")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, err = http.Get(e.srv.URL + "/download-extracted")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestWS_ServerLogFanout(t *testing.T) {
	e := newTestEnv(t, false)
	conn := e.dial(t)
	readUntil(t, conn, msgGoogleAuthStatus)

	e.logger.Warn("disk almost full", "free", "1%")

	msg, _ := readUntil(t, conn, msgServerLog)
	var entry logbuf.Entry
	require.NoError(t, json.Unmarshal(msg.Payload, &entry))
	for entry.Message != "disk almost full free=1%" {
		msg, _ = readUntil(t, conn, msgServerLog)
		require.NoError(t, json.Unmarshal(msg.Payload, &entry))
	}
	assert.Equal(t, "WARN", entry.Level)
}

func TestWS_DriveFlow(t *testing.T) {
	e := newTestEnv(t, true)
	conn := e.dial(t)

	msg, _ := readUntil(t, conn, msgGoogleAuthStatus)
	var status authStatusPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &status))
	assert.True(t, status.IsLoggedIn)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": msgListDriveFiles, "payload": map[string]string{"searchTerm": "photo"}}))
	msg, _ = readUntil(t, conn, msgDriveFilesList)
	var list driveFilesPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &list))
	require.Len(t, list.Files, 1)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    msgConvertDriveFile,
		"payload": map[string]any{"file": list.Files[0], "outputFormat": "gif"},
	}))
	msg, progress := readUntil(t, conn, msgComplete, msgError)
	require.Equal(t, msgComplete, msg.Type, string(msg.Payload))
	assertIncreasing(t, progress)
	assert.Zero(t, e.gate.Registry().Len(), "remote files are job-private")

	require.NoError(t, conn.WriteJSON(map[string]any{"type": msgLogoutGoogle}))
	msg, _ = readUntil(t, conn, msgGoogleAuthStatus)
	require.NoError(t, json.Unmarshal(msg.Payload, &status))
	assert.False(t, status.IsLoggedIn)
	assert.NoFileExists(t, e.cfg.TokensPath())
}

func TestWS_DriveRequiresLogin(t *testing.T) {
	e := newTestEnv(t, false)
	conn := e.dial(t)
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    msgConvertDriveFile,
		"payload": map[string]any{"file": map[string]string{"id": "x", "name": "x.pdf"}, "outputFormat": "docx"},
	}))
	msg, _ := readUntil(t, conn, msgError)
	var p errorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, "Not connected to Google Drive.", p.Message)
}

func TestDownload_NotFound(t *testing.T) {
	e := newTestEnv(t, false)
	res, err := http.Get(e.srv.URL + "/download/session_x/missing.zip")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestClearCache(t *testing.T) {
	e := newTestEnv(t, false)
	f := e.ingest(t, "a.png", pngData(t))

	res, err := http.Post(e.srv.URL+"/api/cache/clear", "application/json", nil)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Zero(t, e.gate.Registry().Len())
	assert.NoFileExists(t, f.SafePath)
}

func TestCleanupDropsOldRecords(t *testing.T) {
	e := newTestEnv(t, false)
	rec := e.app.newJob("png", []string{"a.jpg"})
	e.app.updateJob(rec.ID, func(j *models.JobRecord) { j.State = models.StateComplete })
	e.app.mu.Lock()
	e.app.jobs[rec.ID].UpdatedAt = time.Now().Add(-2 * time.Hour)
	e.app.mu.Unlock()

	e.app.cleanup(time.Hour)
	_, ok := e.app.getJob(rec.ID)
	assert.False(t, ok)
}

func TestGoogleAuth_NotConfigured(t *testing.T) {
	e := newTestEnv(t, false)
	res, err := http.Get(e.srv.URL + "/auth/google")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestJobReporter_Rebase(t *testing.T) {
	e := newTestEnv(t, false)
	c := newClient(context.Background(), nil, e.logger)
	rec := e.app.newJob("pdf", nil)
	rep := &jobReporter{app: e.app, client: c, jobID: rec.ID}

	rep.Progress(10)
	rep.rebase(downloadShare)
	rep.Progress(0)
	rep.Progress(50)
	rep.Progress(40)
	rep.Progress(100)

	close(c.send)
	var got []int
	for msg := range c.send {
		got = append(got, msg.Payload.(progressPayload).Progress)
	}
	assert.Equal(t, []int{10, 65, 100}, got)
}

func TestDownloadURLEscapes(t *testing.T) {
	assert.Equal(t, "/download/session_1/my%20file%23.zip", downloadURL("session_1", "my file#.zip"))
}
