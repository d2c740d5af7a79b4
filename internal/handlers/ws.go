package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"omniconvert/internal/apperr"
	"omniconvert/internal/drive"
	"omniconvert/internal/logbuf"
	"omniconvert/internal/metrics"
	"omniconvert/internal/models"
	"omniconvert/internal/orchestrator"
)

// Inbound message types.
const (
	msgConvert          = "CONVERT"
	msgConvertDriveFile = "CONVERT_DRIVE_FILE"
	msgListDriveFiles   = "LIST_DRIVE_FILES"
	msgCheckGoogleAuth  = "CHECK_GOOGLE_AUTH"
	msgLogoutGoogle     = "LOGOUT_GOOGLE"
)

// Outbound message types.
const (
	msgProgress         = "PROGRESS"
	msgComplete         = "COMPLETE"
	msgError            = "ERROR"
	msgExtractComplete  = "EXTRACT_COMPLETE"
	msgLogHistory       = "LOG_HISTORY"
	msgServerLog        = "SERVER_LOG"
	msgSystemHealth     = "SYSTEM_HEALTH"
	msgGoogleAuthStatus = "GOOGLE_AUTH_STATUS"
	msgDriveFilesList   = "DRIVE_FILES_LIST"
)

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
	readLimit    = 1 << 20
)

type envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type progressPayload struct {
	JobID    string `json:"jobId"`
	Progress int    `json:"progress"`
}

type completePayload struct {
	JobID       string `json:"jobId"`
	DownloadURL string `json:"downloadUrl"`
}

type extractPayload struct {
	JobID     string   `json:"jobId"`
	SessionID string   `json:"sessionId"`
	FileList  []string `json:"fileList"`
}

type errorPayload struct {
	JobID   string `json:"jobId,omitempty"`
	Message string `json:"message"`
}

type authStatusPayload struct {
	IsLoggedIn bool `json:"isLoggedIn"`
}

type driveFilesPayload struct {
	Files []drive.RemoteFile `json:"files"`
}

type convertRequest struct {
	Files []struct {
		ID string `json:"id"`
	} `json:"files"`
	OutputFormat string          `json:"outputFormat"`
	Settings     models.Settings `json:"settings"`
}

type driveConvertRequest struct {
	File         drive.RemoteFile `json:"file"`
	OutputFormat string           `json:"outputFormat"`
	Settings     models.Settings  `json:"settings"`
}

type listDriveRequest struct {
	SearchTerm string `json:"searchTerm"`
}

// client is one WebSocket connection. All writes go through send so a
// single goroutine owns the socket's write side.
type client struct {
	conn   *websocket.Conn
	send   chan envelope
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	done   chan struct{}
}

func newClient(parent context.Context, conn *websocket.Conn, logger *slog.Logger) *client {
	ctx, cancel := context.WithCancel(parent)
	return &client{
		conn:   conn,
		send:   make(chan envelope, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// emit queues a message, blocking until there is room or the
// connection ends.
func (c *client) emit(typ string, payload any) bool {
	select {
	case c.send <- envelope{Type: typ, Payload: payload}:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// offer queues a message only if there is room. Log fan-out uses it so
// logging never waits on a slow client.
func (c *client) offer(typ string, payload any) {
	select {
	case c.send <- envelope{Type: typ, Payload: payload}:
	default:
	}
}

func (c *client) writeLoop() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (a *App) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(readLimit)

	c := newClient(a.ctx, conn, a.logger)
	a.mu.Lock()
	a.clients[c] = struct{}{}
	a.mu.Unlock()
	metrics.Connections.Inc()
	a.logger.Info("client connected", "remote", r.RemoteAddr)

	go c.writeLoop()

	c.emit(msgLogHistory, a.logs.Snapshot())
	unsubscribe := a.logs.Subscribe(func(e logbuf.Entry) {
		c.offer(msgServerLog, e)
	})
	c.emit(msgSystemHealth, a.SystemHealth(c.ctx))
	c.emit(msgGoogleAuthStatus, authStatusPayload{IsLoggedIn: a.auth != nil && a.auth.LoggedIn()})

	go func() {
		<-c.ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.emit(msgError, errorPayload{Message: "Invalid message."})
			continue
		}
		a.dispatch(c, msg)
	}

	// Disconnect cancels the connection's jobs and their tools.
	unsubscribe()
	c.cancel()
	<-c.done
	a.mu.Lock()
	delete(a.clients, c)
	a.mu.Unlock()
	metrics.Connections.Dec()
	a.logger.Info("client disconnected", "remote", r.RemoteAddr)
}

func (a *App) dispatch(c *client, msg inbound) {
	switch msg.Type {
	case msgConvert:
		var req convertRequest
		if err := decodePayload(msg.Payload, &req); err != nil {
			c.emit(msgError, errorPayload{Message: "Invalid CONVERT payload."})
			return
		}
		a.handleConvert(c, req)
	case msgConvertDriveFile:
		var req driveConvertRequest
		if err := decodePayload(msg.Payload, &req); err != nil || req.File.ID == "" {
			c.emit(msgError, errorPayload{Message: "Invalid CONVERT_DRIVE_FILE payload."})
			return
		}
		a.handleDriveConvert(c, req)
	case msgListDriveFiles:
		var req listDriveRequest
		_ = decodePayload(msg.Payload, &req)
		go a.handleListDrive(c, req)
	case msgCheckGoogleAuth:
		go a.handleCheckAuth(c)
	case msgLogoutGoogle:
		a.handleLogout(c)
	default:
		c.emit(msgError, errorPayload{Message: "Unknown message type " + msg.Type + "."})
	}
}

func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func (a *App) handleConvert(c *client, req convertRequest) {
	ids := make([]string, 0, len(req.Files))
	for _, f := range req.Files {
		ids = append(ids, f.ID)
	}
	files, err := a.gate.Registry().Resolve(ids)
	if err != nil {
		c.emit(msgError, errorPayload{Message: err.Error()})
		return
	}

	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.OriginalName)
	}
	rec := a.newJob(req.OutputFormat, names)
	a.launch(c, rec, func(ctx context.Context, rep *jobReporter) models.ConversionResult {
		return a.orch.Run(ctx, models.ConversionJob{
			SessionID:    orchestrator.NewSessionID(),
			Files:        files,
			OutputFormat: req.OutputFormat,
			Settings:     req.Settings,
		}, rep)
	})
}

// handleDriveConvert downloads a Drive file through the ingestion gate
// and converts it as a one-file job.
func (a *App) handleDriveConvert(c *client, req driveConvertRequest) {
	if a.drive == nil || a.auth == nil || !a.auth.LoggedIn() {
		c.emit(msgError, errorPayload{Message: "Not connected to Google Drive."})
		return
	}

	rec := a.newJob(req.OutputFormat, []string{drive.DownloadName(req.File)})
	a.launch(c, rec, func(ctx context.Context, rep *jobReporter) models.ConversionResult {
		sessionID := orchestrator.NewSessionID()

		file, err := a.fetchRemote(ctx, rep, req.File)
		if err != nil {
			a.logger.Error("drive download failed", "job_id", rec.ID, "file", req.File.Name, "error", err)
			rep.State(models.StateFatalFailure)
			return models.Failure(sessionID, "Download Failed: "+downloadMessage(err))
		}
		defer a.gate.Registry().Remove(file.ID)

		rep.rebase(downloadShare)
		return a.orch.Run(ctx, models.ConversionJob{
			SessionID:    sessionID,
			Files:        []models.IngestedFile{file},
			OutputFormat: req.OutputFormat,
			Settings:     req.Settings,
		}, rep)
	})
}

func (a *App) fetchRemote(ctx context.Context, rep *jobReporter, f drive.RemoteFile) (models.IngestedFile, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.DownloadTimeout)
	defer cancel()

	stop := downloadProgress(rep)
	defer stop()

	body, name, err := a.drive.Open(ctx, f)
	if err != nil {
		return models.IngestedFile{}, err
	}
	defer body.Close()

	file, err := a.gate.IngestReader(body, name, a.cfg.StagingDir(), a.cfg.SandboxDir())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return models.IngestedFile{}, ctxErr
		}
		return models.IngestedFile{}, err
	}
	return file, nil
}

func downloadMessage(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "Download timeout"
	case errors.Is(err, context.Canceled):
		return "Download cancelled"
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return ae.Error()
	}
	return err.Error()
}

func (a *App) handleListDrive(c *client, req listDriveRequest) {
	if a.drive == nil || a.auth == nil || !a.auth.LoggedIn() {
		c.emit(msgError, errorPayload{Message: "Not connected to Google Drive."})
		return
	}
	files, err := a.drive.ListFiles(c.ctx, strings.TrimSpace(req.SearchTerm))
	if err != nil {
		a.logger.Error("drive listing failed", "error", err)
		c.emit(msgError, errorPayload{Message: "Failed to fetch Drive files."})
		return
	}
	c.emit(msgDriveFilesList, driveFilesPayload{Files: files})
}

func (a *App) handleCheckAuth(c *client) {
	ok := a.auth != nil && a.auth.Validate(c.ctx)
	c.emit(msgGoogleAuthStatus, authStatusPayload{IsLoggedIn: ok})
}

func (a *App) handleLogout(c *client) {
	if a.auth != nil {
		if err := a.auth.Logout(); err != nil {
			a.logger.Warn("failed to remove stored google tokens", "error", err)
		}
		a.logger.Info("google account disconnected")
	}
	c.emit(msgGoogleAuthStatus, authStatusPayload{IsLoggedIn: false})
}

// broadcast offers msg to every connected client.
func (a *App) broadcast(typ string, payload any) {
	a.mu.RLock()
	clients := make([]*client, 0, len(a.clients))
	for c := range a.clients {
		clients = append(clients, c)
	}
	a.mu.RUnlock()

	for _, c := range clients {
		c.offer(typ, payload)
	}
}
