package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/utsushi/internal/model"
	"github.com/ashita-ai/utsushi/internal/pipeline"
	"github.com/ashita-ai/utsushi/internal/session"
)

// dumpField is the multipart field carrying the uploaded dump.
const dumpField = "dump"

// multipartMemory is how much of an upload is buffered in memory before
// spilling to temporary files.
const multipartMemory = 32 << 20

// Migrations starts pipeline runs and locates their artifacts.
// *pipeline.Orchestrator satisfies it.
type Migrations interface {
	Start(ctx context.Context, id string) error
	Result(id string) (string, error)
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store          *session.Store
	migrations     Migrations
	logger         *slog.Logger
	startedAt      time.Time
	version        string
	uploadsDir     string
	maxUploadBytes int64
	keepalive      time.Duration

	streams      context.Context // cancelled by CloseStreams
	closeStreams context.CancelFunc
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Store          *session.Store
	Migrations     Migrations
	Logger         *slog.Logger
	Version        string
	UploadsDir     string
	MaxUploadBytes int64
	Keepalive      time.Duration // event stream keepalive; zero means 15s
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	keepalive := d.Keepalive
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	streams, closeStreams := context.WithCancel(context.Background())
	return &Handlers{
		streams:        streams,
		closeStreams:   closeStreams,
		store:          d.Store,
		migrations:     d.Migrations,
		logger:         d.Logger,
		startedAt:      time.Now(),
		version:        d.Version,
		uploadsDir:     d.UploadsDir,
		maxUploadBytes: d.MaxUploadBytes,
		keepalive:      keepalive,
	}
}

// HandleCreateMigration handles POST /v1/migrations. The body is a
// multipart form with the dump in the "dump" field; every other field is
// kept as session metadata ("database" names the fallback database).
func (h *Handlers) HandleCreateMigration(w http.ResponseWriter, r *http.Request) {
	if h.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeTooLarge,
				fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "expected a multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile(dumpField)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "missing \"dump\" file field")
		return
	}
	defer func() { _ = file.Close() }()

	path, err := h.saveUpload(file, header.Filename)
	if err != nil {
		h.logger.Error("save upload failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to store upload")
		return
	}

	metadata := make(map[string]string, len(r.MultipartForm.Value))
	for k, vs := range r.MultipartForm.Value {
		if len(vs) > 0 && vs[0] != "" {
			metadata[k] = vs[0]
		}
	}

	s, err := h.store.Create(path, metadata)
	if err != nil {
		_ = os.Remove(path)
		h.logger.Error("create session failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to create session")
		return
	}
	h.logger.Info("session created", "session_id", s.ID, "file", header.Filename,
		"database", metadata[pipeline.MetadataDatabase])

	writeJSON(w, r, http.StatusCreated, model.CreateSessionResponse{ID: s.ID, Status: model.StatusReady})
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// saveUpload copies an uploaded dump under the uploads directory with a
// unique, sanitized name.
func (h *Handlers) saveUpload(src io.Reader, filename string) (string, error) {
	if err := os.MkdirAll(h.uploadsDir, 0o750); err != nil {
		return "", fmt.Errorf("create uploads dir: %w", err)
	}
	base := unsafeFileChars.ReplaceAllString(filepath.Base(filename), "_")
	if base == "" || base == "." || base == "_" {
		base = "dump.sql"
	}
	path := filepath.Join(h.uploadsDir, uuid.NewString()+"-"+base)

	dst, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600) //nolint:gosec // path is built from a fresh uuid
	if err != nil {
		return "", fmt.Errorf("create upload: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write upload: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("close upload: %w", err)
	}
	return path, nil
}

// HandleStartMigration handles POST /v1/migrations/{id}/start.
func (h *Handlers) HandleStartMigration(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := h.migrations.Start(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, r, http.StatusAccepted, model.StartResponse{ID: id, Accepted: true})
	case errors.Is(err, session.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "migration not found")
	case errors.Is(err, session.ErrConflict):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "migration is already running")
	case errors.Is(err, session.ErrTerminal):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "migration already finished; create a new one to retry")
	default:
		h.logger.Error("start migration failed", "session_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to start migration")
	}
}

// HandleGetMigration handles GET /v1/migrations/{id}.
func (h *Handlers) HandleGetMigration(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, s.View())
}

// HandleListMigrations handles GET /v1/migrations.
func (h *Handlers) HandleListMigrations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.store.List())
}

// HandleResult handles GET /v1/migrations/{id}/result.
func (h *Handlers) HandleResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	path, err := h.migrations.Result(id)
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "migration not found")
		return
	case errors.Is(err, pipeline.ErrNoResult):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "migration has no result")
		return
	case err != nil:
		h.logger.Error("locate result failed", "session_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to locate result")
		return
	}

	f, err := os.Open(path) //nolint:gosec // path is built by the orchestrator under the exports dir
	if err != nil {
		h.logger.Error("open result failed", "session_id", id, "error", err)
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "result file is missing")
		return
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to read result")
		return
	}

	w.Header().Set("Content-Type", "application/sql")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	http.ServeContent(w, r, filepath.Base(path), info.ModTime(), f)
}

// HandleDeleteMigration handles DELETE /v1/migrations/{id}.
func (h *Handlers) HandleDeleteMigration(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := h.store.Remove(id)
	switch {
	case err == nil:
		writeJSON(w, r, http.StatusOK, model.DeleteResponse{ID: id, Removed: true})
	case errors.Is(err, session.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "migration not found")
	case errors.Is(err, session.ErrConflict):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "migration is running")
	default:
		h.logger.Error("delete migration failed", "session_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to delete migration")
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, model.HealthResponse{
		Status:   "healthy",
		Version:  h.version,
		Sessions: h.store.Len(),
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	})
}

// CloseStreams ends every open event stream.
func (h *Handlers) CloseStreams() {
	h.closeStreams()
}

// streamContext derives a context that also ends with CloseStreams.
func (h *Handlers) streamContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(h.streams, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (h *Handlers) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, err := h.store.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "migration not found")
		return nil, false
	}
	return s, true
}
