package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/utsushi/internal/model"
	"github.com/ashita-ai/utsushi/internal/pipeline"
	"github.com/ashita-ai/utsushi/internal/ratelimit"
	"github.com/ashita-ai/utsushi/internal/server"
	"github.com/ashita-ai/utsushi/internal/session"
)

type fakeMigrations struct {
	startErr  error
	started   []string
	result    string
	resultErr error
}

func (f *fakeMigrations) Start(_ context.Context, id string) error {
	f.started = append(f.started, id)
	return f.startErr
}

func (f *fakeMigrations) Result(string) (string, error) {
	return f.result, f.resultErr
}

type testEnv struct {
	store      *session.Store
	migrations *fakeMigrations
	srv        *httptest.Server
	uploads    string
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	store := session.NewStore(session.StoreConfig{
		SessionsDir: filepath.Join(root, "sessions"),
		ExportsDir:  filepath.Join(root, "exports"),
		UploadsDir:  filepath.Join(root, "uploads"),
	}, clock.WallClock, logger)
	migrations := &fakeMigrations{}

	s := server.New(server.ServerConfig{
		Store:          store,
		Migrations:     migrations,
		Logger:         logger,
		Version:        "test",
		UploadsDir:     filepath.Join(root, "uploads"),
		MaxUploadBytes: 1 << 20,
		Keepalive:      time.Second,
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{store: store, migrations: migrations, srv: srv, uploads: filepath.Join(root, "uploads")}
}

func (e *testEnv) session(t *testing.T) *session.Session {
	t.Helper()
	s, err := e.store.Create(filepath.Join(t.TempDir(), "dump.sql"), nil)
	require.NoError(t, err)
	return s
}

func do(t *testing.T, method, url string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeData(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	var env struct {
		Data json.RawMessage    `json:"data"`
		Meta model.ResponseMeta `json:"meta"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	require.NoError(t, json.Unmarshal(env.Data, target))
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var apiErr model.APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&apiErr))
	return apiErr.Error.Code
}

func multipartBody(t *testing.T, dump string, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if dump != "" {
		fw, err := mw.CreateFormFile("dump", "../../sales dump.sql")
		require.NoError(t, err)
		_, err = fw.Write([]byte(dump))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestHealth(t *testing.T) {
	env := newEnv(t)
	resp := do(t, http.MethodGet, env.srv.URL+"/health", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	var health model.HealthResponse
	decodeData(t, resp, &health)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "test", health.Version)
	assert.Zero(t, health.Sessions)
}

func TestRequestIDIsEchoed(t *testing.T) {
	env := newEnv(t)
	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/v1/migrations/missing", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, "req-123", resp.Header.Get("X-Request-ID"))
	var apiErr model.APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&apiErr))
	assert.Equal(t, "req-123", apiErr.Meta.RequestID)
	assert.Equal(t, model.ErrCodeNotFound, apiErr.Error.Code)
}

func TestCreateMigration(t *testing.T) {
	env := newEnv(t)
	body, ct := multipartBody(t, "CREATE TABLE t (id int);\n", map[string]string{"database": "crm", "owner": "ops"})

	resp := do(t, http.MethodPost, env.srv.URL+"/v1/migrations", body, ct)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created model.CreateSessionResponse
	decodeData(t, resp, &created)
	assert.Equal(t, model.StatusReady, created.Status)

	s, err := env.store.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{pipeline.MetadataDatabase: "crm", "owner": "ops"}, s.Metadata)
	assert.Equal(t, env.uploads, filepath.Dir(s.SourceFile))
	assert.True(t, strings.HasSuffix(s.SourceFile, "-sales_dump.sql"), s.SourceFile)

	data, err := os.ReadFile(s.SourceFile)
	require.NoError(t, err)
	assert.Equal(t, "CREATE TABLE t (id int);\n", string(data))
}

func TestCreateMigrationRejectsBadInput(t *testing.T) {
	env := newEnv(t)

	body, ct := multipartBody(t, "", map[string]string{"database": "crm"})
	resp := do(t, http.MethodPost, env.srv.URL+"/v1/migrations", body, ct)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, errorCode(t, resp))

	resp = do(t, http.MethodPost, env.srv.URL+"/v1/migrations", strings.NewReader(`{"dump":"x"}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Zero(t, env.store.Len())
}

func TestStartMigration(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"accepted", nil, http.StatusAccepted, ""},
		{"unknown", session.ErrNotFound, http.StatusNotFound, model.ErrCodeNotFound},
		{"running", session.ErrConflict, http.StatusConflict, model.ErrCodeConflict},
		{"finished", session.ErrTerminal, http.StatusConflict, model.ErrCodeConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t)
			env.migrations.startErr = tt.err

			resp := do(t, http.MethodPost, env.srv.URL+"/v1/migrations/abc/start", nil, "")
			require.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, []string{"abc"}, env.migrations.started)
			if tt.code != "" {
				assert.Equal(t, tt.code, errorCode(t, resp))
				return
			}
			var started model.StartResponse
			decodeData(t, resp, &started)
			assert.Equal(t, model.StartResponse{ID: "abc", Accepted: true}, started)
		})
	}
}

func TestGetAndListMigrations(t *testing.T) {
	env := newEnv(t)
	s := env.session(t)
	require.NoError(t, s.Begin())
	s.SetProgress(30)

	resp := do(t, http.MethodGet, env.srv.URL+"/v1/migrations/"+s.ID, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view model.SessionView
	decodeData(t, resp, &view)
	assert.Equal(t, s.ID, view.ID)
	assert.Equal(t, model.StatusRunning, view.Status)
	assert.Equal(t, 30, view.Progress)

	resp = do(t, http.MethodGet, env.srv.URL+"/v1/migrations", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var views []model.SessionView
	decodeData(t, resp, &views)
	require.Len(t, views, 1)
	assert.Equal(t, s.ID, views[0].ID)

	resp = do(t, http.MethodGet, env.srv.URL+"/v1/migrations/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestResultDownload(t *testing.T) {
	env := newEnv(t)
	path := filepath.Join(t.TempDir(), "sales.sql")
	require.NoError(t, os.WriteFile(path, []byte("-- dump\n"), 0o600))
	env.migrations.result = path

	resp := do(t, http.MethodGet, env.srv.URL+"/v1/migrations/abc/result", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `attachment; filename="sales.sql"`, resp.Header.Get("Content-Disposition"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "-- dump\n", string(body))
}

func TestResultUnavailable(t *testing.T) {
	for _, err := range []error{pipeline.ErrNoResult, session.ErrNotFound} {
		env := newEnv(t)
		env.migrations.resultErr = err
		resp := do(t, http.MethodGet, env.srv.URL+"/v1/migrations/abc/result", nil, "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, model.ErrCodeNotFound, errorCode(t, resp))
	}
}

func TestDeleteMigration(t *testing.T) {
	env := newEnv(t)
	running := env.session(t)
	require.NoError(t, running.Begin())
	idle := env.session(t)

	resp := do(t, http.MethodDelete, env.srv.URL+"/v1/migrations/"+running.ID, nil, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = do(t, http.MethodDelete, env.srv.URL+"/v1/migrations/"+idle.ID, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var deleted model.DeleteResponse
	decodeData(t, resp, &deleted)
	assert.Equal(t, model.DeleteResponse{ID: idle.ID, Removed: true}, deleted)
	assert.NoDirExists(t, idle.Dir)

	resp = do(t, http.MethodDelete, env.srv.URL+"/v1/migrations/"+idle.ID, nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// readSSE collects "data:" payloads until the stream ends.
func readSSE(t *testing.T, body io.Reader) (types []string, payloads []string) {
	t.Helper()
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			types = append(types, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			payloads = append(payloads, strings.TrimPrefix(line, "data: "))
		}
	}
	return types, payloads
}

func logLines(t *testing.T, s *session.Session) []string {
	t.Helper()
	data, err := os.ReadFile(s.LogPath)
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func TestEventsReplayFinishedSession(t *testing.T) {
	env := newEnv(t)
	s := env.session(t)
	require.NoError(t, s.Begin())
	s.Info("copying dump", nil)
	s.Warn("resources not ready", nil)
	require.NoError(t, s.Complete("sales.sql"))

	resp := do(t, http.MethodGet, env.srv.URL+"/v1/migrations/"+s.ID+"/events", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	types, payloads := readSSE(t, resp.Body)
	lines := logLines(t, s)
	require.Len(t, payloads, len(lines)+1, "snapshot then the whole log")
	assert.Equal(t, lines, payloads[1:])
	assert.Equal(t, []string{"status", "status", "log", "log", "status"}, types)

	var snap model.Event
	require.NoError(t, json.Unmarshal([]byte(payloads[0]), &snap))
	assert.Equal(t, model.StatusCompleted, snap.Data.Status)
}

func TestEventsFollowLiveSession(t *testing.T) {
	env := newEnv(t)
	s := env.session(t)
	require.NoError(t, s.Begin())

	resp := do(t, http.MethodGet, env.srv.URL+"/v1/migrations/"+s.ID+"/events", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	done := make(chan []string)
	go func() {
		_, payloads := readSSE(t, resp.Body)
		done <- payloads
	}()

	s.Info("provisioning", nil)
	require.NoError(t, s.Fail("transfer error: connection refused"))

	select {
	case payloads := <-done:
		lines := logLines(t, s)
		require.Len(t, payloads, len(lines)+1)
		assert.Equal(t, lines, payloads[1:])
	case <-time.After(10 * time.Second):
		t.Fatal("stream did not end after the terminal status")
	}
}

func TestEventsUnknownSession(t *testing.T) {
	env := newEnv(t)
	resp := do(t, http.MethodGet, env.srv.URL+"/v1/migrations/nope/events", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocketStream(t *testing.T) {
	env := newEnv(t)
	s := env.session(t)
	require.NoError(t, s.Begin())
	s.Info("copying dump", nil)

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/v1/migrations/" + s.ID + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	_ = resp.Body.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))

	read := func() string {
		mt, p, err := conn.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, websocket.TextMessage, mt)
		return string(p)
	}

	var snap model.Event
	require.NoError(t, json.Unmarshal([]byte(read()), &snap))
	assert.Equal(t, model.StatusRunning, snap.Data.Status)
	for _, want := range logLines(t, s) {
		assert.Equal(t, want, read())
	}

	require.NoError(t, s.Complete("sales.sql"))
	lines := logLines(t, s)
	assert.Equal(t, lines[len(lines)-1], read())

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestStartIsRateLimitedPerClient(t *testing.T) {
	root := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	store := session.NewStore(session.StoreConfig{
		SessionsDir: filepath.Join(root, "sessions"),
		ExportsDir:  filepath.Join(root, "exports"),
	}, clock.WallClock, logger)
	limiter := ratelimit.NewMemoryLimiter(1, 1, testclock.NewClock(time.Now()))
	t.Cleanup(func() { _ = limiter.Close() })

	srv := httptest.NewServer(server.New(server.ServerConfig{
		Store:      store,
		Migrations: &fakeMigrations{},
		Logger:     logger,
		Limiter:    limiter,
	}).Handler())
	t.Cleanup(srv.Close)

	s, err := store.Create(filepath.Join(root, "dump.sql"), nil)
	require.NoError(t, err)
	url := srv.URL + "/v1/migrations/" + s.ID + "/start"

	assert.Equal(t, http.StatusAccepted, do(t, http.MethodPost, url, nil, "").StatusCode)

	resp := do(t, http.MethodPost, url, nil, "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, model.ErrCodeRateLimited, errorCode(t, resp))

	// Reads are never limited.
	assert.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/v1/migrations/"+s.ID, nil, "").StatusCode)
}
