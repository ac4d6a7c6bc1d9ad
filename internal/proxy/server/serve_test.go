//go:build unix

package server

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/pbs-plus/pbx-backup/internal/backend/archive"
	"github.com/pbs-plus/pbx-backup/internal/backend/hooks"
	"github.com/pbs-plus/pbx-backup/internal/backend/job"
	"github.com/pbs-plus/pbx-backup/internal/backend/registry"
	"github.com/pbs-plus/pbx-backup/internal/backend/restore"
	"github.com/pbs-plus/pbx-backup/internal/backend/schedule"
	"github.com/pbs-plus/pbx-backup/internal/backend/status"
	"github.com/pbs-plus/pbx-backup/internal/backend/upload"
	"github.com/pbs-plus/pbx-backup/internal/config"
	"github.com/pbs-plus/pbx-backup/internal/proxy/controllers"
	"github.com/pbs-plus/pbx-backup/internal/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryCron struct {
	mu    sync.Mutex
	lines []string
}

func (m *memoryCron) Read(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lines...), nil
}

func (m *memoryCron) Write(_ context.Context, lines []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = append([]string(nil), lines...)
	return nil
}

func (m *memoryCron) snapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lines...)
}

type testEnv struct {
	backend   *controllers.Backend
	cron      *memoryCron
	server    *httptest.Server
	backupDir string
	uploadDir string
}

func newTestEnv(t *testing.T, cfg config.ServerConfig) *testEnv {
	t.Helper()

	base := t.TempDir()
	db, err := sqlite.Initialize(filepath.Join(base, "pbx.db"), "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	binary := filepath.Join(base, "pbx-backup")
	require.NoError(t, os.WriteFile(binary, []byte("#!/bin/sh\necho \"running $1\"\nsleep 0.2\necho done\n"), 0o755))

	env := &testEnv{
		cron:      &memoryCron{},
		backupDir: filepath.Join(base, "backup"),
		uploadDir: filepath.Join(base, "backup", "uploads"),
	}

	reg := registry.New()
	reg.Register(registry.FilesModule, registry.NewFilesHandler([]string{"/etc/pbx"}, db))

	index, err := restore.NewIndex(db, []string{env.backupDir, env.uploadDir}, []string{"*.tar.gz", "*.tgz"}, reg)
	require.NoError(t, err)

	hookDir := filepath.Join(base, "hooks")
	require.NoError(t, os.MkdirAll(hookDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(hookDir, "notify"), []byte("#!/bin/sh\n# pre:backup\n"), 0o755))

	env.backend = &controllers.Backend{
		Database:      db,
		Registry:      reg,
		Schedule:      schedule.NewSynchronizer(env.cron, binary),
		Launcher:      job.NewLauncher(binary, filepath.Join(base, "logs")),
		Streamer:      status.NewStreamer(filepath.Join(base, "logs"), 20*time.Millisecond),
		Uploads:       upload.NewReassembler(env.uploadDir, index.OnUpload),
		Files:         index,
		Hooks:         hooks.NewCollector(hookDir, nil),
		KeyDir:        filepath.Join(base, ".ssh"),
		MaxChunkBytes: 1 << 20,
	}

	if cfg.UploadRate == 0 {
		cfg.UploadRate = 1000
		cfg.UploadBurst = 1000
	}
	env.server = httptest.NewServer(NewRouter(env.backend, cfg, nil))
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &decoded), string(data))
	}
	return resp, decoded
}

func TestBackupEndpoints(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})

	resp, body := env.do(t, http.MethodPost, "/api/v1/backups", map[string]any{
		"backup_name":      "Nightly",
		"backup_items":     []string{"files"},
		"schedule_cron":    "0 2 * * *",
		"schedule_enabled": true,
		"items_settings":   map[string]any{"files": map[string]string{"paths": "/var/lib/pbx"}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	created := body["data"].(map[string]any)
	id := created["id"].(string)
	require.NotEmpty(t, id)

	lines := env.cron.snapshot()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "0 2 * * * ")
	assert.Contains(t, lines[0], "backup --backup="+id)

	resp, body = env.do(t, http.MethodGet, "/api/v1/backups/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	settings := body["data"].(map[string]any)["items_settings"].(map[string]any)["files"].(map[string]any)
	assert.Equal(t, "/var/lib/pbx", settings["paths"])
	assert.Equal(t, "/etc/pbx", settings["default_paths"])

	created["schedule_enabled"] = false
	resp, body = env.do(t, http.MethodPost, "/api/v1/backups", created)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Empty(t, env.cron.snapshot())

	resp, body = env.do(t, http.MethodGet, "/api/v1/backups", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["data"], 1)

	resp, _ = env.do(t, http.MethodDelete, "/api/v1/backups/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/api/v1/backups/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, false, body["success"])

	resp, _ = env.do(t, http.MethodPost, "/api/v1/backups", map[string]any{"backup_name": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/v1/backups", map[string]any{
		"backup_name":    "bad settings",
		"items_settings": map[string]any{"files": map[string]string{"paths": "relative/dir"}},
	})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

type sseEvent struct {
	name string
	ev   status.Event
}

func readSSE(t *testing.T, r io.Reader) []sseEvent {
	t.Helper()
	data, err := io.ReadAll(r)
	require.NoError(t, err)

	var events []sseEvent
	for _, block := range strings.Split(strings.TrimSpace(string(data)), "\n\n") {
		var e sseEvent
		for _, line := range strings.Split(block, "\n") {
			if name, ok := strings.CutPrefix(line, "event: "); ok {
				e.name = name
			}
			if payload, ok := strings.CutPrefix(line, "data: "); ok {
				require.NoError(t, json.Unmarshal([]byte(payload), &e.ev))
			}
		}
		events = append(events, e)
	}
	return events
}

func TestRunBackupAndStream(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})

	_, body := env.do(t, http.MethodPost, "/api/v1/backups", map[string]any{"backup_name": "Weekly"})
	id := body["data"].(map[string]any)["id"].(string)

	resp, run := env.do(t, http.MethodPost, "/api/v1/backups/"+id+"/run", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, run)
	assert.Equal(t, true, run["status"])
	assert.Equal(t, id, run["backupid"])
	tx := run["transaction"].(string)
	pid := int(run["pid"].(float64))
	assert.True(t, job.ValidTransactionID(tx))
	assert.Greater(t, pid, 0)

	stream, err := http.Get(env.server.URL + "/api/v1/jobs/backup/status?id=" + id + "&transaction=" + tx + "&pid=" + strconv.Itoa(pid))
	require.NoError(t, err)
	defer stream.Body.Close()
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	events := readSSE(t, stream.Body)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "new-msgs", last.name)
	assert.Equal(t, status.Stopped, last.ev.Status)
	assert.Equal(t, "running backup\ndone\n", last.ev.Log)

	resp, run = env.do(t, http.MethodPost, "/api/v1/backups/missing/run", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, false, run["status"])
}

func TestStatusMissingParameters(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})

	stream, err := http.Get(env.server.URL + "/api/v1/jobs/backup/status?id=x")
	require.NoError(t, err)
	defer stream.Body.Close()

	events := readSSE(t, stream.Body)
	require.Len(t, events, 1)
	assert.Equal(t, status.MissingParameters(), events[0].ev)
}

func TestStatusWebSocket(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})

	tx, err := env.backend.Launcher.Launch(context.Background(), job.KindBackup, "S1", nil)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") +
		"/api/v1/jobs/backup/ws?id=S1&transaction=" + tx.ID + "&pid=" + strconv.Itoa(tx.PID)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var events []status.Event
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err)
			break
		}
		var ev status.Event
		require.NoError(t, json.Unmarshal(data, &ev))
		events = append(events, ev)
	}

	require.NotEmpty(t, events)
	assert.Equal(t, status.Event{Status: status.Stopped, Log: "running backup\ndone\n"}, events[len(events)-1])
}

func chunkRequest(t *testing.T, url string, fields map[string]string, data []byte) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	mp := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mp.WriteField(k, v))
	}
	part, err := mp.CreateFormFile("file", "blob")
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mp.Close())

	req, err := http.NewRequest(http.MethodPost, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mp.FormDataContentType())
	return req
}

func sendChunk(t *testing.T, env *testEnv, uploadID string, index, total int, data []byte) (int, map[string]any) {
	t.Helper()

	req := chunkRequest(t, env.server.URL+"/api/v1/uploads", map[string]string{
		"dzuuid":            uploadID,
		"dzchunkindex":      strconv.Itoa(index),
		"dztotalchunkcount": strconv.Itoa(total),
		"filename":          "restore.tar.gz",
	}, data)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestUploadInspectAndRestore(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})

	src := filepath.Join(t.TempDir(), "src.tar.gz")
	w, err := archive.Create(src)
	require.NoError(t, err)
	require.NoError(t, w.AddBytes("files", "etc/pbx/sip.conf", []byte("[general]\n")))
	require.NoError(t, w.Close(archive.Manifest{
		Name:    "Uploaded",
		Modules: []archive.ModuleEntry{{Module: "files", Version: "1.0.0"}, {Module: "voicemail", Version: "2"}},
	}))
	data, err := os.ReadFile(src)
	require.NoError(t, err)
	half := len(data) / 2

	// The final chunk arrives first and cannot be reassembled yet.
	code, body := sendChunk(t, env, "u1", 1, 2, data[half:])
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, false, body["status"])

	code, body = sendChunk(t, env, "u1", 0, 2, data[:half])
	assert.Equal(t, http.StatusCreated, code)
	assert.Equal(t, true, body["status"])

	// Re-signal the final chunk now that every chunk is present.
	code, body = sendChunk(t, env, "u1", 1, 2, data[half:])
	require.Equal(t, http.StatusOK, code, body)
	fileID := body["id"].(string)
	assert.Equal(t, filepath.Join(env.uploadDir, "restore.tar.gz"), body["path"])
	assert.Len(t, body["checksum"], 64)

	resp, inspect := env.do(t, http.MethodGet, "/api/v1/restores/"+fileID+"/inspect", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, inspect)
	info := inspect["data"].(map[string]any)
	assert.Equal(t, "current", info["kind"])
	modules := info["modules"].([]any)
	require.Len(t, modules, 2)
	assert.Equal(t, "Enabled", modules[0].(map[string]any)["installed"])
	assert.Equal(t, "Uninstalled or Disabled", modules[1].(map[string]any)["installed"])

	resp, local := env.do(t, http.MethodGet, "/api/v1/restores/local", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	files := local["data"].([]any)
	require.Len(t, files, 1)
	assert.Equal(t, fileID, files[0].(map[string]any)["id"])
	assert.Equal(t, "Uploaded", files[0].(map[string]any)["name"])

	resp, run := env.do(t, http.MethodPost, "/api/v1/restores/"+fileID+"/run", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, run)
	assert.Equal(t, fileID, run["restoreid"])
	assert.NotEmpty(t, run["transaction"])

	resp, _ = env.do(t, http.MethodPost, "/api/v1/restores/unknown/run", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	download, err := http.Get(env.server.URL + "/api/v1/restores/" + fileID + "/download")
	require.NoError(t, err)
	downloaded, err := io.ReadAll(download.Body)
	download.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, download.StatusCode)
	assert.Equal(t, `attachment; filename=restore.tar.gz`, download.Header.Get("Content-Disposition"))
	assert.Equal(t, data, downloaded)

	resp, deleted := env.do(t, http.MethodDelete, "/api/v1/restores/"+fileID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, deleted)
	assert.Equal(t, true, deleted["status"])
	assert.NoFileExists(t, filepath.Join(env.uploadDir, "restore.tar.gz"))

	resp, deleted = env.do(t, http.MethodDelete, "/api/v1/restores/"+fileID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, false, deleted["status"])

	resp, _ = env.do(t, http.MethodGet, "/api/v1/restores/"+fileID+"/download", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUploadErrors(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})

	code, body := sendChunk(t, env, "u2", 1, 2, []byte("tail"))
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, body["message"], "chunk 0 is missing")

	code, body = sendChunk(t, env, "../escape", 0, 1, []byte("x"))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, false, body["status"])

	code, _ = sendChunk(t, env, "u3", 5, 2, []byte("x"))
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestUploadRateLimit(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{UploadRate: 0.001, UploadBurst: 1})

	code, _ := sendChunk(t, env, "u4", 0, 2, []byte("a"))
	assert.Equal(t, http.StatusCreated, code)

	code, body := sendChunk(t, env, "u4", 1, 2, []byte("b"))
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, false, body["status"])
}

func TestHooksEndpoint(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})

	resp, body := env.do(t, http.MethodGet, "/api/v1/hooks", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	queues := body["data"].(map[string]any)
	assert.Len(t, queues, 4)
	assert.Len(t, queues["preBackup"], 1)
	assert.Empty(t, queues["postRestore"])

	resp, body = env.do(t, http.MethodGet, "/api/v1/hooks?phase=postBackup", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["data"], 1)

	resp, _ = env.do(t, http.MethodGet, "/api/v1/hooks?phase=midBackup", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})

	resp, err := http.Get(env.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
