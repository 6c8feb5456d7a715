package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flurbudurbur/Kura/internal/config"
	"github.com/flurbudurbur/Kura/internal/domain"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLog(t *testing.T, dir, name, content string, modTime time.Time) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, modTime, modTime))
	return path
}

func logsRouter(logPath string) chi.Router {
	cfg := &config.AppConfig{Config: &domain.Config{Logging: domain.LoggingConfig{Path: logPath}}}

	r := chi.NewRouter()
	r.Route("/logs", newLogsHandler(cfg).Routes)
	return r
}

func listLogs(t *testing.T, r chi.Router) LogfilesResponse {
	t.Helper()

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("GET", "/logs/files", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp LogfilesResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func TestLogsHandler_Files(t *testing.T) {
	dir := t.TempDir()
	mt := time.Now().Add(-time.Hour).Truncate(time.Second)
	writeLog(t, dir, "kura.log", "drain finished synced=3", mt)
	writeLog(t, dir, "kura-2024-03-01.log", "queued POST /api/notes", mt.Add(time.Minute))
	writeLog(t, dir, "notes.txt", "not a log", mt)

	resp := listLogs(t, logsRouter(dir))

	assert.Equal(t, 2, resp.Count)
	require.Len(t, resp.Files, 2)

	byName := map[string]logFile{}
	for _, f := range resp.Files {
		byName[f.Name] = f
	}
	require.Contains(t, byName, "kura.log")
	require.Contains(t, byName, "kura-2024-03-01.log")

	current := byName["kura.log"]
	assert.Equal(t, int64(len("drain finished synced=3")), current.SizeBytes)
	assert.Equal(t, "23B", current.Size)
	assert.True(t, mt.Equal(current.UpdatedAt))

	t.Run("no log path", func(t *testing.T) {
		assert.Zero(t, listLogs(t, logsRouter("")).Count)
	})

	t.Run("missing directory", func(t *testing.T) {
		assert.Zero(t, listLogs(t, logsRouter(filepath.Join(dir, "gone"))).Count)
	})
}

func TestSanitizeLogFile(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "key value secrets",
			in:   "upstream apikey=secret123 passkey=anotherSecret",
			want: "upstream apikey=REDACTED passkey=REDACTED",
		},
		{
			name: "bearer header of a replayed write",
			in:   "replay POST /api/notes Authorization: Bearer abc.def.ghi failed",
			want: "replay POST /api/notes Authorization: Bearer REDACTED failed",
		},
		{
			name: "multiple lines",
			in:   "config loaded\nsession_secret=deadbeef\ntoken=xyz done",
			want: "config loaded\nsession_secret=REDACTED\ntoken=REDACTED done",
		},
		{
			name: "nothing to redact",
			in:   "queued DELETE /api/notes/4 for sync",
			want: "queued DELETE /api/notes/4 for sync",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := writeLog(t, dir, "in.log", tt.in, time.Now())

			out, err := SanitizeLogFile(src)
			require.NoError(t, err)
			defer os.Remove(out)

			got, err := os.ReadFile(out)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := SanitizeLogFile(filepath.Join(dir, "missing.log"))
		assert.Error(t, err)
	})
}

func TestLogsHandler_DownloadFile(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, "kura.log", "replay token=abc ok", time.Now())
	r := logsRouter(dir)

	get := func(target string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest("GET", target, nil))
		return rr
	}

	rr := get("/logs/files/kura.log")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/octet-stream", rr.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="kura.log"`, rr.Header().Get("Content-Disposition"))
	assert.Equal(t, "replay token=REDACTED ok", rr.Body.String())

	t.Run("missing file", func(t *testing.T) {
		rr := get("/logs/files/old.log")
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.Contains(t, rr.Body.String(), "could not open log file")
	})

	t.Run("not a log file", func(t *testing.T) {
		rr := get("/logs/files/config.toml")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, rr.Body.String(), "invalid file")
	})

	t.Run("no log path", func(t *testing.T) {
		rr := httptest.NewRecorder()
		logsRouter("").ServeHTTP(rr, httptest.NewRequest("GET", "/logs/files/kura.log", nil))
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}
