package http

import (
	"bufio"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/flurbudurbur/Kura/internal/config"
	"github.com/flurbudurbur/Kura/pkg/errors"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

type logsHandler struct {
	cfg *config.AppConfig
}

func newLogsHandler(cfg *config.AppConfig) *logsHandler {
	return &logsHandler{cfg: cfg}
}

func (h logsHandler) Routes(r chi.Router) {
	r.Get("/files", h.files)
	r.Get("/files/{logFile}", h.downloadFile)
}

type logFile struct {
	Name      string    `json:"filename"`
	SizeBytes int64     `json:"size_bytes"`
	Size      string    `json:"size"`
	UpdatedAt time.Time `json:"updated_at"`
}

type LogfilesResponse struct {
	Files []logFile `json:"files"`
	Count int       `json:"count"`
}

func (h logsHandler) files(w http.ResponseWriter, r *http.Request) {
	response := LogfilesResponse{Files: []logFile{}}

	logDir := h.cfg.Current().Logging.Path
	if logDir == "" {
		render.JSON(w, r, response)
		return
	}

	entries, err := os.ReadDir(logDir)
	if err != nil {
		render.JSON(w, r, response)
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".log" {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		response.Files = append(response.Files, logFile{
			Name:      entry.Name(),
			SizeBytes: info.Size(),
			Size:      humanizeBytes(info.Size()),
			UpdatedAt: info.ModTime(),
		})
	}
	response.Count = len(response.Files)

	render.JSON(w, r, response)
}

func (h logsHandler) downloadFile(w http.ResponseWriter, r *http.Request) {
	logDir := h.cfg.Current().Logging.Path
	if logDir == "" {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, errorResponse{Message: "log path is not configured", Status: http.StatusNotFound})
		return
	}

	name := chi.URLParam(r, "logFile")
	if filepath.Base(name) != name || filepath.Ext(name) != ".log" {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errorResponse{Message: "invalid file", Status: http.StatusBadRequest})
		return
	}

	sanitized, err := SanitizeLogFile(filepath.Join(logDir, name))
	if err != nil {
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, errorResponse{Message: err.Error(), Status: http.StatusInternalServerError})
		return
	}
	defer os.Remove(sanitized)

	f, err := os.Open(sanitized)
	if err != nil {
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, errorResponse{Message: err.Error(), Status: http.StatusInternalServerError})
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	_, _ = io.Copy(w, f)
}

var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(apikey|passkey|token|password|session_secret)=\S+`),
	regexp.MustCompile(`(?i)(authorization:\s*bearer\s+)\S+`),
}

var sensitiveReplacements = []string{"${1}=REDACTED", "${1}REDACTED"}

// SanitizeLogFile writes a redacted copy of path to a temp file and returns
// the copy's path. The caller removes it.
func SanitizeLogFile(path string) (string, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "could not open log file")
	}
	defer in.Close()

	out, err := os.CreateTemp("", "kura-log-*.log")
	if err != nil {
		return "", errors.Wrap(err, "could not create sanitized log file")
	}
	defer out.Close()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	writer := bufio.NewWriter(out)

	first := true
	for scanner.Scan() {
		line := scanner.Text()
		for i, re := range sensitivePatterns {
			line = re.ReplaceAllString(line, sensitiveReplacements[i])
		}
		if !first {
			writer.WriteString("\n")
		}
		writer.WriteString(line)
		first = false
	}
	if err := scanner.Err(); err != nil {
		os.Remove(out.Name())
		return "", errors.Wrap(err, "could not read log file")
	}
	if err := writer.Flush(); err != nil {
		os.Remove(out.Name())
		return "", errors.Wrap(err, "could not write sanitized log file")
	}

	return out.Name(), nil
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}
