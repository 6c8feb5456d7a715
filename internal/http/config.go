package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/flurbudurbur/Kura/internal/config"
	"github.com/flurbudurbur/Kura/internal/domain"
	"github.com/flurbudurbur/Kura/internal/scheduler"
	"github.com/flurbudurbur/Kura/pkg/errors"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

type configJson struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	LogLevel       string   `json:"log_level"`
	LogPath        string   `json:"log_path"`
	LogMaxSize     int      `json:"log_max_size"`
	LogMaxBackups  int      `json:"log_max_backups"`
	BaseURL        string   `json:"base_url"`
	AppID          string   `json:"app_id"`
	CacheVersion   string   `json:"cache_version"`
	APIPrefixes    []string `json:"api_prefixes"`
	NetworkTimeout string   `json:"network_timeout"`
	Upstream       string   `json:"upstream"`
	SyncEnabled    bool     `json:"sync_enabled"`
	CheckSchedule  string   `json:"check_schedule"`
	DrainSchedule  string   `json:"drain_schedule"`
	Version        string   `json:"version"`
	Commit         string   `json:"commit"`
	Date           string   `json:"date"`
}

type configHandler struct {
	encoder encoder

	cfg    *config.AppConfig
	server Server
}

func newConfigHandler(encoder encoder, server Server, cfg *config.AppConfig) *configHandler {
	return &configHandler{
		encoder: encoder,
		cfg:     cfg,
		server:  server,
	}
}

func (h configHandler) Routes(r chi.Router) {
	r.Get("/", h.getConfig)
	r.Patch("/", h.updateConfig)
}

func (h configHandler) getConfig(w http.ResponseWriter, r *http.Request) {
	c := h.cfg.Current()

	conf := configJson{
		Host:           c.Server.Host,
		Port:           c.Server.Port,
		LogLevel:       c.Logging.Level,
		LogPath:        c.Logging.Path,
		LogMaxSize:     c.Logging.MaxFileSize,
		LogMaxBackups:  c.Logging.MaxBackupCount,
		BaseURL:        c.Server.BaseURL,
		AppID:          c.Worker.AppID,
		CacheVersion:   c.CacheVersion(),
		APIPrefixes:    c.Worker.APIPrefixes,
		NetworkTimeout: c.Worker.NetworkTimeout.String(),
		Upstream:       c.Upstream.BaseURL,
		SyncEnabled:    c.Sync.Enabled,
		CheckSchedule:  c.Sync.CheckSchedule,
		DrainSchedule:  c.Sync.DrainSchedule,
		Version:        h.server.version,
		Commit:         h.server.commit,
		Date:           h.server.date,
	}

	render.JSON(w, r, conf)
}

// updateConfig applies runtime changes in memory only. They are lost on
// restart or on the next file reload.
func (h configHandler) updateConfig(w http.ResponseWriter, r *http.Request) {
	var data domain.ConfigUpdate

	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		h.encoder.Error(w, err)
		return
	}

	var timeout time.Duration
	if data.NetworkTimeout != nil {
		d, err := time.ParseDuration(*data.NetworkTimeout)
		if err != nil || d <= 0 {
			h.encoder.StatusError(w, http.StatusBadRequest, errors.New("invalid network_timeout %q", *data.NetworkTimeout))
			return
		}
		timeout = d
	}

	if data.DrainSchedule != nil && *data.DrainSchedule != "" {
		if err := scheduler.ValidateSchedule(*data.DrainSchedule); err != nil {
			h.encoder.StatusError(w, http.StatusBadRequest, errors.Wrap(err, "invalid drain_schedule"))
			return
		}
	}

	next := h.cfg.Update(func(c *domain.Config) {
		if data.LogLevel != nil {
			c.Logging.Level = *data.LogLevel
		}
		if timeout > 0 {
			c.Worker.NetworkTimeout = timeout
		}
		if data.DrainSchedule != nil {
			c.Sync.DrainSchedule = *data.DrainSchedule
		}
	})

	for _, hook := range h.server.hooks {
		hook(next)
	}

	render.NoContent(w, r)
}
