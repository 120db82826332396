package app

import (
	"bufio"
	"context"
	"errors"
	"io/fs"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Sanekng/FireGuard/internal/model"
	"github.com/Sanekng/FireGuard/internal/respond"
)

// regionAliases maps short region codes onto boundary file names.
var regionAliases = map[string]string{
	"mne": "montenegro",
}

var regionPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealthz)
	mux.HandleFunc("GET /readyz", a.handleReadyz)
	mux.HandleFunc("GET /api/status", a.handleStatus)

	mux.HandleFunc("GET /api/cameras", a.handleListCameras)
	mux.HandleFunc("POST /api/cameras", a.handleCreateCamera)
	mux.HandleFunc("GET /api/cameras/{id}", a.handleGetCamera)
	mux.HandleFunc("PUT /api/cameras/{id}", a.handleUpdateCamera)
	mux.HandleFunc("DELETE /api/cameras/{id}", a.handleDeleteCamera)

	mux.HandleFunc("POST /api/logs", a.ingest.Log)
	mux.HandleFunc("POST /api/alert", a.ingest.Alert)
	mux.HandleFunc("GET /api/ingest/errors", a.handleIngestionErrors)

	mux.Handle("GET /api/stream", a.sessions)
	mux.HandleFunc("GET /geojson/{region}", a.handleGeoJSON)

	return a.withCORS(a.withRequestLog(mux))
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	brokerWanted := a.cfg.MQTTBindAddress != ""
	if a.store == nil || a.store.Ping(ctx) != nil || (brokerWanted && a.broker == nil) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	cams, err := a.registry.List(r.Context())
	if err != nil {
		respond.Error(w, a.logger, err)
		return
	}

	now := time.Now()
	resp := struct {
		Cameras     int    `json:"cameras"`
		Alerting    int    `json:"alerting"`
		Subscribers int    `json:"subscribers"`
		Streams     int64  `json:"streams"`
		MQTTClients int    `json:"mqttClients"`
		Uptime      string `json:"uptime"`
		StartedAt   string `json:"startedAt"`
	}{
		Cameras:     len(cams),
		Subscribers: a.hub.Len(),
		Streams:     a.sessions.Active(),
		Uptime:      strings.TrimSpace(humanize.RelTime(a.started, now, "", "")),
		StartedAt:   a.started.UTC().Format(time.RFC3339),
	}
	for _, c := range cams {
		if c.IsAlert() {
			resp.Alerting++
		}
	}
	if a.broker != nil {
		resp.MQTTClients = a.broker.Clients()
	}

	respond.JSON(w, a.logger, http.StatusOK, resp)
}

func (a *App) handleListCameras(w http.ResponseWriter, r *http.Request) {
	cams, err := a.registry.List(r.Context())
	if err != nil {
		respond.Error(w, a.logger, err)
		return
	}
	respond.JSON(w, a.logger, http.StatusOK, cams)
}

func (a *App) handleGetCamera(w http.ResponseWriter, r *http.Request) {
	cam, err := a.registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		respond.Error(w, a.logger, err)
		return
	}
	respond.JSON(w, a.logger, http.StatusOK, cam)
}

func (a *App) handleCreateCamera(w http.ResponseWriter, r *http.Request) {
	var fields model.CameraFields
	if err := respond.Decode(r, &fields); err != nil {
		respond.Error(w, a.logger, err)
		return
	}

	cam, err := a.registry.Create(r.Context(), fields)
	if err != nil {
		respond.Error(w, a.logger, err)
		return
	}
	respond.JSON(w, a.logger, http.StatusCreated, cam)
}

func (a *App) handleUpdateCamera(w http.ResponseWriter, r *http.Request) {
	var patch model.CameraPatch
	if err := respond.Decode(r, &patch); err != nil {
		respond.Error(w, a.logger, err)
		return
	}

	cam, err := a.registry.Update(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		respond.Error(w, a.logger, err)
		return
	}
	respond.JSON(w, a.logger, http.StatusOK, cam)
}

func (a *App) handleDeleteCamera(w http.ResponseWriter, r *http.Request) {
	if err := a.registry.Delete(r.Context(), r.PathValue("id")); err != nil {
		respond.Error(w, a.logger, err)
		return
	}
	respond.JSON(w, a.logger, http.StatusOK, map[string]bool{"ok": true})
}

func (a *App) handleIngestionErrors(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	entries, err := a.store.RecentIngestionErrors(ctx, limit)
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to load ingestion errors")
		respond.Message(w, a.logger, http.StatusServiceUnavailable, "failed to load ingestion errors")
		return
	}

	response := struct {
		Errors []model.IngestionError `json:"errors"`
	}{Errors: entries}
	respond.JSON(w, a.logger, http.StatusOK, response)
}

func (a *App) handleGeoJSON(w http.ResponseWriter, r *http.Request) {
	region := strings.ToLower(strings.TrimSuffix(r.PathValue("region"), ".geojson"))
	if !regionPattern.MatchString(region) {
		respond.Message(w, a.logger, http.StatusBadRequest, "invalid region")
		return
	}
	if alias, ok := regionAliases[region]; ok {
		region = alias
	}

	path := filepath.Join(a.cfg.GeoJSONDir, region+".geojson")
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			respond.Message(w, a.logger, http.StatusNotFound, "unknown region")
			return
		}
		a.logger.Error().Err(err).Str("path", path).Msg("open boundary file")
		respond.Message(w, a.logger, http.StatusInternalServerError, "boundary data unavailable")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		respond.Message(w, a.logger, http.StatusNotFound, "unknown region")
		return
	}

	w.Header().Set("Content-Type", "application/geo+json")
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// withRequestLog logs every request once it has been served.
func (a *App) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Str("remote_addr", r.RemoteAddr).
			Msg("http request")
	})
}

// withCORS lets browser dashboards on allowed origins call the API.
func (a *App) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && a.cfg.OriginAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Max-Age", "3600")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// Hijack passes the WebSocket upgrade through to the underlying connection.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}
