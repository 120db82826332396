// Package ingest translates device-originated writes into registry calls.
// Devices reach it over HTTP (POST /api/logs, POST /api/alert) or by
// publishing to cameras/{id}/log and cameras/{id}/alert on the MQTT broker.
package ingest

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/Sanekng/FireGuard/internal/model"
	"github.com/Sanekng/FireGuard/internal/respond"
)

// Registry is the subset of the camera registry used for ingestion.
type Registry interface {
	IngestLog(ctx context.Context, id, text string) (model.Camera, error)
	IngestAlert(ctx context.Context, id, alertType string) (model.Camera, error)
}

// Handlers serves the HTTP ingestion endpoints.
type Handlers struct {
	reg    Registry
	logger zerolog.Logger
}

// NewHandlers constructs the HTTP ingestion handlers.
func NewHandlers(reg Registry, logger zerolog.Logger) *Handlers {
	return &Handlers{reg: reg, logger: logger.With().Str("component", "ingest").Logger()}
}

// Log handles {cameraId, log}.
func (h *Handlers) Log(w http.ResponseWriter, r *http.Request) {
	var req model.LogIngest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, h.logger, err)
		return
	}

	cam, err := h.reg.IngestLog(r.Context(), req.CameraID, req.Log)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	respond.JSON(w, h.logger, http.StatusOK, cam)
}

// Alert handles {cameraId, alertType?}.
func (h *Handlers) Alert(w http.ResponseWriter, r *http.Request) {
	var req model.AlertIngest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, h.logger, err)
		return
	}

	cam, err := h.reg.IngestAlert(r.Context(), req.CameraID, req.AlertType)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	respond.JSON(w, h.logger, http.StatusOK, cam)
}
