// Geofenced - Real-Time Geofencing Engine for Tourist Safety
// Copyright 2026 TourSafe Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/toursafe/geofenced

package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/toursafe/geofenced/internal/cache"
	"github.com/toursafe/geofenced/internal/engine"
	"github.com/toursafe/geofenced/internal/errs"
	"github.com/toursafe/geofenced/internal/geo"
	"github.com/toursafe/geofenced/internal/models"
	"github.com/toursafe/geofenced/internal/webhook"
	"github.com/toursafe/geofenced/internal/zones"
)

// Engine is the slice of the orchestrator the HTTP shim depends on.
type Engine interface {
	UpdateLocation(ctx context.Context, upd models.LocationUpdate) ([]*models.GeofenceEvent, error)
	QueueLocationUpdate(upd models.LocationUpdate) error
	ProcessBulkLocations(upds []models.LocationUpdate) (int, error)
	GetUserLocation(ctx context.Context, userID string) (*models.LocationUpdate, error)
	RemoveUserLocation(ctx context.Context, userID string) error
	FindNearbyUsers(ctx context.Context, center models.Coordinate, radiusM float64, limit int) ([]models.UserPosition, error)
	FindUsersInZone(ctx context.Context, q engine.ZoneQuery) ([]models.UserPosition, error)
	ProcessGeofenceEvent(ctx context.Context, event *models.GeofenceEvent) error

	CreateZone(ctx context.Context, in zones.CreateInput) (*models.Zone, error)
	UpdateZone(ctx context.Context, id string, in zones.UpdateInput) (*models.Zone, error)
	DeleteZone(ctx context.Context, id string) error
	GetZone(ctx context.Context, id string) (*models.Zone, error)
	SearchZones(ctx context.Context, f zones.SearchFilter) ([]*models.Zone, error)
	GetZoneStats() (zones.Stats, error)

	CalculateDistance(a, b models.Coordinate, unit geo.Unit, alg geo.Algorithm) (float64, error)
	CalculateDistanceMatrix(points []models.Coordinate, unit geo.Unit, alg geo.Algorithm) ([][]float64, error)
	FindNearestPoint(origin models.Coordinate, candidates []models.Coordinate, unit geo.Unit, alg geo.Algorithm) (int, float64, error)

	RegisterWebhook(ctx context.Context, in webhook.RegisterInput) (*models.WebhookConfig, error)
	UpdateWebhook(ctx context.Context, id string, in webhook.UpdateInput) (*models.WebhookConfig, error)
	RemoveWebhook(ctx context.Context, id string) error
	GetWebhook(id string) (*models.WebhookConfig, error)
	ListWebhooks() ([]*models.WebhookConfig, error)
	TestWebhook(ctx context.Context, id string) error
	GetWebhookStatistics() (webhook.Statistics, error)

	RewriteAOF(ctx context.Context) error

	GetHealthStatus() engine.HealthStatus
	GetProcessingStats() (engine.ProcessingStats, error)
	GetPerformanceStats() (engine.PerformanceStats, error)
	GetCacheStats() (cache.Stats, error)
	GetDistanceStats() (engine.DistanceStats, error)
}

// Handler holds the route handlers.
type Handler struct {
	engine Engine
	log    zerolog.Logger
}

// NewHandler builds the handler set over an engine.
func NewHandler(e Engine, log zerolog.Logger) *Handler {
	return &Handler{engine: e, log: log.With().Str("component", "api").Logger()}
}

// Request bodies for operations whose input is not a domain struct.

type nearbyRequest struct {
	Center  models.Coordinate `json:"center"`
	RadiusM float64           `json:"radiusM"`
	Limit   int               `json:"limit,omitempty"`
}

type distanceRequest struct {
	From      models.Coordinate `json:"from"`
	To        models.Coordinate `json:"to"`
	Unit      geo.Unit          `json:"unit,omitempty"`
	Algorithm geo.Algorithm     `json:"algorithm,omitempty"`
}

type matrixRequest struct {
	Points    []models.Coordinate `json:"points"`
	Unit      geo.Unit            `json:"unit,omitempty"`
	Algorithm geo.Algorithm       `json:"algorithm,omitempty"`
}

type nearestRequest struct {
	Origin     models.Coordinate   `json:"origin"`
	Candidates []models.Coordinate `json:"candidates"`
	Unit       geo.Unit            `json:"unit,omitempty"`
	Algorithm  geo.Algorithm       `json:"algorithm,omitempty"`
}

func (h *Handler) updateLocation(w http.ResponseWriter, r *http.Request) {
	var upd models.LocationUpdate
	if err := decode(r, &upd); err != nil {
		writeError(w, err)
		return
	}
	events, err := h.engine.UpdateLocation(r.Context(), upd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"userId": upd.UserID,
		"events": events,
	})
}

func (h *Handler) queueLocation(w http.ResponseWriter, r *http.Request) {
	var upd models.LocationUpdate
	if err := decode(r, &upd); err != nil {
		writeError(w, err)
		return
	}
	if err := h.engine.QueueLocationUpdate(upd); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusAccepted, map[string]any{"userId": upd.UserID, "queued": true})
}

func (h *Handler) bulkLocations(w http.ResponseWriter, r *http.Request) {
	var upds []models.LocationUpdate
	if err := decode(r, &upds); err != nil {
		writeError(w, err)
		return
	}
	n, err := h.engine.ProcessBulkLocations(upds)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusAccepted, map[string]any{"queued": n})
}

func (h *Handler) getLocation(w http.ResponseWriter, r *http.Request) {
	upd, err := h.engine.GetUserLocation(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, upd)
}

func (h *Handler) removeLocation(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.RemoveUserLocation(r.Context(), chi.URLParam(r, "userId")); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"removed": true})
}

func (h *Handler) nearby(w http.ResponseWriter, r *http.Request) {
	var req nearbyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	users, err := h.engine.FindNearbyUsers(r.Context(), req.Center, req.RadiusM, req.Limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"users": users, "count": len(users)})
}

func (h *Handler) within(w http.ResponseWriter, r *http.Request) {
	var q engine.ZoneQuery
	if err := decode(r, &q); err != nil {
		writeError(w, err)
		return
	}
	users, err := h.engine.FindUsersInZone(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"users": users, "count": len(users)})
}

func (h *Handler) processEvent(w http.ResponseWriter, r *http.Request) {
	var event models.GeofenceEvent
	if err := decode(r, &event); err != nil {
		writeError(w, err)
		return
	}
	if err := h.engine.ProcessGeofenceEvent(r.Context(), &event); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusAccepted, map[string]any{"eventId": event.ID, "queued": true})
}

func (h *Handler) createZone(w http.ResponseWriter, r *http.Request) {
	var in zones.CreateInput
	if err := decode(r, &in); err != nil {
		writeError(w, err)
		return
	}
	zone, err := h.engine.CreateZone(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, zone)
}

func (h *Handler) updateZone(w http.ResponseWriter, r *http.Request) {
	var in zones.UpdateInput
	if err := decode(r, &in); err != nil {
		writeError(w, err)
		return
	}
	zone, err := h.engine.UpdateZone(r.Context(), chi.URLParam(r, "zoneId"), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, zone)
}

func (h *Handler) deleteZone(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeleteZone(r.Context(), chi.URLParam(r, "zoneId")); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"deleted": true})
}

func (h *Handler) getZone(w http.ResponseWriter, r *http.Request) {
	zone, err := h.engine.GetZone(r.Context(), chi.URLParam(r, "zoneId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, zone)
}

func (h *Handler) searchZones(w http.ResponseWriter, r *http.Request) {
	var f zones.SearchFilter
	if err := decode(r, &f); err != nil {
		writeError(w, err)
		return
	}
	found, err := h.engine.SearchZones(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"zones": found, "count": len(found)})
}

func (h *Handler) zoneStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.GetZoneStats()
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, stats)
}

func (h *Handler) rewriteAOF(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.RewriteAOF(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusAccepted, map[string]any{"started": true})
}

func (h *Handler) distance(w http.ResponseWriter, r *http.Request) {
	var req distanceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	d, err := h.engine.CalculateDistance(req.From, req.To, req.Unit, req.Algorithm)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"distance": d})
}

func (h *Handler) distanceMatrix(w http.ResponseWriter, r *http.Request) {
	var req matrixRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	m, err := h.engine.CalculateDistanceMatrix(req.Points, req.Unit, req.Algorithm)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"matrix": m})
}

func (h *Handler) nearest(w http.ResponseWriter, r *http.Request) {
	var req nearestRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	i, d, err := h.engine.FindNearestPoint(req.Origin, req.Candidates, req.Unit, req.Algorithm)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"index": i, "distance": d})
}

func (h *Handler) registerWebhook(w http.ResponseWriter, r *http.Request) {
	var in webhook.RegisterInput
	if err := decode(r, &in); err != nil {
		writeError(w, err)
		return
	}
	hook, err := h.engine.RegisterWebhook(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, hook)
}

func (h *Handler) updateWebhook(w http.ResponseWriter, r *http.Request) {
	var in webhook.UpdateInput
	if err := decode(r, &in); err != nil {
		writeError(w, err)
		return
	}
	hook, err := h.engine.UpdateWebhook(r.Context(), chi.URLParam(r, "webhookId"), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, hook)
}

func (h *Handler) removeWebhook(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.RemoveWebhook(r.Context(), chi.URLParam(r, "webhookId")); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"removed": true})
}

func (h *Handler) getWebhook(w http.ResponseWriter, r *http.Request) {
	hook, err := h.engine.GetWebhook(chi.URLParam(r, "webhookId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, hook)
}

func (h *Handler) listWebhooks(w http.ResponseWriter, r *http.Request) {
	hooks, err := h.engine.ListWebhooks()
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"webhooks": hooks, "count": len(hooks)})
}

func (h *Handler) testWebhook(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.TestWebhook(r.Context(), chi.URLParam(r, "webhookId")); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"delivered": true})
}

func (h *Handler) webhookStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.GetWebhookStatistics()
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, stats)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	status := h.engine.GetHealthStatus()
	code := http.StatusOK
	if status.Status == engine.HealthUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeData(w, code, status)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	var (
		data any
		err  error
	)
	switch chi.URLParam(r, "kind") {
	case "processing":
		data, err = h.engine.GetProcessingStats()
	case "performance":
		data, err = h.engine.GetPerformanceStats()
	case "cache":
		data, err = h.engine.GetCacheStats()
	case "distance":
		data, err = h.engine.GetDistanceStats()
	default:
		err = errs.New(errs.KindNotFound, "unknown stats kind")
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, data)
}
