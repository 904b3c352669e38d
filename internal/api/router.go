// Geofenced - Real-Time Geofencing Engine for Tourist Safety
// Copyright 2026 TourSafe Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/toursafe/geofenced

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/toursafe/geofenced/internal/config"
	"github.com/toursafe/geofenced/internal/metrics"
)

// NewRouter builds the route table over the handler set.
func NewRouter(h *Handler, cfg config.ServerConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(instrument)

	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}
	if cfg.RateLimitReqs > 0 {
		r.Use(httprate.LimitByIP(cfg.RateLimitReqs, cfg.RateLimitWindow))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/location", h.updateLocation)
		r.Post("/location/queue", h.queueLocation)
		r.Post("/locations/bulk", h.bulkLocations)
		r.Get("/location/{userId}", h.getLocation)
		r.Delete("/location/{userId}", h.removeLocation)

		r.Post("/nearby", h.nearby)
		r.Post("/within", h.within)

		r.Post("/events", h.processEvent)

		r.Route("/zones", func(r chi.Router) {
			r.Post("/", h.createZone)
			r.Post("/search", h.searchZones)
			r.Get("/stats", h.zoneStats)
			r.Get("/{zoneId}", h.getZone)
			r.Put("/{zoneId}", h.updateZone)
			r.Delete("/{zoneId}", h.deleteZone)
		})

		r.Post("/distance", h.distance)
		r.Post("/distance/matrix", h.distanceMatrix)
		r.Post("/nearest", h.nearest)

		r.Route("/webhooks", func(r chi.Router) {
			r.Post("/", h.registerWebhook)
			r.Get("/", h.listWebhooks)
			r.Get("/stats", h.webhookStats)
			r.Get("/{webhookId}", h.getWebhook)
			r.Put("/{webhookId}", h.updateWebhook)
			r.Delete("/{webhookId}", h.removeWebhook)
			r.Post("/{webhookId}/test", h.testWebhook)
		})

		r.Get("/stats/{kind}", h.stats)
		r.Post("/admin/aof-rewrite", h.rewriteAOF)
	})

	r.Get("/health", h.health)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// instrument records per-route request counters and latency. The chi route
// pattern keeps label cardinality bounded regardless of path parameters.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unmatched"
		}
		metrics.APIRequestsTotal.WithLabelValues(
			r.Method, pattern, strconv.Itoa(ww.Status()),
		).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method, pattern).
			Observe(time.Since(start).Seconds())
	})
}
