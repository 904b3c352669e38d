// Geofenced - Real-Time Geofencing Engine for Tourist Safety
// Copyright 2026 TourSafe Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/toursafe/geofenced

package engine

import (
	"time"
)

// HealthState grades a component or the whole engine.
type HealthState string

// Health states, ordered from best to worst.
const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// Aggregation thresholds. A component degrades past 20% failures or 100
// queued items and turns unhealthy past 50% or 1000.
const (
	degradedFailureRate  = 0.20
	unhealthyFailureRate = 0.50
	degradedQueueDepth   = 100
	unhealthyQueueDepth  = 1000
)

// ComponentHealth is one component's grade with supporting numbers.
type ComponentHealth struct {
	Status HealthState    `json:"status"`
	Detail map[string]any `json:"detail,omitempty"`
}

// HealthStatus is the aggregate health report. Status is the worst component
// grade.
type HealthStatus struct {
	Status      HealthState                `json:"status"`
	Components  map[string]ComponentHealth `json:"components"`
	Connections []ConnectionStatus         `json:"connections,omitempty"`
	Timestamp   time.Time                  `json:"timestamp"`
}

// ConnectionStatus mirrors one pool member for the health report.
type ConnectionStatus struct {
	Addr      string `json:"addr"`
	Role      string `json:"role"`
	Connected bool   `json:"connected"`
	Health    int    `json:"health"`
}

// GetHealthStatus grades every subsystem and aggregates the worst. Unlike the
// other operations it answers before initialization too, reporting unhealthy.
func (e *Engine) GetHealthStatus() HealthStatus {
	status := HealthStatus{
		Components: make(map[string]ComponentHealth),
		Timestamp:  time.Now().UTC(),
	}
	if !e.initialized.Load() {
		status.Status = HealthUnhealthy
		status.Components["engine"] = ComponentHealth{
			Status: HealthUnhealthy,
			Detail: map[string]any{"reason": "not initialized"},
		}
		return status
	}

	overall := HealthHealthy
	add := func(name string, state HealthState, detail map[string]any) {
		status.Components[name] = ComponentHealth{Status: state, Detail: detail}
		overall = worst(overall, state)
	}

	if e.pool != nil {
		connected := 0
		members := e.pool.Health()
		for _, m := range members {
			status.Connections = append(status.Connections, ConnectionStatus(m))
			if m.Connected {
				connected++
			}
		}
		state := HealthHealthy
		switch {
		case connected == 0:
			state = HealthUnhealthy
		case !e.pool.PrimaryConnected():
			state = HealthDegraded
		}
		add("index", state, map[string]any{
			"connected": connected,
			"members":   len(members),
		})
	}

	if e.gov != nil {
		gs := e.gov.GetStats()
		state := worst(depthState(gs.QueueDepth), rateState(gs.Failed, gs.Processed+gs.Failed))
		if gs.Breaker == "open" {
			state = HealthUnhealthy
		}
		add("governor", state, map[string]any{
			"queueDepth": gs.QueueDepth,
			"health":     gs.Health,
			"breaker":    gs.Breaker,
		})
	}

	if e.bulk != nil {
		bs := e.bulk.GetStats()
		state := worst(depthState(bs.QueueSize), rateState(bs.Failed, bs.TotalProcessed))
		add("bulk", state, map[string]any{
			"queueSize": bs.QueueSize,
			"processed": bs.TotalProcessed,
			"failed":    bs.Failed,
		})
	}

	if e.hooks != nil {
		ws := e.hooks.GetStatistics()
		state := worst(depthState(ws.QueueDepth), rateState(ws.Failed, ws.Delivered+ws.Failed))
		add("webhooks", state, map[string]any{
			"queueDepth": ws.QueueDepth,
			"delivered":  ws.Delivered,
			"failed":     ws.Failed,
		})
	}

	if e.store != nil {
		cs := e.store.GetStats()
		add("cache", HealthHealthy, map[string]any{
			"keys":    cs.Keys,
			"hitRate": cs.HitRate,
		})
	}

	status.Status = overall
	return status
}

// rateState grades a failure ratio.
func rateState(failed, total int64) HealthState {
	if total == 0 {
		return HealthHealthy
	}
	rate := float64(failed) / float64(total)
	switch {
	case rate > unhealthyFailureRate:
		return HealthUnhealthy
	case rate > degradedFailureRate:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

// depthState grades a queue depth.
func depthState(depth int) HealthState {
	switch {
	case depth > unhealthyQueueDepth:
		return HealthUnhealthy
	case depth > degradedQueueDepth:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

// worst returns the lower of two grades.
func worst(a, b HealthState) HealthState {
	if rank(b) > rank(a) {
		return b
	}
	return a
}

func rank(s HealthState) int {
	switch s {
	case HealthUnhealthy:
		return 2
	case HealthDegraded:
		return 1
	default:
		return 0
	}
}
