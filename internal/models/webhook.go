// Geofenced - Real-Time Geofencing Engine for Tourist Safety
// Copyright 2026 TourSafe Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/toursafe/geofenced

package models

import "time"

// RetryConfig controls per-webhook delivery retries.
type RetryConfig struct {
	MaxRetries         int           `json:"maxRetries" validate:"min=0,max=10"`
	RetryDelay         time.Duration `json:"retryDelay"`
	ExponentialBackoff bool          `json:"exponentialBackoff"`
}

// WebhookConfig is a subscriber record. An event matches a webhook iff the
// webhook is enabled, the event type is subscribed, and the zone filters
// (empty = match all) admit the event's zone.
type WebhookConfig struct {
	ID         string            `json:"id"`
	Name       string            `json:"name" validate:"required"`
	URL        string            `json:"url" validate:"required,url"`
	Secret     string            `json:"secret,omitempty"`
	Enabled    bool              `json:"enabled"`
	ZoneIDs    []string          `json:"zoneIds,omitempty"`
	ZoneTypes  []ZoneType        `json:"zoneTypes,omitempty"`
	EventTypes []EventType       `json:"eventTypes" validate:"required,min=1"`
	Retry      RetryConfig       `json:"retryConfig"`
	Headers    map[string]string `json:"headers,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// Matches applies the subscription filter to an event.
func (w *WebhookConfig) Matches(e *GeofenceEvent) bool {
	if !w.Enabled {
		return false
	}
	if !containsEventType(w.EventTypes, e.EventType) {
		return false
	}
	if len(w.ZoneIDs) > 0 && !containsString(w.ZoneIDs, e.ZoneID) {
		return false
	}
	if len(w.ZoneTypes) > 0 && !containsZoneType(w.ZoneTypes, e.ZoneType) {
		return false
	}
	return true
}

// WebhookPayload is the JSON body POSTed to a subscriber. Signature, when
// present, is the hex HMAC-SHA256 of the UTF-8 JSON of the Event field only.
type WebhookPayload struct {
	Event     *GeofenceEvent `json:"event"`
	Zone      *Zone          `json:"zone,omitempty"`
	User      WebhookUser    `json:"user"`
	Timestamp time.Time      `json:"timestamp"`
	Signature string         `json:"signature,omitempty"`
}

// WebhookUser identifies the user an event concerns.
type WebhookUser struct {
	ID string `json:"id"`
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsEventType(list []EventType, v EventType) bool {
	for _, t := range list {
		if t == v {
			return true
		}
	}
	return false
}

func containsZoneType(list []ZoneType, v ZoneType) bool {
	for _, t := range list {
		if t == v {
			return true
		}
	}
	return false
}
