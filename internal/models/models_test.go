// Geofenced - Real-Time Geofencing Engine for Tourist Safety
// Copyright 2026 TourSafe Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/toursafe/geofenced

package models

import "testing"

func TestCoordinateValid(t *testing.T) {
	tests := []struct {
		name string
		c    Coordinate
		want bool
	}{
		{"origin", Coordinate{0, 0}, true},
		{"delhi", Coordinate{28.6144, 77.2095}, true},
		{"pole", Coordinate{90, 180}, true},
		{"antipole", Coordinate{-90, -180}, true},
		{"lat too high", Coordinate{90.0001, 0}, false},
		{"lat too low", Coordinate{-91, 0}, false},
		{"lon too high", Coordinate{0, 180.5}, false},
		{"lon too low", Coordinate{0, -181}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.c.Valid(); got != tt.want {
				t.Errorf("Valid(%+v) = %v, want %v", tt.c, got, tt.want)
			}
		})
	}
}

func TestBoundingBoxContains(t *testing.T) {
	box := BoundingBox{MinLat: 28.6139, MaxLat: 28.6149, MinLon: 77.2090, MaxLon: 77.2100}

	tests := []struct {
		name string
		c    Coordinate
		want bool
	}{
		{"center", Coordinate{28.6144, 77.2095}, true},
		{"corner is inclusive", Coordinate{28.6139, 77.2090}, true},
		{"north of box", Coordinate{28.6150, 77.2095}, false},
		{"west of box", Coordinate{28.6144, 77.2089}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := box.Contains(tt.c); got != tt.want {
				t.Errorf("Contains(%+v) = %v, want %v", tt.c, got, tt.want)
			}
		})
	}
}

func TestDefaultRiskLevel(t *testing.T) {
	tests := []struct {
		zoneType ZoneType
		want     int
	}{
		{ZoneTypeSafe, 2},
		{ZoneTypeTouristFriendly, 3},
		{ZoneTypeCaution, 5},
		{ZoneTypeRestricted, 7},
		{ZoneTypeHighRisk, 9},
		{ZoneTypeEmergency, 10},
		{ZoneType("unknown"), 5},
	}
	for _, tt := range tests {
		if got := tt.zoneType.DefaultRiskLevel(); got != tt.want {
			t.Errorf("DefaultRiskLevel(%s) = %d, want %d", tt.zoneType, got, tt.want)
		}
	}
}

func TestAlertLevelForRisk(t *testing.T) {
	tests := []struct {
		risk int
		want AlertLevel
	}{
		{1, AlertLow},
		{4, AlertLow},
		{5, AlertMedium},
		{6, AlertMedium},
		{7, AlertHigh},
		{8, AlertHigh},
		{9, AlertCritical},
		{10, AlertCritical},
	}
	for _, tt := range tests {
		if got := AlertLevelForRisk(tt.risk); got != tt.want {
			t.Errorf("AlertLevelForRisk(%d) = %s, want %s", tt.risk, got, tt.want)
		}
	}
}

func TestWebhookMatches(t *testing.T) {
	event := &GeofenceEvent{
		ZoneID:    "z1",
		ZoneType:  ZoneTypeRestricted,
		EventType: EventEnter,
	}

	tests := []struct {
		name string
		hook WebhookConfig
		want bool
	}{
		{
			"enabled and subscribed",
			WebhookConfig{Enabled: true, EventTypes: []EventType{EventEnter}},
			true,
		},
		{
			"disabled never matches",
			WebhookConfig{Enabled: false, EventTypes: []EventType{EventEnter}},
			false,
		},
		{
			"event type not subscribed",
			WebhookConfig{Enabled: true, EventTypes: []EventType{EventExit}},
			false,
		},
		{
			"zone id filter admits",
			WebhookConfig{Enabled: true, EventTypes: []EventType{EventEnter}, ZoneIDs: []string{"z1", "z2"}},
			true,
		},
		{
			"zone id filter rejects",
			WebhookConfig{Enabled: true, EventTypes: []EventType{EventEnter}, ZoneIDs: []string{"z9"}},
			false,
		},
		{
			"zone type filter admits",
			WebhookConfig{Enabled: true, EventTypes: []EventType{EventEnter}, ZoneTypes: []ZoneType{ZoneTypeRestricted}},
			true,
		},
		{
			"zone type filter rejects",
			WebhookConfig{Enabled: true, EventTypes: []EventType{EventEnter}, ZoneTypes: []ZoneType{ZoneTypeSafe}},
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.hook.Matches(event); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}
