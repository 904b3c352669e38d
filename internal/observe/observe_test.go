// Geofenced - Real-Time Geofencing Engine for Tourist Safety
// Copyright 2026 TourSafe Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/toursafe/geofenced

package observe

import (
	"testing"
	"time"
)

func TestPublishFanOut(t *testing.T) {
	bus := NewBus()
	ch1, cancel1 := bus.Subscribe(4)
	defer cancel1()
	ch2, cancel2 := bus.Subscribe(4)
	defer cancel2()

	bus.Emit(TypeQueueOverflow, "bulk", map[string]any{"depth": 1001})

	for i, ch := range []<-chan Observation{ch1, ch2} {
		select {
		case o := <-ch:
			if o.Type != TypeQueueOverflow || o.Component != "bulk" {
				t.Errorf("subscriber %d got %+v", i, o)
			}
			if o.Time.IsZero() {
				t.Errorf("subscriber %d got zero timestamp", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d did not receive observation", i)
		}
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Emit(TypeWebhookFailed, "webhook", nil)
	bus.Emit(TypeWebhookFailed, "webhook", nil)
	bus.Emit(TypeWebhookFailed, "webhook", nil)

	if got := bus.Dropped(); got != 2 {
		t.Errorf("Dropped = %d, want 2", got)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe(1)

	cancel()
	cancel()

	if got := bus.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount = %d, want 0", got)
	}
	// Publishing with no subscribers must not panic or block.
	bus.Emit(TypeGeofenceEvent, "detector", nil)
}
