// Geofenced - Real-Time Geofencing Engine for Tourist Safety
// Copyright 2026 TourSafe Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/toursafe/geofenced

// Package observe provides typed observation streams for engine components.
//
// Components publish observations (queue overflow, webhook delivery results,
// connection state changes) instead of inheriting from an event-emitter base.
// Subscribers receive them on buffered channels; slow subscribers drop
// observations rather than blocking publishers.
package observe

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type identifies an observation stream.
type Type string

// Observation types emitted by engine components.
const (
	TypeQueueOverflow          Type = "queueOverflow"
	TypePerformanceAlert       Type = "performanceAlert"
	TypeWebhookDelivered       Type = "webhookDelivered"
	TypeWebhookFailed          Type = "webhookFailed"
	TypeLocationFailed         Type = "locationFailed"
	TypeBatchPartial           Type = "batchPartial"
	TypeConnectionStateChanged Type = "connectionStateChanged"
	TypeGeofenceEvent          Type = "geofenceEvent"
)

// Observation is a single typed fact published by a component.
type Observation struct {
	Type      Type           `json:"type"`
	Component string         `json:"component"`
	Time      time.Time      `json:"time"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Bus fans observations out to subscribers.
// Publishing never blocks: if a subscriber's buffer is full the observation
// is dropped for that subscriber and counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Observation
	nextID  int
	dropped atomic.Int64
}

// NewBus creates an observation bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Observation)}
}

// Publish sends an observation to all subscribers.
func (b *Bus) Publish(o Observation) {
	if o.Time.IsZero() {
		o.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- o:
		default:
			b.dropped.Add(1)
		}
	}
}

// Emit is a convenience wrapper building and publishing an observation.
func (b *Bus) Emit(t Type, component string, detail map[string]any) {
	b.Publish(Observation{Type: t, Component: component, Time: time.Now(), Detail: detail})
}

// Subscribe registers a new subscriber with the given channel buffer.
// The returned cancel function removes the subscription and closes the
// channel; it is safe to call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Observation, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Observation, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Dropped returns the number of observations dropped due to full buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
