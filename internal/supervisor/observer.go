// Geofenced - Real-Time Geofencing Engine for Tourist Safety
// Copyright 2026 TourSafe Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/toursafe/geofenced

package supervisor

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/toursafe/geofenced/internal/observe"
)

// observerBuffer bounds the subscription channel; the bus drops rather than
// blocks when the logger falls behind.
const observerBuffer = 256

// ObserverService logs every observation emitted on the bus. It runs as a
// pipeline-layer service so component signals (queue overflow, connection
// state, delivery outcomes) land in the structured log.
type ObserverService struct {
	bus *observe.Bus
	log zerolog.Logger
}

// NewObserverService wraps the bus for supervision.
func NewObserverService(bus *observe.Bus, log zerolog.Logger) *ObserverService {
	return &ObserverService{
		bus: bus,
		log: log.With().Str("component", "observer").Logger(),
	}
}

// Serve subscribes and logs until the context is canceled.
func (s *ObserverService) Serve(ctx context.Context) error {
	ch, cancel := s.bus.Subscribe(observerBuffer)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case o := <-ch:
			event := s.log.Info()
			switch o.Type {
			case observe.TypeQueueOverflow, observe.TypeLocationFailed,
				observe.TypeWebhookFailed, observe.TypePerformanceAlert:
				event = s.log.Warn()
			}
			event.
				Str("observation", string(o.Type)).
				Str("source", o.Component).
				Fields(o.Detail).
				Msg("component observation")
		}
	}
}

func (s *ObserverService) String() string { return "observation-logger" }
