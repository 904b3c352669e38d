// Geofenced - Real-Time Geofencing Engine for Tourist Safety
// Copyright 2026 TourSafe Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/toursafe/geofenced

package locations

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/toursafe/geofenced/internal/cache"
	"github.com/toursafe/geofenced/internal/config"
	"github.com/toursafe/geofenced/internal/errs"
	"github.com/toursafe/geofenced/internal/models"
	"github.com/toursafe/geofenced/internal/observe"
	"github.com/toursafe/geofenced/internal/tile38"
)

type fakeChecker struct {
	mu     sync.Mutex
	calls  int
	events []*models.GeofenceEvent
	err    error
}

func (f *fakeChecker) CheckLocation(ctx context.Context, upd models.LocationUpdate) ([]*models.GeofenceEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.events, f.err
}

func (f *fakeChecker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSink struct {
	mu     sync.Mutex
	events []*models.GeofenceEvent
}

func (f *fakeSink) EnqueueEvents(events []*models.GeofenceEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, events...)
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func testBulkConfig() config.BulkConfig {
	return config.BulkConfig{
		BatchSize:      100,
		FlushInterval:  time.Second,
		Concurrency:    5,
		MaxRetries:     3,
		QueueWarnDepth: 1000,
	}
}

func newTestProcessor(t *testing.T, cfg config.BulkConfig, checker Checker, sink EventSink) (*Processor, *fakeExec, *observe.Bus) {
	t.Helper()
	exec := &fakeExec{}
	store := cache.New(time.Minute)
	t.Cleanup(store.Close)
	bus := observe.NewBus()
	ix := NewIndexer(exec, &fakePipe{}, store, testLocationsConfig(), config.CacheConfig{
		LocationTTL: time.Minute, NearbyTTL: time.Minute,
	}, config.CollectionsConfig{Tourists: "tourists", Zones: "zones", Events: "events"}, bus, zerolog.Nop())
	p := NewProcessor(ix, checker, sink, cfg, bus, zerolog.Nop())
	t.Cleanup(p.Stop)
	return p, exec, bus
}

func TestProcessBatchIndexesAndChecks(t *testing.T) {
	event := &models.GeofenceEvent{ID: "e1", UserID: "u1", ZoneID: "z1", EventType: models.EventEnter}
	checker := &fakeChecker{events: []*models.GeofenceEvent{event}}
	sink := &fakeSink{}
	p, exec, _ := newTestProcessor(t, testBulkConfig(), checker, sink)

	p.Enqueue(update("u1", 28.61, 77.20), update("u2", 28.62, 77.21))
	processed := p.ProcessBatch(context.Background())
	if processed != 2 {
		t.Fatalf("processed = %d, want 2", processed)
	}

	if checker.callCount() != 2 {
		t.Errorf("checker calls = %d, want 2", checker.callCount())
	}
	if sink.count() != 2 {
		t.Errorf("sink events = %d, want 2", sink.count())
	}
	if exec.callCount() != 2 {
		t.Errorf("index writes = %d, want 2", exec.callCount())
	}

	stats := p.GetStats()
	if stats.Succeeded != 2 || stats.Failed != 0 || stats.QueueSize != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestProcessBatchHonorsBatchSize(t *testing.T) {
	cfg := testBulkConfig()
	cfg.BatchSize = 3
	p, _, _ := newTestProcessor(t, cfg, nil, nil)

	for i := 0; i < 5; i++ {
		p.Enqueue(update("u", 28.61, 77.20))
	}
	if n := p.ProcessBatch(context.Background()); n != 3 {
		t.Fatalf("first batch = %d, want 3", n)
	}
	if p.QueueSize() != 2 {
		t.Errorf("remaining = %d, want 2", p.QueueSize())
	}
}

func TestRetryBudgetThenDrop(t *testing.T) {
	cfg := testBulkConfig()
	cfg.MaxRetries = 2
	p, exec, bus := newTestProcessor(t, cfg, nil, nil)
	exec.onWrite = func(tile38.Command) (gjson.Result, error) {
		return gjson.Result{}, errs.New(errs.KindConnectionFailed, "index down")
	}
	obs, cancel := bus.Subscribe(8)
	defer cancel()

	p.Enqueue(update("u1", 28.61, 77.20))

	// First pass fails and requeues at the head.
	p.ProcessBatch(context.Background())
	if p.QueueSize() != 1 {
		t.Fatalf("queue after first pass = %d, want 1 (requeued)", p.QueueSize())
	}
	if p.GetStats().Retried != 1 {
		t.Errorf("retried = %d, want 1", p.GetStats().Retried)
	}

	// Second pass exhausts the budget and drops.
	p.ProcessBatch(context.Background())
	if p.QueueSize() != 0 {
		t.Errorf("queue after second pass = %d, want 0", p.QueueSize())
	}
	if p.GetStats().Failed != 1 {
		t.Errorf("failed = %d, want 1", p.GetStats().Failed)
	}
	select {
	case o := <-obs:
		if o.Type != observe.TypeLocationFailed {
			t.Errorf("observation = %s, want locationFailed", o.Type)
		}
	case <-time.After(time.Second):
		t.Error("expected a locationFailed observation")
	}
}

func TestValidationFailureDoesNotRetry(t *testing.T) {
	p, _, _ := newTestProcessor(t, testBulkConfig(), nil, nil)

	p.Enqueue(update("", 28.61, 77.20))
	p.ProcessBatch(context.Background())

	stats := p.GetStats()
	if stats.Failed != 1 || stats.Retried != 0 {
		t.Errorf("stats = %+v, want immediate terminal failure", stats)
	}
}

func TestQueueOverflowObservation(t *testing.T) {
	cfg := testBulkConfig()
	cfg.QueueWarnDepth = 2
	p, _, bus := newTestProcessor(t, cfg, nil, nil)
	obs, cancel := bus.Subscribe(8)
	defer cancel()

	p.Enqueue(update("u1", 1, 1), update("u2", 2, 2), update("u3", 3, 3))

	select {
	case o := <-obs:
		if o.Type != observe.TypeQueueOverflow {
			t.Errorf("observation = %s, want queueOverflow", o.Type)
		}
	case <-time.After(time.Second):
		t.Error("expected a queueOverflow observation")
	}
}

func TestDrainEmptiesQueue(t *testing.T) {
	cfg := testBulkConfig()
	cfg.BatchSize = 2
	p, _, _ := newTestProcessor(t, cfg, nil, nil)

	for i := 0; i < 7; i++ {
		p.Enqueue(update("u", 28.61, 77.20))
	}
	p.Drain(context.Background())
	if p.QueueSize() != 0 {
		t.Errorf("queue = %d after drain, want 0", p.QueueSize())
	}
	if p.GetStats().Succeeded != 7 {
		t.Errorf("succeeded = %d, want 7", p.GetStats().Succeeded)
	}
}

func TestChunksSplitEvenly(t *testing.T) {
	items := make([]queuedUpdate, 10)
	got := chunks(items, 5)
	if len(got) != 5 {
		t.Fatalf("chunks = %d, want 5", len(got))
	}
	total := 0
	for _, c := range got {
		total += len(c)
	}
	if total != 10 {
		t.Errorf("total = %d, want 10", total)
	}
	if len(chunks(nil, 5)) != 0 {
		t.Error("empty input must yield no chunks")
	}
}
