// Geofenced - Real-Time Geofencing Engine for Tourist Safety
// Copyright 2026 TourSafe Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/toursafe/geofenced

package locations

import (
	"context"
	"errors"
	"strconv"
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

type fakeExec struct {
	mu       sync.Mutex
	commands []tile38.Command
	onRead   func(cmd tile38.Command) (gjson.Result, error)
	onWrite  func(cmd tile38.Command) (gjson.Result, error)
}

func (f *fakeExec) ExecuteRead(ctx context.Context, cmd tile38.Command) (gjson.Result, error) {
	f.record(cmd)
	if f.onRead != nil {
		return f.onRead(cmd)
	}
	return gjson.Parse(`{"ok":true,"objects":[]}`), nil
}

func (f *fakeExec) ExecuteWrite(ctx context.Context, cmd tile38.Command) (gjson.Result, error) {
	f.record(cmd)
	if f.onWrite != nil {
		return f.onWrite(cmd)
	}
	return gjson.Parse(`{"ok":true}`), nil
}

func (f *fakeExec) record(cmd tile38.Command) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
}

func (f *fakeExec) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.commands)
}

type fakePipe struct {
	mu      sync.Mutex
	batches [][]tile38.Command
	hook    func(cmds []tile38.Command) ([]gjson.Result, []error, error)
}

func (f *fakePipe) PipelineWrite(ctx context.Context, cmds []tile38.Command) ([]gjson.Result, []error, error) {
	f.mu.Lock()
	f.batches = append(f.batches, cmds)
	f.mu.Unlock()
	if f.hook != nil {
		return f.hook(cmds)
	}
	results := make([]gjson.Result, len(cmds))
	for i := range results {
		results[i] = gjson.Parse(`{"ok":true}`)
	}
	return results, make([]error, len(cmds)), nil
}

func (f *fakePipe) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func testLocationsConfig() config.LocationsConfig {
	return config.LocationsConfig{
		BatchSize:     3,
		FlushInterval: time.Second,
		TTL:           time.Hour,
		HistoryTTL:    24 * time.Hour,
		NearbyLimit:   100,
	}
}

func newTestIndexer(t *testing.T, cfg config.LocationsConfig) (*Indexer, *fakeExec, *fakePipe, *observe.Bus) {
	t.Helper()
	exec := &fakeExec{}
	pipe := &fakePipe{}
	store := cache.New(time.Minute)
	t.Cleanup(store.Close)
	bus := observe.NewBus()
	ix := NewIndexer(exec, pipe, store, cfg, config.CacheConfig{
		LocationTTL: time.Minute, NearbyTTL: time.Minute,
	}, config.CollectionsConfig{Tourists: "tourists", Zones: "zones", Events: "events"}, bus, zerolog.Nop())
	return ix, exec, pipe, bus
}

func update(userID string, lat, lon float64) models.LocationUpdate {
	return models.LocationUpdate{
		UserID:     userID,
		Coordinate: models.Coordinate{Latitude: lat, Longitude: lon},
	}
}

func TestIndexBuffersUntilFlush(t *testing.T) {
	ix, _, pipe, _ := newTestIndexer(t, testLocationsConfig())
	ctx := context.Background()

	if err := ix.Index(ctx, update("u1", 28.61, 77.20)); err != nil {
		t.Fatal(err)
	}
	if err := ix.Index(ctx, update("u2", 28.62, 77.21)); err != nil {
		t.Fatal(err)
	}
	if pipe.batchCount() != 0 {
		t.Fatal("partial buffer must not flush on its own")
	}

	if err := ix.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if pipe.batchCount() != 1 {
		t.Fatalf("batches = %d, want 1", pipe.batchCount())
	}
	if got := ix.GetStats().Indexed; got != 2 {
		t.Errorf("indexed = %d, want 2", got)
	}
}

func TestIndexFlushesWhenBufferFills(t *testing.T) {
	cfg := testLocationsConfig()
	cfg.BatchSize = 2
	ix, _, pipe, _ := newTestIndexer(t, cfg)
	ctx := context.Background()

	ix.Index(ctx, update("u1", 28.61, 77.20))
	ix.Index(ctx, update("u2", 28.62, 77.21))

	if pipe.batchCount() != 1 {
		t.Fatalf("batches = %d, want 1 (flush on full buffer)", pipe.batchCount())
	}
	if len(pipe.batches[0]) != 2 {
		t.Errorf("batch size = %d, want 2", len(pipe.batches[0]))
	}
}

func TestIndexValidation(t *testing.T) {
	ix, _, _, _ := newTestIndexer(t, testLocationsConfig())
	ctx := context.Background()

	cases := []struct {
		name string
		upd  models.LocationUpdate
	}{
		{"empty user", update("", 28.61, 77.20)},
		{"latitude out of range", update("u1", 95, 77.20)},
		{"negative accuracy", func() models.LocationUpdate {
			u := update("u1", 28.61, 77.20)
			u.Accuracy = -1
			return u
		}()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := ix.Index(ctx, tc.upd); errs.KindOf(err) != errs.KindValidation {
				t.Errorf("kind = %v, want Validation", errs.KindOf(err))
			}
		})
	}
}

func TestIndexStampsTimestamp(t *testing.T) {
	cfg := testLocationsConfig()
	cfg.BatchSize = 1
	ix, _, pipe, _ := newTestIndexer(t, cfg)

	if err := ix.Index(context.Background(), update("u1", 28.61, 77.20)); err != nil {
		t.Fatal(err)
	}
	// The ts field rides on the SET command.
	args := pipe.batches[0][0].Args
	found := false
	for i, a := range args {
		if a == "ts" && i+1 < len(args) {
			found = true
			ms, err := strconv.ParseInt(args[i+1].(string), 10, 64)
			if err != nil || ms <= 0 {
				t.Errorf("ts field = %v", args[i+1])
			}
		}
	}
	if !found {
		t.Errorf("SET args %v missing ts field", args)
	}
}

func TestFlushRequeuesOnTransportError(t *testing.T) {
	ix, _, pipe, _ := newTestIndexer(t, testLocationsConfig())
	pipe.hook = func([]tile38.Command) ([]gjson.Result, []error, error) {
		return nil, nil, errs.New(errs.KindPrimaryUnavailable, "primary down")
	}
	ctx := context.Background()

	ix.Index(ctx, update("u1", 28.61, 77.20))
	if err := ix.Flush(ctx); errs.KindOf(err) != errs.KindPrimaryUnavailable {
		t.Fatalf("kind = %v, want PrimaryUnavailable", errs.KindOf(err))
	}
	if got := ix.GetStats().Buffered; got != 1 {
		t.Errorf("buffered = %d, want 1 (batch returned to buffer)", got)
	}
}

func TestFlushReportsPerUpdateFailures(t *testing.T) {
	ix, _, pipe, bus := newTestIndexer(t, testLocationsConfig())
	pipe.hook = func(cmds []tile38.Command) ([]gjson.Result, []error, error) {
		results := make([]gjson.Result, len(cmds))
		cmdErrs := make([]error, len(cmds))
		cmdErrs[0] = errors.New("invalid argument")
		return results, cmdErrs, nil
	}
	obs, cancel := bus.Subscribe(8)
	defer cancel()
	ctx := context.Background()

	ix.Index(ctx, update("u1", 28.61, 77.20))
	ix.Index(ctx, update("u2", 28.62, 77.21))
	if err := ix.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	stats := ix.GetStats()
	if stats.Indexed != 1 || stats.Failed != 1 {
		t.Errorf("indexed/failed = %d/%d, want 1/1", stats.Indexed, stats.Failed)
	}
	select {
	case o := <-obs:
		if o.Type != observe.TypeLocationFailed {
			t.Errorf("observation type = %s, want locationFailed", o.Type)
		}
	case <-time.After(time.Second):
		t.Error("expected a locationFailed observation")
	}
}

func TestHistoryLaneDoublesCommands(t *testing.T) {
	cfg := testLocationsConfig()
	cfg.EnableHistory = true
	cfg.BatchSize = 1
	ix, _, pipe, _ := newTestIndexer(t, cfg)

	ix.Index(context.Background(), update("u1", 28.61, 77.20))
	if len(pipe.batches[0]) != 2 {
		t.Fatalf("commands = %d, want 2 (current + history)", len(pipe.batches[0]))
	}
	if pipe.batches[0][1].Args[0] != "tourists:history" {
		t.Errorf("history collection = %v", pipe.batches[0][1].Args[0])
	}
}

func TestGetCurrentCachesAfterIndexRead(t *testing.T) {
	ix, exec, _, _ := newTestIndexer(t, testLocationsConfig())
	exec.onRead = func(cmd tile38.Command) (gjson.Result, error) {
		return gjson.Parse(`{"ok":true,"object":{"type":"Point","coordinates":[77.2295,28.6129]},"fields":{"ts":1724500000000,"accuracy":12.5}}`), nil
	}
	ctx := context.Background()

	first, err := ix.GetCurrent(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if first.Coordinate.Latitude != 28.6129 || first.Coordinate.Longitude != 77.2295 {
		t.Errorf("coordinate = %+v", first.Coordinate)
	}
	if first.Accuracy != 12.5 {
		t.Errorf("accuracy = %v, want 12.5", first.Accuracy)
	}

	calls := exec.callCount()
	second, err := ix.GetCurrent(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if exec.callCount() != calls {
		t.Error("second read must come from cache")
	}
	if second.UserID != "u1" {
		t.Errorf("userId = %s", second.UserID)
	}
}

func TestFindNearbyValidatesRadius(t *testing.T) {
	ix, _, _, _ := newTestIndexer(t, testLocationsConfig())
	center := models.Coordinate{Latitude: 28.61, Longitude: 77.20}

	for _, radius := range []float64{0, 0.5, 100001} {
		if _, err := ix.FindNearby(context.Background(), center, radius, 10); errs.KindOf(err) != errs.KindValidation {
			t.Errorf("radius %v: kind = %v, want Validation", radius, errs.KindOf(err))
		}
	}
}

func TestFindNearbyParsesPositions(t *testing.T) {
	ix, exec, _, _ := newTestIndexer(t, testLocationsConfig())
	exec.onRead = func(cmd tile38.Command) (gjson.Result, error) {
		if cmd.Name != "NEARBY" {
			t.Errorf("command = %s, want NEARBY", cmd.Name)
		}
		return gjson.Parse(`{"ok":true,"objects":[
			{"id":"u1","object":{"type":"Point","coordinates":[77.21,28.62]},"distance":142.7},
			{"id":"u2","object":{"type":"Point","coordinates":[77.22,28.63]},"distance":388.1}
		]}`), nil
	}

	got, err := ix.FindNearby(context.Background(), models.Coordinate{Latitude: 28.61, Longitude: 77.20}, 500, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("positions = %d, want 2", len(got))
	}
	if got[0].UserID != "u1" || got[0].DistanceM != 142.7 {
		t.Errorf("first position = %+v", got[0])
	}
	if got[1].Coordinate.Latitude != 28.63 {
		t.Errorf("second latitude = %v", got[1].Coordinate.Latitude)
	}
}
