// Geofenced - Real-Time Geofencing Engine for Tourist Safety
// Copyright 2026 TourSafe Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/toursafe/geofenced

package governor

import (
	"container/heap"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/toursafe/geofenced/internal/config"
	"github.com/toursafe/geofenced/internal/errs"
	"github.com/toursafe/geofenced/internal/observe"
	"github.com/toursafe/geofenced/internal/tile38"
)

// fakeExec answers every command through fn.
type fakeExec struct {
	fn    func(cmd tile38.Command, write bool) (gjson.Result, error)
	calls atomic.Int64
}

func (f *fakeExec) ExecuteRead(ctx context.Context, cmd tile38.Command) (gjson.Result, error) {
	f.calls.Add(1)
	return f.fn(cmd, false)
}

func (f *fakeExec) ExecuteWrite(ctx context.Context, cmd tile38.Command) (gjson.Result, error) {
	f.calls.Add(1)
	return f.fn(cmd, true)
}

func okExec() *fakeExec {
	return &fakeExec{fn: func(tile38.Command, bool) (gjson.Result, error) {
		return gjson.Parse(`{"ok":true}`), nil
	}}
}

func testConfig() config.GovernorConfig {
	return config.GovernorConfig{
		MaxRequestsPerSecond: 1000,
		WindowSize:           time.Second,
		RetryAttempts:        3,
		RetryDelay:           time.Millisecond,
		QueueWarnDepth:       100,
	}
}

func startGovernor(t *testing.T, exec tile38.Executor, cfg config.GovernorConfig, workers int) *Governor {
	t.Helper()
	g := New(exec, cfg, workers, observe.NewBus(), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return g
}

func TestHeapOrdering(t *testing.T) {
	var h requestHeap
	push := func(p Priority, seq uint64) {
		heap.Push(&h, &request{priority: p, seq: seq})
	}
	push(PriorityNormal, 1)
	push(PriorityLow, 2)
	push(PriorityHigh, 3)
	push(PriorityHigh, 4)
	push(PriorityNormal, 5)

	wantSeq := []uint64{3, 4, 1, 5, 2}
	for i, want := range wantSeq {
		got := heap.Pop(&h).(*request).seq
		if got != want {
			t.Fatalf("pop %d: seq = %d, want %d", i, got, want)
		}
	}
}

func TestExecuteRoundTrip(t *testing.T) {
	exec := okExec()
	g := startGovernor(t, exec, testConfig(), 2)

	result, err := g.ExecuteRead(context.Background(), tile38.Ping())
	if err != nil {
		t.Fatal(err)
	}
	if !result.Get("ok").Bool() {
		t.Error("expected ok result")
	}
	if exec.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", exec.calls.Load())
	}
}

func TestRateLimitDelays(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRequestsPerSecond = 1
	cfg.WindowSize = 50 * time.Millisecond
	g := startGovernor(t, okExec(), cfg, 1)

	for i := 0; i < 3; i++ {
		if _, err := g.ExecuteRead(context.Background(), tile38.Ping()); err != nil {
			t.Fatal(err)
		}
	}
	if got := g.GetStats().RateLimited; got < 1 {
		t.Errorf("rateLimited = %d, want >= 1", got)
	}
}

func TestClosedRejects(t *testing.T) {
	g := New(okExec(), testConfig(), 1, observe.NewBus(), zerolog.Nop())
	g.Close()

	_, err := g.ExecuteRead(context.Background(), tile38.Ping())
	if errs.KindOf(err) != errs.KindNotInitialized {
		t.Errorf("kind = %v, want NotInitialized", errs.KindOf(err))
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	exec := &fakeExec{fn: func(tile38.Command, bool) (gjson.Result, error) {
		return gjson.Result{}, errs.New(errs.KindConnectionFailed, "index down")
	}}
	cfg := testConfig()
	cfg.RetryAttempts = 1
	g := startGovernor(t, exec, cfg, 1)

	var lastKind errs.Kind
	for i := 0; i < 8; i++ {
		_, err := g.ExecuteRead(context.Background(), tile38.Ping())
		lastKind = errs.KindOf(err)
	}
	if lastKind != errs.KindNoHealthyConnection {
		t.Errorf("kind after breaker trip = %v, want NoHealthyConnection", lastKind)
	}
}

func TestValidationErrorsDoNotRetry(t *testing.T) {
	exec := &fakeExec{fn: func(tile38.Command, bool) (gjson.Result, error) {
		return gjson.Result{}, errs.New(errs.KindNotFound, "id not found")
	}}
	g := startGovernor(t, exec, testConfig(), 1)

	_, err := g.ExecuteRead(context.Background(), tile38.Get("tourists", "ghost", false))
	if errs.KindOf(err) != errs.KindNotFound {
		t.Fatalf("kind = %v, want NotFound", errs.KindOf(err))
	}
	if exec.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no retries on terminal errors)", exec.calls.Load())
	}
}

func TestHealthScoring(t *testing.T) {
	g := New(okExec(), testConfig(), 1, observe.NewBus(), zerolog.Nop())

	if g.HealthScore() != initialHealth {
		t.Fatalf("initial health = %d, want %d", g.HealthScore(), initialHealth)
	}
	g.score(10*time.Millisecond, nil)
	if g.HealthScore() != initialHealth+healthFastReward {
		t.Errorf("after fast success = %d, want %d", g.HealthScore(), initialHealth+healthFastReward)
	}
	g.score(200*time.Millisecond, nil)
	g.score(time.Second, nil)
	want := initialHealth + healthFastReward + healthMidReward + healthSlowReward
	if g.HealthScore() != want {
		t.Errorf("after mixed latencies = %d, want %d", g.HealthScore(), want)
	}
	g.score(0, errs.New(errs.KindConnectionFailed, "down"))
	if g.HealthScore() != want-healthFailPenalty {
		t.Errorf("after failure = %d, want %d", g.HealthScore(), want-healthFailPenalty)
	}
}

func TestRetriesRecover(t *testing.T) {
	var attempts atomic.Int64
	exec := &fakeExec{fn: func(tile38.Command, bool) (gjson.Result, error) {
		if attempts.Add(1) < 3 {
			return gjson.Result{}, errs.New(errs.KindConnectionFailed, "transient")
		}
		return gjson.Parse(`{"ok":true}`), nil
	}}
	g := startGovernor(t, exec, testConfig(), 1)

	result, err := g.ExecuteWrite(context.Background(), tile38.Ping())
	if err != nil {
		t.Fatal(err)
	}
	if !result.Get("ok").Bool() {
		t.Error("expected eventual success")
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
}
