// Geofenced - Real-Time Geofencing Engine for Tourist Safety
// Copyright 2026 TourSafe Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/toursafe/geofenced

// Package governor rate-limits and prioritizes access to the spatial index.
//
// Every index command from the higher layers passes through a priority queue
// drained by a bounded worker set. A sliding-window counter enforces the
// request-per-second cap, a circuit breaker sheds load when the index is
// failing, and a 0-100 health score tracks observed latency.
package governor

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"github.com/tidwall/gjson"

	"github.com/toursafe/geofenced/internal/cache"
	"github.com/toursafe/geofenced/internal/config"
	"github.com/toursafe/geofenced/internal/errs"
	"github.com/toursafe/geofenced/internal/metrics"
	"github.com/toursafe/geofenced/internal/observe"
	"github.com/toursafe/geofenced/internal/tile38"
)

// Latency bands for health scoring. Fast replies earn more; failures cost a
// flat penalty.
const (
	healthFastThreshold = 100 * time.Millisecond
	healthSlowThreshold = 500 * time.Millisecond
	healthFastReward    = 5
	healthMidReward     = 2
	healthSlowReward    = 1
	healthFailPenalty   = 10

	initialHealth = 50
	maxHealth     = 100

	rateLimitPoll = 5 * time.Millisecond
)

// Stats is a point-in-time snapshot of governor state.
type Stats struct {
	QueueDepth  int    `json:"queueDepth"`
	Processed   int64  `json:"processed"`
	Failed      int64  `json:"failed"`
	RateLimited int64  `json:"rateLimited"`
	Health      int    `json:"health"`
	Breaker     string `json:"breaker"`
}

// Governor fronts an index executor with rate limiting, prioritization, and
// circuit breaking. It implements tile38.Executor itself so callers cannot
// tell it apart from the raw pool.
type Governor struct {
	exec tile38.Executor
	cfg  config.GovernorConfig

	window  *cache.SlidingWindowCounter
	breaker *gobreaker.CircuitBreaker[gjson.Result]

	bus *observe.Bus
	log zerolog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  requestHeap
	seq    uint64
	closed bool
	health int

	workers int

	processed   atomic.Int64
	failed      atomic.Int64
	rateLimited atomic.Int64
}

// New builds a governor around exec. workers bounds concurrent index
// commands; it usually comes from index.maxConcurrentQueries.
func New(exec tile38.Executor, cfg config.GovernorConfig, workers int, bus *observe.Bus, log zerolog.Logger) *Governor {
	if workers <= 0 {
		workers = 8
	}
	g := &Governor{
		exec:    exec,
		cfg:     cfg,
		window:  cache.NewSlidingWindowCounter(cfg.WindowSize, 10),
		bus:     bus,
		log:     log.With().Str("component", "governor").Logger(),
		health:  initialHealth,
		workers: workers,
	}
	g.cond = sync.NewCond(&g.mu)
	g.breaker = gobreaker.NewCircuitBreaker[gjson.Result](gobreaker.Settings{
		Name:    "spatial-index",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Validation and not-found replies are healthy index behavior.
			return err == nil || !errs.IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("breaker state changed")
		},
	})
	return g
}

// ExecuteRead queues a read at normal priority.
func (g *Governor) ExecuteRead(ctx context.Context, cmd tile38.Command) (gjson.Result, error) {
	return g.submit(ctx, cmd, false, PriorityNormal)
}

// ExecuteWrite queues a write at high priority.
func (g *Governor) ExecuteWrite(ctx context.Context, cmd tile38.Command) (gjson.Result, error) {
	return g.submit(ctx, cmd, true, PriorityHigh)
}

// ExecuteReadPriority queues a read at an explicit priority. Background
// sweeps use PriorityLow so interactive traffic wins.
func (g *Governor) ExecuteReadPriority(ctx context.Context, cmd tile38.Command, p Priority) (gjson.Result, error) {
	return g.submit(ctx, cmd, false, p)
}

func (g *Governor) submit(ctx context.Context, cmd tile38.Command, write bool, p Priority) (gjson.Result, error) {
	req := &request{
		ctx:      ctx,
		cmd:      cmd,
		write:    write,
		priority: p,
		done:     make(chan outcome, 1),
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return gjson.Result{}, errs.New(errs.KindNotInitialized, "governor is shut down")
	}
	g.seq++
	req.seq = g.seq
	heap.Push(&g.queue, req)
	depth := g.queue.Len()
	g.cond.Signal()
	g.mu.Unlock()

	metrics.GovernorQueueDepth.Set(float64(depth))
	if depth > g.cfg.QueueWarnDepth {
		g.bus.Emit(observe.TypeQueueOverflow, "governor", map[string]any{"depth": depth})
	}

	select {
	case out := <-req.done:
		return out.result, out.err
	case <-ctx.Done():
		return gjson.Result{}, errs.Wrap(errs.KindQueryTimeout, cmd.Name+" abandoned in queue", ctx.Err())
	}
}

// Serve runs the worker set until the context is canceled, then fails all
// pending requests. It plugs into the supervision tree.
func (g *Governor) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < g.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.worker(ctx)
		}()
	}

	<-ctx.Done()
	g.Close()
	wg.Wait()
	return ctx.Err()
}

// Close rejects new submissions and fails everything still queued.
func (g *Governor) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	pending := make([]*request, g.queue.Len())
	for i := range pending {
		pending[i] = heap.Pop(&g.queue).(*request)
	}
	g.cond.Broadcast()
	g.mu.Unlock()

	for _, req := range pending {
		req.done <- outcome{err: errs.New(errs.KindNotInitialized, "governor is shut down")}
	}
	metrics.GovernorQueueDepth.Set(0)
}

// worker pops requests in priority order and executes them.
func (g *Governor) worker(ctx context.Context) {
	for {
		req, ok := g.next()
		if !ok {
			return
		}
		if req.ctx.Err() != nil {
			// Caller already gave up; submit's select saw ctx.Done.
			continue
		}
		if err := g.waitForSlot(ctx, req.ctx); err != nil {
			req.done <- outcome{err: err}
			continue
		}
		result, err := g.run(req)
		req.done <- outcome{result: result, err: err}
	}
}

// next blocks for a queued request. ok is false once the governor closes and
// the queue is empty.
func (g *Governor) next() (*request, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.queue.Len() == 0 {
		if g.closed {
			return nil, false
		}
		g.cond.Wait()
	}
	req := heap.Pop(&g.queue).(*request)
	metrics.GovernorQueueDepth.Set(float64(g.queue.Len()))
	return req, true
}

// waitForSlot blocks until the sliding window admits one more request.
func (g *Governor) waitForSlot(serveCtx, reqCtx context.Context) error {
	limit := int64(g.cfg.MaxRequestsPerSecond)
	if g.window.Allow(limit) {
		return nil
	}
	g.rateLimited.Add(1)
	metrics.GovernorRateLimited.Inc()

	ticker := time.NewTicker(rateLimitPoll)
	defer ticker.Stop()
	for {
		select {
		case <-serveCtx.Done():
			return errs.New(errs.KindNotInitialized, "governor is shut down")
		case <-reqCtx.Done():
			return errs.Wrap(errs.KindQueryTimeout, "rate-limit wait canceled", reqCtx.Err())
		case <-ticker.C:
			if g.window.Allow(limit) {
				return nil
			}
		}
	}
}

// run executes one request through the breaker with exponential retries.
func (g *Governor) run(req *request) (gjson.Result, error) {
	attempts := g.cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := g.cfg.RetryDelay * (1 << (attempt - 1))
			select {
			case <-req.ctx.Done():
				return gjson.Result{}, errs.Wrap(errs.KindQueryTimeout, req.cmd.Name+" canceled during retry", req.ctx.Err())
			case <-time.After(delay):
			}
		}

		start := time.Now()
		result, err := g.breaker.Execute(func() (gjson.Result, error) {
			if req.write {
				return g.exec.ExecuteWrite(req.ctx, req.cmd)
			}
			return g.exec.ExecuteRead(req.ctx, req.cmd)
		})
		g.score(time.Since(start), err)

		if err == nil {
			g.processed.Add(1)
			return result, nil
		}
		lastErr = err
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			g.failed.Add(1)
			return gjson.Result{}, errs.Wrap(errs.KindNoHealthyConnection, "index circuit open", err)
		}
		if !errs.IsRetryable(err) {
			g.failed.Add(1)
			return result, err
		}
	}
	g.failed.Add(1)
	return gjson.Result{}, lastErr
}

// score adjusts the health score from one command's latency and outcome.
func (g *Governor) score(elapsed time.Duration, err error) {
	delta := 0
	switch {
	case err != nil && errs.IsRetryable(err):
		delta = -healthFailPenalty
	case elapsed < healthFastThreshold:
		delta = healthFastReward
	case elapsed < healthSlowThreshold:
		delta = healthMidReward
	default:
		delta = healthSlowReward
	}

	g.mu.Lock()
	g.health += delta
	if g.health > maxHealth {
		g.health = maxHealth
	}
	if g.health < 0 {
		g.health = 0
	}
	g.mu.Unlock()
}

// HealthScore returns the current 0-100 latency-derived score.
func (g *Governor) HealthScore() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.health
}

// QueueDepth returns the number of waiting requests.
func (g *Governor) QueueDepth() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.queue.Len()
}

// GetStats snapshots governor counters.
func (g *Governor) GetStats() Stats {
	g.mu.Lock()
	depth := g.queue.Len()
	health := g.health
	g.mu.Unlock()
	return Stats{
		QueueDepth:  depth,
		Processed:   g.processed.Load(),
		Failed:      g.failed.Load(),
		RateLimited: g.rateLimited.Load(),
		Health:      health,
		Breaker:     g.breaker.State().String(),
	}
}

func (g *Governor) String() string { return "governor" }
