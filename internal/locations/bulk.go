// Geofenced - Real-Time Geofencing Engine for Tourist Safety
// Copyright 2026 TourSafe Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/toursafe/geofenced

package locations

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/rs/zerolog"

	"github.com/toursafe/geofenced/internal/cache"
	"github.com/toursafe/geofenced/internal/config"
	"github.com/toursafe/geofenced/internal/errs"
	"github.com/toursafe/geofenced/internal/metrics"
	"github.com/toursafe/geofenced/internal/models"
	"github.com/toursafe/geofenced/internal/observe"
)

// Checker evaluates one location against the zone inventory. Implemented by
// the geofence detector.
type Checker interface {
	CheckLocation(ctx context.Context, upd models.LocationUpdate) ([]*models.GeofenceEvent, error)
}

// EventSink receives detected geofence events. Implemented by the webhook
// dispatcher.
type EventSink interface {
	EnqueueEvents(events []*models.GeofenceEvent)
}

// throughputWindow sizes the rolling throughput measurement.
const throughputWindow = 5 * time.Second

// durationSamples bounds the rolling processing-time average.
const durationSamples = 1000

// ProcessorStats snapshots bulk pipeline counters.
type ProcessorStats struct {
	TotalProcessed   int64   `json:"totalProcessed"`
	Succeeded        int64   `json:"succeeded"`
	Failed           int64   `json:"failed"`
	Retried          int64   `json:"retried"`
	QueueSize        int     `json:"queueSize"`
	InFlight         bool    `json:"inFlight"`
	AvgProcessingMs  float64 `json:"avgProcessingMs"`
	ThroughputPerSec float64 `json:"throughputPerSec"`
}

type queuedUpdate struct {
	upd      models.LocationUpdate
	attempts int
}

// Processor drains a bulk location queue: each update is indexed, checked for
// geofence events, and the events handed to the sink. At most one batch is in
// flight at a time; failed updates requeue at the head with a retry budget.
type Processor struct {
	ix      *Indexer
	checker Checker
	sink    EventSink
	cfg     config.BulkConfig

	workers pond.Pool

	bus *observe.Bus
	log zerolog.Logger

	mu       sync.Mutex
	queue    []queuedUpdate
	inFlight bool
	notify   chan struct{}

	stopOnce sync.Once

	totalProcessed atomic.Int64
	succeeded      atomic.Int64
	failed         atomic.Int64
	retried        atomic.Int64

	durMu    sync.Mutex
	durs     [durationSamples]time.Duration
	durNext  int
	durCount int

	throughput *cache.SlidingWindowCounter
}

// NewProcessor builds a bulk processor. checker and sink may be nil; indexing
// still happens without them.
func NewProcessor(ix *Indexer, checker Checker, sink EventSink, cfg config.BulkConfig, bus *observe.Bus, log zerolog.Logger) *Processor {
	return &Processor{
		ix:         ix,
		checker:    checker,
		sink:       sink,
		cfg:        cfg,
		workers:    pond.NewPool(cfg.Concurrency),
		bus:        bus,
		log:        log.With().Str("component", "bulk").Logger(),
		notify:     make(chan struct{}, 1),
		throughput: cache.NewSlidingWindowCounter(throughputWindow, 10),
	}
}

// Enqueue adds updates to the queue and returns the new depth. Crossing the
// warn depth publishes a queue-overflow observation.
func (p *Processor) Enqueue(upds ...models.LocationUpdate) int {
	p.mu.Lock()
	for _, upd := range upds {
		p.queue = append(p.queue, queuedUpdate{upd: upd})
	}
	depth := len(p.queue)
	p.mu.Unlock()

	metrics.BulkQueueDepth.Set(float64(depth))
	if depth > p.cfg.QueueWarnDepth {
		p.bus.Emit(observe.TypeQueueOverflow, "bulk", map[string]any{"depth": depth})
	}
	if depth >= p.cfg.BatchSize {
		select {
		case p.notify <- struct{}{}:
		default:
		}
	}
	return depth
}

// QueueSize returns the current queue depth.
func (p *Processor) QueueSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Serve drains the queue until the context is canceled: a batch runs when the
// queue reaches the batch size or on every flush interval, whichever first.
func (p *Processor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.Drain(context.Background())
			return ctx.Err()
		case <-ticker.C:
			p.ProcessBatch(ctx)
		case <-p.notify:
			p.ProcessBatch(ctx)
		}
	}
}

// Drain processes batches until the queue is empty. Used at shutdown.
func (p *Processor) Drain(ctx context.Context) {
	for p.QueueSize() > 0 {
		if n := p.ProcessBatch(ctx); n == 0 {
			return
		}
	}
}

// ProcessBatch takes up to one batch off the queue and processes it. Only one
// batch runs at a time; a concurrent call returns 0 immediately.
func (p *Processor) ProcessBatch(ctx context.Context) int {
	p.mu.Lock()
	if p.inFlight || len(p.queue) == 0 {
		p.mu.Unlock()
		return 0
	}
	n := len(p.queue)
	if n > p.cfg.BatchSize {
		n = p.cfg.BatchSize
	}
	batch := make([]queuedUpdate, n)
	copy(batch, p.queue[:n])
	p.queue = p.queue[n:]
	p.inFlight = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inFlight = false
		depth := len(p.queue)
		p.mu.Unlock()
		metrics.BulkQueueDepth.Set(float64(depth))
	}()

	group := p.workers.NewGroup()
	var requeueMu sync.Mutex
	var requeue []queuedUpdate

	for _, chunk := range chunks(batch, p.cfg.Concurrency) {
		chunk := chunk
		group.Submit(func() {
			for _, item := range chunk {
				start := time.Now()
				err := p.processOne(ctx, item.upd)
				p.recordDuration(time.Since(start))
				p.totalProcessed.Add(1)
				p.throughput.IncrementOne()

				if err == nil {
					p.succeeded.Add(1)
					continue
				}
				if errs.IsRetryable(err) && item.attempts+1 < p.cfg.MaxRetries {
					p.retried.Add(1)
					requeueMu.Lock()
					requeue = append(requeue, queuedUpdate{upd: item.upd, attempts: item.attempts + 1})
					requeueMu.Unlock()
					continue
				}
				p.failed.Add(1)
				p.bus.Emit(observe.TypeLocationFailed, "bulk", map[string]any{
					"userId":   item.upd.UserID,
					"attempts": item.attempts + 1,
					"error":    err.Error(),
				})
			}
		})
	}
	group.Wait()

	if len(requeue) > 0 {
		p.mu.Lock()
		p.queue = append(requeue, p.queue...)
		p.mu.Unlock()
	}
	return len(batch)
}

// processOne indexes the update, runs geofence detection, and forwards any
// events.
func (p *Processor) processOne(ctx context.Context, upd models.LocationUpdate) error {
	if err := p.ix.IndexNow(ctx, upd); err != nil {
		return err
	}
	if p.checker == nil {
		return nil
	}
	events, err := p.checker.CheckLocation(ctx, upd)
	if err != nil {
		return err
	}
	if len(events) > 0 && p.sink != nil {
		p.sink.EnqueueEvents(events)
	}
	return nil
}

func (p *Processor) recordDuration(d time.Duration) {
	p.durMu.Lock()
	p.durs[p.durNext] = d
	p.durNext = (p.durNext + 1) % durationSamples
	if p.durCount < durationSamples {
		p.durCount++
	}
	p.durMu.Unlock()
}

// GetStats snapshots pipeline counters, including the rolling average
// processing time and a throughput figure over the last five seconds.
func (p *Processor) GetStats() ProcessorStats {
	p.mu.Lock()
	depth := len(p.queue)
	inFlight := p.inFlight
	p.mu.Unlock()

	p.durMu.Lock()
	var sum time.Duration
	for i := 0; i < p.durCount; i++ {
		sum += p.durs[i]
	}
	count := p.durCount
	p.durMu.Unlock()

	var avgMs float64
	if count > 0 {
		avgMs = float64(sum) / float64(count) / float64(time.Millisecond)
	}

	return ProcessorStats{
		TotalProcessed:   p.totalProcessed.Load(),
		Succeeded:        p.succeeded.Load(),
		Failed:           p.failed.Load(),
		Retried:          p.retried.Load(),
		QueueSize:        depth,
		InFlight:         inFlight,
		AvgProcessingMs:  avgMs,
		ThroughputPerSec: float64(p.throughput.Count()) / throughputWindow.Seconds(),
	}
}

// Stop releases the worker pool. The processor must not be used afterwards.
// Safe to call more than once.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() { p.workers.StopAndWait() })
}

func (p *Processor) String() string { return "bulk-processor" }

// chunks splits items into n contiguous slices of near-equal length.
func chunks(items []queuedUpdate, n int) [][]queuedUpdate {
	if n <= 0 {
		n = 1
	}
	if len(items) == 0 {
		return nil
	}
	size := (len(items) + n - 1) / n
	var out [][]queuedUpdate
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}
