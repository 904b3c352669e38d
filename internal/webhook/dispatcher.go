// Geofenced - Real-Time Geofencing Engine for Tourist Safety
// Copyright 2026 TourSafe Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/toursafe/geofenced

// Package webhook delivers geofence events to registered HTTP subscribers.
//
// Registration preflights the endpoint with a HEAD request. Detected events
// queue in memory and a drain loop POSTs them in batches, matching each event
// against every subscriber's filters. Payloads are signed with the
// subscriber's shared secret when one is configured.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/toursafe/geofenced/internal/config"
	"github.com/toursafe/geofenced/internal/errs"
	"github.com/toursafe/geofenced/internal/metrics"
	"github.com/toursafe/geofenced/internal/models"
	"github.com/toursafe/geofenced/internal/observe"
	"github.com/toursafe/geofenced/internal/tile38"
	"github.com/toursafe/geofenced/internal/validation"
)

// userAgent identifies the dispatcher to subscriber endpoints.
const userAgent = "Smart-Tourist-Safety-Webhook/1.0"

// deliverySamples bounds the rolling delivery-time average.
const deliverySamples = 1000

// ZoneSource resolves zone context for payload enrichment. Implemented by the
// zone manager.
type ZoneSource interface {
	ZoneByID(id string) (*models.Zone, bool)
}

// RegisterInput is the caller-supplied portion of a webhook subscription.
type RegisterInput struct {
	Name       string              `json:"name" validate:"required"`
	URL        string              `json:"url" validate:"required,url"`
	Secret     string              `json:"secret,omitempty"`
	ZoneIDs    []string            `json:"zoneIds,omitempty"`
	ZoneTypes  []models.ZoneType   `json:"zoneTypes,omitempty"`
	EventTypes []models.EventType  `json:"eventTypes" validate:"required,min=1"`
	Retry      *models.RetryConfig `json:"retryConfig,omitempty"`
	Headers    map[string]string   `json:"headers,omitempty"`
}

// UpdateInput is a partial webhook update; nil fields keep their value.
type UpdateInput struct {
	Name       *string             `json:"name,omitempty"`
	URL        *string             `json:"url,omitempty"`
	Secret     *string             `json:"secret,omitempty"`
	Enabled    *bool               `json:"enabled,omitempty"`
	ZoneIDs    *[]string           `json:"zoneIds,omitempty"`
	ZoneTypes  *[]models.ZoneType  `json:"zoneTypes,omitempty"`
	EventTypes *[]models.EventType `json:"eventTypes,omitempty"`
	Retry      *models.RetryConfig `json:"retryConfig,omitempty"`
	Headers    *map[string]string  `json:"headers,omitempty"`
}

// Statistics counts delivery outcomes.
type Statistics struct {
	Registered    int     `json:"registered"`
	QueueDepth    int     `json:"queueDepth"`
	Delivered     int64   `json:"delivered"`
	Failed        int64   `json:"failed"`
	Retried       int64   `json:"retried"`
	Matched       int64   `json:"matched"`
	AvgDeliveryMs float64 `json:"avgDeliveryMs"`
}

// Dispatcher owns the subscriber registry and the delivery queue.
type Dispatcher struct {
	cfg    config.WebhooksConfig
	client *http.Client
	zones  ZoneSource
	exec   tile38.Executor
	coll   config.CollectionsConfig

	limiter *rate.Limiter

	bus *observe.Bus
	log zerolog.Logger

	mu       sync.RWMutex
	registry map[string]*models.WebhookConfig
	queue    []*models.GeofenceEvent
	closed   bool

	delivered atomic.Int64
	failedN   atomic.Int64
	retried   atomic.Int64
	matched   atomic.Int64

	durMu    sync.Mutex
	durs     [deliverySamples]time.Duration
	durNext  int
	durCount int
}

// NewDispatcher builds a dispatcher. zones may be nil (payloads then omit
// zone context); exec is only used when index-side hooks are enabled.
func NewDispatcher(cfg config.WebhooksConfig, zones ZoneSource, exec tile38.Executor, coll config.CollectionsConfig, bus *observe.Bus, log zerolog.Logger) *Dispatcher {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), int(cfg.RatePerSecond)+1)
	}
	return &Dispatcher{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		zones:    zones,
		exec:     exec,
		coll:     coll,
		limiter:  limiter,
		bus:      bus,
		log:      log.With().Str("component", "webhook").Logger(),
		registry: make(map[string]*models.WebhookConfig),
	}
}

// Register validates the subscription, preflights the endpoint with a HEAD
// request, and adds it to the registry enabled.
func (d *Dispatcher) Register(ctx context.Context, in RegisterInput) (*models.WebhookConfig, error) {
	if err := validation.ValidateStruct(in); err != nil {
		return nil, err
	}
	for _, et := range in.EventTypes {
		if !et.Valid() {
			return nil, errs.Newf(errs.KindValidation, "unknown event type %q", et)
		}
	}
	if err := d.preflight(ctx, in.URL); err != nil {
		return nil, err
	}

	retry := models.RetryConfig{
		MaxRetries: d.cfg.MaxRetries,
		RetryDelay: d.cfg.RetryDelay,
	}
	if in.Retry != nil {
		retry = *in.Retry
	}
	now := time.Now().UTC()
	hook := &models.WebhookConfig{
		ID:         uuid.NewString(),
		Name:       in.Name,
		URL:        in.URL,
		Secret:     in.Secret,
		Enabled:    true,
		ZoneIDs:    in.ZoneIDs,
		ZoneTypes:  in.ZoneTypes,
		EventTypes: in.EventTypes,
		Retry:      retry,
		Headers:    in.Headers,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	d.mu.Lock()
	d.registry[hook.ID] = hook
	d.mu.Unlock()

	if d.cfg.SyncIndexHooks {
		d.syncIndexHooks(ctx, hook)
	}
	d.log.Info().Str("webhookId", hook.ID).Str("url", hook.URL).Msg("webhook registered")
	return hook, nil
}

// preflight verifies the endpoint answers a HEAD request with a status below
// 400 within the preflight timeout.
func (d *Dispatcher) preflight(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.PreflightTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return errs.Wrap(errs.KindValidation, "building preflight request", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return errs.Wrap(errs.KindWebhookDelivery, "webhook endpoint unreachable", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return errs.Newf(errs.KindWebhookDelivery, "webhook endpoint preflight returned %d", resp.StatusCode)
	}
	return nil
}

// Update applies a partial update to a registered webhook. A changed URL is
// preflighted like a fresh registration before it replaces the old one, and
// the index-side hook intents are re-synchronized when the target or the zone
// filter moved.
func (d *Dispatcher) Update(ctx context.Context, id string, in UpdateInput) (*models.WebhookConfig, error) {
	d.mu.RLock()
	current, ok := d.registry[id]
	d.mu.RUnlock()
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "webhook %s not found", id)
	}

	updated := *current
	if in.Name != nil {
		updated.Name = *in.Name
	}
	if in.URL != nil {
		updated.URL = *in.URL
	}
	if in.Secret != nil {
		updated.Secret = *in.Secret
	}
	if in.Enabled != nil {
		updated.Enabled = *in.Enabled
	}
	if in.ZoneIDs != nil {
		updated.ZoneIDs = *in.ZoneIDs
	}
	if in.ZoneTypes != nil {
		updated.ZoneTypes = *in.ZoneTypes
	}
	if in.EventTypes != nil {
		if len(*in.EventTypes) == 0 {
			return nil, errs.New(errs.KindValidation, "eventTypes must not be empty")
		}
		updated.EventTypes = *in.EventTypes
	}
	if in.Retry != nil {
		updated.Retry = *in.Retry
	}
	if in.Headers != nil {
		updated.Headers = *in.Headers
	}
	if err := validation.ValidateStruct(&updated); err != nil {
		return nil, err
	}

	urlChanged := in.URL != nil && updated.URL != current.URL
	if urlChanged {
		if err := d.preflight(ctx, updated.URL); err != nil {
			return nil, err
		}
	}

	updated.UpdatedAt = time.Now().UTC()
	d.mu.Lock()
	if _, still := d.registry[id]; !still {
		d.mu.Unlock()
		return nil, errs.Newf(errs.KindNotFound, "webhook %s not found", id)
	}
	d.registry[id] = &updated
	d.mu.Unlock()

	if d.cfg.SyncIndexHooks && (urlChanged || in.ZoneIDs != nil) {
		if _, err := d.exec.ExecuteWrite(ctx, tile38.DelHookPattern("wh:"+id+":*")); err != nil {
			d.log.Warn().Str("webhookId", id).Err(err).Msg("stale index hook cleanup failed")
		}
		d.syncIndexHooks(ctx, &updated)
	}
	return &updated, nil
}

// Remove deletes a webhook. Removing an absent webhook is a no-op.
func (d *Dispatcher) Remove(ctx context.Context, id string) error {
	d.mu.Lock()
	_, existed := d.registry[id]
	delete(d.registry, id)
	d.mu.Unlock()

	if existed && d.cfg.SyncIndexHooks {
		if _, err := d.exec.ExecuteWrite(ctx, tile38.DelHookPattern("wh:"+id+":*")); err != nil {
			d.log.Warn().Str("webhookId", id).Err(err).Msg("index hook cleanup failed")
		}
	}
	return nil
}

// Get returns one webhook by ID.
func (d *Dispatcher) Get(id string) (*models.WebhookConfig, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	hook, ok := d.registry[id]
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "webhook %s not found", id)
	}
	return hook, nil
}

// List returns all registered webhooks.
func (d *Dispatcher) List() []*models.WebhookConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*models.WebhookConfig, 0, len(d.registry))
	for _, h := range d.registry {
		out = append(out, h)
	}
	return out
}

// EnqueueEvents queues events for delivery. Implements the pipeline's event
// sink.
func (d *Dispatcher) EnqueueEvents(events []*models.GeofenceEvent) {
	if len(events) == 0 {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, events...)
	depth := len(d.queue)
	d.mu.Unlock()

	metrics.WebhookQueueDepth.Set(float64(depth))
	if depth > d.cfg.QueueWarnDepth {
		d.bus.Emit(observe.TypeQueueOverflow, "webhook", map[string]any{"depth": depth})
	}
}

// QueueDepth returns the number of undelivered events.
func (d *Dispatcher) QueueDepth() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.queue)
}

// Drain delivers up to one batch of queued events to all matching
// subscribers.
func (d *Dispatcher) Drain(ctx context.Context) int {
	d.mu.Lock()
	n := len(d.queue)
	if n == 0 {
		d.mu.Unlock()
		return 0
	}
	if n > d.cfg.BatchSize {
		n = d.cfg.BatchSize
	}
	batch := make([]*models.GeofenceEvent, n)
	copy(batch, d.queue[:n])
	d.queue = d.queue[n:]
	depth := len(d.queue)
	hooks := make([]*models.WebhookConfig, 0, len(d.registry))
	for _, h := range d.registry {
		hooks = append(hooks, h)
	}
	d.mu.Unlock()
	metrics.WebhookQueueDepth.Set(float64(depth))

	for _, event := range batch {
		for _, hook := range hooks {
			if !hook.Matches(event) {
				continue
			}
			d.matched.Add(1)
			d.deliverWithRetry(ctx, hook, event)
		}
		event.Processed = true
	}
	return len(batch)
}

func (d *Dispatcher) recordDelivery(dur time.Duration) {
	d.durMu.Lock()
	d.durs[d.durNext] = dur
	d.durNext = (d.durNext + 1) % deliverySamples
	if d.durCount < deliverySamples {
		d.durCount++
	}
	d.durMu.Unlock()
}

// deliverWithRetry POSTs one event to one subscriber, retrying with linear
// backoff (delay × attempt number) inside the webhook's retry budget.
func (d *Dispatcher) deliverWithRetry(ctx context.Context, hook *models.WebhookConfig, event *models.GeofenceEvent) {
	attempts := hook.Retry.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			d.retried.Add(1)
			delay := hook.Retry.RetryDelay * time.Duration(attempt-1)
			if hook.Retry.ExponentialBackoff {
				delay = hook.Retry.RetryDelay * (1 << (attempt - 2))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}

		if err := d.limiter.Wait(ctx); err != nil {
			return
		}

		start := time.Now()
		err := d.deliver(ctx, hook, event)
		if err == nil {
			d.delivered.Add(1)
			d.recordDelivery(time.Since(start))
			metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
			metrics.WebhookDeliveryDuration.Observe(time.Since(start).Seconds())
			d.bus.Emit(observe.TypeWebhookDelivered, "webhook", map[string]any{
				"webhookId": hook.ID,
				"eventId":   event.ID,
				"attempts":  attempt,
			})
			event.WebhookDelivered = true
			return
		}
		lastErr = err
	}

	d.failedN.Add(1)
	metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
	d.bus.Emit(observe.TypeWebhookFailed, "webhook", map[string]any{
		"webhookId": hook.ID,
		"eventId":   event.ID,
		"error":     lastErr.Error(),
	})
	d.log.Warn().Str("webhookId", hook.ID).Str("eventId", event.ID).Err(lastErr).Msg("webhook delivery failed")
}

// deliver performs one signed POST.
func (d *Dispatcher) deliver(ctx context.Context, hook *models.WebhookConfig, event *models.GeofenceEvent) error {
	payload, err := d.buildPayload(hook, event)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "encoding webhook payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return errs.Wrap(errs.KindWebhookDelivery, "building webhook request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, v := range hook.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return errs.Wrap(errs.KindWebhookDelivery, "webhook POST failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return errs.Newf(errs.KindWebhookDelivery, "webhook returned %d", resp.StatusCode)
	}
	return nil
}

// buildPayload assembles and signs the delivery body. The signature is the
// hex HMAC-SHA256 of the event's JSON only, so receivers can verify it
// without canonicalizing the envelope.
func (d *Dispatcher) buildPayload(hook *models.WebhookConfig, event *models.GeofenceEvent) (*models.WebhookPayload, error) {
	payload := &models.WebhookPayload{
		Event:     event,
		User:      models.WebhookUser{ID: event.UserID},
		Timestamp: time.Now().UTC(),
	}
	if d.zones != nil {
		if zone, ok := d.zones.ZoneByID(event.ZoneID); ok {
			payload.Zone = zone
		}
	}
	if hook.Secret != "" {
		sig, err := SignEvent(hook.Secret, event)
		if err != nil {
			return nil, err
		}
		payload.Signature = sig
	}
	return payload, nil
}

// SignEvent computes the hex HMAC-SHA256 signature of an event's JSON.
func SignEvent(secret string, event *models.GeofenceEvent) (string, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, "encoding event for signing", err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Test delivers a synthetic event to one webhook without touching delivery
// statistics.
func (d *Dispatcher) Test(ctx context.Context, id string) error {
	hook, err := d.Get(id)
	if err != nil {
		return err
	}
	event := &models.GeofenceEvent{
		ID:        uuid.NewString(),
		UserID:    "test-user",
		ZoneID:    "test-zone",
		ZoneName:  "Test Zone",
		EventType: models.EventEnter,
		Timestamp: time.Now().UTC(),
		Metadata: models.EventMetadata{
			AlertLevel:  models.AlertLow,
			EventSource: "test",
		},
	}
	return d.deliver(ctx, hook, event)
}

// syncIndexHooks installs a server-side fence trigger per subscribed zone so
// the index can fire even when the engine's own detector lags.
func (d *Dispatcher) syncIndexHooks(ctx context.Context, hook *models.WebhookConfig) {
	if d.zones == nil || d.exec == nil {
		return
	}
	for _, zoneID := range hook.ZoneIDs {
		zone, ok := d.zones.ZoneByID(zoneID)
		if !ok {
			continue
		}
		geoJSON, err := tile38.PolygonJSON(zone.Coordinates)
		if err != nil {
			continue
		}
		name := "wh:" + hook.ID + ":" + zoneID
		if _, err := d.exec.ExecuteWrite(ctx, tile38.SetHook(name, hook.URL, d.coll.Tourists, geoJSON)); err != nil {
			d.log.Warn().Str("hook", name).Err(err).Msg("index hook install failed")
		}
	}
}

// GetStatistics snapshots delivery counters, including the rolling average
// delivery time over the most recent successful POSTs.
func (d *Dispatcher) GetStatistics() Statistics {
	d.mu.RLock()
	registered := len(d.registry)
	depth := len(d.queue)
	d.mu.RUnlock()

	d.durMu.Lock()
	var sum time.Duration
	for i := 0; i < d.durCount; i++ {
		sum += d.durs[i]
	}
	count := d.durCount
	d.durMu.Unlock()

	var avgMs float64
	if count > 0 {
		avgMs = float64(sum) / float64(count) / float64(time.Millisecond)
	}

	return Statistics{
		Registered:    registered,
		QueueDepth:    depth,
		Delivered:     d.delivered.Load(),
		Failed:        d.failedN.Load(),
		Retried:       d.retried.Load(),
		Matched:       d.matched.Load(),
		AvgDeliveryMs: avgMs,
	}
}

// Close stops accepting events and drains what is queued.
func (d *Dispatcher) Close(ctx context.Context) {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	for d.QueueDepth() > 0 {
		if d.Drain(ctx) == 0 {
			return
		}
	}
}

// DrainService runs the delivery loop. It plugs into the supervision tree.
type DrainService struct {
	d *Dispatcher
}

// NewDrainService wraps the dispatcher for supervision.
func NewDrainService(d *Dispatcher) *DrainService {
	return &DrainService{d: d}
}

// Serve drains the queue on the configured interval until the context is
// canceled, then performs a final drain.
func (s *DrainService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.d.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			s.d.Close(drainCtx)
			return ctx.Err()
		case <-ticker.C:
			s.d.Drain(ctx)
		}
	}
}

func (s *DrainService) String() string { return "webhook-drain" }
