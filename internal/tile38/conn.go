// Geofenced - Real-Time Geofencing Engine for Tourist Safety
// Copyright 2026 TourSafe Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/toursafe/geofenced

package tile38

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/toursafe/geofenced/internal/errs"
	"github.com/toursafe/geofenced/internal/metrics"
	"github.com/toursafe/geofenced/internal/observe"
)

// Role identifies a connection's position in the pool.
type Role string

const (
	RolePrimary Role = "primary"
	RoleReplica Role = "replica"
)

// DialFunc opens a raw protocol connection to an index address. Tests inject
// fakes through this.
type DialFunc func(ctx context.Context, addr string) (redis.Conn, error)

// DefaultDial dials over TCP with the given connect timeout and switches the
// session into JSON reply mode.
func DefaultDial(connectTimeout time.Duration) DialFunc {
	return func(ctx context.Context, addr string) (redis.Conn, error) {
		c, err := redis.DialContext(ctx, "tcp", addr,
			redis.DialConnectTimeout(connectTimeout),
		)
		if err != nil {
			return nil, err
		}
		if _, err := c.Do("OUTPUT", "json"); err != nil {
			c.Close()
			return nil, err
		}
		return c, nil
	}
}

const (
	initialHealthScore = 50
	maxHealthScore     = 100
	healthPenalty      = 10

	// Successes reward by latency band so the pool can steer reads toward
	// the members answering fastest.
	healthFastThreshold = 100 * time.Millisecond
	healthSlowThreshold = 500 * time.Millisecond
	healthFastReward    = 5
	healthMidReward     = 2
	healthSlowReward    = 1

	// Lazy dial backoff: 1s initial, doubling, five attempts total.
	dialBackoffInitial = time.Second
	dialMaxAttempts    = 5
)

// Conn is a single managed connection to an index node. It dials lazily,
// tracks a 0-100 health score, and parses JSON replies.
type Conn struct {
	addr string
	role Role
	dial DialFunc

	queryTimeout time.Duration

	bus *observe.Bus
	log zerolog.Logger

	mu        sync.Mutex
	conn      redis.Conn
	connected bool
	health    int
	lastErr   error
}

// NewConn creates an unconnected handle. The first Execute or Connect call
// dials.
func NewConn(addr string, role Role, dial DialFunc, queryTimeout time.Duration, bus *observe.Bus, log zerolog.Logger) *Conn {
	return &Conn{
		addr:         addr,
		role:         role,
		dial:         dial,
		queryTimeout: queryTimeout,
		bus:          bus,
		log:          log.With().Str("component", "tile38").Str("addr", addr).Str("role", string(role)).Logger(),
		health:       initialHealthScore,
	}
}

// Addr returns the node address.
func (c *Conn) Addr() string { return c.addr }

// Role returns the node role.
func (c *Conn) Role() Role { return c.role }

// Connected reports whether the handle currently holds an open connection.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// HealthScore returns the current 0-100 score.
func (c *Conn) HealthScore() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health
}

// Connect dials with exponential backoff until connected or the attempt
// budget is exhausted.
func (c *Conn) Connect(ctx context.Context) error {
	if c.Connected() {
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = dialBackoffInitial
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	err := backoff.Retry(func() error {
		return c.dialOnce(ctx)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, dialMaxAttempts-1), ctx))
	if err != nil {
		return errs.Wrap(errs.KindConnectionFailed, "connecting to "+c.addr, err)
	}
	return nil
}

// dialOnce performs a single dial attempt and installs the connection on
// success.
func (c *Conn) dialOnce(ctx context.Context) error {
	raw, err := c.dial(ctx, c.addr)
	if err != nil {
		c.log.Warn().Err(err).Msg("index dial failed")
		return err
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = raw
	wasConnected := c.connected
	c.connected = true
	c.lastErr = nil
	c.mu.Unlock()

	if !wasConnected {
		c.log.Info().Msg("index connection established")
		c.publishState(true)
	}
	metrics.IndexConnectionHealth.WithLabelValues(c.addr, string(c.role)).Set(float64(c.HealthScore()))
	return nil
}

// Execute runs one command and parses the JSON reply. The reply's ok field
// decides success; protocol-level not-found errors map to KindNotFound and do
// not count against health.
func (c *Conn) Execute(ctx context.Context, cmd Command) (gjson.Result, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		if err := c.dialOnce(ctx); err != nil {
			return gjson.Result{}, errs.Wrap(errs.KindConnectionFailed, "index not connected", err)
		}
		c.mu.Lock()
	}
	conn := c.conn
	c.mu.Unlock()

	start := time.Now()
	raw, err := c.do(ctx, conn, cmd)
	elapsed := time.Since(start)
	metrics.ObserveIndexCommand(cmd.Name, string(c.role), elapsed, err)

	if err != nil {
		c.markFailure(err)
		return gjson.Result{}, classifyTransport(err, cmd.Name)
	}

	reply, err := redis.String(raw, nil)
	if err != nil {
		c.markFailure(err)
		return gjson.Result{}, errs.Wrap(errs.KindConnectionFailed, "malformed index reply", err)
	}

	result := gjson.Parse(reply)
	if !result.Get("ok").Bool() {
		msg := result.Get("err").String()
		if isNotFound(msg) {
			c.markSuccess(elapsed)
			return result, errs.New(errs.KindNotFound, msg)
		}
		c.markFailure(errors.New(msg))
		return result, errs.Newf(errs.KindInternal, "index command %s failed: %s", cmd.Name, msg)
	}

	c.markSuccess(elapsed)
	return result, nil
}

// do executes on the raw connection, honoring the context deadline when the
// connection supports per-call timeouts.
func (c *Conn) do(ctx context.Context, conn redis.Conn, cmd Command) (interface{}, error) {
	timeout := c.queryTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remain := time.Until(deadline); remain < timeout {
			timeout = remain
		}
	}
	if timeout <= 0 {
		return nil, context.DeadlineExceeded
	}
	if cwt, ok := conn.(redis.ConnWithTimeout); ok {
		return cwt.DoWithTimeout(timeout, cmd.Name, cmd.Args...)
	}
	return conn.Do(cmd.Name, cmd.Args...)
}

// Ping checks liveness, reconnecting a down handle first.
func (c *Conn) Ping(ctx context.Context) error {
	_, err := c.Execute(ctx, Ping())
	return err
}

// Close tears down the underlying connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Conn) markSuccess(elapsed time.Duration) {
	reward := healthSlowReward
	switch {
	case elapsed < healthFastThreshold:
		reward = healthFastReward
	case elapsed < healthSlowThreshold:
		reward = healthMidReward
	}

	c.mu.Lock()
	c.health += reward
	if c.health > maxHealthScore {
		c.health = maxHealthScore
	}
	score := c.health
	c.mu.Unlock()
	metrics.IndexConnectionHealth.WithLabelValues(c.addr, string(c.role)).Set(float64(score))
}

func (c *Conn) markFailure(err error) {
	c.mu.Lock()
	c.health -= healthPenalty
	if c.health < 0 {
		c.health = 0
	}
	score := c.health
	c.lastErr = err
	wasConnected := c.connected
	if isConnectionError(err) {
		c.connected = false
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
	}
	nowConnected := c.connected
	c.mu.Unlock()

	metrics.IndexConnectionHealth.WithLabelValues(c.addr, string(c.role)).Set(float64(score))
	if wasConnected && !nowConnected {
		c.log.Warn().Err(err).Msg("index connection lost")
		c.publishState(false)
	}
}

func (c *Conn) publishState(connected bool) {
	c.bus.Emit(observe.TypeConnectionStateChanged, "tile38", map[string]interface{}{
		"addr":      c.addr,
		"role":      string(c.role),
		"connected": connected,
	})
}

// classifyTransport maps transport errors to engine error kinds.
func classifyTransport(err error, command string) error {
	var nerr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errs.Wrap(errs.KindQueryTimeout, command+" timed out", err)
	case errors.As(err, &nerr) && nerr.Timeout():
		return errs.Wrap(errs.KindQueryTimeout, command+" timed out", err)
	default:
		return errs.Wrap(errs.KindConnectionFailed, command+" transport failure", err)
	}
}

// isConnectionError reports whether the failure poisons the underlying
// connection. Timeouts leave pipelined state behind, so they do too.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var nerr net.Error
	return errors.As(err, &nerr) ||
		errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "EOF")
}

// isNotFound matches the index's not-found error strings.
func isNotFound(msg string) bool {
	return strings.Contains(msg, "not found")
}
