// Geofenced - Real-Time Geofencing Engine for Tourist Safety
// Copyright 2026 TourSafe Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/toursafe/geofenced

package tile38

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/toursafe/geofenced/internal/config"
	"github.com/toursafe/geofenced/internal/errs"
	"github.com/toursafe/geofenced/internal/observe"
)

// Executor runs index commands. Both the pool and the governor implement it,
// letting subsystems take either without caring about rate limiting.
type Executor interface {
	ExecuteRead(ctx context.Context, cmd Command) (gjson.Result, error)
	ExecuteWrite(ctx context.Context, cmd Command) (gjson.Result, error)
}

const (
	executeAttempts = 3
	retryBaseDelay  = time.Second
)

// ConnectionStatus is a point-in-time snapshot of one pool member.
type ConnectionStatus struct {
	Addr      string `json:"addr"`
	Role      string `json:"role"`
	Connected bool   `json:"connected"`
	Health    int    `json:"health"`
}

// Pool manages the primary index connection and its read replicas. Writes go
// to the primary only; reads favor the healthiest connected member.
type Pool struct {
	primary  *Conn
	replicas []*Conn

	probeInterval time.Duration
	readyTimeout  time.Duration
	retryDelay    time.Duration

	rr atomic.Uint64

	// Serializes pipelined writes on the primary's raw connection.
	pipeMu sync.Mutex

	bus *observe.Bus
	log zerolog.Logger
}

// NewPool builds a pool from the index configuration. dial may be nil, in
// which case the TCP dialer is used.
func NewPool(cfg config.IndexConfig, primaryAddr string, dial DialFunc, bus *observe.Bus, log zerolog.Logger) *Pool {
	if dial == nil {
		dial = DefaultDial(cfg.ConnectTimeout)
	}
	p := &Pool{
		primary:       NewConn(primaryAddr, RolePrimary, dial, cfg.QueryTimeout, bus, log),
		probeInterval: cfg.ProbeInterval,
		readyTimeout:  cfg.ReadyTimeout,
		retryDelay:    retryBaseDelay,
		bus:           bus,
		log:           log.With().Str("component", "tile38.pool").Logger(),
	}
	for _, addr := range cfg.Replicas {
		p.replicas = append(p.replicas, NewConn(addr, RoleReplica, dial, cfg.QueryTimeout, bus, log))
	}
	return p
}

// Ready connects the primary, blocking up to the ready timeout. Replicas
// connect opportunistically and do not gate readiness.
func (p *Pool) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.readyTimeout)
	defer cancel()

	if err := p.primary.Connect(ctx); err != nil {
		return err
	}
	for _, r := range p.replicas {
		if err := r.Connect(ctx); err != nil {
			p.log.Warn().Str("addr", r.Addr()).Err(err).Msg("replica unavailable at startup")
		}
	}
	return nil
}

// writeConn returns the primary or a fail-fast error when it is down.
func (p *Pool) writeConn() (*Conn, error) {
	if !p.primary.Connected() {
		return nil, errs.Newf(errs.KindPrimaryUnavailable, "primary index %s is not connected", p.primary.Addr())
	}
	return p.primary, nil
}

// readConn picks the healthiest connected member, primary included. Members
// tied at the top score rotate round-robin so equal peers share the load.
func (p *Pool) readConn() (*Conn, error) {
	members := make([]*Conn, 0, len(p.replicas)+1)
	for _, r := range p.replicas {
		if r.Connected() {
			members = append(members, r)
		}
	}
	if p.primary.Connected() {
		members = append(members, p.primary)
	}
	if len(members) == 0 {
		return nil, errs.New(errs.KindNoHealthyConnection, "no connected index members")
	}

	// Scores are snapshotted once so a concurrent update cannot skew the
	// comparison mid-selection.
	scores := make([]int, len(members))
	best := -1
	for i, m := range members {
		scores[i] = m.HealthScore()
		if scores[i] > best {
			best = scores[i]
		}
	}
	top := members[:0]
	for i, m := range members {
		if scores[i] == best {
			top = append(top, m)
		}
	}
	idx := p.rr.Add(1)
	return top[int(idx%uint64(len(top)))], nil
}

// ExecuteWrite runs a mutating command on the primary with retries. Delays
// grow linearly: 1s after the first failure, 2s after the second.
func (p *Pool) ExecuteWrite(ctx context.Context, cmd Command) (gjson.Result, error) {
	return p.execute(ctx, cmd, func() (*Conn, error) {
		if !p.primary.Connected() {
			if err := p.primary.dialOnce(ctx); err != nil {
				return nil, errs.Newf(errs.KindPrimaryUnavailable, "primary index %s is not connected", p.primary.Addr())
			}
		}
		return p.primary, nil
	})
}

// ExecuteRead runs a read command with retries, choosing a fresh member for
// every attempt so a sick replica does not eat the whole budget.
func (p *Pool) ExecuteRead(ctx context.Context, cmd Command) (gjson.Result, error) {
	return p.execute(ctx, cmd, p.readConn)
}

func (p *Pool) execute(ctx context.Context, cmd Command, pick func() (*Conn, error)) (gjson.Result, error) {
	var lastErr error
	for attempt := 1; attempt <= executeAttempts; attempt++ {
		conn, err := pick()
		if err != nil {
			lastErr = err
		} else {
			result, err := conn.Execute(ctx, cmd)
			if err == nil {
				return result, nil
			}
			lastErr = err
			if !errs.IsRetryable(err) {
				return result, err
			}
		}

		if attempt == executeAttempts {
			break
		}
		delay := time.Duration(attempt) * p.retryDelay
		p.log.Debug().Str("command", cmd.Name).Int("attempt", attempt).Dur("delay", delay).Err(lastErr).
			Msg("retrying index command")
		select {
		case <-ctx.Done():
			return gjson.Result{}, errs.Wrap(errs.KindQueryTimeout, cmd.Name+" canceled during retry", ctx.Err())
		case <-time.After(delay):
		}
	}
	return gjson.Result{}, lastErr
}

// PipelineWrite sends a batch of mutating commands on the primary in one
// network round trip and collects each reply. A transport error aborts the
// batch; per-command errors are returned positionally so callers can retry
// just the failed entries.
func (p *Pool) PipelineWrite(ctx context.Context, cmds []Command) ([]gjson.Result, []error, error) {
	if len(cmds) == 0 {
		return nil, nil, nil
	}
	conn, err := p.writeConn()
	if err != nil {
		return nil, nil, err
	}

	p.pipeMu.Lock()
	defer p.pipeMu.Unlock()

	conn.mu.Lock()
	raw := conn.conn
	connected := conn.connected
	conn.mu.Unlock()
	if !connected || raw == nil {
		return nil, nil, errs.Newf(errs.KindPrimaryUnavailable, "primary index %s is not connected", conn.Addr())
	}

	start := time.Now()
	for _, cmd := range cmds {
		if err := raw.Send(cmd.Name, cmd.Args...); err != nil {
			conn.markFailure(err)
			return nil, nil, classifyTransport(err, cmd.Name)
		}
	}
	if err := raw.Flush(); err != nil {
		conn.markFailure(err)
		return nil, nil, classifyTransport(err, "pipeline flush")
	}

	results := make([]gjson.Result, len(cmds))
	cmdErrs := make([]error, len(cmds))
	for i, cmd := range cmds {
		reply, err := receiveReply(ctx, raw, conn.queryTimeout)
		if err != nil {
			conn.markFailure(err)
			return nil, nil, classifyTransport(err, cmd.Name)
		}
		text, err := redis.String(reply, nil)
		if err != nil {
			cmdErrs[i] = errs.Wrap(errs.KindInternal, "malformed index reply", err)
			continue
		}
		results[i] = gjson.Parse(text)
		if !results[i].Get("ok").Bool() {
			cmdErrs[i] = errs.Newf(errs.KindInternal, "index command %s failed: %s", cmd.Name, results[i].Get("err").String())
		}
	}
	conn.markSuccess(time.Since(start))
	p.log.Debug().Int("commands", len(cmds)).Dur("elapsed", time.Since(start)).Msg("pipeline flushed")
	return results, cmdErrs, nil
}

func receiveReply(ctx context.Context, conn redis.Conn, timeout time.Duration) (interface{}, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if remain := time.Until(deadline); remain < timeout {
			timeout = remain
		}
	}
	if cwt, ok := conn.(redis.ConnWithTimeout); ok {
		return cwt.ReceiveWithTimeout(timeout)
	}
	return conn.Receive()
}

// Health snapshots every pool member.
func (p *Pool) Health() []ConnectionStatus {
	statuses := make([]ConnectionStatus, 0, len(p.replicas)+1)
	statuses = append(statuses, ConnectionStatus{
		Addr:      p.primary.Addr(),
		Role:      string(RolePrimary),
		Connected: p.primary.Connected(),
		Health:    p.primary.HealthScore(),
	})
	for _, r := range p.replicas {
		statuses = append(statuses, ConnectionStatus{
			Addr:      r.Addr(),
			Role:      string(RoleReplica),
			Connected: r.Connected(),
			Health:    r.HealthScore(),
		})
	}
	return statuses
}

// PrimaryConnected reports whether writes can currently land.
func (p *Pool) PrimaryConnected() bool {
	return p.primary.Connected()
}

// Close shuts down every member connection.
func (p *Pool) Close() error {
	var firstErr error
	if err := p.primary.Close(); err != nil {
		firstErr = err
	}
	for _, r := range p.replicas {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ProbeService periodically pings every pool member, reconnecting the ones
// that dropped. It plugs into the supervision tree.
type ProbeService struct {
	pool *Pool
}

// NewProbeService wraps the pool for supervision.
func NewProbeService(pool *Pool) *ProbeService {
	return &ProbeService{pool: pool}
}

// Serve runs the probe loop until the context is canceled.
func (s *ProbeService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.pool.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.probe(ctx)
		}
	}
}

func (s *ProbeService) probe(ctx context.Context) {
	members := append([]*Conn{s.pool.primary}, s.pool.replicas...)
	for _, conn := range members {
		if err := conn.Ping(ctx); err != nil {
			s.pool.log.Warn().Str("addr", conn.Addr()).Err(err).Msg("probe failed")
		}
	}
}

func (s *ProbeService) String() string {
	return fmt.Sprintf("tile38-probe(%s)", s.pool.primary.Addr())
}
