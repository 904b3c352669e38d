// Geofenced - Real-Time Geofencing Engine for Tourist Safety
// Copyright 2026 TourSafe Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/toursafe/geofenced

package tile38

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog"

	"github.com/toursafe/geofenced/internal/config"
	"github.com/toursafe/geofenced/internal/errs"
	"github.com/toursafe/geofenced/internal/observe"
)

const okReply = `{"ok":true,"elapsed":"12.3µs"}`

// fakeConn is a scripted redis.Conn. Replies pop in order; an empty script
// answers every command with an ok reply.
type fakeConn struct {
	mu       sync.Mutex
	commands [][]interface{}
	replies  []interface{} // string reply or error
	pending  int
	closed   bool
}

func (f *fakeConn) record(cmd string, args []interface{}) {
	entry := append([]interface{}{cmd}, args...)
	f.commands = append(f.commands, entry)
}

func (f *fakeConn) pop() (interface{}, error) {
	if len(f.replies) == 0 {
		return okReply, nil
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	if err, ok := r.(error); ok {
		return nil, err
	}
	return r, nil
}

func (f *fakeConn) Do(cmd string, args ...interface{}) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(cmd, args)
	return f.pop()
}

func (f *fakeConn) Send(cmd string, args ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(cmd, args)
	f.pending++
	return nil
}

func (f *fakeConn) Flush() error { return nil }

func (f *fakeConn) Receive() (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending > 0 {
		f.pending--
	}
	return f.pop()
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) Err() error { return nil }

func (f *fakeConn) commandNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, len(f.commands))
	for i, c := range f.commands {
		names[i] = c[0].(string)
	}
	return names
}

func testIndexConfig(replicas ...string) config.IndexConfig {
	return config.IndexConfig{
		Replicas:       replicas,
		QueryTimeout:   time.Second,
		ConnectTimeout: time.Second,
		ReadyTimeout:   5 * time.Second,
		ProbeInterval:  time.Minute,
	}
}

func newTestPool(t *testing.T, cfg config.IndexConfig, dial DialFunc) *Pool {
	t.Helper()
	p := NewPool(cfg, "primary:9851", dial, observe.NewBus(), zerolog.Nop())
	p.retryDelay = time.Millisecond
	return p
}

func TestExecuteWriteRoundTrip(t *testing.T) {
	fake := &fakeConn{}
	pool := newTestPool(t, testIndexConfig(), func(ctx context.Context, addr string) (redis.Conn, error) {
		return fake, nil
	})
	if err := pool.Ready(context.Background()); err != nil {
		t.Fatal(err)
	}

	result, err := pool.ExecuteWrite(context.Background(), Ping())
	if err != nil {
		t.Fatal(err)
	}
	if !result.Get("ok").Bool() {
		t.Error("expected ok reply")
	}
	names := fake.commandNames()
	if len(names) == 0 || names[len(names)-1] != "PING" {
		t.Errorf("commands = %v, want trailing PING", names)
	}
}

func TestPipelineWriteFailsFastWhenPrimaryDown(t *testing.T) {
	pool := newTestPool(t, testIndexConfig(), func(ctx context.Context, addr string) (redis.Conn, error) {
		return nil, errors.New("connection refused")
	})

	_, _, err := pool.PipelineWrite(context.Background(), []Command{Ping()})
	if errs.KindOf(err) != errs.KindPrimaryUnavailable {
		t.Errorf("kind = %v, want PrimaryUnavailable", errs.KindOf(err))
	}
}

func TestExecuteWriteReconnectsAfterTransportError(t *testing.T) {
	bad := &fakeConn{replies: []interface{}{errors.New("connection refused")}}
	good := &fakeConn{}
	dials := 0
	pool := newTestPool(t, testIndexConfig(), func(ctx context.Context, addr string) (redis.Conn, error) {
		dials++
		if dials == 1 {
			return bad, nil
		}
		return good, nil
	})
	if err := pool.Ready(context.Background()); err != nil {
		t.Fatal(err)
	}

	result, err := pool.ExecuteWrite(context.Background(), Ping())
	if err != nil {
		t.Fatal(err)
	}
	if !result.Get("ok").Bool() {
		t.Error("expected ok reply after reconnect")
	}
	if dials != 2 {
		t.Errorf("dials = %d, want 2", dials)
	}
	if !bad.closed {
		t.Error("failed connection must be torn down")
	}
}

func TestReadPrefersHealthiestMember(t *testing.T) {
	conns := map[string]*fakeConn{}
	var mu sync.Mutex
	pool := newTestPool(t, testIndexConfig("replica-1:9851"), func(ctx context.Context, addr string) (redis.Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		f := &fakeConn{}
		conns[addr] = f
		return f, nil
	})
	if err := pool.Ready(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Degrade the replica without disconnecting it; a non-transport failure
	// only drops the score.
	replica := pool.replicas[0]
	replica.markFailure(errors.New("index busy"))
	if !replica.Connected() {
		t.Fatal("replica must stay connected after a non-transport failure")
	}

	for i := 0; i < 4; i++ {
		if _, err := pool.ExecuteRead(context.Background(), Server()); err != nil {
			t.Fatal(err)
		}
	}

	if got := len(conns["replica-1:9851"].commandNames()); got != 0 {
		t.Errorf("degraded replica received %d reads, want 0", got)
	}
	if got := len(conns["primary:9851"].commandNames()); got != 4 {
		t.Errorf("healthy primary received %d reads, want 4", got)
	}
}

func TestReadRotatesAmongEqualScores(t *testing.T) {
	pool := newTestPool(t, testIndexConfig("replica-1:9851"), func(ctx context.Context, addr string) (redis.Conn, error) {
		return &fakeConn{}, nil
	})
	if err := pool.Ready(context.Background()); err != nil {
		t.Fatal(err)
	}

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		conn, err := pool.readConn()
		if err != nil {
			t.Fatal(err)
		}
		seen[conn.Addr()]++
	}
	if seen["primary:9851"] != 2 || seen["replica-1:9851"] != 2 {
		t.Errorf("reads at equal scores = %v, want an even split", seen)
	}
}

func TestNotFoundMapsToKind(t *testing.T) {
	fake := &fakeConn{replies: []interface{}{`{"ok":false,"err":"id not found"}`}}
	pool := newTestPool(t, testIndexConfig(), func(ctx context.Context, addr string) (redis.Conn, error) {
		return fake, nil
	})
	if err := pool.Ready(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, err := pool.ExecuteRead(context.Background(), Get("tourists", "ghost", false))
	if errs.KindOf(err) != errs.KindNotFound {
		t.Errorf("kind = %v, want NotFound", errs.KindOf(err))
	}
}

func TestPipelineWritePartialFailure(t *testing.T) {
	fake := &fakeConn{replies: []interface{}{okReply, `{"ok":false,"err":"invalid argument"}`, okReply}}
	pool := newTestPool(t, testIndexConfig(), func(ctx context.Context, addr string) (redis.Conn, error) {
		return fake, nil
	})
	if err := pool.Ready(context.Background()); err != nil {
		t.Fatal(err)
	}

	cmds := []Command{Ping(), Ping(), Ping()}
	results, cmdErrs, err := pool.PipelineWrite(context.Background(), cmds)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 || len(cmdErrs) != 3 {
		t.Fatalf("results/errs lengths = %d/%d, want 3/3", len(results), len(cmdErrs))
	}
	if cmdErrs[0] != nil || cmdErrs[2] != nil {
		t.Error("successful commands must have nil errors")
	}
	if cmdErrs[1] == nil {
		t.Error("failed command must carry its error")
	}
}

func TestHealthScoring(t *testing.T) {
	fake := &fakeConn{replies: []interface{}{okReply, errors.New("connection refused")}}
	pool := newTestPool(t, testIndexConfig(), func(ctx context.Context, addr string) (redis.Conn, error) {
		return fake, nil
	})
	if err := pool.Ready(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := pool.primary.HealthScore(); got != initialHealthScore {
		t.Fatalf("initial score = %d, want %d", got, initialHealthScore)
	}

	// The fake answers instantly, so the success lands in the fast band.
	if _, err := pool.primary.Execute(context.Background(), Ping()); err != nil {
		t.Fatal(err)
	}
	if got := pool.primary.HealthScore(); got != initialHealthScore+healthFastReward {
		t.Errorf("score after success = %d, want %d", got, initialHealthScore+healthFastReward)
	}

	pool.primary.Execute(context.Background(), Ping())
	want := initialHealthScore + healthFastReward - healthPenalty
	if got := pool.primary.HealthScore(); got != want {
		t.Errorf("score after failure = %d, want %d", got, want)
	}
}

func TestHealthRewardBands(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		want    int
	}{
		{"fast", 10 * time.Millisecond, initialHealthScore + healthFastReward},
		{"mid", 200 * time.Millisecond, initialHealthScore + healthMidReward},
		{"slow", 800 * time.Millisecond, initialHealthScore + healthSlowReward},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := NewConn("node:9851", RoleReplica, nil, time.Second, observe.NewBus(), zerolog.Nop())
			conn.markSuccess(tt.elapsed)
			if got := conn.HealthScore(); got != tt.want {
				t.Errorf("score = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestHealthSnapshot(t *testing.T) {
	pool := newTestPool(t, testIndexConfig("replica-1:9851"), func(ctx context.Context, addr string) (redis.Conn, error) {
		return &fakeConn{}, nil
	})
	statuses := pool.Health()
	if len(statuses) != 2 {
		t.Fatalf("statuses = %d, want 2", len(statuses))
	}
	if statuses[0].Role != "primary" || statuses[1].Role != "replica" {
		t.Errorf("roles = %s/%s", statuses[0].Role, statuses[1].Role)
	}
	if statuses[0].Connected {
		t.Error("unconnected pool must report disconnected members")
	}
}
