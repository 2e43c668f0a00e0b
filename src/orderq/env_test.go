package orderq

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type testEnv struct {
	mr  *miniredis.Miniredis
	rdb *redis.Client
	c   *Client
	k   Keys
}

const testQueue = "orders"

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	env, err := openTestEnv(mr)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = env.c.Close() })
	return env
}

func openTestEnv(mr *miniredis.Miniredis) (*testEnv, error) {
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c, err := NewClient(context.Background(), ClientOpts{Redis: WrapRedis(rdb)})
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &testEnv{mr: mr, rdb: rdb, c: c, k: KeysFor(testQueue)}, nil
}

func (e *testEnv) publish(t *testing.T, job, group string, nowMs int64) {
	t.Helper()
	if _, err := e.c.Publish(context.Background(), PublishOpts{Queue: testQueue, Job: job, Group: group, NowMsOverride: nowMs}); err != nil {
		t.Fatalf("Publish(%q): %v", job, err)
	}
}

func (e *testEnv) dequeue(t *testing.T, consumerID string, nowMs int64) (Claim, bool) {
	t.Helper()
	res, err := e.c.Dequeue(context.Background(), testQueue, consumerID, DequeueOpts{
		InvisibilityTimeoutMs: 1000,
		NowMsOverride:         nowMs,
	})
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	cl, ok := res.(Claim)
	return cl, ok
}

type fataler interface {
	Helper()
	Fatalf(format string, args ...any)
}

func (e *testEnv) invisibleScore(t fataler, job string) (float64, bool) {
	t.Helper()
	s, err := e.rdb.ZScore(context.Background(), e.k.Invisible, job).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false
	}
	if err != nil {
		t.Fatalf("ZScore: %v", err)
	}
	return s, true
}

// failEveryNth simulates a store that drops every nth claim halfway through.
func failEveryNth(n int32) func() error {
	var calls atomic.Int32
	return func() error {
		if calls.Add(1)%n == 0 {
			return errors.New("simulated failure while marking job invisible")
		}
		return nil
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
