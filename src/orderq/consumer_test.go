package orderq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func intPtr(n int) *int { return &n }

// runConsumer starts Consume in the background and returns a stop func that
// cancels it and waits for it to return.
func runConsumer(t *testing.T, env *testEnv, opts ConsumeOpts) func() {
	t.Helper()
	opts.Queue = testQueue
	if opts.ConsumerID == "" {
		opts.ConsumerID = "w1"
	}
	if opts.ClaimWait == 0 {
		opts.ClaimWait = -1
	}
	opts.PollInterval = 5 * time.Millisecond
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- env.c.Consume(ctx, opts) }()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-errCh:
				if err != nil {
					t.Errorf("Consume returned %v", err)
				}
			case <-time.After(5 * time.Second):
				t.Error("Consume did not stop")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

func (e *testEnv) invisibleCount() int64 {
	return e.rdb.ZCard(context.Background(), e.k.Invisible).Val()
}

func TestConsume_RetriesInProcessUntilSuccess(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, "a", "", 0)

	var calls atomic.Int32
	var attempts []int
	var mu sync.Mutex
	stop := runConsumer(t, env, ConsumeOpts{
		RetryLimit:            intPtr(3),
		InvisibilityTimeoutMs: 60_000,
		Handler: func(ctx context.Context, job JobCtx) (Outcome, error) {
			mu.Lock()
			attempts = append(attempts, job.Attempt)
			mu.Unlock()
			if calls.Add(1) < 3 {
				return nil, errors.New("broker unavailable")
			}
			return Acked{}, nil
		},
	})

	waitFor(t, 2*time.Second, func() bool { return calls.Load() == 3 && env.invisibleCount() == 0 })
	stop()

	if fmt.Sprint(attempts) != "[1 2 3]" {
		t.Errorf("attempts: want [1 2 3], got %v", attempts)
	}
}

func TestConsume_ExhaustedJobStaysInvisible(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, "a", "", 0)

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	var calls atomic.Int32
	stop := runConsumer(t, env, ConsumeOpts{
		RetryLimit:            intPtr(2),
		InvisibilityTimeoutMs: 60_000,
		Metrics:               m,
		Handler: func(ctx context.Context, job JobCtx) (Outcome, error) {
			calls.Add(1)
			return nil, errors.New("always failing")
		},
	})

	waitFor(t, 2*time.Second, func() bool { return testutil.ToFloat64(m.exhausted.WithLabelValues(testQueue)) == 1 })
	stop()

	if n := calls.Load(); n != 3 {
		t.Errorf("handler calls: want 3, got %d", n)
	}
	if _, ok := env.invisibleScore(t, "a"); !ok {
		t.Error("job should remain in the invisible set")
	}
	if n := env.rdb.LLen(context.Background(), env.k.Work).Val(); n != 0 {
		t.Errorf("job must not be requeued by the consumer, work len %d", n)
	}
	if v := testutil.ToFloat64(m.processorErrors.WithLabelValues(testQueue)); v != 3 {
		t.Errorf("processor errors: want 3, got %v", v)
	}
}

func TestConsume_HandlerPanicIsAFailedAttempt(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, "a", "", 0)

	var calls atomic.Int32
	stop := runConsumer(t, env, ConsumeOpts{
		RetryLimit: intPtr(1),
		Handler: func(ctx context.Context, job JobCtx) (Outcome, error) {
			if calls.Add(1) == 1 {
				panic("nil order")
			}
			return nil, nil
		},
	})

	waitFor(t, 2*time.Second, func() bool { return calls.Load() == 2 && env.invisibleCount() == 0 })
	stop()
}

func TestConsume_CompletedJobsArePromotedInGroupOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, id := range []string{"A", "B", "C"} {
		env.publish(t, id, "", 0)
	}

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	// A stays incomplete on its first check, then completes last.
	var checksA atomic.Int32
	completedAt := map[string]int64{"A": 3_000, "B": 1_000, "C": 2_000}
	stop := runConsumer(t, env, ConsumeOpts{
		RetryEvictMs: 1,
		Metrics:      m,
		Handler: func(ctx context.Context, job JobCtx) (Outcome, error) {
			if job.Job == "A" && checksA.Add(1) == 1 {
				return Incomplete{Group: "XYZ"}, nil
			}
			return Completed{Group: "XYZ", Payload: job.Job + ":done", CompletedAtMs: completedAt[job.Job]}, nil
		},
	})

	waitFor(t, 3*time.Second, func() bool { return env.rdb.ZCard(ctx, env.k.Output).Val() == 3 })
	stop()

	out, err := env.c.Output(ctx, testQueue, 0, -1)
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	if fmt.Sprint(out) != "[{B:done 1000} {C:done 2000} {A:done 3000}]" {
		t.Errorf("output: got %v", out)
	}
	if v := testutil.ToFloat64(m.promoted.WithLabelValues(testQueue)); v != 3 {
		t.Errorf("promoted: want 3, got %v", v)
	}
	if v := testutil.ToFloat64(m.incomplete.WithLabelValues(testQueue)); v != 1 {
		t.Errorf("incomplete: want 1, got %v", v)
	}
}

func TestConsume_IncompleteParksJobInRetrySet(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, "a", "", 0)

	var calls atomic.Int32
	stop := runConsumer(t, env, ConsumeOpts{
		RetryEvictMs: 60_000,
		Handler: func(ctx context.Context, job JobCtx) (Outcome, error) {
			calls.Add(1)
			return Incomplete{Group: "acct"}, nil
		},
	})

	waitFor(t, 2*time.Second, func() bool {
		return env.rdb.ZCard(context.Background(), env.k.Retry).Val() == 1
	})
	stop()

	if n := calls.Load(); n != 1 {
		t.Errorf("handler calls: want 1, got %d", n)
	}
	if env.invisibleCount() != 0 {
		t.Error("incomplete job must leave the invisible set")
	}
}

func TestConsume_EveryJobIsProcessedDespiteClaimFaults(t *testing.T) {
	env := newTestEnv(t)
	const jobs = 20
	for i := 0; i < jobs; i++ {
		env.publish(t, fmt.Sprintf("job-%02d", i), "", 0)
	}
	env.c.Ops().ClaimFault = failEveryNth(3)

	var mu sync.Mutex
	seen := map[string]int{}
	stop := runConsumer(t, env, ConsumeOpts{
		Handler: func(ctx context.Context, job JobCtx) (Outcome, error) {
			mu.Lock()
			seen[job.Job]++
			mu.Unlock()
			return Acked{}, nil
		},
	})

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == jobs
	})
	stop()

	for job, n := range seen {
		if n != 1 {
			t.Errorf("%s processed %d times", job, n)
		}
	}
}

func TestConsume_HeartbeatKeepsJobInvisible(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, "a", "", 0)

	release := make(chan struct{})
	var done atomic.Bool
	stop := runConsumer(t, env, ConsumeOpts{
		InvisibilityTimeoutMs: 300,
		HeartbeatInterval:     50 * time.Millisecond,
		Handler: func(ctx context.Context, job JobCtx) (Outcome, error) {
			<-release
			done.Store(true)
			return Acked{}, nil
		},
	})

	time.Sleep(600 * time.Millisecond)
	reaped, err := env.c.ReapExpired(context.Background(), testQueue, 0, 0)
	if err != nil {
		t.Fatalf("ReapExpired: %v", err)
	}
	if reaped != 0 {
		t.Fatalf("heartbeat should have kept the claim alive, reaped %d", reaped)
	}
	if _, ok := env.invisibleScore(t, "a"); !ok {
		t.Fatal("job should still be invisible while the handler runs")
	}

	close(release)
	waitFor(t, 2*time.Second, func() bool { return done.Load() && env.invisibleCount() == 0 })
	stop()
}

func TestConsume_BlockingClaimKeepsJobExclusive(t *testing.T) {
	env := newTestEnv(t)

	started := make(chan JobCtx, 1)
	release := make(chan struct{})
	stop := runConsumer(t, env, ConsumeOpts{
		ClaimWait:             3 * time.Second,
		InvisibilityTimeoutMs: 1_000,
		Handler: func(ctx context.Context, job JobCtx) (Outcome, error) {
			started <- job
			<-release
			return Acked{}, nil
		},
	})
	defer stop()

	// arrive well after the invisibility timeout would lapse if the claim
	// were stamped when the wait began
	time.Sleep(1_500 * time.Millisecond)
	publishedAt := NowMs()
	env.publish(t, "late", "", 0)

	var jc JobCtx
	select {
	case jc = <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never ran")
	}
	defer close(release)

	if jc.ClaimedAtMs < publishedAt {
		t.Errorf("ClaimedAtMs %d predates the publish at %d", jc.ClaimedAtMs, publishedAt)
	}
	if now := NowMs(); jc.InvisibleUntilMs <= now {
		t.Fatalf("claim handed out already expired: until %d, now %d", jc.InvisibleUntilMs, now)
	}

	res, err := env.c.Dequeue(context.Background(), testQueue, "w2", DequeueOpts{})
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if res != nil {
		t.Fatalf("second consumer claimed a job still being processed: %#v", res)
	}
}

func TestConsume_RejectsInvalidOptions(t *testing.T) {
	env := newTestEnv(t)
	handler := func(ctx context.Context, job JobCtx) (Outcome, error) { return nil, nil }

	cases := []ConsumeOpts{
		{ConsumerID: "w1", Handler: handler},
		{Queue: testQueue, Handler: handler},
		{Queue: testQueue, ConsumerID: "w1"},
		{Queue: testQueue, ConsumerID: "w1", Handler: handler, RetryLimit: intPtr(-1)},
	}
	for i, opts := range cases {
		if err := env.c.Consume(context.Background(), opts); !errors.Is(err, ErrInvalidConsumeOpts) {
			t.Errorf("case %d: Consume: want ErrInvalidConsumeOpts, got %v", i, err)
		}
		if err := env.c.Supervise(context.Background(), opts); !errors.Is(err, ErrInvalidConsumeOpts) {
			t.Errorf("case %d: Supervise: want ErrInvalidConsumeOpts, got %v", i, err)
		}
	}
}

func TestSupervise_StopsWithContext(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := env.c.Supervise(ctx, ConsumeOpts{
		Queue:        testQueue,
		ConsumerID:   "w1",
		ClaimWait:    -1,
		PollInterval: 5 * time.Millisecond,
		Logger:       quietLogger(),
		Handler:      func(ctx context.Context, job JobCtx) (Outcome, error) { return nil, nil },
	})
	if err != nil {
		t.Fatalf("Supervise: %v", err)
	}
}

func TestConsumerState_String(t *testing.T) {
	want := map[consumerState]string{
		stateIdle:         "idle",
		stateClaimed:      "claimed",
		stateProcessing:   "processing",
		stateResolved:     "resolved",
		consumerState(99): "unknown",
	}
	for s, name := range want {
		if s.String() != name {
			t.Errorf("%d: want %s, got %s", s, name, s.String())
		}
	}
}
