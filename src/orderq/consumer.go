package orderq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
)

var ErrInvalidConsumeOpts = errors.New("invalid consume options")

// Handler checks one claimed job. Returning an error counts as a failed
// attempt; the job is retried in-process up to ConsumeOpts.RetryLimit times.
type Handler func(ctx context.Context, job JobCtx) (Outcome, error)

type ConsumeOpts struct {
	Queue      string
	ConsumerID string
	Handler    Handler

	// RetryLimit is the number of extra in-process attempts. Nil means 3.
	RetryLimit            *int
	InvisibilityTimeoutMs int64
	RetryEvictMs          int64
	// ClaimWait bounds the blocking wait on an empty work list. Zero means
	// 15s, negative never blocks and polls every PollInterval instead.
	ClaimWait         time.Duration
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	SweepBatch        int
	RestartBackoff    time.Duration

	Logger  *slog.Logger
	Metrics *Metrics
	// Clock overrides the millisecond clock passed to the store scripts.
	Clock func() int64
}

func applyConsumeDefaults(opts *ConsumeOpts) {
	if opts.RetryLimit == nil {
		n := DefaultRetryLimit
		opts.RetryLimit = &n
	}
	if opts.InvisibilityTimeoutMs <= 0 {
		opts.InvisibilityTimeoutMs = DefaultInvisibilityTimeoutMs
	}
	if opts.RetryEvictMs <= 0 {
		opts.RetryEvictMs = DefaultRetryEvictMs
	}
	if opts.ClaimWait == 0 {
		opts.ClaimWait = 15 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 50 * time.Millisecond
	}
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = DefaultSweepBatch
	}
	if opts.RestartBackoff <= 0 {
		opts.RestartBackoff = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = NowMs
	}
}

func validateConsumeOpts(opts ConsumeOpts) error {
	switch {
	case strings.TrimSpace(opts.Queue) == "":
		return fmt.Errorf("%w: queue is required", ErrInvalidConsumeOpts)
	case strings.TrimSpace(opts.ConsumerID) == "":
		return fmt.Errorf("%w: consumer id is required", ErrInvalidConsumeOpts)
	case opts.Handler == nil:
		return fmt.Errorf("%w: handler is required", ErrInvalidConsumeOpts)
	case opts.RetryLimit != nil && *opts.RetryLimit < 0:
		return fmt.Errorf("%w: retry limit must be >= 0", ErrInvalidConsumeOpts)
	}
	return nil
}

type consumerState int

const (
	stateIdle consumerState = iota
	stateClaimed
	stateProcessing
	stateResolved
)

func (s consumerState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateClaimed:
		return "claimed"
	case stateProcessing:
		return "processing"
	case stateResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

type consumer struct {
	ops  *OrderqOps
	opts ConsumeOpts
	log  *slog.Logger
}

func newConsumer(ops *OrderqOps, opts ConsumeOpts) (*consumer, error) {
	if err := validateConsumeOpts(opts); err != nil {
		return nil, err
	}
	applyConsumeDefaults(&opts)

	return &consumer{
		ops:  ops,
		opts: opts,
		log:  opts.Logger.With("queue", opts.Queue, "consumer", opts.ConsumerID),
	}, nil
}

func consumeLoop(ctx context.Context, ops *OrderqOps, opts ConsumeOpts) error {
	c, err := newConsumer(ops, opts)
	if err != nil {
		return err
	}

	c.log.Info("consumer started",
		"retry_limit", *c.opts.RetryLimit,
		"invisibility_timeout_ms", c.opts.InvisibilityTimeoutMs,
		"retry_evict_ms", c.opts.RetryEvictMs,
	)

	for {
		if ctx.Err() != nil {
			c.log.Info("consumer stopped")
			return nil
		}
		c.step(ctx)
	}
}

// step runs one pass of Idle -> Claimed -> Processing -> Resolved.
func (c *consumer) step(ctx context.Context) {
	state := stateIdle
	var claim Claim
	var resolved bool

	for {
		switch state {
		case stateIdle:
			cl, ok := c.claim(ctx)
			if !ok {
				return
			}
			claim = cl
			state = stateClaimed

		case stateClaimed:
			c.opts.Metrics.Claimed(c.opts.Queue)
			c.log.Debug("job claimed", "claimed_at_ms", claim.ClaimedAtMs, "invisible_until_ms", claim.InvisibleUntilMs)
			state = stateProcessing

		case stateProcessing:
			resolved = c.process(ctx, claim)
			state = stateResolved

		case stateResolved:
			if !resolved {
				c.opts.Metrics.Exhausted(c.opts.Queue)
				c.log.Warn("attempts exhausted; job left to the visibility timeout",
					"invisible_until_ms", claim.InvisibleUntilMs)
			}
			return
		}
	}
}

func (c *consumer) claim(ctx context.Context) (Claim, bool) {
	res, err := c.ops.Dequeue(ctx, c.opts.Queue, c.opts.ConsumerID, DequeueOpts{
		InvisibilityTimeoutMs: c.opts.InvisibilityTimeoutMs,
		ClaimWait:             max(c.opts.ClaimWait, 0),
		SweepBatch:            c.opts.SweepBatch,
		Clock:                 c.opts.Clock,
	})
	if err != nil {
		if ctx.Err() != nil {
			return Claim{}, false
		}
		c.log.Error("dequeue failed; buffered job will be retried", "err", err)
		sleepCtx(ctx, 200*time.Millisecond)
		return Claim{}, false
	}

	switch v := res.(type) {
	case Claim:
		return v, true
	case DequeuePaused:
		sleepCtx(ctx, pausedBackoff(c.opts.PollInterval))
	default:
		if c.opts.ClaimWait < 0 {
			sleepCtx(ctx, c.opts.PollInterval)
		}
	}
	return Claim{}, false
}

// process runs the handler up to 1+RetryLimit times with no backoff and
// reports whether one attempt resolved the job.
func (c *consumer) process(ctx context.Context, claim Claim) bool {
	hb := c.startHeartbeater(ctx, claim.Job)
	defer hb.stop()

	attempts := 1 + *c.opts.RetryLimit
	for attempt := 1; attempt <= attempts; attempt++ {
		jc := JobCtx{
			Queue:            c.opts.Queue,
			ConsumerID:       c.opts.ConsumerID,
			Job:              claim.Job,
			ClaimedAtMs:      claim.ClaimedAtMs,
			InvisibleUntilMs: claim.InvisibleUntilMs,
			Attempt:          attempt,
		}

		err := c.attempt(ctx, jc)
		if err == nil {
			return true
		}

		c.opts.Metrics.ProcessorError(c.opts.Queue)
		c.log.Warn("processing attempt failed", "attempt", attempt, "attempts", attempts, "err", err)

		if ctx.Err() != nil {
			return false
		}
	}
	return false
}

func (c *consumer) attempt(ctx context.Context, jc JobCtx) error {
	outcome, err := c.runHandler(ctx, jc)
	if err != nil {
		return err
	}
	return c.resolve(ctx, jc, outcome)
}

func (c *consumer) runHandler(ctx context.Context, jc JobCtx) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			switch t := r.(type) {
			case error:
				err = fmt.Errorf("handler panic: %w", t)
			default:
				err = fmt.Errorf("handler panic: %v", r)
			}
		}
	}()
	return c.opts.Handler(ctx, jc)
}

func (c *consumer) resolve(ctx context.Context, jc JobCtx, outcome Outcome) error {
	switch v := outcome.(type) {
	case nil, Acked:
		if _, err := c.ops.Acknowledge(ctx, jc.Queue, jc.Job); err != nil {
			return fmt.Errorf("acknowledge: %w", err)
		}
		c.opts.Metrics.Acked(jc.Queue)
		return nil

	case Completed:
		held, err := c.ops.RecordComplete(ctx, CompleteOpts{
			Queue:         jc.Queue,
			Group:         v.Group,
			Job:           jc.Job,
			Payload:       v.Payload,
			CompletedAtMs: v.CompletedAtMs,
			ClaimedAtMs:   jc.ClaimedAtMs,
		})
		if err != nil {
			return fmt.Errorf("record complete: %w", err)
		}
		if !held {
			c.log.Debug("completed job was no longer invisible", "group", v.Group)
		}
		c.opts.Metrics.Completed(jc.Queue)
		c.log.Debug("job complete", "group", v.Group, "completed_at_ms", v.CompletedAtMs)
		c.promote(ctx, v.Group)
		return nil

	case Incomplete:
		if _, err := c.ops.RecordIncomplete(ctx, IncompleteOpts{
			Queue:        jc.Queue,
			Group:        v.Group,
			Job:          jc.Job,
			ClaimedAtMs:  jc.ClaimedAtMs,
			RetryEvictMs: c.opts.RetryEvictMs,
			Clock:        c.opts.Clock,
		}); err != nil {
			return fmt.Errorf("record incomplete: %w", err)
		}
		c.opts.Metrics.Incomplete(jc.Queue)
		c.log.Debug("job incomplete", "group", v.Group)
		c.promote(ctx, v.Group)
		return nil

	default:
		return fmt.Errorf("unknown outcome %T", outcome)
	}
}

// promote failures are only logged; the next transition in the group retries.
func (c *consumer) promote(ctx context.Context, group string) {
	n, err := c.ops.Promote(ctx, c.opts.Queue, group)
	if err != nil {
		c.log.Error("promote failed", "group", group, "err", err)
		return
	}
	if n > 0 {
		c.opts.Metrics.Promoted(c.opts.Queue, n)
		c.log.Info("jobs ready downstream", "group", group, "promoted", n)
	}
}

type heartbeatHandle struct {
	stopCh chan struct{}
	doneCh chan struct{}
}

func (h *heartbeatHandle) stop() {
	if h == nil {
		return
	}
	close(h.stopCh)
	select {
	case <-h.doneCh:
	case <-time.After(100 * time.Millisecond):
	}
}

// startHeartbeater keeps the job invisible while the handler runs. It is a
// no-op unless HeartbeatInterval is set.
func (c *consumer) startHeartbeater(ctx context.Context, job string) *heartbeatHandle {
	if c.opts.HeartbeatInterval <= 0 {
		return nil
	}

	h := &heartbeatHandle{
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	go func() {
		defer close(h.doneCh)

		t := time.NewTicker(c.opts.HeartbeatInterval)
		defer t.Stop()

		for {
			select {
			case <-h.stopCh:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				until := c.opts.Clock() + c.opts.InvisibilityTimeoutMs
				if _, err := c.ops.Extend(ctx, c.opts.Queue, job, until); err != nil {
					if errors.Is(err, ErrNotInvisible) {
						c.log.Warn("lost claim while processing")
						return
					}
					c.log.Error("heartbeat failed", "err", err)
				}
			}
		}
	}()

	return h
}

// superviseLoop restarts the consume loop after a panic until ctx ends.
func superviseLoop(ctx context.Context, ops *OrderqOps, opts ConsumeOpts) error {
	if err := validateConsumeOpts(opts); err != nil {
		return err
	}
	applyConsumeDefaults(&opts)

	for {
		err := runRecovered(ctx, ops, opts)
		if ctx.Err() != nil {
			return nil
		}
		opts.Logger.Error("consumer terminated; restarting",
			"queue", opts.Queue, "consumer", opts.ConsumerID, "err", err, "backoff", opts.RestartBackoff)
		sleepCtx(ctx, opts.RestartBackoff)
	}
}

func runRecovered(ctx context.Context, ops *OrderqOps, opts ConsumeOpts) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("consumer panic: %v", r)
		}
	}()
	err = consumeLoop(ctx, ops, opts)
	if err == nil && ctx.Err() == nil {
		err = errors.New("consumer returned")
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func pausedBackoff(poll time.Duration) time.Duration {
	return time.Duration(math.Max(float64(250*time.Millisecond), float64(poll*10)))
}
