package orderq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type OrderqOps struct {
	R       RedisLike
	Scripts OrderqScripts

	// ClaimFault runs between buffering a job and marking it invisible.
	// Tests use it to simulate a claim that fails halfway.
	ClaimFault func() error
}

func (o *OrderqOps) evalShaWithNoScriptFallback(ctx context.Context, def ScriptDef, numkeys int, keysAndArgs ...any) (any, error) {
	res, err := o.R.EvalSha(ctx, def.SHA, numkeys, keysAndArgs...)
	if err == nil {
		return res, nil
	}

	if strings.Contains(strings.ToUpper(err.Error()), "NOSCRIPT") {
		return o.R.Eval(ctx, def.Src, numkeys, keysAndArgs...)
	}

	return nil, err
}

func unexpected(op string, res any) error {
	return fmt.Errorf("%w: %s %v", ErrUnexpectedReply, op, res)
}

// okCount parses the {"OK", n} reply shared by most scripts.
func okCount(op string, res any) (int, error) {
	arr, ok := asAnySlice(res)
	if !ok || len(arr) < 2 || AsStr(arr[0]) != "OK" {
		return 0, unexpected(op, res)
	}
	n, err := toInt(arr[1])
	if err != nil {
		return 0, unexpected(op, res)
	}
	return n, nil
}

type PublishOpts struct {
	Queue string
	Job   string
	Group string
	// NowMsOverride fixes the arrival time; 0 means the wall clock.
	NowMsOverride int64
	// Clock takes precedence over NowMsOverride and may return 0.
	Clock func() int64
}

// Publish pushes a job on the producing end of the work list. With a group
// the job also takes its arrival slot in the grouped queue.
func (o *OrderqOps) Publish(ctx context.Context, opts PublishOpts) (int, error) {
	if strings.TrimSpace(opts.Queue) == "" {
		return 0, errors.New("publish: queue is required")
	}
	if opts.Job == "" {
		return 0, errors.New("publish: job is required")
	}

	k := KeysFor(opts.Queue)
	nms := clockFor(opts.Clock, opts.NowMsOverride)()

	var res any
	var err error
	if g := strings.TrimSpace(opts.Group); g != "" {
		res, err = o.evalShaWithNoScriptFallback(ctx, o.Scripts.Enqueue, 2, k.Work, k.Group(g), opts.Job, msArg(nms))
	} else {
		res, err = o.evalShaWithNoScriptFallback(ctx, o.Scripts.Enqueue, 1, k.Work, opts.Job, msArg(nms))
	}
	if err != nil {
		return 0, err
	}
	return okCount("ENQUEUE", res)
}

type DequeueOpts struct {
	InvisibilityTimeoutMs int64
	// ClaimWait bounds the blocking wait on an empty work list. Zero never blocks.
	// The store only honours whole seconds.
	ClaimWait     time.Duration
	SweepBatch int
	// NowMsOverride pins every timestamp of the call to one instant, including
	// the claim after a blocking wait; 0 means the wall clock.
	NowMsOverride int64
	// Clock takes precedence over NowMsOverride. It is read once for the
	// sweeps and again after the wait for the claim and its deadline.
	Clock func() int64
}

// Dequeue sweeps expired and retry-eligible jobs back into the work list,
// then claims one job for consumerID. A job left in the consumer's locking
// buffer by an interrupted claim is claimed before any new work.
func (o *OrderqOps) Dequeue(ctx context.Context, queue, consumerID string, opts DequeueOpts) (DequeueResult, error) {
	if strings.TrimSpace(consumerID) == "" {
		return nil, errors.New("dequeue: consumer id is required")
	}
	if opts.InvisibilityTimeoutMs <= 0 {
		opts.InvisibilityTimeoutMs = DefaultInvisibilityTimeoutMs
	}

	k := KeysFor(queue)
	clock := clockFor(opts.Clock, opts.NowMsOverride)
	nms := clock()

	if _, err := o.reapExpiredAt(ctx, queue, opts.SweepBatch, nms); err != nil {
		return nil, err
	}
	if _, err := o.promoteRetriesAt(ctx, queue, opts.SweepBatch, nms); err != nil {
		return nil, err
	}

	paused, err := o.IsPaused(ctx, queue)
	if err != nil {
		return nil, err
	}
	if paused {
		return DequeuePaused{}, nil
	}

	lock := k.Lock(consumerID)
	buffered, err := o.bufferOne(ctx, k.Work, lock, opts.ClaimWait)
	if err != nil {
		return nil, err
	}
	if !buffered {
		return nil, nil
	}

	if o.ClaimFault != nil {
		if err := o.ClaimFault(); err != nil {
			return nil, fmt.Errorf("claim: %w", err)
		}
	}

	// the wait above may have blocked
	nms = clock()
	res, err := o.evalShaWithNoScriptFallback(ctx, o.Scripts.Claim, 2,
		lock, k.Invisible, msArg(nms), msArg(nms+opts.InvisibilityTimeoutMs))
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}

	arr, ok := asAnySlice(res)
	if !ok || len(arr) < 1 {
		return nil, unexpected("CLAIM", res)
	}

	switch AsStr(arr[0]) {
	case "EMPTY":
		return nil, nil
	case "JOB":
		if len(arr) < 4 {
			return nil, unexpected("CLAIM", res)
		}
		claimedAt, err := toInt64(arr[2])
		if err != nil {
			return nil, unexpected("CLAIM", res)
		}
		until, err := toInt64(arr[3])
		if err != nil {
			return nil, unexpected("CLAIM", res)
		}
		return Claim{
			Job:              AsStr(arr[1]),
			ClaimedAtMs:      claimedAt,
			InvisibleUntilMs: until,
		}, nil
	default:
		return nil, unexpected("CLAIM", res)
	}
}

// bufferOne makes sure the locking buffer holds a job, reporting false when
// the work list stayed empty.
func (o *OrderqOps) bufferOne(ctx context.Context, work, lock string, wait time.Duration) (bool, error) {
	n, err := o.R.LLen(ctx, lock)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	v, err := o.R.RPopLPush(ctx, work, lock)
	if err != nil {
		return false, err
	}
	if v != nil {
		return true, nil
	}
	if wait <= 0 {
		return false, nil
	}

	v, err = o.R.BRPopLPush(ctx, work, lock, wait)
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

// Acknowledge drops the job from the invisible set. Acknowledging a job that
// is not there is a no-op.
func (o *OrderqOps) Acknowledge(ctx context.Context, queue, job string) (bool, error) {
	n, err := o.R.ZRem(ctx, KeysFor(queue).Invisible, job)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Requeue makes an in-flight job visible again at once.
func (o *OrderqOps) Requeue(ctx context.Context, queue, job string, priority Priority) error {
	k := KeysFor(queue)
	mode := "low"
	if priority == PriorityHigh {
		mode = "high"
	}

	res, err := o.evalShaWithNoScriptFallback(ctx, o.Scripts.Requeue, 2, k.Invisible, k.Work, job, mode)
	if err != nil {
		return err
	}
	_, err = okCount("REQUEUE", res)
	return err
}

// ReapExpired returns jobs whose invisibility elapsed to the producing end of
// the work list.
func (o *OrderqOps) ReapExpired(ctx context.Context, queue string, maxReap int, nowMsOverride int64) (int, error) {
	return o.reapExpiredAt(ctx, queue, maxReap, nowOr(nowMsOverride))
}

func (o *OrderqOps) reapExpiredAt(ctx context.Context, queue string, maxReap int, nowMs int64) (int, error) {
	if maxReap <= 0 {
		maxReap = DefaultSweepBatch
	}
	k := KeysFor(queue)

	res, err := o.evalShaWithNoScriptFallback(ctx, o.Scripts.ReapExpired, 2,
		k.Invisible, k.Work, msArg(nowMs), strconv.Itoa(maxReap))
	if err != nil {
		return 0, fmt.Errorf("reap expired: %w", err)
	}
	return okCount("REAP_EXPIRED", res)
}

// PromoteRetries moves retry-eligible jobs to the consuming end of the work list.
func (o *OrderqOps) PromoteRetries(ctx context.Context, queue string, maxPromote int, nowMsOverride int64) (int, error) {
	return o.promoteRetriesAt(ctx, queue, maxPromote, nowOr(nowMsOverride))
}

func (o *OrderqOps) promoteRetriesAt(ctx context.Context, queue string, maxPromote int, nowMs int64) (int, error) {
	if maxPromote <= 0 {
		maxPromote = DefaultSweepBatch
	}
	k := KeysFor(queue)

	res, err := o.evalShaWithNoScriptFallback(ctx, o.Scripts.PromoteRetries, 2,
		k.Retry, k.Work, msArg(nowMs), strconv.Itoa(maxPromote))
	if err != nil {
		return 0, fmt.Errorf("promote retries: %w", err)
	}
	return okCount("PROMOTE_RETRIES", res)
}

// Extend pushes out the invisibility deadline of a job still in flight.
func (o *OrderqOps) Extend(ctx context.Context, queue, job string, untilMs int64) (int64, error) {
	res, err := o.evalShaWithNoScriptFallback(ctx, o.Scripts.Extend, 1, KeysFor(queue).Invisible, job, msArg(untilMs))
	if err != nil {
		return 0, err
	}

	arr, ok := asAnySlice(res)
	if !ok || len(arr) < 2 {
		return 0, unexpected("EXTEND", res)
	}

	switch AsStr(arr[0]) {
	case "OK":
		v, err := toInt64(arr[1])
		if err != nil {
			return 0, unexpected("EXTEND", res)
		}
		return v, nil
	case "ERR":
		if AsStr(arr[1]) == "NOT_INVISIBLE" {
			return 0, ErrNotInvisible
		}
		return 0, fmt.Errorf("EXTEND failed: %s", AsStr(arr[1]))
	default:
		return 0, unexpected("EXTEND", res)
	}
}

func (o *OrderqOps) Pause(ctx context.Context, queue string) (string, error) {
	res, err := o.evalShaWithNoScriptFallback(ctx, o.Scripts.Pause, 1, KeysFor(queue).Paused)
	if err != nil {
		return "", err
	}
	return AsStr(res), nil
}

func (o *OrderqOps) Resume(ctx context.Context, queue string) (int, error) {
	res, err := o.evalShaWithNoScriptFallback(ctx, o.Scripts.Resume, 1, KeysFor(queue).Paused)
	if err != nil {
		return 0, err
	}
	n, _ := toInt(res)
	return n, nil
}

func (o *OrderqOps) IsPaused(ctx context.Context, queue string) (bool, error) {
	n, err := o.R.Exists(ctx, KeysFor(queue).Paused)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
