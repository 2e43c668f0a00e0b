package orderq

import (
	"context"
	"errors"
	"strings"
)

type CompleteOpts struct {
	Queue string
	Group string
	// Job is the exact string that was claimed.
	Job string
	// Payload replaces Job in the grouped queue and enters the terminated set.
	Payload string
	// CompletedAtMs of 0 means now.
	CompletedAtMs int64
	// ClaimedAtMs is copied from the Claim and taken literally; 0 is epoch 0.
	ClaimedAtMs int64
}

// RecordComplete swaps the claimed job for its completed payload inside the
// group, marks the payload terminated at its true completion time and clears
// the claim, all in one step. The bool reports whether the claim was still held.
func (o *OrderqOps) RecordComplete(ctx context.Context, opts CompleteOpts) (bool, error) {
	if strings.TrimSpace(opts.Group) == "" {
		return false, errors.New("record complete: group is required")
	}
	if opts.Payload == "" {
		opts.Payload = opts.Job
	}
	if opts.CompletedAtMs <= 0 {
		opts.CompletedAtMs = NowMs()
	}

	k := KeysFor(opts.Queue)
	res, err := o.evalShaWithNoScriptFallback(ctx, o.Scripts.Complete, 3,
		k.Group(opts.Group), k.Terminated, k.Invisible,
		opts.Job, opts.Payload, msArg(opts.CompletedAtMs), msArg(opts.ClaimedAtMs))
	if err != nil {
		return false, err
	}

	n, err := okCount("COMPLETE", res)
	return n > 0, err
}

type IncompleteOpts struct {
	Queue string
	Group string
	Job   string
	// ClaimedAtMs is copied from the Claim and taken literally; 0 is epoch 0.
	ClaimedAtMs int64
	// RetryEvictMs is how long the job stays out of the work list.
	RetryEvictMs int64
	// NowMsOverride of 0 means the wall clock. Clock takes precedence.
	NowMsOverride int64
	Clock         func() int64
}

// RecordIncomplete moves the job behind its more recently checked siblings
// and parks it in the priority retry set. It never touches the work list;
// the retry sweep makes the job visible again.
func (o *OrderqOps) RecordIncomplete(ctx context.Context, opts IncompleteOpts) (bool, error) {
	if strings.TrimSpace(opts.Group) == "" {
		return false, errors.New("record incomplete: group is required")
	}
	if opts.RetryEvictMs <= 0 {
		opts.RetryEvictMs = DefaultRetryEvictMs
	}

	nms := clockFor(opts.Clock, opts.NowMsOverride)()

	k := KeysFor(opts.Queue)
	res, err := o.evalShaWithNoScriptFallback(ctx, o.Scripts.Incomplete, 3,
		k.Group(opts.Group), k.Retry, k.Invisible,
		opts.Job, msArg(opts.ClaimedAtMs), msArg(nms+opts.RetryEvictMs))
	if err != nil {
		return false, err
	}

	n, err := okCount("INCOMPLETE", res)
	return n > 0, err
}

// Promote releases the group's terminated head jobs into the output set in
// grouped-queue order and returns how many moved. It stops at the first head
// that has not terminated.
func (o *OrderqOps) Promote(ctx context.Context, queue, group string) (int, error) {
	if strings.TrimSpace(group) == "" {
		return 0, errors.New("promote: group is required")
	}

	k := KeysFor(queue)
	res, err := o.evalShaWithNoScriptFallback(ctx, o.Scripts.Promote, 3,
		k.Group(group), k.Terminated, k.Output)
	if err != nil {
		return 0, err
	}
	return okCount("PROMOTE", res)
}

// GroupJobs lists a grouped queue head first.
func (o *OrderqOps) GroupJobs(ctx context.Context, queue, group string) ([]ScoredJob, error) {
	return o.R.ZRangeWithScores(ctx, KeysFor(queue).Group(group), 0, -1)
}

// Output lists promoted jobs in completion order.
func (o *OrderqOps) Output(ctx context.Context, queue string, start, stop int64) ([]ScoredJob, error) {
	return o.R.ZRangeWithScores(ctx, KeysFor(queue).Output, start, stop)
}
