package orderq

import "errors"

var (
	ErrNotInvisible    = errors.New("job is not in the invisible set")
	ErrUnexpectedReply = errors.New("unexpected script reply")
)

const (
	DefaultInvisibilityTimeoutMs int64 = 1_000
	DefaultRetryEvictMs          int64 = 5_000
	DefaultRetryLimit                  = 3
	DefaultSweepBatch                  = 1000
)

// JobCtx is what a handler sees for one claimed job.
type JobCtx struct {
	Queue            string
	ConsumerID       string
	Job              string
	ClaimedAtMs      int64
	InvisibleUntilMs int64
	Attempt          int
}

type DequeueStatus interface {
	isDequeueStatus()
}

type DequeuePaused struct{}

func (DequeuePaused) isDequeueStatus() {}

// Claim is a job moved from the work list into the invisible set.
type Claim struct {
	Job              string
	ClaimedAtMs      int64
	InvisibleUntilMs int64
}

func (Claim) isDequeueStatus() {}

// DequeueResult is nil when nothing was available.
type DequeueResult = DequeueStatus

type Priority int

const (
	PriorityLow Priority = iota
	PriorityHigh
)

// Outcome is how a handler resolved a job.
type Outcome interface {
	isOutcome()
}

// Acked resolves a job that belongs to no group.
type Acked struct{}

func (Acked) isOutcome() {}

// Completed replaces the job in its group with Payload and marks it
// terminated at CompletedAtMs.
type Completed struct {
	Group         string
	Payload       string
	CompletedAtMs int64
}

func (Completed) isOutcome() {}

// Incomplete cycles the job through the priority retry set.
type Incomplete struct {
	Group string
}

func (Incomplete) isOutcome() {}
