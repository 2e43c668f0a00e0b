package orderq

import internal "github.com/not-empty/orderq-go/src/orderq"

type Client = internal.Client
type ClientOpts = internal.ClientOpts
type ConsumeOpts = internal.ConsumeOpts
type Handler = internal.Handler
type JobCtx = internal.JobCtx
type PublishOpts = internal.PublishOpts
type DequeueOpts = internal.DequeueOpts
type DequeueResult = internal.DequeueResult
type DequeuePaused = internal.DequeuePaused
type Claim = internal.Claim
type CompleteOpts = internal.CompleteOpts
type IncompleteOpts = internal.IncompleteOpts
type Priority = internal.Priority
type Outcome = internal.Outcome
type Acked = internal.Acked
type Completed = internal.Completed
type Incomplete = internal.Incomplete
type QueueDepths = internal.QueueDepths
type ScoredJob = internal.ScoredJob
type Metrics = internal.Metrics

const (
	PriorityLow  = internal.PriorityLow
	PriorityHigh = internal.PriorityHigh
)

var (
	ErrNotInvisible       = internal.ErrNotInvisible
	ErrInvalidConsumeOpts = internal.ErrInvalidConsumeOpts
)

var NewClient = internal.NewClient
var NewMetrics = internal.NewMetrics
