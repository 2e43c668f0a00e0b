package orderq

import (
	"context"
	"time"
)

type Client struct {
	ops OrderqOps
}

type ClientOpts struct {
	Redis         RedisLike
	RedisURL      string
	Host          string
	Port          int
	DB            int
	Username      string
	Password      string
	SSL           bool
	SocketTimeout *time.Duration
	ScriptsDir    string
}

// NewClient opens (or adopts) the store handle and loads the scripts.
func NewClient(ctx context.Context, opts ClientOpts) (*Client, error) {
	r := opts.Redis
	if r == nil {
		port := opts.Port
		if port == 0 {
			port = 6379
		}

		var err error
		r, err = BuildRedisClient(ctx, RedisConnOpts{
			RedisURL:      opts.RedisURL,
			Host:          opts.Host,
			Port:          port,
			DB:            opts.DB,
			Username:      opts.Username,
			Password:      opts.Password,
			SSL:           opts.SSL,
			SocketTimeout: opts.SocketTimeout,
		})
		if err != nil {
			return nil, err
		}
	}

	scripts, err := LoadScripts(ctx, r, opts.ScriptsDir)
	if err != nil {
		return nil, err
	}

	return &Client{
		ops: OrderqOps{R: r, Scripts: scripts},
	}, nil
}

func (c *Client) Close() error {
	return c.ops.R.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.ops.R.Ping(ctx)
}

func (c *Client) Publish(ctx context.Context, opts PublishOpts) (int, error) {
	return c.ops.Publish(ctx, opts)
}

func (c *Client) Dequeue(ctx context.Context, queue, consumerID string, opts DequeueOpts) (DequeueResult, error) {
	return c.ops.Dequeue(ctx, queue, consumerID, opts)
}

func (c *Client) Acknowledge(ctx context.Context, queue, job string) (bool, error) {
	return c.ops.Acknowledge(ctx, queue, job)
}

func (c *Client) Requeue(ctx context.Context, queue, job string, priority Priority) error {
	return c.ops.Requeue(ctx, queue, job, priority)
}

func (c *Client) Extend(ctx context.Context, queue, job string, untilMs int64) (int64, error) {
	return c.ops.Extend(ctx, queue, job, untilMs)
}

func (c *Client) ReapExpired(ctx context.Context, queue string, maxReap int, nowMsOverride int64) (int, error) {
	return c.ops.ReapExpired(ctx, queue, maxReap, nowMsOverride)
}

func (c *Client) PromoteRetries(ctx context.Context, queue string, maxPromote int, nowMsOverride int64) (int, error) {
	return c.ops.PromoteRetries(ctx, queue, maxPromote, nowMsOverride)
}

func (c *Client) RecordComplete(ctx context.Context, opts CompleteOpts) (bool, error) {
	return c.ops.RecordComplete(ctx, opts)
}

func (c *Client) RecordIncomplete(ctx context.Context, opts IncompleteOpts) (bool, error) {
	return c.ops.RecordIncomplete(ctx, opts)
}

func (c *Client) Promote(ctx context.Context, queue, group string) (int, error) {
	return c.ops.Promote(ctx, queue, group)
}

func (c *Client) Output(ctx context.Context, queue string, start, stop int64) ([]ScoredJob, error) {
	return c.ops.Output(ctx, queue, start, stop)
}

func (c *Client) Depths(ctx context.Context, keys ...string) ([]int64, error) {
	return c.ops.Depths(ctx, keys...)
}

func (c *Client) SampleDepths(ctx context.Context, queue string, consumerIDs ...string) (QueueDepths, error) {
	return c.ops.SampleDepths(ctx, queue, consumerIDs...)
}

func (c *Client) Pause(ctx context.Context, queue string) (string, error) {
	return c.ops.Pause(ctx, queue)
}

func (c *Client) Resume(ctx context.Context, queue string) (int, error) {
	return c.ops.Resume(ctx, queue)
}

func (c *Client) IsPaused(ctx context.Context, queue string) (bool, error) {
	return c.ops.IsPaused(ctx, queue)
}

// Consume runs the claim/process loop until ctx is cancelled.
func (c *Client) Consume(ctx context.Context, opts ConsumeOpts) error {
	return consumeLoop(ctx, &c.ops, opts)
}

// Supervise is Consume restarted after any unexpected termination.
func (c *Client) Supervise(ctx context.Context, opts ConsumeOpts) error {
	return superviseLoop(ctx, &c.ops, opts)
}

func (c *Client) Ops() *OrderqOps {
	return &c.ops
}
