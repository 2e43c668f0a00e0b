package orderq

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLike is the store handle every component is built on. Implementations
// must be safe for concurrent use.
type RedisLike interface {
	EvalSha(ctx context.Context, sha string, numkeys int, args ...any) (any, error)
	Eval(ctx context.Context, script string, numkeys int, args ...any) (any, error)
	ScriptLoad(ctx context.Context, script string) (string, error)

	RPopLPush(ctx context.Context, src, dst string) (*string, error)
	BRPopLPush(ctx context.Context, src, dst string, timeout time.Duration) (*string, error)

	Exists(ctx context.Context, key string) (int64, error)
	LLen(ctx context.Context, key string) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)
	ZRange(ctx context.Context, key string, start, end int64) ([]string, error)
	ZRangeWithScores(ctx context.Context, key string, start, end int64) ([]ScoredJob, error)
	ZScore(ctx context.Context, key, member string) (*float64, error)
	ZRem(ctx context.Context, key string, members ...string) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// ScoredJob is a sorted-set member with its score.
type ScoredJob struct {
	Job   string
	Score int64
}

type RedisConnOpts struct {
	RedisURL             string
	Host                 string
	Port                 int
	DB                   int
	Username             string
	Password             string
	SSL                  bool
	SocketTimeout        *time.Duration
	SocketConnectTimeout *time.Duration
}

func looksLikeClusterError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())

	return strings.Contains(msg, "cluster support disabled") ||
		strings.Contains(msg, "cluster mode is not enabled") ||
		(strings.Contains(msg, "unknown command") && strings.Contains(msg, "cluster")) ||
		strings.Contains(msg, "moved") ||
		strings.Contains(msg, "ask")
}

type redisWrap struct {
	rdb redis.UniversalClient
}

// WrapRedis adapts an existing go-redis client (single node or cluster).
func WrapRedis(rdb redis.UniversalClient) RedisLike {
	return &redisWrap{rdb: rdb}
}

func (w *redisWrap) Ping(ctx context.Context) error {
	return w.rdb.Ping(ctx).Err()
}

func (w *redisWrap) Close() error {
	return w.rdb.Close()
}

func (w *redisWrap) EvalSha(ctx context.Context, sha string, numkeys int, args ...any) (any, error) {
	keys, argv := splitKeysArgs(numkeys, args)
	res, err := w.rdb.EvalSha(ctx, sha, keys, argv...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

func (w *redisWrap) Eval(ctx context.Context, script string, numkeys int, args ...any) (any, error) {
	keys, argv := splitKeysArgs(numkeys, args)
	res, err := w.rdb.Eval(ctx, script, keys, argv...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

func (w *redisWrap) ScriptLoad(ctx context.Context, script string) (string, error) {
	return w.rdb.ScriptLoad(ctx, script).Result()
}

func (w *redisWrap) RPopLPush(ctx context.Context, src, dst string) (*string, error) {
	v, err := w.rdb.RPopLPush(ctx, src, dst).Result()
	if err == nil {
		return &v, nil
	}
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return nil, err
}

func (w *redisWrap) BRPopLPush(ctx context.Context, src, dst string, timeout time.Duration) (*string, error) {
	v, err := w.rdb.BRPopLPush(ctx, src, dst, timeout).Result()
	if err == nil {
		return &v, nil
	}
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return nil, err
}

func (w *redisWrap) Exists(ctx context.Context, key string) (int64, error) {
	return w.rdb.Exists(ctx, key).Result()
}

func (w *redisWrap) LLen(ctx context.Context, key string) (int64, error) {
	return w.rdb.LLen(ctx, key).Result()
}

func (w *redisWrap) ZCard(ctx context.Context, key string) (int64, error) {
	return w.rdb.ZCard(ctx, key).Result()
}

func (w *redisWrap) ZRange(ctx context.Context, key string, start, end int64) ([]string, error) {
	return w.rdb.ZRange(ctx, key, start, end).Result()
}

func (w *redisWrap) ZRangeWithScores(ctx context.Context, key string, start, end int64) ([]ScoredJob, error) {
	raw, err := w.rdb.ZRangeWithScores(ctx, key, start, end).Result()
	if err != nil {
		return nil, err
	}

	out := make([]ScoredJob, 0, len(raw))
	for _, z := range raw {
		out = append(out, ScoredJob{Job: AsStr(z.Member), Score: int64(z.Score)})
	}
	return out, nil
}

func (w *redisWrap) ZScore(ctx context.Context, key, member string) (*float64, error) {
	v, err := w.rdb.ZScore(ctx, key, member).Result()
	if err == nil {
		return &v, nil
	}
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return nil, err
}

func (w *redisWrap) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	args := make([]any, 0, len(members))
	for _, m := range members {
		args = append(args, m)
	}
	return w.rdb.ZRem(ctx, key, args...).Result()
}

// BuildRedisClient connects using a URL, or host/port trying cluster mode
// first and falling back to a single node.
func BuildRedisClient(ctx context.Context, opts RedisConnOpts) (RedisLike, error) {
	if opts.RedisURL != "" {
		ropts, err := redis.ParseURL(opts.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis_url: %w", err)
		}
		if opts.SSL && ropts.TLSConfig == nil {
			ropts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		if opts.SocketTimeout != nil {
			ropts.ReadTimeout = *opts.SocketTimeout
			ropts.WriteTimeout = *opts.SocketTimeout
		}
		if opts.SocketConnectTimeout != nil {
			ropts.DialTimeout = *opts.SocketConnectTimeout
		}

		c := redis.NewClient(ropts)
		if err := c.Ping(ctx).Err(); err != nil {
			_ = c.Close()
			return nil, err
		}
		return &redisWrap{rdb: c}, nil
	}

	if opts.Host == "" {
		return nil, fmt.Errorf("RedisConnOpts requires host (or redis_url)")
	}
	port := opts.Port
	if port == 0 {
		port = 6379
	}

	addr := fmt.Sprintf("%s:%d", opts.Host, port)
	var tlsCfg *tls.Config
	if opts.SSL {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	{
		c := redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        []string{addr},
			Username:     opts.Username,
			Password:     opts.Password,
			TLSConfig:    tlsCfg,
			ReadTimeout:  durOrZero(opts.SocketTimeout),
			WriteTimeout: durOrZero(opts.SocketTimeout),
			DialTimeout:  durOrZero(opts.SocketConnectTimeout),
		})

		err := c.Ping(ctx).Err()
		if err == nil {
			return &redisWrap{rdb: c}, nil
		}
		_ = c.Close()

		if !looksLikeClusterError(err) {
			return nil, err
		}
	}

	c := redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           opts.DB,
		Username:     opts.Username,
		Password:     opts.Password,
		TLSConfig:    tlsCfg,
		ReadTimeout:  durOrZero(opts.SocketTimeout),
		WriteTimeout: durOrZero(opts.SocketTimeout),
		DialTimeout:  durOrZero(opts.SocketConnectTimeout),
	})

	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return &redisWrap{rdb: c}, nil
}

func durOrZero(d *time.Duration) time.Duration {
	if d == nil {
		return 0
	}
	return *d
}
