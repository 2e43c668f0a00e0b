// Package config loads orderq settings from a YAML file overlaid with
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Redis   RedisConfig   `yaml:"redis"`
	Queue   QueueConfig   `yaml:"queue"`
	Worker  WorkerConfig  `yaml:"worker"`
	Monitor MonitorConfig `yaml:"monitor"`
	Log     LogConfig     `yaml:"log"`
}

type RedisConfig struct {
	URL       string `yaml:"url"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	DB        int    `yaml:"db"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	SSL       bool   `yaml:"ssl"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

type QueueConfig struct {
	Name                  string `yaml:"name"`
	InvisibilityTimeoutMs int64  `yaml:"invisibility_timeout_ms"`
	RetryLimit            int    `yaml:"retry_limit"`
	RetryEvictMs          int64  `yaml:"priority_retry_evict_ms"`
	ClaimWaitMs           int64  `yaml:"claim_wait_ms"`
	SweepBatch            int    `yaml:"sweep_batch"`
}

type WorkerConfig struct {
	// ID prefixes the consumer ids; each loop gets "<id>-<n>". It must be
	// stable across restarts so buffered claims are recovered.
	ID                  string `yaml:"id"`
	Concurrency         int    `yaml:"concurrency"`
	HeartbeatIntervalMs int64  `yaml:"heartbeat_interval_ms"`
}

type MonitorConfig struct {
	Enabled          bool   `yaml:"enabled"`
	SampleIntervalMs int64  `yaml:"sample_interval_ms"`
	Addr             string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() *Config {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}

	return &Config{
		Redis: RedisConfig{
			Host:      "127.0.0.1",
			Port:      6379,
			TimeoutMs: 0,
		},
		Queue: QueueConfig{
			Name:                  "orders",
			InvisibilityTimeoutMs: 1_000,
			RetryLimit:            3,
			RetryEvictMs:          5_000,
			ClaimWaitMs:           15_000,
			SweepBatch:            1_000,
		},
		Worker: WorkerConfig{
			ID:          host,
			Concurrency: 1,
		},
		Monitor: MonitorConfig{
			Enabled:          true,
			SampleIntervalMs: 5_000,
			Addr:             ":9464",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the YAML file at path over Default() and applies environment
// overrides. A missing file is not an error.
//
//	ORDERQ_REDIS_URL               redis.url
//	ORDERQ_QUEUE                   queue.name
//	ORDERQ_INVISIBILITY_TIMEOUT_MS queue.invisibility_timeout_ms
//	ORDERQ_RETRY_LIMIT             queue.retry_limit
//	PRIORITY_RETRY_QUEUE_EVICT_MS  queue.priority_retry_evict_ms
//	INVISIBILITY_CHECK_FREQ_MS     monitor.sample_interval_ms
//	ORDERQ_WORKER_ID               worker.id
//	ORDERQ_WORKERS                 worker.concurrency
//	ORDERQ_LOG_LEVEL               log.level
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ORDERQ_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("ORDERQ_QUEUE"); v != "" {
		cfg.Queue.Name = v
	}
	if v := os.Getenv("ORDERQ_WORKER_ID"); v != "" {
		cfg.Worker.ID = v
	}
	if v := os.Getenv("ORDERQ_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	cfg.Queue.InvisibilityTimeoutMs = getEnvInt64("ORDERQ_INVISIBILITY_TIMEOUT_MS", cfg.Queue.InvisibilityTimeoutMs)
	cfg.Queue.RetryLimit = int(getEnvInt64("ORDERQ_RETRY_LIMIT", int64(cfg.Queue.RetryLimit)))
	cfg.Queue.RetryEvictMs = getEnvInt64("PRIORITY_RETRY_QUEUE_EVICT_MS", cfg.Queue.RetryEvictMs)
	cfg.Monitor.SampleIntervalMs = getEnvInt64("INVISIBILITY_CHECK_FREQ_MS", cfg.Monitor.SampleIntervalMs)
	cfg.Worker.Concurrency = int(getEnvInt64("ORDERQ_WORKERS", int64(cfg.Worker.Concurrency)))
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64); err == nil {
			return n
		}
	}
	return defaultVal
}

// Validate returns the first inconsistent setting.
func (c *Config) Validate() error {
	if c.Redis.URL == "" && c.Redis.Host == "" {
		return errors.New("redis.url or redis.host is required")
	}
	if c.Redis.Port < 0 || c.Redis.Port > 65535 {
		return errors.New("redis.port must be between 0 and 65535")
	}
	if strings.TrimSpace(c.Queue.Name) == "" {
		return errors.New("queue.name must not be empty")
	}
	if c.Queue.InvisibilityTimeoutMs < 1 {
		return errors.New("queue.invisibility_timeout_ms must be at least 1")
	}
	if c.Queue.RetryLimit < 0 {
		return errors.New("queue.retry_limit must be >= 0")
	}
	if c.Queue.RetryEvictMs < 1 {
		return errors.New("queue.priority_retry_evict_ms must be at least 1")
	}
	if c.Queue.ClaimWaitMs < 0 {
		return errors.New("queue.claim_wait_ms must be >= 0")
	}
	if strings.TrimSpace(c.Worker.ID) == "" {
		return errors.New("worker.id must not be empty")
	}
	if c.Worker.Concurrency < 1 {
		return errors.New("worker.concurrency must be at least 1")
	}
	if c.Monitor.SampleIntervalMs < 1 {
		return errors.New("monitor.sample_interval_ms must be at least 1")
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return errors.New(`log.format must be "json" or "text"`)
	}
	return nil
}

// ConsumerIDs lists the stable ids of the configured consumer loops.
func (c *Config) ConsumerIDs() []string {
	ids := make([]string, 0, c.Worker.Concurrency)
	for i := 0; i < c.Worker.Concurrency; i++ {
		ids = append(ids, fmt.Sprintf("%s-%d", c.Worker.ID, i))
	}
	return ids
}

func (c *Config) ClaimWait() time.Duration {
	if c.Queue.ClaimWaitMs == 0 {
		return -1
	}
	return time.Duration(c.Queue.ClaimWaitMs) * time.Millisecond
}

func (c *Config) SampleInterval() time.Duration {
	return time.Duration(c.Monitor.SampleIntervalMs) * time.Millisecond
}

func (c *Config) RedisTimeout() *time.Duration {
	if c.Redis.TimeoutMs <= 0 {
		return nil
	}
	d := time.Duration(c.Redis.TimeoutMs) * time.Millisecond
	return &d
}
