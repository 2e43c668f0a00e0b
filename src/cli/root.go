// Package cli contains the cobra commands of the orderq binary.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/not-empty/orderq-go/src/config"
	"github.com/not-empty/orderq-go/src/orderq"
)

// NewRootCommand constructs `orderq` and its subcommands.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "orderq",
		Short: "Ordered job processing on Redis",
		Long: `orderq runs consumers that claim jobs with a visibility timeout,
retry them in-process and release grouped results in order.

Commands:
  worker    Run supervised consumers (and the depth monitor)
  monitor   Run the depth monitor and admin HTTP endpoints only
  publish   Push a job onto a queue
  depths    Print the size of every queue collection
  pause     Stop consumers from claiming new jobs
  resume    Let consumers claim again`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", os.Getenv("ORDERQ_CONFIG"), "Path to a YAML config file")

	rootCmd.AddCommand(
		newWorkerCommand(),
		newMonitorCommand(),
		newPublishCommand(),
		newDepthsCommand(),
		newPauseCommand(),
		newResumeCommand(),
	)
	return rootCmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if q, _ := cmd.Flags().GetString("queue"); q != "" {
		cfg.Queue.Name = q
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(w io.Writer, lc config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(lc.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func openClient(ctx context.Context, cfg *config.Config) (*orderq.Client, error) {
	return orderq.NewClient(ctx, orderq.ClientOpts{
		RedisURL:      cfg.Redis.URL,
		Host:          cfg.Redis.Host,
		Port:          cfg.Redis.Port,
		DB:            cfg.Redis.DB,
		Username:      cfg.Redis.Username,
		Password:      cfg.Redis.Password,
		SSL:           cfg.Redis.SSL,
		SocketTimeout: cfg.RedisTimeout(),
	})
}

// withClient loads the config, opens a client for the duration of fn and
// closes it afterwards.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, c *orderq.Client) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := openClient(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer c.Close()
	return fn(ctx, cfg, c)
}
