package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/not-empty/orderq-go/src/config"
	"github.com/not-empty/orderq-go/src/orderq"
)

func newPublishCommand() *cobra.Command {
	publishCmd := &cobra.Command{
		Use:   "publish",
		Short: "Push an order job onto a queue",
		Long: `Publish wraps --data in an order envelope and pushes it onto the work list.
Jobs published with --group are released in claim order within that group.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, _ := cmd.Flags().GetString("id")
			group, _ := cmd.Flags().GetString("group")
			data, _ := cmd.Flags().GetString("data")

			if data != "" && !json.Valid([]byte(data)) {
				return fmt.Errorf("--data must be valid JSON")
			}
			if id == "" {
				id = newOrderID()
			}
			job, err := encodeOrder(Order{ID: id, Group: group, Data: json.RawMessage(data)})
			if err != nil {
				return err
			}

			return withClient(cmd, func(ctx context.Context, cfg *config.Config, c *orderq.Client) error {
				n, err := c.Publish(ctx, orderq.PublishOpts{Queue: cfg.Queue.Name, Job: job, Group: group})
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "id: %s\nwork: %d\n", id, n)
				return nil
			})
		},
	}
	publishCmd.Flags().StringP("queue", "q", "", "Queue name (overrides config)")
	publishCmd.Flags().String("id", "", "Order id (default: a new ULID)")
	publishCmd.Flags().StringP("group", "g", "", "Ordering group, e.g. an account id")
	publishCmd.Flags().String("data", "", "JSON payload")
	return publishCmd
}

func newDepthsCommand() *cobra.Command {
	depthsCmd := &cobra.Command{
		Use:   "depths",
		Short: "Print the size of every queue collection",
		RunE: func(cmd *cobra.Command, _ []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			return withClient(cmd, func(ctx context.Context, cfg *config.Config, c *orderq.Client) error {
				d, err := c.SampleDepths(ctx, cfg.Queue.Name, cfg.ConsumerIDs()...)
				if err != nil {
					return err
				}
				paused, err := c.IsPaused(ctx, cfg.Queue.Name)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if asJSON {
					return json.NewEncoder(out).Encode(map[string]any{
						"queue":   cfg.Queue.Name,
						"paused":  paused,
						"depths":  d,
						"pending": d.Pending(),
					})
				}

				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintf(tw, "queue\t%s\n", cfg.Queue.Name)
				_, _ = fmt.Fprintf(tw, "paused\t%t\n", paused)
				_, _ = fmt.Fprintf(tw, "work\t%d\n", d.Work)
				_, _ = fmt.Fprintf(tw, "locked\t%d\n", d.Locked)
				_, _ = fmt.Fprintf(tw, "invisible\t%d\n", d.Invisible)
				_, _ = fmt.Fprintf(tw, "retry\t%d\n", d.Retry)
				_, _ = fmt.Fprintf(tw, "terminated\t%d\n", d.Terminated)
				_, _ = fmt.Fprintf(tw, "output\t%d\n", d.Output)
				return tw.Flush()
			})
		},
	}
	depthsCmd.Flags().StringP("queue", "q", "", "Queue name (overrides config)")
	depthsCmd.Flags().Bool("json", false, "Print as JSON")
	return depthsCmd
}

func newPauseCommand() *cobra.Command {
	pauseCmd := &cobra.Command{
		Use:   "pause",
		Short: "Stop consumers from claiming new jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, func(ctx context.Context, cfg *config.Config, c *orderq.Client) error {
				status, err := c.Pause(ctx, cfg.Queue.Name)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "status:", status)
				return nil
			})
		},
	}
	pauseCmd.Flags().StringP("queue", "q", "", "Queue name (overrides config)")
	return pauseCmd
}

func newResumeCommand() *cobra.Command {
	resumeCmd := &cobra.Command{
		Use:   "resume",
		Short: "Let consumers claim again",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, func(ctx context.Context, cfg *config.Config, c *orderq.Client) error {
				n, err := c.Resume(ctx, cfg.Queue.Name)
				if err != nil {
					return err
				}
				status := "RESUMED"
				if n == 0 {
					status = "NOT_PAUSED"
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "status:", status)
				return nil
			})
		},
	}
	resumeCmd.Flags().StringP("queue", "q", "", "Queue name (overrides config)")
	return resumeCmd
}
