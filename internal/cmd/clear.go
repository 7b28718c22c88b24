package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/SauersML/hpc-queue/pkg/queue"
)

var (
	clearBatchSize  int
	clearMaxBatches int
)

var clearCmd = &cobra.Command{
	Use:       "clear jobs|results|all",
	Short:     "Drain messages from the jobs/results queues",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"jobs", "results", "all"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.RequireQueueToken(); err != nil {
			return err
		}
		target := args[0]
		if target != "jobs" && target != "results" && target != "all" {
			return fmt.Errorf("clear target must be jobs, results, or all")
		}
		return clearQueues(cmd.Context(), target, clearBatchSize, clearMaxBatches)
	},
}

func init() {
	rootCmd.AddCommand(clearCmd)
	clearCmd.Flags().IntVar(&clearBatchSize, "batch-size", 100, "Messages per pull while clearing")
	clearCmd.Flags().IntVar(&clearMaxBatches, "max-batches", 200, "Maximum pull/ack cycles")
}

func clearQueues(ctx context.Context, target string, batchSize, maxBatches int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	client := newQueueClient()

	total := 0
	if target == "jobs" || target == "all" {
		n, err := clearSingleQueue(ctx, client, cfg.JobsQueueID, batchSize, maxBatches)
		if err != nil {
			return err
		}
		fmt.Printf("queue=jobs cleared_messages=%d\n", n)
		total += n
	}
	if target == "results" || target == "all" {
		n, err := clearSingleQueue(ctx, client, cfg.ResultsQueueID, batchSize, maxBatches)
		if err != nil {
			return err
		}
		fmt.Printf("queue=results cleared_messages=%d\n", n)
		total += n
	}
	fmt.Printf("target=%s total_cleared_messages=%d\n", target, total)
	return nil
}

func clearSingleQueue(ctx context.Context, client *queue.Client, queueID string, batchSize, maxBatches int) (int, error) {
	total := 0
	for i := 0; i < maxBatches; i++ {
		msgs, err := client.Pull(ctx, queueID, batchSize, 2*time.Minute)
		if err != nil {
			return total, fmt.Errorf("pull while clearing: %w", err)
		}
		if len(msgs) == 0 {
			return total, nil
		}
		leases := make([]string, 0, len(msgs))
		for _, m := range msgs {
			leases = append(leases, m.LeaseID)
		}
		if err := client.Ack(ctx, queueID, leases); err != nil {
			return total, fmt.Errorf("ack while clearing: %w", err)
		}
		total += len(leases)
	}
	return total, nil
}
