package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	kindred "github.com/kindredapp/kindred-go"
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueStatusCmd)
	queueCmd.AddCommand(queueDrainCmd)
	queueCmd.AddCommand(queueClearCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the offline operation queue",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pending operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		queue, _, cleanup, err := openQueue()
		if err != nil {
			return err
		}
		defer cleanup()

		status := queue.Status()
		fmt.Printf("Pending:    %d\n", status.PendingCount)
		fmt.Printf("Processing: %v\n", status.IsProcessing)
		for id, retries := range status.RetryCounts {
			fmt.Printf("  %s  retries=%d\n", id, retries)
		}
		return nil
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Execute all pending operations now",
	RunE: func(cmd *cobra.Command, args []string) error {
		queue, _, cleanup, err := openQueue()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
		defer cancel()

		done := make(chan struct{}, 1)
		unsub := queue.OnStatusChange(func(s kindred.QueueStatus) {
			if s.PendingCount == 0 && !s.IsProcessing {
				select {
				case done <- struct{}{}:
				default:
				}
			}
		})
		defer unsub()

		unsubDrop := queue.OnDrop(func(op kindred.QueuedOperation, err error) {
			fmt.Printf("dropped %s (%s): %v\n", op.ID, op.Kind, err)
		})
		defer unsubDrop()

		if queue.Status().PendingCount == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}

		queue.Process(ctx)

		select {
		case <-done:
			fmt.Println("Queue drained.")
		case <-ctx.Done():
			fmt.Printf("Timed out with %d still pending.\n", queue.Status().PendingCount)
		}
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Cancel every pending operation",
	RunE: func(cmd *cobra.Command, args []string) error {
		queue, _, cleanup, err := openQueue()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		n := queue.Status().PendingCount
		queue.Clear(ctx)
		fmt.Printf("Cancelled %d operation(s).\n", n)
		return nil
	},
}

// openQueue wires a loaded queue with executors registered, plus the
// client behind them.
func openQueue() (*kindred.Queue, *kindred.Client, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	client, store, err := newClient(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := client.Sessions().Restore(ctx); err != nil {
		return nil, nil, nil, err
	}

	queue := kindred.NewQueue(store, client.Reachability(), nil)
	registerExecutors(queue, client)
	if err := queue.Load(ctx); err != nil {
		queue.Close()
		return nil, nil, nil, err
	}
	return queue, client, queue.Close, nil
}
