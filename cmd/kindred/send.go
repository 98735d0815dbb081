package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	kindred "github.com/kindredapp/kindred-go"
)

func init() {
	rootCmd.AddCommand(sendCmd)
}

// sendMessagePayload is the persisted payload for the message.send kind.
type sendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

// registerExecutors binds every operation kind the CLI enqueues. Called
// before Queue.Load so persisted operations from earlier invocations can
// be replayed.
func registerExecutors(queue *kindred.Queue, client *kindred.Client) {
	queue.RegisterExecutor("message.send", func(ctx context.Context, payload json.RawMessage) error {
		var p sendMessagePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		_, err := client.Do(ctx, "POST", "/conversations/"+p.ConversationID+"/messages",
			map[string]string{"content": p.Content}, nil)
		return err
	})
	queue.RegisterExecutor("conversation.read", func(ctx context.Context, payload json.RawMessage) error {
		var p struct {
			ConversationID string `json:"conversationId"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		_, err := client.Do(ctx, "POST", "/conversations/"+p.ConversationID+"/read", nil, nil)
		return err
	})
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Queue a message for delivery",
	Long:  "Enqueue a message send. The operation is durable: if delivery fails or the\nnetwork is down, it is retried on the next invocation.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, text := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, store, err := newClient(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		if err := client.Sessions().Restore(ctx); err != nil {
			return err
		}

		queue := kindred.NewQueue(store, client.Reachability(), nil)
		defer queue.Close()
		registerExecutors(queue, client)
		if err := queue.Load(ctx); err != nil {
			return err
		}

		pending, err := queue.Enqueue(ctx, "message.send", sendMessagePayload{
			ConversationID: conversationID,
			Content:        text,
		})
		if err != nil {
			return err
		}

		fmt.Println("sending…")
		select {
		case err := <-pending.Done():
			if err != nil {
				return fmt.Errorf("message not delivered: %w", err)
			}
			fmt.Println("Delivered.")
			return nil
		case <-ctx.Done():
			status := queue.Status()
			fmt.Printf("Still pending (%d queued). It will retry on the next run.\n", status.PendingCount)
			return nil
		}
	},
}
