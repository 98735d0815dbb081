package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	kindred "github.com/kindredapp/kindred-go"
)

func init() {
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(presenceCmd)
	watchCmd.Flags().String("filter", "", "filter as key=value")
	watchCmd.Flags().Int("limit", 0, "limit the watched result set")
}

var watchCmd = &cobra.Command{
	Use:   "watch <collection>",
	Short: "Stream live changes from a collection",
	Long:  "Open a live watch on a collection and print every server-pushed change\nuntil interrupted.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		collection := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, _, err := newClient(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := client.Sessions().Restore(ctx); err != nil {
			return err
		}

		var query *kindred.Query
		if f, _ := cmd.Flags().GetString("filter"); f != "" {
			k, v, ok := splitKV(f)
			if !ok {
				return fmt.Errorf("filter must be key=value")
			}
			query = &kindred.Query{Filters: map[string]string{k: v}}
		}
		if l, _ := cmd.Flags().GetInt("limit"); l > 0 {
			if query == nil {
				query = &kindred.Query{}
			}
			query.Limit = l
		}

		manager := kindred.NewRealtimeManager(client)
		defer manager.Close()

		unsubState := manager.OnConnectionStateChange(func(s kindred.ConnectionState) {
			fmt.Printf("-- connection: %s\n", s)
		})
		defer unsubState()

		unsubscribe, err := manager.SubscribeToCollection(ctx, collection, query, func(ev kindred.SubscriptionEvent) {
			if ev.Err != nil {
				fmt.Printf("-- watch error: %v\n", ev.Err)
				return
			}
			fmt.Println(string(ev.Data))
		})
		if err != nil {
			return err
		}
		defer unsubscribe()

		fmt.Printf("Watching %s (Ctrl-C to stop)…\n", collection)
		waitForInterrupt()
		return nil
	},
}

var presenceCmd = &cobra.Command{
	Use:   "presence <subject-id>",
	Short: "Track a user's online status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		subjectID := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.SubjectID == "" {
			return fmt.Errorf("not logged in; run 'kindred login' first")
		}
		client, _, err := newClient(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := client.Sessions().Restore(ctx); err != nil {
			return err
		}

		channel := kindred.NewPresenceChannel(client, nil)
		if err := channel.Connect(ctx, cfg.Auth.SubjectID); err != nil {
			return err
		}
		defer func() {
			dctx, dcancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer dcancel()
			_ = channel.Disconnect(dctx)
		}()

		unsubscribe := channel.SubscribeToUserStatus(subjectID, func(entry kindred.PresenceEntry) {
			if entry.IsOnline {
				fmt.Printf("%s is online\n", entry.SubjectID)
			} else {
				fmt.Printf("%s went offline\n", entry.SubjectID)
			}
		})
		defer unsubscribe()

		fmt.Printf("Tracking %s (Ctrl-C to stop)…\n", subjectID)
		waitForInterrupt()
		return nil
	},
}

func splitKV(s string) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

func waitForInterrupt() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig
}
