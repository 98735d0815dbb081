package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <destination>",
	Short: "Log in with a one-time verification code",
	Long:  "Request a one-time code for the given phone number or email, then verify it.\nExample: kindred login +15550100",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		destination := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, _, err := newClient(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		if err := client.Sessions().RequestCode(ctx, destination); err != nil {
			return fmt.Errorf("failed to request code: %w", err)
		}
		fmt.Printf("Verification code sent to %s.\n", destination)

		fmt.Print("Enter code: ")
		reader := bufio.NewReader(os.Stdin)
		code, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("cannot read code: %w", err)
		}
		code = strings.TrimSpace(code)

		if err := client.Sessions().VerifyCode(ctx, destination, code); err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}

		session := client.Sessions().Current()
		cfg.Auth.SubjectID = session.SubjectID
		cfg.Auth.Destination = destination
		if err := saveConfig(cfg); err != nil {
			return err
		}

		fmt.Printf("Logged in as %s.\n", session.SubjectID)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Log out and purge local credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, _, err := newClient(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := client.Sessions().Restore(ctx); err != nil {
			return err
		}
		if err := client.Sessions().Logout(ctx); err != nil {
			return err
		}

		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Println("Logged out.")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the current session",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, _, err := newClient(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := client.Sessions().Restore(ctx); err != nil {
			return err
		}
		session := client.Sessions().Current()
		if session == nil {
			fmt.Println("Not logged in.")
			return nil
		}
		fmt.Printf("Subject:       %s\n", session.SubjectID)
		fmt.Printf("State:         %s\n", client.Sessions().State())
		fmt.Printf("Token expires: %s\n", session.AccessTokenExpiresAt.Format(time.RFC3339))
		return nil
	},
}
