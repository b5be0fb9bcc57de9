package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the current configuration and, when logged in, fetch the live profile.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Print config summary.
		fmt.Println("Configuration:")
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		if cfg.Default.BaseURL != "" {
			fmt.Printf("  Base URL:    %s\n", cfg.Default.BaseURL)
		}

		fmt.Println()
		fmt.Println("Session:")
		if cfg.Auth.Token == "" {
			fmt.Println("  (not logged in)")
			return nil
		}
		fmt.Printf("  User:  %s (%s)\n", cfg.Auth.DisplayName, cfg.Auth.UserID)
		fmt.Printf("  Token: %s\n", maskToken(cfg.Auth.Token))

		// Try live profile.
		fmt.Println()
		fmt.Println("Live status:")

		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		me, err := client.Users.Me(ctx)
		if err != nil {
			fmt.Printf("  Error fetching profile: %v\n", err)
			return nil
		}
		fmt.Printf("  Profile:  %s (%s)\n", me.DisplayName, me.ID)
		if me.Role != "" {
			fmt.Printf("  Role:     %s\n", me.Role)
		}
		fmt.Printf("  Verified: %v\n", me.Verified)
		return nil
	},
}
