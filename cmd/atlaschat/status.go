package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	atlaschat "github.com/blessandsoul/atlascaucasus-chat"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration and, when a token is set, check it against the API.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		if cfg.Default.BaseURL != "" {
			fmt.Printf("  Base URL:    %s\n", cfg.Default.BaseURL)
		}

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token == "" {
			fmt.Println("  Token:       (not set)")
			return nil
		}
		fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(from server)"))
		fmt.Printf("  User Name:   %s\n", valueOrDefault(cfg.Auth.UserName, "(not set)"))

		client := atlaschat.NewClient(cfg.Auth.Token, clientOptions(cfg)...)
		if wsURL, err := client.RealtimeURL(); err == nil {
			endpoint, _, _ := strings.Cut(wsURL, "?")
			fmt.Printf("  Socket:      %s\n", endpoint)
		}

		fmt.Println()
		fmt.Println("Live status:")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		page, err := client.Chats().List(ctx, 1, 100)
		if err != nil {
			fmt.Printf("  Error fetching chats: %v\n", err)
			return nil
		}
		unread := 0
		for _, c := range page.Items {
			unread += c.UnreadCount
		}
		fmt.Printf("  Chats:  %d\n", page.Pagination.TotalItems)
		fmt.Printf("  Unread: %d", unread)
		if page.Pagination.HasNextPage {
			fmt.Print(" (first 100 chats)")
		}
		fmt.Println()
		return nil
	},
}
