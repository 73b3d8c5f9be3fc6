package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	atlaschat "github.com/blessandsoul/atlascaucasus-chat"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// chats
	chatsPage  int
	chatsLimit int
	chatsJSON  bool

	// messages
	messagesPage  int
	messagesLimit int
	messagesJSON  bool

	// send
	sendMentions []string
	sendJSON     bool
)

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func chatTitle(c atlaschat.Chat, me string) string {
	if c.Name != "" {
		return c.Name
	}
	var names []string
	for _, p := range c.Participants {
		if p.UserID == me {
			continue
		}
		if name := p.User.DisplayName(); name != "" {
			names = append(names, name)
		} else {
			names = append(names, p.UserID)
		}
	}
	if len(names) == 0 {
		return "(no participants)"
	}
	return strings.Join(names, ", ")
}

// ============================================================================
// chats
// ============================================================================

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List your chats",
	Long:  "List chats, most recent activity first, with unread counts.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		page, err := client.Chats().List(ctx, chatsPage, chatsLimit)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if chatsJSON {
			return printJSON(page)
		}

		if len(page.Items) == 0 {
			fmt.Println("No chats.")
			return nil
		}
		for _, c := range page.Items {
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" [%d unread]", c.UnreadCount)
			}
			fmt.Printf("%s  %-6s %s%s\n", c.ID, c.Type, chatTitle(c, cfg.Auth.UserID), unread)
			if c.LastMessage != nil {
				fmt.Printf("    %s: %s\n", senderName(*c.LastMessage), c.LastMessage.Content)
			}
		}
		p := page.Pagination
		fmt.Printf("\nPage %d of %d (%d chats)\n", p.Page, p.TotalPages, p.TotalItems)
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <chat-id>",
	Short: "Show a chat's message history",
	Long:  "Print one page of a chat's history, oldest first. Page 1 is the newest.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		page, err := client.Chats().Messages(ctx, args[0], messagesPage, messagesLimit)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if messagesJSON {
			return printJSON(page)
		}

		if len(page.Items) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for i := len(page.Items) - 1; i >= 0; i-- {
			printMessage(page.Items[i], cfg.Auth.UserID)
		}
		if page.Pagination.HasNextPage {
			fmt.Printf("\nOlder messages: atlaschat messages %s --page %d\n", args[0], messagesPage+1)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <chat-id> <text>",
	Short: "Send a message",
	Long:  "Send a message to a chat. All arguments after the chat id are joined with spaces.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		msg, err := client.Chats().Send(ctx, args[0], atlaschat.SendMessageInput{
			Content:        strings.Join(args[1:], " "),
			MentionedUsers: sendMentions,
		})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if sendJSON {
			return printJSON(msg)
		}
		fmt.Printf("Message sent (%s)\n", msg.ID)
		return nil
	},
}

// ============================================================================
// read
// ============================================================================

var readCmd = &cobra.Command{
	Use:   "read <chat-id>",
	Short: "Mark a chat as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := client.Chats().MarkRead(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Chat %s marked as read\n", args[0])
		return nil
	},
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	chatsCmd.Flags().IntVar(&chatsPage, "page", 1, "Page number")
	chatsCmd.Flags().IntVar(&chatsLimit, "limit", 20, "Chats per page")
	chatsCmd.Flags().BoolVar(&chatsJSON, "json", false, "Output raw JSON")

	messagesCmd.Flags().IntVar(&messagesPage, "page", 1, "Page number (1 is newest)")
	messagesCmd.Flags().IntVar(&messagesLimit, "limit", 50, "Messages per page")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")

	sendCmd.Flags().StringSliceVar(&sendMentions, "mention", nil, "User ids to mention")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(chatsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(readCmd)
}
