package main

import (
	"fmt"
	"os"
	"strings"

	atlaschat "github.com/blessandsoul/atlascaucasus-chat"
)

// clientOptions maps the [default] section to client options.
func clientOptions(cfg *Config) []atlaschat.ClientOption {
	var opts []atlaschat.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, atlaschat.WithBaseURL(cfg.Default.BaseURL))
	} else if cfg.Default.Environment != "" && cfg.Default.Environment != "production" {
		opts = append(opts, atlaschat.WithEnvironment(atlaschat.Environment(cfg.Default.Environment)))
	}
	return opts
}

// getClient creates a client authenticated with the stored token.
func getClient() (*atlaschat.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'atlaschat init <token>' first.")
		os.Exit(1)
	}
	return atlaschat.NewClient(cfg.Auth.Token, clientOptions(cfg)...), cfg
}

// maskKey shows the first 4 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func senderName(m atlaschat.Message) string {
	if name := m.Sender.DisplayName(); name != "" {
		return name
	}
	return m.SenderID
}

func printMessage(m atlaschat.Message, me string) {
	marker := " "
	switch {
	case m.Status == atlaschat.MessagePending:
		marker = "…"
	case m.SenderID == me && len(m.ReadBy) > 0:
		marker = "✓"
	}
	fmt.Printf("%s %s %-16s %s\n", m.CreatedAt.Local().Format("Jan 02 15:04"), marker, senderName(m), m.Content)
}
