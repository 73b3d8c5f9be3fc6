package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initUserID   string
	initUserName string
)

func init() {
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "Your user id (otherwise learned from the server on connect)")
	initCmd.Flags().StringVar(&initUserName, "name", "", "Name shown to others while you type")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store your access token in ~/.atlaschat/config.toml",
	Long:  "Initialize the CLI by storing your AtlasCaucasus access token in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		if initUserID != "" {
			cfg.Auth.UserID = initUserID
		}
		if initUserName != "" {
			cfg.Auth.UserName = initUserName
		}
		if cfg.Default.Environment == "" {
			cfg.Default.Environment = "production"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		return nil
	},
}
