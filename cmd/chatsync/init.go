package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initUserID  string
	initBaseURL string
)

func init() {
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "Id of the user the token belongs to")
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "API root, e.g. https://chat.example.com")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store credentials in ~/.chatsync/config.toml",
	Long:  "Initialize chatsync by storing your bearer token in the local configuration file.",
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
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Fprintf(cmd.OutOrStdout(), "Token saved to %s\n", path)
		return nil
	},
}
