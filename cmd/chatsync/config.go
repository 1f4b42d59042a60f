package main

import (
	"fmt"
	"io"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var configReveal bool

func init() {
	configShowCmd.Flags().BoolVar(&configReveal, "reveal", false, "Print the token unmasked")
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync configuration stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the stored configuration and active environment overrides",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return writeConfig(cmd.OutOrStdout(), path, cfg, configReveal)
	},
}

var envOverrides = []string{"CHATSYNC_TOKEN", "CHATSYNC_USER_ID", "CHATSYNC_BASE_URL"}

// writeConfig prints cfg as TOML. The token is masked unless reveal is set.
func writeConfig(w io.Writer, path string, cfg *Config, reveal bool) error {
	shown := *cfg
	if shown.Auth.Token != "" && !reveal {
		shown.Auth.Token = maskKey(shown.Auth.Token)
	}
	data, err := toml.Marshal(&shown)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	fmt.Fprintf(w, "# %s\n", path)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Fprintln(w, "# (not written yet; run 'chatsync init <token>')")
	}
	if _, err := w.Write(data); err != nil {
		return err
	}

	var active []string
	for _, name := range envOverrides {
		if os.Getenv(name) != "" {
			active = append(active, name)
		}
	}
	if len(active) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "# overridden by environment:")
		for _, name := range active {
			fmt.Fprintf(w, "#   %s\n", name)
		}
	}
	return nil
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set default.base_url https://chat.example.com",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "auth.token" {
			value = maskKey(value)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		return nil
	},
}
