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
	Short: "Show current configuration and server reachability",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Base URL: %s\n", s.baseURL)
		fmt.Fprintf(out, "  User ID:  %s\n", valueOrDefault(s.userID, "(not set)"))
		if s.token != "" {
			fmt.Fprintf(out, "  Token:    %s\n", maskKey(s.token))
		} else {
			fmt.Fprintln(out, "  Token:    (not set)")
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Server:")
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		start := time.Now()
		if err := s.client().Health(ctx); err != nil {
			fmt.Fprintf(out, "  Unreachable: %v\n", err)
			return nil
		}
		fmt.Fprintf(out, "  OK (%s)\n", time.Since(start).Round(time.Millisecond))
		fmt.Fprintf(out, "  Push URL: %s\n", s.client().WSUrl(""))
		return nil
	},
}
