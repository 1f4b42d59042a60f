package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/collabdesk/chatsync"
	"github.com/spf13/cobra"
)

var historyJSON bool

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Fetch a conversation's message history",
}

func newHistoryCmd(kind chatsync.ConversationKind, use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			if err := s.requireAuth(); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			msgs, err := s.client().History(ctx, conversationArg(kind, args[0]))
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			out := cmd.OutOrStdout()
			if historyJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(msgs)
			}
			if len(msgs) == 0 {
				fmt.Fprintln(out, "No messages found.")
				return nil
			}
			for _, m := range msgs {
				printMessage(out, m, s.userID)
			}
			return nil
		},
	}
}

// printMessage writes one message line. Pending sends are marked.
func printMessage(w io.Writer, m chatsync.Message, self string) {
	who := m.SenderID
	if m.Sender != nil && m.Sender.Name != "" {
		who = m.Sender.Name
	}
	if m.SenderID == self {
		who = "you"
	}
	ts := m.CreatedAt.Local().Format("15:04:05")
	if m.Pending {
		fmt.Fprintf(w, "[%s] %s: %s (sending)\n", ts, who, m.Content)
		return
	}
	fmt.Fprintf(w, "[%s] %s: %s\n", ts, who, m.Content)
}

func init() {
	historyCmd.PersistentFlags().BoolVar(&historyJSON, "json", false, "Output JSON")
	historyCmd.AddCommand(newHistoryCmd(chatsync.KindDirect, "direct <user-id>", "Direct messages with a user"))
	historyCmd.AddCommand(newHistoryCmd(chatsync.KindTeam, "team <project-id>", "Messages in a project's team channel"))
	rootCmd.AddCommand(historyCmd)
}
