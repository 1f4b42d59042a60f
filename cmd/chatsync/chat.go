package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/collabdesk/chatsync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var chatMetricsAddr string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Follow a conversation live and send stdin lines as messages",
	Long: "Open a conversation, print messages as they arrive and send every line read from stdin.\n" +
		"The lines /reload and /quit are handled locally.",
}

func newChatCmd(kind chatsync.ConversationKind, use, short string) *cobra.Command {
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
			log, err := newLogger(s.cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runChat(ctx, s, log, conversationArg(kind, args[0]), os.Stdin, cmd.OutOrStdout())
		},
	}
}

func runChat(ctx context.Context, s *settings, log *slog.Logger, conv chatsync.ConversationID, in io.Reader, out io.Writer) error {
	client := s.client()
	push := client.Realtime(&chatsync.RealtimeConfig{
		AutoReconnect:        true,
		MaxReconnectAttempts: -1,
		Logger:               log,
	})
	push.OnReconnecting(func(attempt int, delay time.Duration) {
		fmt.Fprintf(out, "-- push channel lost, reconnecting (attempt %d in %s)\n", attempt, delay.Round(time.Millisecond))
	})

	reg := prometheus.NewRegistry()
	var metrics *chatsync.Metrics
	if chatMetricsAddr != "" {
		metrics = chatsync.NewMetrics(reg)
	}

	engine, err := chatsync.NewEngine(chatsync.Config{
		Self:    chatsync.Sender{ID: s.userID},
		API:     client,
		Push:    push,
		Logger:  log,
		Metrics: metrics,
	})
	if err != nil {
		return err
	}
	watch(engine, out, s.userID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error {
		connectPush(gctx, push, log)
		<-gctx.Done()
		_ = push.Disconnect()
		return nil
	})

	if chatMetricsAddr != "" {
		srv := &http.Server{
			Addr:              chatMetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info("serving metrics", "addr", chatMetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-gctx.Done():
				return
			}
		}
	}()

	g.Go(func() error {
		defer cancel()
		if err := engine.Select(gctx, conv); err != nil {
			return err
		}
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if quit, err := handleLine(gctx, engine, line); err != nil {
					fmt.Fprintf(out, "!! %v\n", err)
				} else if quit {
					return nil
				}
			}
		}
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, chatsync.ErrClosed) {
		return nil
	}
	return err
}

func handleLine(ctx context.Context, engine *chatsync.Engine, line string) (quit bool, err error) {
	switch strings.TrimSpace(line) {
	case "":
		return false, nil
	case "/quit":
		return true, nil
	case "/reload":
		return false, engine.Reload(ctx)
	}
	return false, engine.Send(ctx, line)
}

// connectPush keeps trying until the first connection succeeds; the client
// reconnects on its own after that.
func connectPush(ctx context.Context, push *chatsync.RealtimeWSClient, log *slog.Logger) {
	const retry = 5 * time.Second
	for {
		err := push.Connect(ctx)
		if err == nil {
			return
		}
		log.Warn("push connect failed", "error", err, "retry", retry)
		select {
		case <-ctx.Done():
			return
		case <-time.After(retry):
		}
	}
}

// watch prints engine notifications. Handlers run on the engine loop.
func watch(engine *chatsync.Engine, out io.Writer, self string) {
	printed := make(map[string]bool)
	// content of own lines already shown as "(sending)"
	shown := make(map[string]int)
	engine.On(chatsync.TopicMessages, func(_ string, payload any) {
		msgs, _ := payload.([]chatsync.Message)
		if len(msgs) == 0 {
			clear(printed)
			clear(shown)
			return
		}
		for _, m := range msgs {
			if printed[m.ID] {
				continue
			}
			printed[m.ID] = true
			switch {
			case m.Pending:
				shown[m.Content]++
			case m.SenderID == self && shown[m.Content] > 0:
				shown[m.Content]--
				continue
			}
			printMessage(out, m, self)
		}
	})
	engine.On(chatsync.TopicMode, func(_ string, payload any) {
		fmt.Fprintf(out, "-- transport: %v\n", payload)
	})
	engine.On(chatsync.TopicTyping, func(_ string, payload any) {
		if st, ok := payload.(chatsync.TypingState); ok && st.IsTyping {
			fmt.Fprintf(out, "-- %s is typing...\n", st.UserID)
		}
	})
	engine.On(chatsync.TopicNotice, func(_ string, payload any) {
		fmt.Fprintf(out, "!! %v\n", payload)
	})
	engine.On(chatsync.TopicElsewhere, func(_ string, payload any) {
		if m, ok := payload.(chatsync.Message); ok {
			fmt.Fprintf(out, "-- new message from %s in another conversation\n", m.SenderID)
		}
	})
}

func init() {
	chatCmd.PersistentFlags().StringVar(&chatMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	chatCmd.AddCommand(newChatCmd(chatsync.KindDirect, "direct <user-id>", "Chat with a user"))
	chatCmd.AddCommand(newChatCmd(chatsync.KindTeam, "team <project-id>", "Chat in a project's team channel"))
	rootCmd.AddCommand(chatCmd)
}
