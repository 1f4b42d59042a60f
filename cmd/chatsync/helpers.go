package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/collabdesk/chatsync"
)

// settings is the effective configuration: the config file with environment
// overrides applied.
type settings struct {
	cfg     *Config
	token   string
	userID  string
	baseURL string
}

func loadSettings() (*settings, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	s := &settings{
		cfg:     cfg,
		token:   cfg.Auth.Token,
		userID:  cfg.Auth.UserID,
		baseURL: cfg.Default.BaseURL,
	}
	if v := os.Getenv("CHATSYNC_TOKEN"); v != "" {
		s.token = v
	}
	if v := os.Getenv("CHATSYNC_USER_ID"); v != "" {
		s.userID = v
	}
	if v := os.Getenv("CHATSYNC_BASE_URL"); v != "" {
		s.baseURL = v
	}
	if s.baseURL == "" {
		s.baseURL = chatsync.DefaultBaseURL
	}
	return s, nil
}

func (s *settings) requireAuth() error {
	if s.token == "" {
		return errors.New("no token. Run 'chatsync init <token>' or set CHATSYNC_TOKEN")
	}
	if s.userID == "" {
		return errors.New("no user id. Run 'chatsync config set auth.user_id <id>' or set CHATSYNC_USER_ID")
	}
	return nil
}

func (s *settings) client() *chatsync.Client {
	return chatsync.NewClient(s.token, chatsync.WithBaseURL(s.baseURL))
}

// conversationArg maps the "direct"/"team" subcommand plus id to a conversation.
func conversationArg(kind chatsync.ConversationKind, id string) chatsync.ConversationID {
	if kind == chatsync.KindTeam {
		return chatsync.Team(id)
	}
	return chatsync.Direct(id)
}

// maskKey shows the first 6 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
