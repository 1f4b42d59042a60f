package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/collabdesk/chatsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func TestConfigRoundTrip(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", t.TempDir())

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, Config{}, *cfg)

	require.NoError(t, setConfigValue(cfg, "auth.token", "secret-token-1234"))
	require.NoError(t, setConfigValue(cfg, "auth.user_id", "me"))
	require.NoError(t, setConfigValue(cfg, "default.base_url", "https://chat.example.com"))
	require.NoError(t, setConfigValue(cfg, "default.log_level", "debug"))
	require.NoError(t, saveConfig(cfg))

	loaded, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestSetConfigValueRejectsUnknownKeys(t *testing.T) {
	cfg := &Config{}
	for _, key := range []string{"token", "auth.password", "server.port"} {
		assert.Error(t, setConfigValue(cfg, key, "x"), key)
	}
	assert.Error(t, setConfigValue(cfg, "default.log_level", "loud"))
}

func TestSettingsEnvOverrides(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", t.TempDir())
	require.NoError(t, saveConfig(&Config{Auth: ConfigAuth{Token: "file-token", UserID: "file-user"}}))

	s, err := loadSettings()
	require.NoError(t, err)
	assert.Equal(t, "file-token", s.token)
	assert.Equal(t, chatsync.DefaultBaseURL, s.baseURL)

	t.Setenv("CHATSYNC_TOKEN", "env-token")
	t.Setenv("CHATSYNC_BASE_URL", "http://127.0.0.1:9")
	s, err = loadSettings()
	require.NoError(t, err)
	assert.Equal(t, "env-token", s.token)
	assert.Equal(t, "file-user", s.userID)
	assert.Equal(t, "http://127.0.0.1:9", s.baseURL)
	assert.NoError(t, s.requireAuth())

	assert.Error(t, (&settings{token: "t"}).requireAuth())
}

func TestWriteConfigMasksToken(t *testing.T) {
	t.Setenv("CHATSYNC_TOKEN", "")
	t.Setenv("CHATSYNC_USER_ID", "")
	t.Setenv("CHATSYNC_BASE_URL", "http://127.0.0.1:9")
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := &Config{Auth: ConfigAuth{Token: "abcdefghijklmnopqrstuvwxyz", UserID: "me"}}

	var buf bytes.Buffer
	require.NoError(t, writeConfig(&buf, path, cfg, false))
	out := buf.String()
	assert.Contains(t, out, "abcdef...wxyz")
	assert.NotContains(t, out, "abcdefghijklmnopqrstuvwxyz")
	assert.Contains(t, out, "not written yet")
	assert.Contains(t, out, "CHATSYNC_BASE_URL")
	assert.NotContains(t, out, "CHATSYNC_TOKEN")
	assert.Equal(t, "abcdefghijklmnopqrstuvwxyz", cfg.Auth.Token)

	buf.Reset()
	require.NoError(t, writeConfig(&buf, path, cfg, true))
	assert.Contains(t, buf.String(), "abcdefghijklmnopqrstuvwxyz")
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "****", maskKey("short"))
	assert.Equal(t, "abcdef...wxyz", maskKey("abcdefghijklmnopqrstuvwxyz"))
}

// ============================================================================
// chat
// ============================================================================

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func newChatServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/messages/bob", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"id":"m1","content":"earlier","senderId":"bob","receiverId":"me","createdAt":"2026-01-01T10:00:00Z"}]`)
	})
	mux.HandleFunc("POST /api/messages", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(chatsync.Message{ID: "m2", Content: body["content"], SenderID: "me", ReceiverID: "bob"})
	})
	mux.HandleFunc("PUT /api/messages/read/bob", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		write := func(event string, payload any) {
			raw, _ := json.Marshal(payload)
			data, _ := json.Marshal(chatsync.RealtimeEnvelope{Type: event, Payload: raw})
			_ = c.Write(ctx, websocket.MessageText, data)
		}
		write("authenticated", chatsync.AuthenticatedPayload{UserID: "me"})
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			var env chatsync.RealtimeEnvelope
			if json.Unmarshal(data, &env) != nil || env.Type != chatsync.EventSendMessage {
				continue
			}
			var p chatsync.SendMessagePayload
			_ = json.Unmarshal(env.Payload, &p)
			write(chatsync.EventNewMessage, chatsync.Message{ID: "m2", Content: p.Content, SenderID: p.SenderID, ReceiverID: p.ReceiverID})
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRunChat(t *testing.T) {
	srv := newChatServer(t)
	s := &settings{cfg: &Config{}, token: "tok", userID: "me", baseURL: srv.URL}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	inR, inW := io.Pipe()
	defer inW.Close()
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- runChat(context.Background(), s, log, chatsync.Direct("bob"), inR, out)
	}()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "bob: earlier") }, 5*time.Second, 10*time.Millisecond)

	_, err := io.WriteString(inW, "hello\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "you: hello") }, 5*time.Second, 10*time.Millisecond)

	_, err = io.WriteString(inW, "/quit\n")
	require.NoError(t, err)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("chat did not exit on /quit")
	}
	assert.Equal(t, 1, strings.Count(out.String(), "hello"))
}
