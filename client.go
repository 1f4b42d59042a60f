// Package chatsync provides the realtime message synchronization core for direct
// and team chat.
//
// It keeps one conversation's message sequence consistent while messages arrive
// from an optimistic local echo, a WebSocket push channel and, when that channel
// is down, periodic history polling.
//
// Example:
//
//	api := chatsync.NewClient(token, chatsync.WithBaseURL("https://chat.example.com"))
//	push := api.Realtime(&chatsync.RealtimeConfig{Token: token, AutoReconnect: true})
//	engine, _ := chatsync.NewEngine(chatsync.Config{
//		Self: chatsync.Sender{ID: userID},
//		API:  api,
//		Push: push,
//	})
//	go engine.Run(ctx)
//	go push.Connect(ctx)
//
//	engine.Select(chatsync.Direct("user-123"))
//	engine.Send(ctx, "hello")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:5000"
	DefaultTimeout = 30 * time.Second
)

// API is the persistence layer the sync core depends on. Client implements it.
type API interface {
	History(ctx context.Context, conv ConversationID) ([]Message, error)
	Send(ctx context.Context, conv ConversationID, content string) (*Message, error)
	MarkRead(ctx context.Context, conv ConversationID) error
}

// ============================================================================
// Client
// ============================================================================

// Client talks to the chat REST API.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

var _ API = (*Client)(nil)

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a REST client authenticated with the given bearer token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	u := c.baseURL + path

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, parseAPIError(resp.StatusCode, data)
	}
	return data, nil
}

// parseAPIError accepts {"message": ...}, {"error": "..."} and {"error": {"code", "message"}}.
func parseAPIError(status int, data []byte) *APIError {
	apiErr := &APIError{Status: status, Message: http.StatusText(status)}
	var body struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if json.Unmarshal(data, &body) != nil {
		return apiErr
	}
	if body.Message != "" {
		apiErr.Message = body.Message
	}
	apiErr.Code = body.Code
	if len(body.Error) > 0 {
		var s string
		var nested APIError
		switch {
		case json.Unmarshal(body.Error, &s) == nil && s != "":
			apiErr.Message = s
		case json.Unmarshal(body.Error, &nested) == nil && nested.Message != "":
			apiErr.Message = nested.Message
			apiErr.Code = nested.Code
		}
	}
	return apiErr
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Messages
// ============================================================================

func historyPath(conv ConversationID) string {
	if conv.Kind == KindTeam {
		return "/api/projects/" + url.PathEscape(conv.ID) + "/messages"
	}
	return "/api/messages/" + url.PathEscape(conv.ID)
}

// History fetches the full message history of a conversation, oldest first.
func (c *Client) History(ctx context.Context, conv ConversationID) ([]Message, error) {
	if conv.IsZero() {
		return nil, ErrNoConversation
	}
	data, err := c.doRequest(ctx, http.MethodGet, historyPath(conv), nil)
	if err != nil {
		return nil, err
	}
	msgs, err := decodeJSON[[]Message](data)
	if err != nil {
		return nil, err
	}
	return *msgs, nil
}

// Send posts a message and returns the stored copy with its server id.
func (c *Client) Send(ctx context.Context, conv ConversationID, content string) (*Message, error) {
	if conv.IsZero() {
		return nil, ErrNoConversation
	}
	var (
		path    string
		payload map[string]string
	)
	if conv.Kind == KindTeam {
		path = historyPath(conv)
		payload = map[string]string{"content": content}
	} else {
		path = "/api/messages"
		payload = map[string]string{"receiverId": conv.ID, "content": content}
	}
	data, err := c.doRequest(ctx, http.MethodPost, path, payload)
	if err != nil {
		return nil, err
	}
	msg, err := decodeJSON[Message](data)
	if err != nil {
		return nil, err
	}
	if msg.ID == "" {
		return nil, fmt.Errorf("send response carries no message id")
	}
	return msg, nil
}

// MarkRead marks every message of the conversation as read by the caller.
func (c *Client) MarkRead(ctx context.Context, conv ConversationID) error {
	if conv.IsZero() {
		return ErrNoConversation
	}
	path := "/api/messages/read/" + url.PathEscape(conv.ID)
	if conv.Kind == KindTeam {
		path = historyPath(conv) + "/read"
	}
	_, err := c.doRequest(ctx, http.MethodPut, path, nil)
	return err
}

// Health checks API reachability.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodGet, "/api/health", nil)
	return err
}

// ============================================================================
// Realtime factory
// ============================================================================

// WSUrl returns the push channel URL for the given token.
func (c *Client) WSUrl(token string) string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	if token != "" {
		return base + "/ws?token=" + url.QueryEscape(token)
	}
	return base + "/ws"
}

// Realtime creates a WebSocket push client. Call Connect to establish the connection.
func (c *Client) Realtime(config *RealtimeConfig) *RealtimeWSClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Token == "" {
		cfg.Token = c.token
	}
	if cfg.HTTPClient == nil {
		// websocket.Dial refuses clients with a Timeout; the dial context bounds it instead.
		hc := *c.httpClient
		hc.Timeout = 0
		cfg.HTTPClient = &hc
	}
	return NewRealtimeWSClient(c.WSUrl(cfg.Token), &cfg)
}
