// Package api is the HTTP client for the trim backend. Every call
// classifies failures through the apperr taxonomy so upper layers can
// decide between retry, dead-letter and user-facing errors without
// inspecting transport details.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rfarah/trim/internal/apperr"
	"go.uber.org/zap"
)

// Client talks to the trim REST API on behalf of one authenticated user.
type Client struct {
	base   string
	token  string
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates a client for the given base URL and bearer token.
func NewClient(baseURL, token string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		base:   baseURL,
		token:  token,
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Ping checks backend reachability. Used by the scheduler to probe
// connectivity while offline.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// GetConversations fetches the user's chat thread summaries.
func (c *Client) GetConversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetMessages fetches the message history with another user.
func (c *Client) GetMessages(ctx context.Context, otherUserID string) ([]Message, error) {
	var out []Message
	path := "/messages/" + url.PathEscape(otherUserID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendMessage posts a new message and returns the server's copy,
// including the server-assigned ID.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (*Message, error) {
	var out Message
	if err := c.do(ctx, http.MethodPost, "/messages", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkMessageRead reports a read receipt for the given message.
func (c *Client) MarkMessageRead(ctx context.Context, messageID string) error {
	path := "/messages/" + url.PathEscape(messageID) + "/read"
	return c.do(ctx, http.MethodPatch, path, nil, nil)
}

// GetPosts fetches the content feed.
func (c *Client) GetPosts(ctx context.Context) ([]Post, error) {
	var out []Post
	if err := c.do(ctx, http.MethodGet, "/posts", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreatePost publishes a new post and returns the server's copy.
func (c *Client) CreatePost(ctx context.Context, req CreatePostRequest) (*Post, error) {
	var out Post
	if err := c.do(ctx, http.MethodPost, "/posts", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetBarbers fetches the barber directory.
func (c *Client) GetBarbers(ctx context.Context) ([]Barber, error) {
	var out []Barber
	if err := c.do(ctx, http.MethodGet, "/barbers", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetFollows fetches the barbers the user follows.
func (c *Client) GetFollows(ctx context.Context) ([]Follow, error) {
	var out []Follow
	if err := c.do(ctx, http.MethodGet, "/follows", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// do performs one request. Non-2xx responses and transport failures
// come back as *apperr.Error.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.FromTransport(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Warn("api request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
		)
		return apperr.FromStatus(resp.StatusCode, fmt.Errorf("%s %s: %s", method, path, bytes.TrimSpace(msg)))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
