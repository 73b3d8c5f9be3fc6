// Package atlaschat is the client side of the AtlasCaucasus real-time chat.
//
// It keeps one WebSocket connection per session, routes server events to typed
// handlers, tracks presence and typing, and reconciles live pushes with the
// paginated REST history so a chat's message list never shows an id twice.
//
// Example:
//
//	client := atlaschat.NewClient(token, atlaschat.WithBaseURL("https://api.example.com"))
//
//	// REST
//	page, _ := client.Chats().List(ctx, 1, 20)
//
//	// Realtime
//	session := atlaschat.NewSession(client, atlaschat.SessionConfig{})
//	session.Start()
//	defer session.Shutdown()
//	session.Chats().Open(ctx, page.Items[0].ID)
package atlaschat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Environment
// ============================================================================

type Environment string

const (
	Production Environment = "production"
	Local      Environment = "local"
)

var environments = map[Environment]string{
	Production: "https://api.atlascaucasus.com",
	Local:      "http://localhost:8000",
}

const (
	DefaultBaseURL = "https://api.atlascaucasus.com"
	DefaultTimeout = 30 * time.Second

	apiPrefix = "/api/v1"
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	chats      *ChatsClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithEnvironment(env Environment) ClientOption {
	return func(c *Client) {
		if u, ok := environments[env]; ok {
			c.baseURL = u
		}
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a client authenticated with the given access token.
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

	c.chats = &ChatsClient{client: c}
	return c
}

// SetToken replaces the access token, e.g. after a refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

func (c *Client) Token() string   { return c.token }
func (c *Client) BaseURL() string { return c.baseURL }

// Chats returns the chat REST sub-client.
func (c *Client) Chats() *ChatsClient {
	return c.chats
}

// RealtimeURL returns the WebSocket endpoint for the current token.
func (c *Client) RealtimeURL() (string, error) {
	return realtimeURL(c.baseURL, c.token)
}

// realtimeURL derives {ws|wss}://{host}/ws?token= from the REST base URL.
func realtimeURL(baseURL, token string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	scheme := "ws"
	switch u.Scheme {
	case "https", "wss":
		scheme = "wss"
	case "http", "ws":
	default:
		return "", fmt.Errorf("invalid base url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("base url %q has no host", baseURL)
	}
	return scheme + "://" + u.Host + "/ws?token=" + url.QueryEscape(token), nil
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	u := c.baseURL + apiPrefix + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

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

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
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

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		if resp.StatusCode >= 400 {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if resp.StatusCode >= 400 || !result.Success {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: result.Message}
	}
	return &result, nil
}

func decodeData[T any](r *Result) (*T, error) {
	var v T
	if err := r.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode response data: %w", err)
	}
	return &v, nil
}

// ============================================================================
// Chats
// ============================================================================

// ChatsClient covers the chat endpoints the realtime layer depends on.
type ChatsClient struct {
	client *Client
}

func pageQuery(page, limit int) map[string]string {
	q := map[string]string{}
	if page > 0 {
		q["page"] = strconv.Itoa(page)
	}
	if limit > 0 {
		q["limit"] = strconv.Itoa(limit)
	}
	return q
}

// List returns the current user's chats.
func (cc *ChatsClient) List(ctx context.Context, page, limit int) (*Page[Chat], error) {
	res, err := cc.client.doRequest(ctx, http.MethodGet, "/chats", nil, pageQuery(page, limit))
	if err != nil {
		return nil, err
	}
	return decodeData[Page[Chat]](res)
}

func (cc *ChatsClient) Get(ctx context.Context, chatID string) (*Chat, error) {
	res, err := cc.client.doRequest(ctx, http.MethodGet, "/chats/"+url.PathEscape(chatID), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[Chat](res)
}

// Messages returns one page of a chat's history, newest first.
func (cc *ChatsClient) Messages(ctx context.Context, chatID string, page, limit int) (*Page[Message], error) {
	path := "/chats/" + url.PathEscape(chatID) + "/messages"
	res, err := cc.client.doRequest(ctx, http.MethodGet, path, nil, pageQuery(page, limit))
	if err != nil {
		return nil, err
	}
	return decodeData[Page[Message]](res)
}

func (cc *ChatsClient) Send(ctx context.Context, chatID string, in SendMessageInput) (*Message, error) {
	path := "/chats/" + url.PathEscape(chatID) + "/messages"
	res, err := cc.client.doRequest(ctx, http.MethodPost, path, in, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[Message](res)
}

// MarkRead marks every message in the chat as read by the current user.
func (cc *ChatsClient) MarkRead(ctx context.Context, chatID string) error {
	_, err := cc.client.doRequest(ctx, http.MethodPost, "/chats/"+url.PathEscape(chatID)+"/read", nil, nil)
	return err
}
