// Package guildchat is the client-side sync engine for guild group chat.
//
// It merges the cursor-paginated history endpoint and the live websocket
// stream of one group into a single ordered, deduplicated message list, and
// manages the live connection's lifecycle (connect, backoff, reconnect,
// teardown).
//
// Example:
//
//	client := guildchat.NewClient(token, guildchat.WithBaseURL("https://api.example.com"))
//
//	// History only
//	page, _ := client.Groups().FirstPage(ctx, 42)
//
//	// Full session: history + live channel
//	s := client.Session(42)
//	s.OnChange(func(snap guildchat.Snapshot) { render(snap.Messages) })
//	s.Initialize(ctx, true)
//	defer s.Teardown()
package guildchat

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

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	DefaultBaseURL = "https://api.questly.app"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST root for the chat backend. It builds history loaders
// and chat sessions that share its base URL, credentials and logger.
type Client struct {
	accessToken string
	baseURL     string
	wsBaseURL   string
	httpClient  *http.Client
	tokenSource oauth2.TokenSource
	logger      *zap.Logger
	groups      *GroupsClient
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithWSBaseURL overrides the websocket base. By default it is derived from
// the base URL by swapping the scheme.
func WithWSBaseURL(u string) ClientOption {
	return func(c *Client) { c.wsBaseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithTokenSource authenticates with a refreshing token source instead of
// the static access token.
func WithTokenSource(ts oauth2.TokenSource) ClientOption {
	return func(c *Client) { c.tokenSource = ts }
}

func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a new chat client.
// accessToken may be "" when WithTokenSource is used, or for anonymous access.
func NewClient(accessToken string, opts ...ClientOption) *Client {
	c := &Client{
		accessToken: accessToken,
		baseURL:     DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.tokenSource != nil {
		c.tokenSource = oauth2.ReuseTokenSource(nil, c.tokenSource)
		c.httpClient = &http.Client{
			Timeout:       c.httpClient.Timeout,
			CheckRedirect: c.httpClient.CheckRedirect,
			Jar:           c.httpClient.Jar,
			Transport:     &oauth2.Transport{Source: c.tokenSource, Base: c.httpClient.Transport},
		}
	}
	if c.wsBaseURL == "" {
		c.wsBaseURL = websocketBase(c.baseURL)
	}

	c.groups = &GroupsClient{client: c}
	return c
}

// Groups returns the group history sub-client.
func (c *Client) Groups() *GroupsClient {
	return c.groups
}

// Credentials returns the provider used for the live channel token.
func (c *Client) Credentials() CredentialProvider {
	if c.tokenSource != nil {
		return TokenSourceCredentials{Source: c.tokenSource}
	}
	return StaticCredentials(c.accessToken)
}

// Session creates a chat session for one group, wired to this client's
// history endpoint, credentials and websocket base. Options override any of
// those.
func (c *Client) Session(groupID int64, opts ...SessionOption) *Session {
	cfg := SessionConfig{
		History:     c.groups,
		Credentials: c.Credentials(),
		WSBaseURL:   c.wsBaseURL,
		Logger:      c.logger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return NewSession(groupID, cfg)
}

// WSBaseURL returns the websocket base live channel URLs are built on.
func (c *Client) WSBaseURL() string {
	return c.wsBaseURL
}

// WSURL returns the live channel URL for a group. The token is omitted when
// empty.
func (c *Client) WSURL(groupID int64, token string) string {
	return groupWSURL(c.wsBaseURL, groupID, token)
}

func websocketBase(httpBase string) string {
	base := strings.Replace(httpBase, "https://", "wss://", 1)
	return strings.Replace(base, "http://", "ws://", 1)
}

func groupWSURL(wsBase string, groupID int64, token string) string {
	u := fmt.Sprintf("%s/ws/group/%d/", strings.TrimRight(wsBase, "/"), groupID)
	if token != "" {
		return u + "?token=" + url.QueryEscape(token)
	}
	return u
}

// ============================================================================
// Internal request helper
// ============================================================================

// doRequest performs one API call and returns the body. Non-2xx responses
// return the body together with an *httpStatusError.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
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
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokenSource == nil && c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return data, newHTTPStatusError(resp.StatusCode, data)
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &result, nil
}

// httpStatusError is a non-2xx response. It wraps the decoded APIError when
// the body carries one.
type httpStatusError struct {
	StatusCode int
	API        *APIError
}

func newHTTPStatusError(code int, body []byte) *httpStatusError {
	e := &httpStatusError{StatusCode: code}
	var apiErr APIError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Detail != "" {
		e.API = &apiErr
	}
	return e
}

func (e *httpStatusError) Error() string {
	if e.API != nil {
		return e.API.Error()
	}
	return http.StatusText(e.StatusCode)
}

func (e *httpStatusError) Unwrap() error {
	if e.API != nil {
		return e.API
	}
	return nil
}
