// Package graphclient connects to the agent server's streaming search endpoint.
package graphclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/xiaot623/dataagent/internal/domain"
	"github.com/xiaot623/dataagent/internal/stream"
)

// SearchPath is the streaming search endpoint on the agent server.
const SearchPath = "/api/stream/search"

// maxErrorBody caps how much of a non-200 body ends up in the error.
const maxErrorBody = 4 << 10

// Client opens streaming searches against an agent server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient creates a client for the agent server at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		// No overall timeout: a search streams for as long as the agent runs.
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the agent server base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// URL builds the full streaming search URL for req.
func (c *Client) URL(req domain.StreamRequest) string {
	return c.baseURL + SearchPath + "?" + req.Params().Encode()
}

// Open issues the GET request and returns the event stream body. It
// implements stream.Transport.
func (c *Client) Open(ctx context.Context, req domain.StreamRequest) (io.ReadCloser, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(req), nil)
	if err != nil {
		return nil, &domain.TransportError{Op: "open", Err: fmt.Errorf("failed to create request: %w", err)}
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &domain.TransportError{Op: "open", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &domain.TransportError{
			Op:         "status",
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(bodyBytes)),
		}
	}

	return resp.Body, nil
}

// StreamSearch starts a session for req against this client.
func (c *Client) StreamSearch(ctx context.Context, req domain.StreamRequest, handlers stream.Handlers, opts ...stream.Option) (*stream.Handle, error) {
	return stream.Start(ctx, c, req, handlers, opts...)
}
