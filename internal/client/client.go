// Package client talks to a running `deflat serve`. A Router sends requests
// to the server when one answers and processes them in-process otherwise.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/l3aro/go-deflat/internal/daemon"
	"github.com/l3aro/go-deflat/internal/server"
)

// DefaultTimeout is the default request timeout
const DefaultTimeout = 5 * time.Minute

// ErrServerNotAvailable is returned when no server answers.
var ErrServerNotAvailable = errors.New("server not available")

// Client is an HTTP client of the deflat server.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
}

// Option is a client option
type Option func(*Client)

// WithURL sets the server base URL, e.g. http://10.0.0.2:10000.
func WithURL(url string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithTimeout sets the request timeout
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// New creates a client for the server listening on listen.
func New(listen string, opts ...Option) *Client {
	c := &Client{
		baseURL: daemon.BaseURL(listen),
		timeout: DefaultTimeout,
		http:    http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URL returns the server base URL.
func (c *Client) URL() string { return c.baseURL }

func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServerNotAvailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned HTTP %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	return nil
}

// Health checks that the server reports itself running.
func (c *Client) Health(ctx context.Context) error {
	var body struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &body); err != nil {
		return err
	}
	if body.Status != "running" {
		return fmt.Errorf("%w: status %q", ErrServerNotAvailable, body.Status)
	}
	return nil
}

// Process posts a task body to /request.
func (c *Client) Process(ctx context.Context, body []byte) (*server.Response, error) {
	var resp server.Response
	if err := c.do(ctx, http.MethodPost, "/request", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stats fetches the server's cache statistics.
func (c *Client) Stats(ctx context.Context) (map[string]interface{}, error) {
	var stats map[string]interface{}
	if err := c.do(ctx, http.MethodGet, "/stats", nil, &stats); err != nil {
		return nil, err
	}
	return stats, nil
}
